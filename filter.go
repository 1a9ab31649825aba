package tactus

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// ContextFilter derives the message view an agent sees for one turn. Filters
// never mutate the underlying session.
type ContextFilter interface {
	Apply(messages []Message) []Message
}

// TokenBudget drops the oldest non-system messages until the estimated token
// count fits. System messages are always kept.
type TokenBudget struct {
	Max int

	once sync.Once
	enc  *tiktoken.Tiktoken
}

func NewTokenBudget(max int) *TokenBudget {
	return &TokenBudget{Max: max}
}

func (f *TokenBudget) estimate(text string) int {
	f.once.Do(func() {
		// Best effort: the encoding may need a network fetch on first use.
		if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			f.enc = enc
		}
	})
	if f.enc != nil {
		return len(f.enc.Encode(text, nil, nil))
	}
	// Rough fallback when the encoding is unavailable.
	return len(text)/4 + 1
}

func (f *TokenBudget) Apply(messages []Message) []Message {
	if f.Max <= 0 {
		return messages
	}
	budget := f.Max
	keep := make([]bool, len(messages))

	// System messages are always part of the view.
	for i, msg := range messages {
		if msg.Role == RoleSystem {
			keep[i] = true
			budget -= f.estimate(msg.Content)
		}
	}
	// Then newest-first until the budget runs out.
	for i := len(messages) - 1; i >= 0; i-- {
		if keep[i] {
			continue
		}
		cost := f.estimate(messages[i].Content)
		if cost > budget {
			break
		}
		keep[i] = true
		budget -= cost
	}

	out := make([]Message, 0, len(messages))
	for i, msg := range messages {
		if keep[i] {
			out = append(out, msg)
		}
	}
	return out
}

// LimitToolResults retains only the last K tool-result messages.
type LimitToolResults struct {
	K int
}

func (f *LimitToolResults) Apply(messages []Message) []Message {
	total := 0
	for _, msg := range messages {
		if msg.Role == RoleTool {
			total++
		}
	}
	drop := total - f.K
	if drop <= 0 {
		return messages
	}
	out := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == RoleTool && drop > 0 {
			drop--
			continue
		}
		out = append(out, msg)
	}
	return out
}

// HideClass drops messages whose visibility class is in the set.
type HideClass struct {
	Classes []Visibility
}

func (f *HideClass) Apply(messages []Message) []Message {
	hidden := make(map[Visibility]bool, len(f.Classes))
	for _, class := range f.Classes {
		hidden[class] = true
	}
	out := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if hidden[msg.Visibility] {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// Composed applies each child filter in order, feeding the previous output
// into the next.
type Composed struct {
	Chain []ContextFilter
}

func (f *Composed) Apply(messages []Message) []Message {
	for _, filter := range f.Chain {
		messages = filter.Apply(messages)
	}
	return messages
}
