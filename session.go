package tactus

import (
	"sync"
)

// Role identifies the author of a session message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Visibility labels which consumers may see a session message. Filters use
// it to shape the context a model sees; UIs use it to decide what to render.
type Visibility string

const (
	VisibilityInternal        Visibility = "INTERNAL"
	VisibilityChat            Visibility = "CHAT"
	VisibilityNotification    Visibility = "NOTIFICATION"
	VisibilityPendingApproval Visibility = "PENDING_APPROVAL"
	VisibilityPendingInput    Visibility = "PENDING_INPUT"
	VisibilityPendingReview   Visibility = "PENDING_REVIEW"
)

// ToolCallRef records an assistant message's request to invoke a tool.
type ToolCallRef struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Message is one entry in an agent's session.
type Message struct {
	Role       Role          `json:"role"`
	Content    string        `json:"content"`
	Visibility Visibility    `json:"visibility,omitempty"`
	ToolCalls  []ToolCallRef `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	ToolName   string        `json:"tool_name,omitempty"`
}

// Session is the ordered message log for one (invocation, agent) pair.
// Filters derive views from it; they never mutate the log itself.
type Session struct {
	mu       sync.Mutex
	agent    string
	messages []Message
}

func NewSession(agent string) *Session {
	return &Session{agent: agent}
}

// Agent returns the owning agent's name.
func (s *Session) Agent() string {
	return s.agent
}

// Append adds a message to the end of the log.
func (s *Session) Append(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Visibility == "" {
		msg.Visibility = VisibilityChat
	}
	s.messages = append(s.messages, msg)
}

// History returns a copy of the full message list.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of messages in the log.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Clear removes every message.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
}

// InjectSystem appends a system message with INTERNAL visibility.
func (s *Session) InjectSystem(text string) {
	s.Append(Message{Role: RoleSystem, Content: text, Visibility: VisibilityInternal})
}

// SaveTo serialises the session into the state store under key.
func (s *Session) SaveTo(state *StateStore, key string) error {
	history := s.History()
	items := make([]any, 0, len(history))
	for _, msg := range history {
		item := map[string]any{
			"role":       string(msg.Role),
			"content":    msg.Content,
			"visibility": string(msg.Visibility),
		}
		if len(msg.ToolCalls) > 0 {
			calls := make([]any, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				calls = append(calls, map[string]any{
					"id":        tc.ID,
					"name":      tc.Name,
					"arguments": tc.Arguments,
				})
			}
			item["tool_calls"] = calls
		}
		if msg.ToolCallID != "" {
			item["tool_call_id"] = msg.ToolCallID
		}
		if msg.ToolName != "" {
			item["tool_name"] = msg.ToolName
		}
		items = append(items, item)
	}
	return state.Set(key, items)
}

// LoadFrom replaces the session contents with messages previously stored
// under key. SaveTo followed by LoadFrom is identity.
func (s *Session) LoadFrom(state *StateStore, key string) error {
	stored := state.Get(key)
	if stored == nil {
		return NewError(ErrValidation, "no session saved under state key %q", key)
	}
	items, ok := stored.([]any)
	if !ok {
		return NewError(ErrValidation, "state key %q does not hold a saved session", key)
	}

	var messages []Message
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			return NewError(ErrValidation, "state key %q holds a malformed session entry", key)
		}
		msg := Message{
			Role:       Role(stringValue(item["role"])),
			Content:    stringValue(item["content"]),
			Visibility: Visibility(stringValue(item["visibility"])),
			ToolCallID: stringValue(item["tool_call_id"]),
			ToolName:   stringValue(item["tool_name"]),
		}
		if calls, ok := item["tool_calls"].([]any); ok {
			for _, rawCall := range calls {
				call, ok := rawCall.(map[string]any)
				if !ok {
					continue
				}
				ref := ToolCallRef{
					ID:   stringValue(call["id"]),
					Name: stringValue(call["name"]),
				}
				if args, ok := call["arguments"].(map[string]any); ok {
					ref.Arguments = args
				}
				msg.ToolCalls = append(msg.ToolCalls, ref)
			}
		}
		messages = append(messages, msg)
	}

	s.mu.Lock()
	s.messages = messages
	s.mu.Unlock()
	return nil
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}
