package tactus

import (
	"context"
	"sync"
)

// MockTurn is one scripted provider response.
type MockTurn struct {
	Text         string            `json:"text,omitempty" yaml:"text,omitempty"`
	ToolCalls    []ToolCallRequest `json:"tool_calls,omitempty" yaml:"tool_calls,omitempty"`
	FinishReason string            `json:"finish_reason,omitempty" yaml:"finish_reason,omitempty"`
}

// MockProvider returns scripted turns deterministically, keyed by agent name
// (adapters receive the agent via ModelConfig.Extra["agent"]). When both the
// agent's queue and the shared queue are empty, it emits one call to the
// done tool if the offered tools include done, and plain stop turns after
// that.
type MockProvider struct {
	mu       sync.Mutex
	byAgent  map[string][]MockTurn
	queue    []MockTurn
	doneSent map[string]bool
}

func NewMockProvider() *MockProvider {
	return &MockProvider{
		byAgent:  map[string][]MockTurn{},
		doneSent: map[string]bool{},
	}
}

// Script appends turns to the shared queue consumed by any agent.
func (p *MockProvider) Script(turns ...MockTurn) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, turns...)
	return p
}

// ScriptAgent appends turns consumed only by the named agent.
func (p *MockProvider) ScriptAgent(agent string, turns ...MockTurn) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byAgent[agent] = append(p.byAgent[agent], turns...)
	return p
}

func (p *MockProvider) Complete(ctx context.Context, config ModelConfig, messages []Message, tools []ToolSchema) (*CompletionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, WrapError(ErrCancelled, err)
	}

	agent, _ := config.Extra["agent"].(string)

	p.mu.Lock()
	defer p.mu.Unlock()

	var turn MockTurn
	switch {
	case len(p.byAgent[agent]) > 0:
		turn = p.byAgent[agent][0]
		p.byAgent[agent] = p.byAgent[agent][1:]
	case len(p.queue) > 0:
		turn = p.queue[0]
		p.queue = p.queue[1:]
	case !p.doneSent[agent] && hasTool(tools, "done"):
		p.doneSent[agent] = true
		turn = MockTurn{
			Text: "Task complete.",
			ToolCalls: []ToolCallRequest{{
				ID:        "mock-call-done",
				Name:      "done",
				Arguments: map[string]any{"reason": "mock complete"},
			}},
			FinishReason: "tool_calls",
		}
	default:
		turn = MockTurn{Text: "ok", FinishReason: "stop"}
	}

	if turn.FinishReason == "" {
		if len(turn.ToolCalls) > 0 {
			turn.FinishReason = "tool_calls"
		} else {
			turn.FinishReason = "stop"
		}
	}
	return &CompletionResult{
		Text:         turn.Text,
		ToolCalls:    turn.ToolCalls,
		FinishReason: turn.FinishReason,
		Usage:        Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

func hasTool(tools []ToolSchema, name string) bool {
	for _, tool := range tools {
		if tool.Name == name {
			return true
		}
	}
	return false
}
