package tactus

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Tool represents an action an agent (or script) may invoke.
type Tool interface {

	// Name returns the tool's name.
	Name() string

	// Description returns the tool's human/model-facing description.
	Description() string

	// Schema returns a JSON schema for the tool's arguments.
	Schema() map[string]any

	// Invoke executes the tool.
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// ToolFunction adapts a plain function into a Tool.
type ToolFunction struct {
	name        string
	description string
	schema      map[string]any
	fn          func(ctx context.Context, args map[string]any) (any, error)
}

func NewToolFunction(name, description string, schema map[string]any, fn func(ctx context.Context, args map[string]any) (any, error)) *ToolFunction {
	return &ToolFunction{name: name, description: description, schema: schema, fn: fn}
}

func (t *ToolFunction) Name() string        { return t.name }
func (t *ToolFunction) Description() string { return t.description }

func (t *ToolFunction) Schema() map[string]any {
	if t.schema != nil {
		return t.schema
	}
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (t *ToolFunction) Invoke(ctx context.Context, args map[string]any) (any, error) {
	return t.fn(ctx, args)
}

// ToolCallRecord is the audit entry for one tool invocation.
type ToolCallRecord struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    any            `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Agent     string         `json:"agent,omitempty"`
}

// ToolRegistry resolves tool names to callables for one invocation. Every
// call is journalled (read-through) and recorded both as a tool_call event
// and in the per-invocation call history. With a mock config installed, the
// invoke step is replaced by a canned-response lookup while events and
// records stay identical to the real path.
type ToolRegistry struct {
	mu      sync.Mutex
	tools   map[string]Tool
	calls   []ToolCallRecord
	events  *EventLog
	journal *Journal
	mock    *MockToolConfig
}

func NewToolRegistry(events *EventLog, journal *Journal) *ToolRegistry {
	return &ToolRegistry{
		tools:   map[string]Tool{},
		events:  events,
		journal: journal,
	}
}

// SetMock switches the registry into mock mode.
func (r *ToolRegistry) SetMock(config *MockToolConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mock = config
}

// Register adds a tool. Re-registering a name is a validation error.
func (r *ToolRegistry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tool == nil || tool.Name() == "" {
		return NewError(ErrValidation, "tool name required")
	}
	if _, exists := r.tools[tool.Name()]; exists {
		return NewError(ErrValidation, "tool %q already registered", tool.Name())
	}
	r.tools[tool.Name()] = tool
	return nil
}

// Get returns a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Schemas returns provider wire schemas for the named tools. Unknown names
// are skipped.
func (r *ToolRegistry) Schemas(names []string) []ToolSchema {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ToolSchema
	for _, name := range names {
		if tool, ok := r.tools[name]; ok {
			out = append(out, ToolSchema{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  tool.Schema(),
			})
		}
	}
	return out
}

// Call invokes a tool through the journal: a replayed step returns the
// recorded outcome without re-running the tool, but still emits the same
// event and call record. Tool failures come back as ToolError.
func (r *ToolRegistry) Call(ctx context.Context, agent, name string, args map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, WrapError(ErrCancelled, err)
	}

	normalizedArgs, err := normalizeJSONValue(args)
	if err != nil {
		return nil, NewError(ErrValidation, "tool %q arguments are not JSON-serialisable: %v", name, err)
	}
	argsMap, _ := normalizedArgs.(map[string]any)

	outcome, err := r.journal.Step(ctx, "tool."+name, func() (any, error) {
		result, invokeErr := r.invoke(ctx, name, argsMap)
		entry := map[string]any{"result": result}
		if invokeErr != nil {
			entry = map[string]any{"error": invokeErr.Error()}
		}
		return entry, nil
	})
	if err != nil {
		return nil, err
	}

	entry, _ := outcome.(map[string]any)
	record := ToolCallRecord{
		Tool:      name,
		Arguments: argsMap,
		Timestamp: time.Now().UTC(),
		Agent:     agent,
	}
	payload := map[string]any{"tool": name, "arguments": argsMap}
	if agent != "" {
		payload["agent"] = agent
	}

	var callErr error
	if errText, ok := entry["error"].(string); ok && errText != "" {
		record.Error = errText
		payload["error"] = errText
		callErr = NewError(ErrTool, "%s", errText)
	} else {
		record.Result = entry["result"]
		payload["result"] = entry["result"]
	}

	r.mu.Lock()
	r.calls = append(r.calls, record)
	r.mu.Unlock()
	r.events.Append(EventToolCall, payload)

	if callErr != nil {
		return nil, callErr
	}
	return record.Result, nil
}

// invoke performs the effect: canned response in mock mode, the registered
// callable otherwise.
func (r *ToolRegistry) invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	r.mu.Lock()
	mock := r.mock
	tool, registered := r.tools[name]
	r.mu.Unlock()

	if mock != nil {
		return mock.respond(name, args), nil
	}
	if !registered {
		return nil, NewError(ErrValidation, "tool %q is not registered", name)
	}
	return tool.Invoke(ctx, args)
}

// Called reports whether the named tool was invoked at least once.
func (r *ToolRegistry) Called(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, call := range r.calls {
		if call.Tool == name {
			return true
		}
	}
	return false
}

// LastCall returns the most recent call record for name, or nil.
func (r *ToolRegistry) LastCall(name string) *ToolCallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.calls) - 1; i >= 0; i-- {
		if r.calls[i].Tool == name {
			call := r.calls[i]
			return &call
		}
	}
	return nil
}

// CallsOf returns every call record for name, in order.
func (r *ToolRegistry) CallsOf(name string) []ToolCallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ToolCallRecord
	for _, call := range r.calls {
		if call.Tool == name {
			out = append(out, call)
		}
	}
	return out
}

// Calls returns every call record, in order.
func (r *ToolRegistry) Calls() []ToolCallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ToolCallRecord, len(r.calls))
	copy(out, r.calls)
	return out
}

// NewDoneTool returns the built-in done tool: calling it marks the agent's
// intent to exit its loop. Scripts observe it via Tool.called("done").
func NewDoneTool() Tool {
	return NewToolFunction("done", "Signal that the task is complete.", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"reason": map[string]any{
				"type":        "string",
				"description": "Why the task is complete.",
			},
		},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		return map[string]any{"ok": true}, nil
	})
}

// NewTodoTool returns the built-in todo tool: a small queue over the
// invocation's state store with add, next, and list operations.
func NewTodoTool(state *StateStore) Tool {
	const key = "__todo"
	return NewToolFunction("todo", "Manage a queue of pending work items.", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"op":   map[string]any{"type": "string", "enum": []any{"add", "next", "list"}},
			"item": map[string]any{"type": "string"},
		},
		"required": []any{"op"},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		queue, _ := state.Get(key).([]any)
		op, _ := args["op"].(string)
		switch op {
		case "add":
			item, ok := args["item"]
			if !ok {
				return nil, NewError(ErrValidation, "todo add requires an item")
			}
			queue = append(queue, item)
			if err := state.Set(key, queue); err != nil {
				return nil, err
			}
			return map[string]any{"ok": true, "size": int64(len(queue))}, nil
		case "next":
			if len(queue) == 0 {
				return map[string]any{"item": nil, "remaining": int64(0)}, nil
			}
			item := queue[0]
			queue = queue[1:]
			if err := state.Set(key, queue); err != nil {
				return nil, err
			}
			return map[string]any{"item": item, "remaining": int64(len(queue))}, nil
		case "list":
			return map[string]any{"items": queue}, nil
		default:
			return nil, NewError(ErrValidation, "unknown todo op %q", op)
		}
	})
}

// fingerprintArgs produces a stable digest for mock matching. Go's JSON
// encoder sorts map keys, so equal argument maps fingerprint equally.
func fingerprintArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}
