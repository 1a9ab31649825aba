package tactus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tactus-ai/tactus/script"
)

// TurnResult is the outcome of one agent turn: one request/response round
// with the model, including any tool calls it made.
type TurnResult struct {
	Text         string           `json:"text"`
	ToolCalls    []ToolCallRecord `json:"tool_calls,omitempty"`
	FinishReason string           `json:"finish_reason"`
	Cost         Usage            `json:"cost"`
}

// Agent binds one declared agent to its invocation: model config, rendered
// system prompt, session, context filter, and the subset of tools it may
// call.
type Agent struct {
	name     string
	spec     *AgentSpec
	inv      *Invocation
	provider Provider
	filter   ContextFilter
	retry    RetryPolicy

	promptTemplate  *script.Template
	initialTemplate *script.Template
	started         bool
}

func newAgent(inv *Invocation, spec *AgentSpec, provider Provider, engine script.Compiler) (*Agent, error) {
	filter, err := buildFilterChain(spec)
	if err != nil {
		return nil, err
	}
	agent := &Agent{
		name:     spec.Name,
		spec:     spec,
		inv:      inv,
		provider: provider,
		retry:    DefaultRetryPolicy(),
		filter:   filter,
	}
	if spec.SystemPrompt != "" {
		tmpl, err := script.NewTemplate(engine, spec.SystemPrompt)
		if err != nil {
			return nil, NewError(ErrValidation, "agent %q system prompt: %v", spec.Name, err)
		}
		agent.promptTemplate = tmpl
	}
	if spec.InitialMessage != "" {
		tmpl, err := script.NewTemplate(engine, spec.InitialMessage)
		if err != nil {
			return nil, NewError(ErrValidation, "agent %q initial message: %v", spec.Name, err)
		}
		agent.initialTemplate = tmpl
	}
	return agent, nil
}

// buildFilterChain assembles an agent's declared filters. Without a
// declaration the chain only drops INTERNAL messages.
func buildFilterChain(spec *AgentSpec) (ContextFilter, error) {
	if len(spec.Filters) == 0 {
		return &Composed{Chain: []ContextFilter{
			&HideClass{Classes: []Visibility{VisibilityInternal}},
		}}, nil
	}
	var chain []ContextFilter
	for _, fspec := range spec.Filters {
		switch fspec.Type {
		case "token_budget":
			chain = append(chain, NewTokenBudget(fspec.Max))
		case "limit_tool_results":
			chain = append(chain, &LimitToolResults{K: fspec.K})
		case "hide":
			classes := make([]Visibility, 0, len(fspec.Classes))
			for _, class := range fspec.Classes {
				classes = append(classes, Visibility(class))
			}
			chain = append(chain, &HideClass{Classes: classes})
		default:
			return nil, NewError(ErrValidation, "agent %q: unknown filter type %q", spec.Name, fspec.Type)
		}
	}
	return &Composed{Chain: chain}, nil
}

// Name returns the agent's declared name.
func (a *Agent) Name() string { return a.name }

// SetFilter replaces the agent's context filter chain.
func (a *Agent) SetFilter(filter ContextFilter) { a.filter = filter }

// Turn performs one round-trip with the model: render the system prompt,
// derive the visible message list through the context filter, call the
// provider, execute every tool call the model requested, and journal the
// result. Exceeding the iteration budget is not an error; the script asks
// via Iterations.
func (a *Agent) Turn(ctx context.Context) (*TurnResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, WrapError(ErrCancelled, err)
	}

	turn := a.inv.Iterations() + 1
	a.inv.events.Append(EventAgentTurn, map[string]any{
		"agent": a.name,
		"stage": "started",
		"turn":  turn,
	})

	session := a.inv.Session(a.name)
	if !a.started {
		a.started = true
		if a.initialTemplate != nil {
			text, err := a.renderTemplate(ctx, a.initialTemplate)
			if err != nil {
				return nil, err
			}
			session.Append(Message{Role: RoleUser, Content: text, Visibility: VisibilityChat})
		}
	}

	// The raw model round-trip is the journalled unit: tool effects replay
	// through the registry's own journal entries.
	completionValue, err := a.inv.journal.Step(ctx, "agent.turn."+a.name, func() (any, error) {
		systemPrompt := ""
		if a.promptTemplate != nil {
			rendered, err := a.renderTemplate(ctx, a.promptTemplate)
			if err != nil {
				return nil, err
			}
			systemPrompt = rendered
		}

		visible := a.filter.Apply(session.History())
		messages := make([]Message, 0, len(visible)+1)
		if systemPrompt != "" {
			messages = append(messages, Message{Role: RoleSystem, Content: systemPrompt})
		}
		messages = append(messages, visible...)

		config := a.modelConfig()
		schemas := a.inv.registry.Schemas(a.spec.Tools)
		result, err := a.complete(ctx, turn, config, messages, schemas)
		if err != nil {
			// Partial streaming output before a failure is discarded, not
			// journalled.
			return nil, Classify(err)
		}
		return result, nil
	})
	if err != nil {
		return nil, err
	}

	var completion CompletionResult
	if err := DecodeStep(completionValue, &completion); err != nil {
		return nil, err
	}

	assistant := Message{
		Role:       RoleAssistant,
		Content:    completion.Text,
		Visibility: VisibilityChat,
	}
	for _, call := range completion.ToolCalls {
		assistant.ToolCalls = append(assistant.ToolCalls, ToolCallRef{
			ID:        call.ID,
			Name:      call.Name,
			Arguments: call.Arguments,
		})
	}
	session.Append(assistant)

	result := &TurnResult{
		Text:         completion.Text,
		FinishReason: completion.FinishReason,
		Cost:         completion.Usage,
	}

	for _, call := range completion.ToolCalls {
		callResult, callErr := a.inv.registry.Call(ctx, a.name, call.Name, call.Arguments)
		record := ToolCallRecord{Tool: call.Name, Arguments: call.Arguments, Agent: a.name}

		var content string
		if callErr != nil {
			if MatchesKind(callErr, ErrCancelled) {
				return nil, callErr
			}
			// Tool failures go back to the model as tool results so it can
			// react.
			record.Error = callErr.Error()
			content = callErr.Error()
		} else {
			record.Result = callResult
			content = encodeToolResult(callResult)
		}
		result.ToolCalls = append(result.ToolCalls, record)

		session.Append(Message{
			Role:       RoleTool,
			Content:    content,
			Visibility: VisibilityChat,
			ToolCallID: call.ID,
			ToolName:   call.Name,
		})

		if call.Name == "done" && callErr == nil {
			if reason, ok := call.Arguments["reason"].(string); ok && reason != "" {
				a.inv.setStopReason(reason)
			}
		}
	}

	a.inv.nextIteration()
	a.inv.events.Append(EventAgentTurn, map[string]any{
		"agent":         a.name,
		"stage":         "responded",
		"turn":          turn,
		"text":          completion.Text,
		"finish_reason": completion.FinishReason,
		"tool_calls":    len(completion.ToolCalls),
	})
	a.inv.events.Append(EventCost, map[string]any{
		"agent":         a.name,
		"input_tokens":  completion.Usage.InputTokens,
		"output_tokens": completion.Usage.OutputTokens,
	})

	return result, nil
}

// complete performs the provider round-trip, streaming when the adapter
// supports it.
func (a *Agent) complete(ctx context.Context, turn int, config ModelConfig, messages []Message, schemas []ToolSchema) (*CompletionResult, error) {
	streaming, ok := a.provider.(StreamingProvider)
	if !ok {
		return completeWithRetry(ctx, a.provider, a.retry, config, messages, schemas)
	}
	deltas, err := streaming.Stream(ctx, config, messages, schemas)
	if err != nil {
		return nil, err
	}
	return accumulateStream(deltas, func(delta StreamDelta) {
		if delta.Text != "" {
			a.inv.events.Append(EventAgentTurn, map[string]any{
				"agent": a.name,
				"stage": "delta",
				"turn":  turn,
				"text":  delta.Text,
			})
		}
	})
}

func (a *Agent) modelConfig() ModelConfig {
	extra := map[string]any{"agent": a.name}
	for k, v := range a.spec.Extra {
		extra[k] = v
	}
	return ModelConfig{
		Provider:    a.spec.Provider,
		Model:       a.spec.Model,
		Temperature: a.spec.Temperature,
		MaxTokens:   a.spec.MaxTokens,
		Extra:       extra,
	}
}

func (a *Agent) renderTemplate(ctx context.Context, tmpl *script.Template) (string, error) {
	text, err := tmpl.Eval(ctx, map[string]any{
		"params": a.inv.Params(),
		"state":  a.inv.state.Dump(),
	})
	if err != nil {
		return "", NewError(ErrValidation, "agent %q template: %v", a.name, err)
	}
	return text, nil
}

func encodeToolResult(result any) string {
	if result == nil {
		return "null"
	}
	if s, ok := result.(string); ok {
		return s
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(data)
}
