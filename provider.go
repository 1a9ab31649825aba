package tactus

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ModelConfig carries everything an adapter needs to address a model.
type ModelConfig struct {
	Provider    string         `json:"provider" yaml:"provider"`
	Model       string         `json:"model" yaml:"model"`
	Temperature *float64       `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Extra       map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// ToolSchema describes one callable tool in provider wire terms.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Usage is the token accounting for one completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToolCallRequest is one tool invocation requested by the model.
type ToolCallRequest struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// CompletionResult is one model round-trip's outcome.
type CompletionResult struct {
	Text         string            `json:"text"`
	ToolCalls    []ToolCallRequest `json:"tool_calls,omitempty"`
	FinishReason string            `json:"finish_reason"`
	Usage        Usage             `json:"usage"`
}

// Provider is the LLM adapter interface the agent primitive consumes.
// Adapters must translate their native failures into the shared taxonomy:
// ProviderRetryable for transient errors, ProviderFatal for permanent ones.
type Provider interface {
	Complete(ctx context.Context, config ModelConfig, messages []Message, tools []ToolSchema) (*CompletionResult, error)
}

// StreamDelta is one increment of a streaming completion.
type StreamDelta struct {
	Text         string           `json:"text,omitempty"`
	ToolCall     *ToolCallRequest `json:"tool_call,omitempty"`
	FinishReason string           `json:"finish_reason,omitempty"`
	Usage        *Usage           `json:"usage,omitempty"`
	Err          error            `json:"-"`
}

// StreamingProvider is implemented by adapters that can stream tokens. The
// agent primitive accumulates deltas into the final TurnResult and emits
// incremental agent_turn events; partial output before a failure is
// discarded, never journalled.
type StreamingProvider interface {
	Provider
	Stream(ctx context.Context, config ModelConfig, messages []Message, tools []ToolSchema) (<-chan StreamDelta, error)
}

// accumulateStream drains a delta channel into a CompletionResult.
func accumulateStream(deltas <-chan StreamDelta, onDelta func(StreamDelta)) (*CompletionResult, error) {
	result := &CompletionResult{}
	for delta := range deltas {
		if delta.Err != nil {
			return nil, delta.Err
		}
		if onDelta != nil {
			onDelta(delta)
		}
		result.Text += delta.Text
		if delta.ToolCall != nil {
			result.ToolCalls = append(result.ToolCalls, *delta.ToolCall)
		}
		if delta.FinishReason != "" {
			result.FinishReason = delta.FinishReason
		}
		if delta.Usage != nil {
			result.Usage = *delta.Usage
		}
	}
	if result.FinishReason == "" {
		result.FinishReason = "stop"
	}
	return result, nil
}

// RetryPolicy bounds the retry loop around transient provider failures.
type RetryPolicy struct {
	MaxRetries   uint64
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   4,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     15 * time.Second,
	}
}

// completeWithRetry calls the provider, retrying with exponential backoff on
// ProviderRetryable errors. Any other error kind surfaces immediately.
func completeWithRetry(ctx context.Context, provider Provider, policy RetryPolicy, config ModelConfig, messages []Message, tools []ToolSchema) (*CompletionResult, error) {
	var result *CompletionResult

	operation := func() error {
		r, err := provider.Complete(ctx, config, messages, tools)
		if err != nil {
			if MatchesKind(err, ErrProviderRetryable) {
				return err
			}
			return backoff.Permanent(err)
		}
		result = r
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = policy.InitialDelay
	expo.MaxInterval = policy.MaxDelay

	policyBackoff := backoff.WithContext(backoff.WithMaxRetries(expo, policy.MaxRetries), ctx)
	if err := backoff.Retry(operation, policyBackoff); err != nil {
		return nil, err
	}
	return result, nil
}
