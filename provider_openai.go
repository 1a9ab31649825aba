package tactus

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	chatCompletionsPath  = "/chat/completions"
)

// OpenAIProvider speaks the OpenAI-compatible chat completions protocol over
// plain HTTP, which also covers self-hosted gateways that expose the same
// surface. HTTP 429 and 5xx map to ProviderRetryable; other client errors
// are ProviderFatal.
type OpenAIProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

type OpenAIOptions struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
	Timeout time.Duration
}

func NewOpenAIProvider(opts OpenAIOptions) *OpenAIProvider {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultOpenAIBaseURL
	}
	if opts.APIKey == "" {
		opts.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if opts.Client == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = 120 * time.Second
		}
		opts.Client = &http.Client{Timeout: timeout}
	}
	return &OpenAIProvider{
		baseURL: strings.TrimSuffix(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		client:  opts.Client,
	}
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Tools       []map[string]any `json:"tools,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (p *OpenAIProvider) Complete(ctx context.Context, config ModelConfig, messages []Message, tools []ToolSchema) (*CompletionResult, error) {
	request := openAIRequest{
		Model:       config.Model,
		Temperature: config.Temperature,
		MaxTokens:   config.MaxTokens,
	}
	for _, msg := range messages {
		wire := openAIMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			call := openAIToolCall{ID: tc.ID, Type: "function"}
			call.Function.Name = tc.Name
			args, err := json.Marshal(tc.Arguments)
			if err != nil {
				return nil, NewError(ErrValidation, "tool call arguments not serialisable: %v", err)
			}
			call.Function.Arguments = string(args)
			wire.ToolCalls = append(wire.ToolCalls, call)
		}
		request.Messages = append(request.Messages, wire)
	}
	for _, tool := range tools {
		parameters := tool.Parameters
		if parameters == nil {
			parameters = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		request.Tools = append(request.Tools, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool.Name,
				"description": tool.Description,
				"parameters":  parameters,
			},
		})
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, NewError(ErrValidation, "failed to encode completion request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+chatCompletionsPath, bytes.NewReader(body))
	if err != nil {
		return nil, WrapError(ErrProviderFatal, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, WrapError(ErrCancelled, ctx.Err())
		}
		// Network-level failures are assumed transient.
		return nil, WrapError(ErrProviderRetryable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, WrapError(ErrProviderRetryable, err)
	}

	if resp.StatusCode != http.StatusOK {
		kind := ErrProviderFatal
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			kind = ErrProviderRetryable
		}
		return nil, NewError(kind, "provider returned HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 512))
	}

	var parsed openAIResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, NewError(ErrProviderFatal, "failed to decode provider response: %v", err)
	}
	if parsed.Error != nil {
		return nil, NewError(ErrProviderFatal, "provider error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, NewError(ErrProviderFatal, "provider returned no choices")
	}

	choice := parsed.Choices[0]
	result := &CompletionResult{
		Text:         choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage: Usage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
		},
	}
	for _, call := range choice.Message.ToolCalls {
		args := map[string]any{}
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				return nil, NewError(ErrProviderFatal, "tool call %q has malformed arguments: %v", call.Function.Name, err)
			}
		}
		result.ToolCalls = append(result.ToolCalls, ToolCallRequest{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: args,
		})
	}
	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
