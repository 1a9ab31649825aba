package tactus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// HITLKind distinguishes the three human-in-the-loop request shapes.
type HITLKind string

const (
	HITLApprove HITLKind = "approve"
	HITLInput   HITLKind = "input"
	HITLReview  HITLKind = "review"
)

// HITLRequest is what the runtime hands to a handler when a procedure
// suspends for a human.
type HITLRequest struct {
	ID      string         `json:"id"`
	Kind    HITLKind       `json:"kind"`
	Name    string         `json:"name,omitempty"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
	Timeout time.Duration  `json:"timeout,omitempty"`
	Default any            `json:"default,omitempty"`
}

// HITLResponse is a handler's answer: exactly one of Resolved, TimedOut, or
// Cancelled applies.
type HITLResponse struct {
	Resolved  bool `json:"resolved,omitempty"`
	Value     any  `json:"value,omitempty"`
	TimedOut  bool `json:"timed_out,omitempty"`
	Cancelled bool `json:"cancelled,omitempty"`
}

// HITLHandler delivers requests to a human and blocks for the outcome. The
// handler must honor the request timeout (zero means wait indefinitely) and
// return promptly when ctx is cancelled.
type HITLHandler interface {
	Request(ctx context.Context, req *HITLRequest) (*HITLResponse, error)
}

// hitlGateway binds the HITL primitives to one invocation: it emits the
// request/resolved events, drives the waiting_human status transition, and
// journals outcomes so replays never re-prompt a human.
type hitlGateway struct {
	inv     *Invocation
	handler HITLHandler
}

func (g *hitlGateway) request(ctx context.Context, kind HITLKind, name, message string, requestContext map[string]any, timeout time.Duration, defaultValue any, hasDefault bool) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, WrapError(ErrCancelled, err)
	}

	key := "hitl." + string(kind)
	if name != "" {
		key += "." + name
	}

	return g.inv.journal.Step(ctx, key, func() (any, error) {
		req := &HITLRequest{
			ID:      uuid.NewString(),
			Kind:    kind,
			Name:    name,
			Message: message,
			Context: requestContext,
			Timeout: timeout,
		}
		if hasDefault {
			req.Default = defaultValue
		}

		payload := map[string]any{
			"request_id": req.ID,
			"kind":       string(kind),
			"message":    message,
		}
		if name != "" {
			payload["name"] = name
		}
		if requestContext != nil {
			payload["context"] = requestContext
		}
		if timeout > 0 {
			payload["timeout_seconds"] = timeout.Seconds()
		}
		if hasDefault {
			payload["default"] = defaultValue
		}
		g.inv.events.Append(EventHITLRequest, payload)

		g.inv.setStatus(StatusWaitingHuman)
		defer g.inv.setStatus(StatusRunning)

		if g.handler == nil {
			return nil, NewError(ErrInternal, "no HITL handler configured")
		}
		response, err := g.handler.Request(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, WrapError(ErrCancelled, ctx.Err())
			}
			return nil, WrapError(ErrInternal, err)
		}

		switch {
		case response.Cancelled:
			return nil, NewError(ErrCancelled, "human request %q cancelled", req.ID)
		case response.TimedOut:
			if hasDefault {
				return defaultValue, nil
			}
			return nil, NewError(ErrTimeout, "human request %q timed out with no default", req.ID)
		default:
			g.inv.events.Append(EventHITLResolved, map[string]any{
				"request_id": req.ID,
				"value":      response.Value,
			})
			return response.Value, nil
		}
	})
}

// AutoApproveHandler resolves every request immediately: approvals with
// true, inputs and reviews with a canned acknowledgement.
type AutoApproveHandler struct{}

func (h *AutoApproveHandler) Request(ctx context.Context, req *HITLRequest) (*HITLResponse, error) {
	switch req.Kind {
	case HITLApprove:
		return &HITLResponse{Resolved: true, Value: true}, nil
	default:
		return &HITLResponse{Resolved: true, Value: "approved"}, nil
	}
}

// AutoRejectHandler resolves approvals with false and other kinds with a
// canned rejection.
type AutoRejectHandler struct{}

func (h *AutoRejectHandler) Request(ctx context.Context, req *HITLRequest) (*HITLResponse, error) {
	switch req.Kind {
	case HITLApprove:
		return &HITLResponse{Resolved: true, Value: false}, nil
	default:
		return &HITLResponse{Resolved: true, Value: "rejected"}, nil
	}
}

// ScriptedHITLHandler resolves requests from a response table keyed by
// request name (falling back to kind). Unmatched requests wait as they do
// with SilentHITLHandler.
type ScriptedHITLHandler struct {
	mu        sync.Mutex
	Responses map[string]any
}

func NewScriptedHITLHandler(responses map[string]any) *ScriptedHITLHandler {
	if responses == nil {
		responses = map[string]any{}
	}
	return &ScriptedHITLHandler{Responses: responses}
}

func (h *ScriptedHITLHandler) Set(key string, value any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Responses[key] = value
}

func (h *ScriptedHITLHandler) Request(ctx context.Context, req *HITLRequest) (*HITLResponse, error) {
	h.mu.Lock()
	value, ok := h.Responses[req.Name]
	if !ok {
		value, ok = h.Responses[string(req.Kind)]
	}
	h.mu.Unlock()

	if ok {
		return &HITLResponse{Resolved: true, Value: value}, nil
	}
	return waitForTimeout(ctx, req)
}

// SilentHITLHandler never responds. A request with a timeout times out and
// resolves to its default, or to a Timeout error when it has none; a request
// without a timeout waits until ctx is cancelled.
type SilentHITLHandler struct{}

func (h *SilentHITLHandler) Request(ctx context.Context, req *HITLRequest) (*HITLResponse, error) {
	return waitForTimeout(ctx, req)
}

func waitForTimeout(ctx context.Context, req *HITLRequest) (*HITLResponse, error) {
	if req.Timeout <= 0 {
		<-ctx.Done()
		return &HITLResponse{Cancelled: true}, nil
	}
	timer := time.NewTimer(req.Timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return &HITLResponse{Cancelled: true}, nil
	case <-timer.C:
		return &HITLResponse{TimedOut: true}, nil
	}
}
