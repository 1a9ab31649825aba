package tactus

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies runtime errors. Kinds are part of the script surface:
// an error raised by a primitive carries its kind as a message prefix so
// scripts can match on it inside try() handlers.
type ErrorKind string

const (
	// ErrValidation indicates inputs violated a declared parameter schema or
	// a primitive's argument constraints.
	ErrValidation ErrorKind = "ValidationError"

	// ErrTool indicates a tool invocation failed. Tool errors are also
	// surfaced into the agent's session so the model can react.
	ErrTool ErrorKind = "ToolError"

	// ErrProviderRetryable indicates a transient LLM provider failure that
	// loops within the retry budget.
	ErrProviderRetryable ErrorKind = "ProviderRetryable"

	// ErrProviderFatal indicates a permanent LLM provider failure.
	ErrProviderFatal ErrorKind = "ProviderFatal"

	// ErrTimeout indicates a wall-clock limit was hit.
	ErrTimeout ErrorKind = "Timeout"

	// ErrCancelled indicates the invocation was cancelled externally or by
	// its parent.
	ErrCancelled ErrorKind = "Cancelled"

	// ErrCheckpointConflict indicates a journalled value's shape disagrees
	// with the current code. This is a programmer error on resume.
	ErrCheckpointConflict ErrorKind = "CheckpointConflict"

	// ErrInternal indicates an invariant was violated. Fatal: the invocation
	// status becomes failed.
	ErrInternal ErrorKind = "InternalError"
)

// Error is a structured runtime error with a kind, an optional invocation
// reference, and Go error-wrapping support.
type Error struct {
	Kind         ErrorKind
	Message      string
	InvocationID string
	Wrapped      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

// NewError creates an Error of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps an existing error with a kind, preserving the chain.
func WrapError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Message: err.Error(), Wrapped: err}
}

var errorKinds = []ErrorKind{
	ErrValidation,
	ErrTool,
	ErrProviderRetryable,
	ErrProviderFatal,
	ErrTimeout,
	ErrCancelled,
	ErrCheckpointConflict,
	ErrInternal,
}

// Classify normalizes any error into an *Error. Context cancellation maps to
// Cancelled, deadline expiry to Timeout, and unknown errors to InternalError.
// Errors that crossed the script boundary and back are recovered from their
// kind prefix.
func Classify(err error) *Error {
	var terr *Error
	if errors.As(err, &terr) {
		return terr
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: ErrCancelled, Message: err.Error(), Wrapped: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ErrTimeout, Message: err.Error(), Wrapped: err}
	}
	// An error that traversed the script VM arrives as a flat message with
	// the kind prefix intact.
	msg := err.Error()
	for _, kind := range errorKinds {
		if strings.Contains(msg, string(kind)+": ") {
			return &Error{Kind: kind, Message: msg, Wrapped: err}
		}
	}
	return &Error{Kind: ErrInternal, Message: msg, Wrapped: err}
}

// MatchesKind reports whether err classifies to the given kind.
func MatchesKind(err error, kind ErrorKind) bool {
	if err == nil {
		return false
	}
	return Classify(err).Kind == kind
}
