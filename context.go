package tactus

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	invocationContextKey contextKey = "invocation"
	loggerContextKey     contextKey = "logger"
)

// WithInvocation binds an invocation to a context. Every primitive call a
// script makes carries its invocation this way, so native tools can reach
// the invocation's state and resources.
func WithInvocation(ctx context.Context, inv *Invocation) context.Context {
	return context.WithValue(ctx, invocationContextKey, inv)
}

// InvocationFromContext returns the invocation bound to ctx, if any.
func InvocationFromContext(ctx context.Context) (*Invocation, bool) {
	inv, ok := ctx.Value(invocationContextKey).(*Invocation)
	return inv, ok
}

// WithLogger binds a logger to a context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey, logger)
}

// LoggerFromContext returns the logger bound to ctx, if any.
func LoggerFromContext(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(loggerContextKey).(*slog.Logger)
	return logger, ok
}
