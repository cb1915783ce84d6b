package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type connectionIDKey struct{}
type launchIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithConnectionID attaches the lobby connection id to the context.
func WithConnectionID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, connectionIDKey{}, connID)
}

// ConnectionID extracts the lobby connection id. Returns "" if absent.
func ConnectionID(ctx context.Context) string {
	if v, ok := ctx.Value(connectionIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithLaunchID attaches the launch nonce of a start attempt to the context.
func WithLaunchID(ctx context.Context, launchID string) context.Context {
	return context.WithValue(ctx, launchIDKey{}, launchID)
}

// LaunchID extracts the launch nonce. Returns "" if absent.
func LaunchID(ctx context.Context) string {
	if v, ok := ctx.Value(launchIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewLaunchID generates a launch nonce.
func NewLaunchID() string {
	return uuid.NewString()
}
