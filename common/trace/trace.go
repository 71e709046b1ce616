// Package trace carries a per-message trace ID through context so every log
// line emitted while handling one inbound chat message can be correlated.
package trace

import (
	"context"

	"github.com/oklog/ulid/v2"
)

type traceKey struct{}

// GenerateID returns a new time-ordered trace ID ("t_" + ULID), so trace IDs
// sort in the order messages arrived.
func GenerateID() string {
	return "t_" + ulid.Make().String()
}

// WithTraceID returns a child context carrying the given trace ID.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// FromContext extracts the trace ID from ctx, returning "" if absent.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	return ""
}
