package telemetry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

// TraceHeader carries the trace id back to the caller on every
// marketplace response.
const TraceHeader = "x-agentic-trace-id"

type traceIDKey struct{}

// NewTraceID generates a trace id of the form "<route-tag>-<rand>".
// The route tag names the handler family ("discover", "runs", ...).
func NewTraceID(routeTag string) string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return routeTag + "-00000000"
	}
	return routeTag + "-" + hex.EncodeToString(b)
}

// WithTraceID returns a context carrying the trace id.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceIDFromContext extracts the trace id, or "" when absent.
func TraceIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey{}).(string); ok {
		return id
	}
	return ""
}
