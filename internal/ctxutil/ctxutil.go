// Package ctxutil provides shared context key accessors.
//
// Both server and mcp populate the acting operator here so the governance
// services can attribute approvals and resolutions without importing either
// transport.
package ctxutil

import "context"

type contextKey string

const (
	keyActor     contextKey = "actor"
	keyRequestID contextKey = "request_id"
)

// DefaultActor is used when a caller does not identify itself.
const DefaultActor = "operator"

// WithActor returns a new context carrying the acting operator.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, keyActor, actor)
}

// ActorFromContext returns the acting operator, or DefaultActor.
func ActorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyActor).(string); ok && v != "" {
		return v
	}
	return DefaultActor
}

// WithRequestID returns a new context carrying the request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}
