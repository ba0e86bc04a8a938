package ctxutil

import (
	"context"
	"log/slog"
)

// AuditMeta describes who performed a mutation and through which surface.
type AuditMeta struct {
	RequestID string
	Actor     string
	Surface   string // "http" or "mcp"
	Operation string
	Resource  string
}

// NewAuditMeta fills RequestID and Actor from ctx.
func NewAuditMeta(ctx context.Context, surface, operation, resource string) AuditMeta {
	return AuditMeta{
		RequestID: RequestIDFromContext(ctx),
		Actor:     ActorFromContext(ctx),
		Surface:   surface,
		Operation: operation,
		Resource:  resource,
	}
}

// Log writes the mutation audit line.
func (m AuditMeta) Log(ctx context.Context, logger *slog.Logger, err error) {
	attrs := []any{
		"request_id", m.RequestID,
		"actor", m.Actor,
		"surface", m.Surface,
		"operation", m.Operation,
		"resource", m.Resource,
	}
	if err != nil {
		logger.WarnContext(ctx, "audit: mutation failed", append(attrs, "error", err)...)
		return
	}
	logger.InfoContext(ctx, "audit: mutation", attrs...)
}
