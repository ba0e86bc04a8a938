package ctxutil

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActor(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, DefaultActor, ActorFromContext(ctx))
	assert.Equal(t, DefaultActor, ActorFromContext(WithActor(ctx, "")))
	assert.Equal(t, "ceo", ActorFromContext(WithActor(ctx, "ceo")))
}

func TestAuditMetaLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	ctx := WithRequestID(WithActor(context.Background(), "ceo"), "req-9")

	m := NewAuditMeta(ctx, "http", "approve_amendment", "a-1")
	assert.Equal(t, "req-9", m.RequestID)
	assert.Equal(t, "ceo", m.Actor)

	m.Log(ctx, logger, nil)
	assert.Contains(t, buf.String(), "audit: mutation")
	assert.Contains(t, buf.String(), "actor=ceo")

	buf.Reset()
	m.Log(ctx, logger, errors.New("boom"))
	assert.Contains(t, buf.String(), "audit: mutation failed")
	assert.Contains(t, buf.String(), "error=boom")
}
