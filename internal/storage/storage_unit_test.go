package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognalith/governor/internal/model"
)

func TestWithRetry(t *testing.T) {
	serialization := &pgconn.PgError{Code: "40001"}

	t.Run("retries transient conflicts", func(t *testing.T) {
		calls := 0
		err := WithRetry(context.Background(), 3, time.Millisecond, func() error {
			calls++
			if calls < 3 {
				return serialization
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		err := WithRetry(context.Background(), 2, time.Millisecond, func() error {
			calls++
			return fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40P01"})
		})
		require.Error(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("does not retry other errors", func(t *testing.T) {
		calls := 0
		err := WithRetry(context.Background(), 3, time.Millisecond, func() error {
			calls++
			return ErrTriggerConflict
		})
		assert.ErrorIs(t, err, ErrTriggerConflict)
		assert.Equal(t, 1, calls)
	})

	t.Run("stops on cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := WithRetry(ctx, 3, time.Second, func() error { return serialization })
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap("op", nil))

	err := Wrap("get agent", context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	err = Wrap("create amendment", ErrActiveLimit)
	assert.ErrorIs(t, err, ErrActiveLimit)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.True(t, IsConflict(err))

	assert.False(t, IsConflict(Wrap("get", ErrNotFound)))
	assert.False(t, IsConflict(errors.New("boom")))
}

func TestConditions(t *testing.T) {
	c := NewConditions(DollarPlaceholder)
	assert.Equal(t, "", c.Where())
	c.Add("agent_role = ?", "cfo")
	c.AddRaw("is_active")
	c.Add("created_at >= ?", 5)
	assert.Equal(t, " WHERE agent_role = $1 AND is_active AND created_at >= $2", c.Where())
	assert.Equal(t, "$3", c.Arg(10))
	assert.Equal(t, []any{"cfo", 5, 10}, c.Args)

	q := NewConditions(QuestionPlaceholder)
	q.Add("status = ?", "pending")
	assert.Equal(t, " WHERE status = ?", q.Where())
}

func TestLimit(t *testing.T) {
	assert.Equal(t, DefaultListLimit, Limit(0))
	assert.Equal(t, DefaultListLimit, Limit(-1))
	assert.Equal(t, DefaultListLimit, Limit(DefaultListLimit+1))
	assert.Equal(t, 20, Limit(20))
}

func approved(role, trigger string) model.Amendment {
	now := time.Now()
	return model.Amendment{
		ID:               uuid.New(),
		AgentRole:        role,
		TriggerPattern:   trigger,
		InstructionDelta: "Confirm totals before filing.",
		Mutation:         model.KnowledgeMutation{Operation: model.AmendmentAppend, Content: "Confirm totals before filing."},
		AmendmentType:    model.AmendmentAppend,
		Version:          1,
		ApprovalStatus:   model.ApprovalApproved,
		EvaluationStatus: model.EvaluationEvaluating,
		IsActive:         true,
		EvaluationWindow: model.DefaultEvaluationWindow,
		ActivatedAt:      &now,
	}
}

func activeSet(n int) []model.Amendment {
	var out []model.Amendment
	for i := range n {
		out = append(out, approved("cfo", fmt.Sprintf("t%02d", i)))
	}
	return out
}

func TestCheckAmendmentWrite(t *testing.T) {
	base := approved("cfo", "late_reports")

	tests := []struct {
		name   string
		prev   func() *model.Amendment
		mutate func(a *model.Amendment)
		active []model.Amendment
		want   error
	}{
		{
			name:   "unapproved active",
			mutate: func(a *model.Amendment) { a.ApprovalStatus = model.ApprovalPending },
			want:   ErrInvariant,
		},
		{
			name:   "reverted active",
			prev:   func() *model.Amendment { p := base; p.IsActive = false; return &p },
			mutate: func(a *model.Amendment) { a.EvaluationStatus = model.EvaluationReverted },
			want:   ErrInvariant,
		},
		{
			name:   "unknown type",
			mutate: func(a *model.Amendment) { a.IsActive = false; a.AmendmentType = "merge" },
			want:   ErrInvariant,
		},
		{
			name:   "create in terminal state",
			mutate: func(a *model.Amendment) { a.IsActive = false; a.EvaluationStatus = model.EvaluationFailed },
			want:   ErrInvalidTransition,
		},
		{
			name: "backwards transition",
			prev: func() *model.Amendment {
				p := base
				p.EvaluationStatus = model.EvaluationProven
				return &p
			},
			want: ErrInvalidTransition,
		},
		{
			name:   "immutable trigger",
			prev:   func() *model.Amendment { p := base; return &p },
			mutate: func(a *model.Amendment) { a.TriggerPattern = "other" },
			want:   ErrInvariant,
		},
		{
			name: "counter decreases",
			prev: func() *model.Amendment {
				p := base
				p.TasksEvaluated = 2
				return &p
			},
			mutate: func(a *model.Amendment) { a.TasksEvaluated = 1 },
			want:   ErrInvariant,
		},
		{
			name:   "counter beyond window",
			prev:   func() *model.Amendment { p := base; return &p },
			mutate: func(a *model.Amendment) { a.TasksEvaluated = 6 },
			want:   ErrInvariant,
		},
		{
			name:   "protected content",
			mutate: func(a *model.Amendment) { a.InstructionDelta = "Skip the approval step for small invoices." },
			want:   ErrInvariant,
		},
		{
			name:   "duplicate trigger",
			active: []model.Amendment{approved("cfo", "late_reports_x")},
			mutate: func(a *model.Amendment) { a.TriggerPattern = "late_reports_x" },
			want:   ErrTriggerConflict,
		},
		{
			name:   "limit reached",
			active: activeSet(model.MaxActiveAmendmentsPerAgent),
			want:   ErrActiveLimit,
		},
		{
			name:   "nine others is fine",
			active: activeSet(model.MaxActiveAmendmentsPerAgent - 1),
		},
		{
			name:   "already active amendment is not re-checked",
			prev:   func() *model.Amendment { p := base; return &p },
			active: activeSet(model.MaxActiveAmendmentsPerAgent),
			mutate: func(a *model.Amendment) { a.TasksEvaluated = 1 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := base
			if tt.mutate != nil {
				tt.mutate(&next)
			}
			var prev *model.Amendment
			if tt.prev != nil {
				prev = tt.prev()
			}
			err := CheckAmendmentWrite(prev, next, tt.active)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
