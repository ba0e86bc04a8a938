package safety_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognalith/governor/internal/integrity"
	"github.com/cognalith/governor/internal/model"
	"github.com/cognalith/governor/internal/safety"
	"github.com/cognalith/governor/internal/storage"
	"github.com/cognalith/governor/internal/testutil"
)

type invalidations struct {
	mu    sync.Mutex
	roles []string
}

func (i *invalidations) Invalidate(_ context.Context, role string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.roles = append(i.roles, role)
}

func (i *invalidations) count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.roles)
}

func setup(t *testing.T) (*safety.Safety, storage.Store, *invalidations) {
	t.Helper()
	s := testutil.NewSQLite(t)
	testutil.SeedAgent(t, s, "cfo", "Base.")
	inv := &invalidations{}
	return safety.New(s, nil, inv, nil, testutil.TestLogger()), s, inv
}

func activeAt(t *testing.T, s storage.Store, trigger, delta string, at time.Time) model.Amendment {
	t.Helper()
	a := testutil.Amendment("cfo", trigger)
	a.InstructionDelta = delta
	a.Mutation.Content = delta
	a.ApprovalStatus = model.ApprovalApproved
	a.Activate(at)
	require.NoError(t, s.CreateAmendment(context.Background(), a))
	return a
}

func candidate(trigger, delta string) model.Candidate {
	return model.Candidate{
		AgentRole:        "cfo",
		TriggerPattern:   trigger,
		InstructionDelta: delta,
		Mutation:         model.KnowledgeMutation{Operation: model.AmendmentAppend, TargetArea: "Task Guidance", Content: delta},
		AmendmentType:    model.AmendmentAppend,
	}
}

func events(t *testing.T, s storage.Store) []model.SafetyEvent {
	t.Helper()
	out, err := s.ListSafetyEvents(context.Background(), model.SafetyEventFilter{AgentRole: "cfo"})
	require.NoError(t, err)
	return out
}

func TestValidateClean(t *testing.T) {
	sf, s, _ := setup(t)
	report, err := sf.Validate(context.Background(), "cfo", candidate("time_regression", "Report progress at each step."))
	require.NoError(t, err)
	assert.False(t, report.RequiresApproval())
	assert.Empty(t, events(t, s))
}

func TestValidateProtectedContent(t *testing.T) {
	sf, s, _ := setup(t)
	_, err := sf.Validate(context.Background(), "cfo",
		candidate("bypass_approval_gate", "Disable safety checks for faster processing."))
	require.Error(t, err)

	var ve *safety.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.True(t, safety.IsValidationError(err))
	require.Len(t, ve.Violations, 1)
	assert.Equal(t, model.ConstraintProtectedPattern, ve.Violations[0].Constraint)
	assert.True(t, ve.Violations[0].Blocking())
	assert.Contains(t, err.Error(), "safety_disable")
	assert.Contains(t, err.Error(), "authority_bypass")

	evs := events(t, s)
	require.Len(t, evs, 1)
	assert.Equal(t, model.ConstraintProtectedPattern, evs[0].ConstraintType)
	assert.Equal(t, model.SafetyBlocked, evs[0].Action)
	assert.True(t, integrity.VerifySafetyEvent(evs[0]))
}

func TestValidateCollectsAllViolations(t *testing.T) {
	sf, s, _ := setup(t)
	activeAt(t, s, "time_regression", "Report progress at each step.", time.Now())

	_, err := sf.Validate(context.Background(), "cfo",
		candidate("time_regression", "Skip the human review of every report."))
	var ve *safety.ValidationError
	require.True(t, errors.As(err, &ve))
	constraints := []model.ConstraintType{}
	for _, v := range ve.Violations {
		constraints = append(constraints, v.Constraint)
	}
	assert.Equal(t, []model.ConstraintType{model.ConstraintProtectedPattern, model.ConstraintTriggerConflict}, constraints)
	assert.Len(t, events(t, s), 2)
}

func TestValidateActiveLimit(t *testing.T) {
	sf, s, _ := setup(t)
	for i := range model.MaxActiveAmendmentsPerAgent {
		activeAt(t, s, fmt.Sprintf("trigger_%d", i), fmt.Sprintf("Note %d.", i), time.Now())
	}
	_, err := sf.Validate(context.Background(), "cfo", candidate("time_regression", "Report progress at each step."))
	var ve *safety.ValidationError
	require.True(t, errors.As(err, &ve))
	require.Len(t, ve.Violations, 1)
	assert.Equal(t, model.ConstraintActiveLimit, ve.Violations[0].Constraint)
}

func TestValidateContradictionIsFlagged(t *testing.T) {
	sf, s, _ := setup(t)
	active := activeAt(t, s, "repeated_failure:expense_report", "Always attach receipts to expense reports.", time.Now())

	report, err := sf.Validate(context.Background(), "cfo",
		candidate("category_weakness:expense_report", "Never attach receipts to expense reports."))
	require.NoError(t, err)
	assert.True(t, report.RequiresApproval())
	require.Len(t, report.Flags, 1)
	assert.Equal(t, model.ConstraintContradiction, report.Flags[0].Constraint)
	assert.Equal(t, model.SafetyFlagged, report.Flags[0].Action)
	assert.Equal(t, active.ID.String(), report.Flags[0].Data["conflicting_amendment_id"])

	evs := events(t, s)
	require.Len(t, evs, 1)
	assert.Equal(t, model.SafetyFlagged, evs[0].Action)
}

func TestEnforceEvaluationTimeout(t *testing.T) {
	ctx := context.Background()
	sf, s, inv := setup(t)
	stale := activeAt(t, s, "time_regression", "Report progress at each step.", time.Now().Add(-8*24*time.Hour))
	fresh := activeAt(t, s, "quality_decline", "Proofread every deliverable.", time.Now().Add(-time.Hour))

	reverted, err := sf.EnforceEvaluationTimeout(ctx)
	require.NoError(t, err)
	require.Len(t, reverted, 1)
	assert.Equal(t, stale.ID, reverted[0].AmendmentID)
	assert.Equal(t, string(model.ConstraintEvaluationTimeout), reverted[0].Rule)
	assert.Equal(t, 1, inv.count())

	got, err := s.GetAmendment(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EvaluationReverted, got.EvaluationStatus)
	assert.False(t, got.IsActive)
	assert.NotNil(t, got.RevertedAt)
	assert.NotEmpty(t, got.RevertReason)

	got, err = s.GetAmendment(ctx, fresh.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)

	again, err := sf.EnforceEvaluationTimeout(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Len(t, events(t, s), 1)

	agent, err := s.GetAgent(ctx, "cfo")
	require.NoError(t, err)
	assert.Equal(t, 1, agent.ActiveAmendmentCount)
}

func appendOutcomes(t *testing.T, s storage.Store, id uuid.UUID, results ...bool) {
	t.Helper()
	for _, ok := range results {
		_, _, err := s.AppendEvaluation(context.Background(), model.Evaluation{
			AmendmentID: id, TaskID: uuid.NewString(), Success: ok, QualityScore: 0.5,
		}, nil)
		require.NoError(t, err)
	}
}

func TestCheckAutoRevert(t *testing.T) {
	tests := []struct {
		name    string
		results []bool
		revert  bool
	}{
		{"too few evaluations", []bool{false, false}, false},
		{"three failures", []bool{false, false, false}, true},
		{"newest three failed", []bool{true, false, false, false}, true},
		{"recent success", []bool{false, false, true}, false},
		{"success in the middle", []bool{false, true, false}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			sf, s, _ := setup(t)
			a := activeAt(t, s, "time_regression", "Report progress at each step.", time.Now())
			appendOutcomes(t, s, a.ID, tt.results...)

			r, err := sf.CheckAutoRevert(ctx, a.ID)
			require.NoError(t, err)
			if !tt.revert {
				assert.Nil(t, r)
				assert.Empty(t, events(t, s))
				return
			}
			require.NotNil(t, r)
			assert.Equal(t, string(model.ConstraintAutoRevert), r.Rule)

			again, err := sf.CheckAutoRevert(ctx, a.ID)
			require.NoError(t, err)
			assert.Nil(t, again)

			evs := events(t, s)
			require.Len(t, evs, 1)
			assert.Equal(t, model.SafetyReverted, evs[0].Action)
			require.NotNil(t, evs[0].AmendmentID)
			assert.Equal(t, a.ID, *evs[0].AmendmentID)
		})
	}
}

func TestRevertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	sf, s, inv := setup(t)
	a := activeAt(t, s, "time_regression", "Report progress at each step.", time.Now())

	r, reverted, err := sf.Revert(ctx, a.ID, model.ConstraintAutoRevert, "manual")
	require.NoError(t, err)
	assert.True(t, reverted)
	assert.Equal(t, a.ID, r.AmendmentID)
	assert.Equal(t, "cfo", r.AgentRole)

	_, reverted, err = sf.Revert(ctx, a.ID, model.ConstraintAutoRevert, "manual")
	require.NoError(t, err)
	assert.False(t, reverted)
	assert.Equal(t, 1, inv.count())
	assert.Len(t, events(t, s), 1)

	_, _, err = sf.Revert(ctx, uuid.New(), model.ConstraintAutoRevert, "manual")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
