package storage_test

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognalith/governor/internal/model"
	"github.com/cognalith/governor/internal/storage"
	"github.com/cognalith/governor/internal/testutil"
	"github.com/cognalith/governor/migrations"
)

// testDB holds a shared test database connection for all tests in this
// package. It stays nil under -short.
var testDB *storage.DB

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

func requireDB(t *testing.T) *storage.DB {
	t.Helper()
	if testDB == nil {
		t.Skip("postgres integration test skipped in -short mode")
	}
	return testDB
}

// seed registers a fresh agent so tests sharing the database stay isolated.
func seed(t *testing.T, db *storage.DB) string {
	t.Helper()
	role := "agent-" + uuid.NewString()[:8]
	testutil.SeedAgent(t, db, role, "Base knowledge.")
	return role
}

func activate(a *model.Amendment) error {
	a.ApprovalStatus = model.ApprovalAutoApproved
	a.Activate(time.Now().UTC())
	return nil
}

func TestPostgresMigrationsAreIdempotent(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	require.NoError(t, db.RunMigrations(ctx, migrations.FS))
	require.NoError(t, db.Ping(ctx))
}

func TestPostgresAmendmentLifecycle(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	role := seed(t, db)

	a := testutil.Amendment(role, "missing_receipts")
	a.PerformanceBefore = &model.PerformanceSnapshot{SampleSize: 8, SuccessRate: 0.5}
	require.NoError(t, db.CreateAmendment(ctx, a))

	_, err := db.UpdateAmendment(ctx, a.ID, func(a *model.Amendment) error {
		a.Activate(time.Now())
		return nil
	})
	assert.ErrorIs(t, err, storage.ErrInvariant, "activation requires approval")

	got, err := db.UpdateAmendment(ctx, a.ID, activate)
	require.NoError(t, err)
	assert.True(t, got.IsActive)
	assert.Equal(t, model.EvaluationEvaluating, got.EvaluationStatus)

	agent, err := db.GetAgent(ctx, role)
	require.NoError(t, err)
	assert.Equal(t, 1, agent.ActiveAmendmentCount)

	for i := range model.DefaultEvaluationWindow {
		ev, amd, err := db.AppendEvaluation(ctx, model.Evaluation{
			AmendmentID: a.ID, TaskID: fmt.Sprintf("t%d", i), Success: i%2 == 0,
		}, func(a *model.Amendment, evals []model.Evaluation) error {
			if a.TasksEvaluated == a.EvaluationWindow {
				a.EvaluationStatus = model.EvaluationFailed
				a.IsActive = false
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, i+1, ev.Position)
		assert.Equal(t, i+1, amd.TasksEvaluated)
	}

	stored, err := db.GetAmendment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EvaluationFailed, stored.EvaluationStatus)
	assert.False(t, stored.IsActive)
	require.NotNil(t, stored.PerformanceBefore)
	assert.Equal(t, 8, stored.PerformanceBefore.SampleSize)

	agent, err = db.GetAgent(ctx, role)
	require.NoError(t, err)
	assert.Equal(t, 0, agent.ActiveAmendmentCount)
}

func TestPostgresConcurrentActivations(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	role := seed(t, db)

	const n = 16
	ids := make([]uuid.UUID, n)
	for i := range n {
		a := testutil.Amendment(role, fmt.Sprintf("trigger_%d", i%12))
		require.NoError(t, db.CreateAmendment(ctx, a))
		ids[i] = a.ID
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := db.UpdateAmendment(ctx, id, activate)
			if err != nil {
				assert.True(t, storage.IsConflict(err), "unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	active := true
	rows, err := db.ListAmendments(ctx, model.AmendmentFilter{AgentRole: role, Active: &active})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(rows), model.MaxActiveAmendmentsPerAgent)

	triggers := map[string]bool{}
	for _, a := range rows {
		assert.False(t, triggers[a.TriggerPattern], "duplicate active trigger %s", a.TriggerPattern)
		triggers[a.TriggerPattern] = true
	}

	agent, err := db.GetAgent(ctx, role)
	require.NoError(t, err)
	assert.Equal(t, len(rows), agent.ActiveAmendmentCount)
}

func TestPostgresEscalationResolution(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	role := seed(t, db)

	a := testutil.Amendment(role, "persona_shift")
	esc := model.Escalation{
		ID: uuid.New(), Type: model.EscalationPersonaLayer, AgentRole: role, AmendmentID: &a.ID,
		Status: model.EscalationPending, Analysis: map[string]any{"hits": []any{"tone"}}, CreatedAt: time.Now(),
	}
	require.NoError(t, db.CreateEscalatedAmendment(ctx, a, esc))

	got, err := db.ResolveEscalation(ctx, esc.ID, model.Resolution{Action: model.ActionReject, Actor: "ceo"}, time.Now(),
		func(a *model.Amendment) error {
			a.ApprovalStatus = model.ApprovalRejected
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, model.EscalationRejected, got.Status)

	stored, err := db.GetAmendment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalRejected, stored.ApprovalStatus)

	_, err = db.ResolveEscalation(ctx, esc.ID, model.Resolution{Action: model.ActionApprove, Actor: "ceo"}, time.Now(), nil)
	assert.ErrorIs(t, err, storage.ErrAlreadyResolved)

	listed, err := db.ListEscalations(ctx, model.EscalationFilter{AgentRole: role})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, []any{"tone"}, listed[0].Analysis["hits"])
}

func TestPostgresCreateEscalatedAmendmentIsAtomic(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	role := seed(t, db)

	first := testutil.Amendment(role, "tone_shift")
	esc := model.Escalation{
		ID: uuid.New(), Type: model.EscalationPersonaLayer, AgentRole: role, AmendmentID: &first.ID,
		Status: model.EscalationPending, CreatedAt: time.Now(),
	}
	require.NoError(t, db.CreateEscalatedAmendment(ctx, first, esc))

	second := testutil.Amendment(role, "voice_shift")
	dup := esc
	dup.AmendmentID = &second.ID
	require.Error(t, db.CreateEscalatedAmendment(ctx, second, dup))

	_, err := db.GetAmendment(ctx, second.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPostgresSafetyEventsAreAppendOnly(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	role := seed(t, db)

	require.NoError(t, db.InsertSafetyEvent(ctx, model.SafetyEvent{
		AgentRole: role, ConstraintType: model.ConstraintActiveLimit, Action: model.SafetyBlocked, CreatedAt: time.Now(),
	}))
	events, err := db.ListSafetyEvents(ctx, model.SafetyEventFilter{AgentRole: role})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.ConstraintActiveLimit, events[0].ConstraintType)
}

func TestPostgresNotify(t *testing.T) {
	db := requireDB(t)
	if !db.HasNotify() {
		t.Skip("no notify connection")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, db.Listen(ctx, storage.ChannelKnowledge))
	require.NoError(t, db.Notify(ctx, storage.ChannelKnowledge, "cfo"))

	channel, payload, err := db.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.ChannelKnowledge, channel)
	assert.Equal(t, "cfo", payload)
}
