package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cognalith/governor/internal/model"
)

// Store is the persistence boundary for the governance system. Callers
// depend only on these domain-level operations, never on a query dialect.
//
// Every implementation enforces the amendment invariants at commit time:
// writes that would activate an unapproved amendment, exceed the per-agent
// active limit, duplicate an active trigger, move an evaluation status
// backwards or activate protected content fail with a sentinel error.
type Store interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context)

	// EnsureAgent inserts the agent if its role is unknown and returns the
	// stored row either way. Existing rows are not modified.
	EnsureAgent(ctx context.Context, agent model.Agent) (model.Agent, error)
	GetAgent(ctx context.Context, role string) (model.Agent, error)
	ListAgents(ctx context.Context) ([]model.Agent, error)
	// UpdateAgent applies fn to the locked agent row and writes the result.
	UpdateAgent(ctx context.Context, role string, fn func(*model.Agent) error) (model.Agent, error)

	AppendTaskHistory(ctx context.Context, entry model.TaskHistoryEntry) error
	ListTaskHistory(ctx context.Context, f model.TaskHistoryFilter) ([]model.TaskHistoryEntry, error)
	InsertPatternLog(ctx context.Context, p model.PatternLog) error

	CreateAmendment(ctx context.Context, a model.Amendment) error
	GetAmendment(ctx context.Context, id uuid.UUID) (model.Amendment, error)
	ListAmendments(ctx context.Context, f model.AmendmentFilter) ([]model.Amendment, error)
	// UpdateAmendment applies fn to the locked amendment and writes the
	// result after re-checking the invariants.
	UpdateAmendment(ctx context.Context, id uuid.UUID, fn func(*model.Amendment) error) (model.Amendment, error)
	// AppendEvaluation records ev at the next position of an evaluating
	// amendment and increments its counter in one transaction. judge sees
	// the updated amendment and all of its evaluations and may change its
	// status before it is written.
	AppendEvaluation(ctx context.Context, ev model.Evaluation, judge func(*model.Amendment, []model.Evaluation) error) (model.Evaluation, model.Amendment, error)
	ListEvaluations(ctx context.Context, f model.EvaluationFilter) ([]model.Evaluation, error)

	// CreateEscalatedAmendment inserts a pending amendment and the
	// escalation holding it in one transaction. Neither row is written
	// when either insert fails.
	CreateEscalatedAmendment(ctx context.Context, a model.Amendment, e model.Escalation) error
	GetEscalation(ctx context.Context, id uuid.UUID) (model.Escalation, error)
	ListEscalations(ctx context.Context, f model.EscalationFilter) ([]model.Escalation, error)
	// ResolveEscalation marks a pending escalation resolved. When the
	// escalation links an amendment and fn is non-nil, fn is applied to the
	// amendment in the same transaction.
	ResolveEscalation(ctx context.Context, id uuid.UUID, res model.Resolution, at time.Time, fn func(*model.Amendment) error) (model.Escalation, error)

	InsertSafetyEvent(ctx context.Context, e model.SafetyEvent) error
	ListSafetyEvents(ctx context.Context, f model.SafetyEventFilter) ([]model.SafetyEvent, error)
}

// DefaultTimeout bounds every store call when no timeout is configured.
const DefaultTimeout = 5 * time.Second

// DefaultListLimit caps list queries that do not set a limit.
const DefaultListLimit = 500

// Limit returns n, or DefaultListLimit when n is not positive.
func Limit(n int) int {
	if n <= 0 || n > DefaultListLimit {
		return DefaultListLimit
	}
	return n
}
