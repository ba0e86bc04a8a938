// Package amendment turns detected patterns and external recommendations
// into versioned amendments and tracks their evaluation against later
// task outcomes.
package amendment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/cognalith/governor/internal/integrity"
	"github.com/cognalith/governor/internal/model"
	"github.com/cognalith/governor/internal/service/performance"
	"github.com/cognalith/governor/internal/storage"
)

// ErrNoChanges is returned by CreateNewVersion when the revision changes
// nothing.
var ErrNoChanges = errors.New("amendment: revision changes nothing")

// SystemActor is recorded as approver of auto-approved amendments.
const SystemActor = "system"

// provenNumerator/provenDenominator express the 0.6 success ratio a full
// evaluation window needs for an amendment to be proven.
const (
	provenNumerator   = 3
	provenDenominator = 5
)

// Snapshotter computes an agent's current performance.
type Snapshotter interface {
	Compute(ctx context.Context, role string) (model.PerformanceSnapshot, error)
}

// Invalidator drops cached effective knowledge for an agent.
type Invalidator interface {
	Invalidate(ctx context.Context, role string)
}

// Engine creates, versions and evaluates amendments.
type Engine struct {
	store       storage.Store
	perf        Snapshotter
	invalidator Invalidator
	logger      *slog.Logger
	now         func() time.Time
}

// New creates an Engine. invalidator may be nil.
func New(store storage.Store, perf Snapshotter, invalidator Invalidator, logger *slog.Logger) *Engine {
	return &Engine{store: store, perf: perf, invalidator: invalidator, logger: logger, now: time.Now}
}

func (e *Engine) invalidate(ctx context.Context, role string) {
	if e.invalidator != nil {
		e.invalidator.Invalidate(ctx, role)
	}
}

func (e *Engine) snapshot(ctx context.Context, role string) *model.PerformanceSnapshot {
	snap, err := e.perf.Compute(ctx, role)
	if err != nil {
		e.logger.Warn("amendment: performance snapshot failed", "agent", role, "error", err)
		return nil
	}
	return &snap
}

// Create persists a candidate as version 1 of a new amendment. With
// autoApprove the amendment is auto-approved and activated, which opens
// its evaluation window. The store re-checks the active limit and trigger
// uniqueness in the write transaction.
func (e *Engine) Create(ctx context.Context, role string, c model.Candidate, autoApprove bool) (model.Amendment, error) {
	a, err := e.Build(ctx, role, c, autoApprove)
	if err != nil {
		return model.Amendment{}, err
	}
	if err := e.store.CreateAmendment(ctx, a); err != nil {
		return model.Amendment{}, fmt.Errorf("amendment: create for %s: %w", role, err)
	}
	if a.IsActive {
		e.invalidate(ctx, role)
	}
	e.logger.Info("amendment: created",
		"agent", role, "amendment_id", a.ID, "trigger", a.TriggerPattern, "approval_status", a.ApprovalStatus)
	return a, nil
}

// Build turns a candidate into version 1 of a new amendment, hashed and
// ready to insert, without writing it.
func (e *Engine) Build(ctx context.Context, role string, c model.Candidate, autoApprove bool) (model.Amendment, error) {
	if err := model.ValidateRole(role); err != nil {
		return model.Amendment{}, fmt.Errorf("amendment: create: %w", err)
	}
	if !c.AmendmentType.Valid() {
		return model.Amendment{}, fmt.Errorf("%w: %q", ErrUnknownAmendmentType, c.AmendmentType)
	}
	if c.Source == "" {
		c.Source = model.SourcePattern
	}

	now := e.now().UTC()
	a := model.Amendment{
		ID:                uuid.New(),
		AgentRole:         role,
		TriggerPattern:    c.TriggerPattern,
		Category:          c.Category,
		InstructionDelta:  c.InstructionDelta,
		Mutation:          c.Mutation,
		AmendmentType:     c.AmendmentType,
		PatternConfidence: c.PatternConfidence,
		Source:            c.Source,
		Version:           1,
		ApprovalStatus:    model.ApprovalPending,
		EvaluationStatus:  model.EvaluationPending,
		EvaluationWindow:  model.DefaultEvaluationWindow,
		PerformanceBefore: e.snapshot(ctx, role),
		CreatedAt:         now,
	}
	if autoApprove {
		a.ApprovalStatus = model.ApprovalAutoApproved
		a.ApprovedBy = SystemActor
		a.Activate(now)
	}
	a.ContentHash = integrity.AmendmentHash(a)
	return a, nil
}

// RecordEvaluation appends one task outcome to an evaluating amendment.
// When the window fills, the amendment becomes proven (success ratio of at
// least 0.6) or failed; failed amendments are deactivated. The append, the
// counter and the verdict commit together.
func (e *Engine) RecordEvaluation(ctx context.Context, amendmentID uuid.UUID, outcome model.TaskOutcome) (model.Amendment, error) {
	now := e.now().UTC()
	judge := func(a *model.Amendment, evals []model.Evaluation) error {
		if a.TasksEvaluated < a.EvaluationWindow {
			return nil
		}
		successes := 0
		for _, ev := range evals {
			if ev.Success {
				successes++
			}
		}
		after := performance.Snapshot(evaluationHistory(evals), now)
		a.PerformanceAfter = &after
		a.CompletedAt = &now
		if successes*provenDenominator >= len(evals)*provenNumerator {
			a.EvaluationStatus = model.EvaluationProven
		} else {
			a.EvaluationStatus = model.EvaluationFailed
			a.IsActive = false
		}
		return nil
	}

	ev, a, err := e.store.AppendEvaluation(ctx, model.Evaluation{
		AmendmentID:  amendmentID,
		TaskID:       outcome.TaskID,
		Success:      outcome.Success,
		QualityScore: outcome.QualityScore,
		DurationMs:   outcome.DurationMs,
		CreatedAt:    now,
	}, judge)
	if err != nil {
		return model.Amendment{}, fmt.Errorf("amendment: record evaluation for %s: %w", amendmentID, err)
	}
	if a.EvaluationStatus.Terminal() {
		e.logger.Info("amendment: evaluation complete",
			"agent", a.AgentRole, "amendment_id", a.ID, "status", a.EvaluationStatus)
		if !a.IsActive {
			e.invalidate(ctx, a.AgentRole)
		}
	} else {
		e.logger.Debug("amendment: evaluation recorded",
			"agent", a.AgentRole, "amendment_id", a.ID, "position", ev.Position)
	}
	return a, nil
}

func evaluationHistory(evals []model.Evaluation) []model.TaskHistoryEntry {
	out := make([]model.TaskHistoryEntry, len(evals))
	for i, ev := range evals {
		out[i] = model.TaskHistoryEntry{
			AgentRole:    ev.AgentRole,
			TaskID:       fmt.Sprintf("%08d", ev.Position),
			Success:      ev.Success,
			QualityScore: ev.QualityScore,
			DurationMs:   ev.DurationMs,
			CompletedAt:  ev.CreatedAt,
		}
	}
	return out
}

// Changes describes a revision. Nil fields keep the parent's value.
type Changes struct {
	InstructionDelta *string                  `json:"instruction_delta,omitempty"`
	Mutation         *model.KnowledgeMutation `json:"knowledge_mutation,omitempty"`
	AmendmentType    *model.AmendmentType     `json:"amendment_type,omitempty"`
}

// CreateNewVersion stores a revision of an amendment as a new, pending and
// inactive amendment with version parent+1. The parent is not modified.
func (e *Engine) CreateNewVersion(ctx context.Context, amendmentID uuid.UUID, changes Changes) (model.Amendment, error) {
	parent, err := e.store.GetAmendment(ctx, amendmentID)
	if err != nil {
		return model.Amendment{}, fmt.Errorf("amendment: new version of %s: %w", amendmentID, err)
	}

	next := parent
	changed := false
	if changes.InstructionDelta != nil && *changes.InstructionDelta != parent.InstructionDelta {
		next.InstructionDelta = *changes.InstructionDelta
		changed = true
	}
	if changes.Mutation != nil && *changes.Mutation != parent.Mutation {
		next.Mutation = *changes.Mutation
		changed = true
	}
	if changes.AmendmentType != nil && *changes.AmendmentType != parent.AmendmentType {
		next.AmendmentType = *changes.AmendmentType
		changed = true
	}
	if !changed {
		return model.Amendment{}, ErrNoChanges
	}
	if !next.AmendmentType.Valid() {
		return model.Amendment{}, fmt.Errorf("%w: %q", ErrUnknownAmendmentType, next.AmendmentType)
	}

	now := e.now().UTC()
	parentID := parent.ID
	next.ID = uuid.New()
	next.Version = parent.Version + 1
	next.ParentID = &parentID
	next.Source = model.SourceRevision
	next.ApprovalStatus = model.ApprovalPending
	next.ApprovedBy = ""
	next.EvaluationStatus = model.EvaluationPending
	next.IsActive = false
	next.TasksEvaluated = 0
	next.PerformanceBefore = e.snapshot(ctx, parent.AgentRole)
	next.PerformanceAfter = nil
	next.RevertReason = ""
	next.CreatedAt = now
	next.ActivatedAt = nil
	next.EvaluationStartedAt = nil
	next.CompletedAt = nil
	next.RevertedAt = nil
	next.ContentHash = integrity.AmendmentHash(next)

	if err := e.store.CreateAmendment(ctx, next); err != nil {
		return model.Amendment{}, fmt.Errorf("amendment: new version of %s: %w", amendmentID, err)
	}
	e.logger.Info("amendment: new version",
		"agent", next.AgentRole, "amendment_id", next.ID, "parent_id", parentID, "version", next.Version)
	return next, nil
}

// PendingAmendments lists amendments awaiting human approval. An empty
// role lists every agent's.
func (e *Engine) PendingAmendments(ctx context.Context, role string) ([]model.Amendment, error) {
	out, err := e.store.ListAmendments(ctx, model.AmendmentFilter{
		AgentRole:      role,
		ApprovalStatus: model.ApprovalPending,
	})
	if err != nil {
		return nil, fmt.Errorf("amendment: pending: %w", err)
	}
	return out, nil
}

// EvaluationProgress reports how far an amendment is through its window.
func (e *Engine) EvaluationProgress(ctx context.Context, amendmentID uuid.UUID) (model.EvaluationProgress, error) {
	a, err := e.store.GetAmendment(ctx, amendmentID)
	if err != nil {
		return model.EvaluationProgress{}, fmt.Errorf("amendment: progress of %s: %w", amendmentID, err)
	}
	evals, err := e.store.ListEvaluations(ctx, model.EvaluationFilter{AmendmentID: &a.ID})
	if err != nil {
		return model.EvaluationProgress{}, fmt.Errorf("amendment: progress of %s: %w", amendmentID, err)
	}

	p := model.EvaluationProgress{
		AmendmentID:    a.ID,
		Status:         a.EvaluationStatus,
		TasksEvaluated: a.TasksEvaluated,
		Window:         a.EvaluationWindow,
		Remaining:      max(0, a.EvaluationWindow-a.TasksEvaluated),
	}
	for _, ev := range evals {
		if ev.Success {
			p.Successes++
		} else {
			p.Failures++
		}
	}
	if n := p.Successes + p.Failures; n > 0 {
		p.SuccessRate = float64(p.Successes) / float64(n)
	}
	return p, nil
}

// VersionChain returns every version related to the amendment, from the
// root down, ordered by version.
func (e *Engine) VersionChain(ctx context.Context, amendmentID uuid.UUID) ([]model.Amendment, error) {
	start, err := e.store.GetAmendment(ctx, amendmentID)
	if err != nil {
		return nil, fmt.Errorf("amendment: version chain of %s: %w", amendmentID, err)
	}

	seen := map[uuid.UUID]bool{start.ID: true}
	root := start
	for root.ParentID != nil && !seen[*root.ParentID] {
		parent, err := e.store.GetAmendment(ctx, *root.ParentID)
		if err != nil {
			return nil, fmt.Errorf("amendment: version chain of %s: %w", amendmentID, err)
		}
		seen[parent.ID] = true
		root = parent
	}

	chain := []model.Amendment{root}
	visited := map[uuid.UUID]bool{root.ID: true}
	for queue := []uuid.UUID{root.ID}; len(queue) > 0; queue = queue[1:] {
		id := queue[0]
		children, err := e.store.ListAmendments(ctx, model.AmendmentFilter{ParentID: &id})
		if err != nil {
			return nil, fmt.Errorf("amendment: version chain of %s: %w", amendmentID, err)
		}
		for _, c := range children {
			if visited[c.ID] {
				continue
			}
			visited[c.ID] = true
			chain = append(chain, c)
			queue = append(queue, c.ID)
		}
	}

	sort.SliceStable(chain, func(i, j int) bool {
		if chain[i].Version != chain[j].Version {
			return chain[i].Version < chain[j].Version
		}
		return chain[i].CreatedAt.Before(chain[j].CreatedAt)
	})
	return chain, nil
}
