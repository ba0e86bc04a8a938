// Package approval decides, per candidate amendment, whether it may be
// activated autonomously or must wait for a human, and applies human
// decisions on pending amendments and escalations.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/cognalith/governor/internal/amendment"
	"github.com/cognalith/governor/internal/escalation"
	"github.com/cognalith/governor/internal/model"
	"github.com/cognalith/governor/internal/policy"
	"github.com/cognalith/governor/internal/safety"
	"github.com/cognalith/governor/internal/storage"
	"github.com/cognalith/governor/internal/telemetry"
)

// Mode selects how candidates without an exception are approved.
type Mode string

const (
	// ModeStrict never auto-approves.
	ModeStrict Mode = "strict"
	// ModeTrust auto-approves when the trust tier for the amendment type
	// allows it.
	ModeTrust Mode = "trust"
	// ModeAutonomous auto-approves every candidate without an exception.
	ModeAutonomous Mode = "autonomous"
)

// ParseMode converts a configuration value to a Mode. Empty means
// autonomous.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeAutonomous:
		return ModeAutonomous, nil
	case ModeStrict, ModeTrust:
		return Mode(s), nil
	}
	return "", fmt.Errorf("approval: unknown mode %q", s)
}

var (
	// ErrNotPending is returned when a human decision targets an amendment
	// that is no longer awaiting approval.
	ErrNotPending = errors.New("approval: amendment is not pending approval")

	// ErrEscalated is returned when a human decision targets an amendment
	// that has a pending escalation; the escalation must be resolved instead.
	ErrEscalated = errors.New("approval: amendment has a pending escalation")

	// ErrUnknownAction is returned for a resolution action that is not
	// approve, reject or dismiss.
	ErrUnknownAction = errors.New("approval: unknown action")
)

// Outcome is what Decide did with a candidate.
type Outcome string

const (
	OutcomeAutoApproved    Outcome = "auto_approved"
	OutcomePendingApproval Outcome = "pending_approval"
	OutcomeEscalated       Outcome = "escalated"
)

// Decision is the result of routing one candidate.
type Decision struct {
	Outcome    Outcome            `json:"outcome"`
	Reason     string             `json:"reason"`
	Amendment  model.Amendment    `json:"amendment"`
	Escalation *model.Escalation  `json:"escalation,omitempty"`
	Flags      []safety.Violation `json:"flags,omitempty"`
}

// Invalidator drops cached effective knowledge for an agent.
type Invalidator interface {
	Invalidate(ctx context.Context, role string)
}

// Workflow routes candidates through safety, escalation and the approval
// mode.
type Workflow struct {
	store       storage.Store
	engine      *amendment.Engine
	safety      *safety.Safety
	escalator   *escalation.Escalator
	invalidator Invalidator
	tiers       *policy.TierEvaluator
	metrics     *telemetry.Governance
	logger      *slog.Logger
	mode        Mode
	now         func() time.Time
}

// Config holds the collaborators of a Workflow.
type Config struct {
	Store       storage.Store
	Engine      *amendment.Engine
	Safety      *safety.Safety
	Escalator   *escalation.Escalator
	Invalidator Invalidator
	Metrics     *telemetry.Governance
	Logger      *slog.Logger
	Mode        Mode
}

// New creates a Workflow.
func New(cfg Config) *Workflow {
	if cfg.Mode == "" {
		cfg.Mode = ModeAutonomous
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NewGovernance(nil)
	}
	return &Workflow{
		store:       cfg.Store,
		engine:      cfg.Engine,
		safety:      cfg.Safety,
		escalator:   cfg.Escalator,
		invalidator: cfg.Invalidator,
		tiers:       policy.Load().Tiers(),
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		mode:        cfg.Mode,
		now:         time.Now,
	}
}

// Mode reports the approval mode.
func (w *Workflow) Mode() Mode { return w.mode }

// Decide validates a candidate and persists it as auto-approved and
// active, pending human approval, or pending behind an escalation. A
// candidate that fails a blocking safety check is not persisted and the
// *safety.ValidationError is returned.
func (w *Workflow) Decide(ctx context.Context, role string, c model.Candidate) (Decision, error) {
	report, err := w.safety.Validate(ctx, role, c)
	if err != nil {
		return Decision{}, err
	}

	match, err := w.escalator.Check(ctx, role, c)
	if err != nil {
		return Decision{}, err
	}
	if match != nil {
		a, err := w.engine.Build(ctx, role, c, false)
		if err != nil {
			return Decision{}, err
		}
		esc, err := w.escalator.Escalate(ctx, a, *match)
		if err != nil {
			return Decision{}, err
		}
		w.metrics.AmendmentCreated(ctx, role, string(a.ApprovalStatus))
		return Decision{
			Outcome:    OutcomeEscalated,
			Reason:     string(match.Type),
			Amendment:  a,
			Escalation: &esc,
			Flags:      report.Flags,
		}, nil
	}

	auto, reason, err := w.autoApprove(ctx, role, c, report)
	if err != nil {
		return Decision{}, err
	}
	a, err := w.create(ctx, role, c, auto)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{Outcome: OutcomePendingApproval, Reason: reason, Amendment: a, Flags: report.Flags}
	if auto {
		d.Outcome = OutcomeAutoApproved
	}
	return d, nil
}

func (w *Workflow) create(ctx context.Context, role string, c model.Candidate, auto bool) (model.Amendment, error) {
	a, err := w.engine.Create(ctx, role, c, auto)
	if err != nil {
		return model.Amendment{}, err
	}
	w.metrics.AmendmentCreated(ctx, role, string(a.ApprovalStatus))
	return a, nil
}

func (w *Workflow) autoApprove(ctx context.Context, role string, c model.Candidate, report safety.Report) (bool, string, error) {
	if report.RequiresApproval() {
		return false, "flagged: " + string(report.Flags[0].Constraint), nil
	}
	switch w.mode {
	case ModeStrict:
		return false, "strict mode", nil
	case ModeTrust:
		in, err := w.Trust(ctx, role)
		if err != nil {
			return false, "", err
		}
		ok, err := w.tiers.Allows(c.AmendmentType, in)
		if err != nil {
			return false, "", err
		}
		if !ok {
			return false, "trust tier not met: " + w.tiers.Rule(c.AmendmentType), nil
		}
		return true, "trust tier met", nil
	}
	return true, "autonomous mode", nil
}

// Trust computes the evidence the trust tiers are evaluated against:
// proven over completed amendments and days since the first activation.
func (w *Workflow) Trust(ctx context.Context, role string) (policy.TrustInput, error) {
	all, err := w.store.ListAmendments(ctx, model.AmendmentFilter{AgentRole: role})
	if err != nil {
		return policy.TrustInput{}, fmt.Errorf("approval: trust of %s: %w", role, err)
	}
	var in policy.TrustInput
	var proven int
	var first *time.Time
	for _, a := range all {
		switch a.EvaluationStatus {
		case model.EvaluationProven:
			proven++
			in.Completed++
		case model.EvaluationFailed:
			in.Completed++
		}
		if a.ActivatedAt != nil && (first == nil || a.ActivatedAt.Before(*first)) {
			first = a.ActivatedAt
		}
	}
	if in.Completed > 0 {
		in.TrustScore = float64(proven) / float64(in.Completed)
	}
	if first != nil {
		in.ActiveDays = int(math.Floor(w.now().Sub(*first).Hours() / 24))
	}
	return in, nil
}

// approve is the amendment update for a human approval.
func (w *Workflow) approve(actor string, now time.Time) func(*model.Amendment) error {
	return func(a *model.Amendment) error {
		if a.ApprovalStatus != model.ApprovalPending {
			return fmt.Errorf("%w: %s is %s", ErrNotPending, a.ID, a.ApprovalStatus)
		}
		a.ApprovalStatus = model.ApprovalApproved
		a.ApprovedBy = actor
		a.Activate(now)
		return nil
	}
}

func reject(a *model.Amendment) error {
	if a.ApprovalStatus != model.ApprovalPending {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, a.ID, a.ApprovalStatus)
	}
	a.ApprovalStatus = model.ApprovalRejected
	return nil
}

// ApproveAmendment approves and activates a pending amendment. The store
// re-checks the active limit and trigger uniqueness.
func (w *Workflow) ApproveAmendment(ctx context.Context, id uuid.UUID, actor string) (model.Amendment, error) {
	if err := w.ensureNotEscalated(ctx, id); err != nil {
		return model.Amendment{}, err
	}
	a, err := w.store.UpdateAmendment(ctx, id, w.approve(actor, w.now().UTC()))
	if err != nil {
		return model.Amendment{}, fmt.Errorf("approval: approve %s: %w", id, err)
	}
	w.invalidate(ctx, a.AgentRole)
	w.logger.Info("approval: amendment approved", "agent", a.AgentRole, "amendment_id", a.ID, "actor", actor)
	return a, nil
}

// RejectAmendment discards a pending amendment.
func (w *Workflow) RejectAmendment(ctx context.Context, id uuid.UUID, actor string) (model.Amendment, error) {
	if err := w.ensureNotEscalated(ctx, id); err != nil {
		return model.Amendment{}, err
	}
	a, err := w.store.UpdateAmendment(ctx, id, reject)
	if err != nil {
		return model.Amendment{}, fmt.Errorf("approval: reject %s: %w", id, err)
	}
	w.logger.Info("approval: amendment rejected", "agent", a.AgentRole, "amendment_id", a.ID, "actor", actor)
	return a, nil
}

func (w *Workflow) ensureNotEscalated(ctx context.Context, id uuid.UUID) error {
	a, err := w.store.GetAmendment(ctx, id)
	if err != nil {
		return fmt.Errorf("approval: %s: %w", id, err)
	}
	pending, err := w.escalator.Pending(ctx, a.AgentRole)
	if err != nil {
		return err
	}
	for _, e := range pending {
		if e.AmendmentID != nil && *e.AmendmentID == id {
			return fmt.Errorf("%w: resolve escalation %s", ErrEscalated, e.ID)
		}
	}
	return nil
}

// Resolved is the outcome of an escalation decision.
type Resolved struct {
	Escalation model.Escalation `json:"escalation"`
	Amendment  *model.Amendment `json:"amendment,omitempty"`
}

// ResolveEscalation applies a human decision to a pending escalation and
// its amendment in one transaction: approve activates the amendment,
// reject and dismiss discard it. Resolving a consecutive-failure
// escalation resets the agent's failure streak.
func (w *Workflow) ResolveEscalation(ctx context.Context, id uuid.UUID, res model.Resolution) (Resolved, error) {
	if _, ok := res.Action.Status(); !ok {
		return Resolved{}, fmt.Errorf("%w: %q", ErrUnknownAction, res.Action)
	}
	now := w.now().UTC()
	var fn func(*model.Amendment) error
	if res.Action == model.ActionApprove {
		fn = w.approve(res.Actor, now)
	} else {
		fn = reject
	}

	esc, err := w.store.ResolveEscalation(ctx, id, res, now, fn)
	if err != nil {
		return Resolved{}, fmt.Errorf("approval: resolve escalation %s: %w", id, err)
	}
	out := Resolved{Escalation: esc}

	if esc.Type == model.EscalationConsecutiveFailures {
		if _, err := w.store.UpdateAgent(ctx, esc.AgentRole, func(a *model.Agent) error {
			a.ConsecutiveFailures = 0
			a.FailureStreakEscalated = false
			return nil
		}); err != nil {
			w.logger.Warn("approval: reset failure streak failed", "agent", esc.AgentRole, "error", err)
		}
	}
	if esc.AmendmentID != nil {
		a, err := w.store.GetAmendment(ctx, *esc.AmendmentID)
		if err != nil {
			w.logger.Warn("approval: reload amendment failed", "amendment_id", *esc.AmendmentID, "error", err)
		} else {
			out.Amendment = &a
			if a.IsActive {
				w.invalidate(ctx, a.AgentRole)
			}
		}
	}
	w.logger.Info("approval: escalation resolved",
		"agent", esc.AgentRole, "escalation_id", esc.ID, "action", res.Action, "actor", res.Actor)
	return out, nil
}

func (w *Workflow) invalidate(ctx context.Context, role string) {
	if w.invalidator != nil {
		w.invalidator.Invalidate(ctx, role)
	}
}
