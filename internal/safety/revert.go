package safety

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/cognalith/governor/internal/model"
	"github.com/cognalith/governor/internal/policy"
	"github.com/cognalith/governor/internal/storage"
)

// EnforceEvaluationTimeout reverts evaluating amendments whose evaluation
// began more than policy.EvaluationTimeout ago and that have fewer than
// policy.MinEvaluationsBeforeTimeout evaluations. Running it twice reverts
// nothing new.
func (s *Safety) EnforceEvaluationTimeout(ctx context.Context) ([]model.Reversion, error) {
	evaluating, err := s.store.ListAmendments(ctx, model.AmendmentFilter{EvaluationStatus: model.EvaluationEvaluating})
	if err != nil {
		return nil, fmt.Errorf("safety: timeout sweep: %w", err)
	}

	cutoff := s.now().UTC().Add(-policy.EvaluationTimeout)
	var out []model.Reversion
	var errs []error
	for _, a := range evaluating {
		started := a.EvaluationStartedAt
		if started == nil {
			started = a.ActivatedAt
		}
		if started == nil || !started.Before(cutoff) || a.TasksEvaluated >= policy.MinEvaluationsBeforeTimeout {
			continue
		}
		reason := fmt.Sprintf("evaluation started %s with %d of %d evaluations",
			started.Format("2006-01-02T15:04:05Z07:00"), a.TasksEvaluated, policy.MinEvaluationsBeforeTimeout)
		r, reverted, err := s.Revert(ctx, a.ID, model.ConstraintEvaluationTimeout, reason)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if reverted {
			out = append(out, r)
		}
	}
	if len(out) > 0 {
		s.logger.Info("safety: timeout sweep reverted amendments", "count", len(out))
	}
	return out, errors.Join(errs...)
}

// CheckAutoRevert reverts an amendment whose newest policy.AutoRevertStreak
// evaluations all failed. It returns nil when no action was taken.
func (s *Safety) CheckAutoRevert(ctx context.Context, amendmentID uuid.UUID) (*model.Reversion, error) {
	evals, err := s.store.ListEvaluations(ctx, model.EvaluationFilter{
		AmendmentID: &amendmentID,
		Desc:        true,
		Limit:       policy.AutoRevertStreak,
	})
	if err != nil {
		return nil, fmt.Errorf("safety: auto-revert check for %s: %w", amendmentID, err)
	}
	if len(evals) < policy.AutoRevertStreak {
		return nil, nil
	}
	for _, ev := range evals {
		if ev.Success {
			return nil, nil
		}
	}

	reason := fmt.Sprintf("last %d evaluations failed", policy.AutoRevertStreak)
	r, reverted, err := s.Revert(ctx, amendmentID, model.ConstraintAutoRevert, reason)
	if err != nil || !reverted {
		return nil, err
	}
	return &r, nil
}

// Revert forces an amendment into the reverted state and deactivates it.
// reverted is false when the amendment was already reverted, in which case
// nothing is written.
func (s *Safety) Revert(ctx context.Context, amendmentID uuid.UUID, rule model.ConstraintType, reason string) (r model.Reversion, reverted bool, err error) {
	now := s.now().UTC()
	wasActive := false
	a, err := s.store.UpdateAmendment(ctx, amendmentID, func(a *model.Amendment) error {
		if a.EvaluationStatus == model.EvaluationReverted {
			return storage.ErrUnchanged
		}
		wasActive = a.IsActive
		reverted = true
		a.EvaluationStatus = model.EvaluationReverted
		a.IsActive = false
		a.RevertReason = reason
		a.RevertedAt = &now
		return nil
	})
	if err != nil {
		return model.Reversion{}, false, fmt.Errorf("safety: revert %s: %w", amendmentID, err)
	}
	if !reverted {
		return model.Reversion{}, false, nil
	}

	s.record(ctx, a.AgentRole, &a.ID, Violation{
		Constraint: rule,
		Action:     model.SafetyReverted,
		Message:    reason,
		Data:       map[string]any{"tasks_evaluated": a.TasksEvaluated, "was_active": wasActive},
	})
	s.metrics.Reverted(ctx, a.AgentRole, string(rule))
	if wasActive && s.invalidator != nil {
		s.invalidator.Invalidate(ctx, a.AgentRole)
	}
	return model.Reversion{
		AmendmentID: a.ID,
		AgentRole:   a.AgentRole,
		Rule:        string(rule),
		Reason:      reason,
		RevertedAt:  now,
	}, true, nil
}
