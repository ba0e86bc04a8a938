package storage

import (
	"fmt"

	"github.com/cognalith/governor/internal/model"
	"github.com/cognalith/governor/internal/policy"
)

// CheckAmendmentWrite validates a pending amendment write against the
// invariants. prev is the stored row (nil on create); active holds the
// agent's currently active amendments as read inside the write transaction.
func CheckAmendmentWrite(prev *model.Amendment, next model.Amendment, active []model.Amendment) error {
	if next.IsActive && !next.ApprovalStatus.Activatable() {
		return fmt.Errorf("%w: amendment %s is active with approval status %q", ErrInvariant, next.ID, next.ApprovalStatus)
	}
	if next.IsActive && next.EvaluationStatus == model.EvaluationReverted {
		return fmt.Errorf("%w: reverted amendment %s cannot be active", ErrInvariant, next.ID)
	}
	if !next.AmendmentType.Valid() {
		return fmt.Errorf("%w: unknown amendment type %q", ErrInvariant, next.AmendmentType)
	}

	if prev == nil {
		if next.EvaluationStatus != model.EvaluationPending && next.EvaluationStatus != model.EvaluationEvaluating {
			return fmt.Errorf("%w: new amendment cannot start in %q", ErrInvalidTransition, next.EvaluationStatus)
		}
	} else {
		if !prev.EvaluationStatus.CanTransitionTo(next.EvaluationStatus) {
			if prev.EvaluationStatus == next.EvaluationStatus {
				return fmt.Errorf("%w: amendment %s is %s", ErrInvalidTransition, next.ID, prev.EvaluationStatus)
			}
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.EvaluationStatus, next.EvaluationStatus)
		}
		if prev.AgentRole != next.AgentRole || prev.TriggerPattern != next.TriggerPattern || prev.Version != next.Version {
			return fmt.Errorf("%w: agent, trigger and version are immutable", ErrInvariant)
		}
		if next.TasksEvaluated < prev.TasksEvaluated {
			return fmt.Errorf("%w: tasks_evaluated cannot decrease", ErrInvariant)
		}
	}
	if next.TasksEvaluated > next.EvaluationWindow {
		return fmt.Errorf("%w: tasks_evaluated %d exceeds window %d", ErrInvariant, next.TasksEvaluated, next.EvaluationWindow)
	}

	activating := next.IsActive && (prev == nil || !prev.IsActive)
	if !activating {
		return nil
	}
	if policy.Load().IsProtected(policy.CandidateText(next.Candidate())) {
		return fmt.Errorf("%w: amendment %s contains protected content", ErrInvariant, next.ID)
	}
	others := 0
	for _, a := range active {
		if a.ID == next.ID {
			continue
		}
		others++
		if a.TriggerPattern == next.TriggerPattern {
			return fmt.Errorf("%w: trigger %q already active as %s", ErrTriggerConflict, next.TriggerPattern, a.ID)
		}
	}
	if others >= model.MaxActiveAmendmentsPerAgent {
		return fmt.Errorf("%w: agent %s has %d active amendments", ErrActiveLimit, next.AgentRole, others)
	}
	return nil
}
