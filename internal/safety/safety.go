// Package safety is the invariant layer every amendment passes through.
// It rejects protected content, enforces the active-amendment ceiling and
// trigger uniqueness, flags contradictions for human review, and forces
// reversions on evaluation timeout or a failure streak. Its thresholds are
// fixed in package policy and have no configuration surface.
package safety

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cognalith/governor/internal/conflicts"
	"github.com/cognalith/governor/internal/integrity"
	"github.com/cognalith/governor/internal/model"
	"github.com/cognalith/governor/internal/policy"
	"github.com/cognalith/governor/internal/storage"
	"github.com/cognalith/governor/internal/telemetry"
)

// Violation is one failed safety check.
type Violation struct {
	Constraint model.ConstraintType `json:"constraint_type"`
	Action     model.SafetyAction   `json:"action"`
	Message    string               `json:"message"`
	Data       map[string]any       `json:"data,omitempty"`
}

// Blocking reports whether the violation prevents the candidate from
// being created.
func (v Violation) Blocking() bool { return v.Action == model.SafetyBlocked }

// ValidationError carries every violation of a candidate that failed at
// least one blocking check.
type ValidationError struct {
	AgentRole  string
	Violations []Violation
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = string(v.Constraint) + ": " + v.Message
	}
	return fmt.Sprintf("safety: candidate for %s rejected: %s", e.AgentRole, strings.Join(msgs, "; "))
}

// Report is the outcome of a candidate that passed every blocking check.
type Report struct {
	// Flags are non-blocking violations.
	Flags []Violation `json:"flags,omitempty"`
}

// RequiresApproval reports whether a flag bars the candidate from
// auto-activation.
func (r Report) RequiresApproval() bool { return len(r.Flags) > 0 }

// Invalidator drops cached effective knowledge for an agent.
type Invalidator interface {
	Invalidate(ctx context.Context, role string)
}

type explainer interface {
	Explain(a, b string) (conflicts.Evidence, bool)
}

// Safety enforces the amendment invariants.
type Safety struct {
	store       storage.Store
	policy      *policy.Policy
	detector    conflicts.Detector
	invalidator Invalidator
	metrics     *telemetry.Governance
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a Safety. A nil detector uses the heuristic detector; a nil
// metrics uses the global meter; invalidator may be nil.
func New(store storage.Store, detector conflicts.Detector, invalidator Invalidator, metrics *telemetry.Governance, logger *slog.Logger) *Safety {
	if detector == nil {
		detector = conflicts.NewHeuristic()
	}
	if metrics == nil {
		metrics = telemetry.NewGovernance(nil)
	}
	return &Safety{
		store:       store,
		policy:      policy.Load(),
		detector:    detector,
		invalidator: invalidator,
		metrics:     metrics,
		logger:      logger,
		now:         time.Now,
	}
}

// Validate runs every check against a candidate and records one safety
// event per violation. It returns a *ValidationError listing all
// violations when any of them blocks.
func (s *Safety) Validate(ctx context.Context, role string, c model.Candidate) (Report, error) {
	active := true
	current, err := s.store.ListAmendments(ctx, model.AmendmentFilter{AgentRole: role, Active: &active})
	if err != nil {
		return Report{}, fmt.Errorf("safety: validate %s: %w", role, err)
	}

	var violations []Violation
	text := policy.CandidateText(c)
	if matches := s.policy.ProtectedMatches(text); len(matches) > 0 {
		categories := make([]string, len(matches))
		for i, m := range matches {
			categories[i] = string(m.Category)
		}
		violations = append(violations, Violation{
			Constraint: model.ConstraintProtectedPattern,
			Action:     model.SafetyBlocked,
			Message:    "candidate contains protected content (" + strings.Join(categories, ", ") + ")",
			Data:       map[string]any{"matches": matches},
		})
	}

	if len(current) >= model.MaxActiveAmendmentsPerAgent {
		violations = append(violations, Violation{
			Constraint: model.ConstraintActiveLimit,
			Action:     model.SafetyBlocked,
			Message:    fmt.Sprintf("agent has %d active amendments, limit is %d", len(current), model.MaxActiveAmendmentsPerAgent),
			Data:       map[string]any{"active_count": len(current), "limit": model.MaxActiveAmendmentsPerAgent},
		})
	}

	for _, a := range current {
		if a.TriggerPattern == c.TriggerPattern {
			violations = append(violations, Violation{
				Constraint: model.ConstraintTriggerConflict,
				Action:     model.SafetyBlocked,
				Message:    fmt.Sprintf("trigger %q is already active", c.TriggerPattern),
				Data:       map[string]any{"conflicting_amendment_id": a.ID.String(), "trigger_pattern": c.TriggerPattern},
			})
			continue
		}
		if v, ok := s.contradiction(a, c); ok {
			violations = append(violations, v)
		}
	}

	var report Report
	blocked := false
	for _, v := range violations {
		s.record(ctx, role, nil, v)
		if v.Blocking() {
			blocked = true
		} else {
			report.Flags = append(report.Flags, v)
		}
	}
	if blocked {
		return report, &ValidationError{AgentRole: role, Violations: violations}
	}
	return report, nil
}

func (s *Safety) contradiction(a model.Amendment, c model.Candidate) (Violation, bool) {
	data := map[string]any{"conflicting_amendment_id": a.ID.String()}
	if ex, ok := s.detector.(explainer); ok {
		ev, found := ex.Explain(a.InstructionDelta, c.InstructionDelta)
		if !found {
			return Violation{}, false
		}
		data["evidence"] = ev
	} else if !s.detector.DetectContradiction(a.InstructionDelta, c.InstructionDelta) {
		return Violation{}, false
	}
	return Violation{
		Constraint: model.ConstraintContradiction,
		Action:     model.SafetyFlagged,
		Message:    "candidate may contradict active amendment " + a.ID.String(),
		Data:       data,
	}, true
}

// record writes a safety event for v. Failures are logged, not returned:
// the violation itself is still enforced.
func (s *Safety) record(ctx context.Context, role string, amendmentID *uuid.UUID, v Violation) {
	data := map[string]any{"message": v.Message}
	for k, val := range v.Data {
		data[k] = val
	}
	ev := model.SafetyEvent{
		ID:             uuid.New(),
		AgentRole:      role,
		AmendmentID:    amendmentID,
		ConstraintType: v.Constraint,
		Action:         v.Action,
		Data:           plain(data),
		CreatedAt:      s.now().UTC().Truncate(time.Microsecond),
	}
	ev.ContentHash = integrity.SafetyEventHash(ev)
	if err := s.store.InsertSafetyEvent(ctx, ev); err != nil {
		s.logger.Warn("safety: record event failed", "agent", role, "constraint", v.Constraint, "error", err)
	}
	s.metrics.SafetyViolation(ctx, role, string(v.Constraint))
	s.logger.Info("safety: violation",
		"agent", role, "constraint", v.Constraint, "action", v.Action, "message", v.Message)
}

// plain converts data to its decoded JSON form so the hash computed here
// matches the one recomputed from the stored row.
func plain(data map[string]any) map[string]any {
	raw, err := json.Marshal(data)
	if err != nil {
		return data
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return data
	}
	return out
}

// IsValidationError reports whether err carries a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
