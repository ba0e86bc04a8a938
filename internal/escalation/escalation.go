// Package escalation decides whether a candidate amendment is an exception
// that needs human judgment and queues the escalations.
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/cognalith/governor/internal/model"
	"github.com/cognalith/governor/internal/policy"
	"github.com/cognalith/governor/internal/storage"
	"github.com/cognalith/governor/internal/telemetry"
)

// ErrAlreadyResolved is returned when resolving an escalation that is no
// longer pending.
var ErrAlreadyResolved = storage.ErrAlreadyResolved

// Match is an exception found for a candidate.
type Match struct {
	Type     model.EscalationType `json:"type"`
	Analysis map[string]any       `json:"analysis"`
}

// Escalator runs the exception checks and records escalations.
type Escalator struct {
	store   storage.Store
	policy  *policy.Policy
	metrics *telemetry.Governance
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an Escalator. A nil metrics uses the global meter.
func New(store storage.Store, metrics *telemetry.Governance, logger *slog.Logger) *Escalator {
	if metrics == nil {
		metrics = telemetry.NewGovernance(nil)
	}
	return &Escalator{store: store, policy: policy.Load(), metrics: metrics, logger: logger, now: time.Now}
}

// Check runs the exception checks in order and returns the first match,
// or nil when the candidate may follow the approval mode. Skills-layer
// wins over persona-layer when both match.
func (e *Escalator) Check(ctx context.Context, role string, c model.Candidate) (*Match, error) {
	text := policy.CandidateText(c)
	if hits := e.policy.SkillsHits(text); policy.TouchesLayer(hits, policy.SkillsMarker) {
		return &Match{Type: model.EscalationSkillsLayer, Analysis: map[string]any{"keywords": hits}}, nil
	}
	if hits := e.policy.PersonaHits(text); policy.TouchesLayer(hits, policy.PersonaMarker) {
		return &Match{Type: model.EscalationPersonaLayer, Analysis: map[string]any{"keywords": hits}}, nil
	}

	agent, err := e.store.GetAgent(ctx, role)
	if err != nil {
		return nil, fmt.Errorf("escalation: check %s: %w", role, err)
	}
	if agent.ConsecutiveFailures >= policy.ConsecutiveFailureThreshold && !agent.FailureStreakEscalated {
		return &Match{Type: model.EscalationConsecutiveFailures, Analysis: map[string]any{
			"consecutive_failures": agent.ConsecutiveFailures,
			"threshold":            policy.ConsecutiveFailureThreshold,
		}}, nil
	}

	agents, err := e.crossAgentFailures(ctx)
	if err != nil {
		return nil, err
	}
	if len(agents) >= policy.CrossAgentMinAgents {
		return &Match{Type: model.EscalationCrossAgentPattern, Analysis: map[string]any{
			"agents":       agents,
			"window":       policy.CrossAgentWindow.String(),
			"min_failures": policy.CrossAgentMinFailures,
		}}, nil
	}
	return nil, nil
}

// crossAgentFailures returns the agents with at least
// policy.CrossAgentMinFailures failed evaluations in the trailing window.
func (e *Escalator) crossAgentFailures(ctx context.Context) ([]string, error) {
	failed := false
	since := e.now().UTC().Add(-policy.CrossAgentWindow)
	evals, err := e.store.ListEvaluations(ctx, model.EvaluationFilter{Success: &failed, Since: &since})
	if err != nil {
		return nil, fmt.Errorf("escalation: cross-agent failures: %w", err)
	}
	counts := make(map[string]int)
	for _, ev := range evals {
		counts[ev.AgentRole]++
	}
	var agents []string
	for role, n := range counts {
		if n >= policy.CrossAgentMinFailures {
			agents = append(agents, role)
		}
	}
	sort.Strings(agents)
	return agents, nil
}

// Escalate writes the unsaved amendment a together with a pending
// escalation holding it. Neither is written if either insert fails. A
// consecutive failure escalation also marks the agent's streak as
// escalated so the same streak is not escalated twice.
func (e *Escalator) Escalate(ctx context.Context, a model.Amendment, m Match) (model.Escalation, error) {
	id := a.ID
	esc := model.Escalation{
		ID:          uuid.New(),
		Type:        m.Type,
		AgentRole:   a.AgentRole,
		AmendmentID: &id,
		Status:      model.EscalationPending,
		Analysis:    m.Analysis,
		CreatedAt:   e.now().UTC(),
	}
	if esc.Analysis == nil {
		esc.Analysis = map[string]any{}
	}
	esc.Analysis["trigger_pattern"] = a.TriggerPattern

	if err := e.store.CreateEscalatedAmendment(ctx, a, esc); err != nil {
		return model.Escalation{}, fmt.Errorf("escalation: create for %s: %w", a.AgentRole, err)
	}
	if m.Type == model.EscalationConsecutiveFailures {
		if _, err := e.store.UpdateAgent(ctx, a.AgentRole, func(ag *model.Agent) error {
			if ag.FailureStreakEscalated {
				return storage.ErrUnchanged
			}
			ag.FailureStreakEscalated = true
			return nil
		}); err != nil {
			// The escalation is queued; a second one for this streak is
			// possible until the flag is written.
			e.logger.Warn("escalation: mark streak failed", "agent", a.AgentRole, "escalation_id", esc.ID, "error", err)
		}
	}

	e.metrics.Escalated(ctx, a.AgentRole, string(m.Type))
	e.logger.Info("escalation: queued",
		"agent", a.AgentRole, "escalation_id", esc.ID, "amendment_id", a.ID, "type", m.Type)
	return esc, nil
}

// Pending lists unresolved escalations, newest first. An empty role lists
// every agent's.
func (e *Escalator) Pending(ctx context.Context, role string) ([]model.Escalation, error) {
	out, err := e.store.ListEscalations(ctx, model.EscalationFilter{AgentRole: role, Status: model.EscalationPending})
	if err != nil {
		return nil, fmt.Errorf("escalation: pending: %w", err)
	}
	return out, nil
}
