// Package governor runs the governance loop: review cycles that turn
// detected patterns into amendments, task-outcome ingestion that feeds
// evaluations, and the safety sweep.
//
// Both the HTTP API and the MCP server delegate to this service so every
// surface applies the same rules.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/cognalith/governor/internal/amendment"
	"github.com/cognalith/governor/internal/approval"
	"github.com/cognalith/governor/internal/knowledge"
	"github.com/cognalith/governor/internal/model"
	"github.com/cognalith/governor/internal/patterns"
	"github.com/cognalith/governor/internal/safety"
	"github.com/cognalith/governor/internal/service/performance"
	"github.com/cognalith/governor/internal/storage"
	"github.com/cognalith/governor/internal/telemetry"
)

// ErrInvalidInput marks a request rejected before anything was written.
var ErrInvalidInput = errors.New("governor: invalid input")

// DefaultConcurrency bounds how many agents a review cycle processes at
// once.
const DefaultConcurrency = 4

// Config holds the collaborators of a Service.
type Config struct {
	Store       storage.Store
	Detector    *patterns.Detector
	Engine      *amendment.Engine
	Workflow    *approval.Workflow
	Safety      *safety.Safety
	Knowledge   *knowledge.Computer
	Performance *performance.Service
	Metrics     *telemetry.Governance
	Logger      *slog.Logger
	Concurrency int
}

// Service orchestrates the governance components.
type Service struct {
	store       storage.Store
	detector    *patterns.Detector
	engine      *amendment.Engine
	workflow    *approval.Workflow
	safety      *safety.Safety
	knowledge   *knowledge.Computer
	perf        *performance.Service
	metrics     *telemetry.Governance
	tracer      trace.Tracer
	logger      *slog.Logger
	concurrency int
	now         func() time.Time
}

// New creates a Service.
func New(cfg Config) *Service {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NewGovernance(nil)
	}
	return &Service{
		store:       cfg.Store,
		detector:    cfg.Detector,
		engine:      cfg.Engine,
		workflow:    cfg.Workflow,
		safety:      cfg.Safety,
		knowledge:   cfg.Knowledge,
		perf:        cfg.Performance,
		metrics:     cfg.Metrics,
		tracer:      telemetry.Tracer("governor/service"),
		logger:      cfg.Logger,
		concurrency: cfg.Concurrency,
		now:         time.Now,
	}
}

// Bootstrap registers agents that do not exist yet. Existing agents are
// left untouched.
func (s *Service) Bootstrap(ctx context.Context, agents []model.Agent) error {
	var errs []error
	for _, a := range agents {
		if err := model.ValidateRole(a.Role); err != nil {
			errs = append(errs, fmt.Errorf("governor: bootstrap %q: %w", a.Role, err))
			continue
		}
		if _, err := s.store.EnsureAgent(ctx, a); err != nil {
			errs = append(errs, fmt.Errorf("governor: bootstrap %s: %w", a.Role, err))
		}
	}
	return errors.Join(errs...)
}

// Rejection is a candidate a review cycle did not persist.
type Rejection struct {
	TriggerPattern string `json:"trigger_pattern"`
	Reason         string `json:"reason"`
}

// AgentReview is the outcome of reviewing one agent.
type AgentReview struct {
	AgentRole   string                    `json:"agent_role"`
	Performance model.PerformanceSnapshot `json:"performance"`
	Patterns    []model.Pattern           `json:"patterns"`
	Decisions   []approval.Decision       `json:"decisions"`
	Skipped     []string                  `json:"skipped,omitempty"`
	Rejections  []Rejection               `json:"rejections,omitempty"`
}

// ReviewCycle reviews every agent. One agent's failure is reported in its
// result and does not stop the others.
func (s *Service) ReviewCycle(ctx context.Context) ([]model.Result[AgentReview], error) {
	ctx, span := s.tracer.Start(ctx, "governor.review_cycle")
	defer span.End()
	start := time.Now()

	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("governor: review cycle: %w", err)
	}
	span.SetAttributes(attribute.Int("governor.agents", len(agents)))

	results := make([]model.Result[AgentReview], len(agents))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, a := range agents {
		g.Go(func() error {
			review, err := s.ReviewAgent(gctx, a.Role)
			results[i] = model.Result[AgentReview]{Key: a.Role, Data: review, Err: err}
			if err != nil {
				s.logger.Warn("governor: review failed", "agent", a.Role, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	s.metrics.ReviewFinished(ctx, time.Since(start), len(agents))
	s.logger.Info("governor: review cycle complete", "agents", len(agents), "duration_ms", time.Since(start).Milliseconds())
	return results, nil
}

// ReviewAgent refreshes one agent's performance, detects patterns and
// routes a candidate for each pattern whose trigger has no live amendment.
func (s *Service) ReviewAgent(ctx context.Context, role string) (AgentReview, error) {
	ctx, span := s.tracer.Start(ctx, "governor.review_agent",
		trace.WithAttributes(attribute.String("governor.agent", role)))
	defer span.End()

	review := AgentReview{AgentRole: role}
	snap, err := s.perf.Refresh(ctx, role)
	if err != nil {
		return review, err
	}
	review.Performance = snap

	found, err := s.detector.Detect(ctx, role)
	if err != nil {
		return review, err
	}
	review.Patterns = found

	for _, p := range found {
		c, err := amendment.Generate(p)
		if err != nil {
			review.Rejections = append(review.Rejections, Rejection{TriggerPattern: string(p.Type), Reason: err.Error()})
			continue
		}
		live, err := s.hasLiveAmendment(ctx, role, c.TriggerPattern)
		if err != nil {
			return review, err
		}
		if live {
			review.Skipped = append(review.Skipped, c.TriggerPattern)
			continue
		}
		d, err := s.workflow.Decide(ctx, role, c)
		if err != nil {
			if !rejectable(err) {
				return review, err
			}
			review.Rejections = append(review.Rejections, Rejection{TriggerPattern: c.TriggerPattern, Reason: err.Error()})
			continue
		}
		review.Decisions = append(review.Decisions, d)
	}
	span.SetAttributes(
		attribute.Int("governor.patterns", len(review.Patterns)),
		attribute.Int("governor.decisions", len(review.Decisions)),
	)
	return review, nil
}

// rejectable reports whether err rejects one candidate rather than the
// whole review.
func rejectable(err error) bool {
	return safety.IsValidationError(err) || storage.IsConflict(err)
}

// hasLiveAmendment reports whether the trigger already has an active
// amendment or one awaiting approval.
func (s *Service) hasLiveAmendment(ctx context.Context, role, trigger string) (bool, error) {
	list, err := s.store.ListAmendments(ctx, model.AmendmentFilter{AgentRole: role, TriggerPattern: trigger})
	if err != nil {
		return false, fmt.Errorf("governor: amendments for %s: %w", trigger, err)
	}
	for _, a := range list {
		if a.IsActive || a.ApprovalStatus == model.ApprovalPending {
			return true, nil
		}
	}
	return false, nil
}

// Sweep reverts amendments whose evaluation timed out.
func (s *Service) Sweep(ctx context.Context) ([]model.Reversion, error) {
	ctx, span := s.tracer.Start(ctx, "governor.sweep")
	defer span.End()
	reverted, err := s.safety.EnforceEvaluationTimeout(ctx)
	span.SetAttributes(attribute.Int("governor.reverted", len(reverted)))
	return reverted, err
}

// TaskOutcomeResult reports what ingesting one task outcome changed.
type TaskOutcomeResult struct {
	Entry               model.TaskHistoryEntry `json:"entry"`
	ConsecutiveFailures int                    `json:"consecutive_failures"`
	Evaluated           []model.Amendment      `json:"evaluated"`
	Reversions          []model.Reversion      `json:"reversions,omitempty"`
}

// RecordTaskOutcome appends a task to history, updates the agent's failure
// streak, records an evaluation against every evaluating amendment that
// applies to the task and checks each for auto-revert. The history append,
// the streak update and each evaluation commit separately; a failed
// evaluation is logged and does not undo the others.
func (s *Service) RecordTaskOutcome(ctx context.Context, req model.TaskOutcomeRequest) (TaskOutcomeResult, error) {
	ctx, span := s.tracer.Start(ctx, "governor.task_outcome",
		trace.WithAttributes(
			attribute.String("governor.agent", req.AgentRole),
			attribute.String("governor.category", req.Category),
			attribute.Bool("governor.success", req.Success),
		))
	defer span.End()

	// 1. Append to history.
	entry := req.Entry(s.now().UTC())
	if err := entry.Validate(); err != nil {
		return TaskOutcomeResult{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if _, err := s.store.GetAgent(ctx, entry.AgentRole); err != nil {
		return TaskOutcomeResult{}, fmt.Errorf("governor: task outcome for %s: %w", entry.AgentRole, err)
	}
	if err := s.store.AppendTaskHistory(ctx, entry); err != nil {
		return TaskOutcomeResult{}, fmt.Errorf("governor: task outcome: %w", err)
	}
	out := TaskOutcomeResult{Entry: entry}

	// 2. Failure streak. A success ends the streak; the escalated flag is
	// cleared only by resolving its escalation.
	agent, err := s.store.UpdateAgent(ctx, entry.AgentRole, func(a *model.Agent) error {
		if entry.Success {
			if a.ConsecutiveFailures == 0 {
				return storage.ErrUnchanged
			}
			a.ConsecutiveFailures = 0
			return nil
		}
		a.ConsecutiveFailures++
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("governor: failure streak for %s: %w", entry.AgentRole, err)
	}
	out.ConsecutiveFailures = agent.ConsecutiveFailures

	// 3. Evaluations and auto-revert.
	applicable, err := s.knowledge.ApplicableInstructions(ctx, entry.AgentRole, knowledge.TaskContext{Category: entry.Category})
	if err != nil {
		return out, err
	}
	outcome := model.TaskOutcome{
		TaskID:       entry.TaskID,
		Success:      entry.Success,
		QualityScore: entry.QualityScore,
		DurationMs:   entry.DurationMs,
	}
	for _, a := range applicable {
		if a.EvaluationStatus != model.EvaluationEvaluating || a.TasksEvaluated >= a.EvaluationWindow {
			continue
		}
		updated, err := s.engine.RecordEvaluation(ctx, a.ID, outcome)
		if err != nil {
			s.logger.Warn("governor: record evaluation failed", "agent", a.AgentRole, "amendment_id", a.ID, "error", err)
			continue
		}
		out.Evaluated = append(out.Evaluated, updated)

		r, err := s.safety.CheckAutoRevert(ctx, a.ID)
		if err != nil {
			s.logger.Warn("governor: auto-revert check failed", "agent", a.AgentRole, "amendment_id", a.ID, "error", err)
			continue
		}
		if r != nil {
			out.Reversions = append(out.Reversions, *r)
		}
	}
	span.SetAttributes(attribute.Int("governor.evaluated", len(out.Evaluated)))
	return out, nil
}

// RecordTaskOutcomes ingests a batch; each item succeeds or fails alone.
func (s *Service) RecordTaskOutcomes(ctx context.Context, reqs []model.TaskOutcomeRequest) []model.Result[TaskOutcomeResult] {
	out := make([]model.Result[TaskOutcomeResult], len(reqs))
	for i, r := range reqs {
		res, err := s.RecordTaskOutcome(ctx, r)
		out[i] = model.Result[TaskOutcomeResult]{Key: r.TaskID, Data: res, Err: err}
	}
	return out
}

// SubmitRecommendation converts an external recommendation to a candidate
// and routes it like a pattern-generated one.
func (s *Service) SubmitRecommendation(ctx context.Context, r model.Recommendation) (approval.Decision, error) {
	ctx, span := s.tracer.Start(ctx, "governor.recommendation",
		trace.WithAttributes(attribute.String("governor.agent", r.AgentRole)))
	defer span.End()

	c, err := s.engine.CandidateFromRecommendation(ctx, r)
	if err != nil {
		return approval.Decision{}, err
	}
	return s.workflow.Decide(ctx, r.AgentRole, c)
}

// AgentView is an agent with its effective knowledge.
type AgentView struct {
	Agent     model.Agent         `json:"agent"`
	Knowledge knowledge.Effective `json:"knowledge"`
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ApplicableInstructions lists the active amendments that apply to a task
// category for an agent.
func (s *Service) ApplicableInstructions(ctx context.Context, role, category string) ([]model.Amendment, error) {
	return s.knowledge.ApplicableInstructions(ctx, role, knowledge.TaskContext{Category: category})
}

// Agents lists every agent.
func (s *Service) Agents(ctx context.Context) ([]model.Agent, error) {
	return s.store.ListAgents(ctx)
}

// Agent returns one agent and its effective knowledge.
func (s *Service) Agent(ctx context.Context, role string) (AgentView, error) {
	eff, err := s.knowledge.Get(ctx, role)
	if err != nil {
		return AgentView{}, err
	}
	a, err := s.store.GetAgent(ctx, role)
	if err != nil {
		return AgentView{}, err
	}
	return AgentView{Agent: a, Knowledge: eff}, nil
}

// Amendments lists amendments matching f.
func (s *Service) Amendments(ctx context.Context, f model.AmendmentFilter) ([]model.Amendment, error) {
	return s.store.ListAmendments(ctx, f)
}

// PendingAmendments lists amendments awaiting human approval.
func (s *Service) PendingAmendments(ctx context.Context, role string) ([]model.Amendment, error) {
	return s.engine.PendingAmendments(ctx, role)
}

// Amendment returns one amendment.
func (s *Service) Amendment(ctx context.Context, id uuid.UUID) (model.Amendment, error) {
	return s.store.GetAmendment(ctx, id)
}

// EvaluationProgress reports an amendment's evaluation window.
func (s *Service) EvaluationProgress(ctx context.Context, id uuid.UUID) (model.EvaluationProgress, error) {
	return s.engine.EvaluationProgress(ctx, id)
}

// VersionChain returns every version related to an amendment.
func (s *Service) VersionChain(ctx context.Context, id uuid.UUID) ([]model.Amendment, error) {
	return s.engine.VersionChain(ctx, id)
}

// ReviseAmendment stores a new pending version of an amendment.
func (s *Service) ReviseAmendment(ctx context.Context, id uuid.UUID, changes amendment.Changes) (model.Amendment, error) {
	return s.engine.CreateNewVersion(ctx, id, changes)
}

// ApproveAmendment applies a human approval.
func (s *Service) ApproveAmendment(ctx context.Context, id uuid.UUID, actor string) (model.Amendment, error) {
	return s.workflow.ApproveAmendment(ctx, id, actor)
}

// RejectAmendment applies a human rejection.
func (s *Service) RejectAmendment(ctx context.Context, id uuid.UUID, actor string) (model.Amendment, error) {
	return s.workflow.RejectAmendment(ctx, id, actor)
}

// Escalations lists escalations matching f.
func (s *Service) Escalations(ctx context.Context, f model.EscalationFilter) ([]model.Escalation, error) {
	return s.store.ListEscalations(ctx, f)
}

// Escalation returns one escalation.
func (s *Service) Escalation(ctx context.Context, id uuid.UUID) (model.Escalation, error) {
	return s.store.GetEscalation(ctx, id)
}

// ResolveEscalation applies a human decision to an escalation.
func (s *Service) ResolveEscalation(ctx context.Context, id uuid.UUID, res model.Resolution) (approval.Resolved, error) {
	return s.workflow.ResolveEscalation(ctx, id, res)
}

// SafetyEvents lists the safety audit log.
func (s *Service) SafetyEvents(ctx context.Context, f model.SafetyEventFilter) ([]model.SafetyEvent, error) {
	return s.store.ListSafetyEvents(ctx, f)
}
