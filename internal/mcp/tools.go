package mcp

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/cognalith/governor/internal/ctxutil"
	"github.com/cognalith/governor/internal/model"
)

func (s *Server) registerTools() {
	// governor_instructions: amendments that apply to the task at hand.
	s.mcpServer.AddTool(
		mcplib.NewTool("governor_instructions",
			mcplib.WithDescription(`Fetch the learned instructions that apply to a task before you start it.

WHEN TO USE: At the start of every task. Returns your effective knowledge
and the active amendments that match the task category.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent_role", mcplib.Description("Your role, e.g. cfo"), mcplib.Required()),
			mcplib.WithString("category", mcplib.Description("Task category, e.g. expense_report")),
			mcplib.WithBoolean("include_knowledge", mcplib.Description("Also return the full effective knowledge text"), mcplib.DefaultBool(false)),
		),
		s.handleInstructions,
	)

	// governor_record_task: report a completed task.
	s.mcpServer.AddTool(
		mcplib.NewTool("governor_record_task",
			mcplib.WithDescription(`Report the outcome of a completed task.

WHEN TO USE: After every task, successful or not. Outcomes feed pattern
detection and the evaluation of amendments currently on trial.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithString("agent_role", mcplib.Description("Your role"), mcplib.Required()),
			mcplib.WithString("task_id", mcplib.Description("Unique task identifier"), mcplib.Required()),
			mcplib.WithString("category", mcplib.Description("Task category"), mcplib.Required()),
			mcplib.WithBoolean("success", mcplib.Description("Whether the task succeeded"), mcplib.Required()),
			mcplib.WithString("failure_reason", mcplib.Description("Why the task failed")),
			mcplib.WithNumber("duration_ms", mcplib.Description("Task duration in milliseconds"), mcplib.Min(0)),
			mcplib.WithNumber("quality_score", mcplib.Description("Quality score 0.0-1.0"), mcplib.Min(0), mcplib.Max(1)),
		),
		s.handleRecordTask,
	)

	// governor_recommend: submit an externally researched recommendation.
	s.mcpServer.AddTool(
		mcplib.NewTool("governor_recommend",
			mcplib.WithDescription(`Submit a researched recommendation for an agent's instructions.

The recommendation passes the same safety checks and approval routing as
amendments generated from task history. Content is limited to 150 words.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithString("agent_role", mcplib.Description("Agent the recommendation targets"), mcplib.Required()),
			mcplib.WithString("type", mcplib.Description("Recommendation type, e.g. best_practice, knowledge_update, deprecation, or append/replace/remove"), mcplib.Required()),
			mcplib.WithString("content", mcplib.Description("Instruction text, at most 150 words"), mcplib.Required()),
			mcplib.WithString("targeting_pattern", mcplib.Description("Pattern the recommendation addresses"), mcplib.Required()),
			mcplib.WithString("target_area", mcplib.Description("Knowledge section to amend")),
			mcplib.WithString("expected_impact", mcplib.Description("What should improve"), mcplib.Required()),
			mcplib.WithString("reasoning", mcplib.Description("Why this helps"), mcplib.Required()),
			mcplib.WithArray("sources", mcplib.Description("Supporting sources"), mcplib.Required(), mcplib.WithStringItems()),
		),
		s.handleRecommend,
	)

	// governor_queue: what is waiting on a human.
	s.mcpServer.AddTool(
		mcplib.NewTool("governor_queue",
			mcplib.WithDescription("List amendments pending approval and open escalations."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("agent_role", mcplib.Description("Optional: only this agent")),
		),
		s.handleQueue,
	)

	// governor_decide: approve or reject a pending amendment.
	s.mcpServer.AddTool(
		mcplib.NewTool("governor_decide",
			mcplib.WithDescription("Approve or reject an amendment that is pending human approval."),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithString("amendment_id", mcplib.Description("Amendment UUID"), mcplib.Required()),
			mcplib.WithString("action", mcplib.Description("approve or reject"), mcplib.Required(), mcplib.Enum("approve", "reject")),
		),
		s.handleDecide,
	)

	// governor_resolve_escalation: human decision on an escalation.
	s.mcpServer.AddTool(
		mcplib.NewTool("governor_resolve_escalation",
			mcplib.WithDescription("Resolve a pending escalation. Approving activates its amendment; reject and dismiss discard it."),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithString("escalation_id", mcplib.Description("Escalation UUID"), mcplib.Required()),
			mcplib.WithString("action", mcplib.Description("approve, reject or dismiss"), mcplib.Required(), mcplib.Enum("approve", "reject", "dismiss")),
			mcplib.WithString("notes", mcplib.Description("Resolution notes")),
		),
		s.handleResolveEscalation,
	)

	// governor_progress: evaluation window of an amendment.
	s.mcpServer.AddTool(
		mcplib.NewTool("governor_progress",
			mcplib.WithDescription("Show how far an amendment is through its evaluation window."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("amendment_id", mcplib.Description("Amendment UUID"), mcplib.Required()),
		),
		s.handleProgress,
	)

	// governor_safety_events: the safety audit log.
	s.mcpServer.AddTool(
		mcplib.NewTool("governor_safety_events",
			mcplib.WithDescription("List recent safety events: blocked candidates and forced reversions."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("agent_role", mcplib.Description("Optional: only this agent")),
			mcplib.WithNumber("limit", mcplib.Description("Maximum events"), mcplib.Min(1), mcplib.Max(500), mcplib.DefaultNumber(20)),
		),
		s.handleSafetyEvents,
	)

	// governor_review: run a review cycle now.
	s.mcpServer.AddTool(
		mcplib.NewTool("governor_review",
			mcplib.WithDescription("Run a review cycle now: refresh performance, detect patterns and propose amendments."),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithString("agent_role", mcplib.Description("Optional: review only this agent")),
		),
		s.handleReview,
	)
}

func (s *Server) handleInstructions(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	role := request.GetString("agent_role", "")
	if err := model.ValidateRole(role); err != nil {
		return errorResult(err.Error()), nil
	}
	applicable, err := s.svc.ApplicableInstructions(ctx, role, request.GetString("category", ""))
	if err != nil {
		return serviceErrorResult(err), nil
	}
	out := map[string]any{
		"agent_role":   role,
		"instructions": compactAmendments(applicable),
	}
	if request.GetBool("include_knowledge", false) {
		view, err := s.svc.Agent(ctx, role)
		if err != nil {
			return serviceErrorResult(err), nil
		}
		out["effective_knowledge"] = view.Knowledge.Knowledge
	}
	return jsonResult(out)
}

func (s *Server) handleRecordTask(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	res, err := s.svc.RecordTaskOutcome(ctx, model.TaskOutcomeRequest{
		AgentRole:     request.GetString("agent_role", ""),
		TaskID:        request.GetString("task_id", ""),
		Category:      request.GetString("category", ""),
		Success:       request.GetBool("success", false),
		FailureReason: request.GetString("failure_reason", ""),
		DurationMs:    int64(request.GetInt("duration_ms", 0)),
		QualityScore:  request.GetFloat("quality_score", 0),
	})
	if err != nil {
		return serviceErrorResult(err), nil
	}
	out := map[string]any{
		"status":               "recorded",
		"consecutive_failures": res.ConsecutiveFailures,
		"evaluated":            compactAmendments(res.Evaluated),
	}
	if len(res.Reversions) > 0 {
		out["reversions"] = res.Reversions
	}
	return jsonResult(out)
}

func (s *Server) handleRecommend(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	rec := model.Recommendation{
		AgentRole:        request.GetString("agent_role", ""),
		Type:             request.GetString("type", ""),
		Content:          request.GetString("content", ""),
		TargetingPattern: request.GetString("targeting_pattern", ""),
		TargetArea:       request.GetString("target_area", ""),
		ExpectedImpact:   request.GetString("expected_impact", ""),
		Reasoning:        request.GetString("reasoning", ""),
		Sources:          request.GetStringSlice("sources", nil),
	}
	d, err := s.svc.SubmitRecommendation(ctx, rec)
	s.audit(ctx, "submit_recommendation", rec.AgentRole, err)
	if err != nil {
		return serviceErrorResult(err), nil
	}
	return jsonResult(map[string]any{
		"outcome":   d.Outcome,
		"reason":    d.Reason,
		"amendment": compactAmendment(d.Amendment),
	})
}

func (s *Server) handleQueue(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	role := request.GetString("agent_role", "")
	pending, err := s.svc.PendingAmendments(ctx, role)
	if err != nil {
		return serviceErrorResult(err), nil
	}
	escalations, err := s.svc.Escalations(ctx, model.EscalationFilter{
		AgentRole: role,
		Status:    model.EscalationPending,
	})
	if err != nil {
		return serviceErrorResult(err), nil
	}
	return jsonResult(map[string]any{
		"pending_amendments": compactAmendments(pending),
		"escalations":        compactEscalations(escalations),
	})
}

func (s *Server) handleDecide(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("amendment_id", ""))
	if err != nil {
		return errorResult("amendment_id must be a UUID"), nil
	}
	actor := ctxutil.ActorFromContext(ctx)
	var a model.Amendment
	action := request.GetString("action", "")
	switch action {
	case string(model.ActionApprove):
		a, err = s.svc.ApproveAmendment(ctx, id, actor)
	case string(model.ActionReject):
		a, err = s.svc.RejectAmendment(ctx, id, actor)
	default:
		return errorResult(fmt.Sprintf("action must be approve or reject, got %q", action)), nil
	}
	s.audit(ctx, action+"_amendment", id.String(), err)
	if err != nil {
		return serviceErrorResult(err), nil
	}
	return jsonResult(compactAmendment(a))
}

func (s *Server) handleResolveEscalation(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("escalation_id", ""))
	if err != nil {
		return errorResult("escalation_id must be a UUID"), nil
	}
	action := model.ResolveAction(request.GetString("action", ""))
	res, err := s.svc.ResolveEscalation(ctx, id, model.Resolution{
		Action: action,
		Actor:  ctxutil.ActorFromContext(ctx),
		Notes:  request.GetString("notes", ""),
	})
	s.audit(ctx, "resolve_escalation:"+string(action), id.String(), err)
	if err != nil {
		return serviceErrorResult(err), nil
	}
	out := map[string]any{"escalation": compactEscalation(res.Escalation)}
	if res.Amendment != nil {
		out["amendment"] = compactAmendment(*res.Amendment)
	}
	return jsonResult(out)
}

func (s *Server) handleProgress(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("amendment_id", ""))
	if err != nil {
		return errorResult("amendment_id must be a UUID"), nil
	}
	p, err := s.svc.EvaluationProgress(ctx, id)
	if err != nil {
		return serviceErrorResult(err), nil
	}
	return jsonResult(p)
}

func (s *Server) handleSafetyEvents(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	events, err := s.svc.SafetyEvents(ctx, model.SafetyEventFilter{
		AgentRole: request.GetString("agent_role", ""),
		Limit:     request.GetInt("limit", 20),
	})
	if err != nil {
		return serviceErrorResult(err), nil
	}
	return jsonResult(map[string]any{"events": events, "total": len(events)})
}

func (s *Server) handleReview(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if role := request.GetString("agent_role", ""); role != "" {
		review, err := s.svc.ReviewAgent(ctx, role)
		s.audit(ctx, "review_agent", role, err)
		if err != nil {
			return serviceErrorResult(err), nil
		}
		return jsonResult(review)
	}
	results, err := s.svc.ReviewCycle(ctx)
	s.audit(ctx, "review_cycle", "", err)
	if err != nil {
		return serviceErrorResult(err), nil
	}
	return jsonResult(model.BatchItems(results))
}

func (s *Server) audit(ctx context.Context, operation, resource string, err error) {
	ctxutil.NewAuditMeta(ctx, "mcp", operation, resource).Log(ctx, s.logger, err)
}
