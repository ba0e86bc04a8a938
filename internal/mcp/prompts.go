package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// task-workflow: read instructions before, report the outcome after.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("task-workflow",
			mcplib.WithPromptDescription("Fetch applicable instructions before a task and report its outcome after"),
			mcplib.WithArgument("agent_role",
				mcplib.ArgumentDescription("Your role, e.g. cfo"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("category",
				mcplib.ArgumentDescription("The category of the task you are about to perform"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleTaskWorkflowPrompt,
	)

	// review-escalation: brief an operator on one escalation.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("review-escalation",
			mcplib.WithPromptDescription("Summarize an escalation and the amendment it holds for a human decision"),
			mcplib.WithArgument("escalation_id",
				mcplib.ArgumentDescription("Escalation UUID"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleReviewEscalationPrompt,
	)
}

func (s *Server) handleTaskWorkflowPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	role := request.Params.Arguments["agent_role"]
	category := request.Params.Arguments["category"]
	if role == "" || category == "" {
		return nil, fmt.Errorf("agent_role and category arguments are required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Instruction workflow for a %s task", category),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Before starting this %[2]s task:

1. CALL governor_instructions with agent_role="%[1]s" and category="%[2]s".
   Follow every instruction returned. They were learned from your own task
   history and approved for your role.

2. PERFORM the task.

3. CALL governor_record_task with agent_role="%[1]s", category="%[2]s",
   a unique task_id, success, and a failure_reason if it failed.
   Report honestly: failed tasks are how instructions improve, and
   amendments on trial are judged by these outcomes.`, role, category),
				},
			},
		},
	}, nil
}

func (s *Server) handleReviewEscalationPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	id, err := uuid.Parse(request.Params.Arguments["escalation_id"])
	if err != nil {
		return nil, fmt.Errorf("escalation_id must be a UUID")
	}
	esc, err := s.svc.Escalation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: review escalation: %w", err)
	}

	amendmentText := "(no amendment attached)"
	if esc.AmendmentID != nil {
		if a, err := s.svc.Amendment(ctx, *esc.AmendmentID); err == nil {
			amendmentText = fmt.Sprintf("%s amendment for trigger %q:\n%s", a.AmendmentType, a.TriggerPattern, a.InstructionDelta)
		}
	}
	analysis, _ := json.MarshalIndent(esc.Analysis, "", "  ")

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Review %s escalation for %s", esc.Type, esc.AgentRole),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`An amendment for the %s agent was escalated (%s) and needs a human decision.

Proposed change:
%s

Analysis:
%s

Decide with governor_resolve_escalation using escalation_id="%s":
- approve activates the amendment and starts its evaluation window
- reject or dismiss discards it`, esc.AgentRole, esc.Type, amendmentText, analysis, esc.ID),
				},
			},
		},
	}, nil
}
