package mcp

import (
	"github.com/cognalith/governor/internal/model"
)

const maxCompactDelta = 300

// compactAmendment returns the fields an agent acts on. Hashes, snapshots
// and bookkeeping timestamps are dropped.
func compactAmendment(a model.Amendment) map[string]any {
	m := map[string]any{
		"id":                a.ID,
		"agent_role":        a.AgentRole,
		"trigger_pattern":   a.TriggerPattern,
		"amendment_type":    a.AmendmentType,
		"instruction_delta": truncate(a.InstructionDelta, maxCompactDelta),
		"approval_status":   a.ApprovalStatus,
		"evaluation_status": a.EvaluationStatus,
		"is_active":         a.IsActive,
		"version":           a.Version,
	}
	if a.Mutation.TargetArea != "" {
		m["target_area"] = a.Mutation.TargetArea
	}
	if a.EvaluationStatus == model.EvaluationEvaluating {
		m["tasks_evaluated"] = a.TasksEvaluated
		m["evaluation_window"] = a.EvaluationWindow
	}
	if a.RevertReason != "" {
		m["revert_reason"] = a.RevertReason
	}
	return m
}

func compactAmendments(as []model.Amendment) []map[string]any {
	out := make([]map[string]any, len(as))
	for i, a := range as {
		out[i] = compactAmendment(a)
	}
	return out
}

// compactEscalation keeps the identifying fields and the analysis summary.
func compactEscalation(e model.Escalation) map[string]any {
	m := map[string]any{
		"id":         e.ID,
		"type":       e.Type,
		"agent_role": e.AgentRole,
		"status":     e.Status,
		"created_at": e.CreatedAt,
	}
	if e.AmendmentID != nil {
		m["amendment_id"] = *e.AmendmentID
	}
	if trigger, ok := e.Analysis["trigger_pattern"]; ok {
		m["trigger_pattern"] = trigger
	}
	return m
}

func compactEscalations(es []model.Escalation) []map[string]any {
	out := make([]map[string]any, len(es))
	for i, e := range es {
		out[i] = compactEscalation(e)
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
