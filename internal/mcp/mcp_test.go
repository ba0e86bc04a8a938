package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognalith/governor/internal/approval"
	"github.com/cognalith/governor/internal/ctxutil"
	"github.com/cognalith/governor/internal/model"
	"github.com/cognalith/governor/internal/service/governor"
	"github.com/cognalith/governor/internal/testutil"
)

func newTestServer(t *testing.T, mode approval.Mode) *Server {
	t.Helper()
	store := testutil.NewSQLite(t)
	svc, _ := governor.Assemble(store, governor.Assembly{ApprovalMode: mode, Logger: testutil.TestLogger()})
	require.NoError(t, svc.Bootstrap(context.Background(), []model.Agent{
		{Role: "cfo", DisplayName: "Chief Financial Officer", BaseKnowledge: "You are the CFO."},
	}))
	return New(svc, testutil.TestLogger(), "test")
}

func callTool(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: name, Arguments: args},
	}
}

func resultText(t *testing.T, res *mcplib.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcplib.TextContent)
	require.True(t, ok, "expected text content")
	return tc.Text
}

func decode(t *testing.T, res *mcplib.CallToolResult) map[string]any {
	t.Helper()
	require.False(t, res.IsError, resultText(t, res))
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	return out
}

func recommendArgs(content, trigger string) map[string]any {
	return map[string]any{
		"agent_role":        "cfo",
		"type":              "best_practice",
		"content":           content,
		"targeting_pattern": trigger,
		"target_area":       "Expense Reports",
		"expected_impact":   "Fewer rejected expense reports",
		"reasoning":         "Auditors reject reports without receipts",
		"sources":           []any{"https://example.com/expense-policy"},
	}
}

func TestRecordTaskAndInstructions(t *testing.T) {
	s := newTestServer(t, approval.ModeAutonomous)
	ctx := context.Background()

	res, err := s.handleRecordTask(ctx, callTool("governor_record_task", map[string]any{
		"agent_role":     "cfo",
		"task_id":        "t-1",
		"category":       "expense_report",
		"success":        false,
		"failure_reason": "missing receipts",
		"quality_score":  0.4,
	}))
	require.NoError(t, err)
	out := decode(t, res)
	assert.Equal(t, "recorded", out["status"])
	assert.EqualValues(t, 1, out["consecutive_failures"])

	res, err = s.handleRecordTask(ctx, callTool("governor_record_task", map[string]any{
		"agent_role": "cfo", "task_id": "t-2", "category": "expense_report", "quality_score": 3.0,
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleInstructions(ctx, callTool("governor_instructions", map[string]any{
		"agent_role": "cfo", "category": "expense_report", "include_knowledge": true,
	}))
	require.NoError(t, err)
	out = decode(t, res)
	assert.Empty(t, out["instructions"])
	assert.Contains(t, out["effective_knowledge"], "You are the CFO.")

	res, err = s.handleInstructions(ctx, callTool("governor_instructions", map[string]any{"agent_role": "Not A Role"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestRecommendThenDecide(t *testing.T) {
	s := newTestServer(t, approval.ModeStrict)
	ctx := ctxutil.WithActor(context.Background(), "ceo")

	res, err := s.handleRecommend(ctx, callTool("governor_recommend",
		recommendArgs("Attach itemized receipts to every expense report before submission.", "missing_receipts")))
	require.NoError(t, err)
	out := decode(t, res)
	assert.Equal(t, string(approval.OutcomePendingApproval), out["outcome"])
	id := out["amendment"].(map[string]any)["id"].(string)

	res, err = s.handleQueue(ctx, callTool("governor_queue", nil))
	require.NoError(t, err)
	out = decode(t, res)
	require.Len(t, out["pending_amendments"], 1)

	res, err = s.handleDecide(ctx, callTool("governor_decide", map[string]any{"amendment_id": id, "action": "approve"}))
	require.NoError(t, err)
	out = decode(t, res)
	assert.Equal(t, true, out["is_active"])
	assert.Equal(t, string(model.EvaluationEvaluating), out["evaluation_status"])

	res, err = s.handleDecide(ctx, callTool("governor_decide", map[string]any{"amendment_id": id, "action": "approve"}))
	require.NoError(t, err)
	assert.True(t, res.IsError, "already approved")

	res, err = s.handleProgress(ctx, callTool("governor_progress", map[string]any{"amendment_id": id}))
	require.NoError(t, err)
	out = decode(t, res)
	assert.EqualValues(t, model.DefaultEvaluationWindow, out["remaining"])

	res, err = s.handleInstructions(ctx, callTool("governor_instructions", map[string]any{
		"agent_role": "cfo", "category": "missing_receipts",
	}))
	require.NoError(t, err)
	out = decode(t, res)
	assert.Len(t, out["instructions"], 1)
}

func TestRecommendBlockedBySafety(t *testing.T) {
	s := newTestServer(t, approval.ModeAutonomous)
	res, err := s.handleRecommend(context.Background(), callTool("governor_recommend",
		recommendArgs("Disable safety checks for faster processing.", "bypass_approval_gate")))
	require.NoError(t, err)
	require.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "blocked by safety checks")

	res, err = s.handleSafetyEvents(context.Background(), callTool("governor_safety_events", map[string]any{"agent_role": "cfo"}))
	require.NoError(t, err)
	out := decode(t, res)
	assert.NotZero(t, out["total"])
}

func TestInvalidIDs(t *testing.T) {
	s := newTestServer(t, approval.ModeAutonomous)
	ctx := context.Background()

	for _, tc := range []struct {
		name string
		call func() (*mcplib.CallToolResult, error)
	}{
		{"decide", func() (*mcplib.CallToolResult, error) {
			return s.handleDecide(ctx, callTool("governor_decide", map[string]any{"amendment_id": "nope", "action": "approve"}))
		}},
		{"decide unknown action", func() (*mcplib.CallToolResult, error) {
			return s.handleDecide(ctx, callTool("governor_decide", map[string]any{"amendment_id": uuid.NewString(), "action": "maybe"}))
		}},
		{"resolve", func() (*mcplib.CallToolResult, error) {
			return s.handleResolveEscalation(ctx, callTool("governor_resolve_escalation", map[string]any{"escalation_id": "nope", "action": "approve"}))
		}},
		{"resolve missing", func() (*mcplib.CallToolResult, error) {
			return s.handleResolveEscalation(ctx, callTool("governor_resolve_escalation", map[string]any{"escalation_id": uuid.NewString(), "action": "approve"}))
		}},
		{"progress", func() (*mcplib.CallToolResult, error) {
			return s.handleProgress(ctx, callTool("governor_progress", map[string]any{"amendment_id": uuid.NewString()}))
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			res, err := tc.call()
			require.NoError(t, err)
			assert.True(t, res.IsError)
		})
	}
}

func TestReviewTool(t *testing.T) {
	s := newTestServer(t, approval.ModeAutonomous)
	res, err := s.handleReview(context.Background(), callTool("governor_review", map[string]any{"agent_role": "cfo"}))
	require.NoError(t, err)
	out := decode(t, res)
	assert.Equal(t, "cfo", out["agent_role"])

	res, err = s.handleReview(context.Background(), callTool("governor_review", nil))
	require.NoError(t, err)
	require.False(t, res.IsError)
	var items []model.BatchItem
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &items))
	require.Len(t, items, 1)
	assert.Equal(t, "cfo", items[0].Key)
}

func TestResources(t *testing.T) {
	s := newTestServer(t, approval.ModeAutonomous)
	ctx := context.Background()

	contents, err := s.handleAgents(ctx, mcplib.ReadResourceRequest{})
	require.NoError(t, err)
	require.Len(t, contents, 1)
	assert.Contains(t, contents[0].(mcplib.TextResourceContents).Text, `"role": "cfo"`)

	req := mcplib.ReadResourceRequest{}
	req.Params.URI = "governor://agent/cfo/knowledge"
	contents, err = s.handleAgentKnowledge(ctx, req)
	require.NoError(t, err)
	assert.Contains(t, contents[0].(mcplib.TextResourceContents).Text, "You are the CFO.")

	req.Params.URI = "governor://agent/ghost/knowledge"
	_, err = s.handleAgentKnowledge(ctx, req)
	assert.Error(t, err)

	contents, err = s.handlePendingEscalations(ctx, mcplib.ReadResourceRequest{})
	require.NoError(t, err)
	var pending []any
	require.NoError(t, json.Unmarshal([]byte(contents[0].(mcplib.TextResourceContents).Text), &pending))
	assert.Empty(t, pending)
}

func TestRoleFromKnowledgeURI(t *testing.T) {
	tests := []struct {
		uri  string
		role string
		ok   bool
	}{
		{"governor://agent/cfo/knowledge", "cfo", true},
		{"governor://agent/head_of_ops/knowledge", "head_of_ops", true},
		{"governor://agent/CFO/knowledge", "", false},
		{"governor://agent//knowledge", "", false},
		{"governor://agents", "", false},
		{"governor://agent/cfo", "", false},
	}
	for _, tt := range tests {
		role, ok := roleFromKnowledgeURI(tt.uri)
		assert.Equal(t, tt.ok, ok, tt.uri)
		assert.Equal(t, tt.role, role, tt.uri)
	}
}

func TestPrompts(t *testing.T) {
	s := newTestServer(t, approval.ModeAutonomous)
	ctx := context.Background()

	req := mcplib.GetPromptRequest{}
	req.Params.Arguments = map[string]string{"agent_role": "cfo", "category": "expense_report"}
	res, err := s.handleTaskWorkflowPrompt(ctx, req)
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	assert.Contains(t, res.Messages[0].Content.(mcplib.TextContent).Text, `governor_record_task with agent_role="cfo"`)

	req.Params.Arguments = map[string]string{"agent_role": "cfo"}
	_, err = s.handleTaskWorkflowPrompt(ctx, req)
	assert.Error(t, err)

	req.Params.Arguments = map[string]string{"escalation_id": uuid.NewString()}
	_, err = s.handleReviewEscalationPrompt(ctx, req)
	assert.Error(t, err)
}

func TestCompactAmendmentTruncates(t *testing.T) {
	a := testutil.Amendment("cfo", "missing_receipts")
	long := make([]rune, maxCompactDelta+10)
	for i := range long {
		long[i] = 'x'
	}
	a.InstructionDelta = string(long)
	m := compactAmendment(a)
	assert.Len(t, []rune(m["instruction_delta"].(string)), maxCompactDelta+3)
	assert.NotContains(t, m, "tasks_evaluated")
}
