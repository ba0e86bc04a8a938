package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognalith/governor/api"
	"github.com/cognalith/governor/internal/approval"
	"github.com/cognalith/governor/internal/mcp"
	"github.com/cognalith/governor/internal/model"
	"github.com/cognalith/governor/internal/ratelimit"
	"github.com/cognalith/governor/internal/server"
	"github.com/cognalith/governor/internal/service/governor"
	"github.com/cognalith/governor/internal/testutil"
)

type testEnv struct {
	srv *httptest.Server
}

type envOptions struct {
	mode  approval.Mode
	burst int
}

func newEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	if opts.burst == 0 {
		opts.burst = 100
	}
	logger := testutil.TestLogger()
	store := testutil.NewSQLite(t)
	svc, _ := governor.Assemble(store, governor.Assembly{ApprovalMode: opts.mode, Logger: logger})
	require.NoError(t, svc.Bootstrap(context.Background(), []model.Agent{
		{Role: "cfo", DisplayName: "Chief Financial Officer", BaseKnowledge: "You are the CFO."},
		{Role: "cto", DisplayName: "Chief Technology Officer", BaseKnowledge: "You are the CTO."},
	}))

	// A near-zero refill rate makes the burst the whole budget for a test.
	limiter := ratelimit.NewMemoryLimiter(0.001, opts.burst)
	t.Cleanup(func() { _ = limiter.Close() })

	srv := server.New(server.ServerConfig{
		Service:             svc,
		Logger:              logger,
		Limiter:             limiter,
		MCPServer:           mcp.New(svc, logger, "test").MCPServer(),
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
		OpenAPISpec:         api.OpenAPISpec,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{srv: ts}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, actor string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if actor != "" {
		req.Header.Set(server.ActorHeader, actor)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// data decodes the data field of a success envelope into target.
func data(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	var env struct {
		Data json.RawMessage    `json:"data"`
		Meta model.ResponseMeta `json:"meta"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.NotEmpty(t, env.Meta.RequestID)
	require.NoError(t, json.Unmarshal(env.Data, target))
}

func apiError(t *testing.T, resp *http.Response) model.ErrorDetail {
	t.Helper()
	var env model.APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env.Error
}

func recommendation(content, trigger string) model.Recommendation {
	return model.Recommendation{
		AgentRole:        "cfo",
		Type:             "process_improvement",
		Content:          content,
		TargetingPattern: trigger,
		TargetArea:       "Accounts Payable",
		ExpectedImpact:   "Fewer late payments",
		Reasoning:        "Late payments cluster at month end.",
		Sources:          []string{"https://example.com/ap-guide"},
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newEnv(t, envOptions{mode: approval.ModeAutonomous})
	resp := env.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
		Store   string `json:"store"`
	}
	data(t, resp, &health)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "test", health.Version)
	assert.Equal(t, "connected", health.Store)
}

func TestOpenAPIEndpoint(t *testing.T) {
	env := newEnv(t, envOptions{mode: approval.ModeAutonomous})
	resp := env.do(t, http.MethodGet, "/openapi.yaml", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "openapi:")
}

func TestAgentEndpoints(t *testing.T) {
	env := newEnv(t, envOptions{mode: approval.ModeAutonomous})

	resp := env.do(t, http.MethodGet, "/v1/agents", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var agents []model.Agent
	data(t, resp, &agents)
	require.Len(t, agents, 2)

	resp = env.do(t, http.MethodGet, "/v1/agents/cfo/knowledge", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var effective struct {
		Knowledge string `json:"effective_knowledge"`
	}
	data(t, resp, &effective)
	assert.Contains(t, effective.Knowledge, "You are the CFO.")

	resp = env.do(t, http.MethodGet, "/v1/agents/ghost", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, apiError(t, resp).Code)

	resp = env.do(t, http.MethodGet, "/v1/agents/Not%20A%20Role", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRecordTasks(t *testing.T) {
	env := newEnv(t, envOptions{mode: approval.ModeAutonomous})

	resp := env.do(t, http.MethodPost, "/v1/tasks", model.TaskOutcomeRequest{
		AgentRole:     "cfo",
		TaskID:        "t-1",
		Category:      "vendor_payments",
		FailureReason: "invoice missing",
		QualityScore:  0.2,
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var res governor.TaskOutcomeResult
	data(t, resp, &res)
	assert.Equal(t, 1, res.ConsecutiveFailures)
	assert.Equal(t, "t-1", res.Entry.TaskID)

	resp = env.do(t, http.MethodPost, "/v1/tasks", model.TaskOutcomeRequest{
		AgentRole: "ghost", TaskID: "t-2", Category: "vendor_payments", Success: true,
	}, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/v1/tasks", model.TaskOutcomeRequest{
		AgentRole: "cfo", TaskID: "t-3", Category: "vendor_payments", QualityScore: 4,
	}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, apiError(t, resp).Code)

	resp = env.do(t, http.MethodPost, "/v1/tasks/batch", map[string]any{
		"tasks": []model.TaskOutcomeRequest{
			{AgentRole: "cfo", TaskID: "t-4", Category: "forecast", Success: true, QualityScore: 0.9},
			{AgentRole: "ghost", TaskID: "t-5", Category: "forecast", Success: true},
		},
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var items []model.BatchItem
	data(t, resp, &items)
	require.Len(t, items, 2)
	assert.Equal(t, "t-4", items[0].Key)
	assert.Empty(t, items[0].Error)
	assert.Equal(t, "t-5", items[1].Key)
	assert.NotEmpty(t, items[1].Error)

	resp = env.do(t, http.MethodPost, "/v1/tasks/batch", map[string]any{"tasks": []any{}}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRequestBodyValidation(t *testing.T) {
	env := newEnv(t, envOptions{mode: approval.ModeAutonomous})

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/v1/tasks", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2 := env.do(t, http.MethodPost, "/v1/tasks", map[string]any{"agent_role": "cfo", "unknown": 1}, "")
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestRecommendationLifecycle(t *testing.T) {
	env := newEnv(t, envOptions{mode: approval.ModeStrict})
	rec := recommendation("Schedule vendor invoices for review in the first week of the month.", "repeated_failure:vendor_payments")

	resp := env.do(t, http.MethodPost, "/v1/recommendations", rec, "ceo")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var d approval.Decision
	data(t, resp, &d)
	assert.Equal(t, approval.OutcomePendingApproval, d.Outcome)
	assert.Equal(t, model.ApprovalPending, d.Amendment.ApprovalStatus)
	id := d.Amendment.ID

	resp = env.do(t, http.MethodGet, "/v1/amendments/pending?agent_role=cfo", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pending []model.Amendment
	data(t, resp, &pending)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)

	resp = env.do(t, http.MethodPost, "/v1/amendments/"+id.String()+"/approve", nil, "ceo")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var approved model.Amendment
	data(t, resp, &approved)
	assert.True(t, approved.IsActive)
	assert.Equal(t, "ceo", approved.ApprovedBy)
	assert.Equal(t, model.EvaluationEvaluating, approved.EvaluationStatus)

	resp = env.do(t, http.MethodPost, "/v1/amendments/"+id.String()+"/reject", nil, "ceo")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/v1/amendments/"+id.String()+"/progress", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var progress model.EvaluationProgress
	data(t, resp, &progress)
	assert.Equal(t, model.DefaultEvaluationWindow, progress.Remaining)

	resp = env.do(t, http.MethodGet, "/v1/agents/cfo/instructions?category=vendor_payments", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var instructions []model.Amendment
	data(t, resp, &instructions)
	require.Len(t, instructions, 1)

	// Same trigger again: duplicate of an active amendment.
	resp = env.do(t, http.MethodPost, "/v1/recommendations", rec, "ceo")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, model.ErrCodeConflict, apiError(t, resp).Code)
}

func TestRejectRecommendation(t *testing.T) {
	env := newEnv(t, envOptions{mode: approval.ModeStrict})

	resp := env.do(t, http.MethodPost, "/v1/recommendations",
		recommendation("Reconcile the petty cash ledger every Friday afternoon.", "repeated_failure:petty_cash"), "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var d approval.Decision
	data(t, resp, &d)

	resp = env.do(t, http.MethodPost, "/v1/amendments/"+d.Amendment.ID.String()+"/reject", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rejected model.Amendment
	data(t, resp, &rejected)
	assert.Equal(t, model.ApprovalRejected, rejected.ApprovalStatus)
	assert.False(t, rejected.IsActive)
}

func TestRecommendationBlockedBySafety(t *testing.T) {
	env := newEnv(t, envOptions{mode: approval.ModeAutonomous})

	resp := env.do(t, http.MethodPost, "/v1/recommendations",
		recommendation("Disable safety checks for faster processing.", "bypass_approval_gate"), "")
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	apiErr := apiError(t, resp)
	assert.Equal(t, model.ErrCodeSafetyViolated, apiErr.Code)
	assert.NotNil(t, apiErr.Details)

	resp = env.do(t, http.MethodGet, "/v1/safety-events?agent_role=cfo", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []model.SafetyEvent
	data(t, resp, &events)
	assert.NotEmpty(t, events)

	resp = env.do(t, http.MethodPost, "/v1/recommendations", model.Recommendation{AgentRole: "cfo"}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInvalidAndUnknownIDs(t *testing.T) {
	env := newEnv(t, envOptions{mode: approval.ModeAutonomous})

	resp := env.do(t, http.MethodGet, "/v1/amendments/not-a-uuid", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/v1/amendments/"+uuid.NewString(), nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/v1/escalations/"+uuid.NewString()+"/resolve",
		map[string]string{"action": "approve"}, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/v1/escalations", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var escalations []model.Escalation
	data(t, resp, &escalations)
	assert.Empty(t, escalations)
}

func TestReviewAndSweep(t *testing.T) {
	env := newEnv(t, envOptions{mode: approval.ModeAutonomous})

	resp := env.do(t, http.MethodPost, "/v1/review", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var items []model.BatchItem
	data(t, resp, &items)
	assert.Len(t, items, 2)

	resp = env.do(t, http.MethodPost, "/v1/review?agent_role=ghost", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/v1/sweep", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sweep struct {
		Reverted []model.Reversion `json:"reverted"`
	}
	data(t, resp, &sweep)
	assert.NotNil(t, sweep.Reverted)
	assert.Empty(t, sweep.Reverted)
}

func TestTriggerRateLimit(t *testing.T) {
	env := newEnv(t, envOptions{mode: approval.ModeAutonomous, burst: 2})

	for range 2 {
		resp := env.do(t, http.MethodPost, "/v1/sweep", nil, "ops")
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp := env.do(t, http.MethodPost, "/v1/sweep", nil, "ops")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	assert.Equal(t, model.ErrCodeRateLimited, apiError(t, resp).Code)

	// Budgets are per actor.
	resp = env.do(t, http.MethodPost, "/v1/sweep", nil, "auditor")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Reads are not limited.
	resp = env.do(t, http.MethodGet, "/v1/agents", nil, "ops")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func newMCPClient(t *testing.T, env *testEnv) *mcpclient.Client {
	t.Helper()
	c, err := mcpclient.NewStreamableHttpClient(
		env.srv.URL+"/mcp",
		mcptransport.WithHTTPHeaders(map[string]string{server.ActorHeader: "ceo"}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.Initialize(context.Background(), mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	require.NoError(t, err)
	return c
}

func TestMCPListTools(t *testing.T) {
	env := newEnv(t, envOptions{mode: approval.ModeAutonomous})
	c := newMCPClient(t, env)

	tools, err := c.ListTools(context.Background(), mcplib.ListToolsRequest{})
	require.NoError(t, err)
	names := make(map[string]bool, len(tools.Tools))
	for _, tool := range tools.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{
		"governor_instructions", "governor_record_task", "governor_recommend",
		"governor_queue", "governor_decide", "governor_resolve_escalation",
		"governor_progress", "governor_safety_events", "governor_review",
	} {
		assert.True(t, names[want], "expected %s tool", want)
	}

	resources, err := c.ListResources(context.Background(), mcplib.ListResourcesRequest{})
	require.NoError(t, err)
	assert.Len(t, resources.Resources, 2)
}

func TestMCPRecordTaskOverHTTP(t *testing.T) {
	env := newEnv(t, envOptions{mode: approval.ModeAutonomous})
	c := newMCPClient(t, env)

	req := mcplib.CallToolRequest{}
	req.Params.Name = "governor_record_task"
	req.Params.Arguments = map[string]any{
		"agent_role":     "cto",
		"task_id":        "deploy-1",
		"category":       "deployments",
		"success":        false,
		"failure_reason": "migration timeout",
	}
	res, err := c.CallTool(context.Background(), req)
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcplib.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, `"consecutive_failures": 1`)

	resp := env.do(t, http.MethodGet, "/v1/agents/cto", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view governor.AgentView
	data(t, resp, &view)
	assert.Equal(t, 1, view.Agent.ConsecutiveFailures)
}
