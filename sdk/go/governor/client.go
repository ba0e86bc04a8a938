package governor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ActorHeader names the operator performing a mutating request.
const ActorHeader = "X-Actor"

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the governor server (e.g. "http://localhost:8080").
	BaseURL string

	// Actor is sent in the X-Actor header and recorded as approver or
	// resolver. The server substitutes "operator" when empty.
	Actor string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the governance API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	actor   string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("governor: BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("governor: invalid BaseURL: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		actor:   cfg.Actor,
		client:  httpClient,
	}, nil
}

// ---------------------------------------------------------------------------
// Agents
// ---------------------------------------------------------------------------

// ListAgents returns every governed agent.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var resp []Agent
	if err := c.get(ctx, "/v1/agents", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetAgent returns an agent together with its effective knowledge.
func (c *Client) GetAgent(ctx context.Context, role string) (*AgentView, error) {
	var resp AgentView
	if err := c.get(ctx, "/v1/agents/"+url.PathEscape(role), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Knowledge returns an agent's effective knowledge.
func (c *Client) Knowledge(ctx context.Context, role string) (*EffectiveKnowledge, error) {
	var resp EffectiveKnowledge
	if err := c.get(ctx, "/v1/agents/"+url.PathEscape(role)+"/knowledge", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Instructions returns the active amendments that apply to a task in the
// given category. An empty category matches only uncategorized triggers.
func (c *Client) Instructions(ctx context.Context, role, category string) ([]Amendment, error) {
	path := "/v1/agents/" + url.PathEscape(role) + "/instructions"
	if category != "" {
		path += "?" + url.Values{"category": {category}}.Encode()
	}
	var resp []Amendment
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ---------------------------------------------------------------------------
// Amendments
// ---------------------------------------------------------------------------

// AmendmentOptions are optional filters for ListAmendments.
type AmendmentOptions struct {
	AgentRole        string
	ApprovalStatus   string
	EvaluationStatus string
	Active           *bool
	TriggerPattern   string
	Limit            int
}

// ListAmendments returns amendments matching opts, newest first.
func (c *Client) ListAmendments(ctx context.Context, opts *AmendmentOptions) ([]Amendment, error) {
	params := url.Values{}
	if opts != nil {
		setIf(params, "agent_role", opts.AgentRole)
		setIf(params, "approval_status", opts.ApprovalStatus)
		setIf(params, "evaluation_status", opts.EvaluationStatus)
		setIf(params, "trigger_pattern", opts.TriggerPattern)
		if opts.Active != nil {
			params.Set("active", strconv.FormatBool(*opts.Active))
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
	}
	var resp []Amendment
	if err := c.get(ctx, withQuery("/v1/amendments", params), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// PendingAmendments returns amendments awaiting human approval. An empty
// role lists them for every agent.
func (c *Client) PendingAmendments(ctx context.Context, role string) ([]Amendment, error) {
	params := url.Values{}
	setIf(params, "agent_role", role)
	var resp []Amendment
	if err := c.get(ctx, withQuery("/v1/amendments/pending", params), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetAmendment returns one amendment.
func (c *Client) GetAmendment(ctx context.Context, id uuid.UUID) (*Amendment, error) {
	var resp Amendment
	if err := c.get(ctx, "/v1/amendments/"+id.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Progress returns how far an amendment is through its evaluation window.
func (c *Client) Progress(ctx context.Context, id uuid.UUID) (*EvaluationProgress, error) {
	var resp EvaluationProgress
	if err := c.get(ctx, "/v1/amendments/"+id.String()+"/progress", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Versions returns the revision chain containing id, oldest first.
func (c *Client) Versions(ctx context.Context, id uuid.UUID) ([]Amendment, error) {
	var resp []Amendment
	if err := c.get(ctx, "/v1/amendments/"+id.String()+"/versions", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Approve approves a pending amendment, activating it and starting its
// evaluation window.
func (c *Client) Approve(ctx context.Context, id uuid.UUID) (*Amendment, error) {
	var resp Amendment
	if err := c.post(ctx, "/v1/amendments/"+id.String()+"/approve", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Reject rejects a pending amendment.
func (c *Client) Reject(ctx context.Context, id uuid.UUID) (*Amendment, error) {
	var resp Amendment
	if err := c.post(ctx, "/v1/amendments/"+id.String()+"/reject", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Revise stores a new pending version of an amendment.
func (c *Client) Revise(ctx context.Context, id uuid.UUID, changes AmendmentChanges) (*Amendment, error) {
	var resp Amendment
	if err := c.post(ctx, "/v1/amendments/"+id.String()+"/revise", changes, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Escalations and safety
// ---------------------------------------------------------------------------

// EscalationOptions are optional filters for ListEscalations. The server
// lists pending escalations when Status is empty.
type EscalationOptions struct {
	Status    string
	AgentRole string
	Type      string
	Limit     int
}

// ListEscalations returns escalations matching opts, newest first.
func (c *Client) ListEscalations(ctx context.Context, opts *EscalationOptions) ([]Escalation, error) {
	params := url.Values{}
	if opts != nil {
		setIf(params, "status", opts.Status)
		setIf(params, "agent_role", opts.AgentRole)
		setIf(params, "type", opts.Type)
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
	}
	var resp []Escalation
	if err := c.get(ctx, withQuery("/v1/escalations", params), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ResolveEscalation applies action (ResolveApprove, ResolveReject or
// ResolveDismiss) to a pending escalation.
func (c *Client) ResolveEscalation(ctx context.Context, id uuid.UUID, action, notes string) (*Resolution, error) {
	body := map[string]string{"action": action}
	if notes != "" {
		body["notes"] = notes
	}
	var resp Resolution
	if err := c.post(ctx, "/v1/escalations/"+id.String()+"/resolve", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SafetyEventOptions are optional filters for SafetyEvents.
type SafetyEventOptions struct {
	AgentRole      string
	ConstraintType string
	Since          time.Time
	Limit          int
}

// SafetyEvents returns the safety audit log, newest first.
func (c *Client) SafetyEvents(ctx context.Context, opts *SafetyEventOptions) ([]SafetyEvent, error) {
	params := url.Values{}
	if opts != nil {
		setIf(params, "agent_role", opts.AgentRole)
		setIf(params, "constraint_type", opts.ConstraintType)
		if !opts.Since.IsZero() {
			params.Set("since", opts.Since.UTC().Format(time.RFC3339))
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
	}
	var resp []SafetyEvent
	if err := c.get(ctx, withQuery("/v1/safety-events", params), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ---------------------------------------------------------------------------
// Ingestion and triggers
// ---------------------------------------------------------------------------

// RecordTask reports one task outcome.
func (c *Client) RecordTask(ctx context.Context, task TaskOutcome) (*TaskOutcomeResult, error) {
	var resp TaskOutcomeResult
	if err := c.post(ctx, "/v1/tasks", task, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RecordTasks reports up to 500 outcomes. Items are keyed by task ID and
// fail independently.
func (c *Client) RecordTasks(ctx context.Context, tasks []TaskOutcome) ([]BatchItem, error) {
	body := map[string]any{"tasks": tasks}
	var resp []BatchItem
	if err := c.post(ctx, "/v1/tasks/batch", body, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// SubmitRecommendation turns a recommendation into an amendment and
// returns the approval routing taken for it.
func (c *Client) SubmitRecommendation(ctx context.Context, rec Recommendation) (*Decision, error) {
	var resp Decision
	if err := c.post(ctx, "/v1/recommendations", rec, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Review runs a review cycle over every agent. Items are keyed by role.
func (c *Client) Review(ctx context.Context) ([]BatchItem, error) {
	var resp []BatchItem
	if err := c.post(ctx, "/v1/review", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ReviewAgent runs a review of a single agent.
func (c *Client) ReviewAgent(ctx context.Context, role string) (*AgentReview, error) {
	path := withQuery("/v1/review", url.Values{"agent_role": {role}})
	var resp AgentReview
	if err := c.post(ctx, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Sweep reverts amendments whose evaluation window timed out.
func (c *Client) Sweep(ctx context.Context) (*SweepResult, error) {
	var resp SweepResult
	if err := c.post(ctx, "/v1/sweep", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the server's health status. A 503 is returned as an error.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func setIf(params url.Values, key, value string) {
	if value != "" {
		params.Set(key, value)
	}
}

func withQuery(path string, params url.Values) string {
	if len(params) == 0 {
		return path
	}
	return path + "?" + params.Encode()
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("governor: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("governor: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.actor != "" {
		req.Header.Set(ActorHeader, c.actor)
	}

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("governor: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("governor: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("governor: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("governor: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return fmt.Errorf("governor: response has no data")
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Details = envelope.Error.Details
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
