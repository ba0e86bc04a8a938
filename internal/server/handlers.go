package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/cognalith/governor/internal/amendment"
	"github.com/cognalith/governor/internal/ctxutil"
	"github.com/cognalith/governor/internal/model"
	"github.com/cognalith/governor/internal/service/governor"
)

// maxBatchSize bounds POST /v1/tasks/batch.
const maxBatchSize = 500

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	svc                 *governor.Service
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Service             *governor.Service
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	if d.MaxRequestBodyBytes <= 0 {
		d.MaxRequestBodyBytes = 1 << 20
	}
	return &Handlers{
		svc:                 d.Service,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Store   string `json:"store"`
	Uptime  int64  `json:"uptime_seconds"`
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "healthy",
		Version: h.version,
		Store:   "connected",
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}
	status := http.StatusOK
	if err := h.svc.Ping(r.Context()); err != nil {
		resp.Status = "unhealthy"
		resp.Store = "disconnected"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// --- Agents ---

// HandleListAgents handles GET /v1/agents.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.svc.Agents(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, agents)
}

// HandleGetAgent handles GET /v1/agents/{role}.
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	role, ok := pathRole(w, r)
	if !ok {
		return
	}
	view, err := h.svc.Agent(r.Context(), role)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, view)
}

// HandleAgentKnowledge handles GET /v1/agents/{role}/knowledge.
func (h *Handlers) HandleAgentKnowledge(w http.ResponseWriter, r *http.Request) {
	role, ok := pathRole(w, r)
	if !ok {
		return
	}
	view, err := h.svc.Agent(r.Context(), role)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, view.Knowledge)
}

// HandleAgentInstructions handles GET /v1/agents/{role}/instructions?category=.
func (h *Handlers) HandleAgentInstructions(w http.ResponseWriter, r *http.Request) {
	role, ok := pathRole(w, r)
	if !ok {
		return
	}
	out, err := h.svc.ApplicableInstructions(r.Context(), role, r.URL.Query().Get("category"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

// --- Amendments ---

// HandleListAmendments handles GET /v1/amendments.
func (h *Handlers) HandleListAmendments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	active, err := queryBool(r, "active")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	out, err := h.svc.Amendments(r.Context(), model.AmendmentFilter{
		AgentRole:        q.Get("agent_role"),
		ApprovalStatus:   model.ApprovalStatus(q.Get("approval_status")),
		EvaluationStatus: model.EvaluationStatus(q.Get("evaluation_status")),
		Active:           active,
		TriggerPattern:   q.Get("trigger_pattern"),
		Limit:            queryLimit(r, 100),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandlePendingAmendments handles GET /v1/amendments/pending.
func (h *Handlers) HandlePendingAmendments(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.PendingAmendments(r.Context(), r.URL.Query().Get("agent_role"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleGetAmendment handles GET /v1/amendments/{id}.
func (h *Handlers) HandleGetAmendment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	a, err := h.svc.Amendment(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, a)
}

// HandleEvaluationProgress handles GET /v1/amendments/{id}/progress.
func (h *Handlers) HandleEvaluationProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := h.svc.EvaluationProgress(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, p)
}

// HandleVersionChain handles GET /v1/amendments/{id}/versions.
func (h *Handlers) HandleVersionChain(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	chain, err := h.svc.VersionChain(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, chain)
}

// HandleApproveAmendment handles POST /v1/amendments/{id}/approve.
func (h *Handlers) HandleApproveAmendment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	a, err := h.svc.ApproveAmendment(r.Context(), id, ctxutil.ActorFromContext(r.Context()))
	h.audit(r, "approve_amendment", id.String(), err)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, a)
}

// HandleRejectAmendment handles POST /v1/amendments/{id}/reject.
func (h *Handlers) HandleRejectAmendment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	a, err := h.svc.RejectAmendment(r.Context(), id, ctxutil.ActorFromContext(r.Context()))
	h.audit(r, "reject_amendment", id.String(), err)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, a)
}

// HandleReviseAmendment handles POST /v1/amendments/{id}/revise.
func (h *Handlers) HandleReviseAmendment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var changes amendment.Changes
	if err := decodeJSON(w, r, &changes, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	a, err := h.svc.ReviseAmendment(r.Context(), id, changes)
	h.audit(r, "revise_amendment", id.String(), err)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, a)
}

// --- Escalations ---

// HandleListEscalations handles GET /v1/escalations.
func (h *Handlers) HandleListEscalations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := model.EscalationStatus(q.Get("status"))
	if !q.Has("status") {
		status = model.EscalationPending
	}
	out, err := h.svc.Escalations(r.Context(), model.EscalationFilter{
		AgentRole: q.Get("agent_role"),
		Type:      model.EscalationType(q.Get("type")),
		Status:    status,
		Limit:     queryLimit(r, 100),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

type resolveEscalationRequest struct {
	Action model.ResolveAction `json:"action"`
	Notes  string              `json:"notes,omitempty"`
}

// HandleResolveEscalation handles POST /v1/escalations/{id}/resolve.
func (h *Handlers) HandleResolveEscalation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req resolveEscalationRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	res, err := h.svc.ResolveEscalation(r.Context(), id, model.Resolution{
		Action: req.Action,
		Actor:  ctxutil.ActorFromContext(r.Context()),
		Notes:  req.Notes,
	})
	h.audit(r, "resolve_escalation:"+string(req.Action), id.String(), err)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// --- Safety ---

// HandleListSafetyEvents handles GET /v1/safety-events.
func (h *Handlers) HandleListSafetyEvents(w http.ResponseWriter, r *http.Request) {
	since, err := queryTime(r, "since")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	q := r.URL.Query()
	out, err := h.svc.SafetyEvents(r.Context(), model.SafetyEventFilter{
		AgentRole:      q.Get("agent_role"),
		ConstraintType: model.ConstraintType(q.Get("constraint_type")),
		Since:          since,
		Limit:          queryLimit(r, 100),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

// --- Ingestion and triggers ---

// HandleRecordTask handles POST /v1/tasks.
func (h *Handlers) HandleRecordTask(w http.ResponseWriter, r *http.Request) {
	var req model.TaskOutcomeRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	res, err := h.svc.RecordTaskOutcome(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, res)
}

type taskBatchRequest struct {
	Tasks []model.TaskOutcomeRequest `json:"tasks"`
}

// HandleRecordTasks handles POST /v1/tasks/batch. Items succeed or fail
// independently.
func (h *Handlers) HandleRecordTasks(w http.ResponseWriter, r *http.Request) {
	var req taskBatchRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if len(req.Tasks) == 0 || len(req.Tasks) > maxBatchSize {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("tasks must contain between 1 and %d items", maxBatchSize))
		return
	}
	writeJSON(w, r, http.StatusOK, model.BatchItems(h.svc.RecordTaskOutcomes(r.Context(), req.Tasks)))
}

// HandleSubmitRecommendation handles POST /v1/recommendations.
func (h *Handlers) HandleSubmitRecommendation(w http.ResponseWriter, r *http.Request) {
	var rec model.Recommendation
	if err := decodeJSON(w, r, &rec, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	d, err := h.svc.SubmitRecommendation(r.Context(), rec)
	h.audit(r, "submit_recommendation", rec.AgentRole, err)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, d)
}

// HandleReview handles POST /v1/review. With ?agent_role= only that agent
// is reviewed.
func (h *Handlers) HandleReview(w http.ResponseWriter, r *http.Request) {
	if role := r.URL.Query().Get("agent_role"); role != "" {
		review, err := h.svc.ReviewAgent(r.Context(), role)
		h.audit(r, "review_agent", role, err)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, review)
		return
	}
	results, err := h.svc.ReviewCycle(r.Context())
	h.audit(r, "review_cycle", "", err)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.BatchItems(results))
}

// HandleSweep handles POST /v1/sweep.
func (h *Handlers) HandleSweep(w http.ResponseWriter, r *http.Request) {
	reverted, err := h.svc.Sweep(r.Context())
	h.audit(r, "sweep", "", err)
	if reverted == nil {
		reverted = []model.Reversion{}
	}
	resp := map[string]any{"reverted": reverted}
	if err != nil {
		if len(reverted) == 0 {
			h.writeServiceError(w, r, err)
			return
		}
		// Partial sweep: report what was reverted along with the failure.
		resp["error"] = err.Error()
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// --- Shared helpers ---

func (h *Handlers) audit(r *http.Request, operation, resource string, err error) {
	ctxutil.NewAuditMeta(r.Context(), "http", operation, resource).Log(r.Context(), h.logger, err)
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.PathValue("id")
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, fmt.Sprintf("invalid id: %q", raw))
		return uuid.Nil, false
	}
	return id, true
}

func pathRole(w http.ResponseWriter, r *http.Request) (string, bool) {
	role := r.PathValue("role")
	if err := model.ValidateRole(role); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return "", false
	}
	return role, true
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 500

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a limit clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: expected RFC3339 format (e.g. 2026-01-01T00:00:00Z)", key)
	}
	return &t, nil
}

func queryBool(r *http.Request, key string) (*bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: expected true or false", key)
	}
	return &b, nil
}
