package governor

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// PerformanceSnapshot is an agent's aggregate task performance.
type PerformanceSnapshot struct {
	SampleSize      int       `json:"sample_size"`
	SuccessRate     float64   `json:"success_rate"`
	AvgQuality      float64   `json:"avg_quality"`
	QualityVariance float64   `json:"quality_variance"`
	AvgDurationMs   float64   `json:"avg_duration_ms"`
	Trend           string    `json:"trend"`
	ComputedAt      time.Time `json:"computed_at"`
}

// Agent mirrors the server's governed agent record.
type Agent struct {
	Role                   string              `json:"role"`
	DisplayName            string              `json:"display_name"`
	BaseKnowledge          string              `json:"base_knowledge"`
	StandardKnowledge      string              `json:"standard_knowledge"`
	Performance            PerformanceSnapshot `json:"performance"`
	ActiveAmendmentCount   int                 `json:"active_amendment_count"`
	ConsecutiveFailures    int                 `json:"consecutive_failures"`
	FailureStreakEscalated bool                `json:"failure_streak_escalated"`
	CreatedAt              time.Time           `json:"created_at"`
	UpdatedAt              time.Time           `json:"updated_at"`
}

// EffectiveKnowledge is an agent's base and standard knowledge with every
// active amendment applied.
type EffectiveKnowledge struct {
	AgentRole    string      `json:"agent_role"`
	Knowledge    string      `json:"effective_knowledge"`
	AmendmentIDs []uuid.UUID `json:"amendment_ids"`
	ComputedAt   time.Time   `json:"computed_at"`
	FromCache    bool        `json:"from_cache"`
}

// AgentView is returned by GetAgent.
type AgentView struct {
	Agent     Agent              `json:"agent"`
	Knowledge EffectiveKnowledge `json:"knowledge"`
}

// KnowledgeMutation describes how an amendment changes knowledge.
type KnowledgeMutation struct {
	Operation  string `json:"operation"`
	TargetArea string `json:"target_area,omitempty"`
	Content    string `json:"content,omitempty"`
}

// Amendment mirrors the server's amendment record.
type Amendment struct {
	ID                  uuid.UUID            `json:"id"`
	AgentRole           string               `json:"agent_role"`
	TriggerPattern      string               `json:"trigger_pattern"`
	Category            string               `json:"category,omitempty"`
	InstructionDelta    string               `json:"instruction_delta"`
	Mutation            KnowledgeMutation    `json:"knowledge_mutation"`
	AmendmentType       string               `json:"amendment_type"`
	PatternConfidence   float64              `json:"pattern_confidence"`
	Source              string               `json:"source"`
	Version             int                  `json:"version"`
	ParentID            *uuid.UUID           `json:"parent_id,omitempty"`
	ApprovalStatus      string               `json:"approval_status"`
	ApprovedBy          string               `json:"approved_by,omitempty"`
	EvaluationStatus    string               `json:"evaluation_status"`
	IsActive            bool                 `json:"is_active"`
	EvaluationWindow    int                  `json:"evaluation_window"`
	TasksEvaluated      int                  `json:"tasks_evaluated"`
	PerformanceBefore   *PerformanceSnapshot `json:"performance_before,omitempty"`
	PerformanceAfter    *PerformanceSnapshot `json:"performance_after,omitempty"`
	ContentHash         string               `json:"content_hash"`
	RevertReason        string               `json:"revert_reason,omitempty"`
	CreatedAt           time.Time            `json:"created_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
	ActivatedAt         *time.Time           `json:"activated_at,omitempty"`
	EvaluationStartedAt *time.Time           `json:"evaluation_started_at,omitempty"`
	CompletedAt         *time.Time           `json:"completed_at,omitempty"`
	RevertedAt          *time.Time           `json:"reverted_at,omitempty"`
}

// AmendmentChanges are the fields a revision may replace. Nil fields keep
// the parent's value.
type AmendmentChanges struct {
	InstructionDelta *string            `json:"instruction_delta,omitempty"`
	Mutation         *KnowledgeMutation `json:"knowledge_mutation,omitempty"`
	AmendmentType    *string            `json:"amendment_type,omitempty"`
}

// EvaluationProgress summarizes an amendment's evaluation window.
type EvaluationProgress struct {
	AmendmentID    uuid.UUID `json:"amendment_id"`
	Status         string    `json:"status"`
	TasksEvaluated int       `json:"tasks_evaluated"`
	Window         int       `json:"window"`
	Remaining      int       `json:"remaining"`
	Successes      int       `json:"successes"`
	Failures       int       `json:"failures"`
	SuccessRate    float64   `json:"success_rate"`
}

// Escalation is a decision routed to a human operator.
type Escalation struct {
	ID              uuid.UUID      `json:"id"`
	Type            string         `json:"type"`
	AgentRole       string         `json:"agent_role"`
	AmendmentID     *uuid.UUID     `json:"amendment_id,omitempty"`
	Status          string         `json:"status"`
	Analysis        map[string]any `json:"analysis"`
	ResolvedBy      string         `json:"resolved_by,omitempty"`
	ResolutionNotes string         `json:"resolution_notes,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
}

// Resolution is the result of resolving an escalation.
type Resolution struct {
	Escalation Escalation `json:"escalation"`
	Amendment  *Amendment `json:"amendment,omitempty"`
}

// Resolve actions accepted by ResolveEscalation.
const (
	ResolveApprove = "approve"
	ResolveReject  = "reject"
	ResolveDismiss = "dismiss"
)

// SafetyEvent is one row of the append-only safety audit log.
type SafetyEvent struct {
	ID             uuid.UUID      `json:"id"`
	AgentRole      string         `json:"agent_role"`
	AmendmentID    *uuid.UUID     `json:"amendment_id,omitempty"`
	ConstraintType string         `json:"constraint_type"`
	Action         string         `json:"action"`
	Data           map[string]any `json:"data"`
	ContentHash    string         `json:"content_hash"`
	CreatedAt      time.Time      `json:"created_at"`
}

// TaskOutcome reports one finished task.
type TaskOutcome struct {
	AgentRole     string     `json:"agent_role"`
	TaskID        string     `json:"task_id"`
	Category      string     `json:"category"`
	Success       bool       `json:"success"`
	FailureReason string     `json:"failure_reason,omitempty"`
	DurationMs    int64      `json:"duration_ms"`
	QualityScore  float64    `json:"quality_score"`
	ToolsUsed     []string   `json:"tools_used,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Reversion records an amendment that was deactivated by an evaluation
// rule or a timeout sweep.
type Reversion struct {
	AmendmentID uuid.UUID `json:"amendment_id"`
	AgentRole   string    `json:"agent_role"`
	Rule        string    `json:"rule"`
	Reason      string    `json:"reason"`
	RevertedAt  time.Time `json:"reverted_at"`
}

// TaskOutcomeResult is returned by RecordTask.
type TaskOutcomeResult struct {
	ConsecutiveFailures int         `json:"consecutive_failures"`
	Evaluated           []Amendment `json:"evaluated"`
	Reversions          []Reversion `json:"reversions,omitempty"`
}

// Recommendation is an externally researched improvement for one agent.
// Content is limited to 150 words and Sources must not be empty.
type Recommendation struct {
	AgentRole        string   `json:"agent_role"`
	Type             string   `json:"type"`
	Content          string   `json:"content"`
	TargetingPattern string   `json:"targeting_pattern"`
	TargetArea       string   `json:"target_area,omitempty"`
	ExpectedImpact   string   `json:"expected_impact"`
	Reasoning        string   `json:"reasoning"`
	Sources          []string `json:"sources"`
}

// Flag is a non-blocking safety finding attached to a decision.
type Flag struct {
	ConstraintType string         `json:"constraint_type"`
	Action         string         `json:"action"`
	Message        string         `json:"message"`
	Data           map[string]any `json:"data,omitempty"`
}

// Decision outcomes.
const (
	OutcomeAutoApproved    = "auto_approved"
	OutcomePendingApproval = "pending_approval"
	OutcomeEscalated       = "escalated"
)

// Decision is the approval routing taken for a new amendment.
type Decision struct {
	Outcome    string      `json:"outcome"`
	Reason     string      `json:"reason"`
	Amendment  Amendment   `json:"amendment"`
	Escalation *Escalation `json:"escalation,omitempty"`
	Flags      []Flag      `json:"flags,omitempty"`
}

// Pattern is a recurring behavior detected in an agent's task history.
type Pattern struct {
	Type       string         `json:"type"`
	AgentRole  string         `json:"agent_role"`
	Category   string         `json:"category,omitempty"`
	Confidence float64        `json:"confidence"`
	Data       map[string]any `json:"data"`
	DetectedAt time.Time      `json:"detected_at"`
}

// Rejection explains why a detected pattern did not produce an amendment.
type Rejection struct {
	TriggerPattern string `json:"trigger_pattern"`
	Reason         string `json:"reason"`
}

// AgentReview is the outcome of reviewing one agent.
type AgentReview struct {
	AgentRole   string              `json:"agent_role"`
	Performance PerformanceSnapshot `json:"performance"`
	Patterns    []Pattern           `json:"patterns"`
	Decisions   []Decision          `json:"decisions"`
	Skipped     []string            `json:"skipped,omitempty"`
	Rejections  []Rejection         `json:"rejections,omitempty"`
}

// BatchItem is one independently processed item of a batch call. Exactly
// one of Data and Error is set.
type BatchItem struct {
	Key   string          `json:"key"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// SweepResult lists amendments reverted by a timeout sweep. Error is set
// when the sweep stopped part way.
type SweepResult struct {
	Reverted []Reversion `json:"reverted"`
	Error    string      `json:"error,omitempty"`
}

// HealthResponse is returned by Health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Store   string `json:"store"`
	Uptime  int64  `json:"uptime_seconds"`
}
