package model

import (
	"time"

	"github.com/google/uuid"
)

const (
	// MaxActiveAmendmentsPerAgent bounds how many amendments may be active
	// for one agent at the same time.
	MaxActiveAmendmentsPerAgent = 10

	// DefaultEvaluationWindow is the number of task outcomes an activated
	// amendment is evaluated against before it is judged.
	DefaultEvaluationWindow = 5
)

// AmendmentType is the knowledge operation an amendment performs.
type AmendmentType string

const (
	AmendmentAppend  AmendmentType = "append"
	AmendmentReplace AmendmentType = "replace"
	AmendmentRemove  AmendmentType = "remove"
)

// Valid reports whether t is a known amendment type.
func (t AmendmentType) Valid() bool {
	switch t {
	case AmendmentAppend, AmendmentReplace, AmendmentRemove:
		return true
	}
	return false
}

// ApprovalStatus tracks the human/automatic approval decision.
type ApprovalStatus string

const (
	ApprovalPending      ApprovalStatus = "pending"
	ApprovalApproved     ApprovalStatus = "approved"
	ApprovalAutoApproved ApprovalStatus = "auto_approved"
	ApprovalRejected     ApprovalStatus = "rejected"
)

// Activatable reports whether an amendment with this approval status may be active.
func (s ApprovalStatus) Activatable() bool {
	return s == ApprovalApproved || s == ApprovalAutoApproved
}

// EvaluationStatus tracks an amendment through its evaluation window.
type EvaluationStatus string

const (
	EvaluationPending    EvaluationStatus = "pending"
	EvaluationEvaluating EvaluationStatus = "evaluating"
	EvaluationProven     EvaluationStatus = "proven"
	EvaluationFailed     EvaluationStatus = "failed"
	EvaluationReverted   EvaluationStatus = "reverted"
)

// CanTransitionTo reports whether moving from s to next is a forward move.
// Staying in the same state is allowed; reverted is terminal.
func (s EvaluationStatus) CanTransitionTo(next EvaluationStatus) bool {
	if s == next {
		return s != EvaluationReverted
	}
	switch s {
	case EvaluationPending:
		return next == EvaluationEvaluating || next == EvaluationReverted
	case EvaluationEvaluating:
		return next == EvaluationProven || next == EvaluationFailed || next == EvaluationReverted
	case EvaluationProven, EvaluationFailed:
		return next == EvaluationReverted
	}
	return false
}

// Terminal reports whether the evaluation window has closed.
func (s EvaluationStatus) Terminal() bool {
	return s == EvaluationProven || s == EvaluationFailed || s == EvaluationReverted
}

// AmendmentSource records where a candidate came from.
type AmendmentSource string

const (
	SourcePattern        AmendmentSource = "pattern"
	SourceRecommendation AmendmentSource = "recommendation"
	SourceRevision       AmendmentSource = "revision"
)

// KnowledgeMutation is the structured edit an amendment applies to the
// agent's standard knowledge.
type KnowledgeMutation struct {
	Operation  AmendmentType `json:"operation"`
	TargetArea string        `json:"target_area,omitempty"`
	Content    string        `json:"content,omitempty"`
}

// Candidate is a proposed amendment that has not been persisted.
type Candidate struct {
	AgentRole         string            `json:"agent_role"`
	TriggerPattern    string            `json:"trigger_pattern"`
	Category          string            `json:"category,omitempty"`
	InstructionDelta  string            `json:"instruction_delta"`
	Mutation          KnowledgeMutation `json:"knowledge_mutation"`
	AmendmentType     AmendmentType     `json:"amendment_type"`
	PatternConfidence float64           `json:"pattern_confidence"`
	Source            AmendmentSource   `json:"source"`
}

// Amendment is a persisted behavioral change to one agent's instructions.
type Amendment struct {
	ID                  uuid.UUID            `json:"id"`
	AgentRole           string               `json:"agent_role"`
	TriggerPattern      string               `json:"trigger_pattern"`
	Category            string               `json:"category,omitempty"`
	InstructionDelta    string               `json:"instruction_delta"`
	Mutation            KnowledgeMutation    `json:"knowledge_mutation"`
	AmendmentType       AmendmentType        `json:"amendment_type"`
	PatternConfidence   float64              `json:"pattern_confidence"`
	Source              AmendmentSource      `json:"source"`
	Version             int                  `json:"version"`
	ParentID            *uuid.UUID           `json:"parent_id,omitempty"`
	ApprovalStatus      ApprovalStatus       `json:"approval_status"`
	ApprovedBy          string               `json:"approved_by,omitempty"`
	EvaluationStatus    EvaluationStatus     `json:"evaluation_status"`
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

// Candidate returns the proposal fields of a persisted amendment.
func (a Amendment) Candidate() Candidate {
	return Candidate{
		AgentRole:         a.AgentRole,
		TriggerPattern:    a.TriggerPattern,
		Category:          a.Category,
		InstructionDelta:  a.InstructionDelta,
		Mutation:          a.Mutation,
		AmendmentType:     a.AmendmentType,
		PatternConfidence: a.PatternConfidence,
		Source:            a.Source,
	}
}

// Activate marks the amendment active and opens its evaluation window.
func (a *Amendment) Activate(now time.Time) {
	a.IsActive = true
	a.ActivatedAt = &now
	if a.EvaluationStatus == EvaluationPending {
		a.EvaluationStatus = EvaluationEvaluating
		a.EvaluationStartedAt = &now
	}
}

// AmendmentFilter selects amendments. Zero-valued fields are ignored.
type AmendmentFilter struct {
	AgentRole        string
	ApprovalStatus   ApprovalStatus
	EvaluationStatus EvaluationStatus
	Active           *bool
	TriggerPattern   string
	ParentID         *uuid.UUID
	Limit            int
}

// Evaluation is one task outcome recorded against an amendment. Positions
// for an amendment are 1..n, gapless.
type Evaluation struct {
	ID           uuid.UUID `json:"id"`
	AmendmentID  uuid.UUID `json:"amendment_id"`
	AgentRole    string    `json:"agent_role"`
	TaskID       string    `json:"task_id"`
	Position     int       `json:"position"`
	Success      bool      `json:"success"`
	QualityScore float64   `json:"quality_score"`
	DurationMs   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// EvaluationFilter selects evaluations. Results are ordered by position
// (or created_at when AmendmentID is unset), descending when Desc is set.
type EvaluationFilter struct {
	AmendmentID *uuid.UUID
	AgentRole   string
	Success     *bool
	Since       *time.Time
	Desc        bool
	Limit       int
}

// TaskOutcome is the part of a task result an evaluation records.
type TaskOutcome struct {
	TaskID       string  `json:"task_id"`
	Success      bool    `json:"success"`
	QualityScore float64 `json:"quality_score"`
	DurationMs   int64   `json:"duration_ms"`
}

// EvaluationProgress summarizes an amendment's evaluation window.
type EvaluationProgress struct {
	AmendmentID    uuid.UUID        `json:"amendment_id"`
	Status         EvaluationStatus `json:"status"`
	TasksEvaluated int              `json:"tasks_evaluated"`
	Window         int              `json:"window"`
	Remaining      int              `json:"remaining"`
	Successes      int              `json:"successes"`
	Failures       int              `json:"failures"`
	SuccessRate    float64          `json:"success_rate"`
}

// Reversion is the outcome of a forced revert.
type Reversion struct {
	AmendmentID uuid.UUID `json:"amendment_id"`
	AgentRole   string    `json:"agent_role"`
	Rule        string    `json:"rule"`
	Reason      string    `json:"reason"`
	RevertedAt  time.Time `json:"reverted_at"`
}
