package model

import (
	"time"

	"github.com/google/uuid"
)

// ConstraintType names the safety rule a SafetyEvent records.
type ConstraintType string

const (
	ConstraintProtectedPattern  ConstraintType = "protected_pattern"
	ConstraintActiveLimit       ConstraintType = "active_limit"
	ConstraintTriggerConflict   ConstraintType = "trigger_conflict"
	ConstraintContradiction     ConstraintType = "contradiction"
	ConstraintEvaluationTimeout ConstraintType = "evaluation_timeout"
	ConstraintAutoRevert        ConstraintType = "auto_revert"
)

// SafetyAction is what the safety layer did about a violation.
type SafetyAction string

const (
	SafetyBlocked  SafetyAction = "blocked"
	SafetyFlagged  SafetyAction = "flagged"
	SafetyReverted SafetyAction = "reverted"
)

// SafetyEvent is an immutable audit row.
type SafetyEvent struct {
	ID             uuid.UUID      `json:"id"`
	AgentRole      string         `json:"agent_role"`
	AmendmentID    *uuid.UUID     `json:"amendment_id,omitempty"`
	ConstraintType ConstraintType `json:"constraint_type"`
	Action         SafetyAction   `json:"action"`
	Data           map[string]any `json:"data"`
	ContentHash    string         `json:"content_hash"`
	CreatedAt      time.Time      `json:"created_at"`
}

// SafetyEventFilter selects safety events, newest first.
type SafetyEventFilter struct {
	AgentRole      string
	ConstraintType ConstraintType
	Since          *time.Time
	Limit          int
}
