package model

import (
	"time"

	"github.com/google/uuid"
)

// EscalationType names the exception that routed a candidate to a human.
type EscalationType string

const (
	EscalationSkillsLayer         EscalationType = "skills_layer"
	EscalationPersonaLayer        EscalationType = "persona_layer"
	EscalationConsecutiveFailures EscalationType = "consecutive_failures"
	EscalationCrossAgentPattern   EscalationType = "cross_agent_pattern"
)

// EscalationStatus is pending until a human resolves it.
type EscalationStatus string

const (
	EscalationPending   EscalationStatus = "pending"
	EscalationApproved  EscalationStatus = "approved"
	EscalationRejected  EscalationStatus = "rejected"
	EscalationDismissed EscalationStatus = "dismissed"
)

// ResolveAction is a human decision on an escalation or pending amendment.
type ResolveAction string

const (
	ActionApprove ResolveAction = "approve"
	ActionReject  ResolveAction = "reject"
	ActionDismiss ResolveAction = "dismiss"
)

// Status maps an action to the escalation status it produces.
func (a ResolveAction) Status() (EscalationStatus, bool) {
	switch a {
	case ActionApprove:
		return EscalationApproved, true
	case ActionReject:
		return EscalationRejected, true
	case ActionDismiss:
		return EscalationDismissed, true
	}
	return "", false
}

// Escalation is a queued request for human judgment.
type Escalation struct {
	ID              uuid.UUID        `json:"id"`
	Type            EscalationType   `json:"type"`
	AgentRole       string           `json:"agent_role"`
	AmendmentID     *uuid.UUID       `json:"amendment_id,omitempty"`
	Status          EscalationStatus `json:"status"`
	Analysis        map[string]any   `json:"analysis"`
	ResolvedBy      string           `json:"resolved_by,omitempty"`
	ResolutionNotes string           `json:"resolution_notes,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	ResolvedAt      *time.Time       `json:"resolved_at,omitempty"`
}

// EscalationFilter selects escalations, newest first.
type EscalationFilter struct {
	AgentRole string
	Type      EscalationType
	Status    EscalationStatus
	Limit     int
}

// Resolution describes a human decision.
type Resolution struct {
	Action ResolveAction `json:"action"`
	Actor  string        `json:"actor"`
	Notes  string        `json:"notes,omitempty"`
}
