package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxFailureReasonLen bounds the free-text failure reason stored per task.
const MaxFailureReasonLen = 4 * 1024

// TaskHistoryEntry is one completed task execution. Append-only.
type TaskHistoryEntry struct {
	ID            uuid.UUID `json:"id"`
	AgentRole     string    `json:"agent_role"`
	TaskID        string    `json:"task_id"`
	Category      string    `json:"category"`
	Success       bool      `json:"success"`
	FailureReason string    `json:"failure_reason,omitempty"`
	DurationMs    int64     `json:"duration_ms"`
	QualityScore  float64   `json:"quality_score"`
	ToolsUsed     []string  `json:"tools_used,omitempty"`
	CompletedAt   time.Time `json:"completed_at"`
}

// Validate checks the fields an execution collaborator must supply.
func (e TaskHistoryEntry) Validate() error {
	if err := ValidateRole(e.AgentRole); err != nil {
		return err
	}
	if e.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if e.Category == "" {
		return fmt.Errorf("category is required")
	}
	if e.QualityScore < 0 || e.QualityScore > 1 {
		return fmt.Errorf("quality_score must be between 0 and 1")
	}
	if e.DurationMs < 0 {
		return fmt.Errorf("duration_ms must not be negative")
	}
	if len(e.FailureReason) > MaxFailureReasonLen {
		return fmt.Errorf("failure_reason exceeds maximum length of %d bytes", MaxFailureReasonLen)
	}
	return nil
}

// TaskHistoryFilter selects task history rows, newest first.
type TaskHistoryFilter struct {
	AgentRole string
	Since     *time.Time
	Limit     int
}
