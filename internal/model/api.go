package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput   = "INVALID_INPUT"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeSafetyViolated = "SAFETY_VIOLATION"
	ErrCodeUnavailable    = "UNAVAILABLE"
	ErrCodeInternalError  = "INTERNAL_ERROR"
	ErrCodeRateLimited    = "RATE_LIMITED"
)

// ResolveRequest is the request body for escalation and amendment decisions.
type ResolveRequest struct {
	Notes string `json:"notes,omitempty"`
}

// TaskOutcomeRequest is the request body for POST /v1/tasks.
type TaskOutcomeRequest struct {
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

// Entry converts the request into a history entry stamped at now when the
// caller did not supply a completion time.
func (r TaskOutcomeRequest) Entry(now time.Time) TaskHistoryEntry {
	completed := now
	if r.CompletedAt != nil {
		completed = *r.CompletedAt
	}
	return TaskHistoryEntry{
		ID:            uuid.New(),
		AgentRole:     r.AgentRole,
		TaskID:        r.TaskID,
		Category:      r.Category,
		Success:       r.Success,
		FailureReason: r.FailureReason,
		DurationMs:    r.DurationMs,
		QualityScore:  r.QualityScore,
		ToolsUsed:     r.ToolsUsed,
		CompletedAt:   completed,
	}
}

// BatchItem is the wire form of a Result.
type BatchItem struct {
	Key   string `json:"key"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// BatchItems converts per-item results into their wire form.
func BatchItems[T any](results []Result[T]) []BatchItem {
	out := make([]BatchItem, 0, len(results))
	for _, r := range results {
		item := BatchItem{Key: r.Key}
		if r.Err != nil {
			item.Error = r.Err.Error()
		} else {
			item.Data = r.Data
		}
		out = append(out, item)
	}
	return out
}
