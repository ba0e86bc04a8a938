package model

import (
	"fmt"
	"time"
)

// Agent is a subordinate process whose instructions are governed by
// amendments. Agents are created at bootstrap and never deleted.
type Agent struct {
	Role                   string              `json:"role"`
	DisplayName            string              `json:"display_name"`
	BaseKnowledge          string              `json:"base_knowledge"`
	StandardKnowledge      string              `json:"standard_knowledge"`
	EffectiveKnowledge     string              `json:"effective_knowledge,omitempty"`
	EffectiveComputedAt    *time.Time          `json:"effective_computed_at,omitempty"`
	Performance            PerformanceSnapshot `json:"performance"`
	ActiveAmendmentCount   int                 `json:"active_amendment_count"`
	ConsecutiveFailures    int                 `json:"consecutive_failures"`
	FailureStreakEscalated bool                `json:"failure_streak_escalated"`
	CreatedAt              time.Time           `json:"created_at"`
	UpdatedAt              time.Time           `json:"updated_at"`
}

// Trend labels the direction of an agent's recent quality.
type Trend string

const (
	TrendImproving        Trend = "improving"
	TrendStable           Trend = "stable"
	TrendDeclining        Trend = "declining"
	TrendInsufficientData Trend = "insufficient_data"
)

// PerformanceSnapshot summarizes an agent's recent task outcomes.
type PerformanceSnapshot struct {
	SampleSize      int       `json:"sample_size"`
	SuccessRate     float64   `json:"success_rate"`
	AvgQuality      float64   `json:"avg_quality"`
	QualityVariance float64   `json:"quality_variance"`
	AvgDurationMs   float64   `json:"avg_duration_ms"`
	Trend           Trend     `json:"trend"`
	ComputedAt      time.Time `json:"computed_at"`
}

// ValidateRole checks that a role identifier is 1-64 characters of
// lowercase alphanumerics, hyphens and underscores.
func ValidateRole(role string) error {
	if len(role) == 0 {
		return fmt.Errorf("role is required")
	}
	if len(role) > 64 {
		return fmt.Errorf("role must be at most 64 characters")
	}
	for i := 0; i < len(role); i++ {
		c := role[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' && c != '_' {
			return fmt.Errorf("role contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
