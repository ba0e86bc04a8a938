package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// PatternType identifies a kind of behavioral pattern.
type PatternType string

const (
	PatternRepeatedFailure  PatternType = "repeated_failure"
	PatternCategoryWeakness PatternType = "category_weakness"
	PatternTimeRegression   PatternType = "time_regression"
	PatternQualityDecline   PatternType = "quality_decline"
	PatternToolInefficiency PatternType = "tool_inefficiency"
)

// Valid reports whether t is a known pattern type.
func (t PatternType) Valid() bool {
	switch t {
	case PatternRepeatedFailure, PatternCategoryWeakness, PatternTimeRegression,
		PatternQualityDecline, PatternToolInefficiency:
		return true
	}
	return false
}

// TriggerCategory returns the task category a trigger is scoped to, or ""
// when amendments carrying it apply to every task.
//
// A "type:subject" trigger is scoped to its subject, except that the
// subject of a tool_inefficiency trigger is a tool. A bare trigger that
// names a pattern type is unscoped; any other bare identifier is itself
// the category. Free text is unscoped.
func TriggerCategory(trigger string) string {
	trigger = strings.TrimSpace(trigger)
	typ, subject, ok := strings.Cut(trigger, ":")
	if ok {
		if PatternType(typ) == PatternToolInefficiency {
			return ""
		}
		return strings.TrimSpace(subject)
	}
	if PatternType(trigger).Valid() || !isIdentifier(trigger) {
		return ""
	}
	return trigger
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') && c != '-' && c != '_' {
			return false
		}
	}
	return true
}

// Pattern is a transient, confidence-scored observation about an agent.
type Pattern struct {
	Type       PatternType    `json:"type"`
	AgentRole  string         `json:"agent_role"`
	Category   string         `json:"category,omitempty"`
	Confidence float64        `json:"confidence"`
	Data       map[string]any `json:"data"`
	DetectedAt time.Time      `json:"detected_at"`
}

// PatternLog is the audit row of an emitted pattern.
type PatternLog struct {
	ID         uuid.UUID      `json:"id"`
	AgentRole  string         `json:"agent_role"`
	Type       PatternType    `json:"type"`
	Category   string         `json:"category,omitempty"`
	Confidence float64        `json:"confidence"`
	Data       map[string]any `json:"data"`
	CreatedAt  time.Time      `json:"created_at"`
}
