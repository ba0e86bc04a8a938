package amendment_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognalith/governor/internal/amendment"
	"github.com/cognalith/governor/internal/model"
	"github.com/cognalith/governor/internal/policy"
)

func samplePatterns() []model.Pattern {
	at := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	return []model.Pattern{
		{
			Type: model.PatternRepeatedFailure, AgentRole: "cfo", Category: "expense_report", Confidence: 0.75, DetectedAt: at,
			Data: map[string]any{"failure_count": 4, "category_total": 5, "common_reason": "missing receipts"},
		},
		{
			Type: model.PatternCategoryWeakness, AgentRole: "cfo", Category: "expense_report", Confidence: 0.85, DetectedAt: at,
			Data: map[string]any{"failure_share": 1.0},
		},
		{
			Type: model.PatternTimeRegression, AgentRole: "cto", Confidence: 0.8, DetectedAt: at,
			Data: map[string]any{"ratio": 2.0},
		},
		{
			Type: model.PatternQualityDecline, AgentRole: "cmo", Confidence: 0.7, DetectedAt: at,
			Data: map[string]any{"drop": 0.3},
		},
		{
			Type: model.PatternToolInefficiency, AgentRole: "coo", Confidence: 0.7, DetectedAt: at,
			Data: map[string]any{"tool": "scanner", "failure_rate": 0.75},
		},
	}
}

func TestGenerate(t *testing.T) {
	tests := []struct {
		trigger  string
		category string
		typ      model.AmendmentType
		area     string
		snippet  string
	}{
		{"repeated_failure:expense_report", "expense_report", model.AmendmentAppend, amendment.AreaFailureModes, "Most common cause: missing receipts."},
		{"category_weakness:expense_report", "expense_report", model.AmendmentAppend, amendment.AreaTaskGuidance, "100% of recent failures"},
		{"time_regression", "", model.AmendmentAppend, amendment.AreaTime, "2.0x as long"},
		{"quality_decline", "", model.AmendmentReplace, amendment.AreaQuality, "dropped by 30 points"},
		{"tool_inefficiency:scanner", "", model.AmendmentAppend, amendment.AreaTools, "failed 75% of the time"},
	}
	for i, p := range samplePatterns() {
		tt := tests[i]
		t.Run(string(p.Type), func(t *testing.T) {
			c, err := amendment.Generate(p)
			require.NoError(t, err)
			assert.Equal(t, tt.trigger, c.TriggerPattern)
			assert.Equal(t, tt.category, c.Category)
			assert.Equal(t, c.Category, model.TriggerCategory(c.TriggerPattern))
			assert.Equal(t, tt.typ, c.AmendmentType)
			assert.Equal(t, tt.typ, c.Mutation.Operation)
			assert.Equal(t, tt.area, c.Mutation.TargetArea)
			assert.Equal(t, c.InstructionDelta, c.Mutation.Content)
			assert.Contains(t, c.InstructionDelta, tt.snippet)
			assert.Equal(t, p.Confidence, c.PatternConfidence)
			assert.Equal(t, model.SourcePattern, c.Source)
			assert.Equal(t, p.AgentRole, c.AgentRole)
		})
	}
}

func TestGenerateIsDeterministic(t *testing.T) {
	for _, p := range samplePatterns() {
		a, err := amendment.Generate(p)
		require.NoError(t, err)
		b, err := amendment.Generate(p)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	}
}

func TestGenerateUnknownType(t *testing.T) {
	_, err := amendment.Generate(model.Pattern{Type: "mood_swing"})
	assert.ErrorIs(t, err, amendment.ErrUnknownPatternType)
}

func TestGeneratedTemplatesPassSafety(t *testing.T) {
	p := policy.Load()
	for _, pat := range samplePatterns() {
		c, err := amendment.Generate(pat)
		require.NoError(t, err)
		text := policy.CandidateText(c)
		assert.False(t, p.IsProtected(text), "%s: %v", pat.Type, p.ProtectedMatches(text))
		assert.False(t, policy.TouchesLayer(p.SkillsHits(text), policy.SkillsMarker), "%s touches skills", pat.Type)
		assert.False(t, policy.TouchesLayer(p.PersonaHits(text), policy.PersonaMarker), "%s touches persona", pat.Type)
	}
}

func TestTrigger(t *testing.T) {
	assert.Equal(t, "repeated_failure:expense_report", amendment.Trigger(model.PatternRepeatedFailure, "expense_report"))
	assert.Equal(t, "time_regression", amendment.Trigger(model.PatternTimeRegression, ""))
}
