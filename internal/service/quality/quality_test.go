package quality

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cognalith/governor/internal/model"
)

func TestScore(t *testing.T) {
	tests := []struct {
		name     string
		rec      model.Recommendation
		minScore float64
		maxScore float64
	}{
		{
			name:     "empty recommendation",
			rec:      model.Recommendation{},
			minScore: 0.0,
			maxScore: 0.0,
		},
		{
			name: "minimal recommendation",
			rec: model.Recommendation{
				Type:             "custom",
				Content:          "Check receipts.",
				TargetingPattern: "receipts",
			},
			minScore: 0.05,
			maxScore: 0.05,
		},
		{
			name: "good recommendation with standard type",
			rec: model.Recommendation{
				Type:             "process_improvement",
				Content:          "Before submitting an expense report, reconcile every line item against an attached receipt and flag any gap.",
				Reasoning:        "Most expense report rejections last month cited missing receipts.",
				ExpectedImpact:   "Fewer rejected expense reports",
				TargetingPattern: "repeated_failure",
				Sources:          []string{"internal audit memo"},
			},
			minScore: 0.60,
			maxScore: 0.75,
		},
		{
			name: "complete recommendation",
			rec: model.Recommendation{
				Type:             "risk_control",
				Content:          strings.Repeat("Reconcile line items against receipts before filing. ", 5),
				Reasoning:        strings.Repeat("Rejections cluster on missing receipts; reconciliation catches them early. ", 2),
				ExpectedImpact:   "Expense report success rate above 90 percent",
				TargetingPattern: "category_weakness",
				TargetArea:       "Procedures",
				Sources:          []string{"audit memo", "finance handbook", "policy FAQ"},
			},
			minScore: 1.0,
			maxScore: 1.0,
		},
		{
			name: "blank sources ignored",
			rec: model.Recommendation{
				Sources: []string{" ", ""},
			},
			minScore: 0.0,
			maxScore: 0.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score := Score(tt.rec)
			assert.GreaterOrEqual(t, score, tt.minScore-1e-9)
			assert.LessOrEqual(t, score, tt.maxScore+1e-9)
		})
	}
}

func TestScoreBounded(t *testing.T) {
	rec := model.Recommendation{
		Type:             "best_practice",
		Content:          strings.Repeat("x", 500),
		Reasoning:        strings.Repeat("y", 500),
		ExpectedImpact:   strings.Repeat("z", 100),
		TargetingPattern: "tool_inefficiency",
		TargetArea:       "Tools",
		Sources:          []string{"a", "b", "c", "d"},
	}
	assert.LessOrEqual(t, Score(rec), 1.0)
}
