// Package quality provides recommendation completeness scoring.
// Scores (0.0-1.0) measure how complete an external recommendation is and
// become the pattern_confidence of the candidate amendment built from it.
package quality

import (
	"strings"

	"github.com/cognalith/governor/internal/model"
)

// StandardRecommendationTypes are the canonical recommendation types.
// Using standard types improves routing and consistency.
var StandardRecommendationTypes = map[string]bool{
	"process_improvement": true,
	"knowledge_update":    true,
	"tool_usage":          true,
	"risk_control":        true,
	"communication":       true,
	"best_practice":       true,
}

// Score computes a completeness score (0.0-1.0) for a recommendation.
//
// Scoring factors:
//   - Content substantive (>80 chars): up to 0.20
//   - Reasoning substantive (>50 chars): up to 0.20
//   - Expected impact described (>20 chars): up to 0.15
//   - Sources provided (>=2): up to 0.20
//   - Targeting pattern names a detector pattern: up to 0.10
//   - Standard recommendation type: 0.10
//   - Target area named: 0.05
func Score(r model.Recommendation) float64 {
	var score float64

	// Factor 1: Content is substantive.
	switch n := len(strings.TrimSpace(r.Content)); {
	case n > 200:
		score += 0.20
	case n > 80:
		score += 0.15
	case n > 30:
		score += 0.05
	}

	// Factor 2: Reasoning is substantive.
	switch n := len(strings.TrimSpace(r.Reasoning)); {
	case n > 100:
		score += 0.20
	case n > 50:
		score += 0.15
	case n > 20:
		score += 0.05
	}

	// Factor 3: Expected impact.
	switch n := len(strings.TrimSpace(r.ExpectedImpact)); {
	case n > 20:
		score += 0.15
	case n > 0:
		score += 0.05
	}

	// Factor 4: Sources. Blank entries do not count.
	sources := 0
	for _, s := range r.Sources {
		if strings.TrimSpace(s) != "" {
			sources++
		}
	}
	switch {
	case sources >= 3:
		score += 0.20
	case sources >= 2:
		score += 0.15
	case sources >= 1:
		score += 0.10
	}

	// Factor 5: Targeting pattern ties back to something the detector emits.
	target := strings.TrimSpace(r.TargetingPattern)
	if model.PatternType(target).Valid() {
		score += 0.10
	} else if target != "" {
		score += 0.05
	}

	// Factor 6: Type is from the standard taxonomy.
	if StandardRecommendationTypes[r.Type] {
		score += 0.10
	}

	// Factor 7: Target area named.
	if strings.TrimSpace(r.TargetArea) != "" {
		score += 0.05
	}

	if score > 1 {
		score = 1
	}
	return score
}
