package amendment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cognalith/governor/internal/model"
	"github.com/cognalith/governor/internal/service/quality"
)

// MaxRecommendationWords caps the length of recommendation content.
const MaxRecommendationWords = 150

// DefaultRecommendationArea receives recommendation content when no
// target area is named.
const DefaultRecommendationArea = "Recommendations"

var (
	// ErrInvalidRecommendation is returned for a recommendation that is
	// missing fields or too long.
	ErrInvalidRecommendation = errors.New("amendment: invalid recommendation")

	// ErrDuplicateRecommendation is returned when an active amendment
	// already carries the same trigger or instruction.
	ErrDuplicateRecommendation = errors.New("amendment: recommendation duplicates an active amendment")
)

// recommendationTypes maps a recommendation's type to the knowledge
// operation it performs. Amendment type names are accepted verbatim.
var recommendationTypes = map[string]model.AmendmentType{
	"append":              model.AmendmentAppend,
	"best_practice":       model.AmendmentAppend,
	"communication":       model.AmendmentAppend,
	"process_improvement": model.AmendmentAppend,
	"risk_control":        model.AmendmentAppend,
	"tool_usage":          model.AmendmentAppend,
	"replace":             model.AmendmentReplace,
	"correction":          model.AmendmentReplace,
	"knowledge_update":    model.AmendmentReplace,
	"remove":              model.AmendmentRemove,
	"deprecation":         model.AmendmentRemove,
}

// RecommendationAmendmentType resolves a recommendation type to an
// amendment type.
func RecommendationAmendmentType(typ string) (model.AmendmentType, error) {
	t, ok := recommendationTypes[normalize(typ)]
	if !ok {
		return "", fmt.Errorf("%w: recommendation type %q", ErrUnknownAmendmentType, typ)
	}
	return t, nil
}

// ValidateRecommendation checks required fields and the content ceiling.
// Every problem is reported.
func ValidateRecommendation(r model.Recommendation) error {
	var errs []error
	if err := model.ValidateRole(r.AgentRole); err != nil {
		errs = append(errs, fmt.Errorf("agent_role: %w", err))
	}
	required := []struct{ name, value string }{
		{"type", r.Type},
		{"content", r.Content},
		{"targeting_pattern", r.TargetingPattern},
		{"expected_impact", r.ExpectedImpact},
		{"reasoning", r.Reasoning},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", f.name))
		}
	}
	if len(r.Sources) == 0 {
		errs = append(errs, errors.New("sources is required"))
	}
	if strings.TrimSpace(r.Type) != "" {
		typ, err := RecommendationAmendmentType(r.Type)
		if err != nil {
			errs = append(errs, err)
		} else if typ == model.AmendmentRemove && strings.TrimSpace(r.TargetArea) == "" {
			errs = append(errs, errors.New("target_area is required to remove an area"))
		}
	}
	if n := len(strings.Fields(r.Content)); n > MaxRecommendationWords {
		errs = append(errs, fmt.Errorf("content has %d words, limit is %d", n, MaxRecommendationWords))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidRecommendation, errors.Join(errs...))
}

// CandidateFromRecommendation validates r, rejects duplicates of the
// agent's active amendments and converts it to a candidate whose pattern
// confidence is the recommendation's completeness score.
func (e *Engine) CandidateFromRecommendation(ctx context.Context, r model.Recommendation) (model.Candidate, error) {
	if err := ValidateRecommendation(r); err != nil {
		return model.Candidate{}, err
	}

	trigger := normalize(r.TargetingPattern)
	content := strings.TrimSpace(r.Content)

	active := true
	current, err := e.store.ListAmendments(ctx, model.AmendmentFilter{AgentRole: r.AgentRole, Active: &active})
	if err != nil {
		return model.Candidate{}, fmt.Errorf("amendment: recommendation for %s: %w", r.AgentRole, err)
	}
	for _, a := range current {
		if a.TriggerPattern == trigger {
			return model.Candidate{}, fmt.Errorf("%w: trigger %q is active as %s", ErrDuplicateRecommendation, trigger, a.ID)
		}
		if strings.EqualFold(strings.TrimSpace(a.InstructionDelta), content) {
			return model.Candidate{}, fmt.Errorf("%w: instruction matches %s", ErrDuplicateRecommendation, a.ID)
		}
	}

	typ, _ := RecommendationAmendmentType(r.Type)
	area := strings.TrimSpace(r.TargetArea)
	if area == "" {
		area = DefaultRecommendationArea
	}
	return model.Candidate{
		AgentRole:        r.AgentRole,
		TriggerPattern:   trigger,
		Category:         model.TriggerCategory(trigger),
		InstructionDelta: content,
		Mutation: model.KnowledgeMutation{
			Operation:  typ,
			TargetArea: area,
			Content:    content,
		},
		AmendmentType:     typ,
		PatternConfidence: quality.Score(r),
		Source:            model.SourceRecommendation,
	}, nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
