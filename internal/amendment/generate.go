package amendment

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/cognalith/governor/internal/model"
)

var (
	// ErrUnknownPatternType is returned by Generate for a pattern type it
	// has no template for.
	ErrUnknownPatternType = errors.New("amendment: unknown pattern type")

	// ErrUnknownAmendmentType is returned for a candidate whose amendment
	// type is not append, replace or remove.
	ErrUnknownAmendmentType = errors.New("amendment: unknown amendment type")
)

// Target areas generated amendments write to.
const (
	AreaFailureModes = "Known Failure Modes"
	AreaTaskGuidance = "Task Guidance"
	AreaTime         = "Time Management"
	AreaQuality      = "Quality Standards"
	AreaTools        = "Tool Usage"
)

// Generate maps a detected pattern to a candidate amendment. It is pure:
// the same pattern always yields the same candidate.
func Generate(p model.Pattern) (model.Candidate, error) {
	c := model.Candidate{
		AgentRole:         p.AgentRole,
		Category:          p.Category,
		PatternConfidence: p.Confidence,
		Source:            model.SourcePattern,
	}

	var area string
	switch p.Type {
	case model.PatternRepeatedFailure:
		area = AreaFailureModes
		c.AmendmentType = model.AmendmentAppend
		c.TriggerPattern = Trigger(p.Type, p.Category)
		c.InstructionDelta = repeatedFailureDelta(p)
	case model.PatternCategoryWeakness:
		area = AreaTaskGuidance
		c.AmendmentType = model.AmendmentAppend
		c.TriggerPattern = Trigger(p.Type, p.Category)
		c.InstructionDelta = fmt.Sprintf(
			"%s work accounts for %d%% of recent failures. List the expected outputs up front for each %s task and compare the result against that list.",
			p.Category, percent(floatData(p, "failure_share")), p.Category)
	case model.PatternTimeRegression:
		area = AreaTime
		c.AmendmentType = model.AmendmentAppend
		c.TriggerPattern = Trigger(p.Type, "")
		c.InstructionDelta = fmt.Sprintf(
			"Recent work takes %.1fx as long as earlier work. Split long assignments into smaller steps and report progress at each step.",
			floatData(p, "ratio"))
	case model.PatternQualityDecline:
		area = AreaQuality
		c.AmendmentType = model.AmendmentReplace
		c.TriggerPattern = Trigger(p.Type, "")
		c.InstructionDelta = fmt.Sprintf(
			"Output quality has dropped by %d points. Each deliverable states its assumptions, cites its inputs and is proofread prior to submission.",
			percent(floatData(p, "drop")))
	case model.PatternToolInefficiency:
		tool, _ := p.Data["tool"].(string)
		area = AreaTools
		c.Category = ""
		c.AmendmentType = model.AmendmentAppend
		c.TriggerPattern = Trigger(p.Type, tool)
		c.InstructionDelta = fmt.Sprintf(
			"Work that used %s failed %d%% of the time. Prefer an alternative to %s where one exists, and verify its output by hand when it is required.",
			tool, percent(floatData(p, "failure_rate")), tool)
	default:
		return model.Candidate{}, fmt.Errorf("%w: %q", ErrUnknownPatternType, p.Type)
	}

	c.Mutation = model.KnowledgeMutation{
		Operation:  c.AmendmentType,
		TargetArea: area,
		Content:    c.InstructionDelta,
	}
	return c, nil
}

func repeatedFailureDelta(p model.Pattern) string {
	var b strings.Builder
	fmt.Fprintf(&b, "For %s work, %d of the last %d attempts failed.",
		p.Category, intData(p, "failure_count"), intData(p, "category_total"))
	if reason, _ := p.Data["common_reason"].(string); reason != "" {
		fmt.Fprintf(&b, " Most common cause: %s. Confirm this cause is resolved prior to finishing each %s task.", reason, p.Category)
	} else {
		fmt.Fprintf(&b, " Re-read the requirements and confirm each one is met prior to finishing each %s task.", p.Category)
	}
	return b.String()
}

// Trigger builds the trigger identifier for a pattern type and an
// optional subject (category or tool).
func Trigger(typ model.PatternType, subject string) string {
	if subject == "" {
		return string(typ)
	}
	return string(typ) + ":" + subject
}

func floatData(p model.Pattern, key string) float64 {
	switch v := p.Data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func intData(p model.Pattern, key string) int {
	switch v := p.Data[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func percent(f float64) int {
	return int(math.Round(f * 100))
}
