// Package patterns detects behavioral patterns in an agent's recent task
// history. Detection is deterministic: the same history always yields the
// same patterns in the same order.
package patterns

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cognalith/governor/internal/model"
	"github.com/cognalith/governor/internal/service/performance"
	"github.com/cognalith/governor/internal/storage"
)

// Defaults for the detection window.
const (
	DefaultLookbackTasks = 50
	DefaultLookbackDays  = 30
	DefaultMinSample     = 5
)

// Detection thresholds. Not configurable.
const (
	minCategoryFailures   = 3
	minToolUses           = 3
	timeRegressionRatio   = 1.3
	qualityDeclineDrop    = 0.15
	toolFailureRate       = 0.6
	toolFailureRateMargin = 0.2
	topReasons            = 3
)

// Options bounds the history a Detector reads.
type Options struct {
	LookbackTasks int
	LookbackDays  int
	MinSample     int
}

func (o Options) withDefaults() Options {
	if o.LookbackTasks <= 0 {
		o.LookbackTasks = DefaultLookbackTasks
	}
	if o.LookbackDays <= 0 {
		o.LookbackDays = DefaultLookbackDays
	}
	if o.MinSample <= 0 {
		o.MinSample = DefaultMinSample
	}
	return o
}

// Detector reads task history and emits confidence-scored patterns.
type Detector struct {
	store  storage.Store
	logger *slog.Logger
	opts   Options
	now    func() time.Time
}

// New creates a Detector. Zero option fields take the defaults.
func New(store storage.Store, logger *slog.Logger, opts Options) *Detector {
	return &Detector{store: store, logger: logger, opts: opts.withDefaults(), now: time.Now}
}

// Detect analyzes the agent's recent history. Too little history yields an
// empty result, not an error. Every emitted pattern is logged to the
// pattern log on a best-effort basis.
func (d *Detector) Detect(ctx context.Context, role string) ([]model.Pattern, error) {
	now := d.now().UTC()
	since := now.AddDate(0, 0, -d.opts.LookbackDays)
	entries, err := d.store.ListTaskHistory(ctx, model.TaskHistoryFilter{
		AgentRole: role,
		Since:     &since,
		Limit:     d.opts.LookbackTasks,
	})
	if err != nil {
		return nil, fmt.Errorf("patterns: history for %s: %w", role, err)
	}

	found := Analyze(role, entries, d.opts.MinSample, now)
	for _, p := range found {
		d.LogPattern(ctx, p)
	}
	if len(found) > 0 {
		d.logger.Info("patterns: detected", "agent", role, "count", len(found), "top", found[0].Type)
	}
	return found, nil
}

// LogPattern records p in the pattern log. Failures are logged and
// swallowed.
func (d *Detector) LogPattern(ctx context.Context, p model.Pattern) {
	err := d.store.InsertPatternLog(ctx, model.PatternLog{
		AgentRole:  p.AgentRole,
		Type:       p.Type,
		Category:   p.Category,
		Confidence: p.Confidence,
		Data:       p.Data,
		CreatedAt:  p.DetectedAt,
	})
	if err != nil {
		d.logger.Warn("patterns: log pattern failed", "agent", p.AgentRole, "type", p.Type, "error", err)
	}
}

// Analyze runs every detector over entries and returns the patterns sorted
// by confidence, highest first.
func Analyze(role string, entries []model.TaskHistoryEntry, minSample int, now time.Time) []model.Pattern {
	if minSample <= 0 {
		minSample = DefaultMinSample
	}
	if len(entries) < minSample {
		return []model.Pattern{}
	}
	sorted := performance.Chronological(entries)

	var out []model.Pattern
	out = append(out, repeatedFailures(sorted)...)
	if p, ok := categoryWeakness(sorted); ok {
		out = append(out, p)
	}
	if p, ok := timeRegression(sorted); ok {
		out = append(out, p)
	}
	if p, ok := qualityDecline(sorted); ok {
		out = append(out, p)
	}
	out = append(out, toolInefficiencies(sorted)...)

	for i := range out {
		out[i].AgentRole = role
		out[i].DetectedAt = now.UTC()
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Category < out[j].Category
	})
	if out == nil {
		out = []model.Pattern{}
	}
	return out
}

type categoryStats struct {
	name     string
	total    int
	failures int
	reasons  map[string]int
}

func byCategory(entries []model.TaskHistoryEntry) []*categoryStats {
	index := map[string]*categoryStats{}
	var out []*categoryStats
	for _, e := range entries {
		c, ok := index[e.Category]
		if !ok {
			c = &categoryStats{name: e.Category, reasons: map[string]int{}}
			index[e.Category] = c
			out = append(out, c)
		}
		c.total++
		if !e.Success {
			c.failures++
			if e.FailureReason != "" {
				c.reasons[e.FailureReason]++
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

type reasonCount struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

func rankReasons(reasons map[string]int) []reasonCount {
	out := make([]reasonCount, 0, len(reasons))
	for r, n := range reasons {
		out = append(out, reasonCount{Reason: r, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Reason < out[j].Reason
	})
	if len(out) > topReasons {
		out = out[:topReasons]
	}
	return out
}

func repeatedFailures(entries []model.TaskHistoryEntry) []model.Pattern {
	var out []model.Pattern
	sample := float64(len(entries))
	for _, c := range byCategory(entries) {
		if c.failures < minCategoryFailures || c.failures*2 < c.total {
			continue
		}
		frequency := float64(c.failures) / sample
		top := rankReasons(c.reasons)
		common := ""
		if len(top) > 0 {
			common = top[0].Reason
		}
		out = append(out, model.Pattern{
			Type:       model.PatternRepeatedFailure,
			Category:   c.name,
			Confidence: min(0.9, 0.5+frequency*0.5),
			Data: map[string]any{
				"primary_category": c.name,
				"failure_count":    c.failures,
				"category_total":   c.total,
				"failure_rate":     float64(c.failures) / float64(c.total),
				"frequency":        frequency,
				"top_reasons":      top,
				"common_reason":    common,
			},
		})
	}
	return out
}

func categoryWeakness(entries []model.TaskHistoryEntry) (model.Pattern, bool) {
	cats := byCategory(entries)
	total := 0
	var worst *categoryStats
	for _, c := range cats {
		total += c.failures
		if worst == nil || c.failures > worst.failures {
			worst = c
		}
	}
	// share >= 0.6 without float rounding.
	if total < minCategoryFailures || worst.failures*5 < total*3 {
		return model.Pattern{}, false
	}
	share := float64(worst.failures) / float64(total)
	return model.Pattern{
		Type:       model.PatternCategoryWeakness,
		Category:   worst.name,
		Confidence: min(0.85, 0.4+share*0.5),
		Data: map[string]any{
			"weak_category":  worst.name,
			"failure_share":  share,
			"category_fails": worst.failures,
			"total_failures": total,
		},
	}, true
}

func halves(entries []model.TaskHistoryEntry) (leading, trailing []model.TaskHistoryEntry) {
	half := len(entries) / 2
	return entries[:half], entries[len(entries)-half:]
}

func timeRegression(entries []model.TaskHistoryEntry) (model.Pattern, bool) {
	leading, trailing := halves(entries)
	if len(leading) == 0 {
		return model.Pattern{}, false
	}
	before := meanDuration(leading)
	after := meanDuration(trailing)
	if before <= 0 {
		return model.Pattern{}, false
	}
	ratio := after / before
	if ratio < timeRegressionRatio {
		return model.Pattern{}, false
	}
	return model.Pattern{
		Type:       model.PatternTimeRegression,
		Confidence: min(0.8, 0.4+(ratio-1)*0.5),
		Data: map[string]any{
			"leading_avg_ms":  before,
			"trailing_avg_ms": after,
			"ratio":           ratio,
		},
	}, true
}

func qualityDecline(entries []model.TaskHistoryEntry) (model.Pattern, bool) {
	leading, trailing := halves(entries)
	if len(leading) == 0 {
		return model.Pattern{}, false
	}
	before := meanQuality(leading)
	after := meanQuality(trailing)
	drop := before - after
	// Compare with a small tolerance so a drop of exactly 0.15 counts.
	if drop < qualityDeclineDrop-1e-9 {
		return model.Pattern{}, false
	}
	return model.Pattern{
		Type:       model.PatternQualityDecline,
		Confidence: min(0.8, 0.4+drop),
		Data: map[string]any{
			"leading_avg_quality":  before,
			"trailing_avg_quality": after,
			"drop":                 drop,
		},
	}, true
}

func toolInefficiencies(entries []model.TaskHistoryEntry) []model.Pattern {
	type toolStats struct{ uses, failures int }
	tools := map[string]*toolStats{}
	failures := 0
	for _, e := range entries {
		if !e.Success {
			failures++
		}
		seen := map[string]bool{}
		for _, tool := range e.ToolsUsed {
			if tool == "" || seen[tool] {
				continue
			}
			seen[tool] = true
			s, ok := tools[tool]
			if !ok {
				s = &toolStats{}
				tools[tool] = s
			}
			s.uses++
			if !e.Success {
				s.failures++
			}
		}
	}
	overall := float64(failures) / float64(len(entries))

	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []model.Pattern
	for _, name := range names {
		s := tools[name]
		if s.uses < minToolUses {
			continue
		}
		rate := float64(s.failures) / float64(s.uses)
		if rate < toolFailureRate-1e-9 || rate < overall+toolFailureRateMargin-1e-9 {
			continue
		}
		out = append(out, model.Pattern{
			Type:       model.PatternToolInefficiency,
			Confidence: min(0.8, 0.4+rate*0.4),
			Data: map[string]any{
				"tool":                 name,
				"uses":                 s.uses,
				"failures":             s.failures,
				"failure_rate":         rate,
				"overall_failure_rate": overall,
			},
		})
	}
	return out
}

func meanDuration(entries []model.TaskHistoryEntry) float64 {
	var sum float64
	for _, e := range entries {
		sum += float64(e.DurationMs)
	}
	return sum / float64(len(entries))
}

func meanQuality(entries []model.TaskHistoryEntry) float64 {
	var sum float64
	for _, e := range entries {
		sum += e.QualityScore
	}
	return sum / float64(len(entries))
}
