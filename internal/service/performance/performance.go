// Package performance computes agent performance snapshots from task
// history. Snapshots are stored on the agent row and frozen onto
// amendments as performance_before / performance_after.
package performance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cognalith/governor/internal/model"
	"github.com/cognalith/governor/internal/storage"
)

const (
	// MinTrendSample is the smallest history that gets a trend label.
	MinTrendSample = 6

	// TrendThreshold is the change in average quality between the two
	// halves of the history that counts as a trend.
	TrendThreshold = 0.05

	// DefaultLookback is how many recent tasks a snapshot covers.
	DefaultLookback = 50
)

// Snapshot summarizes entries, which may be in any order.
func Snapshot(entries []model.TaskHistoryEntry, now time.Time) model.PerformanceSnapshot {
	snap := model.PerformanceSnapshot{
		SampleSize: len(entries),
		Trend:      model.TrendInsufficientData,
		ComputedAt: now.UTC(),
	}
	if len(entries) == 0 {
		return snap
	}

	var successes int
	var quality, duration float64
	for _, e := range entries {
		if e.Success {
			successes++
		}
		quality += e.QualityScore
		duration += float64(e.DurationMs)
	}
	n := float64(len(entries))
	snap.SuccessRate = float64(successes) / n
	snap.AvgQuality = quality / n
	snap.AvgDurationMs = duration / n

	var sq float64
	for _, e := range entries {
		d := e.QualityScore - snap.AvgQuality
		sq += d * d
	}
	snap.QualityVariance = sq / n

	if len(entries) >= MinTrendSample {
		snap.Trend = trend(entries)
	}
	return snap
}

func trend(entries []model.TaskHistoryEntry) model.Trend {
	sorted := Chronological(entries)
	half := len(sorted) / 2
	leading := meanQuality(sorted[:half])
	trailing := meanQuality(sorted[len(sorted)-half:])
	switch {
	case trailing-leading > TrendThreshold:
		return model.TrendImproving
	case leading-trailing > TrendThreshold:
		return model.TrendDeclining
	default:
		return model.TrendStable
	}
}

func meanQuality(entries []model.TaskHistoryEntry) float64 {
	if len(entries) == 0 {
		return 0
	}
	var sum float64
	for _, e := range entries {
		sum += e.QualityScore
	}
	return sum / float64(len(entries))
}

// Chronological returns a copy of entries sorted oldest first, ties broken
// by task id.
func Chronological(entries []model.TaskHistoryEntry) []model.TaskHistoryEntry {
	out := make([]model.TaskHistoryEntry, len(entries))
	copy(out, entries)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CompletedAt.Equal(out[j].CompletedAt) {
			return out[i].CompletedAt.Before(out[j].CompletedAt)
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}

// Service computes and stores agent performance snapshots.
type Service struct {
	store    storage.Store
	logger   *slog.Logger
	lookback int
	now      func() time.Time
}

// New creates a performance service covering the last lookback tasks.
func New(store storage.Store, logger *slog.Logger, lookback int) *Service {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	return &Service{store: store, logger: logger, lookback: lookback, now: time.Now}
}

// Compute returns a fresh snapshot for role without storing it.
func (s *Service) Compute(ctx context.Context, role string) (model.PerformanceSnapshot, error) {
	entries, err := s.store.ListTaskHistory(ctx, model.TaskHistoryFilter{AgentRole: role, Limit: s.lookback})
	if err != nil {
		return model.PerformanceSnapshot{}, fmt.Errorf("performance: history for %s: %w", role, err)
	}
	return Snapshot(entries, s.now()), nil
}

// Refresh computes a snapshot and stores it on the agent row.
func (s *Service) Refresh(ctx context.Context, role string) (model.PerformanceSnapshot, error) {
	snap, err := s.Compute(ctx, role)
	if err != nil {
		return model.PerformanceSnapshot{}, err
	}
	if _, err := s.store.UpdateAgent(ctx, role, func(a *model.Agent) error {
		a.Performance = snap
		return nil
	}); err != nil {
		return model.PerformanceSnapshot{}, fmt.Errorf("performance: store snapshot for %s: %w", role, err)
	}
	s.logger.Debug("performance: snapshot refreshed", "agent", role, "sample_size", snap.SampleSize, "trend", snap.Trend)
	return snap, nil
}
