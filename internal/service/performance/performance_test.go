package performance_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognalith/governor/internal/model"
	"github.com/cognalith/governor/internal/service/performance"
	"github.com/cognalith/governor/internal/testutil"
)

func entries(qualities []float64, successes []bool) []model.TaskHistoryEntry {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	out := make([]model.TaskHistoryEntry, len(qualities))
	for i, q := range qualities {
		out[i] = model.TaskHistoryEntry{
			AgentRole:    "cfo",
			TaskID:       fmt.Sprintf("t%02d", i),
			Category:     "reporting",
			Success:      successes[i],
			QualityScore: q,
			DurationMs:   int64(1000 * (i + 1)),
			CompletedAt:  base.Add(time.Duration(i) * time.Hour),
		}
	}
	return out
}

func TestSnapshot(t *testing.T) {
	now := time.Now()

	t.Run("empty", func(t *testing.T) {
		snap := performance.Snapshot(nil, now)
		assert.Equal(t, 0, snap.SampleSize)
		assert.Equal(t, model.TrendInsufficientData, snap.Trend)
	})

	t.Run("averages and variance", func(t *testing.T) {
		snap := performance.Snapshot(entries([]float64{0.5, 1.0}, []bool{true, false}), now)
		assert.Equal(t, 2, snap.SampleSize)
		assert.InDelta(t, 0.5, snap.SuccessRate, 1e-9)
		assert.InDelta(t, 0.75, snap.AvgQuality, 1e-9)
		assert.InDelta(t, 0.0625, snap.QualityVariance, 1e-9)
		assert.InDelta(t, 1500, snap.AvgDurationMs, 1e-9)
		assert.Equal(t, model.TrendInsufficientData, snap.Trend)
	})

	ok := []bool{true, true, true, true, true, true}
	tests := []struct {
		name      string
		qualities []float64
		want      model.Trend
	}{
		{"improving", []float64{0.5, 0.5, 0.5, 0.8, 0.8, 0.8}, model.TrendImproving},
		{"declining", []float64{0.9, 0.9, 0.9, 0.6, 0.6, 0.6}, model.TrendDeclining},
		{"stable", []float64{0.7, 0.72, 0.7, 0.71, 0.7, 0.73}, model.TrendStable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := entries(tt.qualities, ok)
			// Order must not matter.
			in[0], in[5] = in[5], in[0]
			assert.Equal(t, tt.want, performance.Snapshot(in, now).Trend)
		})
	}
}

func TestChronologicalDoesNotMutate(t *testing.T) {
	in := entries([]float64{0.1, 0.2, 0.3}, []bool{true, true, true})
	in[0], in[2] = in[2], in[0]
	out := performance.Chronological(in)
	assert.Equal(t, "t00", out[0].TaskID)
	assert.Equal(t, "t02", in[0].TaskID)
}

func TestRefreshStoresSnapshot(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewSQLite(t)
	testutil.SeedAgent(t, store, "cfo", "Base.")

	for _, e := range entries([]float64{0.9, 0.9, 0.9, 0.5, 0.5, 0.5}, []bool{true, true, true, false, false, true}) {
		require.NoError(t, store.AppendTaskHistory(ctx, e))
	}

	svc := performance.New(store, testutil.TestLogger(), 0)
	snap, err := svc.Refresh(ctx, "cfo")
	require.NoError(t, err)
	assert.Equal(t, 6, snap.SampleSize)
	assert.Equal(t, model.TrendDeclining, snap.Trend)

	agent, err := store.GetAgent(ctx, "cfo")
	require.NoError(t, err)
	assert.Equal(t, 6, agent.Performance.SampleSize)
	assert.InDelta(t, 4.0/6.0, agent.Performance.SuccessRate, 1e-9)
}
