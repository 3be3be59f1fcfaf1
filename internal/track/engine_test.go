package track

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f64(v float64) *float64 { return &v }

func tsAt(t time.Time) *time.Time { return &t }

func TestIngestFirstObservation(t *testing.T) {
	e := NewEngine(DefaultParams())
	src := &Source{}

	obs := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	poll := obs.Add(2 * time.Minute)

	got := e.Ingest(src, Reading{Stage: f64(3.2), Flow: f64(110), ObservedAt: tsAt(obs)}, poll)

	assert.True(t, got)
	require.NotNil(t, src.LastTimestamp)
	assert.True(t, src.LastTimestamp.Equal(obs))
	require.NotNil(t, src.LastStage)
	assert.Equal(t, 3.2, *src.LastStage)
	assert.Equal(t, DefaultParams().DefaultInterval.Seconds(), src.MeanIntervalSec)
	require.Len(t, src.History, 1)
	assert.True(t, poll.Equal(*src.LastPollTS))
}

func TestIngestNilObservedAtOnlyStampsPoll(t *testing.T) {
	e := NewEngine(DefaultParams())
	src := &Source{}
	poll := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	got := e.Ingest(src, Reading{Stage: f64(1)}, poll)

	assert.False(t, got)
	assert.Nil(t, src.LastTimestamp)
	assert.Empty(t, src.History)
	require.NotNil(t, src.LastPollTS)
	assert.True(t, poll.Equal(*src.LastPollTS))
}

func TestIngestRefreshPatchesLastHistoryEntry(t *testing.T) {
	e := NewEngine(DefaultParams())
	src := &Source{}
	obs := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	e.Ingest(src, Reading{Stage: f64(3.2), ObservedAt: tsAt(obs)}, obs.Add(time.Minute))
	got := e.Ingest(src, Reading{Flow: f64(140), ObservedAt: tsAt(obs)}, obs.Add(2*time.Minute))

	assert.False(t, got)
	require.Len(t, src.History, 1)
	require.NotNil(t, src.History[0].Stage)
	assert.Equal(t, 3.2, *src.History[0].Stage)
	require.NotNil(t, src.History[0].Flow)
	assert.Equal(t, 140.0, *src.History[0].Flow)
	assert.Equal(t, 1, src.NoUpdatePolls)
	require.NotNil(t, src.LastFlow)
	assert.Equal(t, 140.0, *src.LastFlow)
}

func TestIngestOlderTimestampIsARefresh(t *testing.T) {
	e := NewEngine(DefaultParams())
	src := &Source{}
	obs := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	e.Ingest(src, Reading{Stage: f64(3.2), ObservedAt: tsAt(obs)}, obs.Add(time.Minute))
	got := e.Ingest(src, Reading{Stage: f64(2.0), ObservedAt: tsAt(obs.Add(-time.Hour))}, obs.Add(2*time.Minute))

	assert.False(t, got)
	assert.True(t, src.LastTimestamp.Equal(obs))
	require.Len(t, src.History, 1)
}

func TestIngestHourlyCadenceCommits(t *testing.T) {
	e := NewEngine(DefaultParams())
	src := &Source{}
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		obs := start.Add(time.Duration(i) * time.Hour)
		got := e.Ingest(src, Reading{Stage: f64(2.5), ObservedAt: tsAt(obs)}, obs.Add(90*time.Second))
		assert.True(t, got)
	}

	require.NotNil(t, src.CadenceMult)
	assert.Equal(t, 4, *src.CadenceMult)
	assert.InDelta(t, 1.0, src.CadenceFit, 1e-9)
	assert.Equal(t, 3600.0, src.MeanIntervalSec)
}

func TestIngestIrregularCadenceStaysUncommitted(t *testing.T) {
	e := NewEngine(DefaultParams())
	src := &Source{}
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	// 20-minute spacing does not land on the 15-minute grid.
	for i := 0; i < 4; i++ {
		obs := start.Add(time.Duration(i) * 20 * time.Minute)
		e.Ingest(src, Reading{Stage: f64(2.5), ObservedAt: tsAt(obs)}, obs.Add(time.Minute))
	}

	assert.Nil(t, src.CadenceMult)
	assert.Greater(t, src.MeanIntervalSec, 900.0)
	assert.Less(t, src.MeanIntervalSec, 1800.0)
}

func TestIngestHistoryIsBounded(t *testing.T) {
	p := DefaultParams()
	p.HistoryLimit = 10
	e := NewEngine(p)
	src := &Source{}
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 30; i++ {
		obs := start.Add(time.Duration(i) * 15 * time.Minute)
		e.Ingest(src, Reading{Stage: f64(2.5), ObservedAt: tsAt(obs)}, obs.Add(time.Minute))
	}

	assert.Len(t, src.History, 10)
	assert.LessOrEqual(t, len(src.DeltasSec), 10)
	assert.LessOrEqual(t, len(src.LatenciesSec), 10)
	assert.True(t, src.History[9].TS.After(src.History[0].TS))
}

func TestIngestLatencySampleClampedToWindow(t *testing.T) {
	e := NewEngine(DefaultParams())
	src := &Source{}
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	e.Ingest(src, Reading{Stage: f64(2.5), ObservedAt: tsAt(start)}, start.Add(time.Minute))

	obs := start.Add(time.Hour)
	e.Ingest(src, Reading{Stage: f64(2.6), ObservedAt: tsAt(obs)}, obs.Add(2*time.Minute))

	// Prior of 600s exceeds the 120s upper bound, so the sample clamps.
	require.NotNil(t, src.LastLatencySampleSec)
	assert.Equal(t, 120.0, *src.LastLatencySampleSec)
	// Fewer than three samples: estimates stay at the priors.
	assert.Equal(t, 600.0, src.LatencyLocSec)
	assert.Equal(t, 100.0, src.LatencyScaleSec)
}

func TestIngestLatencyEstimateConvergesOnBounds(t *testing.T) {
	e := NewEngine(DefaultParams())
	src := &Source{}
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	e.Ingest(src, Reading{Stage: f64(2.5), ObservedAt: tsAt(start)}, start.Add(time.Minute))
	for i := 1; i <= 4; i++ {
		obs := start.Add(time.Duration(i) * time.Hour)
		e.Ingest(src, Reading{Stage: f64(2.5), ObservedAt: tsAt(obs)}, obs.Add(2*time.Minute))
	}

	// Every sample clamps to the 120s upper bound, so the robust
	// location must settle there with zero spread.
	assert.InDelta(t, 120.0, src.LatencyLocSec, 1e-6)
	assert.InDelta(t, 0.0, src.LatencyScaleSec, 1e-6)
}

func TestIngestPollsPerUpdateEWMA(t *testing.T) {
	e := NewEngine(DefaultParams())
	src := &Source{}
	obs := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	e.Ingest(src, Reading{Stage: f64(2.5), ObservedAt: tsAt(obs)}, obs.Add(time.Minute))
	assert.Equal(t, 1, src.LastPollsPerUpdate)
	assert.Equal(t, 1.0, src.PollsPerUpdateEWMA)

	// Two empty-handed polls, then the next observation lands.
	e.Ingest(src, Reading{Stage: f64(2.5), ObservedAt: tsAt(obs)}, obs.Add(16*time.Minute))
	e.Ingest(src, Reading{Stage: f64(2.5), ObservedAt: tsAt(obs)}, obs.Add(31*time.Minute))
	next := obs.Add(45 * time.Minute)
	e.Ingest(src, Reading{Stage: f64(2.6), ObservedAt: tsAt(next)}, next.Add(time.Minute))

	assert.Equal(t, 3, src.LastPollsPerUpdate)
	assert.InDelta(t, 1.6, src.PollsPerUpdateEWMA, 1e-9)
	assert.Equal(t, 0, src.NoUpdatePolls)
}

func TestIngestCommitIsAtomic(t *testing.T) {
	e := NewEngine(DefaultParams())
	src := &Source{}
	obs := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	e.Ingest(src, Reading{Stage: f64(2.5), ObservedAt: tsAt(obs)}, obs.Add(time.Minute))

	before := src.clone()
	// A nil-timestamp reading must leave everything but the poll stamp alone.
	e.Ingest(src, Reading{Stage: f64(9.9)}, obs.Add(2*time.Minute))

	assert.Equal(t, before.History, src.History)
	assert.Equal(t, *before.LastStage, *src.LastStage)
	assert.Equal(t, before.MeanIntervalSec, src.MeanIntervalSec)
}

func TestBackfillDerivesIntervalAndCadence(t *testing.T) {
	e := NewEngine(DefaultParams())
	src := &Source{}
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	points := make([]Point, 0, 5)
	for i := 0; i < 5; i++ {
		points = append(points, Point{TS: start.Add(time.Duration(i) * 30 * time.Minute), Stage: f64(2.0)})
	}
	e.Backfill(src, points)

	assert.Equal(t, 1800.0, src.MeanIntervalSec)
	require.NotNil(t, src.CadenceMult)
	assert.Equal(t, 2, *src.CadenceMult)
	require.NotNil(t, src.LastTimestamp)
	assert.True(t, src.LastTimestamp.Equal(start.Add(2*time.Hour)))
	require.Len(t, src.History, 5)
}

func TestBackfillMergesWithExistingHistory(t *testing.T) {
	e := NewEngine(DefaultParams())
	src := &Source{}
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	e.Ingest(src, Reading{Stage: f64(2.0), ObservedAt: tsAt(start.Add(time.Hour))}, start.Add(61*time.Minute))

	// Backfill overlaps the live entry and adds flow to it.
	points := []Point{
		{TS: start, Stage: f64(1.8)},
		{TS: start.Add(time.Hour), Flow: f64(95)},
		{TS: start.Add(2 * time.Hour), Stage: f64(2.1)},
	}
	e.Backfill(src, points)

	require.Len(t, src.History, 3)
	mid := src.History[1]
	require.NotNil(t, mid.Stage)
	assert.Equal(t, 2.0, *mid.Stage)
	require.NotNil(t, mid.Flow)
	assert.Equal(t, 95.0, *mid.Flow)
	assert.True(t, src.LastTimestamp.Equal(start.Add(2*time.Hour)))
	assert.Equal(t, 3600.0, src.MeanIntervalSec)
}

func TestBackfillEmptyIsANoOp(t *testing.T) {
	e := NewEngine(DefaultParams())
	src := &Source{MeanIntervalSec: 1234}
	e.Backfill(src, nil)
	assert.Equal(t, 1234.0, src.MeanIntervalSec)
	assert.Empty(t, src.History)
}
