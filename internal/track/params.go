package track

import (
	"time"

	"github.com/jpalmerr/streamgauge/internal/stats"
)

// Params holds every tuning constant for the update engine and learners.
// All values are injected; nothing here is consulted as a package global.
type Params struct {
	// BaseGrid is the cadence grid: genuine update intervals are assumed
	// to be integer multiples of this period.
	BaseGrid time.Duration

	// SnapTolerance is the acceptable jitter when snapping an observed
	// delta to the nearest grid multiple.
	SnapTolerance time.Duration

	// FitThreshold is the fraction of grid-aligned deltas required to
	// commit a cadence multiple.
	FitThreshold float64

	// ClearThreshold is the fraction below which a previously committed
	// cadence multiple is cleared. Strictly below FitThreshold, forming a
	// hysteresis dead-band.
	ClearThreshold float64

	// EWMAAlpha is the learning rate for the mean-interval EWMA.
	EWMAAlpha float64

	// HistoryLimit caps the observation history and every sample list.
	HistoryLimit int

	// MinGap: deltas below this are ignored by the learners.
	MinGap time.Duration

	// MaxLearnable: intervals above this are never learned.
	MaxLearnable time.Duration

	// DefaultInterval is the prior mean interval for a fresh source.
	DefaultInterval time.Duration

	// LatencyPriorLoc and LatencyPriorScale seed the robust latency
	// estimator until enough samples accumulate.
	LatencyPriorLoc   time.Duration
	LatencyPriorScale time.Duration

	// Biweight holds the Tukey biweight tuning constants.
	Biweight stats.BiweightConfig
}

// DefaultParams returns the tuning used for USGS river gauges, which
// publish on 15-minute multiples with minute-scale jitter.
func DefaultParams() Params {
	return Params{
		BaseGrid:          15 * time.Minute,
		SnapTolerance:     3 * time.Minute,
		FitThreshold:      0.60,
		ClearThreshold:    0.45,
		EWMAAlpha:         0.30,
		HistoryLimit:      120,
		MinGap:            time.Minute,
		MaxLearnable:      6 * time.Hour,
		DefaultInterval:   15 * time.Minute,
		LatencyPriorLoc:   10 * time.Minute,
		LatencyPriorScale: 100 * time.Second,
		Biweight:          stats.BiweightConfig{LocC: 6.0, ScaleC: 9.0, MaxIters: 5},
	}
}

// ClampInterval bounds an interval estimate into [MinGap, MaxLearnable],
// substituting DefaultInterval for non-positive input.
func (p Params) ClampInterval(sec float64) float64 {
	if sec <= 0 {
		sec = p.DefaultInterval.Seconds()
	}
	if min := p.MinGap.Seconds(); sec < min {
		return min
	}
	if max := p.MaxLearnable.Seconds(); sec > max {
		return max
	}
	return sec
}
