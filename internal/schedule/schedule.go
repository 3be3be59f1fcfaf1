// Package schedule turns learned per-source timing state into poll
// decisions. It predicts when the next observation becomes visible and
// picks the single next poll time shared by all tracked sources.
//
// Scheduling is stateless: every decision is a pure function of the
// learned parameters and the clock, so there is no mode to persist and
// nothing to get stuck in.
package schedule

import (
	"math"
	"time"

	"github.com/jpalmerr/streamgauge/internal/track"
)

// Params tunes the scheduler. All values are injected; use
// DefaultParams as the baseline.
type Params struct {
	// MinRetry is the shortest allowed gap between polls.
	MinRetry time.Duration
	// MaxRetry caps how far out a single decision may schedule.
	MaxRetry time.Duration
	// DefaultInterval is the fallback when no source has enough state.
	DefaultInterval time.Duration
	// Headstart is how far before a predicted visibility the coarse
	// walk aims to arrive.
	Headstart time.Duration

	// FineLatencyMax is the largest latency scale still considered
	// precise enough for fine polling.
	FineLatencyMax time.Duration
	// FineIntervalMax is the largest mean interval eligible for fine
	// polling.
	FineIntervalMax time.Duration
	// FineWindowMin is the minimum half-width of the fine window.
	FineWindowMin time.Duration
	// FineStepMin and FineStepMax bound the in-window poll step.
	FineStepMin time.Duration
	FineStepMax time.Duration

	// CoarseFraction scales the mean interval into the coarse step.
	CoarseFraction float64

	// ReducedFetchMin is the smallest modified-since window the hint
	// will ever suggest.
	ReducedFetchMin time.Duration
}

// DefaultParams returns the scheduler tuning used in production.
func DefaultParams() Params {
	return Params{
		MinRetry:        time.Minute,
		MaxRetry:        6 * time.Hour,
		DefaultInterval: 15 * time.Minute,
		Headstart:       30 * time.Second,
		FineLatencyMax:  time.Minute,
		FineIntervalMax: time.Hour,
		FineWindowMin:   30 * time.Second,
		FineStepMin:     15 * time.Second,
		FineStepMax:     30 * time.Second,
		CoarseFraction:  0.5,
		ReducedFetchMin: 30 * time.Minute,
	}
}

// PredictNext estimates when the source's next observation becomes
// visible: the next expected measurement time plus the learned
// publication latency. ok is false when the source has no baseline
// timestamp or mean interval yet.
//
// With a committed cadence and phase the prediction snaps onto the phase
// lattice; otherwise it walks forward from the last observation in
// whole mean intervals. When the tracker has been offline for more than
// two intervals, missed slots are skipped rather than replayed.
func (p Params) PredictNext(src *track.Source, now time.Time) (time.Time, bool) {
	if src == nil || src.LastTimestamp == nil || src.MeanIntervalSec <= 0 {
		return time.Time{}, false
	}
	interval := src.MeanIntervalSec
	lastObs := *src.LastTimestamp

	after := lastObs
	if gap := now.Sub(lastObs).Seconds(); gap > 2*interval {
		skipped := math.Floor(gap / interval)
		after = lastObs.Add(time.Duration(skipped * interval * float64(time.Second)))
	}

	var next time.Time
	if src.CadenceMult != nil && src.PhaseOffsetSec != nil {
		period := interval
		rem := math.Mod(float64(after.Unix())-*src.PhaseOffsetSec, period)
		if rem < 0 {
			rem += period
		}
		step := period - rem
		if step <= 0 {
			step = period
		}
		next = after.Add(time.Duration(step * float64(time.Second)))
	} else {
		next = after.Add(time.Duration(interval * float64(time.Second)))
	}

	latency := src.LatencyLocSec
	if latency < 0 {
		latency = 0
	}
	return next.Add(time.Duration(latency * float64(time.Second))), true
}

// fineEligible reports whether the latency estimate is tight enough, and
// the cadence fast enough, for dense in-window polling.
func (p Params) fineEligible(src *track.Source) bool {
	return src.LatencyScaleSec > 0 &&
		src.LatencyScaleSec <= p.FineLatencyMax.Seconds() &&
		src.MeanIntervalSec <= p.FineIntervalMax.Seconds()
}

// candidate computes one source's preferred next poll time.
func (p Params) candidate(src *track.Source, now time.Time) (time.Time, bool) {
	predicted, ok := p.PredictNext(src, now)
	if !ok {
		return time.Time{}, false
	}

	target := predicted
	if p.fineEligible(src) {
		halfWidth := time.Duration(math.Max(
			p.FineWindowMin.Seconds(),
			2*src.LatencyScaleSec,
		) * float64(time.Second))
		windowStart := predicted.Add(-halfWidth)
		windowEnd := predicted.Add(halfWidth)

		if !now.Before(windowStart) && !now.After(windowEnd) {
			step := halfWidth / 4
			if step < p.FineStepMin {
				step = p.FineStepMin
			}
			if step > p.FineStepMax {
				step = p.FineStepMax
			}
			return now.Add(step), true
		}
		// Walk toward the window edge, not the center.
		target = windowStart
	}

	coarseStep := time.Duration(math.Max(
		p.MinRetry.Seconds(),
		src.MeanIntervalSec*p.CoarseFraction,
	) * float64(time.Second))
	cand := now.Add(coarseStep)
	if arrive := target.Add(-p.Headstart); arrive.Before(cand) {
		cand = arrive
	}
	if floor := now.Add(p.MinRetry); cand.Before(floor) {
		cand = floor
	}
	return cand, true
}

// NextPoll picks the global next poll time: the earliest candidate across
// all tracked sources, bounded by MaxRetry. With no usable source the
// default interval applies. One shared poll serves whichever source is
// most urgent.
func (p Params) NextPoll(sources map[string]*track.Source, now time.Time) time.Time {
	var best time.Time
	for _, src := range sources {
		cand, ok := p.candidate(src, now)
		if !ok {
			continue
		}
		if best.IsZero() || cand.Before(best) {
			best = cand
		}
	}
	if best.IsZero() {
		return now.Add(p.DefaultInterval)
	}
	if limit := now.Add(p.MaxRetry); best.After(limit) {
		best = limit
	}
	return best
}

// ReducedFetchHint suggests a modified-since window for backends that
// support it, so steady-state polls only move recent records. The hint
// is disabled (zero) while any tracked source lacks a baseline or
// updates slower than hourly, because a short window could then miss the
// only data a poll would have returned.
func (p Params) ReducedFetchHint(sources map[string]*track.Source) time.Duration {
	if len(sources) == 0 {
		return 0
	}
	minInterval := math.MaxFloat64
	for _, src := range sources {
		if src == nil || src.LastTimestamp == nil || src.MeanIntervalSec <= 0 {
			return 0
		}
		if src.MeanIntervalSec > p.FineIntervalMax.Seconds() {
			return 0
		}
		if src.MeanIntervalSec < minInterval {
			minInterval = src.MeanIntervalSec
		}
	}
	window := time.Duration(2 * minInterval * float64(time.Second))
	if window < p.ReducedFetchMin {
		window = p.ReducedFetchMin
	}
	return window
}
