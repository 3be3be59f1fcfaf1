package track

import (
	"math"
	"sort"
	"time"

	"github.com/jpalmerr/streamgauge/internal/stats"
)

// Engine applies poll results to source state and drives the learners.
// It is the single writer for Source values; create one per tracker.
type Engine struct {
	cfg Params
}

// NewEngine creates an update engine with the given tuning parameters.
func NewEngine(cfg Params) *Engine {
	return &Engine{cfg: cfg}
}

// Params returns the engine's tuning parameters.
func (e *Engine) Params() Params {
	return e.cfg
}

// Ingest applies one fetched reading to src and reports whether it was a
// genuine new observation (a strictly newer observation timestamp).
//
// A reading whose timestamp is not strictly newer is a refresh: the
// last-value cache is kept in sync, an exactly-equal timestamp patches the
// last history entry's missing fields, and the no-update counter grows.
// A new observation feeds the mean-interval EWMA (snapping the delta to
// the cadence grid when it fits), extends history and the delta list,
// re-runs the cadence and phase learners, and adds one bounded latency
// sample: clamp(prior location, lower, upper), where lower is the last
// poll at which the value was provably not yet visible and upper is the
// poll that saw it.
//
// All mutations are staged on a copy and committed at the end, so src is
// never left half-updated.
func (e *Engine) Ingest(src *Source, r Reading, pollTime time.Time) bool {
	next := src.clone()
	isUpdate := e.ingest(next, r, pollTime)
	*src = *next
	return isUpdate
}

func (e *Engine) ingest(src *Source, r Reading, pollTime time.Time) bool {
	if r.ObservedAt == nil {
		src.LastPollTS = copyTimePtr(&pollTime)
		return false
	}
	observedAt := r.ObservedAt.UTC()

	prevTS := src.LastTimestamp
	prevPoll := src.LastPollTS
	prevMean := src.MeanIntervalSec
	if prevMean <= 0 {
		prevMean = e.cfg.DefaultInterval.Seconds()
	}

	// Refresh, not a new observation.
	if prevTS != nil && !observedAt.After(*prevTS) {
		if r.Stage != nil {
			src.LastStage = copyFloatPtr(r.Stage)
		}
		if r.Flow != nil {
			src.LastFlow = copyFloatPtr(r.Flow)
		}
		// Same-timestamp parameter refresh: patch the last history entry
		// rather than freezing a stale stage/flow pair.
		if observedAt.Equal(*prevTS) && len(src.History) > 0 {
			last := &src.History[len(src.History)-1]
			if last.TS.Equal(observedAt) {
				if r.Stage != nil {
					last.Stage = copyFloatPtr(r.Stage)
				}
				if r.Flow != nil {
					last.Flow = copyFloatPtr(r.Flow)
				}
			}
		}
		src.NoUpdatePolls++
		src.LastPollTS = copyTimePtr(&pollTime)
		return false
	}

	isUpdate := false
	lastDelta := src.LastDeltaSec
	if prevTS != nil {
		deltaSec := observedAt.Sub(*prevTS).Seconds()
		if deltaSec >= e.cfg.MinGap.Seconds() {
			clamped := e.cfg.ClampInterval(deltaSec)
			if snapped, _, ok := e.cfg.SnapDelta(clamped); ok {
				prevMean = stats.EWMA(prevMean, snapped, e.cfg.EWMAAlpha)
			} else {
				prevMean = stats.EWMA(prevMean, clamped, e.cfg.EWMAAlpha)
			}
			lastDelta = &deltaSec
			isUpdate = true
		}
	} else {
		// Very first observation for this source: no delta to learn from.
		isUpdate = true
	}

	src.LastTimestamp = &observedAt
	src.MeanIntervalSec = math.Max(prevMean, e.cfg.MinGap.Seconds())
	src.LastDeltaSec = copyFloatPtr(lastDelta)
	if r.Stage != nil {
		src.LastStage = copyFloatPtr(r.Stage)
	}
	if r.Flow != nil {
		src.LastFlow = copyFloatPtr(r.Flow)
	}

	if n := len(src.History); n == 0 || !src.History[n-1].TS.Equal(observedAt) {
		src.History = append(src.History, Point{
			TS:    observedAt,
			Stage: copyFloatPtr(r.Stage),
			Flow:  copyFloatPtr(r.Flow),
		})
	}
	src.History = trimPoints(src.History, e.cfg.HistoryLimit)

	if isUpdate {
		pollsThisUpdate := src.NoUpdatePolls + 1
		if src.PollsPerUpdateEWMA > 0 {
			src.PollsPerUpdateEWMA = stats.EWMA(src.PollsPerUpdateEWMA, float64(pollsThisUpdate), e.cfg.EWMAAlpha)
		} else {
			src.PollsPerUpdateEWMA = float64(pollsThisUpdate)
		}
		src.LastPollsPerUpdate = pollsThisUpdate
	}

	if isUpdate && lastDelta != nil {
		src.DeltasSec = trimFloats(append(src.DeltasSec, *lastDelta), e.cfg.HistoryLimit)

		e.updateCadence(src)
		e.updatePhase(src)

		// Without a committed multiple, let a slow source snap upward
		// quickly from the default prior instead of EWMA-crawling.
		if src.CadenceMult == nil && len(src.DeltasSec) >= 3 {
			var sum float64
			for _, d := range src.DeltasSec {
				sum += d
			}
			avg := sum / float64(len(src.DeltasSec))
			if src.MeanIntervalSec < 0.75*avg {
				src.MeanIntervalSec = e.cfg.ClampInterval(avg)
			}
		}

		e.learnLatency(src, observedAt, prevPoll, pollTime)

		src.NoUpdatePolls = 0
	}

	src.LastPollTS = copyTimePtr(&pollTime)
	return isUpdate
}

// learnLatency records one publish-latency sample and refreshes the robust
// location/scale estimates.
//
// The true latency is only known to lie in [lower, upper]: at the previous
// poll the value was not yet visible, at this poll it was. The sample fed
// to the estimator is the running prior location clamped into that window,
// keeping the estimate consistent with every hard bound actually measured.
func (e *Engine) learnLatency(src *Source, observedAt time.Time, prevPoll *time.Time, pollTime time.Time) {
	lower := 0.0
	if prevPoll != nil {
		lower = math.Max(0, prevPoll.Sub(observedAt).Seconds())
	}
	upper := math.Max(0, pollTime.Sub(observedAt).Seconds())

	limit := e.cfg.HistoryLimit
	src.LatencyLowerSec = trimFloats(append(src.LatencyLowerSec, lower), limit)
	src.LatencyUpperSec = trimFloats(append(src.LatencyUpperSec, upper), limit)

	priorLoc := src.LatencyLocSec
	if priorLoc < 0 {
		priorLoc = e.cfg.LatencyPriorLoc.Seconds()
	}
	if priorLoc == 0 && len(src.LatenciesSec) == 0 {
		priorLoc = e.cfg.LatencyPriorLoc.Seconds()
	}
	priorScale := src.LatencyScaleSec
	if priorScale <= 0 {
		priorScale = e.cfg.LatencyPriorScale.Seconds()
	}

	sample := math.Min(math.Max(priorLoc, lower), upper)
	src.LatenciesSec = trimFloats(append(src.LatenciesSec, sample), limit)
	src.LastLatencySampleSec = &sample

	if len(src.LatenciesSec) < 3 {
		src.LatencyLocSec = priorLoc
		src.LatencyScaleSec = priorScale
		return
	}
	loc, scale := stats.BiweightLocationScale(src.LatenciesSec, priorLoc, priorScale, e.cfg.Biweight)
	src.LatencyLocSec = loc
	src.LatencyScaleSec = scale
}

// Backfill merges a fetched history window into src and re-runs the
// learners over the merged history. Existing entries win only where the
// backfilled point has nothing to add: merging patches non-nil fields per
// timestamp, then the history is re-sorted, deduped and trimmed.
func (e *Engine) Backfill(src *Source, points []Point) {
	if len(points) == 0 {
		return
	}

	byTS := make(map[int64]*Point, len(src.History)+len(points))
	order := make([]int64, 0, len(src.History)+len(points))
	add := func(pt Point) {
		key := pt.TS.UnixNano()
		existing, ok := byTS[key]
		if !ok {
			cp := Point{TS: pt.TS.UTC(), Stage: copyFloatPtr(pt.Stage), Flow: copyFloatPtr(pt.Flow)}
			byTS[key] = &cp
			order = append(order, key)
			return
		}
		if pt.Stage != nil {
			existing.Stage = copyFloatPtr(pt.Stage)
		}
		if pt.Flow != nil {
			existing.Flow = copyFloatPtr(pt.Flow)
		}
	}
	for _, pt := range src.History {
		add(pt)
	}
	for _, pt := range points {
		if pt.TS.IsZero() {
			continue
		}
		add(pt)
	}

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	merged := make([]Point, 0, len(order))
	for _, key := range order {
		merged = append(merged, *byTS[key])
	}
	src.History = trimPoints(merged, e.cfg.HistoryLimit)

	if n := len(src.History); n > 0 {
		latest := src.History[n-1]
		ts := latest.TS
		src.LastTimestamp = &ts
		if latest.Stage != nil {
			src.LastStage = copyFloatPtr(latest.Stage)
		}
		if latest.Flow != nil {
			src.LastFlow = copyFloatPtr(latest.Flow)
		}
	}

	// Re-derive deltas from the merged history.
	var deltas []float64
	for i := 1; i < len(src.History); i++ {
		d := src.History[i].TS.Sub(src.History[i-1].TS).Seconds()
		if d >= e.cfg.MinGap.Seconds() {
			deltas = append(deltas, d)
		}
	}

	if len(deltas) == 0 {
		src.MeanIntervalSec = e.cfg.ClampInterval(src.MeanIntervalSec)
		return
	}

	var sum float64
	for _, d := range deltas {
		sum += d
	}
	src.MeanIntervalSec = e.cfg.ClampInterval(sum / float64(len(deltas)))
	last := deltas[len(deltas)-1]
	src.LastDeltaSec = &last
	src.DeltasSec = trimFloats(deltas, e.cfg.HistoryLimit)

	e.updateCadence(src)
	e.updatePhase(src)
}
