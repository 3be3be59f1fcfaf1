package track

import "math"

// SnapDelta snaps an observed update delta (seconds) to the nearest
// integer multiple of the base grid. It returns the snapped delta and the
// multiple k, or ok=false when the delta is non-positive or lies outside
// the snap tolerance of every multiple.
func (p Params) SnapDelta(deltaSec float64) (snapped float64, k int, ok bool) {
	if deltaSec <= 0 {
		return 0, 0, false
	}
	base := p.BaseGrid.Seconds()
	k = int(math.Round(deltaSec / base))
	if k < 1 {
		return 0, 0, false
	}
	snapped = float64(k) * base
	if math.Abs(snapped-deltaSec) <= p.SnapTolerance.Seconds() {
		return snapped, k, true
	}
	return 0, 0, false
}

// EstimateCadence estimates the underlying cadence multiple from a list of
// observed deltas (seconds).
//
// The estimator is tolerant of missed updates: a 2x or 3x gap still votes
// for the true base multiple, because the vote counts how many snapped
// deltas are divisible by each candidate divisor. The fit is that count
// over the snappable samples; off-grid deltas neither vote nor dilute.
// Ties break toward the larger divisor. It returns ok=false (fit 0) with
// fewer than 3 snappable deltas.
func (p Params) EstimateCadence(deltasSec []float64) (k int, fit float64, ok bool) {
	var samples []int
	for _, d := range deltasSec {
		if _, kk, snapOK := p.SnapDelta(d); snapOK {
			samples = append(samples, kk)
		}
	}
	if len(samples) < 3 {
		return 0, 0, false
	}

	maxK := samples[0]
	for _, s := range samples[1:] {
		if s > maxK {
			maxK = s
		}
	}

	bestK := 1
	bestFit := 0.0
	n := float64(len(samples))
	for cand := 1; cand <= maxK; cand++ {
		hits := 0
		for _, s := range samples {
			if s%cand == 0 {
				hits++
			}
		}
		f := float64(hits) / n
		if f > bestFit+1e-9 || (math.Abs(f-bestFit) <= 1e-9 && cand > bestK) {
			bestFit = f
			bestK = cand
		}
	}
	return bestK, bestFit, true
}

// updateCadence re-runs the cadence vote over the source's delta list.
//
// A fit at or above FitThreshold commits the multiple and snaps the mean
// interval onto it. A fit below ClearThreshold clears a previously
// committed multiple so the EWMA can adapt freely again; fits inside the
// dead-band leave the committed value untouched.
func (e *Engine) updateCadence(src *Source) {
	k, fit, ok := e.cfg.EstimateCadence(src.DeltasSec)
	switch {
	case ok && fit >= e.cfg.FitThreshold:
		src.CadenceMult = &k
		src.CadenceFit = fit
		src.MeanIntervalSec = e.cfg.ClampInterval(float64(k) * e.cfg.BaseGrid.Seconds())
	case fit < e.cfg.ClearThreshold && src.CadenceMult != nil:
		src.CadenceMult = nil
		src.CadenceFit = 0
		src.PhaseOffsetSec = nil
		src.PhaseScaleSec = 0
	}
}
