package track

import (
	"math"

	"github.com/jpalmerr/streamgauge/internal/stats"
)

// updatePhase estimates the typical offset-within-period at which this
// source's observations land, for sources with a committed cadence
// multiple.
//
// Each history timestamp is mapped to its residue modulo the cadence
// period. Residues more than half a period away from the first residue are
// unwrapped by one period so the cluster is contiguous, a biweight
// location is taken over the unwrapped values, and the result is reduced
// back into [0, period). The biweight scale is kept alongside as a
// stability signal.
func (e *Engine) updatePhase(src *Source) {
	if src.CadenceMult == nil || *src.CadenceMult < 1 {
		return
	}
	period := float64(*src.CadenceMult) * e.cfg.BaseGrid.Seconds()
	if period <= 0 || len(src.History) < 3 {
		return
	}

	residues := make([]float64, 0, len(src.History))
	for _, pt := range src.History {
		residues = append(residues, math.Mod(float64(pt.TS.Unix()), period))
	}

	seed := residues[0]
	// Unwrap around the seed, then shift by one period so every sample is
	// positive for the biweight (which discards negative input).
	unwrapped := make([]float64, len(residues))
	for i, r := range residues {
		switch {
		case r-seed > period/2:
			r -= period
		case seed-r > period/2:
			r += period
		}
		unwrapped[i] = r + period
	}

	loc, scale := stats.BiweightLocationScale(unwrapped, seed+period, period/4, e.cfg.Biweight)

	phase := math.Mod(loc, period)
	if phase < 0 {
		phase += period
	}
	src.PhaseOffsetSec = &phase
	src.PhaseScaleSec = scale
}
