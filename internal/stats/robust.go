package stats

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// BiweightConfig holds the tuning constants for the Tukey biweight
// estimators. LocC and ScaleC are the location and scale tuning constants;
// MaxIters caps the location iteration count.
type BiweightConfig struct {
	LocC     float64
	ScaleC   float64
	MaxIters int
}

// Median returns the empirical median of values, or 0 for an empty slice.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}

// MAD returns the median absolute deviation of values around center, or 0
// for an empty slice.
func MAD(values []float64, center float64) float64 {
	if len(values) == 0 {
		return 0
	}
	devs := make([]float64, len(values))
	for i, v := range values {
		devs[i] = math.Abs(v - center)
	}
	return Median(devs)
}

// BiweightLocationScale computes Tukey's biweight (bisquare) robust
// location and scale for values, seeded by initialLoc and initialScale.
//
// The location is refined by iterative reweighting: residuals beyond
// LocC*scale get zero weight, the rest are weighted by (1-u^2)^2. Iteration
// stops at MaxIters or when the update step drops below 1e-3. The scale is
// the biweight midvariance computed once from the converged location with
// ScaleC as the tuning constant; a degenerate denominator yields scale 0.
//
// Non-finite and negative samples are dropped. With no usable samples the
// initial location and max(0, initialScale) are returned unchanged.
func BiweightLocationScale(values []float64, initialLoc, initialScale float64, cfg BiweightConfig) (loc, scale float64) {
	clean := values[:0:0]
	for _, v := range values {
		if math.IsInf(v, 0) || math.IsNaN(v) || v < 0 {
			continue
		}
		clean = append(clean, v)
	}
	if len(clean) == 0 {
		return initialLoc, math.Max(0, initialScale)
	}

	loc = initialLoc
	seedScale := math.Max(initialScale, 1e-6)

	iters := cfg.MaxIters
	if iters < 1 {
		iters = 1
	}
	for i := 0; i < iters; i++ {
		denom := cfg.LocC * seedScale
		if denom <= 0 {
			break
		}
		var num, den float64
		for _, v := range clean {
			u := (v - loc) / denom
			if math.Abs(u) >= 1 {
				continue
			}
			w := (1 - u*u) * (1 - u*u)
			num += (v - loc) * w
			den += w
		}
		if den <= 1e-12 {
			break
		}
		step := num / den
		loc += step
		if math.Abs(step) < 1e-3 {
			break
		}
	}

	denom := cfg.ScaleC * seedScale
	if denom <= 0 {
		return loc, 0
	}
	var num, den float64
	for _, v := range clean {
		u := (v - loc) / denom
		if math.Abs(u) >= 1 {
			continue
		}
		oneMinus := 1 - u*u
		num += (v - loc) * (v - loc) * oneMinus * oneMinus * oneMinus * oneMinus
		den += oneMinus * (1 - 5*u*u)
	}
	den = math.Abs(den)
	if den <= 1e-12 {
		return loc, 0
	}
	scale = math.Sqrt(float64(len(clean))*num) / den
	return loc, math.Max(scale, 0)
}
