package stats

// EWMA returns the exponentially weighted moving average of current and
// sample with learning rate alpha. A non-positive current mean is treated
// as "no estimate yet" and the sample is adopted directly.
func EWMA(current, sample, alpha float64) float64 {
	if current <= 0 {
		return sample
	}
	return (1-alpha)*current + alpha*sample
}

// EWMAVariance updates an EWMA of variance given the current variance
// estimate, the current mean, and a new sample. Negative variance input is
// clamped to zero before updating.
func EWMAVariance(currentVar, currentMean, sample, alpha float64) float64 {
	if currentVar < 0 {
		currentVar = 0
	}
	diff := sample - currentMean
	return (1-alpha)*currentVar + alpha*diff*diff
}
