// Package stats provides the robust statistics primitives used by the
// cadence, phase, and latency learners.
//
// All functions are pure and safe to call with degenerate input (empty
// sample sets, zero scales): they fall back to the supplied priors or zero
// values rather than returning errors, so learners can run at any point in
// a source's lifetime.
package stats
