package track

import "time"

// Point is a single observation in a source's history.
//
// Stage and Flow are optional: an upstream API may publish only one of the
// two parameters for a given timestamp, and a later reading for the same
// timestamp patches whichever fields it carries.
type Point struct {
	TS    time.Time `json:"ts"`
	Stage *float64  `json:"stage,omitempty"`
	Flow  *float64  `json:"flow,omitempty"`
}

// Reading is one fetched observation for a source. A nil ObservedAt means
// the backend returned values without a usable observation timestamp.
type Reading struct {
	Stage      *float64
	Flow       *float64
	ObservedAt *time.Time
}

// Source is the learned state for one tracked gauge.
//
// Invariants maintained by the engine and the persistence cleanup pass:
// History is ascending with at most one entry per timestamp and at most
// HistoryLimit entries; MeanIntervalSec is clamped into
// [MinGap, MaxLearnable]; CadenceMult is present only while its fit is
// above the clear threshold; LatencyScaleSec is never negative; every
// sample list is FIFO-trimmed.
type Source struct {
	// Latest observation.
	LastTimestamp *time.Time `json:"last_timestamp,omitempty"`
	LastStage     *float64   `json:"last_stage,omitempty"`
	LastFlow      *float64   `json:"last_flow,omitempty"`

	// Rolling observation window.
	History []Point `json:"history,omitempty"`

	// Cadence learning.
	MeanIntervalSec float64   `json:"mean_interval_sec"`
	LastDeltaSec    *float64  `json:"last_delta_sec,omitempty"`
	DeltasSec       []float64 `json:"deltas,omitempty"`
	CadenceMult     *int      `json:"cadence_mult,omitempty"`
	CadenceFit      float64   `json:"cadence_fit,omitempty"`

	// Phase learning (present only with a committed cadence multiple).
	PhaseOffsetSec *float64 `json:"phase_offset_sec,omitempty"`
	PhaseScaleSec  float64  `json:"phase_scale_sec,omitempty"`

	// Latency learning: observation time -> API visibility.
	LatenciesSec         []float64 `json:"latencies_sec,omitempty"`
	LatencyLowerSec      []float64 `json:"latency_lower_sec,omitempty"`
	LatencyUpperSec      []float64 `json:"latency_upper_sec,omitempty"`
	LatencyLocSec        float64   `json:"latency_loc_sec"`
	LatencyScaleSec      float64   `json:"latency_scale_sec"`
	LastLatencySampleSec *float64  `json:"last_latency_sample_sec,omitempty"`

	// Poll bookkeeping.
	LastPollTS         *time.Time `json:"last_poll_ts,omitempty"`
	NoUpdatePolls      int        `json:"no_update_polls,omitempty"`
	LastPollsPerUpdate int        `json:"last_polls_per_update,omitempty"`
	PollsPerUpdateEWMA float64    `json:"polls_per_update_ewma,omitempty"`
}

// clone returns a deep copy. Ingest stages its mutations on a clone and
// commits with a single assignment so a mid-call failure cannot leave a
// source half-updated.
func (s *Source) clone() *Source {
	cp := *s
	cp.LastTimestamp = copyTimePtr(s.LastTimestamp)
	cp.LastStage = copyFloatPtr(s.LastStage)
	cp.LastFlow = copyFloatPtr(s.LastFlow)
	cp.History = append([]Point(nil), s.History...)
	cp.LastDeltaSec = copyFloatPtr(s.LastDeltaSec)
	cp.DeltasSec = append([]float64(nil), s.DeltasSec...)
	cp.CadenceMult = copyIntPtr(s.CadenceMult)
	cp.PhaseOffsetSec = copyFloatPtr(s.PhaseOffsetSec)
	cp.LatenciesSec = append([]float64(nil), s.LatenciesSec...)
	cp.LatencyLowerSec = append([]float64(nil), s.LatencyLowerSec...)
	cp.LatencyUpperSec = append([]float64(nil), s.LatencyUpperSec...)
	cp.LastLatencySampleSec = copyFloatPtr(s.LastLatencySampleSec)
	cp.LastPollTS = copyTimePtr(s.LastPollTS)
	return &cp
}

func copyTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyFloatPtr(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func copyIntPtr(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}

// trimFloats keeps the newest limit entries of a FIFO sample list.
func trimFloats(vals []float64, limit int) []float64 {
	if limit <= 0 || len(vals) <= limit {
		return vals
	}
	return vals[len(vals)-limit:]
}

// trimPoints keeps the newest limit history entries.
func trimPoints(pts []Point, limit int) []Point {
	if limit <= 0 || len(pts) <= limit {
		return pts
	}
	return pts[len(pts)-limit:]
}
