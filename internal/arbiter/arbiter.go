// Package arbiter decides which upstream backend to trust. It keeps
// per-backend reliability and latency statistics and picks between
// querying a single backend or blending both, with hysteresis so the
// choice does not flap on noise.
package arbiter

import (
	"fmt"
	"math"
	"time"

	"github.com/jpalmerr/streamgauge/internal/stats"
	"github.com/jpalmerr/streamgauge/internal/track"
)

// Backend identifies an upstream data API, or the blended mode that
// queries all of them.
type Backend string

const (
	// Blended queries every backend and merges the results.
	Blended Backend = "blended"
	// WaterServices is the NWIS instantaneous-values API.
	WaterServices Backend = "waterservices"
	// OGC is the OGC API Features endpoint.
	OGC Backend = "ogcapi"
)

// ParseBackend converts a config string into a Backend.
func ParseBackend(s string) (Backend, error) {
	switch Backend(s) {
	case Blended, WaterServices, OGC:
		return Backend(s), nil
	default:
		return "", fmt.Errorf("unknown backend %q", s)
	}
}

// String implements fmt.Stringer.
func (b Backend) String() string { return string(b) }

// MarshalText implements encoding.TextMarshaler.
func (b Backend) MarshalText() ([]byte, error) { return []byte(b), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *Backend) UnmarshalText(text []byte) error {
	parsed, err := ParseBackend(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Stat accumulates one backend's observed behavior.
type Stat struct {
	Successes     int        `json:"successes"`
	Failures      int        `json:"failures"`
	LatencyEWMAms float64    `json:"latency_ewma_ms"`
	LatencyVarMs2 float64    `json:"latency_var_ms2"`
	LastSuccess   *time.Time `json:"last_success,omitempty"`
	LastFailure   *time.Time `json:"last_failure,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// FailRate is failures over total attempts, 0 with no attempts.
func (s Stat) FailRate() float64 {
	total := s.Successes + s.Failures
	if total == 0 {
		return 0
	}
	return float64(s.Failures) / float64(total)
}

// State is the arbiter's persistable state.
type State struct {
	Stats     map[Backend]*Stat `json:"stats"`
	Preferred *Backend          `json:"preferred,omitempty"`
	LastProbe *time.Time        `json:"last_probe,omitempty"`
}

// Params tunes the arbiter's decision rule.
type Params struct {
	// LatencyAlpha and VarianceAlpha are the EWMA smoothing factors for
	// the latency mean and its variance.
	LatencyAlpha  float64
	VarianceAlpha float64
	// SwitchHysteresis is the relative latency gap required before the
	// faster backend wins outright.
	SwitchHysteresis float64
	// VarianceMargin is the relative variance advantage required to win
	// inside the hysteresis band.
	VarianceMargin float64
	// ConfidenceSamples is the success count every backend must reach
	// before the arbiter will commit to one.
	ConfidenceSamples int
	// FailRateHigh and FailRateLow bound the reliability override: one
	// backend failing above High while the other stays below Low decides
	// immediately.
	FailRateHigh float64
	FailRateLow  float64
	// ProbeInterval is how often a committed choice is re-validated by
	// reverting to blended for one cycle.
	ProbeInterval time.Duration
}

// DefaultParams returns the arbiter tuning used in production.
func DefaultParams() Params {
	return Params{
		LatencyAlpha:      0.2,
		VarianceAlpha:     0.1,
		SwitchHysteresis:  0.10,
		VarianceMargin:    0.8,
		ConfidenceSamples: 20,
		FailRateHigh:      0.10,
		FailRateLow:       0.05,
		ProbeInterval:     24 * time.Hour,
	}
}

// Arbiter owns the decision state. It is not safe for concurrent use;
// the tracker is its single caller.
type Arbiter struct {
	cfg   Params
	state State
}

// New creates an arbiter, resuming from prior state when given.
func New(cfg Params, prior *State) *Arbiter {
	a := &Arbiter{cfg: cfg}
	if prior != nil {
		a.state = *prior
	}
	if a.state.Stats == nil {
		a.state.Stats = make(map[Backend]*Stat)
	}
	for _, b := range []Backend{WaterServices, OGC} {
		if a.state.Stats[b] == nil {
			a.state.Stats[b] = &Stat{}
		}
	}
	return a
}

// State returns a snapshot of the arbiter state for persistence.
func (a *Arbiter) State() State {
	cp := State{Stats: make(map[Backend]*Stat, len(a.state.Stats))}
	for b, s := range a.state.Stats {
		sc := *s
		cp.Stats[b] = &sc
	}
	if a.state.Preferred != nil {
		p := *a.state.Preferred
		cp.Preferred = &p
	}
	if a.state.LastProbe != nil {
		t := *a.state.LastProbe
		cp.LastProbe = &t
	}
	return cp
}

// Stat returns the accumulated statistics for one backend.
func (a *Arbiter) Stat(b Backend) Stat {
	if s := a.state.Stats[b]; s != nil {
		return *s
	}
	return Stat{}
}

// Preferred returns the committed backend, or nil while blended.
func (a *Arbiter) Preferred() *Backend {
	if a.state.Preferred == nil {
		return nil
	}
	p := *a.state.Preferred
	return &p
}

// Record feeds one fetch outcome into the backend's statistics. A nil
// err is a success carrying the request latency; otherwise the failure
// counter and reason are updated and the latency is ignored.
func (a *Arbiter) Record(b Backend, latency time.Duration, err error, now time.Time) {
	s := a.state.Stats[b]
	if s == nil {
		s = &Stat{}
		a.state.Stats[b] = s
	}
	if err != nil {
		s.Failures++
		s.LastFailure = &now
		s.LastError = err.Error()
		return
	}
	ms := float64(latency) / float64(time.Millisecond)
	if s.Successes == 0 {
		s.LatencyEWMAms = ms
		s.LatencyVarMs2 = 0
	} else {
		s.LatencyVarMs2 = stats.EWMAVariance(s.LatencyVarMs2, s.LatencyEWMAms, ms, a.cfg.VarianceAlpha)
		s.LatencyEWMAms = stats.EWMA(s.LatencyEWMAms, ms, a.cfg.LatencyAlpha)
	}
	s.Successes++
	s.LastSuccess = &now
	s.LastError = ""
}

// Choose returns the backend to query this cycle.
//
// Blended is the default until every backend has ConfidenceSamples
// successes. With enough evidence, a clear reliability gap decides
// immediately; otherwise the lower-latency backend wins outside the
// hysteresis band, and inside it the backend with a clear variance
// advantage wins. Anything closer stays blended. A committed choice is
// re-validated every ProbeInterval by answering Blended for one cycle.
func (a *Arbiter) Choose(now time.Time) Backend {
	ws := a.state.Stats[WaterServices]
	ogc := a.state.Stats[OGC]
	if ws == nil || ogc == nil ||
		ws.Successes < a.cfg.ConfidenceSamples || ogc.Successes < a.cfg.ConfidenceSamples {
		a.state.Preferred = nil
		return Blended
	}

	if a.state.Preferred != nil {
		if a.state.LastProbe == nil || now.Sub(*a.state.LastProbe) >= a.cfg.ProbeInterval {
			// Probe cycle: query both, then recommit from fresh numbers.
			a.state.LastProbe = &now
			return Blended
		}
	}

	choice := a.decide(ws, ogc)
	if choice == Blended {
		a.state.Preferred = nil
		return Blended
	}
	if a.state.Preferred == nil {
		a.state.Preferred = &choice
		if a.state.LastProbe == nil {
			a.state.LastProbe = &now
		}
	} else {
		a.state.Preferred = &choice
	}
	return choice
}

func (a *Arbiter) decide(ws, ogc *Stat) Backend {
	wsFail, ogcFail := ws.FailRate(), ogc.FailRate()
	if wsFail > a.cfg.FailRateHigh && ogcFail < a.cfg.FailRateLow {
		return OGC
	}
	if ogcFail > a.cfg.FailRateHigh && wsFail < a.cfg.FailRateLow {
		return WaterServices
	}

	wsLat, ogcLat := ws.LatencyEWMAms, ogc.LatencyEWMAms
	slower := math.Max(wsLat, ogcLat)
	if slower <= 0 {
		return Blended
	}
	gap := math.Abs(wsLat-ogcLat) / slower
	if gap > a.cfg.SwitchHysteresis {
		if wsLat < ogcLat {
			return WaterServices
		}
		return OGC
	}

	// Latencies are close: a clearly steadier backend still wins.
	if ws.LatencyVarMs2 > 0 && ogc.LatencyVarMs2 < a.cfg.VarianceMargin*ws.LatencyVarMs2 {
		return OGC
	}
	if ogc.LatencyVarMs2 > 0 && ws.LatencyVarMs2 < a.cfg.VarianceMargin*ogc.LatencyVarMs2 {
		return WaterServices
	}
	return Blended
}

// Merge combines two blended-mode readings for the same source. The
// reading with the strictly newer observation timestamp wins; a reading
// is passed through when it is the only one with a timestamp; with no
// timestamps at all, non-nil value fields are unioned.
func Merge(ws, ogc *track.Reading) *track.Reading {
	switch {
	case ws == nil:
		return ogc
	case ogc == nil:
		return ws
	}
	switch {
	case ws.ObservedAt != nil && ogc.ObservedAt == nil:
		return ws
	case ogc.ObservedAt != nil && ws.ObservedAt == nil:
		return ogc
	case ws.ObservedAt != nil && ogc.ObservedAt != nil:
		if ogc.ObservedAt.After(*ws.ObservedAt) {
			return ogc
		}
		return ws
	}
	merged := &track.Reading{}
	if ws.Stage != nil {
		merged.Stage = ws.Stage
	} else {
		merged.Stage = ogc.Stage
	}
	if ws.Flow != nil {
		merged.Flow = ws.Flow
	} else {
		merged.Flow = ogc.Flow
	}
	return merged
}
