// Package usgs provides the dual-backend USGS transport: the legacy
// WaterServices IV API, its OGC API Features replacement, and the
// blended adapter that queries one or both under arbiter control.
package usgs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jpalmerr/streamgauge/internal/arbiter"
	"github.com/jpalmerr/streamgauge/internal/track"
)

// FetchError reports a failed backend request. It is always transient
// from the caller's point of view: a failed fetch produces no readings
// and mutates no learned state.
type FetchError struct {
	Backend string
	Reason  string
	Err     error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Backend, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Backend, e.Reason)
}

// Unwrap returns the underlying error, if any.
func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher is what the tracker needs from a transport: the latest
// reading per source and a history window for backfill. A source absent
// from the result map simply had nothing this cycle.
type Fetcher interface {
	FetchLatest(ctx context.Context, sites map[string]string, hint time.Duration) (map[string]*track.Reading, error)
	FetchHistory(ctx context.Context, sites map[string]string, period time.Duration) (map[string][]track.Point, error)
}

// AdapterConfig tunes the blended adapter.
type AdapterConfig struct {
	// LatestTimeout bounds a latest fetch; HistoryTimeout bounds the
	// heavier backfill fetch.
	LatestTimeout  time.Duration
	HistoryTimeout time.Duration
	// ForceBackend pins the adapter to one backend, bypassing the
	// arbiter. Blended (the zero-ish default) lets the arbiter decide.
	ForceBackend arbiter.Backend
}

// DefaultAdapterConfig returns the production fetch budgets.
func DefaultAdapterConfig() AdapterConfig {
	return AdapterConfig{
		LatestTimeout:  5 * time.Second,
		HistoryTimeout: 10 * time.Second,
		ForceBackend:   arbiter.Blended,
	}
}

// Adapter implements [Fetcher] over both backends. Blended fetches run
// in parallel and are joined before the arbiter or any reading is
// touched, so learned state only ever sees completed results.
type Adapter struct {
	ws  *WaterServices
	ogc *OGCAPI
	arb *arbiter.Arbiter
	cfg AdapterConfig
	log *slog.Logger
}

// NewAdapter wires the two backends to the arbiter.
func NewAdapter(ws *WaterServices, ogc *OGCAPI, arb *arbiter.Arbiter, cfg AdapterConfig, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{ws: ws, ogc: ogc, arb: arb, cfg: cfg, log: log}
}

type backendResult struct {
	readings map[string]*track.Reading
	latency  time.Duration
	err      error
}

// FetchLatest queries the backend(s) the arbiter selects and returns
// the merged latest readings. The modified-since hint only applies to
// WaterServices; the OGC latest collection is already incremental.
func (a *Adapter) FetchLatest(ctx context.Context, sites map[string]string, hint time.Duration) (map[string]*track.Reading, error) {
	if len(sites) == 0 {
		return map[string]*track.Reading{}, nil
	}

	choice := a.cfg.ForceBackend
	if choice == arbiter.Blended {
		choice = a.arb.Choose(time.Now().UTC())
	}

	var wsRes, ogcRes *backendResult
	var wg sync.WaitGroup

	if choice == arbiter.Blended || choice == arbiter.WaterServices {
		wsRes = &backendResult{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			wsRes.readings, wsRes.latency, wsRes.err = a.ws.Latest(ctx, sites, hint, a.cfg.LatestTimeout)
		}()
	}
	if choice == arbiter.Blended || choice == arbiter.OGC {
		ogcRes = &backendResult{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ogcRes.readings, ogcRes.latency, ogcRes.err = a.ogc.Latest(ctx, sites, a.cfg.LatestTimeout)
		}()
	}
	wg.Wait()

	// Joined: record outcomes and merge, single-threaded from here on.
	now := time.Now().UTC()
	if wsRes != nil {
		a.arb.Record(arbiter.WaterServices, wsRes.latency, wsRes.err, now)
		if wsRes.err != nil {
			a.log.Warn("waterservices fetch failed", "error", wsRes.err)
		}
	}
	if ogcRes != nil {
		a.arb.Record(arbiter.OGC, ogcRes.latency, ogcRes.err, now)
		if ogcRes.err != nil {
			a.log.Warn("ogcapi fetch failed", "error", ogcRes.err)
		}
	}

	switch {
	case wsRes != nil && ogcRes != nil:
		if wsRes.err != nil && ogcRes.err != nil {
			return nil, wsRes.err
		}
		return mergeReadings(wsRes.readings, ogcRes.readings), nil
	case wsRes != nil:
		if wsRes.err != nil {
			return nil, wsRes.err
		}
		return wsRes.readings, nil
	default:
		if ogcRes.err != nil {
			return nil, ogcRes.err
		}
		return ogcRes.readings, nil
	}
}

// FetchHistory backfills from WaterServices, falling back to the OGC
// continuous collection when it fails. History has the better query
// shape on the legacy API.
func (a *Adapter) FetchHistory(ctx context.Context, sites map[string]string, period time.Duration) (map[string][]track.Point, error) {
	if len(sites) == 0 {
		return map[string][]track.Point{}, nil
	}
	now := time.Now().UTC()

	points, latency, err := a.ws.History(ctx, sites, period, a.cfg.HistoryTimeout)
	a.arb.Record(arbiter.WaterServices, latency, err, now)
	if err == nil {
		return points, nil
	}
	a.log.Warn("waterservices history failed, trying ogcapi", "error", err)

	start := now.Add(-period)
	points, latency, err = a.ogc.History(ctx, sites, start, now, a.cfg.HistoryTimeout)
	a.arb.Record(arbiter.OGC, latency, err, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return points, nil
}

// mergeReadings applies the blended merge rule per source across the
// union of both result maps.
func mergeReadings(ws, ogc map[string]*track.Reading) map[string]*track.Reading {
	out := make(map[string]*track.Reading, len(ws)+len(ogc))
	for id, r := range ws {
		out[id] = arbiter.Merge(r, ogc[id])
	}
	for id, r := range ogc {
		if _, done := out[id]; !done {
			out[id] = r
		}
	}
	return out
}
