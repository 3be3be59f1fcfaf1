// Package statefile persists learned tracker state across restarts and
// coordinates cross-process exclusivity on it.
//
// Writes are atomic (write-temp-then-rename) so abrupt termination can
// never leave a torn file, and every load runs a cleanup pass so a file
// written by an older build or edited by hand still satisfies the state
// invariants before anything consumes it.
package statefile

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"

	"github.com/jpalmerr/streamgauge/internal/arbiter"
	"github.com/jpalmerr/streamgauge/internal/track"
)

// SchemaVersion identifies the on-disk layout. Files with an unknown
// version are discarded rather than guessed at.
const SchemaVersion = 1

// ErrLocked reports that another process holds the state lock.
var ErrLocked = errors.New("state file locked: already running elsewhere")

// Meta carries everything that is not per-source learned state.
type Meta struct {
	Arbiter      arbiter.State `json:"arbiter"`
	LastBackfill *time.Time    `json:"last_backfill,omitempty"`
	LastRun      *time.Time    `json:"last_run,omitempty"`
}

// State is the persisted envelope.
type State struct {
	Version int                      `json:"version"`
	Sources map[string]*track.Source `json:"sources"`
	Meta    Meta                     `json:"meta"`
}

// NewState returns an empty state at the current schema version.
func NewState() *State {
	return &State{
		Version: SchemaVersion,
		Sources: make(map[string]*track.Source),
	}
}

// Load reads the state file at path. A missing, unreadable, corrupt or
// wrong-version file yields a fresh empty state and no error: persisted
// state is an optimization, losing it only costs re-learning time. The
// returned state has already been through Cleanup.
func Load(path string, params track.Params) *State {
	st := NewState()
	raw, err := os.ReadFile(path)
	if err != nil {
		return st
	}
	var decoded State
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return st
	}
	if decoded.Version != SchemaVersion {
		return st
	}
	if decoded.Sources == nil {
		decoded.Sources = make(map[string]*track.Source)
	}
	Cleanup(&decoded, params)
	return &decoded
}

// Save writes the state atomically. The caller decides how loud a
// failure should be; persistence errors are never fatal to the tracker.
func Save(path string, st *State) error {
	st.Version = SchemaVersion
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	if err := renameio.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	return nil
}

// Cleanup restores the state invariants in place: histories are deduped
// by timestamp (later entries patch non-nil fields), sorted ascending
// and trimmed; last values are re-derived from history; intervals are
// clamped (a committed cadence multiple overrides the stored mean);
// sample lists are sanitized and trimmed; negative latency estimates
// fall back to the priors. Running it twice is a no-op.
func Cleanup(st *State, params track.Params) {
	for id, src := range st.Sources {
		if src == nil {
			delete(st.Sources, id)
			continue
		}
		cleanupSource(src, params)
	}
}

func cleanupSource(src *track.Source, params track.Params) {
	src.History = dedupeHistory(src.History, params.HistoryLimit)

	if n := len(src.History); n > 0 {
		latest := src.History[n-1]
		ts := latest.TS
		src.LastTimestamp = &ts
		if latest.Stage != nil {
			src.LastStage = latest.Stage
		}
		if latest.Flow != nil {
			src.LastFlow = latest.Flow
		}
	}

	if src.CadenceMult != nil {
		if *src.CadenceMult < 1 {
			src.CadenceMult = nil
			src.CadenceFit = 0
			src.PhaseOffsetSec = nil
			src.PhaseScaleSec = 0
		} else {
			src.MeanIntervalSec = params.ClampInterval(
				float64(*src.CadenceMult) * params.BaseGrid.Seconds())
		}
	}
	if src.MeanIntervalSec > 0 {
		src.MeanIntervalSec = params.ClampInterval(src.MeanIntervalSec)
	}

	src.DeltasSec = sanitizeSamples(src.DeltasSec, params.HistoryLimit)
	src.LatenciesSec = sanitizeSamples(src.LatenciesSec, params.HistoryLimit)
	src.LatencyLowerSec = sanitizeSamples(src.LatencyLowerSec, params.HistoryLimit)
	src.LatencyUpperSec = sanitizeSamples(src.LatencyUpperSec, params.HistoryLimit)

	if src.LatencyLocSec < 0 {
		src.LatencyLocSec = params.LatencyPriorLoc.Seconds()
	}
	if src.LatencyScaleSec < 0 {
		src.LatencyScaleSec = params.LatencyPriorScale.Seconds()
	}
	if src.PhaseScaleSec < 0 {
		src.PhaseScaleSec = 0
	}
	if src.NoUpdatePolls < 0 {
		src.NoUpdatePolls = 0
	}
}

// dedupeHistory merges duplicate timestamps (later non-nil fields win),
// sorts ascending and trims to limit.
func dedupeHistory(history []track.Point, limit int) []track.Point {
	if len(history) == 0 {
		return history
	}
	byTS := make(map[int64]track.Point, len(history))
	keys := make([]int64, 0, len(history))
	for _, pt := range history {
		if pt.TS.IsZero() {
			continue
		}
		key := pt.TS.UnixNano()
		existing, ok := byTS[key]
		if !ok {
			byTS[key] = pt
			keys = append(keys, key)
			continue
		}
		if pt.Stage != nil {
			existing.Stage = pt.Stage
		}
		if pt.Flow != nil {
			existing.Flow = pt.Flow
		}
		byTS[key] = existing
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]track.Point, 0, len(keys))
	for _, key := range keys {
		out = append(out, byTS[key])
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// sanitizeSamples drops non-finite and negative values and trims.
func sanitizeSamples(samples []float64, limit int) []float64 {
	out := samples[:0]
	for _, v := range samples {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			continue
		}
		out = append(out, v)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Lock acquires the advisory lock guarding path, using a sibling .lock
// file. It returns ErrLocked when another process already holds it; the
// caller must Close the returned lock when shutting down.
func Lock(path string) (*flock.Flock, error) {
	fl := flock.New(path + ".lock")
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring state lock: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return fl, nil
}
