package store

import "time"

// Snapshot is the current state of one tracked gauge, optimized for
// JSON serialization (used by the REST API and SSE). It is decoupled
// from the learner's internal types to allow independent evolution.
type Snapshot struct {
	// ID is the gauge's configured identifier.
	ID string `json:"id"`

	// SiteNo is the USGS site number the gauge maps to.
	SiteNo string `json:"site_no"`

	// Stage is the gage height in feet, nil when never observed.
	Stage *float64 `json:"stage"`

	// Flow is the discharge in cfs, nil when never observed.
	Flow *float64 `json:"flow"`

	// Status is the flood classification for the current stage.
	Status string `json:"status"`

	// ObservedAt is the timestamp of the latest observation.
	ObservedAt *time.Time `json:"observed_at"`

	// PolledAt is when the tracker last polled for this gauge.
	PolledAt time.Time `json:"polled_at"`

	// NewObservation marks snapshots produced by a fresh observation
	// rather than a no-change poll.
	NewObservation bool `json:"new_observation"`

	// Learned-control summary.
	MeanIntervalSec float64    `json:"mean_interval_sec"`
	CadenceMult     *int       `json:"cadence_mult"`
	CadenceFit      float64    `json:"cadence_fit"`
	PhaseOffsetSec  *float64   `json:"phase_offset_sec"`
	LatencyLocSec   float64    `json:"latency_loc_sec"`
	LatencyScaleSec float64    `json:"latency_scale_sec"`
	NextPredicted   *time.Time `json:"next_predicted"`
}

// Store defines the interface for storing and subscribing to snapshots.
//
// Store implementations must be safe for concurrent access. The pub/sub
// mechanism allows real-time updates to be pushed to connected clients
// (e.g., via Server-Sent Events).
type Store interface {
	// Update stores a new snapshot and notifies all subscribers.
	// Snapshots are keyed by ID, so subsequent updates replace previous
	// values.
	Update(snap Snapshot)

	// GetAll returns all currently stored snapshots.
	// The returned slice is a copy; modifications do not affect the store.
	GetAll() []Snapshot

	// Subscribe returns a channel that receives snapshot updates.
	// The returned channel has a buffer; slow consumers may miss updates.
	// Caller must call Unsubscribe when done to prevent resource leaks.
	Subscribe() <-chan Snapshot

	// Unsubscribe removes a subscription and closes the channel.
	// Safe to call with a channel that was already unsubscribed.
	Unsubscribe(ch <-chan Snapshot)
}
