package streamgauge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/jpalmerr/streamgauge/config"
	"github.com/jpalmerr/streamgauge/internal/arbiter"
	"github.com/jpalmerr/streamgauge/internal/metrics"
	"github.com/jpalmerr/streamgauge/internal/schedule"
	"github.com/jpalmerr/streamgauge/internal/server"
	"github.com/jpalmerr/streamgauge/internal/statefile"
	"github.com/jpalmerr/streamgauge/internal/store"
	"github.com/jpalmerr/streamgauge/internal/track"
	"github.com/jpalmerr/streamgauge/internal/usgs"
)

// ErrAlreadyRunning reports that another process holds the state-file
// lock. It wraps the underlying sentinel so callers can also test with
// errors.Is against statefile.ErrLocked.
var ErrAlreadyRunning = statefile.ErrLocked

// GaugeUpdate is delivered to update callbacks after every poll cycle,
// once per tracked gauge.
type GaugeUpdate struct {
	// ID is the gauge's configured identifier.
	ID string

	// SiteNo is the USGS site number.
	SiteNo string

	// Stage is the gage height in feet, nil when never observed.
	Stage *float64

	// Flow is the discharge in cfs, nil when never observed.
	Flow *float64

	// Status is the flood classification for the current stage.
	Status Status

	// ObservedAt is the timestamp of the latest observation.
	ObservedAt *time.Time

	// PolledAt is when this cycle ran.
	PolledAt time.Time

	// NewObservation is true when this cycle produced a genuinely new
	// observation rather than re-reading an unchanged value.
	NewObservation bool
}

// Tracker is the main orchestrator: it polls USGS gauges on a learned
// schedule, feeds the learners, serves status over HTTP, and persists
// what it has learned.
//
// Tracker is created using [New] with functional options and started
// with [Tracker.Run]. The typical lifecycle is:
//
//	cfg, err := config.Load("streamgauge.yaml")
//	if err != nil {
//	    slog.Error("failed to load config", "error", err)
//	    os.Exit(1)
//	}
//	tracker, err := streamgauge.New(streamgauge.WithConfig(cfg))
//	if err != nil {
//	    slog.Error("failed to create tracker", "error", err)
//	    os.Exit(1)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//
//	tracker.Run(ctx) // blocks until context cancelled
//
// The caller controls the lifecycle via the context. Cancel the context
// to trigger graceful shutdown; shutdown only ever happens between poll
// cycles, never mid-ingest.
type Tracker struct {
	cfg        *config.Config
	logger     *slog.Logger
	clock      func() time.Time
	fetcher    usgs.Fetcher
	stateFile  string
	port       int
	callbacks  []func(GaugeUpdate)
	engine     *track.Engine
	sched      schedule.Params
	arbParams  arbiter.Params
	adapterCfg usgs.AdapterConfig
	backfill   time.Duration
	registry   *track.Registry
	thresholds map[string]*config.Thresholds
}

// New creates a [Tracker] from the given options. [WithConfig] is
// required; everything else has defaults derived from the config.
func New(opts ...Option) (*Tracker, error) {
	tc := &trackerConfig{}
	for _, opt := range opts {
		if err := opt(tc); err != nil {
			return nil, err
		}
	}

	if tc.cfg == nil {
		return nil, errors.New("a config is required: use WithConfig")
	}

	logger := tc.logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := tc.clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	stateFile := tc.stateFile
	if stateFile == "" {
		stateFile = tc.cfg.StateFile
	}
	port := tc.cfg.Port
	if tc.portSet {
		port = tc.port
	}

	thresholds := make(map[string]*config.Thresholds, len(tc.cfg.Sites))
	for _, s := range tc.cfg.Sites {
		thresholds[s.ID] = s.Thresholds
	}

	return &Tracker{
		cfg:        tc.cfg,
		logger:     logger,
		clock:      clock,
		fetcher:    tc.fetcher,
		stateFile:  stateFile,
		port:       port,
		callbacks:  tc.callbacks,
		engine:     track.NewEngine(tc.cfg.TrackParams()),
		sched:      tc.cfg.ScheduleParams(),
		arbParams:  tc.cfg.ArbiterParams(),
		adapterCfg: tc.cfg.AdapterConfig(),
		backfill:   tc.cfg.BackfillPeriod.Duration(),
		registry:   track.NewRegistry(tc.cfg.SiteMap()),
		thresholds: thresholds,
	}, nil
}

// Registry exposes the tracked-source registry. Sites may be added or
// removed between cycles; the next cycle picks the change up.
func (t *Tracker) Registry() *track.Registry {
	return t.registry
}

// session is the mutable loop state threaded through Run by reference.
type session struct {
	next    time.Time
	cycleID string

	// successes and failures hold the arbiter counter values already
	// mirrored into metrics, so resumed state never re-counts.
	successes map[arbiter.Backend]int
	failures  map[arbiter.Backend]int
}

// newSession seeds the counter baselines from the arbiter's current
// state, which may include totals persisted by earlier runs.
func newSession(next time.Time, arb *arbiter.Arbiter) *session {
	s := &session{
		next:      next,
		successes: make(map[arbiter.Backend]int),
		failures:  make(map[arbiter.Backend]int),
	}
	for b, stat := range arb.State().Stats {
		s.successes[b] = stat.Successes
		s.failures[b] = stat.Failures
	}
	return s
}

// recordBackendRequests mirrors arbiter counter movement since the last
// call into the exported request metrics.
func (t *Tracker) recordBackendRequests(arb *arbiter.Arbiter, m *metrics.Metrics, sess *session) {
	for b, stat := range arb.State().Stats {
		if d := stat.Successes - sess.successes[b]; d > 0 {
			m.BackendRequests.WithLabelValues(b.String(), "success").Add(float64(d))
			sess.successes[b] = stat.Successes
		}
		if d := stat.Failures - sess.failures[b]; d > 0 {
			m.BackendRequests.WithLabelValues(b.String(), "failure").Add(float64(d))
			sess.failures[b] = stat.Failures
		}
	}
}

// Run acquires the state lock and polls until the context is cancelled.
//
// Run is a blocking call. During execution:
//
//   - Learned state is loaded from the state file and backfilled from
//     recent history when due
//   - Gauges are polled at learner-driven times, coarse while a cadence
//     is unknown and fine near predicted publications
//   - The status server (REST, SSE, metrics) runs on the configured
//     port, unless the port is 0
//   - State is saved after every cycle, best effort
//
// Returns [ErrAlreadyRunning] when another process holds the lock, nil
// on graceful shutdown, and an error if the HTTP server fails to start.
func (t *Tracker) Run(ctx context.Context) error {
	lock, err := statefile.Lock(t.stateFile)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			t.logger.Warn("failed to release state lock", "error", err)
		}
	}()

	st := statefile.Load(t.stateFile, t.engine.Params())
	arb := arbiter.New(t.arbParams, &st.Meta.Arbiter)

	fetcher := t.fetcher
	if fetcher == nil {
		client := usgs.NewClient()
		defer client.Close()
		urls := t.cfg.Tuning.Fetch
		fetcher = usgs.NewAdapter(
			usgs.NewWaterServices(client, urls.WaterServicesURL),
			usgs.NewOGCAPI(client, urls.OGCLatestURL, urls.OGCContinuousURL),
			arb,
			t.adapterCfg,
			t.logger,
		)
	}

	m := metrics.New()
	statusStore := store.NewMemoryStore()

	t.logger.Info("streamgauge starting",
		"sites", t.registry.Len(),
		"state_file", t.stateFile,
		"backend", t.adapterCfg.ForceBackend.String(),
	)

	if t.port > 0 {
		srv := server.NewServer(statusStore, t.port, m.Handler(), t.logger)
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		t.logger.Info("status server available", "url", fmt.Sprintf("http://localhost:%d/api/status", t.port))
	}

	if ctx.Err() != nil {
		return nil
	}

	sess := newSession(t.clock(), arb)

	t.maybeBackfill(ctx, fetcher, st)
	t.recordBackendRequests(arb, m, sess)

	// retry backoff for transient fetch failures, independent of the
	// learned schedule
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.sched.MinRetry
	bo.MaxInterval = t.sched.MaxRetry
	bo.MaxElapsedTime = 0
	bo.Reset()

	sess.next = t.clock()
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		wait := sess.next.Sub(t.clock())
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			t.saveState(st, arb)
			t.logger.Info("streamgauge stopped")
			return nil
		case <-timer.C:
		}

		t.runCycle(ctx, fetcher, arb, st, statusStore, m, bo, sess)
	}
}

// runCycle performs one poll: fetch, ingest, publish, persist, and
// schedule the next cycle.
func (t *Tracker) runCycle(
	ctx context.Context,
	fetcher usgs.Fetcher,
	arb *arbiter.Arbiter,
	st *statefile.State,
	statusStore store.Store,
	m *metrics.Metrics,
	bo *backoff.ExponentialBackOff,
	sess *session,
) {
	now := t.clock()
	sess.cycleID = uuid.NewString()
	log := t.logger.With("cycle", sess.cycleID)

	hint := t.sched.ReducedFetchHint(st.Sources)
	readings, err := fetcher.FetchLatest(ctx, t.registry.Sites(), hint)
	t.recordBackendRequests(arb, m, sess)
	if err != nil {
		wait := bo.NextBackOff()
		log.Warn("fetch failed, backing off",
			"error", err,
			"retry_in", wait.String(),
		)
		sess.next = now.Add(wait)
		return
	}
	bo.Reset()
	m.PollsTotal.Inc()

	for _, id := range t.registry.IDs() {
		src := st.Sources[id]
		if src == nil {
			src = &track.Source{}
			st.Sources[id] = src
		}

		var reading track.Reading
		if r := readings[id]; r != nil {
			reading = *r
		}
		isNew := t.engine.Ingest(src, reading, now)

		if isNew {
			m.Observations.WithLabelValues(id).Inc()
			log.Debug("new observation",
				"source", id,
				"observed_at", src.LastTimestamp,
				"mean_interval_sec", src.MeanIntervalSec,
			)
		}
		m.PollsPerUpdate.WithLabelValues(id).Set(src.PollsPerUpdateEWMA)

		t.publish(statusStore, id, src, now, isNew)
	}

	// drop learned state for sources removed from the registry
	for id := range st.Sources {
		if _, ok := t.registry.SiteFor(id); !ok {
			delete(st.Sources, id)
		}
	}

	for b, stat := range arb.State().Stats {
		m.BackendLatencyEWMA.WithLabelValues(b.String()).Set(stat.LatencyEWMAms)
	}

	t.maybeBackfill(ctx, fetcher, st)
	t.recordBackendRequests(arb, m, sess)
	t.saveState(st, arb)

	sess.next = t.sched.NextPoll(st.Sources, now)
	log.Debug("cycle complete", "next_poll", sess.next)
}

// publish pushes one gauge's snapshot to the store and fires callbacks.
func (t *Tracker) publish(statusStore store.Store, id string, src *track.Source, now time.Time, isNew bool) {
	siteNo, _ := t.registry.SiteFor(id)
	status := Classify(t.thresholds[id], src.LastStage)

	var nextPredicted *time.Time
	if pred, ok := t.sched.PredictNext(src, now); ok {
		nextPredicted = &pred
	}

	statusStore.Update(store.Snapshot{
		ID:              id,
		SiteNo:          siteNo,
		Stage:           src.LastStage,
		Flow:            src.LastFlow,
		Status:          status.String(),
		ObservedAt:      src.LastTimestamp,
		PolledAt:        now,
		NewObservation:  isNew,
		MeanIntervalSec: src.MeanIntervalSec,
		CadenceMult:     src.CadenceMult,
		CadenceFit:      src.CadenceFit,
		PhaseOffsetSec:  src.PhaseOffsetSec,
		LatencyLocSec:   src.LatencyLocSec,
		LatencyScaleSec: src.LatencyScaleSec,
		NextPredicted:   nextPredicted,
	})

	if len(t.callbacks) == 0 {
		return
	}
	update := GaugeUpdate{
		ID:             id,
		SiteNo:         siteNo,
		Stage:          src.LastStage,
		Flow:           src.LastFlow,
		Status:         status,
		ObservedAt:     src.LastTimestamp,
		PolledAt:       now,
		NewObservation: isNew,
	}
	for _, cb := range t.callbacks {
		t.invokeCallbackSafe(cb, update)
	}
}

// maybeBackfill warms the learners from recent history when the last
// backfill is older than the configured period. Failures only delay the
// next attempt; live polling is unaffected.
func (t *Tracker) maybeBackfill(ctx context.Context, fetcher usgs.Fetcher, st *statefile.State) {
	if t.backfill <= 0 || t.registry.Len() == 0 {
		return
	}
	now := t.clock()
	if st.Meta.LastBackfill != nil && now.Sub(*st.Meta.LastBackfill) < t.backfill {
		return
	}

	points, err := fetcher.FetchHistory(ctx, t.registry.Sites(), t.backfill)
	if err != nil {
		t.logger.Warn("backfill failed", "error", err)
		return
	}
	for id, pts := range points {
		if _, ok := t.registry.SiteFor(id); !ok {
			continue
		}
		src := st.Sources[id]
		if src == nil {
			src = &track.Source{}
			st.Sources[id] = src
		}
		t.engine.Backfill(src, pts)
	}
	st.Meta.LastBackfill = &now
	t.logger.Info("backfill complete", "sources", len(points), "period", t.backfill.String())
}

// saveState persists learned state, best effort: a failed save costs
// re-learning time, never the process.
func (t *Tracker) saveState(st *statefile.State, arb *arbiter.Arbiter) {
	st.Meta.Arbiter = arb.State()
	now := t.clock()
	st.Meta.LastRun = &now
	if err := statefile.Save(t.stateFile, st); err != nil {
		t.logger.Warn("state save failed", "error", err)
	}
}

// invokeCallbackSafe calls an update callback with panic recovery.
// Panics are logged but do not propagate.
func (t *Tracker) invokeCallbackSafe(cb func(GaugeUpdate), update GaugeUpdate) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("update callback panicked",
				"panic", r,
				"source", update.ID,
			)
		}
	}()
	cb(update)
}
