// Package streamgauge tracks USGS river gauges with adaptive polling.
//
// Gauges publish on schedules that are not documented anywhere: each
// site has its own update cadence, its own publication delay, and two
// upstream APIs that do not always agree. StreamGauge learns all three
// online. It estimates each gauge's cadence and phase from observed
// update times, models the publication latency with robust statistics,
// and polls just before the next value is expected to appear instead of
// on a fixed interval. A backend arbiter watches the reliability and
// latency of both USGS APIs and decides which one to trust.
//
// # Quick Start
//
// Load a configuration and run the tracker with graceful shutdown:
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
//	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer stop()
//
//	tracker.Run(ctx) // blocks until context is cancelled
//
// # Configuration
//
// Trackers are built with the functional options pattern:
//
//	tracker, err := streamgauge.New(
//	    streamgauge.WithConfig(cfg),
//	    streamgauge.WithLogger(logger),
//	    streamgauge.WithServerPort(9090),
//	    streamgauge.WithUpdateCallback(func(u streamgauge.GaugeUpdate) {
//	        if u.Status != streamgauge.StatusNormal {
//	            log.Printf("ALERT: %s is at %s", u.ID, u.Status)
//	        }
//	    }),
//	)
//
// # Architecture
//
// StreamGauge consists of several internal packages (under internal/):
//
//   - internal/stats: robust statistics (EWMA, median/MAD, Tukey biweight)
//   - internal/track: per-source learned state, the observation update
//     engine, and the cadence/phase learners
//   - internal/schedule: the coarse/fine poll scheduler
//   - internal/arbiter: the dual-backend decision logic
//   - internal/usgs: WaterServices and OGC API Features clients plus the
//     blended fetch adapter
//   - internal/statefile: persisted learned state with locking and a
//     cleanup pass
//   - internal/store: in-memory snapshots with pub/sub for real-time updates
//   - internal/server: HTTP server with REST API, Server-Sent Events, and
//     prometheus metrics
//
// The internal packages are not part of the public API and may change
// without notice. Learned state survives restarts via a JSON state file;
// losing it only costs re-learning time.
package streamgauge
