package streamgauge

import (
	"errors"
	"log/slog"
	"time"

	"github.com/jpalmerr/streamgauge/config"
	"github.com/jpalmerr/streamgauge/internal/usgs"
)

// trackerConfig holds mutable state during Tracker construction.
type trackerConfig struct {
	cfg       *config.Config
	logger    *slog.Logger
	clock     func() time.Time
	fetcher   usgs.Fetcher
	stateFile string
	port      int
	portSet   bool
	callbacks []func(GaugeUpdate)
}

// Option is a function that configures a [Tracker] instance during construction.
//
// Option implements the functional options pattern, allowing optional
// configuration to be passed to [New] in a type-safe, extensible way.
// Options return an error if validation fails.
//
// Built-in options: [WithConfig], [WithLogger], [WithClock], [WithFetcher],
// [WithStateFile], [WithServerPort], [WithUpdateCallback].
type Option func(*trackerConfig) error

// WithConfig supplies the parsed configuration: tracked sites, tuning,
// persistence path, and port. Required.
//
// Example:
//
//	cfg, err := config.Load("streamgauge.yaml")
//	if err != nil {
//	    return err
//	}
//	tracker, err := streamgauge.New(streamgauge.WithConfig(cfg))
func WithConfig(cfg *config.Config) Option {
	return func(tc *trackerConfig) error {
		if cfg == nil {
			return errors.New("config cannot be nil")
		}
		tc.cfg = cfg
		return nil
	}
}

// WithLogger sets a custom [slog.Logger] for the Tracker instance.
//
// This allows SDK consumers to control where logs are written and in what
// format. If not specified, [slog.Default] is used.
//
// Returns an error if the logger is nil.
func WithLogger(logger *slog.Logger) Option {
	return func(tc *trackerConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		tc.logger = logger
		return nil
	}
}

// WithClock overrides the time source. Intended for tests; production
// trackers use time.Now.
//
// Returns an error if the clock is nil.
func WithClock(clock func() time.Time) Option {
	return func(tc *trackerConfig) error {
		if clock == nil {
			return errors.New("clock cannot be nil")
		}
		tc.clock = clock
		return nil
	}
}

// WithFetcher replaces the USGS transport with a custom [usgs.Fetcher].
// Intended for tests and for embedding behind proxies; by default the
// tracker builds the blended WaterServices + OGC API adapter.
//
// Returns an error if the fetcher is nil.
func WithFetcher(f usgs.Fetcher) Option {
	return func(tc *trackerConfig) error {
		if f == nil {
			return errors.New("fetcher cannot be nil")
		}
		tc.fetcher = f
		return nil
	}
}

// WithStateFile overrides the learned-state path from the config.
//
// Returns an error if the path is empty.
func WithStateFile(path string) Option {
	return func(tc *trackerConfig) error {
		if path == "" {
			return errors.New("state file path cannot be empty")
		}
		tc.stateFile = path
		return nil
	}
}

// WithServerPort overrides the status server port from the config.
// A port of 0 disables the HTTP server entirely, running the tracker
// headless.
//
// Returns an error if the port is outside 0-65535.
func WithServerPort(port int) Option {
	return func(tc *trackerConfig) error {
		if port < 0 || port > 65535 {
			return errors.New("port must be between 0 and 65535")
		}
		tc.port = port
		tc.portSet = true
		return nil
	}
}

// WithUpdateCallback registers a function to be called on every gauge
// update published by the poll loop.
//
// Callbacks are invoked synchronously from the poll goroutine, after
// the update has been stored. Panics within callbacks are recovered and
// logged; they do not crash the tracker. Long-running work should be
// dispatched to a separate goroutine.
//
// Multiple callbacks may be registered; they execute in registration
// order. Nil callbacks are silently ignored.
func WithUpdateCallback(cb func(GaugeUpdate)) Option {
	return func(tc *trackerConfig) error {
		if cb == nil {
			return nil // no-op for nil callback (safe to call)
		}
		tc.callbacks = append(tc.callbacks, cb)
		return nil
	}
}
