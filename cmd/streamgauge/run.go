package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/streamgauge"
	"github.com/jpalmerr/streamgauge/config"
)

const (
	shutdownTimeout = 10 * time.Second
)

// newLogger creates a JSON logger for CLI use.
func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// runCmd starts the StreamGauge tracker.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the gauge tracker",
	Long: `Start the StreamGauge tracker.

The tracker will:
  - Load configuration from the specified YAML file
  - Resume learned polling state from the state file
  - Poll all configured gauges on a learned schedule
  - Serve status (REST, SSE, metrics) on the configured port

The tracker runs until interrupted (Ctrl+C) or receives SIGTERM.
Only one tracker may run against a given state file at a time.

Example:
  streamgauge run -c config.yaml
  streamgauge run --config /etc/streamgauge/config.yaml`,
	RunE: runTracker,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = runCmd.MarkFlagRequired("config")
}

func runTracker(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger.Info("config loaded",
		"sites", len(cfg.Sites),
		"backend", cfg.Backend,
		"state_file", cfg.StateFile,
	)

	tracker, err := streamgauge.New(
		streamgauge.WithConfig(cfg),
		streamgauge.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("failed to create tracker: %w", err)
	}

	// set up context with signal handling - cancel on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// start tracker - blocks until context cancelled
	errChan := make(chan error, 1)
	go func() {
		errChan <- tracker.Run(ctx)
	}()

	// wait for tracker to finish
	select {
	case err := <-errChan:
		if errors.Is(err, streamgauge.ErrAlreadyRunning) {
			return fmt.Errorf("another tracker already holds %s", cfg.StateFile)
		}
		if err != nil {
			return fmt.Errorf("tracker error: %w", err)
		}
		logger.Info("shutdown complete")
		return nil

	case <-ctx.Done():
		// signal received, wait for graceful shutdown with timeout
		select {
		case err := <-errChan:
			if err != nil {
				return fmt.Errorf("tracker error: %w", err)
			}
			logger.Info("shutdown complete")
			return nil
		case <-time.After(shutdownTimeout):
			logger.Warn("shutdown timed out",
				"timeout", shutdownTimeout.String(),
				"action", "forcing exit",
			)
			return nil
		}
	}
}
