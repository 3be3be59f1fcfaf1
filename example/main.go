package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jpalmerr/streamgauge"
	"github.com/jpalmerr/streamgauge/config"
)

// demoConfig points the tracker at the local mock API. The reduced
// min_retry makes the demo visibly adaptive within a few minutes
// instead of a few hours.
const demoConfig = `
port: 8080
backend: waterservices
backfill_period: 6h

sites:
  - id: middle-fork
    site_no: "14359000"
    thresholds:
      action: 12.0
      minor: 13.5
  - id: rogue-raygold
    site_no: "14361500"

tuning:
  schedule:
    min_retry: 15s
  fetch:
    waterservices_url: http://localhost:9999/nwis/iv/
`

func main() {
	// start mock USGS API (see mock_server.go)
	go StartMockGaugeServer(":9999")
	time.Sleep(100 * time.Millisecond)

	cfg, err := config.Parse([]byte(demoConfig))
	if err != nil {
		slog.Error("failed to parse demo config", "error", err)
		os.Exit(1)
	}
	cfg.StateFile = filepath.Join(os.TempDir(), "streamgauge-demo-state.json")

	tracker, err := streamgauge.New(
		streamgauge.WithConfig(cfg),
		streamgauge.WithUpdateCallback(func(u streamgauge.GaugeUpdate) {
			if !u.NewObservation {
				return
			}
			fmt.Printf("  %s  %s  stage=%.2fft  status=%s\n",
				u.ObservedAt.Format("15:04:05"), u.ID, *u.Stage, u.Status)
		}),
	)
	if err != nil {
		slog.Error("failed to create tracker", "error", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════════════════╗")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   StreamGauge Demo                                    ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   Status API: http://localhost:8080/api/status        ║")
	fmt.Println("  ║   Live SSE:   http://localhost:8080/api/sse           ║")
	fmt.Println("  ║   Metrics:    http://localhost:8080/metrics           ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   2 mock gauges on a 15-minute cadence with a 90s     ║")
	fmt.Println("  ║   publication delay. Watch the poll rate drop as      ║")
	fmt.Println("  ║   the cadence and latency are learned.                ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   Ctrl+C to stop                                      ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ╚═══════════════════════════════════════════════════════╝")
	fmt.Println()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := tracker.Run(ctx); err != nil {
		slog.Error("tracker failed", "error", err)
		os.Exit(1)
	}
}
