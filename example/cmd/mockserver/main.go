// Standalone mock USGS API for testing the CLI.
//
// Usage:
//
//	go run ./example/cmd/mockserver
//
// Then in another terminal, with tuning.fetch.waterservices_url set to
// http://localhost:9999/nwis/iv/ in the config:
//
//	go run ./cmd/streamgauge run -c streamgauge.yaml
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	cadence = 15 * time.Minute
	delay   = 90 * time.Second
)

func main() {
	fmt.Println("Mock USGS API starting on :9999")
	fmt.Println("Gauges update every 15 minutes, visible after a 90s delay")
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	http.HandleFunc("/nwis/iv/", func(w http.ResponseWriter, r *http.Request) {
		sites := strings.Split(r.URL.Query().Get("sites"), ",")
		now := time.Now().UTC()

		count := 1
		if p := r.URL.Query().Get("period"); p != "" {
			if d, err := time.ParseDuration(strings.ToLower(strings.TrimPrefix(p, "PT"))); err == nil {
				count = int(d / cadence)
			}
			if count < 1 {
				count = 1
			}
		}

		var series []map[string]any
		for _, site := range sites {
			if site == "" {
				continue
			}
			latest := now.Add(-delay).Truncate(cadence)
			var stagePts, flowPts []map[string]string
			for i := count - 1; i >= 0; i-- {
				ts := latest.Add(-time.Duration(i) * cadence)
				s := stageAt(site, ts)
				stagePts = append(stagePts, point(ts, s))
				flowPts = append(flowPts, point(ts, s*310))
			}
			series = append(series, timeSeries(site, "00065", stagePts))
			series = append(series, timeSeries(site, "00060", flowPts))
		}

		w.Header().Set("Content-Type", "application/json")
		payload := map[string]any{"value": map[string]any{"timeSeries": series}}
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			slog.Error("failed to write response", "error", err)
		}
	})

	if err := http.ListenAndServe(":9999", nil); err != nil {
		slog.Error("mock server error", "error", err)
		os.Exit(1)
	}
}

func stageAt(site string, ts time.Time) float64 {
	var offset float64
	for _, c := range site {
		offset += float64(c)
	}
	phase := float64(ts.Unix())/float64(3*time.Hour/time.Second) + offset
	return 11 + 3*math.Sin(phase)
}

func point(ts time.Time, v float64) map[string]string {
	s := strconv.FormatFloat(v, 'f', 2, 64)
	return map[string]string{
		"value":    strings.TrimRight(strings.TrimRight(s, "0"), "."),
		"dateTime": ts.Format(time.RFC3339),
	}
}

func timeSeries(site, param string, points []map[string]string) map[string]any {
	return map[string]any{
		"sourceInfo": map[string]any{
			"siteCode": []map[string]string{{"value": site}},
		},
		"variable": map[string]any{
			"variableCode": []map[string]string{{"value": param}},
		},
		"values": []map[string]any{{"value": points}},
	}
}
