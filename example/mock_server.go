package main

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// mock gauge behavior: observations land on a 15-minute grid and become
// visible 90 seconds after their measurement time, which gives the
// latency learner something real to estimate.
const (
	mockCadence = 15 * time.Minute
	mockDelay   = 90 * time.Second
)

// StartMockGaugeServer runs a synthetic NWIS instantaneous-values API.
// It answers for any requested site number with a slowly oscillating
// stage and a proportional discharge. Call this in a goroutine before
// starting the tracker.
func StartMockGaugeServer(addr string) {
	http.HandleFunc("/nwis/iv/", handleNWIS)
	if err := http.ListenAndServe(addr, nil); err != nil {
		slog.Error("mock server error", "error", err)
	}
}

func handleNWIS(w http.ResponseWriter, r *http.Request) {
	sites := strings.Split(r.URL.Query().Get("sites"), ",")
	now := time.Now().UTC()

	// number of grid points to return: 1 for a latest poll, the whole
	// window for a history (period=...) request
	count := 1
	if p := r.URL.Query().Get("period"); p != "" {
		count = int(parseISOPeriod(p) / mockCadence)
		if count < 1 {
			count = 1
		}
	}

	var series []map[string]any
	for _, site := range sites {
		if site == "" {
			continue
		}
		stagePts, flowPts := synthPoints(site, now, count)
		series = append(series,
			timeSeries(site, "00065", stagePts),
			timeSeries(site, "00060", flowPts),
		)
	}

	w.Header().Set("Content-Type", "application/json")
	payload := map[string]any{"value": map[string]any{"timeSeries": series}}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

// synthPoints generates the newest count observations visible at now.
func synthPoints(site string, now time.Time, count int) (stage, flow []map[string]string) {
	// newest observation already past its publication delay
	latest := now.Add(-mockDelay).Truncate(mockCadence)

	for i := count - 1; i >= 0; i-- {
		ts := latest.Add(-time.Duration(i) * mockCadence)
		s := stageAt(site, ts)
		stage = append(stage, point(ts, s))
		flow = append(flow, point(ts, s*310))
	}
	return stage, flow
}

// stageAt is a deterministic slow oscillation, offset per site so the
// gauges do not move in lockstep.
func stageAt(site string, ts time.Time) float64 {
	var offset float64
	for _, c := range site {
		offset += float64(c)
	}
	phase := float64(ts.Unix())/float64(3*time.Hour/time.Second) + offset
	return 11 + 3*math.Sin(phase)
}

func point(ts time.Time, v float64) map[string]string {
	return map[string]string{
		"value":    formatFloat(v),
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

func formatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'f', 2, 64)
	return strings.TrimRight(strings.TrimRight(s, "0"), ".")
}

// parseISOPeriod handles the PT{n}H durations the tracker sends.
func parseISOPeriod(p string) time.Duration {
	p = strings.TrimPrefix(p, "PT")
	p = strings.ToLower(p)
	d, err := time.ParseDuration(p)
	if err != nil {
		return mockCadence
	}
	return d
}
