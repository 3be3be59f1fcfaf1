package usgs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jpalmerr/streamgauge/internal/track"
)

// DefaultWaterServicesURL is the NWIS instantaneous-values endpoint.
const DefaultWaterServicesURL = "https://waterservices.usgs.gov/nwis/iv/"

// USGS instantaneous-value parameter codes.
const (
	paramDischarge = "00060" // streamflow, cfs
	paramStage     = "00065" // gage height, ft
)

// WaterServices talks to the legacy NWIS IV API.
type WaterServices struct {
	client  *Client
	baseURL string
}

// NewWaterServices creates the backend. An empty baseURL uses the
// production endpoint.
func NewWaterServices(client *Client, baseURL string) *WaterServices {
	if baseURL == "" {
		baseURL = DefaultWaterServicesURL
	}
	return &WaterServices{client: client, baseURL: baseURL}
}

// nwis JSON shape: value.timeSeries[].{sourceInfo,variable,values}.
type nwisPayload struct {
	Value struct {
		TimeSeries []nwisTimeSeries `json:"timeSeries"`
	} `json:"value"`
}

type nwisTimeSeries struct {
	SourceInfo struct {
		SiteCode []nwisCode `json:"siteCode"`
	} `json:"sourceInfo"`
	Variable struct {
		VariableCode []nwisCode `json:"variableCode"`
	} `json:"variable"`
	Values []struct {
		Value []nwisPoint `json:"value"`
	} `json:"values"`
}

type nwisCode struct {
	Value string `json:"value"`
}

type nwisPoint struct {
	Value    string `json:"value"`
	DateTime string `json:"dateTime"`
}

// Latest fetches the most recent stage and flow per tracked site. The
// optional modifiedSince window asks the API to only return records
// that changed recently, cutting payload size in steady state.
//
// Sites are queried in one request; a site with no fresh records simply
// yields no reading. Per-record parse problems skip the record, never
// fail the fetch.
func (w *WaterServices) Latest(ctx context.Context, sites map[string]string, modifiedSince time.Duration, timeout time.Duration) (map[string]*track.Reading, time.Duration, error) {
	if len(sites) == 0 {
		return map[string]*track.Reading{}, 0, nil
	}

	query := url.Values{
		"format":      {"json"},
		"sites":       {joinSiteNumbers(sites)},
		"parameterCd": {paramDischarge + "," + paramStage},
		"siteStatus":  {"all"},
	}
	if modifiedSince > 0 {
		query.Set("modifiedSince", iso8601Duration(modifiedSince))
	}

	resp := w.client.Get(ctx, w.baseURL+"?"+query.Encode(), timeout)
	if resp.Error != nil {
		return nil, resp.Latency, &FetchError{Backend: "waterservices", Reason: "request failed", Err: resp.Error}
	}
	if resp.StatusCode != 200 {
		return nil, resp.Latency, &FetchError{Backend: "waterservices", Reason: fmt.Sprintf("status %d", resp.StatusCode)}
	}

	var payload nwisPayload
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, resp.Latency, &FetchError{Backend: "waterservices", Reason: "malformed payload", Err: err}
	}

	return parseNWISLatest(&payload, sites), resp.Latency, nil
}

func parseNWISLatest(payload *nwisPayload, sites map[string]string) map[string]*track.Reading {
	siteToID := invertSites(sites)
	result := make(map[string]*track.Reading, len(sites))

	for _, ts := range payload.Value.TimeSeries {
		id, param, ok := resolveSeries(ts, siteToID)
		if !ok || len(ts.Values) == 0 || len(ts.Values[0].Value) == 0 {
			continue
		}
		last := ts.Values[0].Value[len(ts.Values[0].Value)-1]
		val, err := strconv.ParseFloat(last.Value, 64)
		if err != nil {
			continue
		}
		obsAt := parseTimestamp(last.DateTime)

		reading := result[id]
		if reading == nil {
			reading = &track.Reading{}
			result[id] = reading
		}
		switch param {
		case paramDischarge:
			reading.Flow = &val
		case paramStage:
			reading.Stage = &val
		}
		// Keep the freshest timestamp across both parameters.
		if obsAt != nil && (reading.ObservedAt == nil || obsAt.After(*reading.ObservedAt)) {
			reading.ObservedAt = obsAt
		}
	}
	return result
}

// History fetches the trailing period of readings per site for backfill.
func (w *WaterServices) History(ctx context.Context, sites map[string]string, period time.Duration, timeout time.Duration) (map[string][]track.Point, time.Duration, error) {
	if len(sites) == 0 {
		return map[string][]track.Point{}, 0, nil
	}

	hours := int(period.Hours())
	if hours < 1 {
		hours = 1
	}
	query := url.Values{
		"format":      {"json"},
		"sites":       {joinSiteNumbers(sites)},
		"parameterCd": {paramDischarge + "," + paramStage},
		"period":      {fmt.Sprintf("PT%dH", hours)},
		"siteStatus":  {"all"},
	}

	resp := w.client.Get(ctx, w.baseURL+"?"+query.Encode(), timeout)
	if resp.Error != nil {
		return nil, resp.Latency, &FetchError{Backend: "waterservices", Reason: "request failed", Err: resp.Error}
	}
	if resp.StatusCode != 200 {
		return nil, resp.Latency, &FetchError{Backend: "waterservices", Reason: fmt.Sprintf("status %d", resp.StatusCode)}
	}

	var payload nwisPayload
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, resp.Latency, &FetchError{Backend: "waterservices", Reason: "malformed payload", Err: err}
	}

	siteToID := invertSites(sites)
	collector := newPointCollector()
	for _, ts := range payload.Value.TimeSeries {
		id, param, ok := resolveSeries(ts, siteToID)
		if !ok || len(ts.Values) == 0 {
			continue
		}
		for _, pt := range ts.Values[0].Value {
			val, err := strconv.ParseFloat(pt.Value, 64)
			if err != nil {
				continue
			}
			obsAt := parseTimestamp(pt.DateTime)
			if obsAt == nil {
				continue
			}
			collector.add(id, *obsAt, param, val)
		}
	}
	return collector.bySource(), resp.Latency, nil
}

func resolveSeries(ts nwisTimeSeries, siteToID map[string]string) (id, param string, ok bool) {
	if len(ts.SourceInfo.SiteCode) == 0 || len(ts.Variable.VariableCode) == 0 {
		return "", "", false
	}
	id, ok = siteToID[ts.SourceInfo.SiteCode[0].Value]
	if !ok {
		return "", "", false
	}
	return id, ts.Variable.VariableCode[0].Value, true
}

func invertSites(sites map[string]string) map[string]string {
	out := make(map[string]string, len(sites))
	for id, siteNo := range sites {
		out[siteNo] = id
	}
	return out
}

func joinSiteNumbers(sites map[string]string) string {
	nos := make([]string, 0, len(sites))
	for _, siteNo := range sites {
		nos = append(nos, siteNo)
	}
	sort.Strings(nos)
	return strings.Join(nos, ",")
}

// pointCollector merges per-parameter series into one point per
// (source, timestamp), sorted ascending.
type pointCollector struct {
	points map[string]map[int64]*track.Point
}

func newPointCollector() *pointCollector {
	return &pointCollector{points: make(map[string]map[int64]*track.Point)}
}

func (c *pointCollector) add(id string, ts time.Time, param string, val float64) {
	byTS := c.points[id]
	if byTS == nil {
		byTS = make(map[int64]*track.Point)
		c.points[id] = byTS
	}
	key := ts.UnixNano()
	pt := byTS[key]
	if pt == nil {
		pt = &track.Point{TS: ts}
		byTS[key] = pt
	}
	v := val
	switch param {
	case paramDischarge:
		pt.Flow = &v
	case paramStage:
		pt.Stage = &v
	}
}

func (c *pointCollector) bySource() map[string][]track.Point {
	out := make(map[string][]track.Point, len(c.points))
	for id, byTS := range c.points {
		pts := make([]track.Point, 0, len(byTS))
		for _, pt := range byTS {
			pts = append(pts, *pt)
		}
		sort.Slice(pts, func(i, j int) bool { return pts[i].TS.Before(pts[j].TS) })
		out[id] = pts
	}
	return out
}

// parseTimestamp parses the ISO-8601 timestamps both APIs emit,
// tolerating 'Z' and numeric offsets. nil on failure.
func parseTimestamp(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000-07:00"} {
		if t, err := time.Parse(layout, raw); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	return nil
}

// iso8601Duration renders a duration as an ISO-8601 "PT..H..M..S"
// string, the format the modifiedSince filter expects.
func iso8601Duration(d time.Duration) string {
	total := int(d.Seconds())
	if total <= 0 {
		return "PT0S"
	}
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60

	var b strings.Builder
	b.WriteString("PT")
	if hours > 0 {
		fmt.Fprintf(&b, "%dH", hours)
	}
	if minutes > 0 {
		fmt.Fprintf(&b, "%dM", minutes)
	}
	if seconds > 0 && hours == 0 && minutes == 0 {
		fmt.Fprintf(&b, "%dS", seconds)
	}
	return b.String()
}
