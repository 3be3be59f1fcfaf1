package usgs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nwisLatestPayload = `{
  "value": {
    "timeSeries": [
      {
        "sourceInfo": {"siteCode": [{"value": "12141300"}]},
        "variable": {"variableCode": [{"value": "00065"}]},
        "values": [{"value": [
          {"value": "3.10", "dateTime": "2025-03-01T11:45:00.000-05:00"},
          {"value": "3.20", "dateTime": "2025-03-01T12:00:00.000-05:00"}
        ]}]
      },
      {
        "sourceInfo": {"siteCode": [{"value": "12141300"}]},
        "variable": {"variableCode": [{"value": "00060"}]},
        "values": [{"value": [
          {"value": "142", "dateTime": "2025-03-01T12:00:00.000-05:00"}
        ]}]
      },
      {
        "sourceInfo": {"siteCode": [{"value": "99999999"}]},
        "variable": {"variableCode": [{"value": "00065"}]},
        "values": [{"value": [
          {"value": "9.99", "dateTime": "2025-03-01T12:00:00.000-05:00"}
        ]}]
      }
    ]
  }
}`

func TestWaterServicesLatest(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(nwisLatestPayload))
	}))
	defer srv.Close()

	ws := NewWaterServices(NewClient(), srv.URL)
	readings, latency, err := ws.Latest(context.Background(),
		map[string]string{"middle-fork": "12141300"}, 30*time.Minute, time.Second)

	require.NoError(t, err)
	assert.Greater(t, latency, time.Duration(0))
	assert.Contains(t, gotQuery, "modifiedSince=PT30M")
	assert.Contains(t, gotQuery, "parameterCd=00060%2C00065")

	require.Contains(t, readings, "middle-fork")
	r := readings["middle-fork"]
	require.NotNil(t, r.Stage)
	assert.Equal(t, 3.2, *r.Stage)
	require.NotNil(t, r.Flow)
	assert.Equal(t, 142.0, *r.Flow)
	require.NotNil(t, r.ObservedAt)
	assert.True(t, r.ObservedAt.Equal(time.Date(2025, 3, 1, 17, 0, 0, 0, time.UTC)))

	// The untracked site never leaks in.
	assert.Len(t, readings, 1)
}

func TestWaterServicesLatestOmitsHintWhenZero(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"value":{"timeSeries":[]}}`))
	}))
	defer srv.Close()

	ws := NewWaterServices(NewClient(), srv.URL)
	_, _, err := ws.Latest(context.Background(), map[string]string{"g": "1"}, 0, time.Second)
	require.NoError(t, err)
	assert.NotContains(t, gotQuery, "modifiedSince")
}

func TestWaterServicesHistoryMergesParameters(t *testing.T) {
	payload := `{
	  "value": {"timeSeries": [
	    {
	      "sourceInfo": {"siteCode": [{"value": "12141300"}]},
	      "variable": {"variableCode": [{"value": "00065"}]},
	      "values": [{"value": [
	        {"value": "3.00", "dateTime": "2025-03-01T11:00:00.000Z"},
	        {"value": "3.10", "dateTime": "2025-03-01T12:00:00.000Z"}
	      ]}]
	    },
	    {
	      "sourceInfo": {"siteCode": [{"value": "12141300"}]},
	      "variable": {"variableCode": [{"value": "00060"}]},
	      "values": [{"value": [
	        {"value": "140", "dateTime": "2025-03-01T11:00:00.000Z"}
	      ]}]
	    }
	  ]}
	}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.RawQuery, "period=PT6H")
		_, _ = w.Write([]byte(payload))
	}))
	defer srv.Close()

	ws := NewWaterServices(NewClient(), srv.URL)
	hist, _, err := ws.History(context.Background(),
		map[string]string{"middle-fork": "12141300"}, 6*time.Hour, time.Second)

	require.NoError(t, err)
	pts := hist["middle-fork"]
	require.Len(t, pts, 2)
	// Both parameters at 11:00 collapse into one point.
	require.NotNil(t, pts[0].Stage)
	assert.Equal(t, 3.0, *pts[0].Stage)
	require.NotNil(t, pts[0].Flow)
	assert.Equal(t, 140.0, *pts[0].Flow)
	assert.Nil(t, pts[1].Flow)
	assert.True(t, pts[0].TS.Before(pts[1].TS))
}

func TestWaterServicesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ws := NewWaterServices(NewClient(), srv.URL)
	_, _, err := ws.Latest(context.Background(), map[string]string{"g": "1"}, 0, time.Second)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "waterservices", fe.Backend)
	assert.Contains(t, fe.Reason, "503")
}

const ogcLatestPayload = `{
  "features": [
    {"properties": {
      "monitoringLocationId": "USGS-12141300",
      "parameterCode": "00065",
      "value": "3.40",
      "phenomenonTime": "2025-03-01T12:15:00Z"
    }},
    {"properties": {
      "monitoringLocationId": "USGS-12141300",
      "parameterCode": "00060",
      "value": 150.5,
      "phenomenonTime": "2025-03-01T12:15:00Z"
    }},
    {"properties": {
      "monitoringLocationId": "USGS-12141300",
      "parameterCode": "00065",
      "value": null,
      "phenomenonTime": "2025-03-01T12:30:00Z"
    }}
  ]
}`

func TestOGCLatest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.RawQuery, "monitoringLocationId=USGS-12141300")
		_, _ = w.Write([]byte(ogcLatestPayload))
	}))
	defer srv.Close()

	ogc := NewOGCAPI(NewClient(), srv.URL, "")
	readings, _, err := ogc.Latest(context.Background(),
		map[string]string{"middle-fork": "12141300"}, time.Second)

	require.NoError(t, err)
	require.Contains(t, readings, "middle-fork")
	r := readings["middle-fork"]
	// String and numeric JSON values both parse; null is skipped.
	require.NotNil(t, r.Stage)
	assert.Equal(t, 3.4, *r.Stage)
	require.NotNil(t, r.Flow)
	assert.Equal(t, 150.5, *r.Flow)
	require.NotNil(t, r.ObservedAt)
	assert.True(t, r.ObservedAt.Equal(time.Date(2025, 3, 1, 12, 15, 0, 0, time.UTC)))
}

func TestOGCHistoryRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Query().Get("datetime"), "/")
		_, _ = w.Write([]byte(`{"features":[
		  {"properties": {
		    "monitoringLocationId": "USGS-12141300",
		    "parameterCode": "00065",
		    "value": "3.00",
		    "phenomenonTime": "2025-03-01T11:00:00Z"
		  }}
		]}`))
	}))
	defer srv.Close()

	ogc := NewOGCAPI(NewClient(), "", srv.URL)
	start := time.Date(2025, 3, 1, 6, 0, 0, 0, time.UTC)
	end := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	hist, _, err := ogc.History(context.Background(),
		map[string]string{"middle-fork": "12141300"}, start, end, time.Second)

	require.NoError(t, err)
	require.Len(t, hist["middle-fork"], 1)
	require.NotNil(t, hist["middle-fork"][0].Stage)
	assert.Equal(t, 3.0, *hist["middle-fork"][0].Stage)
}

func TestClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient()
	defer c.Close()
	resp := c.Get(context.Background(), srv.URL, 20*time.Millisecond)
	assert.Error(t, resp.Error)
}

func TestISO8601Duration(t *testing.T) {
	assert.Equal(t, "PT0S", iso8601Duration(0))
	assert.Equal(t, "PT45S", iso8601Duration(45*time.Second))
	assert.Equal(t, "PT30M", iso8601Duration(30*time.Minute))
	assert.Equal(t, "PT1H30M", iso8601Duration(90*time.Minute))
	assert.Equal(t, "PT2H", iso8601Duration(2*time.Hour))
}

func TestParseTimestamp(t *testing.T) {
	got := parseTimestamp("2025-03-01T12:00:00.000-05:00")
	require.NotNil(t, got)
	assert.True(t, got.Equal(time.Date(2025, 3, 1, 17, 0, 0, 0, time.UTC)))

	got = parseTimestamp("2025-03-01T12:00:00Z")
	require.NotNil(t, got)

	assert.Nil(t, parseTimestamp(""))
	assert.Nil(t, parseTimestamp("not-a-time"))
}
