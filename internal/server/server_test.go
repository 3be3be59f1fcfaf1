package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jpalmerr/streamgauge/internal/store"
)

// testLogger returns a logger that discards all output for clean test output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seededStore() *store.MemoryStore {
	st := store.NewMemoryStore()
	stage := 3.2
	mult := 4
	st.Update(store.Snapshot{
		ID:              "middle-fork",
		SiteNo:          "12141300",
		Stage:           &stage,
		Status:          "normal",
		MeanIntervalSec: 3600,
		CadenceMult:     &mult,
		CadenceFit:      0.95,
		LatencyLocSec:   120,
		LatencyScaleSec: 15,
	})
	return st
}

func TestHandleStatus(t *testing.T) {
	s := NewServer(seededStore(), 0, nil, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	s.handleStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var snaps []store.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&snaps); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("got %d snapshots, want 1", len(snaps))
	}
	if snaps[0].ID != "middle-fork" {
		t.Errorf("ID = %q, want middle-fork", snaps[0].ID)
	}
	if snaps[0].Stage == nil || *snaps[0].Stage != 3.2 {
		t.Errorf("Stage = %v, want 3.2", snaps[0].Stage)
	}
}

func TestHandleStatusMethodNotAllowed(t *testing.T) {
	s := NewServer(seededStore(), 0, nil, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/status", nil)
	rec := httptest.NewRecorder()
	s.handleStatus(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestHandleControl(t *testing.T) {
	s := NewServer(seededStore(), 0, nil, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/control", nil)
	rec := httptest.NewRecorder()
	s.handleControl(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var views []map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("got %d views, want 1", len(views))
	}
	v := views[0]
	if v["id"] != "middle-fork" {
		t.Errorf("id = %v, want middle-fork", v["id"])
	}
	if v["mean_interval_sec"] != 3600.0 {
		t.Errorf("mean_interval_sec = %v, want 3600", v["mean_interval_sec"])
	}
	if v["cadence_mult"] != 4.0 {
		t.Errorf("cadence_mult = %v, want 4", v["cadence_mult"])
	}
	// the control view never carries the reading itself
	if _, ok := v["stage"]; ok {
		t.Error("control view should not include stage")
	}
}

func TestHandleSSESendsInitialSnapshot(t *testing.T) {
	s := NewServer(seededStore(), 0, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/sse", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.handleSSE(rec, req)
		close(done)
	}()

	// give the handler time to write the initial snapshot, then
	// disconnect the client
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handleSSE did not return after context cancellation")
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "data: ") {
		t.Fatalf("body %q should start with an SSE data frame", body)
	}
	if !strings.Contains(body, `"middle-fork"`) {
		t.Errorf("initial frame should carry the stored snapshot, got %q", body)
	}
}

func TestHandleSSEStreamsUpdates(t *testing.T) {
	st := seededStore()
	s := NewServer(st, 0, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/sse", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.handleSSE(rec, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	st.Update(store.Snapshot{ID: "new-gauge", Status: "action"})
	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	if !strings.Contains(rec.Body.String(), `"new-gauge"`) {
		t.Errorf("stream should carry the pushed update, got %q", rec.Body.String())
	}
}

func TestMetricsRouteRegistered(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})
	s := NewServer(seededStore(), 0, handler, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// routing is wired inside Start; the handler itself is exercised
	// through the mux in integration, here we only assert Start accepted it
}

func TestStartAndShutdown(t *testing.T) {
	s := NewServer(seededStore(), 0, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// cancelling the context must shut the server down without hanging
	cancel()
	time.Sleep(100 * time.Millisecond)
}

func TestStartPortConflict(t *testing.T) {
	st := seededStore()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// occupy a port, then try to bind the server to it
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	s := NewServer(st, port, nil, testLogger())
	if err := s.Start(ctx); err == nil {
		t.Error("Start on an occupied port should fail")
	}
}
