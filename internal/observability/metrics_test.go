package observability

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMetricsTracksCalls(t *testing.T) {
	metrics := NewMetrics()
	span := metrics.Start("ledger.approve")
	time.Sleep(1 * time.Millisecond)
	span.End(nil)

	span = metrics.Start("ledger.approve")
	span.End(errors.New("fail"))

	snap := metrics.Snapshot()
	stats := snap.Methods["ledger.approve"]
	if stats.Count != 2 {
		t.Fatalf("expected 2 calls, got %d", stats.Count)
	}
	if stats.Errors != 1 {
		t.Fatalf("expected 1 error, got %d", stats.Errors)
	}
	if stats.InFlight != 0 {
		t.Fatalf("expected 0 inflight, got %d", stats.InFlight)
	}
	if snap.TotalRequests != 2 || snap.TotalErrors != 1 {
		t.Fatalf("unexpected totals: %+v", snap)
	}
}

func TestMetricsTracksOutcomesAndSync(t *testing.T) {
	metrics := NewMetrics()
	metrics.RecordOutcome("success")
	metrics.RecordOutcome("failed")
	metrics.RecordOutcome("success")
	metrics.SetSyncStats(4, 1, 2)
	metrics.AddEvictions(1)
	metrics.AddEvictions(0)
	metrics.AddNotification()

	snap := metrics.Snapshot()
	if snap.Outcomes["success"] != 2 || snap.Outcomes["failed"] != 1 {
		t.Fatalf("unexpected outcomes: %+v", snap.Outcomes)
	}
	want := SyncSnapshot{Tracked: 4, Active: 1, Errored: 2, Evicted: 1, Notified: 1}
	if snap.Sync != want {
		t.Fatalf("expected %+v, got %+v", want, snap.Sync)
	}
}

func TestMetricsTracksRateLimitWait(t *testing.T) {
	metrics := NewMetrics()
	metrics.AddRateLimitWait(50 * time.Millisecond)
	metrics.AddRateLimitWait(25 * time.Millisecond)
	metrics.AddRateLimitWait(0)

	snap := metrics.Snapshot()
	if snap.RateLimitWaits != 2 {
		t.Fatalf("expected 2 waits, got %d", snap.RateLimitWaits)
	}
	if snap.RateLimitWaitMs != 75 {
		t.Fatalf("expected 75ms, got %d", snap.RateLimitWaitMs)
	}
}

func TestMetricsMarkShutdown(t *testing.T) {
	metrics := NewMetrics()
	metrics.MarkShutdown(1)
	snap := metrics.Snapshot()
	if snap.Lifecycle == nil {
		t.Fatalf("expected lifecycle snapshot")
	}
	if snap.Lifecycle.InFlightAtShutdown != 1 {
		t.Fatalf("expected inflight 1, got %d", snap.Lifecycle.InFlightAtShutdown)
	}
}

func TestHandlerReturnsJSON(t *testing.T) {
	metrics := NewMetrics()
	span := metrics.Start("deploy")
	span.End(errors.New("fail"))
	metrics.RecordOutcome("failed")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()

	metrics.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var snap Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if snap.TotalErrors != 1 || snap.Outcomes["failed"] != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestHandlerRejectsWrites(t *testing.T) {
	rr := httptest.NewRecorder()
	NewMetrics().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/metrics", nil))

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
	if rr.Header().Get("Allow") != "GET, HEAD" {
		t.Fatalf("unexpected Allow header %q", rr.Header().Get("Allow"))
	}
}

func TestMetricsNilSafePaths(t *testing.T) {
	var m *Metrics
	span := m.Start("ignored")
	span.End(nil)

	m.RecordOutcome("success")
	m.SetSyncStats(1, 1, 1)
	m.AddNotification()
	m.MarkShutdown(10)
	if snap := m.Snapshot(); snap.Methods != nil {
		t.Fatalf("expected empty snapshot")
	}
}
