package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type MethodSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

// SyncSnapshot mirrors the status sync engine's last reported stats.
type SyncSnapshot struct {
	Tracked  int   `json:"tracked"`
	Active   int   `json:"active"`
	Errored  int   `json:"errored"`
	Evicted  int64 `json:"evicted"`
	Notified int64 `json:"notified"`
}

type Snapshot struct {
	UptimeSec       int64                     `json:"uptime_sec"`
	TotalRequests   int64                     `json:"total_requests"`
	TotalErrors     int64                     `json:"total_errors"`
	InFlight        int64                     `json:"in_flight"`
	RateLimitWaits  int64                     `json:"rate_limit_waits"`
	RateLimitWaitMs int64                     `json:"rate_limit_wait_ms"`
	Outcomes        map[string]int64          `json:"outcomes"`
	Sync            SyncSnapshot              `json:"sync"`
	Lifecycle       *LifecycleSnapshot        `json:"lifecycle,omitempty"`
	Methods         map[string]MethodSnapshot `json:"methods"`
}

type methodStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

type instruments struct {
	calls    metric.Int64Counter
	latency  metric.Float64Histogram
	outcomes metric.Int64Counter
	notified metric.Int64Counter
}

// Metrics aggregates call latencies, saga outcomes and sync engine stats.
// Every update is also exported through the global OpenTelemetry meter.
type Metrics struct {
	mu             sync.Mutex
	start          time.Time
	methods        map[string]*methodStats
	outcomes       map[string]int64
	sync           SyncSnapshot
	rateLimitWaits int64
	rateLimitWait  time.Duration
	lifecycle      lifecycleStats
	otel           instruments
}

type CallSpan struct {
	metrics *Metrics
	method  string
	start   time.Time
}

type lifecycleStats struct {
	shutdownAt time.Time
	inflight   int64
}

type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

func NewMetrics() *Metrics {
	m := &Metrics{
		start:    time.Now(),
		methods:  make(map[string]*methodStats),
		outcomes: make(map[string]int64),
	}
	meter := otel.Meter("launchpad")
	// Instrument creation only fails for invalid names; a nil instrument is skipped.
	m.otel.calls, _ = meter.Int64Counter("launchpad.calls")
	m.otel.latency, _ = meter.Float64Histogram("launchpad.call.duration", metric.WithUnit("ms"))
	m.otel.outcomes, _ = meter.Int64Counter("launchpad.saga.outcomes")
	m.otel.notified, _ = meter.Int64Counter("launchpad.sync.notifications")
	return m
}

func (m *Metrics) Start(method string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.mu.Lock()
	stats := m.ensureMethod(method)
	stats.inFlight++
	m.mu.Unlock()
	return &CallSpan{
		metrics: m,
		method:  method,
		start:   time.Now(),
	}
}

func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	dur := time.Since(s.start)
	s.metrics.finish(s.method, dur, err != nil)
}

// RecordOutcome counts a terminal saga outcome (success, failed, cancelled).
func (m *Metrics) RecordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.outcomes[outcome]++
	m.mu.Unlock()
	if m.otel.outcomes != nil {
		m.otel.outcomes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// SetSyncStats stores the latest sync engine gauges.
func (m *Metrics) SetSyncStats(tracked, active, errored int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.sync.Tracked = tracked
	m.sync.Active = active
	m.sync.Errored = errored
	m.mu.Unlock()
}

// AddEvictions counts subscriptions dropped after repeated poll failures.
func (m *Metrics) AddEvictions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.mu.Lock()
	m.sync.Evicted += int64(n)
	m.mu.Unlock()
}

// AddNotification counts one status change delivered to subscribers.
func (m *Metrics) AddNotification() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.sync.Notified++
	m.mu.Unlock()
	if m.otel.notified != nil {
		m.otel.notified.Add(context.Background(), 1)
	}
}

func (m *Metrics) AddRateLimitWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	m.rateLimitWaits++
	m.rateLimitWait += d
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	snap := Snapshot{
		UptimeSec:       int64(now.Sub(m.start).Seconds()),
		Methods:         make(map[string]MethodSnapshot),
		Outcomes:        make(map[string]int64, len(m.outcomes)),
		Sync:            m.sync,
		RateLimitWaits:  m.rateLimitWaits,
		RateLimitWaitMs: int64(m.rateLimitWait / time.Millisecond),
	}
	for outcome, n := range m.outcomes {
		snap.Outcomes[outcome] = n
	}

	for method, stats := range m.methods {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Methods[method] = MethodSnapshot{
			Count:         stats.count,
			Errors:        stats.errors,
			InFlight:      stats.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
		snap.TotalRequests += stats.count
		snap.TotalErrors += stats.errors
		snap.InFlight += stats.inFlight
	}

	if !m.lifecycle.shutdownAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{
			ShutdownAt:         m.lifecycle.shutdownAt,
			InFlightAtShutdown: m.lifecycle.inflight,
		}
	}

	return snap
}

func (m *Metrics) ensureMethod(method string) *methodStats {
	stats, ok := m.methods[method]
	if !ok {
		stats = &methodStats{}
		m.methods[method] = stats
	}
	return stats
}

func (m *Metrics) finish(method string, dur time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.ensureMethod(method)
	stats.inFlight--
	stats.count++
	if failed {
		stats.errors++
	}
	stats.totalLatency += dur
	if dur > stats.maxLatency {
		stats.maxLatency = dur
	}
	stats.lastLatency = dur
	m.mu.Unlock()

	attrs := metric.WithAttributes(attribute.String("method", method), attribute.Bool("error", failed))
	if m.otel.calls != nil {
		m.otel.calls.Add(context.Background(), 1, attrs)
	}
	if m.otel.latency != nil {
		m.otel.latency.Record(context.Background(), float64(dur)/float64(time.Millisecond), attrs)
	}
}

func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.lifecycle.shutdownAt = time.Now()
	m.lifecycle.inflight = inflight
	m.mu.Unlock()
}

// ServeHTTP writes the current snapshot as JSON.
func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(m.Snapshot())
}
