package statussync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"launchpad/internal/observability"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	live := !t.stopped && !t.fired
	t.stopped = true
	return live
}

// fakeClock runs timer callbacks synchronously from Advance.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var due []*fakeTimer
		for _, t := range c.timers {
			if !t.stopped && !t.fired && !t.at.After(target) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			c.now = target
			c.mu.Unlock()
			return
		}
		sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
		next := due[0]
		next.fired = true
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()
		next.fn()
	}
}

func (c *fakeClock) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type stubReader struct {
	mu      sync.Mutex
	details map[string]EntityDetail
	errs    map[string]error
	calls   map[string]int
}

func newStubReader() *stubReader {
	return &stubReader{
		details: make(map[string]EntityDetail),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (r *stubReader) Detail(_ context.Context, id string) (EntityDetail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[id]++
	if err := r.errs[id]; err != nil {
		return EntityDetail{}, err
	}
	d, ok := r.details[id]
	if !ok {
		return EntityDetail{}, ErrNotFound
	}
	return d, nil
}

func (r *stubReader) set(d EntityDetail) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.details[d.ID] = d
}

func (r *stubReader) fail(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[id] = err
}

func (r *stubReader) callCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

type collector struct {
	mu      sync.Mutex
	details []EntityDetail
}

func (c *collector) callback(d EntityDetail) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.details = append(c.details, d)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.details)
}

func newTestEngine(t *testing.T, reader StatusReader, clock *fakeClock) *Engine {
	t.Helper()
	e, err := NewEngine(reader, Config{
		Clock: clock,
		Logf:  func(string, ...any) {},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEngine_NotifiesOnlyOnChange(t *testing.T) {
	clock := newFakeClock()
	reader := newStubReader()
	reader.set(EntityDetail{ID: "c1", Status: StatusActive})
	e := newTestEngine(t, reader, clock)

	var got collector
	_, err := e.Subscribe("c1", got.callback)
	require.NoError(t, err)

	clock.Advance(0)
	require.Equal(t, 1, got.count())

	clock.Advance(DefaultFastInterval)
	assert.Equal(t, 2, reader.callCount("c1"))
	assert.Equal(t, 1, got.count(), "unchanged detail must not notify")

	reader.set(EntityDetail{ID: "c1", Status: StatusClosed})
	clock.Advance(DefaultFastInterval)
	require.Equal(t, 2, got.count())
	assert.Equal(t, StatusClosed, got.details[1].Status)

	last, ok := e.Last("c1")
	require.True(t, ok)
	assert.Equal(t, StatusClosed, last.Status)
}

func TestEngine_IntervalFollowsActivity(t *testing.T) {
	clock := newFakeClock()
	reader := newStubReader()
	reader.set(EntityDetail{ID: "c1", Status: StatusOpen})
	e := newTestEngine(t, reader, clock)

	require.NoError(t, e.StartTracking("c1"))
	clock.Advance(0)

	next, err := e.NextPoll("c1")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(DefaultFastInterval), next)
	assert.Equal(t, 1, e.Stats().Active)

	reader.set(EntityDetail{ID: "c1", Status: StatusFinalized})
	clock.Advance(DefaultFastInterval)
	next, err = e.NextPoll("c1")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(DefaultSlowInterval), next)
	assert.Equal(t, 0, e.Stats().Active)
}

func TestEngine_CustomIntervalFunc(t *testing.T) {
	clock := newFakeClock()
	reader := newStubReader()
	reader.set(EntityDetail{ID: "c1", Status: StatusPending})
	e, err := NewEngine(reader, Config{
		Clock:        clock,
		Logf:         func(string, ...any) {},
		IntervalFunc: func(EntityDetail) time.Duration { return 7 * time.Second },
	})
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.StartTracking("c1"))
	clock.Advance(0)
	clock.Advance(7 * time.Second)
	assert.Equal(t, 2, reader.callCount("c1"))
}

func TestEngine_NotFoundIsNotAnError(t *testing.T) {
	clock := newFakeClock()
	reader := newStubReader()
	e := newTestEngine(t, reader, clock)

	require.NoError(t, e.StartTracking("ghost"))
	for i := 0; i < 5; i++ {
		clock.Advance(DefaultSlowInterval)
	}

	assert.True(t, e.Tracking("ghost"))
	assert.Equal(t, 0, e.Stats().Errored)
	assert.Equal(t, 6, reader.callCount("ghost"))
}

func TestEngine_EvictsAtErrorCeiling(t *testing.T) {
	clock := newFakeClock()
	reader := newStubReader()
	reader.fail("c1", errors.New("canister unreachable"))
	metrics := observability.NewMetrics()
	e, err := NewEngine(reader, Config{Clock: clock, Logf: func(string, ...any) {}, Metrics: metrics})
	require.NoError(t, err)
	defer e.Close()

	var got collector
	_, err = e.Subscribe("c1", got.callback)
	require.NoError(t, err)

	clock.Advance(0)
	assert.Equal(t, 1, e.Stats().Errored)
	next, err := e.NextPoll("c1")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(DefaultErrorBackoff), next)

	clock.Advance(DefaultErrorBackoff)
	assert.True(t, e.Tracking("c1"))
	clock.Advance(DefaultErrorBackoff)

	assert.False(t, e.Tracking("c1"))
	assert.Equal(t, DefaultErrorCeiling, reader.callCount("c1"))
	assert.Equal(t, 0, clock.Live(), "no timer may survive eviction")
	assert.Equal(t, int64(1), metrics.Snapshot().Sync.Evicted)

	clock.Advance(10 * DefaultErrorBackoff)
	assert.Equal(t, DefaultErrorCeiling, reader.callCount("c1"))
	assert.Equal(t, 0, got.count())
}

func TestEngine_SuccessResetsErrorCount(t *testing.T) {
	clock := newFakeClock()
	reader := newStubReader()
	reader.set(EntityDetail{ID: "c1", Status: StatusActive})
	reader.fail("c1", errors.New("timeout"))
	e := newTestEngine(t, reader, clock)

	require.NoError(t, e.StartTracking("c1"))
	clock.Advance(0)
	clock.Advance(DefaultErrorBackoff)
	assert.Equal(t, 1, e.Stats().Errored)

	reader.fail("c1", nil)
	clock.Advance(DefaultErrorBackoff)
	assert.Equal(t, 0, e.Stats().Errored)

	reader.fail("c1", errors.New("timeout"))
	clock.Advance(DefaultFastInterval)
	clock.Advance(DefaultErrorBackoff)
	assert.True(t, e.Tracking("c1"), "a success in between restarts the count")
}

func TestEngine_SingleTimerPerEntity(t *testing.T) {
	clock := newFakeClock()
	reader := newStubReader()
	e := newTestEngine(t, reader, clock)

	require.NoError(t, e.StartTracking("c1"))
	require.NoError(t, e.StartTracking("c1"))
	assert.Equal(t, 1, clock.Live())

	statuses := []string{StatusOpen, StatusClosed, StatusProcessing, StatusFinalized, StatusActive}
	for i, status := range statuses {
		reader.set(EntityDetail{ID: "c1", Status: status})
		if i%2 == 0 {
			require.NoError(t, e.ForceSync(context.Background()))
		}
		clock.Advance(DefaultSlowInterval)
		assert.LessOrEqual(t, clock.Live(), 1)
	}
	assert.Equal(t, 1, clock.Live())
}

func TestEngine_StopTrackingClearsTimer(t *testing.T) {
	clock := newFakeClock()
	reader := newStubReader()
	reader.set(EntityDetail{ID: "c1", Status: StatusActive})
	e := newTestEngine(t, reader, clock)

	require.NoError(t, e.StartTracking("c1"))
	clock.Advance(0)
	e.StopTracking("c1")

	assert.Equal(t, 0, clock.Live())
	clock.Advance(time.Hour)
	assert.Equal(t, 1, reader.callCount("c1"))
}

func TestEngine_UnsubscribeLastStopsTracking(t *testing.T) {
	clock := newFakeClock()
	reader := newStubReader()
	reader.set(EntityDetail{ID: "c1", Status: StatusActive})
	e := newTestEngine(t, reader, clock)

	var a, b collector
	idA, err := e.Subscribe("c1", a.callback)
	require.NoError(t, err)
	idB, err := e.Subscribe("c1", b.callback)
	require.NoError(t, err)
	require.NotEqual(t, idA, idB)

	e.Unsubscribe("c1", idA)
	clock.Advance(0)
	assert.Equal(t, 0, a.count())
	assert.Equal(t, 1, b.count())

	e.Unsubscribe("c1", idB)
	assert.False(t, e.Tracking("c1"))

	_, err = e.Subscribe("c2", a.callback)
	require.NoError(t, err)
	_, err = e.Subscribe("c2", b.callback)
	require.NoError(t, err)
	e.Unsubscribe("c2", 0)
	assert.False(t, e.Tracking("c2"))
}

func TestEngine_CallbackPanicIsIsolated(t *testing.T) {
	clock := newFakeClock()
	reader := newStubReader()
	reader.set(EntityDetail{ID: "c1", Status: StatusActive})
	e := newTestEngine(t, reader, clock)

	_, err := e.Subscribe("c1", func(EntityDetail) { panic("bad subscriber") })
	require.NoError(t, err)
	var got collector
	_, err = e.Subscribe("c1", got.callback)
	require.NoError(t, err)

	clock.Advance(0)
	assert.Equal(t, 1, got.count())
	assert.True(t, e.Tracking("c1"))
}

func TestEngine_ForceSyncPollsEveryID(t *testing.T) {
	clock := newFakeClock()
	reader := newStubReader()
	ids := []string{"c1", "c2", "f1"}
	for _, id := range ids {
		reader.set(EntityDetail{ID: id, Status: StatusPending})
	}
	e := newTestEngine(t, reader, clock)

	var got collector
	for _, id := range ids {
		_, err := e.Subscribe(id, got.callback)
		require.NoError(t, err)
	}

	require.NoError(t, e.ForceSync(context.Background()))
	for _, id := range ids {
		assert.Equal(t, 1, reader.callCount(id))
	}
	assert.Equal(t, 3, got.count())
	assert.Equal(t, 3, clock.Live(), "force sync replaces the pending timers")
}

func TestEngine_FingerprintIgnoresKeyOrder(t *testing.T) {
	clock := newFakeClock()
	reader := newStubReader()
	reader.set(EntityDetail{ID: "c1", Status: StatusActive, Data: []byte(`{"a":1,"b":2}`)})
	e := newTestEngine(t, reader, clock)

	var got collector
	_, err := e.Subscribe("c1", got.callback)
	require.NoError(t, err)
	clock.Advance(0)

	reader.set(EntityDetail{ID: "c1", Status: StatusActive, Data: []byte(`{ "b": 2, "a": 1 }`)})
	clock.Advance(DefaultFastInterval)
	assert.Equal(t, 1, got.count())

	reader.set(EntityDetail{ID: "c1", Status: StatusActive, Data: []byte(`{"a":1,"b":3}`)})
	clock.Advance(DefaultFastInterval)
	assert.Equal(t, 2, got.count())
}

func TestEngine_HealthSweepReportsStats(t *testing.T) {
	clock := newFakeClock()
	reader := newStubReader()
	reader.set(EntityDetail{ID: "c1", Status: StatusActive})
	reader.fail("c2", errors.New("down"))
	metrics := observability.NewMetrics()
	var logged []string
	var logMu sync.Mutex
	e, err := NewEngine(reader, Config{
		Clock:          clock,
		Metrics:        metrics,
		HealthInterval: 10 * time.Second,
		ErrorBackoff:   time.Hour,
		Logf: func(format string, args ...any) {
			logMu.Lock()
			defer logMu.Unlock()
			logged = append(logged, format)
		},
	})
	require.NoError(t, err)
	defer e.Close()
	require.NoError(t, e.Start(context.Background()))

	require.NoError(t, e.StartTracking("c1"))
	require.NoError(t, e.StartTracking("c2"))
	clock.Advance(10 * time.Second)

	snap := metrics.Snapshot()
	assert.Equal(t, 2, snap.Sync.Tracked)
	assert.Equal(t, 1, snap.Sync.Active)
	assert.Equal(t, 1, snap.Sync.Errored)
	assert.Equal(t, Stats{Tracked: 2, Active: 1, Errored: 1}, e.Stats())
}

func TestEngine_ClosedRejectsWork(t *testing.T) {
	e, err := NewEngine(newStubReader(), Config{Clock: newFakeClock(), Logf: func(string, ...any) {}})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	assert.ErrorIs(t, e.StartTracking("c1"), ErrClosed)
	_, err = e.Subscribe("c1", func(EntityDetail) {})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, e.ForceSync(context.Background()), ErrClosed)
	assert.ErrorIs(t, e.StartTracking(" "), ErrInvalidID)
}

func TestEngine_UnsubscribeUnknownIDKeepsTracking(t *testing.T) {
	clock := newFakeClock()
	reader := newStubReader()
	reader.set(EntityDetail{ID: "c1", Status: StatusActive})
	e := newTestEngine(t, reader, clock)

	require.NoError(t, e.StartTracking("c1"))
	e.Unsubscribe("c1", 12345)
	assert.True(t, e.Tracking("c1"))

	var a collector
	idA, err := e.Subscribe("c1", a.callback)
	require.NoError(t, err)
	e.Unsubscribe("c1", idA+1)
	assert.True(t, e.Tracking("c1"))

	clock.Advance(0)
	assert.Equal(t, 1, a.count())

	e.Unsubscribe("c1", idA)
	assert.False(t, e.Tracking("c1"))
}

func TestEngine_RestartDropsStaleSweep(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, newStubReader(), clock)

	require.NoError(t, e.Start(context.Background()))
	e.mu.Lock()
	stale := e.healthSeq
	e.mu.Unlock()
	require.NoError(t, e.Start(context.Background()))

	// A sweep that fired before the restart and ran after it.
	e.sweep(stale)
	assert.Equal(t, 1, clock.Live())

	require.NoError(t, e.Close())
	assert.Equal(t, 0, clock.Live())
}
