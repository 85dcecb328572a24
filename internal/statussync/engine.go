// Package statussync polls remote entity state at an adaptive interval and
// fans out changes to subscribers. The remote side has no push channel.
package statussync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"launchpad/internal/observability"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultFastInterval   = 5 * time.Second
	DefaultSlowInterval   = 30 * time.Second
	DefaultErrorBackoff   = time.Minute
	DefaultHealthInterval = time.Minute
	DefaultPollTimeout    = 10 * time.Second
	DefaultErrorCeiling   = 3
)

var (
	ErrClosed    = errors.New("status sync engine closed")
	ErrInvalidID = errors.New("entity id is required")
)

// Callback receives a changed entity detail.
type Callback func(EntityDetail)

// SubscriptionID identifies one callback registration. Zero is never issued.
type SubscriptionID uint64

// Config tunes polling. Zero values take the defaults.
type Config struct {
	FastInterval   time.Duration
	SlowInterval   time.Duration
	ErrorBackoff   time.Duration
	HealthInterval time.Duration
	PollTimeout    time.Duration
	ErrorCeiling   int
	// IntervalFunc picks the next poll delay from the newest detail.
	IntervalFunc func(EntityDetail) time.Duration
	Clock        Clock
	Logf         func(format string, args ...any)
	Metrics      *observability.Metrics
}

func (c Config) withDefaults() Config {
	if c.FastInterval <= 0 {
		c.FastInterval = DefaultFastInterval
	}
	if c.SlowInterval <= 0 {
		c.SlowInterval = DefaultSlowInterval
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = DefaultErrorBackoff
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.ErrorCeiling <= 0 {
		c.ErrorCeiling = DefaultErrorCeiling
	}
	if c.Clock == nil {
		c.Clock = RealClock
	}
	if c.Logf == nil {
		c.Logf = log.Printf
	}
	if c.IntervalFunc == nil {
		fast, slow := c.FastInterval, c.SlowInterval
		c.IntervalFunc = func(d EntityDetail) time.Duration {
			if d.Active() {
				return fast
			}
			return slow
		}
	}
	return c
}

// Stats summarizes tracked subscriptions.
type Stats struct {
	Tracked int `json:"tracked"`
	Active  int `json:"active"`
	Errored int `json:"errored"`
}

type callbackEntry struct {
	id SubscriptionID
	fn Callback
}

type subscription struct {
	id          string
	callbacks   []callbackEntry
	last        *EntityDetail
	fingerprint string
	errorCount  int
	active      bool

	timer    Timer
	timerSeq uint64
	nextPoll time.Time

	inflight bool
	dirty    bool
	waiters  []chan struct{}
}

// Engine tracks entity ids and keeps at most one live poll timer per id.
type Engine struct {
	reader StatusReader
	cfg    Config

	mu      sync.Mutex
	subs    map[string]*subscription
	nextSub SubscriptionID
	ctx     context.Context
	cancel  context.CancelFunc
	health  Timer
	closed  bool
	polls   sync.WaitGroup

	// healthSeq invalidates sweeps scheduled before the latest Start.
	healthSeq uint64
}

// NewEngine constructs an engine over reader. Polling starts with the first
// tracked id; Start adds the health sweep.
func NewEngine(reader StatusReader, cfg Config) (*Engine, error) {
	if reader == nil {
		return nil, errors.New("status reader is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		reader: reader,
		cfg:    cfg.withDefaults(),
		subs:   make(map[string]*subscription),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start binds polling to ctx and schedules the health sweep.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.cancel()
	e.ctx, e.cancel = context.WithCancel(ctx)
	if e.health != nil {
		e.health.Stop()
	}
	e.healthSeq++
	e.scheduleSweepLocked()
	return nil
}

func (e *Engine) scheduleSweepLocked() {
	seq := e.healthSeq
	e.health = e.cfg.Clock.AfterFunc(e.cfg.HealthInterval, func() { e.sweep(seq) })
}

// Close stops every timer and waits for in-flight polls.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for id, sub := range e.subs {
		e.dropLocked(sub)
		delete(e.subs, id)
	}
	if e.health != nil {
		e.health.Stop()
		e.health = nil
	}
	e.healthSeq++
	e.cancel()
	e.mu.Unlock()

	e.polls.Wait()
	return nil
}

// StartTracking begins polling id immediately. Tracking an id twice is a no-op.
func (e *Engine) StartTracking(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrInvalidID
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.trackLocked(id)
	return nil
}

// StopTracking removes id. No poll for id fires after it returns.
func (e *Engine) StopTracking(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sub, ok := e.subs[id]; ok {
		e.dropLocked(sub)
		delete(e.subs, id)
	}
}

// Subscribe registers cb for changes to id, tracking it if needed.
func (e *Engine) Subscribe(id string, cb Callback) (SubscriptionID, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return 0, ErrInvalidID
	}
	if cb == nil {
		return 0, errors.New("callback is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrClosed
	}
	sub := e.trackLocked(id)
	e.nextSub++
	sub.callbacks = append(sub.callbacks, callbackEntry{id: e.nextSub, fn: cb})
	return e.nextSub, nil
}

// Unsubscribe removes one callback, or all of them when subID is zero.
// Removing the last callback stops tracking id. An unknown subID is ignored.
func (e *Engine) Unsubscribe(id string, subID SubscriptionID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sub, ok := e.subs[id]
	if !ok {
		return
	}
	if subID != 0 {
		kept := sub.callbacks[:0]
		for _, entry := range sub.callbacks {
			if entry.id != subID {
				kept = append(kept, entry)
			}
		}
		if len(kept) == len(sub.callbacks) {
			return
		}
		sub.callbacks = kept
	} else {
		sub.callbacks = nil
	}
	if len(sub.callbacks) == 0 {
		e.dropLocked(sub)
		delete(e.subs, id)
	}
}

// Tracking reports whether id is tracked.
func (e *Engine) Tracking(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.subs[id]
	return ok
}

// Last returns the most recent detail observed for id.
func (e *Engine) Last(id string) (EntityDetail, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sub, ok := e.subs[id]
	if !ok || sub.last == nil {
		return EntityDetail{}, false
	}
	return *sub.last, true
}

// Stats counts tracked, high-activity and erroring subscriptions.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statsLocked()
}

// ForceSync polls every tracked id now, concurrently, and waits for the results.
// An id whose poll is already running is polled again once it finishes.
func (e *Engine) ForceSync(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	subs := make([]*subscription, 0, len(e.subs))
	for _, sub := range e.subs {
		subs = append(subs, sub)
	}
	e.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			return e.forcePoll(ctx, sub)
		})
	}
	return g.Wait()
}

func (e *Engine) forcePoll(ctx context.Context, sub *subscription) error {
	e.mu.Lock()
	if e.closed || e.subs[sub.id] != sub {
		e.mu.Unlock()
		return nil
	}
	if sub.inflight {
		sub.dirty = true
		done := make(chan struct{})
		sub.waiters = append(sub.waiters, done)
		e.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	sub.inflight = true
	e.polls.Add(1)
	e.mu.Unlock()

	e.pollLoop(sub)
	return nil
}

func (e *Engine) trackLocked(id string) *subscription {
	if sub, ok := e.subs[id]; ok {
		return sub
	}
	sub := &subscription{id: id}
	e.subs[id] = sub
	e.scheduleLocked(sub, 0)
	return sub
}

// dropLocked stops the timer and invalidates any timer that already fired.
func (e *Engine) dropLocked(sub *subscription) {
	if sub.timer != nil {
		sub.timer.Stop()
		sub.timer = nil
	}
	sub.timerSeq++
}

// scheduleLocked replaces the subscription's timer.
func (e *Engine) scheduleLocked(sub *subscription, d time.Duration) {
	if sub.timer != nil {
		sub.timer.Stop()
	}
	sub.timerSeq++
	seq := sub.timerSeq
	sub.nextPoll = e.cfg.Clock.Now().Add(d)
	sub.timer = e.cfg.Clock.AfterFunc(d, func() { e.fire(sub, seq) })
}

func (e *Engine) fire(sub *subscription, seq uint64) {
	e.mu.Lock()
	if e.closed || e.subs[sub.id] != sub || sub.timerSeq != seq {
		e.mu.Unlock()
		return
	}
	sub.timer = nil
	if sub.inflight {
		sub.dirty = true
		e.mu.Unlock()
		return
	}
	sub.inflight = true
	e.polls.Add(1)
	e.mu.Unlock()

	e.pollLoop(sub)
}

func (e *Engine) pollLoop(sub *subscription) {
	defer e.polls.Done()
	for {
		detail, err := e.read(sub.id)
		callbacks, changed := e.apply(sub, detail, err)
		if changed {
			e.cfg.Metrics.AddNotification()
			e.deliver(sub.id, callbacks, detail)
		}
		if !e.finishPoll(sub) {
			return
		}
	}
}

func (e *Engine) read(id string) (EntityDetail, error) {
	e.mu.Lock()
	base := e.ctx
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(base, e.cfg.PollTimeout)
	defer cancel()

	span := e.cfg.Metrics.Start("status.detail")
	detail, err := e.reader.Detail(ctx, id)
	if errors.Is(err, ErrNotFound) {
		span.End(nil)
	} else {
		span.End(err)
	}
	return detail, err
}

// apply folds one poll result into the subscription and reschedules it.
// It returns the callbacks to notify when the detail changed.
func (e *Engine) apply(sub *subscription, detail EntityDetail, err error) ([]callbackEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.subs[sub.id] != sub {
		return nil, false
	}

	switch {
	case errors.Is(err, ErrNotFound):
		e.cfg.Logf("status sync id=%s not found yet, retrying in %s", sub.id, e.cfg.SlowInterval)
		e.scheduleLocked(sub, e.cfg.SlowInterval)
		return nil, false
	case err != nil:
		sub.errorCount++
		if sub.errorCount >= e.cfg.ErrorCeiling {
			e.cfg.Logf("status sync id=%s evicted after %d failed polls: %v", sub.id, sub.errorCount, err)
			e.dropLocked(sub)
			delete(e.subs, sub.id)
			e.cfg.Metrics.AddEvictions(1)
			return nil, false
		}
		e.cfg.Logf("status sync id=%s poll failed (%d/%d): %v", sub.id, sub.errorCount, e.cfg.ErrorCeiling, err)
		e.scheduleLocked(sub, e.cfg.ErrorBackoff)
		return nil, false
	}

	sub.errorCount = 0
	sub.active = detail.Active()

	fp, fpErr := fingerprint(detail)
	if fpErr != nil {
		e.cfg.Logf("status sync id=%s fingerprint failed, treating as changed: %v", sub.id, fpErr)
	}
	changed := fpErr != nil || sub.last == nil || fp != sub.fingerprint
	var callbacks []callbackEntry
	if changed {
		copied := detail
		sub.last = &copied
		sub.fingerprint = fp
		callbacks = append(callbacks, sub.callbacks...)
	}

	interval := e.cfg.IntervalFunc(detail)
	if interval <= 0 {
		interval = e.cfg.SlowInterval
	}
	e.scheduleLocked(sub, interval)
	return callbacks, changed
}

// finishPoll reports whether a forced poll arrived meanwhile and the loop
// should read again.
func (e *Engine) finishPoll(sub *subscription) bool {
	e.mu.Lock()
	if sub.dirty && !e.closed && e.subs[sub.id] == sub {
		sub.dirty = false
		e.mu.Unlock()
		return true
	}
	sub.inflight = false
	sub.dirty = false
	waiters := sub.waiters
	sub.waiters = nil
	e.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	return false
}

func (e *Engine) deliver(id string, callbacks []callbackEntry, detail EntityDetail) {
	for _, entry := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.cfg.Logf("status sync id=%s subscriber %d panicked: %v", id, entry.id, r)
				}
			}()
			entry.fn(detail)
		}()
	}
}

func (e *Engine) sweep(seq uint64) {
	e.mu.Lock()
	if e.closed || seq != e.healthSeq {
		e.mu.Unlock()
		return
	}
	evicted := 0
	for id, sub := range e.subs {
		if sub.errorCount >= e.cfg.ErrorCeiling {
			e.dropLocked(sub)
			delete(e.subs, id)
			evicted++
		}
	}
	stats := e.statsLocked()
	e.scheduleSweepLocked()
	e.mu.Unlock()

	e.cfg.Metrics.SetSyncStats(stats.Tracked, stats.Active, stats.Errored)
	e.cfg.Metrics.AddEvictions(evicted)
	e.cfg.Logf("status sync health tracked=%d active=%d errored=%d evicted=%d", stats.Tracked, stats.Active, stats.Errored, evicted)
}

func (e *Engine) statsLocked() Stats {
	var stats Stats
	for _, sub := range e.subs {
		stats.Tracked++
		if sub.active {
			stats.Active++
		}
		if sub.errorCount > 0 {
			stats.Errored++
		}
	}
	return stats
}

// NextPoll reports when id is next scheduled to poll.
func (e *Engine) NextPoll(id string) (time.Time, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sub, ok := e.subs[id]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sub.nextPoll, nil
}
