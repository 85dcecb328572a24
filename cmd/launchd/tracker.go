package main

import (
	"context"
	"log"
	"strings"
	"sync"

	"launchpad/internal/statussync"
)

// entityTracker is the slice of the sync engine the HTTP layer drives.
type entityTracker interface {
	StartTracking(id string) error
	StopTracking(id string)
	Last(id string) (statussync.EntityDetail, bool)
	ForceSync(ctx context.Context) error
	Stats() statussync.Stats
}

// fanoutTracker subscribes one callback per entity that feeds every sink, so
// all sinks observe the first poll. A panicking sink is logged and skipped.
// An entity evicted by the engine is subscribed again on the next request.
type fanoutTracker struct {
	mu        sync.Mutex
	engine    *statussync.Engine
	callbacks []statussync.Callback
	logf      func(format string, args ...any)
}

func (t *fanoutTracker) StartTracking(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return statussync.ErrInvalidID
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.engine.Tracking(id) {
		return nil
	}
	if len(t.callbacks) == 0 {
		return t.engine.StartTracking(id)
	}
	callbacks := t.callbacks
	_, err := t.engine.Subscribe(id, func(detail statussync.EntityDetail) {
		for i, cb := range callbacks {
			t.deliver(i, cb, detail)
		}
	})
	return err
}

func (t *fanoutTracker) deliver(sink int, cb statussync.Callback, detail statussync.EntityDetail) {
	defer func() {
		if r := recover(); r != nil {
			logf := t.logf
			if logf == nil {
				logf = log.Printf
			}
			logf("status sink %d panicked id=%s: %v", sink, detail.ID, r)
		}
	}()
	cb(detail)
}

func (t *fanoutTracker) StopTracking(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.engine.StopTracking(strings.TrimSpace(id))
}

func (t *fanoutTracker) Last(id string) (statussync.EntityDetail, bool) {
	return t.engine.Last(id)
}

func (t *fanoutTracker) ForceSync(ctx context.Context) error {
	return t.engine.ForceSync(ctx)
}

func (t *fanoutTracker) Stats() statussync.Stats {
	return t.engine.Stats()
}
