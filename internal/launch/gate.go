package launch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"launchpad/internal/ledger"
)

// Quote is what the user is asked to accept before money moves.
type Quote struct {
	AttemptID     string        `json:"attempt_id"`
	Owner         string        `json:"owner"`
	Spender       string        `json:"spender"`
	ProjectName   string        `json:"project_name"`
	Breakdown     CostBreakdown `json:"breakdown"`
	ApproveAmount ledger.Amount `json:"approve_amount"`
}

// ConfirmationGate is the single irreversible decision point of a saga.
// Only an explicit acceptance returns true.
type ConfirmationGate interface {
	Confirm(ctx context.Context, quote Quote) (bool, error)
}

// ConfirmFunc adapts a function to ConfirmationGate.
type ConfirmFunc func(ctx context.Context, quote Quote) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, quote Quote) (bool, error) {
	return f(ctx, quote)
}

// AutoConfirm accepts every quote. Intended for non-interactive callers that
// already obtained consent elsewhere.
type AutoConfirm struct{}

func (AutoConfirm) Confirm(context.Context, Quote) (bool, error) { return true, nil }

// ErrQuoteNotFound is returned when resolving an unknown or expired quote.
var ErrQuoteNotFound = errors.New("quote not found")

// PendingQuote is a quote awaiting a remote decision.
type PendingQuote struct {
	Quote    Quote     `json:"quote"`
	PostedAt time.Time `json:"posted_at"`
}

type pendingEntry struct {
	quote    PendingQuote
	decision chan bool
}

// PendingGate parks quotes until someone resolves them by attempt id.
// Quotes left unresolved for longer than the TTL count as declined.
type PendingGate struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	pending map[string]*pendingEntry
	waiters map[string][]chan PendingQuote
}

// NewPendingGate constructs a PendingGate; ttl <= 0 waits until the context ends.
func NewPendingGate(ttl time.Duration) *PendingGate {
	return &PendingGate{
		ttl:     ttl,
		now:     time.Now,
		pending: make(map[string]*pendingEntry),
		waiters: make(map[string][]chan PendingQuote),
	}
}

// Confirm blocks until the quote is resolved, expires, or ctx ends.
func (g *PendingGate) Confirm(ctx context.Context, quote Quote) (bool, error) {
	entry := &pendingEntry{
		quote:    PendingQuote{Quote: quote, PostedAt: g.now()},
		decision: make(chan bool, 1),
	}

	g.mu.Lock()
	g.pending[quote.AttemptID] = entry
	waiters := g.waiters[quote.AttemptID]
	delete(g.waiters, quote.AttemptID)
	g.mu.Unlock()

	for _, w := range waiters {
		w <- entry.quote
	}

	defer func() {
		g.mu.Lock()
		if g.pending[quote.AttemptID] == entry {
			delete(g.pending, quote.AttemptID)
		}
		g.mu.Unlock()
	}()

	var expired <-chan time.Time
	if g.ttl > 0 {
		timer := time.NewTimer(g.ttl)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case accepted := <-entry.decision:
		return accepted, nil
	case <-expired:
		return false, nil
	case <-ctx.Done():
		return false, nil
	}
}

// Resolve records the decision for a pending quote.
func (g *PendingGate) Resolve(attemptID string, accept bool) error {
	g.mu.Lock()
	entry, ok := g.pending[attemptID]
	if ok {
		delete(g.pending, attemptID)
	}
	g.mu.Unlock()
	if !ok {
		return ErrQuoteNotFound
	}
	entry.decision <- accept
	return nil
}

// Await waits until a quote for attemptID is posted.
func (g *PendingGate) Await(ctx context.Context, attemptID string) (PendingQuote, error) {
	g.mu.Lock()
	if entry, ok := g.pending[attemptID]; ok {
		g.mu.Unlock()
		return entry.quote, nil
	}
	ch := make(chan PendingQuote, 1)
	g.waiters[attemptID] = append(g.waiters[attemptID], ch)
	g.mu.Unlock()

	select {
	case quote := <-ch:
		return quote, nil
	case <-ctx.Done():
		g.mu.Lock()
		remaining := g.waiters[attemptID][:0]
		for _, w := range g.waiters[attemptID] {
			if w != ch {
				remaining = append(remaining, w)
			}
		}
		if len(remaining) == 0 {
			delete(g.waiters, attemptID)
		} else {
			g.waiters[attemptID] = remaining
		}
		g.mu.Unlock()
		return PendingQuote{}, ctx.Err()
	}
}

// Pending lists unresolved quotes, oldest first.
func (g *PendingGate) Pending() []PendingQuote {
	g.mu.Lock()
	out := make([]PendingQuote, 0, len(g.pending))
	for _, entry := range g.pending {
		out = append(out, entry.quote)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PostedAt.Before(out[j].PostedAt) })
	return out
}
