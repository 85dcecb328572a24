package launch

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPendingGate_ResolveAccept(t *testing.T) {
	gate := NewPendingGate(time.Minute)
	result := make(chan bool, 1)

	go func() {
		ok, _ := gate.Confirm(context.Background(), Quote{AttemptID: "a1"})
		result <- ok
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	quote, err := gate.Await(ctx, "a1")
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if quote.Quote.AttemptID != "a1" {
		t.Fatalf("unexpected quote %+v", quote)
	}
	if pending := gate.Pending(); len(pending) != 1 {
		t.Fatalf("expected 1 pending quote, got %d", len(pending))
	}

	if err := gate.Resolve("a1", true); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ok := <-result; !ok {
		t.Fatalf("expected acceptance")
	}
	if pending := gate.Pending(); len(pending) != 0 {
		t.Fatalf("expected no pending quotes, got %d", len(pending))
	}
}

func TestPendingGate_ExpiresAsDecline(t *testing.T) {
	gate := NewPendingGate(10 * time.Millisecond)
	ok, err := gate.Confirm(context.Background(), Quote{AttemptID: "a2"})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if ok {
		t.Fatalf("expired quote must count as declined")
	}
	if err := gate.Resolve("a2", true); !errors.Is(err, ErrQuoteNotFound) {
		t.Fatalf("expected ErrQuoteNotFound after expiry, got %v", err)
	}
}

func TestPendingGate_ContextCancelDeclines(t *testing.T) {
	gate := NewPendingGate(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok, err := gate.Confirm(ctx, Quote{AttemptID: "a3"})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if ok {
		t.Fatalf("cancelled context must count as declined")
	}
}

func TestPendingGate_ResolveUnknown(t *testing.T) {
	gate := NewPendingGate(time.Minute)
	if err := gate.Resolve("missing", false); !errors.Is(err, ErrQuoteNotFound) {
		t.Fatalf("expected ErrQuoteNotFound, got %v", err)
	}
}

func TestPendingGate_AwaitHonorsContext(t *testing.T) {
	gate := NewPendingGate(time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := gate.Await(ctx, "never"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
