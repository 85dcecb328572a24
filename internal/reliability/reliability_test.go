package reliability

import (
	"context"
	"errors"
	"testing"
	"time"
)

type transientErr struct{ transient bool }

func (e transientErr) Error() string   { return "remote error" }
func (e transientErr) Transient() bool { return e.transient }

func TestRetryPolicy_RetriesWithBackoff(t *testing.T) {
	attempts := 0
	var delays []time.Duration
	var retried []int

	policy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
		Jitter:      func(d time.Duration) time.Duration { return d },
		Sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
		ShouldRetry: func(error) bool { return true },
		OnRetry:     func(attempt int, _ time.Duration, _ error) { retried = append(retried, attempt) },
	}

	err := policy.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("fail")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if len(delays) != 2 || delays[0] != 10*time.Millisecond || delays[1] != 20*time.Millisecond {
		t.Fatalf("unexpected delays: %v", delays)
	}
	if len(retried) != 2 || retried[0] != 1 || retried[1] != 2 {
		t.Fatalf("unexpected retry hooks: %v", retried)
	}
}

func TestRetryPolicy_DefaultOnlyRetriesTransient(t *testing.T) {
	attempts := 0
	policy := RetryPolicy{
		MaxAttempts: 5,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}

	err := policy.Do(context.Background(), func() error {
		attempts++
		if attempts == 1 {
			return transientErr{transient: true}
		}
		return transientErr{transient: false}
	})
	if err == nil {
		t.Fatalf("expected permanent error")
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"circuit", ErrCircuitOpen, false},
		{"marked transient", transientErr{transient: true}, true},
		{"marked permanent", transientErr{transient: false}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := Transient(tc.err); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestCircuitBreaker_OpensAndResets(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	calls := 0

	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Second,
		Now:          func() time.Time { return now },
	})

	fail := func() error {
		calls++
		return errors.New("fail")
	}

	if err := breaker.Execute(fail); err == nil {
		t.Fatalf("expected failure")
	}
	if err := breaker.Execute(fail); err == nil {
		t.Fatalf("expected failure")
	}
	if !breaker.Open() {
		t.Fatalf("expected breaker to be open")
	}

	if err := breaker.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open error, got %v", err)
	}

	now = now.Add(2 * time.Second)

	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected breaker to allow trial, got %v", err)
	}
	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected breaker to close, got %v", err)
	}

	if calls != 2 {
		t.Fatalf("expected 2 failed calls, got %d", calls)
	}
}

func TestCircuitBreaker_IgnoresBusinessRejections(t *testing.T) {
	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures: 1,
		IsFailure:   Transient,
	})
	rejected := transientErr{transient: false}

	for i := 0; i < 3; i++ {
		if err := breaker.Execute(func() error { return rejected }); !errors.Is(err, rejected) {
			t.Fatalf("expected rejection to pass through, got %v", err)
		}
	}
	if breaker.Open() {
		t.Fatalf("business rejections must not open the breaker")
	}
}

func TestLimiter_ReportsWaits(t *testing.T) {
	var waits []time.Duration
	limiter := NewLimiter(20*time.Millisecond, 1, func(d time.Duration) { waits = append(waits, d) })

	ctx := context.Background()
	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if len(waits) != 1 || waits[0] <= 0 {
		t.Fatalf("expected one recorded wait, got %v", waits)
	}
}

func TestLimiter_DisabledIsNil(t *testing.T) {
	if NewLimiter(0, 5, nil) != nil {
		t.Fatalf("expected nil limiter when interval is zero")
	}
	var limiter *Limiter
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("nil limiter should not block: %v", err)
	}
}

func TestGuard_StopsAtOpenCircuit(t *testing.T) {
	calls := 0
	guard := &Guard{
		Breaker: NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute}),
		Retry: RetryPolicy{
			MaxAttempts: 3,
			Sleep:       func(context.Context, time.Duration) error { return nil },
			ShouldRetry: func(err error) bool { return !errors.Is(err, ErrCircuitOpen) },
		},
	}

	err := guard.Do(context.Background(), func() error {
		calls++
		return errors.New("down")
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}
