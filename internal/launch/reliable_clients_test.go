package launch

import (
	"context"
	"errors"
	"testing"
	"time"

	"launchpad/internal/ledger"
	"launchpad/internal/observability"
	"launchpad/internal/reliability"
)

func testGuard() *reliability.Guard {
	return &reliability.Guard{
		Breaker: reliability.NewCircuitBreaker(reliability.CircuitBreakerConfig{
			MaxFailures:  5,
			ResetTimeout: time.Minute,
			IsFailure:    reliability.Transient,
		}),
		Retry: reliability.RetryPolicy{
			MaxAttempts: 3,
			Sleep:       func(context.Context, time.Duration) error { return nil },
			ShouldRetry: IsTransient,
		},
	}
}

func TestReliableLedger_RetriesTransientErrors(t *testing.T) {
	base := NewInMemoryLedger(testOwner)
	base.FailNext(&ledger.Error{Kind: ledger.ErrTemporarilyUnavailable})
	metrics := observability.NewMetrics()
	client := NewReliableLedger(base, testGuard(), metrics)

	receipt, err := client.Approve(context.Background(), ledger.ApproveArgs{
		Token:     testToken,
		Spender:   testSpender,
		Amount:    10,
		ExpiresAt: time.Now().Add(time.Hour),
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if receipt.BlockIndex != 1 {
		t.Fatalf("expected block 1, got %d", receipt.BlockIndex)
	}
	if base.Approvals() != 2 {
		t.Fatalf("expected 2 approve calls, got %d", base.Approvals())
	}

	snap := metrics.Snapshot()
	if snap.Methods["ledger.approve"].Count != 1 {
		t.Fatalf("expected one recorded span, got %+v", snap.Methods["ledger.approve"])
	}
}

func TestReliableLedger_DoesNotRetryRejections(t *testing.T) {
	base := NewInMemoryLedger(testOwner)
	base.FailNext(&ledger.Error{Kind: ledger.ErrBadFee, Amount: 10})
	client := NewReliableLedger(base, testGuard(), nil)

	_, err := client.Approve(context.Background(), ledger.ApproveArgs{Token: testToken, Spender: testSpender, Amount: 10})
	var ledgerErr *ledger.Error
	if !errors.As(err, &ledgerErr) || ledgerErr.Kind != ledger.ErrBadFee {
		t.Fatalf("expected BadFee rejection, got %v", err)
	}
	if base.Approvals() != 1 {
		t.Fatalf("expected a single call, got %d", base.Approvals())
	}
}

func TestReliableDeployer_RetriesUnavailable(t *testing.T) {
	base := NewInMemoryDeployer()
	base.FailNext(&DeployError{Kind: DeployUnavailable}, &DeployError{Kind: DeployUnavailable})
	client := NewReliableDeployer(base, testGuard(), nil)

	res, err := client.Deploy(context.Background(), DeployRequest{RequestID: "req-1"})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if res.EntityID == "" {
		t.Fatalf("expected entity id")
	}
	requests := base.Requests()
	if len(requests) != 3 {
		t.Fatalf("expected 3 submissions, got %d", len(requests))
	}
	for _, req := range requests {
		if req.RequestID != "req-1" {
			t.Fatalf("retries must keep the request id, got %s", req.RequestID)
		}
	}
}

func TestReliableFeeOracle_PassesThrough(t *testing.T) {
	client := NewReliableFeeOracle(workedExampleOracle(), nil, nil)
	fee, err := client.Fee(context.Background(), LedgerTransferService)
	if err != nil {
		t.Fatalf("fee: %v", err)
	}
	if fee != 10_000 {
		t.Fatalf("expected 10000, got %s", fee)
	}
}
