package launch

import (
	"context"

	"launchpad/internal/ledger"
	"launchpad/internal/observability"
	"launchpad/internal/reliability"
)

// ReliableLedger wraps a ledger client with reliability controls and metrics.
// Re-sending a grant is safe: a newer grant replaces the previous allowance.
type ReliableLedger struct {
	base    ledger.Client
	guard   *reliability.Guard
	metrics *observability.Metrics
}

// NewReliableLedger constructs a reliability-wrapped ledger client.
func NewReliableLedger(base ledger.Client, guard *reliability.Guard, metrics *observability.Metrics) *ReliableLedger {
	return &ReliableLedger{base: base, guard: guard, metrics: metrics}
}

func (c *ReliableLedger) Approve(ctx context.Context, args ledger.ApproveArgs) (ledger.ApprovalReceipt, error) {
	var receipt ledger.ApprovalReceipt
	err := c.do(ctx, "ledger.approve", func() error {
		var err error
		receipt, err = c.base.Approve(ctx, args)
		return err
	})
	return receipt, err
}

func (c *ReliableLedger) Allowance(ctx context.Context, token, owner, spender string) (ledger.Amount, error) {
	var amount ledger.Amount
	err := c.do(ctx, "ledger.allowance", func() error {
		var err error
		amount, err = c.base.Allowance(ctx, token, owner, spender)
		return err
	})
	return amount, err
}

func (c *ReliableLedger) do(ctx context.Context, method string, fn func() error) error {
	span := c.metrics.Start(method)
	err := c.guard.Do(ctx, fn)
	span.End(err)
	return err
}

// ReliableDeployer wraps a DeploymentClient. Retries reuse the request id, so
// the deployment authority sees the same idempotency key on every resubmission.
type ReliableDeployer struct {
	base    DeploymentClient
	guard   *reliability.Guard
	metrics *observability.Metrics
}

// NewReliableDeployer constructs a reliability-wrapped deployment client.
func NewReliableDeployer(base DeploymentClient, guard *reliability.Guard, metrics *observability.Metrics) *ReliableDeployer {
	return &ReliableDeployer{base: base, guard: guard, metrics: metrics}
}

func (c *ReliableDeployer) Deploy(ctx context.Context, req DeployRequest) (DeployResult, error) {
	var result DeployResult
	span := c.metrics.Start("deployer.deploy")
	err := c.guard.Do(ctx, func() error {
		var err error
		result, err = c.base.Deploy(ctx, req)
		return err
	})
	span.End(err)
	return result, err
}

// ReliableFeeOracle wraps a FeeOracle.
type ReliableFeeOracle struct {
	base    FeeOracle
	guard   *reliability.Guard
	metrics *observability.Metrics
}

// NewReliableFeeOracle constructs a reliability-wrapped fee oracle.
func NewReliableFeeOracle(base FeeOracle, guard *reliability.Guard, metrics *observability.Metrics) *ReliableFeeOracle {
	return &ReliableFeeOracle{base: base, guard: guard, metrics: metrics}
}

func (c *ReliableFeeOracle) Fee(ctx context.Context, service string) (ledger.Amount, error) {
	var fee ledger.Amount
	span := c.metrics.Start("fees.fee")
	err := c.guard.Do(ctx, func() error {
		var err error
		fee, err = c.base.Fee(ctx, service)
		return err
	})
	span.End(err)
	return fee, err
}
