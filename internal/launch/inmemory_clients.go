package launch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"launchpad/internal/ledger"

	"github.com/google/uuid"
)

type allowanceKey struct {
	token   string
	owner   string
	spender string
}

type grantKey struct {
	allowanceKey
	amount    ledger.Amount
	createdAt int64
}

// InMemoryLedger is a single-caller ledger kept in memory. Approve grants on
// behalf of the owner it was built for.
type InMemoryLedger struct {
	mu         sync.Mutex
	owner      string
	now        func() time.Time
	allowances map[allowanceKey]ledger.Amount
	grants     map[grantKey]uint64
	block      uint64
	approves   int
	failNext   []error
}

// NewInMemoryLedger constructs a ledger acting for owner.
func NewInMemoryLedger(owner string) *InMemoryLedger {
	return &InMemoryLedger{
		owner:      owner,
		now:        time.Now,
		allowances: make(map[allowanceKey]ledger.Amount),
		grants:     make(map[grantKey]uint64),
	}
}

func (l *InMemoryLedger) Approve(_ context.Context, args ledger.ApproveArgs) (ledger.ApprovalReceipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.approves++
	if err := l.popFailure(); err != nil {
		return ledger.ApprovalReceipt{}, err
	}
	if !args.ExpiresAt.IsZero() && !args.ExpiresAt.After(l.now()) {
		return ledger.ApprovalReceipt{}, &ledger.Error{Kind: ledger.ErrExpired, Message: "approval already expired"}
	}

	key := allowanceKey{token: args.Token, owner: l.owner, spender: args.Spender}
	gk := grantKey{allowanceKey: key, amount: args.Amount, createdAt: args.CreatedAt.UnixNano()}
	if block, ok := l.grants[gk]; ok && !args.CreatedAt.IsZero() {
		return ledger.ApprovalReceipt{}, &ledger.Error{Kind: ledger.ErrDuplicate, Message: "duplicate approval", DuplicateOf: block}
	}

	l.block++
	l.grants[gk] = l.block
	l.allowances[key] = args.Amount
	return ledger.ApprovalReceipt{BlockIndex: l.block}, nil
}

func (l *InMemoryLedger) Allowance(_ context.Context, token, owner, spender string) (ledger.Amount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.popFailure(); err != nil {
		return 0, err
	}
	return l.allowances[allowanceKey{token: token, owner: owner, spender: spender}], nil
}

// SetAllowance overrides the stored allowance (for testing/inspection).
func (l *InMemoryLedger) SetAllowance(token, owner, spender string, amount ledger.Amount) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowances[allowanceKey{token: token, owner: owner, spender: spender}] = amount
}

// FailNext queues errors returned by the next calls, in order.
func (l *InMemoryLedger) FailNext(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = append(l.failNext, errs...)
}

// Approvals reports how many Approve calls were made.
func (l *InMemoryLedger) Approvals() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.approves
}

func (l *InMemoryLedger) popFailure() error {
	if len(l.failNext) == 0 {
		return nil
	}
	err := l.failNext[0]
	l.failNext = l.failNext[1:]
	return err
}

// InMemoryDeployer creates entities in memory. A repeated request id returns
// the entity created by the first submission.
type InMemoryDeployer struct {
	mu       sync.Mutex
	byReq    map[string]string
	requests []DeployRequest
	failNext []error
	newID    func() string
}

// NewInMemoryDeployer constructs an in-memory deployment client.
func NewInMemoryDeployer() *InMemoryDeployer {
	return &InMemoryDeployer{
		byReq: make(map[string]string),
		newID: func() string { return "entity-" + uuid.NewString()[:8] },
	}
}

func (d *InMemoryDeployer) Deploy(_ context.Context, req DeployRequest) (DeployResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	if len(d.failNext) > 0 {
		err := d.failNext[0]
		d.failNext = d.failNext[1:]
		return DeployResult{}, err
	}
	if id, ok := d.byReq[req.RequestID]; ok {
		return DeployResult{EntityID: id}, nil
	}
	id := d.newID()
	d.byReq[req.RequestID] = id
	return DeployResult{EntityID: id}, nil
}

// FailNext queues errors returned by the next deployments, in order.
func (d *InMemoryDeployer) FailNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = append(d.failNext, errs...)
}

// Requests returns every submission received (for testing/inspection).
func (d *InMemoryDeployer) Requests() []DeployRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DeployRequest(nil), d.requests...)
}

// Entities reports how many distinct entities were created.
func (d *InMemoryDeployer) Entities() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byReq)
}

// StaticFeeOracle serves fees from a fixed schedule.
type StaticFeeOracle struct {
	mu   sync.RWMutex
	fees map[string]ledger.Amount
}

// NewStaticFeeOracle constructs an oracle over a copy of fees.
func NewStaticFeeOracle(fees map[string]ledger.Amount) *StaticFeeOracle {
	copied := make(map[string]ledger.Amount, len(fees))
	for name, fee := range fees {
		copied[name] = fee
	}
	return &StaticFeeOracle{fees: copied}
}

func (o *StaticFeeOracle) Fee(_ context.Context, service string) (ledger.Amount, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	fee, ok := o.fees[service]
	if !ok {
		return 0, fmt.Errorf("no fee configured for service %q", service)
	}
	return fee, nil
}

// Set replaces a single fee.
func (o *StaticFeeOracle) Set(service string, fee ledger.Amount) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fees[service] = fee
}
