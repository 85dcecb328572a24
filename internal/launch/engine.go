package launch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"launchpad/internal/launch/saga"
	"launchpad/internal/ledger"
	"launchpad/internal/observability"

	"github.com/google/uuid"
)

// DefaultApprovalTTL bounds how long a granted allowance stays spendable.
const DefaultApprovalTTL = time.Hour

// Calculator prices a deployment.
type Calculator interface {
	Calculate(ctx context.Context, req CostRequest) (CostBreakdown, error)
}

// SagaState is the engine's view of the current attempt.
type SagaState struct {
	Status            saga.Status    `json:"status"`
	CurrentStep       saga.Step      `json:"current_step"`
	TotalSteps        int            `json:"total_steps"`
	Error             string         `json:"error,omitempty"`
	ResultEntityID    string         `json:"result_entity_id,omitempty"`
	Breakdown         *CostBreakdown `json:"breakdown,omitempty"`
	AttemptID         string         `json:"attempt_id,omitempty"`
	RequestID         string         `json:"request_id,omitempty"`
	AllowanceVerified bool           `json:"allowance_verified"`
	// ResumeStep is the step a caller should retry from after a failure.
	ResumeStep saga.Step `json:"resume_step"`
}

// EventKind distinguishes progress from terminal events.
type EventKind string

const (
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventCancelled EventKind = "cancelled"
)

// Event is emitted on a Pass as the saga advances. Every pass ends with
// exactly one terminal event.
type Event struct {
	Kind       EventKind      `json:"kind"`
	AttemptID  string         `json:"attempt_id"`
	Step       saga.Step      `json:"step"`
	TotalSteps int            `json:"total_steps"`
	Status     saga.Status    `json:"status"`
	EntityID   string         `json:"entity_id,omitempty"`
	Breakdown  *CostBreakdown `json:"breakdown,omitempty"`
	Err        error          `json:"-"`
}

// Terminal reports whether e closes the pass.
func (e Event) Terminal() bool {
	return e.Kind != EventProgress
}

// Outcome is the result of one pass.
type Outcome struct {
	AttemptID string
	Status    saga.Status
	Step      saga.Step
	EntityID  string
	Breakdown *CostBreakdown
	Record    HistoryRecord
	Err       error
}

// Pass is a single run of the step loop, either a fresh execution or a retry.
type Pass struct {
	attemptID string
	events    chan Event
	done      chan struct{}
	outcome   Outcome
}

func newPass(attemptID string) *Pass {
	return &Pass{
		attemptID: attemptID,
		// Room for every progress event plus the terminal one, so a caller
		// that never reads cannot stall the saga.
		events: make(chan Event, 2*saga.TotalSteps+2),
		done:   make(chan struct{}),
	}
}

// AttemptID identifies the attempt this pass belongs to.
func (p *Pass) AttemptID() string { return p.attemptID }

// Events yields progress followed by one terminal event, then closes.
func (p *Pass) Events() <-chan Event { return p.events }

// Done is closed once the outcome is available.
func (p *Pass) Done() <-chan struct{} { return p.done }

// Wait blocks until the pass ends or ctx is done.
func (p *Pass) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-p.done:
		return p.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (p *Pass) finish(outcome Outcome) {
	p.outcome = outcome
	close(p.events)
	close(p.done)
}

// EngineConfig holds the optional collaborators of an Engine.
type EngineConfig struct {
	ApprovalTTL time.Duration
	Now         func() time.Time
	NewID       func() string
	Logf        func(format string, args ...any)
	Metrics     *observability.Metrics
	Journal     saga.Journal
}

// Engine drives the deployment payment saga for one logical session.
// Only one pass runs at a time.
type Engine struct {
	calc     Calculator
	gate     ConfirmationGate
	ledger   ledger.Client
	deployer DeploymentClient
	history  *HistoryLog

	ttl     time.Duration
	now     func() time.Time
	newID   func() string
	logf    func(format string, args ...any)
	metrics *observability.Metrics
	journal saga.Journal

	mu     sync.Mutex
	paying bool
	state  SagaState
	req    PaymentRequest
}

// NewEngine wires an Engine. The history log is required.
func NewEngine(calc Calculator, gate ConfirmationGate, ledgerClient ledger.Client, deployer DeploymentClient, history *HistoryLog, cfg EngineConfig) (*Engine, error) {
	if calc == nil || gate == nil || ledgerClient == nil || deployer == nil || history == nil {
		return nil, errors.New("launch engine: calculator, gate, ledger, deployer and history are required")
	}
	e := &Engine{
		calc:     calc,
		gate:     gate,
		ledger:   ledgerClient,
		deployer: deployer,
		history:  history,
		ttl:      cfg.ApprovalTTL,
		now:      cfg.Now,
		newID:    cfg.NewID,
		logf:     cfg.Logf,
		metrics:  cfg.Metrics,
		journal:  cfg.Journal,
		state:    SagaState{Status: saga.StatusIdle, TotalSteps: saga.TotalSteps},
	}
	if e.ttl <= 0 {
		e.ttl = DefaultApprovalTTL
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if e.logf == nil {
		e.logf = log.Printf
	}
	if e.journal == nil {
		e.journal = saga.NopJournal{}
	}
	return e, nil
}

// State returns a copy of the current saga state.
func (e *Engine) State() SagaState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Paying reports whether a pass is running.
func (e *Engine) Paying() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paying
}

// ExecutePayment validates req and starts a fresh attempt in the background.
// Invalid requests are rejected synchronously and leave no history.
func (e *Engine) ExecutePayment(ctx context.Context, req PaymentRequest) (*Pass, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.paying {
		e.mu.Unlock()
		return nil, ErrPaymentInProgress
	}
	e.paying = true
	e.req = req
	e.state = SagaState{
		Status:     saga.StatusIdle,
		TotalSteps: saga.TotalSteps,
		AttemptID:  e.newID(),
		RequestID:  e.newID(),
	}
	pass := newPass(e.state.AttemptID)
	e.mu.Unlock()

	e.logf("launch attempt=%s owner=%s project=%s started", pass.attemptID, req.Owner, req.Deployment.ProjectName)
	go e.run(ctx, pass, saga.StepCalculate)
	return pass, nil
}

// RetryStep re-runs the failed attempt from step through finalize.
func (e *Engine) RetryStep(ctx context.Context, step saga.Step) (*Pass, error) {
	if !step.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRetryStep, step)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paying {
		return nil, ErrPaymentInProgress
	}
	if e.state.Status != saga.StatusFailed {
		return nil, fmt.Errorf("%w: attempt is %s", ErrNothingToRetry, e.state.Status)
	}
	if step >= saga.StepApprove && e.state.Breakdown == nil {
		return nil, fmt.Errorf("%w: %s needs a calculated cost", ErrInvalidRetryStep, step)
	}
	if step >= saga.StepDeploy && !e.state.AllowanceVerified {
		return nil, fmt.Errorf("%w: %s needs a verified allowance", ErrInvalidRetryStep, step)
	}
	if step == saga.StepFinalize && e.state.ResultEntityID == "" {
		return nil, fmt.Errorf("%w: nothing was deployed", ErrInvalidRetryStep)
	}

	if step <= saga.StepVerify {
		e.state.AllowanceVerified = false
	}
	e.state.Error = ""
	e.paying = true
	pass := newPass(e.state.AttemptID)

	e.logf("launch attempt=%s retry from step=%s", pass.attemptID, step)
	go e.run(ctx, pass, step)
	return pass, nil
}

func (e *Engine) run(ctx context.Context, pass *Pass, from saga.Step) {
	span := e.metrics.Start("saga.pass")
	outcome := e.runSteps(ctx, pass, from)
	span.End(outcome.Err)

	e.mu.Lock()
	e.paying = false
	e.mu.Unlock()
	pass.finish(outcome)
}

func (e *Engine) runSteps(ctx context.Context, pass *Pass, from saga.Step) Outcome {
	// Once money may move, in-flight calls run to completion on their own terms.
	sideEffects := context.WithoutCancel(ctx)
	e.journalBegin(sideEffects)

	for step := from; step < saga.TotalSteps; step++ {
		e.enterStep(sideEffects, pass, step)

		var err error
		switch step {
		case saga.StepCalculate:
			var accepted bool
			accepted, err = e.calculate(ctx, sideEffects, pass)
			if err == nil && !accepted {
				return e.cancel(sideEffects, pass)
			}
		case saga.StepApprove:
			err = e.guarded(step, func() error { return e.approve(sideEffects) })
		case saga.StepVerify:
			err = e.guarded(step, func() error { return e.verify(sideEffects) })
		case saga.StepDeploy:
			err = e.guarded(step, func() error { return e.deploy(sideEffects) })
		case saga.StepFinalize:
			var outcome Outcome
			err = e.guarded(step, func() error {
				outcome = e.finalize(sideEffects, pass)
				return nil
			})
			if err == nil {
				return outcome
			}
		}
		if err != nil {
			return e.fail(sideEffects, pass, step, err)
		}
		e.journalStep(sideEffects, step, saga.StepSucceeded, "")
	}
	// Unreachable: finalize always returns.
	return e.fail(sideEffects, pass, saga.StepFinalize, errors.New("step loop ended without finalize"))
}

// guarded turns a panic inside a step into an error so the pass still ends
// with history and a terminal event.
func (e *Engine) guarded(step saga.Step, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logf("bug: panic in %s step: %v", step, r)
			err = fmt.Errorf("internal error in %s step: %v", step, r)
		}
	}()
	return fn()
}

func (e *Engine) enterStep(ctx context.Context, pass *Pass, step saga.Step) {
	e.mu.Lock()
	e.state.CurrentStep = step
	e.state.Status = step.Status()
	if step == saga.StepFinalize {
		// Finalize reports progress before the terminal transition.
		e.state.Status = saga.StatusDeploying
	}
	ev := e.eventLocked(EventProgress)
	e.mu.Unlock()

	e.journalStatus(ctx, ev.Status)
	e.journalStep(ctx, step, saga.StepStarted, "")
	e.emit(pass, ev)
}

func (e *Engine) calculate(ctx, sideEffects context.Context, pass *Pass) (bool, error) {
	var breakdown CostBreakdown
	err := e.guarded(saga.StepCalculate, func() error {
		var err error
		breakdown, err = e.calc.Calculate(ctx, e.request().Costs)
		return err
	})
	if err != nil {
		return false, err
	}
	approveAmount, err := breakdown.ApproveAmount()
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	e.state.Breakdown = &breakdown
	e.state.AllowanceVerified = false
	e.state.Status = saga.StatusConfirming
	ev := e.eventLocked(EventProgress)
	quote := Quote{
		AttemptID:     e.state.AttemptID,
		Owner:         e.req.Owner,
		Spender:       e.req.Spender,
		ProjectName:   e.req.Deployment.ProjectName,
		Breakdown:     breakdown,
		ApproveAmount: approveAmount,
	}
	e.mu.Unlock()

	e.journalBegin(sideEffects)
	e.journalStatus(sideEffects, saga.StatusConfirming)
	e.emit(pass, ev)

	accepted, err := e.gate.Confirm(ctx, quote)
	if err != nil {
		e.logf("launch attempt=%s confirmation failed, treating as declined: %v", quote.AttemptID, err)
		return false, nil
	}
	return accepted, nil
}

func (e *Engine) approve(ctx context.Context) error {
	req := e.request()
	amount, err := e.breakdown().ApproveAmount()
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.state.AllowanceVerified = false
	e.mu.Unlock()

	now := e.now()
	receipt, err := e.ledger.Approve(ctx, ledger.ApproveArgs{
		Token:     req.Token,
		Spender:   req.Spender,
		Amount:    amount,
		ExpiresAt: now.Add(e.ttl),
		CreatedAt: now,
	})
	var ledgerErr *ledger.Error
	if errors.As(err, &ledgerErr) && ledgerErr.Kind == ledger.ErrDuplicate {
		// The ledger already holds this exact grant.
		e.logf("launch attempt=%s approve duplicate of block=%d, continuing", e.attemptID(), ledgerErr.DuplicateOf)
		return nil
	}
	if err != nil {
		return err
	}
	e.logf("launch attempt=%s approved amount=%s block=%d", e.attemptID(), amount, receipt.BlockIndex)
	return nil
}

func (e *Engine) verify(ctx context.Context) error {
	req := e.request()
	total := e.breakdown().Total

	allowance, err := e.ledger.Allowance(ctx, req.Token, req.Owner, req.Spender)
	if err != nil {
		return err
	}
	if allowance < total {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientAllowance, allowance, total)
	}

	e.mu.Lock()
	e.state.AllowanceVerified = true
	e.mu.Unlock()
	return nil
}

func (e *Engine) deploy(ctx context.Context) error {
	e.mu.Lock()
	verified := e.state.AllowanceVerified
	deployReq := DeployRequest{
		RequestID: e.state.RequestID,
		Owner:     e.req.Owner,
		Config:    e.req.Deployment,
	}
	if e.state.Breakdown != nil {
		deployReq.Payment = e.state.Breakdown.Total
	}
	e.mu.Unlock()

	if !verified {
		return fmt.Errorf("%w: allowance not verified before deploy", ErrInsufficientAllowance)
	}

	result, err := e.deployer.Deploy(ctx, deployReq)
	if err != nil {
		return err
	}
	if result.EntityID == "" {
		return &DeployError{Kind: DeployRejected, Message: "deployment authority returned no entity id"}
	}

	e.mu.Lock()
	e.state.ResultEntityID = result.EntityID
	e.mu.Unlock()
	e.logf("launch attempt=%s deployed entity=%s", e.attemptID(), result.EntityID)
	return nil
}

func (e *Engine) finalize(ctx context.Context, pass *Pass) Outcome {
	e.mu.Lock()
	e.state.Status = saga.StatusCompleted
	e.state.ResumeStep = saga.StepCalculate
	rec := HistoryRecord{
		ID:        e.newID(),
		Timestamp: e.now(),
		EntityID:  e.state.ResultEntityID,
		Status:    HistorySuccess,
		Cost:      e.costLocked(),
	}
	ev := e.eventLocked(EventCompleted)
	outcome := e.outcomeLocked(rec, nil)
	e.mu.Unlock()

	e.record(ctx, saga.StepFinalize, saga.StepSucceeded, rec)
	e.emit(pass, ev)
	return outcome
}

func (e *Engine) cancel(ctx context.Context, pass *Pass) Outcome {
	e.mu.Lock()
	e.state.Status = saga.StatusCancelled
	rec := HistoryRecord{
		ID:        e.newID(),
		Timestamp: e.now(),
		Status:    HistoryCancelled,
		Cost:      e.costLocked(),
	}
	ev := e.eventLocked(EventCancelled)
	outcome := e.outcomeLocked(rec, nil)
	e.mu.Unlock()

	e.logf("launch attempt=%s cancelled at confirmation", outcome.AttemptID)
	e.record(ctx, saga.StepCalculate, saga.StepFailed, rec)
	e.emit(pass, ev)
	return outcome
}

func (e *Engine) fail(ctx context.Context, pass *Pass, step saga.Step, err error) Outcome {
	stepErr := &StepError{Step: step, Err: err}

	e.mu.Lock()
	e.state.Status = saga.StatusFailed
	e.state.Error = err.Error()
	e.state.ResumeStep = resumeStep(step, err)
	rec := HistoryRecord{
		ID:        e.newID(),
		Timestamp: e.now(),
		EntityID:  e.state.ResultEntityID,
		Status:    HistoryFailed,
		Cost:      e.costLocked(),
		Error:     err.Error(),
	}
	ev := e.eventLocked(EventFailed)
	ev.Err = stepErr
	outcome := e.outcomeLocked(rec, stepErr)
	e.mu.Unlock()

	e.logf("launch attempt=%s failed at step=%s kind=%s: %v", outcome.AttemptID, step, Kind(err), err)
	e.record(ctx, step, saga.StepFailed, rec)
	e.emit(pass, ev)
	return outcome
}

// record writes history before anything observes the terminal event.
func (e *Engine) record(ctx context.Context, step saga.Step, state saga.StepState, rec HistoryRecord) {
	if err := e.history.Append(ctx, rec); err != nil {
		e.logf("launch history write failed status=%s: %v", rec.Status, err)
	}
	e.metrics.RecordOutcome(string(rec.Status))
	e.journalStep(ctx, step, state, rec.Error)
	e.journalStatus(ctx, e.State().Status)
}

func resumeStep(step saga.Step, err error) saga.Step {
	if errors.Is(err, ErrInsufficientAllowance) {
		return saga.StepApprove
	}
	return step
}

func (e *Engine) emit(pass *Pass, ev Event) {
	select {
	case pass.events <- ev:
	default:
		e.logf("launch attempt=%s event buffer full, dropped %s event", ev.AttemptID, ev.Kind)
	}
}

func (e *Engine) eventLocked(kind EventKind) Event {
	return Event{
		Kind:       kind,
		AttemptID:  e.state.AttemptID,
		Step:       e.state.CurrentStep,
		TotalSteps: e.state.TotalSteps,
		Status:     e.state.Status,
		EntityID:   e.state.ResultEntityID,
		Breakdown:  e.state.Breakdown,
	}
}

func (e *Engine) outcomeLocked(rec HistoryRecord, err error) Outcome {
	return Outcome{
		AttemptID: e.state.AttemptID,
		Status:    e.state.Status,
		Step:      e.state.CurrentStep,
		EntityID:  e.state.ResultEntityID,
		Breakdown: e.state.Breakdown,
		Record:    rec,
		Err:       err,
	}
}

func (e *Engine) snapshotLocked() SagaState {
	st := e.state
	if st.Breakdown != nil {
		b := *st.Breakdown
		st.Breakdown = &b
	}
	return st
}

func (e *Engine) costLocked() ledger.Amount {
	if e.state.Breakdown == nil {
		return 0
	}
	return e.state.Breakdown.Total
}

func (e *Engine) request() PaymentRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.req
}

func (e *Engine) breakdown() CostBreakdown {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Breakdown == nil {
		return CostBreakdown{}
	}
	return *e.state.Breakdown
}

func (e *Engine) attemptID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.AttemptID
}

func (e *Engine) journalBegin(ctx context.Context) {
	e.mu.Lock()
	attemptID, requestID, owner, total := e.state.AttemptID, e.state.RequestID, e.req.Owner, e.costLocked()
	e.mu.Unlock()
	if err := e.journal.Begin(ctx, attemptID, requestID, owner, total); err != nil {
		e.logf("launch journal begin attempt=%s: %v", attemptID, err)
	}
}

func (e *Engine) journalStatus(ctx context.Context, status saga.Status) {
	attemptID := e.attemptID()
	if err := e.journal.UpdateStatus(ctx, attemptID, status); err != nil {
		e.logf("launch journal status attempt=%s status=%s: %v", attemptID, status, err)
	}
}

func (e *Engine) journalStep(ctx context.Context, step saga.Step, state saga.StepState, detail string) {
	attemptID := e.attemptID()
	if err := e.journal.AddStep(ctx, attemptID, step, state, detail); err != nil {
		e.logf("launch journal step attempt=%s step=%s: %v", attemptID, step, err)
	}
}
