package saga

import (
	"context"
	"errors"

	"launchpad/internal/ledger"
)

// Status captures the current state of a deployment payment saga.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusCalculating Status = "calculating"
	StatusConfirming  Status = "confirming"
	StatusApproving   Status = "approving"
	StatusVerifying   Status = "verifying"
	StatusDeploying   Status = "deploying"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether no further transitions happen without a retry.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Step indexes the fixed five-step plan.
type Step int

const (
	StepCalculate Step = iota
	StepApprove
	StepVerify
	StepDeploy
	StepFinalize
)

// TotalSteps is the length of the plan.
const TotalSteps = 5

func (s Step) String() string {
	switch s {
	case StepCalculate:
		return "calculate"
	case StepApprove:
		return "approve"
	case StepVerify:
		return "verify"
	case StepDeploy:
		return "deploy"
	case StepFinalize:
		return "finalize"
	default:
		return "unknown"
	}
}

// Valid reports whether s is inside the plan.
func (s Step) Valid() bool {
	return s >= StepCalculate && s < TotalSteps
}

// Status returns the saga status while s is executing.
func (s Step) Status() Status {
	switch s {
	case StepCalculate:
		return StatusCalculating
	case StepApprove:
		return StatusApproving
	case StepVerify:
		return StatusVerifying
	case StepDeploy:
		return StatusDeploying
	default:
		return StatusCompleted
	}
}

// StepState is the outcome recorded for a step in the journal.
type StepState string

const (
	StepStarted   StepState = "started"
	StepSucceeded StepState = "succeeded"
	StepFailed    StepState = "failed"
)

// Journal persists attempts and their step transitions.
type Journal interface {
	Begin(ctx context.Context, attemptID, requestID, owner string, total ledger.Amount) error
	UpdateStatus(ctx context.Context, attemptID string, status Status) error
	AddStep(ctx context.Context, attemptID string, step Step, state StepState, detail string) error
}

var ErrAttemptConflict = errors.New("attempt id reused by a different owner")

// NopJournal discards every entry.
type NopJournal struct{}

func (NopJournal) Begin(context.Context, string, string, string, ledger.Amount) error { return nil }

func (NopJournal) UpdateStatus(context.Context, string, Status) error { return nil }

func (NopJournal) AddStep(context.Context, string, Step, StepState, string) error { return nil }
