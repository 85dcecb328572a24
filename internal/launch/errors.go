package launch

import (
	"context"
	"errors"
	"fmt"

	"launchpad/internal/launch/saga"
	"launchpad/internal/ledger"
	"launchpad/internal/reliability"
)

var (
	ErrInvalidRequest        = errors.New("invalid payment request")
	ErrPaymentInProgress     = errors.New("payment already in progress")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrNothingToRetry        = errors.New("no failed payment to retry")
	ErrInvalidRetryStep      = errors.New("invalid retry step")
	ErrFeeUnavailable        = errors.New("fee oracle unavailable")
)

// StepError ties a failure to the step that produced it.
type StepError struct {
	Step saga.Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying unchanged.
func IsTransient(err error) bool {
	if errors.Is(err, ErrFeeUnavailable) {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, reliability.ErrCircuitOpen)
	}
	return reliability.Transient(err)
}

// Kind classifies an error into a stable label.
func Kind(err error) string {
	var ledgerErr *ledger.Error
	var deployErr *DeployError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrPaymentInProgress):
		return "in_progress"
	case errors.Is(err, ErrNothingToRetry):
		return "nothing_to_retry"
	case errors.Is(err, ErrInvalidRetryStep):
		return "invalid_retry_step"
	case errors.Is(err, ErrInsufficientAllowance):
		return "insufficient_allowance"
	case errors.Is(err, ErrFeeUnavailable):
		return "fee_unavailable"
	case errors.Is(err, reliability.ErrCircuitOpen):
		return "circuit_open"
	case errors.As(err, &ledgerErr):
		return "ledger_" + string(ledgerErr.Kind)
	case errors.As(err, &deployErr):
		return "deploy_" + string(deployErr.Kind)
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "internal"
	}
}
