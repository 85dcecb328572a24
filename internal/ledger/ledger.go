// Package ledger describes the two-phase authorization contract of the asset
// ledger: an owner grants a spender an allowance, the spender later draws on it.
package ledger

import (
	"context"
	"fmt"
	"time"
)

// ApproveArgs describes one allowance grant.
type ApproveArgs struct {
	Token   string
	Spender string
	Amount  Amount
	// ExpiresAt bounds the lifetime of the allowance on the ledger.
	ExpiresAt time.Time
	// CreatedAt lets the ledger deduplicate resubmitted grants.
	CreatedAt time.Time
}

// ApprovalReceipt is the ledger's acknowledgement of a grant.
type ApprovalReceipt struct {
	BlockIndex uint64
}

// Client is the subset of the ledger used by the payment saga.
type Client interface {
	Approve(ctx context.Context, args ApproveArgs) (ApprovalReceipt, error)
	Allowance(ctx context.Context, token, owner, spender string) (Amount, error)
}

// ErrorKind enumerates the rejection variants a ledger can return for a grant.
type ErrorKind string

const (
	ErrBadFee                 ErrorKind = "BadFee"
	ErrInsufficientFunds      ErrorKind = "InsufficientFunds"
	ErrAllowanceChanged       ErrorKind = "AllowanceChanged"
	ErrExpired                ErrorKind = "Expired"
	ErrTooOld                 ErrorKind = "TooOld"
	ErrCreatedInFuture        ErrorKind = "CreatedInFuture"
	ErrDuplicate              ErrorKind = "Duplicate"
	ErrTemporarilyUnavailable ErrorKind = "TemporarilyUnavailable"
	ErrGeneric                ErrorKind = "GenericError"
)

// Error is a typed ledger rejection.
type Error struct {
	Kind    ErrorKind
	Message string
	// Amount carries the variant payload: expected fee, balance or current allowance.
	Amount Amount
	// DuplicateOf is the block index of the original grant for ErrDuplicate.
	DuplicateOf uint64
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrBadFee:
		return fmt.Sprintf("ledger rejected approval: bad fee, expected %s", e.Amount)
	case ErrInsufficientFunds:
		return fmt.Sprintf("ledger rejected approval: insufficient funds, balance %s", e.Amount)
	case ErrAllowanceChanged:
		return fmt.Sprintf("ledger rejected approval: allowance changed, current %s", e.Amount)
	case ErrDuplicate:
		return fmt.Sprintf("ledger rejected approval: duplicate of block %d", e.DuplicateOf)
	case ErrGeneric:
		return "ledger rejected approval: " + e.Message
	}
	if e.Message != "" {
		return fmt.Sprintf("ledger rejected approval: %s: %s", e.Kind, e.Message)
	}
	return "ledger rejected approval: " + string(e.Kind)
}

// Transient reports whether resubmitting the same grant later may succeed.
func (e *Error) Transient() bool {
	return e.Kind == ErrTemporarilyUnavailable || e.Kind == ErrCreatedInFuture
}
