package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"launchpad/internal/ledger"
)

// LedgerClient implements ledger.Client over HTTP.
type LedgerClient struct {
	c *Client
}

// NewLedgerClient constructs a ledger client on top of c.
func NewLedgerClient(c *Client) *LedgerClient {
	return &LedgerClient{c: c}
}

type approveBody struct {
	Token     string        `json:"token"`
	Spender   string        `json:"spender"`
	Amount    ledger.Amount `json:"amount"`
	ExpiresAt string        `json:"expires_at,omitempty"`
	CreatedAt string        `json:"created_at_time,omitempty"`
}

type allowanceBody struct {
	Allowance ledger.Amount `json:"allowance"`
}

func (l *LedgerClient) Approve(ctx context.Context, args ledger.ApproveArgs) (ledger.ApprovalReceipt, error) {
	body := approveBody{Token: args.Token, Spender: args.Spender, Amount: args.Amount}
	if !args.ExpiresAt.IsZero() {
		body.ExpiresAt = strconv.FormatInt(args.ExpiresAt.UnixNano(), 10)
	}
	if !args.CreatedAt.IsZero() {
		body.CreatedAt = strconv.FormatInt(args.CreatedAt.UnixNano(), 10)
	}

	req, err := l.c.post(ctx, "/ledger/approve", body)
	if err != nil {
		return ledger.ApprovalReceipt{}, err
	}
	raw, err := doRaw(l.c, req)
	if err != nil {
		return ledger.ApprovalReceipt{}, err
	}
	result, err := decodeApproveResult(raw)
	if err != nil {
		return ledger.ApprovalReceipt{}, err
	}
	if result.err != nil {
		return ledger.ApprovalReceipt{}, result.err
	}
	return result.receipt, nil
}

func (l *LedgerClient) Allowance(ctx context.Context, token, owner, spender string) (ledger.Amount, error) {
	q := url.Values{}
	q.Set("token", token)
	q.Set("owner", owner)
	q.Set("spender", spender)
	req, err := l.c.get(ctx, "/ledger/allowance?"+q.Encode())
	if err != nil {
		return 0, err
	}
	out, err := doJSON[allowanceBody](l.c, req)
	if err != nil {
		return 0, err
	}
	return out.Allowance, nil
}

// approveResult is the decoded approve response: exactly one of receipt or err.
type approveResult struct {
	receipt ledger.ApprovalReceipt
	err     *ledger.Error
}

func decodeApproveResult(raw []byte) (approveResult, error) {
	tag, body, err := variant(raw)
	if err != nil {
		return approveResult{}, err
	}
	switch tag {
	case "Ok":
		var block ledger.Amount
		if err := json.Unmarshal(body, &block); err != nil {
			return approveResult{}, fmt.Errorf("decode approve block index: %w", err)
		}
		return approveResult{receipt: ledger.ApprovalReceipt{BlockIndex: uint64(block)}}, nil
	case "Err":
		ledgerErr, err := decodeLedgerError(body)
		if err != nil {
			return approveResult{}, err
		}
		return approveResult{err: ledgerErr}, nil
	default:
		return approveResult{}, fmt.Errorf("decode approve: unknown variant %q", tag)
	}
}

type ledgerErrorPayload struct {
	ExpectedFee      *ledger.Amount `json:"expected_fee"`
	Balance          *ledger.Amount `json:"balance"`
	CurrentAllowance *ledger.Amount `json:"current_allowance"`
	DuplicateOf      *ledger.Amount `json:"duplicate_of"`
	Message          string         `json:"message"`
}

func decodeLedgerError(raw []byte) (*ledger.Error, error) {
	tag, body, err := variant(raw)
	if err != nil {
		return nil, err
	}
	var payload ledgerErrorPayload
	if len(body) > 0 && string(body) != "null" {
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, fmt.Errorf("decode ledger error %s: %w", tag, err)
		}
	}

	out := &ledger.Error{Kind: ledger.ErrorKind(tag), Message: payload.Message}
	switch out.Kind {
	case ledger.ErrBadFee:
		out.Amount = amountOrZero(payload.ExpectedFee)
	case ledger.ErrInsufficientFunds:
		out.Amount = amountOrZero(payload.Balance)
	case ledger.ErrAllowanceChanged:
		out.Amount = amountOrZero(payload.CurrentAllowance)
	case ledger.ErrDuplicate:
		out.DuplicateOf = uint64(amountOrZero(payload.DuplicateOf))
	case ledger.ErrExpired, ledger.ErrTooOld, ledger.ErrCreatedInFuture,
		ledger.ErrTemporarilyUnavailable, ledger.ErrGeneric:
	default:
		return nil, fmt.Errorf("decode ledger error: unknown variant %q", tag)
	}
	return out, nil
}

func amountOrZero(a *ledger.Amount) ledger.Amount {
	if a == nil {
		return 0
	}
	return *a
}
