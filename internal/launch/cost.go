package launch

import (
	"context"
	"fmt"
	"math/big"

	"launchpad/internal/ledger"

	"github.com/shopspring/decimal"
)

// LedgerTransferService is the oracle entry for the ledger's per-transfer fee.
const LedgerTransferService = "ledger_transfer"

var hundred = decimal.NewFromInt(100)

// CostBreakdown is the itemized price of one deployment. Values are never mutated.
type CostBreakdown struct {
	ServiceFee           ledger.Amount   `json:"service_fee"`
	SecondaryFee         *ledger.Amount  `json:"secondary_fee,omitempty"`
	TertiaryFee          *ledger.Amount  `json:"tertiary_fee,omitempty"`
	PlatformFeeRate      decimal.Decimal `json:"platform_fee_rate"`
	PlatformFeeAmount    ledger.Amount   `json:"platform_fee_amount"`
	LedgerTransferFee    ledger.Amount   `json:"ledger_transfer_fee"`
	ApprovalSafetyMargin ledger.Amount   `json:"approval_safety_margin"`
	Subtotal             ledger.Amount   `json:"subtotal"`
	Total                ledger.Amount   `json:"total"`
}

// ApproveAmount is the allowance requested from the ledger: the total plus
// two more transfer fees for the deployment authority's own downstream transfers.
func (b CostBreakdown) ApproveAmount() (ledger.Amount, error) {
	return ledger.Sum(b.Total, b.LedgerTransferFee, b.LedgerTransferFee)
}

// CostCalculator prices a deployment from fee oracle quotes.
type CostCalculator struct {
	oracle FeeOracle
	rate   decimal.Decimal
}

// NewCostCalculator constructs a calculator charging rate percent on top of the services.
func NewCostCalculator(oracle FeeOracle, rate decimal.Decimal) (*CostCalculator, error) {
	if oracle == nil {
		return nil, fmt.Errorf("fee oracle is required")
	}
	if rate.IsNegative() {
		return nil, fmt.Errorf("platform fee rate must be >= 0, got %s", rate)
	}
	return &CostCalculator{oracle: oracle, rate: rate}, nil
}

// Calculate queries the oracle for each enabled service and returns the breakdown.
// It has no side effects; oracle failures are returned wrapped in ErrFeeUnavailable.
func (c *CostCalculator) Calculate(ctx context.Context, req CostRequest) (CostBreakdown, error) {
	serviceFee, err := c.fee(ctx, req.Service)
	if err != nil {
		return CostBreakdown{}, err
	}
	breakdown := CostBreakdown{
		ServiceFee:      serviceFee,
		PlatformFeeRate: c.rate,
	}
	parts := []ledger.Amount{serviceFee}

	if req.Secondary != "" {
		fee, err := c.fee(ctx, req.Secondary)
		if err != nil {
			return CostBreakdown{}, err
		}
		breakdown.SecondaryFee = &fee
		parts = append(parts, fee)
	}
	if req.Tertiary != "" {
		fee, err := c.fee(ctx, req.Tertiary)
		if err != nil {
			return CostBreakdown{}, err
		}
		breakdown.TertiaryFee = &fee
		parts = append(parts, fee)
	}

	if breakdown.Subtotal, err = ledger.Sum(parts...); err != nil {
		return CostBreakdown{}, err
	}
	if breakdown.PlatformFeeAmount, err = percentOf(breakdown.Subtotal, c.rate); err != nil {
		return CostBreakdown{}, err
	}
	if breakdown.LedgerTransferFee, err = c.fee(ctx, LedgerTransferService); err != nil {
		return CostBreakdown{}, err
	}
	if breakdown.ApprovalSafetyMargin, err = breakdown.LedgerTransferFee.Add(breakdown.LedgerTransferFee); err != nil {
		return CostBreakdown{}, err
	}
	breakdown.Total, err = ledger.Sum(
		breakdown.Subtotal,
		breakdown.PlatformFeeAmount,
		breakdown.LedgerTransferFee,
		breakdown.ApprovalSafetyMargin,
	)
	if err != nil {
		return CostBreakdown{}, err
	}
	return breakdown, nil
}

func (c *CostCalculator) fee(ctx context.Context, service string) (ledger.Amount, error) {
	fee, err := c.oracle.Fee(ctx, service)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrFeeUnavailable, service, err)
	}
	return fee, nil
}

// percentOf returns floor(amount * rate / 100).
func percentOf(amount ledger.Amount, rate decimal.Decimal) (ledger.Amount, error) {
	base := decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(amount)), 0)
	fee := base.Mul(rate).Div(hundred).Floor().BigInt()
	if !fee.IsUint64() {
		return 0, ledger.ErrAmountOverflow
	}
	return ledger.Amount(fee.Uint64()), nil
}
