package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrAmountOverflow is returned when an addition exceeds the representable range.
var ErrAmountOverflow = errors.New("amount overflow")

// Amount is a token quantity in the ledger's smallest unit.
// It serializes as a decimal string so JSON consumers never lose precision.
type Amount uint64

// ParseAmount parses a base-10 amount.
func ParseAmount(raw string) (Amount, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("amount is empty")
	}
	val, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	return Amount(val), nil
}

func (a Amount) String() string {
	return strconv.FormatUint(uint64(a), 10)
}

// Add returns a+b, failing instead of wrapping around.
func (a Amount) Add(b Amount) (Amount, error) {
	if uint64(b) > math.MaxUint64-uint64(a) {
		return 0, ErrAmountOverflow
	}
	return a + b, nil
}

// Sum adds every amount in order.
func Sum(amounts ...Amount) (Amount, error) {
	var total Amount
	for _, amt := range amounts {
		next, err := total.Add(amt)
		if err != nil {
			return 0, err
		}
		total = next
	}
	return total, nil
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts both the string form and a bare JSON number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var raw string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
	} else {
		raw = string(data)
	}
	val, err := ParseAmount(raw)
	if err != nil {
		return err
	}
	*a = val
	return nil
}
