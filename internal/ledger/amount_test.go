package ledger

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
)

func TestAmount_JSONUsesStrings(t *testing.T) {
	data, err := json.Marshal(struct {
		Cost Amount `json:"cost"`
	}{Cost: math.MaxUint64})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"cost":"18446744073709551615"}` {
		t.Fatalf("unexpected json %s", data)
	}

	var out struct {
		Cost Amount `json:"cost"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Cost != math.MaxUint64 {
		t.Fatalf("lost precision: %s", out.Cost)
	}
}

func TestAmount_UnmarshalAcceptsNumbers(t *testing.T) {
	var a Amount
	if err := json.Unmarshal([]byte(`10000`), &a); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if a != 10_000 {
		t.Fatalf("expected 10000, got %s", a)
	}
	if err := json.Unmarshal([]byte(`"-1"`), &a); err == nil {
		t.Fatalf("expected negative amount to fail")
	}
}

func TestAmount_AddOverflow(t *testing.T) {
	if _, err := Amount(math.MaxUint64).Add(1); !errors.Is(err, ErrAmountOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	total, err := Sum(100_000_000, 2_000_000, 10_000, 20_000)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if total != 102_030_000 {
		t.Fatalf("unexpected sum %s", total)
	}
}

func TestError_Transient(t *testing.T) {
	cases := map[ErrorKind]bool{
		ErrTemporarilyUnavailable: true,
		ErrCreatedInFuture:        true,
		ErrInsufficientFunds:      false,
		ErrBadFee:                 false,
		ErrGeneric:                false,
	}
	for kind, want := range cases {
		err := &Error{Kind: kind}
		if got := err.Transient(); got != want {
			t.Fatalf("%s: expected transient=%v", kind, want)
		}
		if err.Error() == "" {
			t.Fatalf("%s: empty message", kind)
		}
	}
}
