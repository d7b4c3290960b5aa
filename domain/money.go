package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Amount is a monetary value in minor units (cents). All arithmetic on money
// inside the engine happens on Amount; decimal.Decimal appears only at the
// JSON boundary so that prices parse and render exactly, never through float64.
type Amount int64

// AmountFromDecimal converts a boundary decimal into minor units. Values with
// sub-cent precision are rejected rather than silently rounded.
func AmountFromDecimal(d decimal.Decimal) (Amount, error) {
	cents := d.Shift(2)
	if !cents.IsInteger() {
		return 0, fmt.Errorf("amount %s has sub-cent precision", d.String())
	}
	return Amount(cents.IntPart()), nil
}

// Decimal returns the exact decimal representation of the amount.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -2)
}

// MulQty multiplies a unit amount by an item quantity.
func (a Amount) MulQty(qty int64) Amount {
	return a * Amount(qty)
}

func (a Amount) String() string {
	return a.Decimal().StringFixed(2)
}

// MarshalJSON renders the amount as a fixed two-decimal string, e.g. "12.50".
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts both quoted decimal strings and bare JSON numbers.
func (a *Amount) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	parsed, err := AmountFromDecimal(d)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
