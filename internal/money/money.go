// Package money converts between decimal amounts used on the wire and the int64
// minor units stored by the ledger.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the number of minor-unit digits (cents).
const Scale = 2

// ErrPrecision is returned for amounts with more fractional digits than Scale.
var ErrPrecision = errors.New("amount has too many decimal places")

var unit = decimal.New(1, Scale)

// ToMinor converts a decimal amount to minor units. Sign is preserved; the ledger
// rejects non-positive amounts where they are not allowed.
func ToMinor(d decimal.Decimal) (int64, error) {
	scaled := d.Mul(unit)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%s: %w", d.String(), ErrPrecision)
	}
	if !scaled.BigInt().IsInt64() {
		return 0, fmt.Errorf("%s: amount out of range", d.String())
	}
	return scaled.IntPart(), nil
}

// Parse reads a decimal string such as "12.50" into minor units.
func Parse(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return ToMinor(d)
}

// FromMinor converts minor units back to a decimal.
func FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -Scale)
}

// Format renders minor units with exactly Scale fractional digits.
func Format(minor int64) string {
	return FromMinor(minor).StringFixed(Scale)
}
