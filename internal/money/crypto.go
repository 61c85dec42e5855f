package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseCrypto parses a crypto quantity, preserving whatever precision the
// gateway sent. Negative quantities are rejected; a payment event never
// carries one.
func ParseCrypto(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: empty crypto amount", ErrInvalidFormat)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if d.Sign() < 0 {
		return decimal.Zero, fmt.Errorf("%w: negative crypto amount", ErrInvalidFormat)
	}
	return d, nil
}

// EURFromCrypto converts a crypto quantity at a EUR unit price to an
// Amount, rounding down to the cent.
func EURFromCrypto(qty, priceEUR decimal.Decimal) Amount {
	if qty.Sign() <= 0 || priceEUR.Sign() <= 0 {
		return 0
	}
	return FromDecimalFloor(qty.Mul(priceEUR))
}

// Ratio returns actual/expected as a decimal, or zero when expected is not
// positive. Callers compare the result against acceptance thresholds.
func Ratio(actual, expected decimal.Decimal) decimal.Decimal {
	if expected.Sign() <= 0 {
		return decimal.Zero
	}
	return actual.Div(expected)
}
