package money

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Amount is an EUR amount in integer cents. All shop-side arithmetic runs
// on int64 cents; crypto amounts keep the gateway's precision as decimals
// and only meet Amount at explicit conversion points.
//
// Examples:
//   - EUR 10.00 = Amount(1000)
//   - EUR 0.50  = Amount(50)
type Amount int64

var (
	// ErrInvalidFormat occurs when parsing fails.
	ErrInvalidFormat = errors.New("money: invalid format")

	// ErrTooPrecise occurs when a boundary value carries more than two
	// fractional digits.
	ErrTooPrecise = errors.New("money: more than two fractional digits")
)

var hundred = decimal.NewFromInt(100)

// FromCents creates an Amount from integer cents.
func FromCents(cents int64) Amount {
	return Amount(cents)
}

// Parse parses a decimal string with at most two fractional digits.
//
// Examples:
//   - Parse("10.50") → 1050
//   - Parse("7")     → 700
//   - Parse("0.5")   → 50
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidFormat
	}

	neg := false
	if s[0] == '+' || s[0] == '-' {
		neg = s[0] == '-'
		s = s[1:]
	}

	intPart, fracPart, hasFrac := strings.Cut(s, ".")
	if intPart == "" && fracPart == "" {
		return 0, ErrInvalidFormat
	}
	if intPart == "" {
		intPart = "0"
	}
	if hasFrac && fracPart == "" {
		return 0, ErrInvalidFormat
	}
	if len(fracPart) > 2 {
		return 0, ErrTooPrecise
	}

	whole, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	var cents int64
	if fracPart != "" {
		for len(fracPart) < 2 {
			fracPart += "0"
		}
		cents, err = strconv.ParseInt(fracPart, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
		}
	}

	total := whole*100 + cents
	if neg {
		total = -total
	}
	return Amount(total), nil
}

// MustParse is Parse for constants in tests and fixtures; it panics on error.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromDecimalFloor converts an EUR decimal to cents, rounding down.
// Gateway EUR outcomes can carry more precision than a cent; the extra
// fraction is never credited.
func FromDecimalFloor(d decimal.Decimal) Amount {
	return Amount(d.Mul(hundred).Floor().IntPart())
}

// Cents returns the raw cent count.
func (a Amount) Cents() int64 {
	return int64(a)
}

// Decimal returns the amount as a major-unit decimal (1050 → 10.50).
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -2)
}

// String renders the amount as a 2-decimal string: "10.50", "-0.07".
func (a Amount) String() string {
	cents := int64(a)
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount {
	return a + b
}

// Sub returns a - b.
func (a Amount) Sub(b Amount) Amount {
	return a - b
}

// SubClamped returns a - b, floored at zero. Discount application must
// never produce a negative total.
func (a Amount) SubClamped(b Amount) Amount {
	if b >= a {
		return 0
	}
	return a - b
}

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a < b {
		return a
	}
	return b
}

// AfterPercentFloor returns the amount remaining after a pct% reduction,
// rounded DOWN to the cent. This is the reseller-layer rule: the customer
// price is floored.
//
// Example: Amount(1099).AfterPercentFloor(15) → floor(10.99 × 0.85) → 934
func (a Amount) AfterPercentFloor(pct decimal.Decimal) Amount {
	if pct.Sign() <= 0 {
		return a
	}
	if pct.GreaterThanOrEqual(hundred) {
		return 0
	}
	remain := hundred.Sub(pct)
	return Amount(decimal.NewFromInt(int64(a)).Mul(remain).Div(hundred).Floor().IntPart())
}

// PercentOfFloor returns pct% of the amount, rounded DOWN to the cent.
// This is the general-code rule: the discount amount is floored.
func (a Amount) PercentOfFloor(pct decimal.Decimal) Amount {
	if pct.Sign() <= 0 || a <= 0 {
		return 0
	}
	return Amount(decimal.NewFromInt(int64(a)).Mul(pct).Div(hundred).Floor().IntPart())
}

// MulRatioFloor returns a × num/den rounded DOWN to the cent. Used for the
// proportional EUR fallback (target × actually_paid / expected). A zero or
// negative denominator yields zero.
func (a Amount) MulRatioFloor(num, den decimal.Decimal) Amount {
	if den.Sign() <= 0 {
		return 0
	}
	return Amount(decimal.NewFromInt(int64(a)).Mul(num).Div(den).Floor().IntPart())
}

// IsZero reports a == 0.
func (a Amount) IsZero() bool { return a == 0 }

// IsPositive reports a > 0.
func (a Amount) IsPositive() bool { return a > 0 }

// IsNegative reports a < 0.
func (a Amount) IsNegative() bool { return a < 0 }
