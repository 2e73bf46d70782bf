// Package money holds the decimal helpers shared by every settlement step.
// All amounts are INR rupees carried as decimals and rounded half-up to paise.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrNegative = errors.New("money: amount must not be negative")
	ErrInvalid  = errors.New("money: invalid amount")
)

var hundred = decimal.NewFromInt(100)

// Zero is the zero amount.
var Zero = decimal.Zero

// Round2 rounds half away from zero to two places, which is half-up for the
// non-negative amounts the settlement works with.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Percent returns base × pct / 100 without rounding.
func Percent(base, pct decimal.Decimal) decimal.Decimal {
	return base.Mul(pct).Div(hundred)
}

// ClampZero returns d, or zero when d is negative.
func ClampZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// Min returns the smaller amount.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Parse reads a non-negative finite amount.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalid
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	if d.IsNegative() {
		return decimal.Zero, ErrNegative
	}
	return d, nil
}

// FromJSON reads a non-negative amount from a JSON number or numeric string.
func FromJSON(raw json.RawMessage) (decimal.Decimal, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return decimal.Zero, ErrInvalid
	}
	if strings.HasPrefix(text, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return decimal.Zero, ErrInvalid
		}
		text = s
	}
	return Parse(text)
}

// Paise converts a rupee amount to integer paise, rounding half-up.
func Paise(d decimal.Decimal) int64 {
	return d.Mul(hundred).Round(0).IntPart()
}

// FromPaise converts integer paise to rupees.
func FromPaise(p int64) decimal.Decimal {
	return decimal.New(p, -2)
}

// Format renders an amount with exactly two decimals.
func Format(d decimal.Decimal) string {
	return d.StringFixed(2)
}
