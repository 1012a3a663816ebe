// Package token defines the platform token amount conventions.
//
// Amounts are fixed-point decimals with two fractional digits. Every
// computed quantity (fee, net, royalty) is rounded exactly once at the
// point it is derived; sums of already-rounded quantities are never
// re-rounded.
package token

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Bounds for a single operation amount.
var (
	// MinAmount is the smallest amount any operation may move.
	MinAmount = decimal.NewFromFloat(0.01)
	// MaxAmount is the largest amount any operation may move.
	MaxAmount = decimal.NewFromInt(1_000_000)
)

// Parse parses a decimal amount string like "98.54".
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("token: invalid amount %q", s)
	}
	return d, nil
}

// MustParse parses a decimal amount string and panics on failure.
// Only for constants and tests.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err.Error())
	}
	return d
}

// Round2 rounds to two fractional digits, half away from zero.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Format renders an amount with exactly two fractional digits.
func Format(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// FromCents converts an integer minor-unit amount (e.g. a Stripe
// amount_total) into a token amount.
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// InBounds reports whether an amount is within the allowed operation range.
func InBounds(d decimal.Decimal) bool {
	return d.Cmp(MinAmount) >= 0 && d.Cmp(MaxAmount) <= 0
}
