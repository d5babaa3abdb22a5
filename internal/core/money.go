// Package core holds the budget domain model and money handling helpers.
//
// All monetary values cross package boundaries as exact decimals with two
// fractional digits; binary floating point is never used for money.
package core

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Cent is the smallest representable money unit.
var Cent = decimal.New(1, -2)

// ParseAmount parses a user-supplied decimal amount.
//
// It accepts both dot (12.34) and comma (12,34) decimal separators and
// quantizes half-up on the third decimal place. Negative amounts and signs
// are rejected; zero is allowed (callers that need a positive amount check
// themselves).
//
// Examples:
//
//	ParseAmount("12.34")  -> 12.34
//	ParseAmount("12,34")  -> 12.34
//	ParseAmount("12.345") -> 12.35 (rounds up)
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	// Normalize decimal comma to dot
	s = strings.ReplaceAll(s, ",", ".")
	if strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		// Only unsigned values allowed
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if d.IsNegative() {
		return decimal.Zero, ErrInvalidAmount
	}
	return QuantizeAmount(d), nil
}

// QuantizeAmount rounds half-up to two decimal places, the display precision
// for money.
func QuantizeAmount(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// FormatAmount renders an amount with exactly two decimal places.
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// CentsToAmount converts the integer-cents storage representation to a
// decimal amount.
func CentsToAmount(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// AmountToCents converts a decimal amount to integer cents for storage,
// rounding half-up on sub-cent input.
func AmountToCents(d decimal.Decimal) int64 {
	return d.Round(2).Shift(2).IntPart()
}
