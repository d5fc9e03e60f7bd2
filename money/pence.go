// Package money holds currency amounts as integer minor units so fee and
// shipping arithmetic never accumulates floating-point error.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrNegative signals a negative amount where only non-negative ones are allowed.
	ErrNegative = errors.New("money: negative amount")
	// ErrPrecision signals an amount with more than two decimal places.
	ErrPrecision = errors.New("money: more than two decimal places")
	// ErrSyntax signals input that is not a decimal number.
	ErrSyntax = errors.New("money: not a decimal amount")
	// ErrRange signals an amount above Max.
	ErrRange = errors.New("money: amount out of range")
)

// Pence is an amount in minor units (1/100 of the major unit).
type Pence int64

// Zero is the empty amount.
const Zero Pence = 0

// Max is the largest amount accepted from callers (£10,000,000.00). Sums of a
// few amounts below it stay far inside int64.
const Max Pence = 1_000_000_000

var maxMinor = decimal.NewFromInt(int64(Max))

// Parse reads a non-negative major-unit amount such as "12.50" or "85".
func Parse(s string) (Pence, error) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "£"))
	if s == "" {
		return 0, ErrSyntax
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrSyntax, s)
	}
	if d.Sign() < 0 {
		return 0, ErrNegative
	}
	minor := d.Shift(2)
	if !minor.IsInteger() {
		return 0, ErrPrecision
	}
	if !minor.LessThanOrEqual(maxMinor) {
		return 0, fmt.Errorf("%w: %q", ErrRange, s)
	}
	return Pence(minor.IntPart()), nil
}

// FromMajor converts a float major-unit amount, rounding half away from zero.
func FromMajor(v float64) Pence {
	return Pence(decimal.NewFromFloat(v).Shift(2).Round(0).IntPart())
}

// ApplyRate returns p multiplied by rate, rounded half away from zero to a whole penny.
func (p Pence) ApplyRate(rate decimal.Decimal) Pence {
	return Pence(decimal.NewFromInt(int64(p)).Mul(rate).Round(0).IntPart())
}

// Half splits p into a lower and upper half that always sum to p.
func (p Pence) Half() (lower, upper Pence) {
	lower = p / 2
	return lower, p - lower
}

// Decimal returns the amount in major units.
func (p Pence) Decimal() decimal.Decimal {
	return decimal.New(int64(p), -2)
}

// String renders the amount in major units with two decimals, e.g. "108.50".
func (p Pence) String() string {
	return p.Decimal().StringFixed(2)
}

// MarshalJSON encodes the amount as a two-decimal string so clients never
// see binary floating point.
func (p Pence) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts either a decimal string ("12.50") or a JSON number (12.5).
func (p *Pence) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" {
		*p = 0
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		raw = s
	}
	v, err := Parse(raw)
	if err != nil {
		return err
	}
	*p = v
	return nil
}
