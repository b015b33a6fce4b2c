package math

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var ErrInvalidAmount = errors.New("invalid amount")

// FormatUnits renders x as a human-readable decimal with the given number of
// fractional digits, e.g. FormatUnits(1.5e18, 18) == "1.5".
func FormatUnits(x *uint256.Int, decimals int32) string {
	if x == nil {
		return "0"
	}
	return decimal.NewFromBigInt(x.ToBig(), -decimals).String()
}

// ParseUnits parses a decimal string such as "2000.5" into its fixed-point
// representation. More fractional digits than decimals is an error.
func ParseUnits(s string, decimals int32) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: %q is negative", ErrInvalidAmount, s)
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%w: %q has more than %d decimals", ErrInvalidAmount, s, decimals)
	}
	return FromBig(scaled.BigInt())
}

// FormatWad renders an 18-decimal value. The saturated maximum renders as "inf".
func FormatWad(x *uint256.Int) string {
	if x != nil && IsMax(x) {
		return "inf"
	}
	return FormatUnits(x, Decimals)
}

// WadToFloat approximates an 18-decimal value as a float64 for metrics.
func WadToFloat(x *uint256.Int) float64 {
	if x == nil {
		return 0
	}
	return decimal.NewFromBigInt(x.ToBig(), -Decimals).InexactFloat64()
}
