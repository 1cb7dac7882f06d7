package fixedpoint

import (
	"errors"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotInteger is returned when a decimal carries a fractional part.
	ErrNotInteger = errors.New("fixedpoint: value must be a whole number of base units")

	// ErrNegative is returned for negative decimals.
	ErrNegative = errors.New("fixedpoint: value must not be negative")
)

// ToDecimal renders x as a decimal, shifted left by exp digits. ToDecimal(x, -18)
// renders a WAD value as its fraction.
func ToDecimal(x *uint256.Int, exp int32) decimal.Decimal {
	if x == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(x.ToBig(), exp)
}

// FromDecimal converts a non-negative integral decimal to a 256-bit integer.
func FromDecimal(d decimal.Decimal) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, ErrNegative
	}
	if !d.IsInteger() {
		return nil, ErrNotInteger
	}
	z, overflow := uint256.FromBig(d.BigInt())
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// ParseAmount parses a base-unit amount such as "1000" or "1e18".
func ParseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return FromDecimal(d)
}

// ParseWad parses a fraction such as "0.51" into its WAD representation.
func ParseWad(s string) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return FromDecimal(d.Shift(18))
}
