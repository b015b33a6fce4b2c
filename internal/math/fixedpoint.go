// internal/math/fixedpoint.go
package math

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

// Decimals is the internal precision of every amount, price and ratio.
const Decimals = 18

var (
	ErrArithmeticOverflow = errors.New("arithmetic overflow")
	ErrUnderflow          = errors.New("arithmetic underflow")
	ErrDivisionByZero     = errors.New("division by zero")
)

var (
	// WAD is 1.0 at 18 decimals.
	WAD = uint256.NewInt(1_000_000_000_000_000_000)

	maxUint256 = new(uint256.Int).SetAllOne()
)

// MaxUint256 returns a fresh copy of 2^256-1.
func MaxUint256() *uint256.Int {
	return new(uint256.Int).Set(maxUint256)
}

// IsMax reports whether x is the saturated value returned by MaxUint256.
func IsMax(x *uint256.Int) bool {
	return x.Eq(maxUint256)
}

// Zero returns a new zero value.
func Zero() *uint256.Int {
	return new(uint256.Int)
}

// Wad returns units * 1e18.
func Wad(units uint64) *uint256.Int {
	z, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(units), WAD)
	if overflow {
		panic("math: Wad overflow")
	}
	return z
}

// Pow10 returns 10^n. n must be at most 77.
func Pow10(n uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
}

func Add(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return z, nil
}

// Sub returns a - b, or ErrUnderflow when b > a. Callers must not rely on
// wrap-around: the check is explicit.
func Sub(a, b *uint256.Int) (*uint256.Int, error) {
	if a.Lt(b) {
		return nil, ErrUnderflow
	}
	return new(uint256.Int).Sub(a, b), nil
}

func Mul(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return z, nil
}

// MulDiv computes floor(x * y / d) with a 512-bit intermediate product.
// Only the final quotient must fit in 256 bits.
func MulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return z, nil
}

// MulDivStrict computes floor(x * y / d) but rejects any x * y product
// that does not fit in 256 bits, mirroring checked integer arithmetic.
func MulDivStrict(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	p, err := Mul(x, y)
	if err != nil {
		return nil, err
	}
	return p.Div(p, d), nil
}

// FromBig converts a non-negative big.Int. Negative inputs are rejected as
// underflow and values wider than 256 bits as overflow.
func FromBig(b *big.Int) (*uint256.Int, error) {
	if b == nil {
		return Zero(), nil
	}
	if b.Sign() < 0 {
		return nil, ErrUnderflow
	}
	z, overflow := uint256.FromBig(b)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return z, nil
}

// Clone returns a copy of x, treating nil as zero.
func Clone(x *uint256.Int) *uint256.Int {
	if x == nil {
		return Zero()
	}
	return new(uint256.Int).Set(x)
}
