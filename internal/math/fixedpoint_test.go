package math_test

import (
	"errors"
	"math/big"
	"testing"

	fpmath "DSCLedger/internal/math"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ===========================================================================
// Checked arithmetic
// ===========================================================================

func TestSub_Underflow(t *testing.T) {
	_, err := fpmath.Sub(uint256.NewInt(1), uint256.NewInt(2))
	if !errors.Is(err, fpmath.ErrUnderflow) {
		t.Fatalf("expected ErrUnderflow, got %v", err)
	}

	z, err := fpmath.Sub(uint256.NewInt(5), uint256.NewInt(5))
	require.NoError(t, err)
	assert.True(t, z.IsZero())
}

func TestAddMul_Overflow(t *testing.T) {
	_, err := fpmath.Add(fpmath.MaxUint256(), uint256.NewInt(1))
	assert.ErrorIs(t, err, fpmath.ErrArithmeticOverflow)

	_, err = fpmath.Mul(fpmath.MaxUint256(), uint256.NewInt(2))
	assert.ErrorIs(t, err, fpmath.ErrArithmeticOverflow)
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// (2^255) * 4 / 8 fits even though the product does not.
	half := new(uint256.Int).Lsh(uint256.NewInt(1), 255)
	z, err := fpmath.MulDiv(half, uint256.NewInt(4), uint256.NewInt(8))
	require.NoError(t, err)
	assert.Equal(t, new(uint256.Int).Lsh(uint256.NewInt(1), 254), z)

	_, err = fpmath.MulDivStrict(half, uint256.NewInt(4), uint256.NewInt(8))
	assert.ErrorIs(t, err, fpmath.ErrArithmeticOverflow)
}

func TestMulDiv_ZeroDivisor(t *testing.T) {
	_, err := fpmath.MulDiv(uint256.NewInt(1), uint256.NewInt(1), uint256.NewInt(0))
	assert.ErrorIs(t, err, fpmath.ErrDivisionByZero)
}

func TestFromBig(t *testing.T) {
	_, err := fpmath.FromBig(big.NewInt(-1))
	assert.ErrorIs(t, err, fpmath.ErrUnderflow)

	tooWide := new(big.Int).Lsh(big.NewInt(1), 256)
	_, err = fpmath.FromBig(tooWide)
	assert.ErrorIs(t, err, fpmath.ErrArithmeticOverflow)

	z, err := fpmath.FromBig(big.NewInt(42))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), z.Uint64())
}

func TestPow10(t *testing.T) {
	assert.Equal(t, uint64(10_000_000_000), fpmath.Pow10(10).Uint64())
	assert.Equal(t, fpmath.WAD, fpmath.Pow10(18))
}

// ===========================================================================
// Units
// ===========================================================================

func TestFormatUnits(t *testing.T) {
	x := fpmath.Wad(30000)
	assert.Equal(t, "30000", fpmath.FormatUnits(x, 18))
	assert.Equal(t, "0.05", fpmath.FormatUnits(uint256.NewInt(50_000_000_000_000_000), 18))
	assert.Equal(t, "inf", fpmath.FormatWad(fpmath.MaxUint256()))
}

func TestParseUnits(t *testing.T) {
	z, err := fpmath.ParseUnits("2000.5", 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(200_050_000_000), z.Uint64())

	_, err = fpmath.ParseUnits("0.123456789", 8)
	assert.ErrorIs(t, err, fpmath.ErrInvalidAmount)

	_, err = fpmath.ParseUnits("-1", 18)
	assert.ErrorIs(t, err, fpmath.ErrInvalidAmount)

	_, err = fpmath.ParseUnits("abc", 18)
	assert.ErrorIs(t, err, fpmath.ErrInvalidAmount)
}
