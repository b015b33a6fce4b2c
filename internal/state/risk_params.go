package state

import (
	"fmt"

	fpmath "DSCLedger/internal/math"

	"github.com/holiman/uint256"
)

const (
	// LiquidationThreshold of LiquidationPrecision is the share of collateral
	// value that counts toward solvency: 50/100 means 200% overcollateralized.
	LiquidationThreshold = 50
	// LiquidationBonus of LiquidationPrecision is paid to liquidators in
	// seized collateral.
	LiquidationBonus     = 10
	LiquidationPrecision = 100

	// FeedDecimals is the precision of Chainlink USD feeds.
	FeedDecimals = 8
	// AdditionalFeedPrecision lifts an 8-decimal feed answer to 18 decimals.
	AdditionalFeedPrecision = 10_000_000_000
)

// RiskParams are the solvency constants of one engine instance. They are
// fixed at construction.
type RiskParams struct {
	LiquidationThreshold uint64
	LiquidationBonus     uint64
	LiquidationPrecision uint64
	MinHealthFactor      *uint256.Int // 18 decimals
}

// DefaultRiskParams returns the standard 50% threshold, 10% bonus and a
// minimum health factor of 1.0.
func DefaultRiskParams() RiskParams {
	return RiskParams{
		LiquidationThreshold: LiquidationThreshold,
		LiquidationBonus:     LiquidationBonus,
		LiquidationPrecision: LiquidationPrecision,
		MinHealthFactor:      fpmath.Clone(fpmath.WAD),
	}
}

// ValidateRiskParams checks that parameters are within valid ranges:
// 0 < threshold <= precision, bonus < precision, min health factor > 0.
func ValidateRiskParams(p RiskParams) error {
	if p.LiquidationPrecision == 0 {
		return fmt.Errorf("liquidation_precision must be > 0")
	}
	if p.LiquidationThreshold == 0 || p.LiquidationThreshold > p.LiquidationPrecision {
		return fmt.Errorf("liquidation_threshold must be in (0, %d], got %d",
			p.LiquidationPrecision, p.LiquidationThreshold)
	}
	if p.LiquidationBonus >= p.LiquidationPrecision {
		return fmt.Errorf("liquidation_bonus (%d) must be < liquidation_precision (%d)",
			p.LiquidationBonus, p.LiquidationPrecision)
	}
	if p.MinHealthFactor == nil || p.MinHealthFactor.IsZero() {
		return fmt.Errorf("min_health_factor must be > 0")
	}
	return nil
}
