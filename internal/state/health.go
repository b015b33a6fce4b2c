package state

import (
	"errors"

	fpmath "DSCLedger/internal/math"

	"github.com/holiman/uint256"
)

// CalculateHealthFactor returns
//
//	(collateralUsd * threshold / precision) * 1e18 / debt
//
// A zero debt yields MaxUint256. A ratio too large for 256 bits saturates
// to MaxUint256 as well, since it is solvent either way.
func CalculateHealthFactor(collateralUsd, debt *uint256.Int, p RiskParams) (*uint256.Int, error) {
	if debt.IsZero() {
		return fpmath.MaxUint256(), nil
	}

	adjusted, err := fpmath.MulDiv(collateralUsd,
		uint256.NewInt(p.LiquidationThreshold),
		uint256.NewInt(p.LiquidationPrecision))
	if err != nil {
		return nil, err
	}

	hf, err := fpmath.MulDiv(adjusted, fpmath.WAD, debt)
	if errors.Is(err, fpmath.ErrArithmeticOverflow) {
		return fpmath.MaxUint256(), nil
	}
	return hf, err
}

// IsSolvent reports hf >= MinHealthFactor.
func (p RiskParams) IsSolvent(hf *uint256.Int) bool {
	return !hf.Lt(p.MinHealthFactor)
}

// ========================================
// Liquidation sizing
// ========================================

// LiquidationStep names the stages of a single liquidation call.
type LiquidationStep uint8

const (
	StepEligibility LiquidationStep = iota
	StepConversion
	StepBonus
	StepTransfer
	StepRepay
	StepImprovement
	StepLiquidatorSolvency
	StepSettlement
)

func (s LiquidationStep) String() string {
	switch s {
	case StepEligibility:
		return "eligibility"
	case StepConversion:
		return "conversion"
	case StepBonus:
		return "bonus"
	case StepTransfer:
		return "transfer"
	case StepRepay:
		return "repay"
	case StepImprovement:
		return "improvement"
	case StepLiquidatorSolvency:
		return "liquidator_solvency"
	case StepSettlement:
		return "settlement"
	default:
		return "unknown"
	}
}

// LiquidationPlan is the collateral a liquidator receives for repaying
// DebtToCover.
type LiquidationPlan struct {
	DebtToCover        *uint256.Int
	CollateralFromDebt *uint256.Int
	Bonus              *uint256.Int
	TotalSeized        *uint256.Int
	BonusCapped        bool
}

// PlanLiquidation sizes the seizure. The bonus is collateralFromDebt *
// bonus / precision. If the target holds less than principal plus bonus the
// bonus is reduced to what is left; if it holds less than the principal
// alone ok is false.
func PlanLiquidation(debtToCover, collateralFromDebt, available *uint256.Int, p RiskParams) (plan LiquidationPlan, ok bool, err error) {
	bonus, err := fpmath.MulDiv(collateralFromDebt,
		uint256.NewInt(p.LiquidationBonus),
		uint256.NewInt(p.LiquidationPrecision))
	if err != nil {
		return LiquidationPlan{}, false, err
	}
	total, err := fpmath.Add(collateralFromDebt, bonus)
	if err != nil {
		return LiquidationPlan{}, false, err
	}

	plan = LiquidationPlan{
		DebtToCover:        fpmath.Clone(debtToCover),
		CollateralFromDebt: fpmath.Clone(collateralFromDebt),
		Bonus:              bonus,
		TotalSeized:        total,
	}

	if available.Lt(collateralFromDebt) {
		return plan, false, nil
	}
	if available.Lt(total) {
		plan.Bonus = new(uint256.Int).Sub(available, collateralFromDebt)
		plan.TotalSeized = fpmath.Clone(available)
		plan.BonusCapped = true
	}
	return plan, true, nil
}
