package core

import (
	"context"
	"fmt"

	"DSCLedger/internal/event"
	"DSCLedger/internal/ledger"
	fpmath "DSCLedger/internal/math"
	"DSCLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Liquidate repays debtToCover of target's debt with the liquidator's stable
// units and pays the liquidator the equivalent amount of asset plus the
// liquidation bonus out of target's collateral.
//
// Steps, in order:
//  1. target must be below the minimum health factor
//  2. debtToCover is converted to a quantity of asset
//  3. the bonus is added, capped at what target holds of asset
//  4. collateral moves from target to the liquidator
//  5. target's debt is reduced by debtToCover
//  6. target's health factor must strictly increase
//  7. the liquidator must remain solvent
func (e *SolvencyEngine) Liquidate(ctx context.Context, liquidator, target, asset common.Address, debtToCover *uint256.Int) (*Receipt, error) {
	rcpt, err := e.run(ctx, OpLiquidate, func(ctx context.Context, c *call) error {
		return c.liquidate(ctx, liquidator, target, asset, debtToCover)
	})
	if e.metrics != nil {
		result := resultOK
		if err != nil {
			result = Reason(err)
		}
		e.metrics.Liquidations.WithLabelValues(result).Inc()
	}
	return rcpt, err
}

func (c *call) liquidate(ctx context.Context, liquidator, target, asset common.Address, debtToCover *uint256.Int) error {
	if debtToCover == nil || debtToCover.IsZero() {
		return ErrZeroAmount
	}
	e := c.e
	if !e.vault.IsAllowed(asset) {
		return fmt.Errorf("%w: %s", ErrTokenNotAllowed, asset.Hex())
	}

	fail := func(step state.LiquidationStep, err error) error {
		return &LiquidationError{Step: step, Err: err}
	}

	before, err := e.healthFactor(ctx, target)
	if err != nil {
		return fail(state.StepEligibility, err)
	}
	if e.params.IsSolvent(before) {
		return fail(state.StepEligibility, &HealthFactorOkError{User: target, HealthFactor: before})
	}

	fromDebt, err := e.valuator.AssetAmountFromUsd(ctx, asset, debtToCover)
	if err != nil {
		return fail(state.StepConversion, err)
	}

	available := e.vault.CollateralOf(target, asset)
	plan, ok, err := state.PlanLiquidation(debtToCover, fromDebt, available, e.params)
	if err != nil {
		return fail(state.StepBonus, err)
	}
	if !ok {
		return fail(state.StepTransfer, &InsufficientCollateralError{
			User: target, Asset: asset, Available: available, Required: plan.CollateralFromDebt,
		})
	}

	if err := c.redeem(ledger.JournalTypeLiquidationSeize, asset, plan.TotalSeized, target, liquidator); err != nil {
		return fail(state.StepTransfer, err)
	}
	if err := c.burn(ledger.JournalTypeLiquidationRepay, debtToCover, target, liquidator); err != nil {
		return fail(state.StepRepay, err)
	}

	after, err := e.healthFactor(ctx, target)
	if err != nil {
		return fail(state.StepImprovement, err)
	}
	if !after.Gt(before) {
		return fail(state.StepImprovement, &HealthFactorNotImprovedError{User: target, Before: before, After: after})
	}

	if err := e.assertSolvent(ctx, liquidator); err != nil {
		return fail(state.StepLiquidatorSolvency, err)
	}

	if plan.BonusCapped {
		e.logger.Warn().
			Str("user", target.Hex()).
			Str("asset", asset.Hex()).
			Str("bonus", fpmath.FormatWad(plan.Bonus)).
			Msg("liquidation bonus capped at available collateral")
		if e.metrics != nil {
			e.metrics.LiquidationBonusCapped.Inc()
		}
	}

	c.emit(&event.PositionLiquidated{
		Liquidator:       liquidator,
		User:             target,
		Asset:            asset,
		DebtCovered:      fpmath.Clone(debtToCover),
		CollateralSeized: plan.TotalSeized,
		Bonus:            plan.Bonus,
		BonusCapped:      plan.BonusCapped,
		HealthBefore:     before,
		HealthAfter:      after,
	})
	return nil
}
