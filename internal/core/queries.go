package core

import (
	"context"
	"fmt"

	"DSCLedger/internal/ledger"
	fpmath "DSCLedger/internal/math"
	"DSCLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Read-only queries take the read lock and never take the guard, so they
// may be called from inside a token callback.

// AccountInformation is a user's debt and collateral value.
type AccountInformation struct {
	TotalDscMinted       *uint256.Int
	CollateralValueInUsd *uint256.Int
	HealthFactor         *uint256.Int
	CollateralByAsset    map[common.Address]*uint256.Int
}

// GetHealthFactor returns the user's current health factor.
func (e *SolvencyEngine) GetHealthFactor(ctx context.Context, user common.Address) (*uint256.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.healthFactor(ctx, user)
}

// GetAccountInformation returns the user's debt, collateral value, health
// factor, and per-asset balances.
func (e *SolvencyEngine) GetAccountInformation(ctx context.Context, user common.Address) (AccountInformation, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	debt := e.vault.DebtOf(user)
	usd, err := e.collateralUsd(ctx, user)
	if err != nil {
		return AccountInformation{}, err
	}
	hf, err := state.CalculateHealthFactor(usd, debt, e.params)
	if err != nil {
		return AccountInformation{}, err
	}

	byAsset := make(map[common.Address]*uint256.Int, len(e.vault.Assets()))
	for _, a := range e.vault.Assets() {
		byAsset[a] = e.vault.CollateralOf(user, a)
	}
	return AccountInformation{
		TotalDscMinted:       debt,
		CollateralValueInUsd: usd,
		HealthFactor:         hf,
		CollateralByAsset:    byAsset,
	}, nil
}

// GetCollateralBalance returns user's deposited amount of asset. Unknown
// assets and users read as zero.
func (e *SolvencyEngine) GetCollateralBalance(user, asset common.Address) *uint256.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.vault.CollateralOf(user, asset)
}

func (e *SolvencyEngine) GetMintedDebt(user common.Address) *uint256.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.vault.DebtOf(user)
}

// GetCollateralTokens returns the approved assets in configuration order.
func (e *SolvencyEngine) GetCollateralTokens() []common.Address {
	return e.vault.Assets()
}

func (e *SolvencyEngine) GetCollateralTokenPriceFeed(asset common.Address) (common.Address, bool) {
	return e.valuator.PriceFeed(asset)
}

// GetAccountCollateralValue returns the USD value of everything user has
// deposited.
func (e *SolvencyEngine) GetAccountCollateralValue(ctx context.Context, user common.Address) (*uint256.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.collateralUsd(ctx, user)
}

func (e *SolvencyEngine) GetUsdValue(ctx context.Context, asset common.Address, amount *uint256.Int) (*uint256.Int, error) {
	if !e.vault.IsAllowed(asset) {
		return nil, fmt.Errorf("%w: %s", ErrTokenNotAllowed, asset.Hex())
	}
	return e.valuator.UsdValue(ctx, asset, amount)
}

func (e *SolvencyEngine) GetTokenAmountFromUsd(ctx context.Context, asset common.Address, usdAmount *uint256.Int) (*uint256.Int, error) {
	if !e.vault.IsAllowed(asset) {
		return nil, fmt.Errorf("%w: %s", ErrTokenNotAllowed, asset.Hex())
	}
	return e.valuator.AssetAmountFromUsd(ctx, asset, usdAmount)
}

func (e *SolvencyEngine) GetRiskParams() state.RiskParams {
	p := e.params
	p.MinHealthFactor = fpmath.Clone(e.params.MinHealthFactor)
	return p
}

// CalculateHealthFactor evaluates the health factor formula for arbitrary
// inputs.
func (e *SolvencyEngine) CalculateHealthFactor(collateralUsd, debt *uint256.Int) (*uint256.Int, error) {
	return state.CalculateHealthFactor(collateralUsd, debt, e.params)
}

func (e *SolvencyEngine) DscAddress() common.Address { return e.dscAddress }

func (e *SolvencyEngine) Custody() common.Address { return e.custody }

// Users returns every user with a position.
func (e *SolvencyEngine) Users() []common.Address {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.vault.Users()
}

// Digest returns the canonical encoding of the given users' positions.
func (e *SolvencyEngine) Digest(users []common.Address) []byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.vault.Digest(users)
}

// ========================================
// System solvency
// ========================================

// SolvencyReport compares the USD value of all deposited collateral with
// all outstanding debt.
type SolvencyReport struct {
	TotalCollateralUsd *uint256.Int
	TotalDebt          *uint256.Int
	ByAsset            map[common.Address]*uint256.Int
	Solvent            bool
}

// SystemSolvency values the vault's total holdings. It is a monitoring
// figure and is not enforced by any call.
func (e *SolvencyEngine) SystemSolvency(ctx context.Context) (SolvencyReport, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	total := fpmath.Zero()
	byAsset := make(map[common.Address]*uint256.Int)
	for _, a := range e.vault.Assets() {
		amount := e.vault.TotalCollateral(a)
		if amount.IsZero() {
			byAsset[a] = fpmath.Zero()
			continue
		}
		usd, err := e.valuator.UsdValue(ctx, a, amount)
		if err != nil {
			return SolvencyReport{}, err
		}
		byAsset[a] = usd
		if total, err = fpmath.Add(total, usd); err != nil {
			return SolvencyReport{}, err
		}
	}
	debt := e.vault.TotalDebt()
	return SolvencyReport{
		TotalCollateralUsd: total,
		TotalDebt:          debt,
		ByAsset:            byAsset,
		Solvent:            !total.Lt(debt),
	}, nil
}

// ========================================
// Snapshot & restore
// ========================================

// Snapshot captures every position.
func (e *SolvencyEngine) Snapshot() ledger.VaultSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.vault.Snapshot()
}

// Restore replaces every position with snap. It is refused while a
// state-changing call is in progress.
func (e *SolvencyEngine) Restore(snap ledger.VaultSnapshot) error {
	if !e.guard.enter() {
		return ErrReentrantCall
	}
	defer e.guard.exit()

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.vault.Restore(snap); err != nil {
		return err
	}
	e.logger.Info().Int("positions", len(snap.Positions)).Msg(OpRestore + " complete")
	return nil
}

// SeedTracker loads current positions into an audit tracker.
func (e *SolvencyEngine) SeedTracker(bt *ledger.BalanceTracker) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.vault.SeedTracker(bt)
}

// NewInvariantValidator returns a validator over the engine's vault and bt.
func (e *SolvencyEngine) NewInvariantValidator(bt *ledger.BalanceTracker) *ledger.InvariantValidator {
	return ledger.NewInvariantValidator(bt, e.vault)
}

// Replay applies a persisted journal batch without external effects.
func (e *SolvencyEngine) Replay(batch *ledger.Batch) error {
	if !e.guard.enter() {
		return ErrReentrantCall
	}
	defer e.guard.exit()

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vault.Replay(batch)
}
