package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"DSCLedger/internal/event"
	"DSCLedger/internal/ledger"
	fpmath "DSCLedger/internal/math"
	"DSCLedger/internal/observability"
	"DSCLedger/internal/oracle"
	"DSCLedger/internal/state"
	"DSCLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Operation labels used for metrics and logs.
const (
	OpDeposit            = "deposit_collateral"
	OpMint               = "mint_dsc"
	OpDepositAndMint     = "deposit_collateral_and_mint_dsc"
	OpRedeem             = "redeem_collateral"
	OpBurn               = "burn_dsc"
	OpRedeemForDsc       = "redeem_collateral_for_dsc"
	OpLiquidate          = "liquidate"
	OpRestore            = "restore"
	resultOK             = "ok"
	resultRejected       = "rejected"
	resultCompensateFail = "compensation_failed"
)

// Config is the construction-time configuration of a SolvencyEngine.
type Config struct {
	// CollateralAssets[i] is priced by PriceFeeds[i].
	CollateralAssets []common.Address
	PriceFeeds       []common.Address

	// Custody is the engine's own account: it holds deposited collateral,
	// receives stable units before burning them, and owns the stable ledger.
	Custody    common.Address
	DscAddress common.Address
	Dsc        token.StableLedger
	Tokens     token.Registry
	Oracle     oracle.PriceOracle

	// RiskParams defaults to state.DefaultRiskParams when MinHealthFactor
	// is nil.
	RiskParams state.RiskParams

	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

// Receipt describes an accepted state-changing call.
type Receipt struct {
	Events  []event.EngineEvent
	Batch   *ledger.Batch
	Touched []common.Address
}

// SolvencyEngine owns the collateral vault and enforces the health factor
// on every state-changing call.
//
// State-changing calls are serialized by a non-reentrant guard that fails
// fast. Vault mutations and solvency checks run under mu; external token
// calls run after mu is released so that a token calling back into a
// read-only query observes the call's post-mutation state.
type SolvencyEngine struct {
	guard nonReentrant
	mu    sync.RWMutex

	vault    *ledger.CollateralVault
	valuator *state.Valuator
	params   state.RiskParams

	custody    common.Address
	dscAddress common.Address
	dsc        token.StableLedger
	tokens     token.Registry

	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewSolvencyEngine(cfg Config) (*SolvencyEngine, error) {
	if len(cfg.CollateralAssets) != len(cfg.PriceFeeds) {
		return nil, fmt.Errorf("%w: %d assets, %d feeds",
			ErrLengthMismatch, len(cfg.CollateralAssets), len(cfg.PriceFeeds))
	}
	if cfg.Dsc == nil {
		return nil, errors.New("core: stable ledger is required")
	}
	if cfg.Oracle == nil {
		return nil, errors.New("core: price oracle is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("core: token registry is required")
	}
	for _, a := range cfg.CollateralAssets {
		if _, ok := cfg.Tokens.Token(a); !ok {
			return nil, fmt.Errorf("core: no token for collateral asset %s", a.Hex())
		}
	}

	params := cfg.RiskParams
	if params.MinHealthFactor == nil {
		params = state.DefaultRiskParams()
	}
	if err := state.ValidateRiskParams(params); err != nil {
		return nil, err
	}

	vault, err := ledger.NewCollateralVault(cfg.CollateralAssets, cfg.DscAddress)
	if err != nil {
		return nil, err
	}

	return &SolvencyEngine{
		vault:      vault,
		valuator:   state.NewValuator(cfg.Oracle, cfg.CollateralAssets, cfg.PriceFeeds),
		params:     params,
		custody:    cfg.Custody,
		dscAddress: cfg.DscAddress,
		dsc:        cfg.Dsc,
		tokens:     cfg.Tokens,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}, nil
}

// ========================================
// Call machinery
// ========================================

// Effect phases. Pulls run first because they can be undone by pushing the
// funds back; burns can be undone by re-minting to custody. Mints and
// pushes to third parties cannot be undone and run last.
const (
	phasePull = iota
	phaseBurn
	phaseRelease
)

type effect struct {
	phase int
	name  string
	do    func(ctx context.Context) error
	undo  func(ctx context.Context) error
}

// call collects the vault transaction, pending external effects, and
// events of one state-changing entry point.
type call struct {
	e       *SolvencyEngine
	tx      *ledger.Tx
	effects []effect
	events  []event.EngineEvent
}

func (c *call) addEffect(ef effect) {
	c.effects = append(c.effects, ef)
}

func (c *call) emit(ev event.EngineEvent) {
	c.events = append(c.events, ev)
}

// applyEffects runs the pending effects in phase order. On failure the
// effects already applied are undone in reverse order.
func (c *call) applyEffects(ctx context.Context) error {
	sort.SliceStable(c.effects, func(i, j int) bool {
		return c.effects[i].phase < c.effects[j].phase
	})

	for i, ef := range c.effects {
		err := ef.do(ctx)
		if err == nil {
			continue
		}
		var undoErrs []error
		for k := i - 1; k >= 0; k-- {
			prev := c.effects[k]
			if prev.undo == nil {
				undoErrs = append(undoErrs, fmt.Errorf("%s: not reversible", prev.name))
				continue
			}
			if uerr := prev.undo(ctx); uerr != nil {
				undoErrs = append(undoErrs, fmt.Errorf("%s: %w", prev.name, uerr))
			}
		}
		if len(undoErrs) > 0 {
			return errors.Join(err, fmt.Errorf("%w: %w", ErrCompensationFailed, errors.Join(undoErrs...)))
		}
		return err
	}
	return nil
}

// run executes body as one all-or-nothing call.
func (e *SolvencyEngine) run(ctx context.Context, op string, body func(ctx context.Context, c *call) error) (rcpt *Receipt, err error) {
	if !e.guard.enter() {
		if e.metrics != nil {
			e.metrics.ReentrancyRejected.Inc()
		}
		return nil, ErrReentrantCall
	}
	defer e.guard.exit()

	start := time.Now()
	defer func() { e.observeCall(op, start, err) }()

	e.mu.Lock()
	tx, err := e.vault.Begin()
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	c := &call{e: e, tx: tx}
	if err = body(ctx, c); err != nil {
		tx.Rollback()
		e.mu.Unlock()
		return nil, err
	}
	e.mu.Unlock()

	if err = c.applyEffects(ctx); err != nil {
		e.mu.Lock()
		tx.Rollback()
		e.mu.Unlock()
		if errors.Is(err, ErrCompensationFailed) {
			e.logger.Error().Err(err).Str("op", op).Msg("external effects could not be reverted")
		}
		return nil, err
	}

	e.mu.Lock()
	touched := tx.Touched()
	batch, err := tx.Commit()
	if err == nil {
		e.observeHealth(ctx, touched)
	}
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	return &Receipt{Events: c.events, Batch: batch, Touched: touched}, nil
}

func (e *SolvencyEngine) observeCall(op string, start time.Time, err error) {
	ev := e.logger.Debug()
	if err != nil {
		ev = e.logger.Info().Str("reason", Reason(err)).Err(err)
	}
	ev.Str("op", op).Dur("took", time.Since(start)).Msg("engine call")

	if e.metrics == nil {
		return
	}
	result := resultOK
	switch {
	case errors.Is(err, ErrCompensationFailed):
		result = resultCompensateFail
		e.metrics.CompensationFailures.Inc()
	case err != nil:
		result = resultRejected
	}
	e.metrics.EngineCalls.WithLabelValues(op, result).Inc()
	e.metrics.EngineCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// observeHealth records the health factor of indebted users touched by an
// accepted call. Caller holds mu.
func (e *SolvencyEngine) observeHealth(ctx context.Context, users []common.Address) {
	if e.metrics == nil {
		return
	}
	for _, u := range users {
		if e.vault.DebtOf(u).IsZero() {
			continue
		}
		hf, err := e.healthFactor(ctx, u)
		if err != nil {
			continue
		}
		e.metrics.HealthFactor.Observe(fpmath.WadToFloat(hf))
	}
	e.metrics.TotalDebt.Set(fpmath.WadToFloat(e.vault.TotalDebt()))
}

// ========================================
// Health factor
// ========================================

// healthFactor returns the user's health factor. Users without debt get the
// saturated maximum without an oracle read. Caller holds mu.
func (e *SolvencyEngine) healthFactor(ctx context.Context, user common.Address) (*uint256.Int, error) {
	debt := e.vault.DebtOf(user)
	if debt.IsZero() {
		return fpmath.MaxUint256(), nil
	}
	collateralUsd, err := e.collateralUsd(ctx, user)
	if err != nil {
		return nil, err
	}
	return state.CalculateHealthFactor(collateralUsd, debt, e.params)
}

func (e *SolvencyEngine) collateralUsd(ctx context.Context, user common.Address) (*uint256.Int, error) {
	total, err := e.valuator.TotalCollateralUsd(ctx, e.vault, user)
	if err != nil && e.metrics != nil && errors.Is(err, ErrOracleStale) {
		e.metrics.OracleFailures.WithLabelValues("collateral").Inc()
	}
	return total, err
}

// assertSolvent fails with BreaksHealthFactorError when the user's health
// factor is below the minimum. Caller holds mu.
func (e *SolvencyEngine) assertSolvent(ctx context.Context, user common.Address) error {
	hf, err := e.healthFactor(ctx, user)
	if err != nil {
		return err
	}
	if !e.params.IsSolvent(hf) {
		return &BreaksHealthFactorError{User: user, HealthFactor: hf}
	}
	return nil
}

// ========================================
// Steps
// ========================================

func (e *SolvencyEngine) collateralToken(asset common.Address) (token.ERC20, error) {
	if !e.vault.IsAllowed(asset) {
		return nil, fmt.Errorf("%w: %s", ErrTokenNotAllowed, asset.Hex())
	}
	tok, ok := e.tokens.Token(asset)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTokenNotAllowed, asset.Hex())
	}
	return tok, nil
}

// deposit books amount of asset for user and schedules the pull into
// custody.
func (c *call) deposit(user, asset common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	e := c.e
	tok, err := e.collateralToken(asset)
	if err != nil {
		return err
	}
	if err := c.tx.Deposit(user, asset, amount); err != nil {
		return err
	}
	c.emit(&event.CollateralDeposited{User: user, Asset: asset, Amount: fpmath.Clone(amount)})

	amt := fpmath.Clone(amount)
	c.addEffect(effect{
		phase: phasePull,
		name:  "pull collateral",
		do: func(ctx context.Context) error {
			return transferResult(tok.TransferFrom(ctx, e.custody, user, e.custody, amt))
		},
		undo: func(ctx context.Context) error {
			return transferResult(tok.Transfer(ctx, e.custody, user, amt))
		},
	})
	return nil
}

// redeem moves amount of asset out of from's position and schedules the
// push to to. The balance check is explicit.
func (c *call) redeem(jt ledger.JournalType, asset common.Address, amount *uint256.Int, from, to common.Address) error {
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	e := c.e
	tok, err := e.collateralToken(asset)
	if err != nil {
		return err
	}
	available := e.vault.CollateralOf(from, asset)
	if available.Lt(amount) {
		return &InsufficientCollateralError{User: from, Asset: asset, Available: available, Required: fpmath.Clone(amount)}
	}
	if err := c.tx.Withdraw(jt, asset, amount, from, to); err != nil {
		return err
	}
	c.emit(&event.CollateralRedeemed{From: from, To: to, Asset: asset, Amount: fpmath.Clone(amount)})

	amt := fpmath.Clone(amount)
	c.addEffect(effect{
		phase: phaseRelease,
		name:  "push collateral",
		do: func(ctx context.Context) error {
			return transferResult(tok.Transfer(ctx, e.custody, to, amt))
		},
	})
	return nil
}

// mint books new debt for user and schedules the ledger mint. The caller
// checks solvency afterwards.
func (c *call) mint(user common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	e := c.e
	if err := c.tx.IncreaseDebt(user, amount); err != nil {
		return err
	}
	c.emit(&event.DscMinted{User: user, Amount: fpmath.Clone(amount)})

	amt := fpmath.Clone(amount)
	c.addEffect(effect{
		phase: phaseRelease,
		name:  "mint",
		do: func(ctx context.Context) error {
			ok, err := e.dsc.Mint(ctx, e.custody, user, amt)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrMintFailed, err)
			}
			if !ok {
				return ErrMintFailed
			}
			return nil
		},
	})
	return nil
}

// burn retires amount of onBehalfOf's debt, paid with from's stable units.
func (c *call) burn(jt ledger.JournalType, amount *uint256.Int, onBehalfOf, from common.Address) error {
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	e := c.e
	debt := e.vault.DebtOf(onBehalfOf)
	if debt.Lt(amount) {
		return fmt.Errorf("%w: user %s debt %s, burn %s",
			ErrBurnExceedsDebt, onBehalfOf.Hex(), debt.Dec(), amount.Dec())
	}
	if err := c.tx.DecreaseDebt(jt, onBehalfOf, amount); err != nil {
		return err
	}
	c.emit(&event.DscBurned{OnBehalfOf: onBehalfOf, From: from, Amount: fpmath.Clone(amount)})

	amt := fpmath.Clone(amount)
	c.addEffect(effect{
		phase: phasePull,
		name:  "pull dsc",
		do: func(ctx context.Context) error {
			return transferResult(e.dsc.TransferFrom(ctx, e.custody, from, e.custody, amt))
		},
		undo: func(ctx context.Context) error {
			return transferResult(e.dsc.Transfer(ctx, e.custody, from, amt))
		},
	})
	c.addEffect(effect{
		phase: phaseBurn,
		name:  "burn dsc",
		do: func(ctx context.Context) error {
			if err := e.dsc.Burn(ctx, e.custody, amt); err != nil {
				return fmt.Errorf("%w: %w", ErrBurnFailed, err)
			}
			return nil
		},
		undo: func(ctx context.Context) error {
			ok, err := e.dsc.Mint(ctx, e.custody, e.custody, amt)
			if err != nil {
				return err
			}
			if !ok {
				return ErrMintFailed
			}
			return nil
		},
	})
	return nil
}

func transferResult(ok bool, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	if !ok {
		return ErrTransferFailed
	}
	return nil
}

// ========================================
// Entry points
// ========================================

// DepositCollateral locks amount of asset for user, pulled from user's
// wallet.
func (e *SolvencyEngine) DepositCollateral(ctx context.Context, user, asset common.Address, amount *uint256.Int) (*Receipt, error) {
	return e.run(ctx, OpDeposit, func(ctx context.Context, c *call) error {
		return c.deposit(user, asset, amount)
	})
}

// MintDsc mints amount of stable units to user against their collateral.
func (e *SolvencyEngine) MintDsc(ctx context.Context, user common.Address, amount *uint256.Int) (*Receipt, error) {
	return e.run(ctx, OpMint, func(ctx context.Context, c *call) error {
		if err := c.mint(user, amount); err != nil {
			return err
		}
		return e.assertSolvent(ctx, user)
	})
}

// DepositCollateralAndMintDsc deposits then mints in one call.
func (e *SolvencyEngine) DepositCollateralAndMintDsc(ctx context.Context, user, asset common.Address, collateralAmount, mintAmount *uint256.Int) (*Receipt, error) {
	return e.run(ctx, OpDepositAndMint, func(ctx context.Context, c *call) error {
		if err := c.deposit(user, asset, collateralAmount); err != nil {
			return err
		}
		if err := c.mint(user, mintAmount); err != nil {
			return err
		}
		return e.assertSolvent(ctx, user)
	})
}

// RedeemCollateral returns amount of asset to user if the position stays
// solvent.
func (e *SolvencyEngine) RedeemCollateral(ctx context.Context, user, asset common.Address, amount *uint256.Int) (*Receipt, error) {
	return e.run(ctx, OpRedeem, func(ctx context.Context, c *call) error {
		if err := c.redeem(ledger.JournalTypeRedeem, asset, amount, user, user); err != nil {
			return err
		}
		return e.assertSolvent(ctx, user)
	})
}

// BurnDsc repays amount of user's debt with user's stable units.
func (e *SolvencyEngine) BurnDsc(ctx context.Context, user common.Address, amount *uint256.Int) (*Receipt, error) {
	return e.run(ctx, OpBurn, func(ctx context.Context, c *call) error {
		if err := c.burn(ledger.JournalTypeBurn, amount, user, user); err != nil {
			return err
		}
		return e.assertSolvent(ctx, user)
	})
}

// RedeemCollateralForDsc burns then redeems in one call. Solvency is checked
// once, on the final state.
func (e *SolvencyEngine) RedeemCollateralForDsc(ctx context.Context, user, asset common.Address, redeemAmount, burnAmount *uint256.Int) (*Receipt, error) {
	return e.run(ctx, OpRedeemForDsc, func(ctx context.Context, c *call) error {
		if err := c.burn(ledger.JournalTypeBurn, burnAmount, user, user); err != nil {
			return err
		}
		if err := c.redeem(ledger.JournalTypeRedeem, asset, redeemAmount, user, user); err != nil {
			return err
		}
		return e.assertSolvent(ctx, user)
	})
}
