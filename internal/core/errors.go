package core

import (
	"errors"
	"fmt"

	fpmath "DSCLedger/internal/math"
	"DSCLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	// input validation
	ErrZeroAmount      = errors.New("amount must be more than zero")
	ErrTokenNotAllowed = errors.New("token not allowed as collateral")
	ErrLengthMismatch  = errors.New("collateral assets and price feeds must be the same length")

	// arithmetic
	ErrUnderflow          = fpmath.ErrUnderflow
	ErrArithmeticOverflow = fpmath.ErrArithmeticOverflow

	// external dependencies
	ErrOracleStale        = state.ErrOracleStale
	ErrTransferFailed     = errors.New("transfer failed")
	ErrMintFailed         = errors.New("mint failed")
	ErrBurnFailed         = errors.New("burn failed")
	ErrCompensationFailed = errors.New("compensation failed")

	// invariants
	ErrBurnExceedsDebt         = errors.New("burn amount exceeds minted debt")
	ErrHealthFactorNotImproved = errors.New("health factor not improved")

	// concurrency
	ErrReentrantCall = errors.New("reentrant call")
)

// BreaksHealthFactorError reports a position left below the minimum health
// factor. HealthFactor is the offending value.
type BreaksHealthFactorError struct {
	User         common.Address
	HealthFactor *uint256.Int
}

func (e *BreaksHealthFactorError) Error() string {
	return fmt.Sprintf("breaks health factor: user %s health factor %s", e.User.Hex(), e.HealthFactor.Dec())
}

// HealthFactorOkError is returned when liquidating a solvent position.
type HealthFactorOkError struct {
	User         common.Address
	HealthFactor *uint256.Int
}

func (e *HealthFactorOkError) Error() string {
	return fmt.Sprintf("health factor ok: user %s health factor %s", e.User.Hex(), fpmath.FormatWad(e.HealthFactor))
}

// InsufficientCollateralError is returned when a withdrawal or seizure needs
// more of an asset than the position holds.
type InsufficientCollateralError struct {
	User      common.Address
	Asset     common.Address
	Available *uint256.Int
	Required  *uint256.Int
}

func (e *InsufficientCollateralError) Error() string {
	return fmt.Sprintf("insufficient collateral: user %s asset %s has %s, needs %s",
		e.User.Hex(), e.Asset.Hex(), e.Available.Dec(), e.Required.Dec())
}

func (e *InsufficientCollateralError) Unwrap() error {
	return ErrUnderflow
}

// HealthFactorNotImprovedError is returned when a liquidation leaves the
// target's health factor at or below where it started.
type HealthFactorNotImprovedError struct {
	User   common.Address
	Before *uint256.Int
	After  *uint256.Int
}

func (e *HealthFactorNotImprovedError) Error() string {
	return fmt.Sprintf("health factor not improved: user %s before %s after %s",
		e.User.Hex(), fpmath.FormatWad(e.Before), fpmath.FormatWad(e.After))
}

func (e *HealthFactorNotImprovedError) Is(target error) bool {
	return target == ErrHealthFactorNotImproved
}

// LiquidationError tags a liquidation failure with the step that failed.
type LiquidationError struct {
	Step state.LiquidationStep
	Err  error
}

func (e *LiquidationError) Error() string {
	return fmt.Sprintf("liquidation %s: %v", e.Step, e.Err)
}

func (e *LiquidationError) Unwrap() error {
	return e.Err
}

// Reason maps an engine error to a short label for metrics and rejection
// records.
func Reason(err error) string {
	var (
		breaks *BreaksHealthFactorError
		ok     *HealthFactorOkError
		insuff *InsufficientCollateralError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCompensationFailed):
		return "compensation_failed"
	case errors.As(err, &breaks):
		return "breaks_health_factor"
	case errors.As(err, &ok):
		return "health_factor_ok"
	case errors.As(err, &insuff):
		return "insufficient_collateral"
	case errors.Is(err, ErrZeroAmount):
		return "zero_amount"
	case errors.Is(err, ErrTokenNotAllowed):
		return "token_not_allowed"
	case errors.Is(err, ErrOracleStale):
		return "oracle_stale"
	case errors.Is(err, ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, ErrMintFailed):
		return "mint_failed"
	case errors.Is(err, ErrBurnFailed):
		return "burn_failed"
	case errors.Is(err, ErrBurnExceedsDebt):
		return "burn_exceeds_debt"
	case errors.Is(err, ErrHealthFactorNotImproved):
		return "health_factor_not_improved"
	case errors.Is(err, ErrReentrantCall):
		return "reentrant_call"
	case errors.Is(err, ErrArithmeticOverflow):
		return "arithmetic_overflow"
	case errors.Is(err, ErrUnderflow):
		return "underflow"
	default:
		return "internal"
	}
}
