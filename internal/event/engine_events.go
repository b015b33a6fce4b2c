package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// EngineEvent is a fact emitted by an accepted engine call. Events of a
// call that fails are discarded with the rest of its state.
type EngineEvent interface {
	Name() string
}

type CollateralDeposited struct {
	User   common.Address `json:"user"`
	Asset  common.Address `json:"asset"`
	Amount *uint256.Int   `json:"amount"`
}

func (CollateralDeposited) Name() string { return "CollateralDeposited" }

type CollateralRedeemed struct {
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Asset  common.Address `json:"asset"`
	Amount *uint256.Int   `json:"amount"`
}

func (CollateralRedeemed) Name() string { return "CollateralRedeemed" }

type DscMinted struct {
	User   common.Address `json:"user"`
	Amount *uint256.Int   `json:"amount"`
}

func (DscMinted) Name() string { return "DscMinted" }

type DscBurned struct {
	OnBehalfOf common.Address `json:"on_behalf_of"`
	From       common.Address `json:"from"`
	Amount     *uint256.Int   `json:"amount"`
}

func (DscBurned) Name() string { return "DscBurned" }

type PositionLiquidated struct {
	Liquidator       common.Address `json:"liquidator"`
	User             common.Address `json:"user"`
	Asset            common.Address `json:"asset"`
	DebtCovered      *uint256.Int   `json:"debt_covered"`
	CollateralSeized *uint256.Int   `json:"collateral_seized"`
	Bonus            *uint256.Int   `json:"bonus"`
	BonusCapped      bool           `json:"bonus_capped"`
	HealthBefore     *uint256.Int   `json:"health_before"`
	HealthAfter      *uint256.Int   `json:"health_after"`
}

func (PositionLiquidated) Name() string { return "PositionLiquidated" }
