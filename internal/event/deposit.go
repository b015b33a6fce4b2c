// internal/event/deposit.go
package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// DepositCollateral locks Amount of Asset for User
type DepositCollateral struct {
	CommandID uuid.UUID      `json:"command_id"`
	User      common.Address `json:"user"`
	Asset     common.Address `json:"asset"`
	Amount    *uint256.Int   `json:"amount"` // 18 decimals
	Sequence  int64          `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
}

func (d *DepositCollateral) IdempotencyKey() string {
	return d.CommandID.String()
}

func (d *DepositCollateral) EventType() EventType {
	return EventTypeDepositCollateral
}

func (d *DepositCollateral) Caller() common.Address {
	return d.User
}

func (d *DepositCollateral) SourceSequence() int64 {
	return d.Sequence
}

func (d *DepositCollateral) Time() time.Time {
	return d.Timestamp
}

// DepositCollateralAndMintDsc deposits then mints in one call
type DepositCollateralAndMintDsc struct {
	CommandID        uuid.UUID      `json:"command_id"`
	User             common.Address `json:"user"`
	Asset            common.Address `json:"asset"`
	CollateralAmount *uint256.Int   `json:"collateral_amount"`
	MintAmount       *uint256.Int   `json:"mint_amount"`
	Sequence         int64          `json:"sequence"`
	Timestamp        time.Time      `json:"timestamp"`
}

func (d *DepositCollateralAndMintDsc) IdempotencyKey() string {
	return d.CommandID.String()
}

func (d *DepositCollateralAndMintDsc) EventType() EventType {
	return EventTypeDepositCollateralAndMintDsc
}

func (d *DepositCollateralAndMintDsc) Caller() common.Address {
	return d.User
}

func (d *DepositCollateralAndMintDsc) SourceSequence() int64 {
	return d.Sequence
}

func (d *DepositCollateralAndMintDsc) Time() time.Time {
	return d.Timestamp
}
