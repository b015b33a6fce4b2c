package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// RedeemCollateral withdraws Amount of Asset back to User
type RedeemCollateral struct {
	CommandID uuid.UUID      `json:"command_id"`
	User      common.Address `json:"user"`
	Asset     common.Address `json:"asset"`
	Amount    *uint256.Int   `json:"amount"`
	Sequence  int64          `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
}

func (r *RedeemCollateral) IdempotencyKey() string {
	return r.CommandID.String()
}

func (r *RedeemCollateral) EventType() EventType {
	return EventTypeRedeemCollateral
}

func (r *RedeemCollateral) Caller() common.Address {
	return r.User
}

func (r *RedeemCollateral) SourceSequence() int64 {
	return r.Sequence
}

func (r *RedeemCollateral) Time() time.Time {
	return r.Timestamp
}

// RedeemCollateralForDsc burns BurnAmount then redeems RedeemAmount
type RedeemCollateralForDsc struct {
	CommandID    uuid.UUID      `json:"command_id"`
	User         common.Address `json:"user"`
	Asset        common.Address `json:"asset"`
	RedeemAmount *uint256.Int   `json:"redeem_amount"`
	BurnAmount   *uint256.Int   `json:"burn_amount"`
	Sequence     int64          `json:"sequence"`
	Timestamp    time.Time      `json:"timestamp"`
}

func (r *RedeemCollateralForDsc) IdempotencyKey() string {
	return r.CommandID.String()
}

func (r *RedeemCollateralForDsc) EventType() EventType {
	return EventTypeRedeemCollateralForDsc
}

func (r *RedeemCollateralForDsc) Caller() common.Address {
	return r.User
}

func (r *RedeemCollateralForDsc) SourceSequence() int64 {
	return r.Sequence
}

func (r *RedeemCollateralForDsc) Time() time.Time {
	return r.Timestamp
}
