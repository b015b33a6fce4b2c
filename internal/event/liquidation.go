// internal/event/liquidation.go
package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Liquidate repays DebtToCover of Target's debt with Liquidator's DSC in
// exchange for Asset collateral plus the bonus
type Liquidate struct {
	CommandID   uuid.UUID      `json:"command_id"`
	Liquidator  common.Address `json:"liquidator"`
	Target      common.Address `json:"target"`
	Asset       common.Address `json:"asset"`
	DebtToCover *uint256.Int   `json:"debt_to_cover"`
	Sequence    int64          `json:"sequence"`
	Timestamp   time.Time      `json:"timestamp"`
}

func (l *Liquidate) IdempotencyKey() string {
	return l.CommandID.String()
}

func (l *Liquidate) EventType() EventType {
	return EventTypeLiquidate
}

func (l *Liquidate) Caller() common.Address {
	return l.Liquidator
}

func (l *Liquidate) SourceSequence() int64 {
	return l.Sequence
}

func (l *Liquidate) Time() time.Time {
	return l.Timestamp
}
