package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// MintDsc creates Amount of DSC debt for User
type MintDsc struct {
	CommandID uuid.UUID      `json:"command_id"`
	User      common.Address `json:"user"`
	Amount    *uint256.Int   `json:"amount"`
	Sequence  int64          `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
}

func (m *MintDsc) IdempotencyKey() string {
	return m.CommandID.String()
}

func (m *MintDsc) EventType() EventType {
	return EventTypeMintDsc
}

func (m *MintDsc) Caller() common.Address {
	return m.User
}

func (m *MintDsc) SourceSequence() int64 {
	return m.Sequence
}

func (m *MintDsc) Time() time.Time {
	return m.Timestamp
}

// BurnDsc repays Amount of User's own debt
type BurnDsc struct {
	CommandID uuid.UUID      `json:"command_id"`
	User      common.Address `json:"user"`
	Amount    *uint256.Int   `json:"amount"`
	Sequence  int64          `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
}

func (b *BurnDsc) IdempotencyKey() string {
	return b.CommandID.String()
}

func (b *BurnDsc) EventType() EventType {
	return EventTypeBurnDsc
}

func (b *BurnDsc) Caller() common.Address {
	return b.User
}

func (b *BurnDsc) SourceSequence() int64 {
	return b.Sequence
}

func (b *BurnDsc) Time() time.Time {
	return b.Timestamp
}
