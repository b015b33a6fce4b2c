package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType discriminator for command payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDepositCollateral
	EventTypeDepositCollateralAndMintDsc
	EventTypeRedeemCollateral
	EventTypeRedeemCollateralForDsc
	EventTypeMintDsc
	EventTypeBurnDsc
	EventTypeLiquidate
)

// Outcome records whether the engine accepted a command.
type Outcome int32

const (
	OutcomeAccepted Outcome = iota
	OutcomeRejected
)

func (o Outcome) String() string {
	if o == OutcomeAccepted {
		return "accepted"
	}
	return "rejected"
}

// EventEnvelope wraps every command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Command type discriminator
	EventType EventType

	// Calling user; the ordering partition
	Caller common.Address

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded command
	Payload []byte

	// Accepted or rejected, with the engine error for rejections
	Outcome      Outcome
	RejectReason string

	// Engine events emitted by an accepted command
	Events []EngineEvent

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all command payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Caller returns the user issuing the command
	Caller() common.Address

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// Time returns the versioned input timestamp
	Time() time.Time
}

func (et EventType) String() string {
	switch et {
	case EventTypeDepositCollateral:
		return "DepositCollateral"
	case EventTypeDepositCollateralAndMintDsc:
		return "DepositCollateralAndMintDsc"
	case EventTypeRedeemCollateral:
		return "RedeemCollateral"
	case EventTypeRedeemCollateralForDsc:
		return "RedeemCollateralForDsc"
	case EventTypeMintDsc:
		return "MintDsc"
	case EventTypeBurnDsc:
		return "BurnDsc"
	case EventTypeLiquidate:
		return "Liquidate"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) EventType {
	for et := EventTypeDepositCollateral; et <= EventTypeLiquidate; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}
