package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeRedeem
	JournalTypeMint
	JournalTypeBurn
	JournalTypeLiquidationSeize
	JournalTypeLiquidationRepay
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeRedeem:
		return "redeem"
	case JournalTypeMint:
		return "mint"
	case JournalTypeBurn:
		return "burn"
	case JournalTypeLiquidationSeize:
		return "liquidation_seize"
	case JournalTypeLiquidationRepay:
		return "liquidation_repay"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID      // Unique identifier
	BatchID       uuid.UUID      // Groups entries of one engine call
	EventRef      string         // Idempotency key of source command
	Sequence      int64          // Global event sequence
	DebitAccount  AccountKey     // Account receiving debit (balance increases)
	CreditAccount AccountKey     // Account receiving credit (balance decreases)
	Asset         common.Address // Asset being moved
	Amount        *uint256.Int   // 18-decimal amount (ALWAYS positive)
	JournalType   JournalType
	Timestamp     int64 // epoch microseconds
}

// Batch represents the balanced set of journal entries produced by one call
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

func NewBatch() *Batch {
	return &Batch{
		BatchID:  uuid.New(),
		Journals: make([]Journal, 0, 2),
	}
}

// Add appends a journal moving amount from credit to debit.
func (b *Batch) Add(jt JournalType, debit, credit AccountKey, asset common.Address, amount *uint256.Int) {
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Asset:         asset,
		Amount:        new(uint256.Int).Set(amount),
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// Stamp assigns the pipeline sequence, source reference and timestamp to the
// batch and all of its journals.
func (b *Batch) Stamp(sequence int64, eventRef string, timestamp int64) {
	b.Sequence = sequence
	b.EventRef = eventRef
	b.Timestamp = timestamp
	for i := range b.Journals {
		b.Journals[i].Sequence = sequence
		b.Journals[i].EventRef = eventRef
		b.Journals[i].Timestamp = timestamp
	}
}

// Validate ensures the batch is well-formed.
// Each journal is a balanced transfer by construction (one positive amount
// moves from the credit account to the debit account), so the batch balances
// whenever every entry is valid.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.IsZero() {
			return fmt.Errorf("journal %s has non-positive amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.Asset != j.Asset || j.CreditAccount.Asset != j.Asset {
			return fmt.Errorf("journal %s moves %s between accounts of another asset", j.JournalID, j.Asset.Hex())
		}
	}

	return nil
}
