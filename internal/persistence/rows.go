package persistence

import (
	"encoding/json"
	"fmt"

	"DSCLedger/internal/core"
	"DSCLedger/internal/event"
	"DSCLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// storedEvent is the JSON form of one engine event in the events column.
type storedEvent struct {
	Name    string            `json:"name"`
	Payload event.EngineEvent `json:"payload"`
}

// RowsFromOutput flattens a core output into its event log rows.
func RowsFromOutput(out core.CoreOutput) (EventRow, []JournalRow, error) {
	env := out.Envelope
	if env == nil {
		return EventRow{}, nil, fmt.Errorf("core output without envelope")
	}

	row := EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Caller:         env.Caller.Hex(),
		Payload:        env.Payload,
		Outcome:        env.Outcome.String(),
		RejectReason:   env.RejectReason,
		StateHash:      append([]byte(nil), env.StateHash[:]...),
		PrevHash:       append([]byte(nil), env.PrevHash[:]...),
		Timestamp:      env.Timestamp.UTC(),
		SourceSequence: env.SourceSequence,
	}

	if env.Outcome == event.OutcomeAccepted {
		stored := make([]storedEvent, 0, len(env.Events))
		for _, ev := range env.Events {
			stored = append(stored, storedEvent{Name: ev.Name(), Payload: ev})
		}
		data, err := json.Marshal(stored)
		if err != nil {
			return EventRow{}, nil, fmt.Errorf("encode engine events at %d: %w", env.Sequence, err)
		}
		row.Events = data
	}

	if out.Batch == nil {
		return row, nil, nil
	}

	journals := make([]JournalRow, 0, len(out.Batch.Journals))
	for i, j := range out.Batch.Journals {
		journals = append(journals, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			EntryIndex:    int32(i),
			EventRef:      j.EventRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			Asset:         j.Asset.Hex(),
			Amount:        j.Amount.Dec(),
			JournalType:   int32(j.JournalType),
			Timestamp:     j.Timestamp,
		})
	}
	return row, journals, nil
}

// Envelope rebuilds the envelope fields replay depends on. Engine events are
// not decoded; replay never needs them.
func (r EventRow) Envelope() (*event.EventEnvelope, error) {
	et := event.ParseEventType(r.EventType)
	if et == event.EventTypeUnknown {
		return nil, fmt.Errorf("event %d: unknown type %q", r.Sequence, r.EventType)
	}

	var outcome event.Outcome
	switch r.Outcome {
	case "accepted":
		outcome = event.OutcomeAccepted
	case "rejected":
		outcome = event.OutcomeRejected
	default:
		return nil, fmt.Errorf("event %d: unknown outcome %q", r.Sequence, r.Outcome)
	}

	if !common.IsHexAddress(r.Caller) {
		return nil, fmt.Errorf("event %d: invalid caller %q", r.Sequence, r.Caller)
	}
	if len(r.StateHash) != 32 || len(r.PrevHash) != 32 {
		return nil, fmt.Errorf("event %d: hash must be 32 bytes", r.Sequence)
	}

	env := &event.EventEnvelope{
		Sequence:       r.Sequence,
		IdempotencyKey: r.IdempotencyKey,
		EventType:      et,
		Caller:         common.HexToAddress(r.Caller),
		Timestamp:      r.Timestamp.UTC(),
		SourceSequence: r.SourceSequence,
		Payload:        r.Payload,
		Outcome:        outcome,
		RejectReason:   r.RejectReason,
	}
	copy(env.StateHash[:], r.StateHash)
	copy(env.PrevHash[:], r.PrevHash)
	return env, nil
}

// BatchFromRows rebuilds the journal batch of one sequence from rows in
// entry order. It returns nil for no rows.
func BatchFromRows(rows []JournalRow) (*ledger.Batch, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	batchID, err := uuid.Parse(rows[0].BatchID)
	if err != nil {
		return nil, fmt.Errorf("journal batch id: %w", err)
	}

	batch := &ledger.Batch{
		BatchID:   batchID,
		EventRef:  rows[0].EventRef,
		Sequence:  rows[0].Sequence,
		Timestamp: rows[0].Timestamp,
		Journals:  make([]ledger.Journal, 0, len(rows)),
	}

	for _, r := range rows {
		if r.BatchID != rows[0].BatchID {
			return nil, fmt.Errorf("sequence %d spans batches %s and %s", r.Sequence, rows[0].BatchID, r.BatchID)
		}
		journalID, err := uuid.Parse(r.JournalID)
		if err != nil {
			return nil, fmt.Errorf("journal id: %w", err)
		}
		debit, err := ledger.ParseAccountPath(r.DebitAccount)
		if err != nil {
			return nil, err
		}
		credit, err := ledger.ParseAccountPath(r.CreditAccount)
		if err != nil {
			return nil, err
		}
		amount, err := uint256.FromDecimal(r.Amount)
		if err != nil {
			return nil, fmt.Errorf("journal %s amount %q: %w", r.JournalID, r.Amount, err)
		}

		batch.Journals = append(batch.Journals, ledger.Journal{
			JournalID:     journalID,
			BatchID:       batchID,
			EventRef:      r.EventRef,
			Sequence:      r.Sequence,
			DebitAccount:  debit,
			CreditAccount: credit,
			Asset:         common.HexToAddress(r.Asset),
			Amount:        amount,
			JournalType:   ledger.JournalType(r.JournalType),
			Timestamp:     r.Timestamp,
		})
	}

	return batch, batch.Validate()
}
