package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes envelopes and journals to Postgres using multi-row
// INSERT. Writes are idempotent on sequence and journal_id so a retried
// batch never duplicates rows.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Caller         string
	Payload        []byte // JSON-encoded command
	Outcome        string
	RejectReason   string
	Events         []byte // JSON-encoded engine events, null for rejections
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// JournalRow represents a row in event_log.journal. Amount is the decimal
// string of the raw 18-decimal integer and maps to NUMERIC(78,0).
type JournalRow struct {
	JournalID     string
	BatchID       string
	EntryIndex    int32 // position within the batch
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        string
	JournalType   int32
	Timestamp     int64
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

const eventColumns = 12

// WriteEventBatch writes a batch of envelopes to event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex Execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, caller, payload, outcome, reject_reason,
		 events, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `

	args := make([]any, 0, len(events)*eventColumns)
	for _, e := range events {
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.Caller, jsonArg(e.Payload),
			e.Outcome, e.RejectReason, jsonArg(e.Events), e.StateHash, e.PrevHash,
			e.Timestamp, e.SourceSequence,
		)
	}

	query += placeholders(len(events), eventColumns)
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

const journalColumns = 11

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex Execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, entry_index, event_ref, sequence, debit_account, credit_account,
		 asset, amount, journal_type, timestamp)
		VALUES `

	args := make([]any, 0, len(journals)*journalColumns)
	for _, j := range journals {
		args = append(args,
			j.JournalID, j.BatchID, j.EntryIndex, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Asset, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query += placeholders(len(journals), journalColumns)
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// jsonArg passes JSON to a JSONB column as text; lib/pq would send []byte
// as bytea. Nil maps to NULL.
func jsonArg(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// placeholders renders rows groups of ($n, ...) with cols parameters each.
func placeholders(rows, cols int) string {
	groups := make([]string, 0, rows)
	params := make([]string, cols)
	for i := 0; i < rows; i++ {
		for c := 0; c < cols; c++ {
			params[c] = fmt.Sprintf("$%d", i*cols+c+1)
		}
		groups = append(groups, "("+strings.Join(params, ", ")+")")
	}
	return strings.Join(groups, ", ")
}
