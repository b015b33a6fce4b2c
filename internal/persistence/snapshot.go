package persistence

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"DSCLedger/internal/core"
	"DSCLedger/internal/event"
	"DSCLedger/internal/ledger"
	"DSCLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const snapshotFormatVersion = 1

// SnapshotManager creates and loads core snapshots for recovery. A snapshot
// holds the vault, the per-caller sequence state, the recent idempotency
// keys and the chain tip. It is only trusted once the event log holds the
// same state hash at the snapshot's sequence.
type SnapshotManager struct {
	db      *sql.DB
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// SnapshotData is the stored JSON form of core.SnapshotState.
type SnapshotData struct {
	FormatVersion   int                  `json:"format_version"`
	Sequence        int64                `json:"sequence"`
	StateHash       string               `json:"state_hash"`
	Vault           ledger.VaultSnapshot `json:"vault"`
	SequenceState   map[string]int64     `json:"sequence_state"`
	IdempotencyKeys []string             `json:"idempotency_keys"`
	CreatedAt       time.Time            `json:"created_at"`
}

// ReplayRecord is one logged command ready for core.Replay.
type ReplayRecord struct {
	Envelope *event.EventEnvelope
	Batch    *ledger.Batch
}

func NewSnapshotManager(db *sql.DB, metrics *observability.Metrics, logger zerolog.Logger) *SnapshotManager {
	return &SnapshotManager{db: db, metrics: metrics, logger: logger, now: time.Now}
}

// EncodeSnapshot serializes a core snapshot.
func EncodeSnapshot(state *core.SnapshotState, createdAt time.Time) ([]byte, error) {
	return json.Marshal(SnapshotData{
		FormatVersion:   snapshotFormatVersion,
		Sequence:        state.Sequence,
		StateHash:       hex.EncodeToString(state.StateHash[:]),
		Vault:           state.Vault,
		SequenceState:   state.SequenceState,
		IdempotencyKeys: state.IdempotencyKeys,
		CreatedAt:       createdAt.UTC(),
	})
}

// DecodeSnapshot is the inverse of EncodeSnapshot.
func DecodeSnapshot(data []byte) (*core.SnapshotState, error) {
	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if snap.FormatVersion != snapshotFormatVersion {
		return nil, fmt.Errorf("unsupported snapshot format %d", snap.FormatVersion)
	}

	hash, err := hex.DecodeString(snap.StateHash)
	if err != nil || len(hash) != 32 {
		return nil, fmt.Errorf("snapshot %d: invalid state hash %q", snap.Sequence, snap.StateHash)
	}

	state := &core.SnapshotState{
		Sequence:        snap.Sequence,
		Vault:           snap.Vault,
		SequenceState:   snap.SequenceState,
		IdempotencyKeys: snap.IdempotencyKeys,
	}
	copy(state.StateHash[:], hash)
	return state, nil
}

// SaveSnapshot persists a snapshot and returns its encoded form.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, state *core.SnapshotState) ([]byte, error) {
	data, err := EncodeSnapshot(state, sm.now())
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), state.Sequence, jsonArg(data), state.StateHash[:], snapshotFormatVersion, len(data), sm.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("insert snapshot %d: %w", state.Sequence, err)
	}
	return data, nil
}

// VerifyPending marks every unverified snapshot whose state hash matches the
// logged envelope at the same sequence. A snapshot taken ahead of the
// persistence worker stays pending until its envelope is written.
func (sm *SnapshotManager) VerifyPending(ctx context.Context) (int64, error) {
	res, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots s SET verified = TRUE
		FROM event_log.events e
		WHERE s.verified = FALSE AND e.sequence = s.sequence AND e.state_hash = s.state_hash
	`)
	if err != nil {
		return 0, fmt.Errorf("verify snapshots: %w", err)
	}
	return res.RowsAffected()
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil for a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error) {
	var data []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return DecodeSnapshot(data)
}

// LoadEventsFrom loads up to limit logged commands starting at fromSequence,
// each with its journal batch, in sequence order.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]ReplayRecord, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, caller, payload, outcome,
		       reject_reason, state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Caller, &e.Payload, &e.Outcome,
			&e.RejectReason, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	journals, err := sm.loadJournals(ctx, events[0].Sequence, events[len(events)-1].Sequence)
	if err != nil {
		return nil, err
	}

	out := make([]ReplayRecord, 0, len(events))
	for _, e := range events {
		env, err := e.Envelope()
		if err != nil {
			return nil, err
		}
		batch, err := BatchFromRows(journals[e.Sequence])
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", e.Sequence, err)
		}
		out = append(out, ReplayRecord{Envelope: env, Batch: batch})
	}
	return out, nil
}

func (sm *SnapshotManager) loadJournals(ctx context.Context, from, to int64) (map[int64][]JournalRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT journal_id, batch_id, entry_index, event_ref, sequence, debit_account,
		       credit_account, asset, amount::TEXT, journal_type, timestamp
		FROM event_log.journal
		WHERE sequence BETWEEN $1 AND $2
		ORDER BY sequence ASC, entry_index ASC
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("load journals: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]JournalRow)
	for rows.Next() {
		var j JournalRow
		if err := rows.Scan(
			&j.JournalID, &j.BatchID, &j.EntryIndex, &j.EventRef, &j.Sequence, &j.DebitAccount,
			&j.CreditAccount, &j.Asset, &j.Amount, &j.JournalType, &j.Timestamp,
		); err != nil {
			return nil, err
		}
		out[j.Sequence] = append(out[j.Sequence], j)
	}
	return out, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, or -1
// for an empty log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// Run saves every snapshot offered by the core loop until ctx is done or
// in is closed. Archive failures are logged and do not stop the loop.
func (sm *SnapshotManager) Run(ctx context.Context, in <-chan *core.SnapshotState, archiver Archiver) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case state, ok := <-in:
			if !ok {
				return nil
			}
			sm.take(ctx, state, archiver)
		}
	}
}

func (sm *SnapshotManager) take(ctx context.Context, state *core.SnapshotState, archiver Archiver) {
	start := time.Now()
	data, err := sm.SaveSnapshot(ctx, state)
	if err != nil {
		sm.logger.Error().Err(err).Int64("sequence", state.Sequence).Msg("snapshot save failed")
		return
	}
	if _, err := sm.VerifyPending(ctx); err != nil {
		sm.logger.Warn().Err(err).Msg("snapshot verification failed")
	}

	if sm.metrics != nil {
		sm.metrics.SnapshotTaken.Inc()
		sm.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		sm.metrics.SnapshotSizeBytes.Set(float64(len(data)))
		sm.metrics.SnapshotLastSeq.Set(float64(state.Sequence))
	}
	sm.logger.Info().Int64("sequence", state.Sequence).Int("bytes", len(data)).Msg("snapshot saved")

	if archiver == nil {
		return
	}
	key, err := archiver.Archive(ctx, state.Sequence, data)
	result := "ok"
	if err != nil {
		result = "error"
		sm.logger.Warn().Err(err).Int64("sequence", state.Sequence).Msg("snapshot archive failed")
	} else {
		sm.logger.Debug().Str("key", key).Msg("snapshot archived")
	}
	if sm.metrics != nil {
		sm.metrics.SnapshotArchived.WithLabelValues(result).Inc()
	}
}
