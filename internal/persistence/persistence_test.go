package persistence_test

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"DSCLedger/internal/core"
	"DSCLedger/internal/event"
	fpmath "DSCLedger/internal/math"
	"DSCLedger/internal/persistence"
	"DSCLedger/internal/testutil"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = testutil.Alice
	weth  = testutil.WETH
)

var eventCols = []string{
	"sequence", "event_type", "idempotency_key", "caller", "payload", "outcome",
	"reject_reason", "state_hash", "prev_hash", "timestamp", "source_sequence",
}

var journalCols = []string{
	"journal_id", "batch_id", "entry_index", "event_ref", "sequence", "debit_account",
	"credit_account", "asset", "amount", "journal_type", "timestamp",
}

// runCommands processes cmds on a fresh core and returns its outputs.
func runCommands(t *testing.T, setup func(*testutil.EngineFixture), cmds ...event.Event) (*core.DeterministicCore, []core.CoreOutput) {
	t.Helper()
	f := testutil.NewEngineFixture(t)
	if setup != nil {
		setup(f)
	}
	out := make(chan core.CoreOutput, len(cmds))
	c, err := core.NewDeterministicCore(0, f.Engine, out, nil, nil, nil)
	require.NoError(t, err)

	for _, cmd := range cmds {
		env, err := c.ProcessEvent(context.Background(), cmd)
		require.NoError(t, err)
		require.NotNil(t, env)
	}
	close(out)

	var outputs []core.CoreOutput
	for o := range out {
		outputs = append(outputs, o)
	}
	return c, outputs
}

func deposit(units uint64, seq int64) *event.DepositCollateral {
	return &event.DepositCollateral{
		CommandID: uuid.New(),
		User:      alice,
		Asset:     weth,
		Amount:    fpmath.Wad(units),
		Sequence:  seq,
		Timestamp: time.UnixMicro(1_000_000 + seq).UTC(),
	}
}

func mint(units uint64, seq int64) *event.MintDsc {
	return &event.MintDsc{
		CommandID: uuid.New(),
		User:      alice,
		Amount:    fpmath.Wad(units),
		Sequence:  seq,
		Timestamp: time.UnixMicro(1_000_000 + seq).UTC(),
	}
}

func fundAlice(f *testutil.EngineFixture) { f.Fund(alice, f.Weth, 10) }

func eventValues(r persistence.EventRow) []driver.Value {
	return []driver.Value{
		r.Sequence, r.EventType, r.IdempotencyKey, r.Caller, r.Payload, r.Outcome,
		r.RejectReason, r.StateHash, r.PrevHash, r.Timestamp, r.SourceSequence,
	}
}

func journalValues(j persistence.JournalRow) []driver.Value {
	return []driver.Value{
		j.JournalID, j.BatchID, int64(j.EntryIndex), j.EventRef, j.Sequence, j.DebitAccount,
		j.CreditAccount, j.Asset, j.Amount, int64(j.JournalType), j.Timestamp,
	}
}

// ===========================================================================
// Row conversion
// ===========================================================================

func TestRowsFromOutput_Accepted(t *testing.T) {
	_, outs := runCommands(t, fundAlice, deposit(5, 0))
	require.Len(t, outs, 1)

	row, journals, err := persistence.RowsFromOutput(outs[0])
	require.NoError(t, err)

	env := outs[0].Envelope
	assert.Equal(t, int64(0), row.Sequence)
	assert.Equal(t, "DepositCollateral", row.EventType)
	assert.Equal(t, alice.Hex(), row.Caller)
	assert.Equal(t, "accepted", row.Outcome)
	assert.Equal(t, env.StateHash[:], row.StateHash)
	assert.Contains(t, string(row.Events), `"name":"CollateralDeposited"`)

	require.Len(t, journals, len(outs[0].Batch.Journals))
	for i, j := range journals {
		assert.Equal(t, int32(i), j.EntryIndex)
		assert.Equal(t, "5000000000000000000", j.Amount)
		assert.Equal(t, weth.Hex(), j.Asset)
	}
}

func TestRowsFromOutput_RejectedHasNoJournals(t *testing.T) {
	_, outs := runCommands(t, fundAlice, deposit(1, 0), mint(10_000, 1))
	require.Len(t, outs, 2)

	row, journals, err := persistence.RowsFromOutput(outs[1])
	require.NoError(t, err)
	assert.Equal(t, "rejected", row.Outcome)
	assert.NotEmpty(t, row.RejectReason)
	assert.Nil(t, row.Events)
	assert.Empty(t, journals)
}

func TestRowsFromOutput_NilEnvelope(t *testing.T) {
	_, _, err := persistence.RowsFromOutput(core.CoreOutput{})
	assert.Error(t, err)
}

func TestBatchFromRows_RoundTrip(t *testing.T) {
	_, outs := runCommands(t, fundAlice, deposit(5, 0))
	_, journals, err := persistence.RowsFromOutput(outs[0])
	require.NoError(t, err)

	batch, err := persistence.BatchFromRows(journals)
	require.NoError(t, err)
	assert.Equal(t, outs[0].Batch, batch)
}

func TestBatchFromRows_Empty(t *testing.T) {
	batch, err := persistence.BatchFromRows(nil)
	require.NoError(t, err)
	assert.Nil(t, batch)
}

func TestBatchFromRows_BadAmount(t *testing.T) {
	_, outs := runCommands(t, fundAlice, deposit(5, 0))
	_, journals, err := persistence.RowsFromOutput(outs[0])
	require.NoError(t, err)

	journals[0].Amount = "0x10"
	_, err = persistence.BatchFromRows(journals)
	assert.Error(t, err)
}

func TestEventRow_EnvelopeRoundTrip(t *testing.T) {
	_, outs := runCommands(t, fundAlice, deposit(5, 0))
	row, _, err := persistence.RowsFromOutput(outs[0])
	require.NoError(t, err)

	env, err := row.Envelope()
	require.NoError(t, err)
	want := outs[0].Envelope
	assert.Equal(t, want.Sequence, env.Sequence)
	assert.Equal(t, want.IdempotencyKey, env.IdempotencyKey)
	assert.Equal(t, want.EventType, env.EventType)
	assert.Equal(t, want.Caller, env.Caller)
	assert.Equal(t, want.Outcome, env.Outcome)
	assert.Equal(t, want.StateHash, env.StateHash)
	assert.Equal(t, want.PrevHash, env.PrevHash)
	assert.Equal(t, want.SourceSequence, env.SourceSequence)
}

func TestEventRow_EnvelopeRejectsCorruptRows(t *testing.T) {
	_, outs := runCommands(t, fundAlice, deposit(5, 0))
	good, _, err := persistence.RowsFromOutput(outs[0])
	require.NoError(t, err)

	for name, mutate := range map[string]func(*persistence.EventRow){
		"type":    func(r *persistence.EventRow) { r.EventType = "Teleport" },
		"outcome": func(r *persistence.EventRow) { r.Outcome = "maybe" },
		"caller":  func(r *persistence.EventRow) { r.Caller = "alice" },
		"hash":    func(r *persistence.EventRow) { r.StateHash = r.StateHash[:16] },
	} {
		t.Run(name, func(t *testing.T) {
			r := good
			mutate(&r)
			_, err := r.Envelope()
			assert.Error(t, err)
		})
	}
}

// ===========================================================================
// Writer and worker
// ===========================================================================

func TestEventLogWriter_MultiRowInsert(t *testing.T) {
	db, mock := testutil.NewMockDB(t)
	w := persistence.NewEventLogWriter(db)

	_, outs := runCommands(t, fundAlice, deposit(5, 0), deposit(1, 1))
	var rows []persistence.EventRow
	for _, o := range outs {
		r, _, err := persistence.RowsFromOutput(o)
		require.NoError(t, err)
		rows = append(rows, r)
	}

	mock.ExpectExec(`INSERT INTO event_log.events .* VALUES \(\$1, .*\$12\), \(\$13, .*\$24\) ON CONFLICT \(sequence\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, w.WriteEventBatch(context.Background(), db, rows))
}

func TestEventLogWriter_EmptyBatchIsNoop(t *testing.T) {
	db, _ := testutil.NewMockDB(t)
	w := persistence.NewEventLogWriter(db)

	require.NoError(t, w.WriteEventBatch(context.Background(), db, nil))
	require.NoError(t, w.WriteJournalBatch(context.Background(), db, nil))
}

func TestPersistenceWorker_FlushesFullBatch(t *testing.T) {
	db, mock := testutil.NewMockDB(t)
	_, outs := runCommands(t, fundAlice, deposit(1, 0), mint(10_000, 1))

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO event_log.events`).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`INSERT INTO event_log.journal`).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	in := make(chan core.CoreOutput, len(outs))
	for _, o := range outs {
		in <- o
	}
	close(in)

	w := persistence.NewPersistenceWorker(db, in, 2, time.Hour, nil, zerolog.Nop())
	require.NoError(t, w.Run(context.Background()))
}

func TestPersistenceWorker_FlushesOnClose(t *testing.T) {
	db, mock := testutil.NewMockDB(t)
	_, outs := runCommands(t, fundAlice, deposit(1, 0))

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO event_log.events`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO event_log.journal`).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	in := make(chan core.CoreOutput, 1)
	in <- outs[0]
	close(in)

	w := persistence.NewPersistenceWorker(db, in, 100, time.Hour, nil, zerolog.Nop())
	require.NoError(t, w.Run(context.Background()))
}

func TestPersistenceWorker_RetriesFailedFlush(t *testing.T) {
	db, mock := testutil.NewMockDB(t)
	_, outs := runCommands(t, fundAlice, deposit(1, 0))

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO event_log.events`).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO event_log.events`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO event_log.journal`).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	in := make(chan core.CoreOutput, 1)
	in <- outs[0]

	w := persistence.NewPersistenceWorker(db, in, 1, time.Hour, nil, zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	require.Eventually(t, func() bool { return mock.ExpectationsWereMet() == nil }, 5*time.Second, 10*time.Millisecond)
	close(in)
	require.NoError(t, <-done)
}

// ===========================================================================
// Idempotency
// ===========================================================================

func TestPostgresIdempotencyChecker(t *testing.T) {
	db, mock := testutil.NewMockDB(t)
	checker := persistence.NewPostgresIdempotencyChecker(db)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT 1\s+FROM event_log.events`).
		WithArgs("MintDsc", "seen").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	dup, err := checker.IsDuplicate(ctx, "MintDsc", "seen")
	require.NoError(t, err)
	assert.True(t, dup)

	mock.ExpectQuery(`SELECT 1\s+FROM event_log.events`).
		WithArgs("MintDsc", "fresh").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	dup, err = checker.IsDuplicate(ctx, "MintDsc", "fresh")
	require.NoError(t, err)
	assert.False(t, dup)

	mock.ExpectQuery(`SELECT 1\s+FROM event_log.events`).
		WithArgs("MintDsc", "down").
		WillReturnError(errors.New("db down"))
	_, err = checker.IsDuplicate(ctx, "MintDsc", "down")
	assert.Error(t, err)
}

// ===========================================================================
// Snapshots and recovery
// ===========================================================================

func TestSnapshot_EncodeDecode(t *testing.T) {
	c, _ := runCommands(t, fundAlice, deposit(5, 0), mint(1000, 1))
	state := c.CreateSnapshotState()

	data, err := persistence.EncodeSnapshot(state, time.Now())
	require.NoError(t, err)

	decoded, err := persistence.DecodeSnapshot(data)
	require.NoError(t, err)
	assert.Equal(t, state, decoded)
}

func TestSnapshot_DecodeRejectsUnknownFormat(t *testing.T) {
	_, err := persistence.DecodeSnapshot([]byte(`{"format_version":9}`))
	assert.Error(t, err)

	_, err = persistence.DecodeSnapshot([]byte(`{"format_version":1,"state_hash":"zz"}`))
	assert.Error(t, err)
}

func TestSnapshotManager_LoadLatest(t *testing.T) {
	db, mock := testutil.NewMockDB(t)
	sm := persistence.NewSnapshotManager(db, nil, zerolog.Nop())

	c, _ := runCommands(t, fundAlice, deposit(5, 0))
	state := c.CreateSnapshotState()
	data, err := persistence.EncodeSnapshot(state, time.Now())
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT data FROM event_log.snapshots`).
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(data))
	got, err := sm.LoadLatestSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, state, got)

	mock.ExpectQuery(`SELECT data FROM event_log.snapshots`).
		WillReturnRows(sqlmock.NewRows([]string{"data"}))
	got, err = sm.LoadLatestSnapshot(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSnapshotManager_GetLatestSequence(t *testing.T) {
	db, mock := testutil.NewMockDB(t)
	sm := persistence.NewSnapshotManager(db, nil, zerolog.Nop())

	mock.ExpectQuery(`SELECT MAX\(sequence\)`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	seq, err := sm.GetLatestSequence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(-1), seq)

	mock.ExpectQuery(`SELECT MAX\(sequence\)`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(41)))
	seq, err = sm.GetLatestSequence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(41), seq)
}

// recordingArchiver captures uploads.
type recordingArchiver struct {
	keys []int64
	err  error
}

func (a *recordingArchiver) Archive(_ context.Context, sequence int64, _ []byte) (string, error) {
	a.keys = append(a.keys, sequence)
	return persistence.SnapshotKey(sequence), a.err
}

func TestSnapshotManager_RunSavesVerifiesAndArchives(t *testing.T) {
	db, mock := testutil.NewMockDB(t)
	sm := persistence.NewSnapshotManager(db, nil, zerolog.Nop())

	c, _ := runCommands(t, fundAlice, deposit(5, 0))
	state := c.CreateSnapshotState()

	mock.ExpectExec(`INSERT INTO event_log.snapshots`).
		WithArgs(sqlmock.AnyArg(), state.Sequence, sqlmock.AnyArg(), state.StateHash[:], 1, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE event_log.snapshots s SET verified = TRUE`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	in := make(chan *core.SnapshotState, 1)
	in <- state
	close(in)

	archiver := &recordingArchiver{}
	require.NoError(t, sm.Run(context.Background(), in, archiver))
	assert.Equal(t, []int64{state.Sequence}, archiver.keys)
}

func TestSnapshotManager_ArchiveFailureIsNotFatal(t *testing.T) {
	db, mock := testutil.NewMockDB(t)
	sm := persistence.NewSnapshotManager(db, nil, zerolog.Nop())

	c, _ := runCommands(t, fundAlice, deposit(5, 0))

	mock.ExpectExec(`INSERT INTO event_log.snapshots`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE event_log.snapshots`).WillReturnResult(sqlmock.NewResult(0, 0))

	in := make(chan *core.SnapshotState, 1)
	in <- c.CreateSnapshotState()
	close(in)

	require.NoError(t, sm.Run(context.Background(), in, &recordingArchiver{err: errors.New("bucket gone")}))
}

func TestLoadEventsFrom_ReplaysIntoFreshCore(t *testing.T) {
	origin, outs := runCommands(t, fundAlice, deposit(5, 0), mint(1000, 1), mint(1_000_000, 2))
	require.Len(t, outs, 3)

	events := sqlmock.NewRows(eventCols)
	journals := sqlmock.NewRows(journalCols)
	for _, o := range outs {
		row, js, err := persistence.RowsFromOutput(o)
		require.NoError(t, err)
		events.AddRow(eventValues(row)...)
		for _, j := range js {
			journals.AddRow(journalValues(j)...)
		}
	}

	db, mock := testutil.NewMockDB(t)
	mock.ExpectQuery(`FROM event_log.events\s+WHERE sequence >= \$1`).
		WithArgs(int64(0), 100).
		WillReturnRows(events)
	mock.ExpectQuery(`FROM event_log.journal\s+WHERE sequence BETWEEN \$1 AND \$2`).
		WithArgs(int64(0), int64(2)).
		WillReturnRows(journals)

	sm := persistence.NewSnapshotManager(db, nil, zerolog.Nop())
	records, err := sm.LoadEventsFrom(context.Background(), 0, 100)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Nil(t, records[2].Batch, "rejected command has no journals")

	f := testutil.NewEngineFixture(t)
	replica, err := core.NewDeterministicCore(0, f.Engine, nil, nil, nil, nil)
	require.NoError(t, err)
	for _, r := range records {
		require.NoError(t, replica.Replay(r.Envelope, r.Batch))
	}

	assert.Equal(t, origin.GetStateHash(), replica.GetStateHash())
	assert.Equal(t, fpmath.Wad(5), f.Engine.GetCollateralBalance(alice, weth))
	assert.Equal(t, fpmath.Wad(1000), f.Engine.GetMintedDebt(alice))
}

func TestLoadEventsFrom_EmptyLog(t *testing.T) {
	db, mock := testutil.NewMockDB(t)
	mock.ExpectQuery(`FROM event_log.events`).WillReturnRows(sqlmock.NewRows(eventCols))

	sm := persistence.NewSnapshotManager(db, nil, zerolog.Nop())
	records, err := sm.LoadEventsFrom(context.Background(), 7, 100)
	require.NoError(t, err)
	assert.Empty(t, records)
}
