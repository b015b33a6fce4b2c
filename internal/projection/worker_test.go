package projection_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"DSCLedger/internal/core"
	"DSCLedger/internal/event"
	fpmath "DSCLedger/internal/math"
	"DSCLedger/internal/projection"
	"DSCLedger/internal/testutil"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = testutil.Alice
	bob   = testutil.Bob
	weth  = testutil.WETH
	when  = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
)

func openPosition(t *testing.T, f *testutil.EngineFixture, user common.Address, collateral, debt uint64) {
	t.Helper()
	f.Fund(user, f.Weth, collateral)
	_, err := f.Engine.DepositCollateralAndMintDsc(context.Background(), user, weth, fpmath.Wad(collateral), fpmath.Wad(debt))
	require.NoError(t, err)
}

func output(seq int64, et event.EventType, rcpt *core.Receipt) core.CoreOutput {
	env := &event.EventEnvelope{
		Sequence:  seq,
		EventType: et,
		Outcome:   event.OutcomeAccepted,
		Timestamp: when,
	}
	if rcpt == nil {
		env.Outcome = event.OutcomeRejected
		env.RejectReason = "rejected"
		return core.CoreOutput{Envelope: env}
	}
	env.Events = rcpt.Events
	return core.CoreOutput{Envelope: env, Batch: rcpt.Batch}
}

func liquidationOutput(t *testing.T) core.CoreOutput {
	t.Helper()
	f := testutil.NewEngineFixture(t)
	openPosition(t, f, alice, 10, 10_000)
	openPosition(t, f, bob, 20, 10_000)
	f.ApproveDsc(bob, 10_000)
	f.SetPrice(testutil.ETHFeed, 1800)

	rcpt, err := f.Engine.Liquidate(context.Background(), bob, alice, weth, fpmath.Wad(5000))
	require.NoError(t, err)
	return output(9, event.EventTypeLiquidate, rcpt)
}

func findDelta(t *testing.T, po projection.ProjectionOutput, user string, debt bool) projection.PositionDelta {
	t.Helper()
	for _, d := range po.Deltas {
		if d.User == user && d.Debt == debt {
			return d
		}
	}
	t.Fatalf("no delta for %s (debt=%v)", user, debt)
	return projection.PositionDelta{}
}

// ===========================================================================
// FromCoreOutput
// ===========================================================================

func TestFromCoreOutput_DepositAndMint(t *testing.T) {
	f := testutil.NewEngineFixture(t)
	f.Fund(alice, f.Weth, 10)
	rcpt, err := f.Engine.DepositCollateralAndMintDsc(context.Background(), alice, weth, fpmath.Wad(10), fpmath.Wad(5000))
	require.NoError(t, err)

	po := projection.FromCoreOutput(output(3, event.EventTypeDepositCollateralAndMintDsc, rcpt))
	assert.True(t, po.Accepted)
	assert.Equal(t, "DepositCollateralAndMintDsc", po.CommandType)
	require.Len(t, po.Deltas, 2)

	coll := findDelta(t, po, projection.AddressKey(alice), false)
	assert.Equal(t, projection.AddressKey(weth), coll.Asset)
	assert.Equal(t, "10000000000000000000", coll.Delta.String())

	debt := findDelta(t, po, projection.AddressKey(alice), true)
	assert.Empty(t, debt.Asset)
	assert.Equal(t, "5000000000000000000000", debt.Delta.String())
	assert.Empty(t, po.Liquidations)
}

func TestFromCoreOutput_Liquidation(t *testing.T) {
	po := projection.FromCoreOutput(liquidationOutput(t))

	// Only the target's accounts are user-scoped; the liquidator is paid
	// through its external wallet.
	require.Len(t, po.Deltas, 2)
	coll := findDelta(t, po, projection.AddressKey(alice), false)
	assert.Equal(t, "-3055555555555555554", coll.Delta.String())
	debt := findDelta(t, po, projection.AddressKey(alice), true)
	assert.Equal(t, "-5000000000000000000000", debt.Delta.String())

	require.Len(t, po.Liquidations, 1)
	liq := po.Liquidations[0]
	assert.Equal(t, projection.AddressKey(bob), liq.Liquidator)
	assert.Equal(t, projection.AddressKey(alice), liq.User)
	assert.True(t, liq.Bonus.Equal(decimal.RequireFromString("277777777777777777")))
	assert.True(t, liq.HealthAfter.Equal(decimal.RequireFromString("1250000000000000000")))
	assert.False(t, liq.BonusCapped)
}

func TestFromCoreOutput_Rejected(t *testing.T) {
	po := projection.FromCoreOutput(output(4, event.EventTypeMintDsc, nil))
	assert.False(t, po.Accepted)
	assert.Empty(t, po.Deltas)
	assert.Empty(t, po.Liquidations)
}

func TestAddressKey_Lowercase(t *testing.T) {
	a := common.HexToAddress("0xABCDEFabcdef0000000000000000000000000001")
	assert.Equal(t, "0xabcdefabcdef0000000000000000000000000001", projection.AddressKey(a))
}

// ===========================================================================
// Worker
// ===========================================================================

func TestProjectionWorker_AppliesLiquidation(t *testing.T) {
	db, mock := testutil.NewMockDB(t)
	out := liquidationOutput(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO projections.collateral`).
		WithArgs(projection.AddressKey(alice), projection.AddressKey(weth), sqlmock.AnyArg(), int64(9), when).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO projections.debt`).
		WithArgs(projection.AddressKey(alice), sqlmock.AnyArg(), int64(9), when).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO projections.liquidations`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO projections.watermark`).
		WithArgs(int64(9), when).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	in := make(chan core.CoreOutput, 1)
	in <- out
	close(in)

	w := projection.NewProjectionWorker(db, in, nil, zerolog.Nop())
	require.NoError(t, w.Run(context.Background()))
}

func TestProjectionWorker_RejectedOnlyMovesWatermark(t *testing.T) {
	db, mock := testutil.NewMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO projections.watermark`).
		WithArgs(int64(4), when).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	in := make(chan core.CoreOutput, 1)
	in <- output(4, event.EventTypeMintDsc, nil)
	close(in)

	require.NoError(t, projection.NewProjectionWorker(db, in, nil, zerolog.Nop()).Run(context.Background()))
}

func TestProjectionWorker_FailureDoesNotStopWorker(t *testing.T) {
	db, mock := testutil.NewMockDB(t)

	mock.ExpectBegin().WillReturnError(errors.New("db down"))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO projections.watermark`).
		WithArgs(int64(5), when).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	in := make(chan core.CoreOutput, 2)
	in <- output(4, event.EventTypeMintDsc, nil)
	in <- output(5, event.EventTypeMintDsc, nil)
	close(in)

	require.NoError(t, projection.NewProjectionWorker(db, in, nil, zerolog.Nop()).Run(context.Background()))
}

func TestRebuildProjections(t *testing.T) {
	db, mock := testutil.NewMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(`TRUNCATE projections.collateral, projections.debt`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO projections.collateral .* LIKE 'user:%:collateral:%'`).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`INSERT INTO projections.debt .* LIKE 'user:%:debt:%'`).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`INSERT INTO projections.liquidations .* 'PositionLiquidated'`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO projections.watermark`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, projection.RebuildProjections(context.Background(), db, zerolog.Nop()))
}

func TestRebuildProjections_RollsBackOnError(t *testing.T) {
	db, mock := testutil.NewMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(`TRUNCATE`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO projections.collateral`).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := projection.RebuildProjections(context.Background(), db, zerolog.Nop())
	assert.ErrorContains(t, err, "rebuild collateral")
}
