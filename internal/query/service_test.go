package query_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	fpmath "DSCLedger/internal/math"
	"DSCLedger/internal/projection"
	"DSCLedger/internal/query"
	"DSCLedger/internal/testutil"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = testutil.Alice
	bob   = testutil.Bob
)

func newService(t *testing.T) (*query.QueryService, sqlmock.Sqlmock, *testutil.EngineFixture) {
	t.Helper()
	db, mock := testutil.NewMockDB(t)
	f := testutil.NewEngineFixture(t)
	return query.NewQueryService(db, f.Engine), mock, f
}

// ===========================================================================
// Projected positions
// ===========================================================================

func TestGetPositions(t *testing.T) {
	qs, mock, _ := newService(t)
	key := projection.AddressKey(alice)

	mock.ExpectQuery(`SELECT last_sequence FROM projections.watermark`).
		WillReturnRows(sqlmock.NewRows([]string{"last_sequence"}).AddRow(int64(7)))
	mock.ExpectQuery(`FROM projections.collateral`).
		WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"asset", "amount", "last_sequence"}).
			AddRow(projection.AddressKey(testutil.WBTC), "1000000000000000000", int64(5)).
			AddRow(projection.AddressKey(testutil.WETH), "10000000000000000000", int64(7)))
	mock.ExpectQuery(`FROM projections.debt`).
		WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"amount"}).AddRow("5000000000000000000000"))

	resp, err := qs.GetPositions(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, key, resp.User)
	assert.Equal(t, int64(7), resp.AsOfSequence)
	require.Len(t, resp.Collateral, 2)
	assert.Equal(t, "10000000000000000000", resp.Collateral[1].Amount)
	assert.Equal(t, "5000000000000000000000", resp.Debt)
}

func TestGetPositions_NothingProjectedYet(t *testing.T) {
	qs, mock, _ := newService(t)

	mock.ExpectQuery(`FROM projections.watermark`).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`FROM projections.collateral`).
		WillReturnRows(sqlmock.NewRows([]string{"asset", "amount", "last_sequence"}))
	mock.ExpectQuery(`FROM projections.debt`).WillReturnError(sql.ErrNoRows)

	resp, err := qs.GetPositions(context.Background(), bob)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), resp.AsOfSequence)
	assert.Empty(t, resp.Collateral)
	assert.Equal(t, "0", resp.Debt)
}

func TestGetPositions_WatermarkError(t *testing.T) {
	qs, mock, _ := newService(t)
	mock.ExpectQuery(`FROM projections.watermark`).WillReturnError(errors.New("conn reset"))

	_, err := qs.GetPositions(context.Background(), alice)
	assert.ErrorContains(t, err, "watermark")
}

// ===========================================================================
// Live account
// ===========================================================================

func TestGetAccount_ValuesAtCurrentPrice(t *testing.T) {
	qs, _, f := newService(t)
	f.Fund(alice, f.Weth, 10)
	_, err := f.Engine.DepositCollateralAndMintDsc(context.Background(), alice, testutil.WETH, fpmath.Wad(10), fpmath.Wad(5000))
	require.NoError(t, err)

	resp, err := qs.GetAccount(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, fpmath.Wad(5000).Dec(), resp.TotalDscMinted)
	assert.Equal(t, fpmath.Wad(20_000).Dec(), resp.CollateralValueInUsd)
	assert.Equal(t, fpmath.Wad(2).Dec(), resp.HealthFactor)
	assert.False(t, resp.NoDebt)
	assert.False(t, resp.Liquidatable)
	require.Len(t, resp.Collateral, 1)
	assert.Equal(t, projection.AddressKey(testutil.WETH), resp.Collateral[0].Asset)
	assert.Equal(t, fpmath.Wad(20_000).Dec(), resp.Collateral[0].UsdValue)

	f.SetPrice(testutil.ETHFeed, 900)
	resp, err = qs.GetAccount(context.Background(), alice)
	require.NoError(t, err)
	assert.True(t, resp.Liquidatable)
}

func TestGetAccount_NoDebt(t *testing.T) {
	qs, _, _ := newService(t)

	resp, err := qs.GetAccount(context.Background(), bob)
	require.NoError(t, err)
	assert.True(t, resp.NoDebt)
	assert.False(t, resp.Liquidatable)
	assert.Equal(t, fpmath.MaxUint256().Dec(), resp.HealthFactor)
	assert.Empty(t, resp.Collateral)
}

func TestGetSolvency(t *testing.T) {
	qs, _, f := newService(t)
	f.Fund(alice, f.Weth, 10)
	_, err := f.Engine.DepositCollateralAndMintDsc(context.Background(), alice, testutil.WETH, fpmath.Wad(10), fpmath.Wad(5000))
	require.NoError(t, err)

	resp, err := qs.GetSolvency(context.Background())
	require.NoError(t, err)
	assert.True(t, resp.Solvent)
	assert.Equal(t, fpmath.Wad(20_000).Dec(), resp.TotalCollateralUsd)
	assert.Equal(t, fpmath.Wad(5000).Dec(), resp.TotalDebt)
	assert.Equal(t, fpmath.Wad(20_000).Dec(), resp.ByAsset[projection.AddressKey(testutil.WETH)])
	assert.Equal(t, "0", resp.ByAsset[projection.AddressKey(testutil.WBTC)])
}

// ===========================================================================
// History
// ===========================================================================

func TestGetLiquidationHistory_Paginates(t *testing.T) {
	qs, mock, _ := newService(t)
	before := int64(40)
	ts := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM projections.liquidations\s+WHERE user_address = \$1\s+AND sequence < \$2 ORDER BY sequence DESC, event_index DESC LIMIT \$3`).
		WithArgs(projection.AddressKey(alice), before, int64(query.MaxPageSize)).
		WillReturnRows(sqlmock.NewRows([]string{
			"sequence", "event_index", "liquidator", "user_address", "asset",
			"debt_covered", "collateral_seized", "bonus", "bonus_capped",
			"health_before", "health_after", "timestamp",
		}).AddRow(int64(12), int64(0), projection.AddressKey(bob), projection.AddressKey(alice),
			projection.AddressKey(testutil.WETH), "5000000000000000000000", "3055555555555555554",
			"277777777777777777", false, "900000000000000000", "1250000000000000000", ts))

	got, err := qs.GetLiquidationHistory(context.Background(), alice, 10_000, &before)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(12), got[0].Sequence)
	assert.Equal(t, "3055555555555555554", got[0].CollateralSeized)
	assert.Equal(t, ts.UnixMicro(), got[0].Timestamp)
}

func TestGetJournalHistory_DefaultPage(t *testing.T) {
	qs, mock, _ := newService(t)

	mock.ExpectQuery(`FROM event_log.journal`).
		WithArgs("user:"+alice.Hex()+":%", int64(query.DefaultPageSize)).
		WillReturnRows(sqlmock.NewRows([]string{
			"journal_id", "batch_id", "entry_index", "event_ref", "sequence",
			"debit_account", "credit_account", "asset", "amount", "journal_type", "timestamp",
		}).AddRow("j1", "b1", int64(1), "cmd-1", int64(3),
			"user:"+alice.Hex()+":debt:"+testutil.DSC.Hex(), "system:dsc_supply:"+testutil.DSC.Hex(),
			testutil.DSC.Hex(), "1000", int64(2), int64(1704067200000000)))

	got, err := qs.GetJournalHistory(context.Background(), alice, 0, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "mint", got[0].JournalType)
	assert.Equal(t, int32(1), got[0].EntryIndex)
}

// ===========================================================================
// Integrity
// ===========================================================================

func TestVerifyIntegrity_Healthy(t *testing.T) {
	qs, mock, _ := newService(t)

	mock.ExpectQuery(`FROM event_log.events e1`).WillReturnRows(sqlmock.NewRows([]string{"sequence"}))
	mock.ExpectQuery(`HAVING SUM\(delta\) < 0`).WillReturnRows(sqlmock.NewRows([]string{"account", "sum"}))

	report, err := qs.VerifyIntegrity(context.Background())
	require.NoError(t, err)
	assert.True(t, report.IsHealthy)
}

func TestVerifyIntegrity_ReportsBreaks(t *testing.T) {
	qs, mock, _ := newService(t)
	account := "user:" + alice.Hex() + ":collateral:" + testutil.WETH.Hex()

	mock.ExpectQuery(`FROM event_log.events e1`).
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(int64(8)))
	mock.ExpectQuery(`HAVING SUM\(delta\) < 0`).
		WillReturnRows(sqlmock.NewRows([]string{"account", "sum"}).AddRow(account, "-1"))

	report, err := qs.VerifyIntegrity(context.Background())
	require.NoError(t, err)
	assert.False(t, report.IsHealthy)
	assert.Equal(t, []int64{8}, report.HashChainBreaks)
	require.Len(t, report.NegativeAccounts, 1)
	assert.Equal(t, account, report.NegativeAccounts[0].Account)
}
