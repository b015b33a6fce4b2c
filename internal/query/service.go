package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"DSCLedger/internal/core"
	"DSCLedger/internal/ledger"
	"DSCLedger/internal/projection"
	"DSCLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// LiveState is the read-only engine surface used for figures that depend on
// current prices.
type LiveState interface {
	GetAccountInformation(ctx context.Context, user common.Address) (core.AccountInformation, error)
	GetUsdValue(ctx context.Context, asset common.Address, amount *uint256.Int) (*uint256.Int, error)
	GetCollateralTokens() []common.Address
	GetRiskParams() state.RiskParams
	SystemSolvency(ctx context.Context) (core.SolvencyReport, error)
}

// QueryService answers reads. History comes from the projection tables and
// the event log and carries as_of_sequence; live valuations come from the
// engine.
type QueryService struct {
	db     *sql.DB
	engine LiveState
}

func NewQueryService(db *sql.DB, engine LiveState) *QueryService {
	return &QueryService{db: db, engine: engine}
}

// GetPositions returns a user's projected collateral and debt.
func (qs *QueryService) GetPositions(ctx context.Context, user common.Address) (*PositionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	key := projection.AddressKey(user)

	rows, err := qs.db.QueryContext(ctx, `
		SELECT asset, amount::TEXT, last_sequence
		FROM projections.collateral
		WHERE user_address = $1 AND amount > 0
		ORDER BY asset
	`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &PositionResponse{User: key, Debt: "0", AsOfSequence: asOfSeq}
	for rows.Next() {
		var c CollateralPosition
		if err := rows.Scan(&c.Asset, &c.Amount, &c.LastSequence); err != nil {
			return nil, err
		}
		resp.Collateral = append(resp.Collateral, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = qs.db.QueryRowContext(ctx, `
		SELECT amount::TEXT FROM projections.debt WHERE user_address = $1
	`, key).Scan(&resp.Debt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return resp, nil
}

// GetAccount values a user's position at current prices.
func (qs *QueryService) GetAccount(ctx context.Context, user common.Address) (*AccountResponse, error) {
	info, err := qs.engine.GetAccountInformation(ctx, user)
	if err != nil {
		return nil, err
	}

	resp := &AccountResponse{
		User:                 projection.AddressKey(user),
		TotalDscMinted:       info.TotalDscMinted.Dec(),
		CollateralValueInUsd: info.CollateralValueInUsd.Dec(),
		HealthFactor:         info.HealthFactor.Dec(),
		NoDebt:               info.TotalDscMinted.IsZero(),
		Liquidatable:         !qs.engine.GetRiskParams().IsSolvent(info.HealthFactor),
	}
	for _, asset := range qs.engine.GetCollateralTokens() {
		amount, ok := info.CollateralByAsset[asset]
		if !ok || amount.IsZero() {
			continue
		}
		usd, err := qs.engine.GetUsdValue(ctx, asset, amount)
		if err != nil {
			return nil, fmt.Errorf("value %s: %w", asset.Hex(), err)
		}
		resp.Collateral = append(resp.Collateral, LiveCollateral{
			Asset:    projection.AddressKey(asset),
			Amount:   amount.Dec(),
			UsdValue: usd.Dec(),
		})
	}
	return resp, nil
}

// GetLiquidationHistory returns liquidations of user, newest first. A
// non-nil beforeSequence continues a previous page.
func (qs *QueryService) GetLiquidationHistory(
	ctx context.Context,
	user common.Address,
	limit int,
	beforeSequence *int64,
) ([]LiquidationResponse, error) {
	query := `
		SELECT sequence, event_index, liquidator, user_address, asset,
		       debt_covered::TEXT, collateral_seized::TEXT, bonus::TEXT, bonus_capped,
		       health_before::TEXT, health_after::TEXT, timestamp
		FROM projections.liquidations
		WHERE user_address = $1
	`
	args := []interface{}{projection.AddressKey(user)}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, event_index DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, pageSize(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []LiquidationResponse
	for rows.Next() {
		var r LiquidationResponse
		var ts time.Time
		if err := rows.Scan(
			&r.Sequence, &r.EventIndex, &r.Liquidator, &r.User, &r.Asset,
			&r.DebtCovered, &r.CollateralSeized, &r.Bonus, &r.BonusCapped,
			&r.HealthBefore, &r.HealthAfter, &ts,
		); err != nil {
			return nil, err
		}
		r.Timestamp = ts.UnixMicro()
		results = append(results, r)
	}

	return results, rows.Err()
}

// GetJournalHistory returns journal entries touching user's accounts, newest
// first.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	user common.Address,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("user:%s:%%", user.Hex())

	query := `
		SELECT journal_id, batch_id, entry_index, event_ref, sequence,
		       debit_account, credit_account, asset, amount::TEXT, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, entry_index"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, pageSize(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		var jt int32
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EntryIndex, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&jt, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.JournalType = ledger.JournalType(jt).String()
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// GetSolvency reports total collateral value against total debt.
func (qs *QueryService) GetSolvency(ctx context.Context) (*SolvencyResponse, error) {
	report, err := qs.engine.SystemSolvency(ctx)
	if err != nil {
		return nil, err
	}
	resp := &SolvencyResponse{
		TotalCollateralUsd: report.TotalCollateralUsd.Dec(),
		TotalDebt:          report.TotalDebt.Dec(),
		ByAsset:            make(map[string]string, len(report.ByAsset)),
		Solvent:            report.Solvent,
	}
	for a, usd := range report.ByAsset {
		resp.ByAsset[projection.AddressKey(a)] = usd.Dec()
	}
	return resp, nil
}

// --- Admin APIs ---

// VerifyIntegrity checks the state hash chain and that no user account has
// a negative journal balance.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT account, SUM(delta)::TEXT
		FROM (
			SELECT debit_account AS account, amount AS delta
			FROM event_log.journal WHERE debit_account LIKE 'user:%'
			UNION ALL
			SELECT credit_account AS account, -amount AS delta
			FROM event_log.journal WHERE credit_account LIKE 'user:%'
		) d
		GROUP BY account
		HAVING SUM(delta) < 0
		ORDER BY account
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var na NegativeAccount
		if err := balanceRows.Scan(&na.Account, &na.Balance); err != nil {
			return nil, err
		}
		report.NegativeAccounts = append(report.NegativeAccounts, na)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.NegativeAccounts) == 0
	return report, nil
}

// --- helpers ---

// getWatermark returns the last projected sequence, or -1 before the first.
func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE id = 1
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

func pageSize(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	}
	return limit
}
