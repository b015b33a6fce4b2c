package projection

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"DSCLedger/internal/core"
	"DSCLedger/internal/event"
	"DSCLedger/internal/ledger"
	"DSCLedger/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ProjectionOutput is the read-model view of one core output.
type ProjectionOutput struct {
	Sequence     int64
	CommandType  string
	Accepted     bool
	Timestamp    time.Time
	Deltas       []PositionDelta
	Liquidations []LiquidationRecord
}

// PositionDelta is the net change of one user account within a command.
// Debt deltas leave Asset empty.
type PositionDelta struct {
	User  string
	Asset string
	Debt  bool
	Delta decimal.Decimal
}

// LiquidationRecord is one PositionLiquidated event. EventIndex is its
// position among the command's engine events.
type LiquidationRecord struct {
	EventIndex       int
	Liquidator       string
	User             string
	Asset            string
	DebtCovered      decimal.Decimal
	CollateralSeized decimal.Decimal
	Bonus            decimal.Decimal
	BonusCapped      bool
	HealthBefore     decimal.Decimal
	HealthAfter      decimal.Decimal
}

// AddressKey is the form addresses take in projection tables.
func AddressKey(a common.Address) string {
	return strings.ToLower(a.Hex())
}

// FromCoreOutput nets the journals of an accepted command per user account
// and picks out its liquidations.
func FromCoreOutput(out core.CoreOutput) ProjectionOutput {
	env := out.Envelope
	po := ProjectionOutput{
		Sequence:    env.Sequence,
		CommandType: env.EventType.String(),
		Accepted:    env.Outcome == event.OutcomeAccepted,
		Timestamp:   env.Timestamp.UTC(),
	}
	if !po.Accepted {
		return po
	}

	if out.Batch != nil {
		index := make(map[ledger.AccountKey]int)
		add := func(k ledger.AccountKey, d decimal.Decimal) {
			if k.Scope != ledger.AccountScopeUser {
				return
			}
			i, ok := index[k]
			if !ok {
				i = len(po.Deltas)
				index[k] = i
				delta := PositionDelta{User: AddressKey(k.Owner), Debt: k.SubType == ledger.SubTypeDebt}
				if !delta.Debt {
					delta.Asset = AddressKey(k.Asset)
				}
				po.Deltas = append(po.Deltas, delta)
			}
			po.Deltas[i].Delta = po.Deltas[i].Delta.Add(d)
		}

		for _, j := range out.Batch.Journals {
			amount := decimal.NewFromBigInt(j.Amount.ToBig(), 0)
			add(j.DebitAccount, amount)
			add(j.CreditAccount, amount.Neg())
		}
	}

	for i, ev := range env.Events {
		liq, ok := ev.(*event.PositionLiquidated)
		if !ok {
			continue
		}
		po.Liquidations = append(po.Liquidations, LiquidationRecord{
			EventIndex:       i,
			Liquidator:       AddressKey(liq.Liquidator),
			User:             AddressKey(liq.User),
			Asset:            AddressKey(liq.Asset),
			DebtCovered:      decimal.NewFromBigInt(liq.DebtCovered.ToBig(), 0),
			CollateralSeized: decimal.NewFromBigInt(liq.CollateralSeized.ToBig(), 0),
			Bonus:            decimal.NewFromBigInt(liq.Bonus.ToBig(), 0),
			BonusCapped:      liq.BonusCapped,
			HealthBefore:     decimal.NewFromBigInt(liq.HealthBefore.ToBig(), 0),
			HealthAfter:      decimal.NewFromBigInt(liq.HealthAfter.ToBig(), 0),
		})
	}
	return po
}

// ProjectionWorker updates projection tables from processed commands.
// The projection channel is non-blocking with drop; if projections fall
// behind they can be rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	lastSeq   int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		lastSeq:   -1,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if out.Envelope == nil {
				continue
			}

			output := FromCoreOutput(out)
			if pw.lastSeq >= 0 && output.Sequence != pw.lastSeq+1 {
				pw.logger.Warn().Int64("expected", pw.lastSeq+1).Int64("got", output.Sequence).
					Msg("projection gap; rebuild projections to catch up")
			}

			if err := pw.processOutput(ctx, output); err != nil {
				// Eventually consistent; a rebuild from the event log repairs it.
				pw.logger.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
				if pw.metrics != nil {
					pw.metrics.ProjectionErrors.Inc()
				}
			} else if pw.metrics != nil {
				pw.metrics.ProjectionLastSequence.Set(float64(output.Sequence))
			}

			pw.lastSeq = output.Sequence
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, d := range output.Deltas {
		if err := applyDelta(ctx, tx, output, d); err != nil {
			return fmt.Errorf("position projection: %w", err)
		}
	}

	for _, l := range output.Liquidations {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.liquidations
				(sequence, event_index, liquidator, user_address, asset, debt_covered,
				 collateral_seized, bonus, bonus_capped, health_before, health_after, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (sequence, event_index) DO NOTHING
		`, output.Sequence, l.EventIndex, l.Liquidator, l.User, l.Asset, l.DebtCovered,
			l.CollateralSeized, l.Bonus, l.BonusCapped, l.HealthBefore, l.HealthAfter, output.Timestamp); err != nil {
			return fmt.Errorf("liquidation projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (id, last_sequence, updated_at)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE
			SET last_sequence = GREATEST(projections.watermark.last_sequence, EXCLUDED.last_sequence),
			    updated_at = EXCLUDED.updated_at
	`, output.Sequence, output.Timestamp); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// applyDelta adds d to the projected row. A row already at or past this
// sequence is left alone so redelivered outputs are harmless.
func applyDelta(ctx context.Context, tx *sql.Tx, output ProjectionOutput, d PositionDelta) error {
	if d.Debt {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.debt (user_address, amount, last_sequence, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_address) DO UPDATE
				SET amount = projections.debt.amount + EXCLUDED.amount,
				    last_sequence = EXCLUDED.last_sequence,
				    updated_at = EXCLUDED.updated_at
				WHERE projections.debt.last_sequence < EXCLUDED.last_sequence
		`, d.User, d.Delta, output.Sequence, output.Timestamp)
		return err
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.collateral (user_address, asset, amount, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_address, asset) DO UPDATE
			SET amount = projections.collateral.amount + EXCLUDED.amount,
			    last_sequence = EXCLUDED.last_sequence,
			    updated_at = EXCLUDED.updated_at
			WHERE projections.collateral.last_sequence < EXCLUDED.last_sequence
	`, d.User, d.Asset, d.Delta, output.Sequence, output.Timestamp)
	return err
}

// RebuildProjections rebuilds all projection tables from the event log in
// one transaction.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	statements := []struct {
		name string
		sql  string
	}{
		{"truncate", `TRUNCATE projections.collateral, projections.debt, projections.liquidations, projections.watermark`},
		{"collateral", rebuildAccountsSQL("collateral",
			`lower(split_part(account, ':', 2)), lower(split_part(account, ':', 4))`,
			`projections.collateral (user_address, asset, amount, last_sequence)`)},
		{"debt", rebuildAccountsSQL("debt",
			`lower(split_part(account, ':', 2))`,
			`projections.debt (user_address, amount, last_sequence)`)},
		{"liquidations", `
			INSERT INTO projections.liquidations
				(sequence, event_index, liquidator, user_address, asset, debt_covered,
				 collateral_seized, bonus, bonus_capped, health_before, health_after, timestamp)
			SELECT e.sequence, (x.ord - 1)::INT,
			       x.ev->'payload'->>'liquidator',
			       x.ev->'payload'->>'user',
			       x.ev->'payload'->>'asset',
			       (x.ev->'payload'->>'debt_covered')::NUMERIC,
			       (x.ev->'payload'->>'collateral_seized')::NUMERIC,
			       (x.ev->'payload'->>'bonus')::NUMERIC,
			       (x.ev->'payload'->>'bonus_capped')::BOOLEAN,
			       (x.ev->'payload'->>'health_before')::NUMERIC,
			       (x.ev->'payload'->>'health_after')::NUMERIC,
			       e.timestamp
			FROM event_log.events e,
			     jsonb_array_elements(e.events) WITH ORDINALITY AS x(ev, ord)
			WHERE e.outcome = 'accepted' AND x.ev->>'name' = 'PositionLiquidated'`},
		{"watermark", `
			INSERT INTO projections.watermark (id, last_sequence, updated_at)
			SELECT 1, MAX(sequence), NOW() FROM event_log.events
			HAVING MAX(sequence) IS NOT NULL`},
	}

	for _, st := range statements {
		if _, err := tx.ExecContext(ctx, st.sql); err != nil {
			return fmt.Errorf("rebuild %s: %w", st.name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Info().Msg("projection rebuild complete")
	return nil
}

// rebuildAccountsSQL nets all journals of user accounts of one sub-type.
func rebuildAccountsSQL(subType, keyColumns, target string) string {
	pattern := "user:%:" + subType + ":%"
	return fmt.Sprintf(`
		INSERT INTO %s
		SELECT %s, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account, amount AS delta, sequence
			FROM event_log.journal WHERE debit_account LIKE '%s'
			UNION ALL
			SELECT credit_account AS account, -amount AS delta, sequence
			FROM event_log.journal WHERE credit_account LIKE '%s'
		) d
		GROUP BY account`, target, keyColumns, pattern, pattern)
}
