package ledger

import "fmt"

// Replay re-applies a persisted batch to the vault. Only vault state
// changes; nothing outside the vault is touched. The batch is applied
// completely or not at all.
func (v *CollateralVault) Replay(batch *Batch) error {
	if batch == nil || len(batch.Journals) == 0 {
		return nil
	}
	tx, err := v.Begin()
	if err != nil {
		return err
	}

	for _, j := range batch.Journals {
		switch j.JournalType {
		case JournalTypeDeposit:
			err = tx.Deposit(j.DebitAccount.Owner, j.Asset, j.Amount)
		case JournalTypeRedeem, JournalTypeLiquidationSeize:
			err = tx.Withdraw(j.JournalType, j.Asset, j.Amount, j.CreditAccount.Owner, j.DebitAccount.Owner)
		case JournalTypeMint:
			err = tx.IncreaseDebt(j.DebitAccount.Owner, j.Amount)
		case JournalTypeBurn, JournalTypeLiquidationRepay:
			err = tx.DecreaseDebt(j.JournalType, j.CreditAccount.Owner, j.Amount)
		default:
			err = fmt.Errorf("unknown journal type %d", j.JournalType)
		}
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("replay journal %s (%s): %w", j.JournalID, j.JournalType, err)
		}
	}

	_, err = tx.Commit()
	return err
}
