package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
	vault   *CollateralVault
}

func NewInvariantValidator(tracker *BalanceTracker, vault *CollateralVault) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
		vault:   vault,
	}
}

// ValidateBatchBalance verifies batch is well-formed and balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies the audit ledger is zero-sum per asset
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for asset, total := range totals {
		if total.Sign() != 0 {
			return fmt.Errorf("global balance for %s is non-zero: %s", asset.Hex(), total)
		}
	}

	return nil
}

// ValidateUserReconciled checks that the journal-derived collateral and debt
// accounts of user equal the vault's figures.
func (v *InvariantValidator) ValidateUserReconciled(user common.Address, dscAsset common.Address) error {
	for _, a := range v.vault.Assets() {
		key := NewUserAccountKey(user, SubTypeCollateral, a)
		if err := v.tracker.ValidateNonNegative(key); err != nil {
			return err
		}
		if v.tracker.GetBalance(key).Cmp(v.vault.CollateralOf(user, a).ToBig()) != 0 {
			return fmt.Errorf("account %s: journal balance %s, vault balance %s",
				key.AccountPath(), v.tracker.GetBalance(key), v.vault.CollateralOf(user, a).Dec())
		}
	}

	key := NewUserAccountKey(user, SubTypeDebt, dscAsset)
	if v.tracker.GetBalance(key).Cmp(v.vault.DebtOf(user).ToBig()) != 0 {
		return fmt.Errorf("account %s: journal balance %s, vault debt %s",
			key.AccountPath(), v.tracker.GetBalance(key), v.vault.DebtOf(user).Dec())
	}
	return nil
}

// ValidateTotals checks that vault totals equal the sum over users.
func (v *InvariantValidator) ValidateTotals() error {
	users := v.vault.Users()
	for _, a := range v.vault.Assets() {
		sum := new(uint256.Int)
		for _, u := range users {
			sum.Add(sum, v.vault.CollateralOf(u, a))
		}
		if !sum.Eq(v.vault.TotalCollateral(a)) {
			return fmt.Errorf("collateral total for %s: sum %s, recorded %s",
				a.Hex(), sum.Dec(), v.vault.TotalCollateral(a).Dec())
		}
	}

	sum := new(uint256.Int)
	for _, u := range users {
		sum.Add(sum, v.vault.DebtOf(u))
	}
	if !sum.Eq(v.vault.TotalDebt()) {
		return fmt.Errorf("debt total: sum %s, recorded %s", sum.Dec(), v.vault.TotalDebt().Dec())
	}
	return nil
}
