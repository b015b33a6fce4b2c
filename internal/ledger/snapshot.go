package ledger

import (
	"fmt"

	fpmath "DSCLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// VaultSnapshot is the serializable form of the vault. Amounts are decimal
// strings of the raw 18-decimal integers.
type VaultSnapshot struct {
	Assets    []string           `json:"assets"`
	Positions []PositionSnapshot `json:"positions"`
}

type PositionSnapshot struct {
	User       string            `json:"user"`
	Collateral map[string]string `json:"collateral"`
	Debt       string            `json:"debt"`
}

// Snapshot returns a copy of every position.
func (v *CollateralVault) Snapshot() VaultSnapshot {
	snap := VaultSnapshot{
		Assets: make([]string, 0, len(v.assets)),
	}
	for _, a := range v.assets {
		snap.Assets = append(snap.Assets, a.Hex())
	}

	for _, u := range v.Users() {
		p := PositionSnapshot{
			User:       u.Hex(),
			Collateral: make(map[string]string, len(v.assets)),
			Debt:       v.DebtOf(u).Dec(),
		}
		for _, a := range v.assets {
			if bal := v.CollateralOf(u, a); !bal.IsZero() {
				p.Collateral[a.Hex()] = bal.Dec()
			}
		}
		snap.Positions = append(snap.Positions, p)
	}
	return snap
}

// Restore replaces the vault contents with snap. The snapshot must have been
// taken from a vault with the same approved assets in the same order.
func (v *CollateralVault) Restore(snap VaultSnapshot) error {
	if v.tx != nil {
		return ErrTxActive
	}
	if len(snap.Assets) != len(v.assets) {
		return ErrSnapshotAssets
	}
	for i, a := range snap.Assets {
		if common.HexToAddress(a) != v.assets[i] {
			return ErrSnapshotAssets
		}
	}

	collateral := make(map[common.Address]map[common.Address]*uint256.Int, len(snap.Positions))
	debt := make(map[common.Address]*uint256.Int, len(snap.Positions))
	totals := make(map[common.Address]*uint256.Int, len(v.assets))
	for _, a := range v.assets {
		totals[a] = new(uint256.Int)
	}
	totalDebt := new(uint256.Int)

	for _, p := range snap.Positions {
		user := common.HexToAddress(p.User)
		byAsset := make(map[common.Address]*uint256.Int, len(p.Collateral))
		for asset, amt := range p.Collateral {
			a := common.HexToAddress(asset)
			if !v.IsAllowed(a) {
				return fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
			}
			z, err := uint256.FromDecimal(amt)
			if err != nil {
				return fmt.Errorf("restore collateral %s/%s: %w", p.User, asset, err)
			}
			byAsset[a] = z
			if totals[a], err = fpmath.Add(totals[a], z); err != nil {
				return err
			}
		}
		collateral[user] = byAsset

		d, err := uint256.FromDecimal(p.Debt)
		if err != nil {
			return fmt.Errorf("restore debt %s: %w", p.User, err)
		}
		debt[user] = d
		if totalDebt, err = fpmath.Add(totalDebt, d); err != nil {
			return err
		}
	}

	v.collateral = collateral
	v.debt = debt
	v.totalCollateral = totals
	v.totalDebt = totalDebt
	return nil
}

// SeedTracker rebuilds the audit balances of bt from the vault contents.
// Collateral is balanced against the owner's wallet, debt against supply.
func (v *CollateralVault) SeedTracker(bt *BalanceTracker) error {
	bt.Reset()
	batch := NewBatch()
	for _, u := range v.Users() {
		for _, a := range v.assets {
			if bal := v.CollateralOf(u, a); !bal.IsZero() {
				v.journalGen.Deposit(batch, u, a, bal)
			}
		}
		if d := v.DebtOf(u); !d.IsZero() {
			v.journalGen.Mint(batch, u, d)
		}
	}
	if len(batch.Journals) == 0 {
		return nil
	}
	return bt.ApplyBatch(batch)
}
