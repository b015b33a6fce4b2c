package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	fpmath "DSCLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrNoActiveTx      = errors.New("vault: no active transaction")
	ErrTxActive        = errors.New("vault: transaction already active")
	ErrUnknownAsset    = errors.New("vault: asset not approved")
	ErrDuplicateAsset  = errors.New("vault: duplicate collateral asset")
	ErrSnapshotAssets  = errors.New("vault: snapshot asset set differs from configuration")
	ErrInsufficientBal = errors.New("vault: insufficient collateral balance")
	ErrInsufficientDbt = errors.New("vault: debt smaller than amount")
)

// CollateralVault is the authoritative record of locked collateral per user
// per asset and of each user's minted debt. The approved asset list is fixed
// at construction. All mutations go through a Tx so a failed engine call can
// be rolled back completely.
type CollateralVault struct {
	assets  []common.Address
	allowed map[common.Address]struct{}

	collateral map[common.Address]map[common.Address]*uint256.Int
	debt       map[common.Address]*uint256.Int

	totalCollateral map[common.Address]*uint256.Int
	totalDebt       *uint256.Int

	journalGen *JournalGenerator
	tx         *Tx
}

func NewCollateralVault(assets []common.Address, dscAsset common.Address) (*CollateralVault, error) {
	allowed := make(map[common.Address]struct{}, len(assets))
	totals := make(map[common.Address]*uint256.Int, len(assets))
	for _, a := range assets {
		if _, dup := allowed[a]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAsset, a.Hex())
		}
		allowed[a] = struct{}{}
		totals[a] = new(uint256.Int)
	}

	list := make([]common.Address, len(assets))
	copy(list, assets)

	return &CollateralVault{
		assets:          list,
		allowed:         allowed,
		collateral:      make(map[common.Address]map[common.Address]*uint256.Int),
		debt:            make(map[common.Address]*uint256.Int),
		totalCollateral: totals,
		totalDebt:       new(uint256.Int),
		journalGen:      NewJournalGenerator(dscAsset),
	}, nil
}

// === Queries ===

// Assets returns the approved collateral assets in construction order.
func (v *CollateralVault) Assets() []common.Address {
	out := make([]common.Address, len(v.assets))
	copy(out, v.assets)
	return out
}

func (v *CollateralVault) IsAllowed(asset common.Address) bool {
	_, ok := v.allowed[asset]
	return ok
}

// CollateralOf returns a copy of the user's deposited amount of asset.
func (v *CollateralVault) CollateralOf(user, asset common.Address) *uint256.Int {
	if byAsset, ok := v.collateral[user]; ok {
		return fpmath.Clone(byAsset[asset])
	}
	return fpmath.Zero()
}

// DebtOf returns a copy of the user's minted debt.
func (v *CollateralVault) DebtOf(user common.Address) *uint256.Int {
	return fpmath.Clone(v.debt[user])
}

func (v *CollateralVault) TotalCollateral(asset common.Address) *uint256.Int {
	return fpmath.Clone(v.totalCollateral[asset])
}

func (v *CollateralVault) TotalDebt() *uint256.Int {
	return fpmath.Clone(v.totalDebt)
}

// Users returns every user with a position, sorted by address.
func (v *CollateralVault) Users() []common.Address {
	seen := make(map[common.Address]struct{}, len(v.collateral)+len(v.debt))
	for u := range v.collateral {
		seen[u] = struct{}{}
	}
	for u := range v.debt {
		seen[u] = struct{}{}
	}
	users := make([]common.Address, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool {
		return bytes.Compare(users[i].Bytes(), users[j].Bytes()) < 0
	})
	return users
}

// Digest returns a deterministic byte encoding of the state of the given
// users, used for the state hash chain.
func (v *CollateralVault) Digest(users []common.Address) []byte {
	sorted := make([]common.Address, len(users))
	copy(sorted, users)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].Bytes(), sorted[j].Bytes()) < 0
	})

	buf := make([]byte, 0, len(sorted)*(20+32*(len(v.assets)+1)))
	for i, u := range sorted {
		if i > 0 && sorted[i-1] == u {
			continue
		}
		buf = append(buf, u.Bytes()...)
		for _, a := range v.assets {
			b := v.CollateralOf(u, a).Bytes32()
			buf = append(buf, b[:]...)
		}
		d := v.DebtOf(u).Bytes32()
		buf = append(buf, d[:]...)
	}
	return buf
}

// === Transactions ===

// Begin opens the undo log for one engine call. Only one transaction may be
// open at a time.
func (v *CollateralVault) Begin() (*Tx, error) {
	if v.tx != nil {
		return nil, ErrTxActive
	}
	v.tx = &Tx{vault: v, batch: NewBatch()}
	return v.tx, nil
}

func (v *CollateralVault) setCollateral(user, asset common.Address, amount *uint256.Int) {
	byAsset, ok := v.collateral[user]
	if !ok {
		byAsset = make(map[common.Address]*uint256.Int, len(v.assets))
		v.collateral[user] = byAsset
	}
	byAsset[asset] = amount
}

// Tx records every vault mutation of one call so that Rollback can restore
// the exact prior state.
type Tx struct {
	vault   *CollateralVault
	undo    []func()
	batch   *Batch
	touched []common.Address
	closed  bool
}

func (tx *Tx) active() error {
	if tx.closed || tx.vault.tx != tx {
		return ErrNoActiveTx
	}
	return nil
}

func (tx *Tx) touch(user common.Address) {
	for _, u := range tx.touched {
		if u == user {
			return
		}
	}
	tx.touched = append(tx.touched, user)
}

// Deposit increases the user's balance of an approved asset.
func (tx *Tx) Deposit(user, asset common.Address, amount *uint256.Int) error {
	if err := tx.active(); err != nil {
		return err
	}
	v := tx.vault
	if !v.IsAllowed(asset) {
		return ErrUnknownAsset
	}

	prev := v.CollateralOf(user, asset)
	next, err := fpmath.Add(prev, amount)
	if err != nil {
		return err
	}
	total, err := fpmath.Add(v.totalCollateral[asset], amount)
	if err != nil {
		return err
	}

	_, hadUser := v.collateral[user]
	prevTotal := v.totalCollateral[asset]
	tx.undo = append(tx.undo, func() {
		v.totalCollateral[asset] = prevTotal
		if !hadUser {
			delete(v.collateral, user)
			return
		}
		v.collateral[user][asset] = prev
	})

	v.setCollateral(user, asset, next)
	v.totalCollateral[asset] = total
	v.journalGen.Deposit(tx.batch, user, asset, amount)
	tx.touch(user)
	return nil
}

// Withdraw decreases from's balance of asset. The underflow check is
// explicit and happens before any state changes.
func (tx *Tx) Withdraw(jt JournalType, asset common.Address, amount *uint256.Int, from, to common.Address) error {
	if err := tx.active(); err != nil {
		return err
	}
	v := tx.vault
	if !v.IsAllowed(asset) {
		return ErrUnknownAsset
	}

	prev := v.CollateralOf(from, asset)
	next, err := fpmath.Sub(prev, amount)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInsufficientBal, err)
	}
	total, err := fpmath.Sub(v.totalCollateral[asset], amount)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInsufficientBal, err)
	}

	prevTotal := v.totalCollateral[asset]
	tx.undo = append(tx.undo, func() {
		v.totalCollateral[asset] = prevTotal
		v.collateral[from][asset] = prev
	})

	v.setCollateral(from, asset, next)
	v.totalCollateral[asset] = total
	v.journalGen.Redeem(tx.batch, jt, from, to, asset, amount)
	tx.touch(from)
	return nil
}

// IncreaseDebt books newly minted debt for user.
func (tx *Tx) IncreaseDebt(user common.Address, amount *uint256.Int) error {
	if err := tx.active(); err != nil {
		return err
	}
	v := tx.vault

	prev, had := v.debt[user]
	next, err := fpmath.Add(fpmath.Clone(prev), amount)
	if err != nil {
		return err
	}
	total, err := fpmath.Add(v.totalDebt, amount)
	if err != nil {
		return err
	}

	prevTotal := v.totalDebt
	tx.undo = append(tx.undo, func() {
		v.totalDebt = prevTotal
		if !had {
			delete(v.debt, user)
			return
		}
		v.debt[user] = prev
	})

	v.debt[user] = next
	v.totalDebt = total
	v.journalGen.Mint(tx.batch, user, amount)
	tx.touch(user)
	return nil
}

// DecreaseDebt retires amount of onBehalfOf's debt.
func (tx *Tx) DecreaseDebt(jt JournalType, onBehalfOf common.Address, amount *uint256.Int) error {
	if err := tx.active(); err != nil {
		return err
	}
	v := tx.vault

	prev := v.DebtOf(onBehalfOf)
	next, err := fpmath.Sub(prev, amount)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInsufficientDbt, err)
	}
	total, err := fpmath.Sub(v.totalDebt, amount)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInsufficientDbt, err)
	}

	prevTotal := v.totalDebt
	tx.undo = append(tx.undo, func() {
		v.totalDebt = prevTotal
		v.debt[onBehalfOf] = prev
	})

	v.debt[onBehalfOf] = next
	v.totalDebt = total
	v.journalGen.Burn(tx.batch, jt, onBehalfOf, amount)
	tx.touch(onBehalfOf)
	return nil
}

// Touched returns the users whose positions this transaction changed.
func (tx *Tx) Touched() []common.Address {
	out := make([]common.Address, len(tx.touched))
	copy(out, tx.touched)
	return out
}

// Commit closes the transaction and returns the journal batch it produced.
// The batch is nil when nothing was mutated.
func (tx *Tx) Commit() (*Batch, error) {
	if err := tx.active(); err != nil {
		return nil, err
	}
	tx.closed = true
	tx.vault.tx = nil
	tx.undo = nil
	if len(tx.batch.Journals) == 0 {
		return nil, nil
	}
	return tx.batch, nil
}

// Rollback restores the state recorded before the first mutation. Calling it
// after Commit or a previous Rollback is a no-op.
func (tx *Tx) Rollback() {
	if tx.active() != nil {
		return
	}
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.closed = true
	tx.vault.tx = nil
	tx.undo = nil
}
