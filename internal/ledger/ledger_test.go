package ledger_test

import (
	"errors"
	"testing"

	"DSCLedger/internal/ledger"
	fpmath "DSCLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	weth  = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	wbtc  = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	dsc   = common.HexToAddress("0x00000000000000000000000000000000000000d5")
	alice = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func newVault(t *testing.T) *ledger.CollateralVault {
	t.Helper()
	v, err := ledger.NewCollateralVault([]common.Address{weth, wbtc}, dsc)
	if err != nil {
		t.Fatalf("NewCollateralVault: %v", err)
	}
	return v
}

func mustCommit(t *testing.T, tx *ledger.Tx) *ledger.Batch {
	t.Helper()
	b, err := tx.Commit()
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return b
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	key := ledger.NewUserAccountKey(alice, ledger.SubTypeCollateral, weth)

	path := key.AccountPath()
	expected := "user:" + alice.Hex() + ":collateral:" + weth.Hex()
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_SystemPath(t *testing.T) {
	key := ledger.NewSystemAccountKey(ledger.SubTypeSystemDscSupply, dsc)

	if path := key.AccountPath(); path != "system:dsc_supply:"+dsc.Hex() {
		t.Errorf("got %q", path)
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.NewExternalAccountKey(bob, weth)

	if path := key.AccountPath(); path != "external:"+bob.Hex()+":wallet:"+weth.Hex() {
		t.Errorf("got %q", path)
	}
}

func TestAccountKey_ParseRoundTrip(t *testing.T) {
	keys := []ledger.AccountKey{
		ledger.NewUserAccountKey(alice, ledger.SubTypeCollateral, weth),
		ledger.NewUserAccountKey(alice, ledger.SubTypeDebt, dsc),
		ledger.NewSystemAccountKey(ledger.SubTypeSystemDscSupply, dsc),
		ledger.NewExternalAccountKey(bob, wbtc),
	}
	for _, k := range keys {
		got, err := ledger.ParseAccountPath(k.AccountPath())
		if err != nil {
			t.Fatalf("parse %s: %v", k.AccountPath(), err)
		}
		if got != k {
			t.Errorf("parse %s: got %+v", k.AccountPath(), got)
		}
	}
}

func TestAccountKey_ParseRejectsGarbage(t *testing.T) {
	for _, path := range []string{
		"",
		"user:0x1:collateral",
		"system:bogus:" + dsc.Hex(),
		"user:nothex:collateral:" + weth.Hex(),
		"vault:" + alice.Hex() + ":collateral:" + weth.Hex(),
	} {
		if _, err := ledger.ParseAccountPath(path); err == nil {
			t.Errorf("expected error for %q", path)
		}
	}
}

// ============================================================================
// Test: Batch validation
// ============================================================================

func TestBatch_ValidateEmpty(t *testing.T) {
	b := ledger.NewBatch()
	if err := b.Validate(); err == nil {
		t.Fatal("empty batch should be invalid")
	}
}

func TestBatch_ValidateZeroAmount(t *testing.T) {
	b := ledger.NewBatch()
	b.Add(ledger.JournalTypeDeposit,
		ledger.NewUserAccountKey(alice, ledger.SubTypeCollateral, weth),
		ledger.NewExternalAccountKey(alice, weth),
		weth, uint256.NewInt(0))

	if err := b.Validate(); err == nil {
		t.Fatal("zero amount journal should be invalid")
	}
}

func TestBatch_ValidateSelfTransfer(t *testing.T) {
	key := ledger.NewUserAccountKey(alice, ledger.SubTypeCollateral, weth)
	b := ledger.NewBatch()
	b.Add(ledger.JournalTypeDeposit, key, key, weth, uint256.NewInt(1))

	if err := b.Validate(); err == nil {
		t.Fatal("self transfer should be invalid")
	}
}

func TestBatch_StampPropagates(t *testing.T) {
	b := ledger.NewBatch()
	b.Add(ledger.JournalTypeDeposit,
		ledger.NewUserAccountKey(alice, ledger.SubTypeCollateral, weth),
		ledger.NewExternalAccountKey(alice, weth),
		weth, uint256.NewInt(5))
	b.Stamp(42, "cmd-1", 1_000)

	j := b.Journals[0]
	if j.Sequence != 42 || j.EventRef != "cmd-1" || j.Timestamp != 1_000 {
		t.Errorf("journal not stamped: %+v", j)
	}
	if j.JournalID == uuid.Nil {
		t.Error("journal id should be set")
	}
}

// ============================================================================
// Test: CollateralVault
// ============================================================================

func TestVault_DuplicateAsset(t *testing.T) {
	_, err := ledger.NewCollateralVault([]common.Address{weth, weth}, dsc)
	if !errors.Is(err, ledger.ErrDuplicateAsset) {
		t.Fatalf("expected ErrDuplicateAsset, got %v", err)
	}
}

func TestVault_AssetsPreserveOrder(t *testing.T) {
	v := newVault(t)
	assets := v.Assets()
	if len(assets) != 2 || assets[0] != weth || assets[1] != wbtc {
		t.Fatalf("unexpected assets: %v", assets)
	}
	assets[0] = bob
	if v.Assets()[0] != weth {
		t.Fatal("Assets must return a copy")
	}
}

func TestVault_DepositThenWithdraw(t *testing.T) {
	v := newVault(t)

	tx, _ := v.Begin()
	if err := tx.Deposit(alice, weth, fpmath.Wad(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	batch := mustCommit(t, tx)
	if len(batch.Journals) != 1 {
		t.Fatalf("expected 1 journal, got %d", len(batch.Journals))
	}

	tx, _ = v.Begin()
	if err := tx.Withdraw(ledger.JournalTypeRedeem, weth, fpmath.Wad(4), alice, alice); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	mustCommit(t, tx)

	if got := v.CollateralOf(alice, weth); !got.Eq(fpmath.Wad(6)) {
		t.Errorf("balance: got %s, want 6e18", got.Dec())
	}
	if got := v.TotalCollateral(weth); !got.Eq(fpmath.Wad(6)) {
		t.Errorf("total: got %s, want 6e18", got.Dec())
	}
}

func TestVault_WithdrawUnderflow(t *testing.T) {
	v := newVault(t)

	tx, _ := v.Begin()
	_ = tx.Deposit(alice, weth, fpmath.Wad(1))
	mustCommit(t, tx)

	tx, _ = v.Begin()
	err := tx.Withdraw(ledger.JournalTypeRedeem, weth, fpmath.Wad(2), alice, alice)
	if !errors.Is(err, ledger.ErrInsufficientBal) || !errors.Is(err, fpmath.ErrUnderflow) {
		t.Fatalf("expected insufficient balance underflow, got %v", err)
	}
	tx.Rollback()

	if got := v.CollateralOf(alice, weth); !got.Eq(fpmath.Wad(1)) {
		t.Errorf("balance changed after failed withdraw: %s", got.Dec())
	}
}

func TestVault_UnknownAsset(t *testing.T) {
	v := newVault(t)
	tx, _ := v.Begin()
	defer tx.Rollback()

	if err := tx.Deposit(alice, bob, fpmath.Wad(1)); !errors.Is(err, ledger.ErrUnknownAsset) {
		t.Fatalf("expected ErrUnknownAsset, got %v", err)
	}
}

func TestVault_RollbackRestoresEverything(t *testing.T) {
	v := newVault(t)

	tx, _ := v.Begin()
	_ = tx.Deposit(alice, weth, fpmath.Wad(10))
	_ = tx.IncreaseDebt(alice, fpmath.Wad(100))
	mustCommit(t, tx)

	before := v.Snapshot()

	tx, _ = v.Begin()
	_ = tx.Deposit(bob, wbtc, fpmath.Wad(3))
	_ = tx.Withdraw(ledger.JournalTypeRedeem, weth, fpmath.Wad(5), alice, bob)
	_ = tx.IncreaseDebt(bob, fpmath.Wad(7))
	_ = tx.DecreaseDebt(ledger.JournalTypeBurn, alice, fpmath.Wad(40))
	tx.Rollback()

	after := v.Snapshot()
	if len(after.Positions) != len(before.Positions) {
		t.Fatalf("positions: got %d, want %d", len(after.Positions), len(before.Positions))
	}
	if after.Positions[0].Debt != before.Positions[0].Debt {
		t.Errorf("debt: got %s, want %s", after.Positions[0].Debt, before.Positions[0].Debt)
	}
	if !v.TotalDebt().Eq(fpmath.Wad(100)) {
		t.Errorf("total debt: got %s", v.TotalDebt().Dec())
	}
	if !v.TotalCollateral(wbtc).IsZero() {
		t.Errorf("wbtc total should be zero, got %s", v.TotalCollateral(wbtc).Dec())
	}
}

func TestVault_SingleActiveTx(t *testing.T) {
	v := newVault(t)
	tx, err := v.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := v.Begin(); !errors.Is(err, ledger.ErrTxActive) {
		t.Fatalf("expected ErrTxActive, got %v", err)
	}
	tx.Rollback()
	if err := tx.Deposit(alice, weth, fpmath.Wad(1)); !errors.Is(err, ledger.ErrNoActiveTx) {
		t.Fatalf("expected ErrNoActiveTx after rollback, got %v", err)
	}
}

func TestVault_DecreaseDebtBeyondBalance(t *testing.T) {
	v := newVault(t)
	tx, _ := v.Begin()
	defer tx.Rollback()

	if err := tx.DecreaseDebt(ledger.JournalTypeBurn, alice, uint256.NewInt(1)); !errors.Is(err, ledger.ErrInsufficientDbt) {
		t.Fatalf("expected ErrInsufficientDbt, got %v", err)
	}
}

func TestVault_SnapshotRestore(t *testing.T) {
	v := newVault(t)
	tx, _ := v.Begin()
	_ = tx.Deposit(alice, weth, fpmath.Wad(10))
	_ = tx.Deposit(bob, wbtc, fpmath.Wad(1))
	_ = tx.IncreaseDebt(alice, fpmath.Wad(2000))
	mustCommit(t, tx)

	snap := v.Snapshot()

	restored := newVault(t)
	if err := restored.Restore(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !restored.CollateralOf(bob, wbtc).Eq(fpmath.Wad(1)) {
		t.Error("bob wbtc not restored")
	}
	if !restored.DebtOf(alice).Eq(fpmath.Wad(2000)) {
		t.Error("alice debt not restored")
	}
	if !restored.TotalCollateral(weth).Eq(fpmath.Wad(10)) {
		t.Error("weth total not rebuilt")
	}

	other, _ := ledger.NewCollateralVault([]common.Address{wbtc, weth}, dsc)
	if err := other.Restore(snap); !errors.Is(err, ledger.ErrSnapshotAssets) {
		t.Fatalf("expected ErrSnapshotAssets, got %v", err)
	}
}

// ============================================================================
// Test: audit tracker and invariants
// ============================================================================

func TestTracker_ReconcilesWithVault(t *testing.T) {
	v := newVault(t)
	bt := ledger.NewBalanceTracker()
	val := ledger.NewInvariantValidator(bt, v)

	tx, _ := v.Begin()
	_ = tx.Deposit(alice, weth, fpmath.Wad(10))
	_ = tx.IncreaseDebt(alice, fpmath.Wad(500))
	_ = tx.Withdraw(ledger.JournalTypeLiquidationSeize, weth, fpmath.Wad(1), alice, bob)
	_ = tx.DecreaseDebt(ledger.JournalTypeLiquidationRepay, alice, fpmath.Wad(100))
	batch := mustCommit(t, tx)

	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := val.ValidateGlobalBalance(); err != nil {
		t.Errorf("global balance: %v", err)
	}
	if err := val.ValidateUserReconciled(alice, dsc); err != nil {
		t.Errorf("reconcile: %v", err)
	}
	if err := val.ValidateTotals(); err != nil {
		t.Errorf("totals: %v", err)
	}

	wallet := bt.GetBalance(ledger.NewExternalAccountKey(bob, weth))
	if wallet.Cmp(fpmath.Wad(1).ToBig()) != 0 {
		t.Errorf("bob wallet: got %s", wallet)
	}
}

func TestTracker_SeedFromVault(t *testing.T) {
	v := newVault(t)
	tx, _ := v.Begin()
	_ = tx.Deposit(alice, wbtc, fpmath.Wad(2))
	_ = tx.IncreaseDebt(alice, fpmath.Wad(30))
	mustCommit(t, tx)

	bt := ledger.NewBalanceTracker()
	if err := v.SeedTracker(bt); err != nil {
		t.Fatalf("seed: %v", err)
	}
	val := ledger.NewInvariantValidator(bt, v)
	if err := val.ValidateUserReconciled(alice, dsc); err != nil {
		t.Errorf("reconcile after seed: %v", err)
	}
}

func TestTracker_DetectsDrift(t *testing.T) {
	v := newVault(t)
	bt := ledger.NewBalanceTracker()
	val := ledger.NewInvariantValidator(bt, v)

	tx, _ := v.Begin()
	_ = tx.Deposit(alice, weth, fpmath.Wad(10))
	mustCommit(t, tx)

	// batch never applied to the tracker
	if err := val.ValidateUserReconciled(alice, dsc); err == nil {
		t.Fatal("expected reconciliation failure")
	}
}
