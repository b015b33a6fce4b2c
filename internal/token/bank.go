package token

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Bank holds the in-process token backends used when the ledger runs
// without a chain: one MemoryToken per collateral asset and a MemoryStable
// owned by custody.
type Bank struct {
	custody common.Address
	tokens  map[common.Address]*MemoryToken
	stable  *MemoryStable
}

func NewBank(custody common.Address, assets []common.Address) *Bank {
	b := &Bank{
		custody: custody,
		tokens:  make(map[common.Address]*MemoryToken, len(assets)),
		stable:  NewMemoryStable(custody),
	}
	for _, a := range assets {
		b.tokens[a] = NewMemoryToken(a.Hex())
	}
	return b
}

// Registry returns the collateral tokens keyed by asset.
func (b *Bank) Registry() StaticRegistry {
	r := make(StaticRegistry, len(b.tokens))
	for a, t := range b.tokens {
		r[a] = t
	}
	return r
}

func (b *Bank) Stable() *MemoryStable { return b.stable }

// Fund credits holder with amount of asset and raises custody's allowance
// by the same amount.
func (b *Bank) Fund(holder, asset common.Address, amount *uint256.Int) error {
	t, ok := b.tokens[asset]
	if !ok {
		return fmt.Errorf("bank: unknown asset %s", asset.Hex())
	}
	if holder == (common.Address{}) {
		return ErrZeroAddress
	}
	t.Faucet(holder, amount)
	t.Approve(holder, b.custody, new(uint256.Int).Add(t.Allowance(holder, b.custody), amount))
	return nil
}

// ApproveStable lets custody pull amount of holder's stable units.
func (b *Bank) ApproveStable(holder common.Address, amount *uint256.Int) {
	b.stable.Approve(holder, b.custody, amount)
}

// Reseed restores balances after the vault was rebuilt from the event log:
// custody receives the collateral it holds for users and every debtor is
// reissued stable units equal to its outstanding debt.
func (b *Bank) Reseed(ctx context.Context, custodyHoldings, debts map[common.Address]*uint256.Int) error {
	for asset, amount := range custodyHoldings {
		t, ok := b.tokens[asset]
		if !ok {
			return fmt.Errorf("bank: unknown asset %s", asset.Hex())
		}
		if !amount.IsZero() {
			t.Faucet(b.custody, amount)
		}
	}
	for holder, amount := range debts {
		if amount.IsZero() {
			continue
		}
		if _, err := b.stable.Mint(ctx, b.custody, holder, amount); err != nil {
			return fmt.Errorf("bank: reissue stable to %s: %w", holder.Hex(), err)
		}
	}
	return nil
}
