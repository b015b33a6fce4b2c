package ledger

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// JournalGenerator writes the double-entry legs for each vault movement.
// Collateral lives in per-asset user accounts balanced against the external
// wallets it came from or went to. Debt lives in the user's debt account
// balanced against the system DSC supply account.
type JournalGenerator struct {
	dscAsset common.Address
}

func NewJournalGenerator(dscAsset common.Address) *JournalGenerator {
	return &JournalGenerator{dscAsset: dscAsset}
}

func (jg *JournalGenerator) DscAsset() common.Address {
	return jg.dscAsset
}

// Deposit moves funds: external:user:wallet → user:collateral
func (jg *JournalGenerator) Deposit(b *Batch, user, asset common.Address, amount *uint256.Int) {
	b.Add(JournalTypeDeposit,
		NewUserAccountKey(user, SubTypeCollateral, asset),
		NewExternalAccountKey(user, asset),
		asset, amount)
}

// Redeem moves funds: user(from):collateral → external:to:wallet
func (jg *JournalGenerator) Redeem(b *Batch, jt JournalType, from, to, asset common.Address, amount *uint256.Int) {
	b.Add(jt,
		NewExternalAccountKey(to, asset),
		NewUserAccountKey(from, SubTypeCollateral, asset),
		asset, amount)
}

// Mint books new debt: system:dsc_supply → user:debt
func (jg *JournalGenerator) Mint(b *Batch, user common.Address, amount *uint256.Int) {
	b.Add(JournalTypeMint,
		NewUserAccountKey(user, SubTypeDebt, jg.dscAsset),
		NewSystemAccountKey(SubTypeSystemDscSupply, jg.dscAsset),
		jg.dscAsset, amount)
}

// Burn retires debt: user:debt → system:dsc_supply
func (jg *JournalGenerator) Burn(b *Batch, jt JournalType, onBehalfOf common.Address, amount *uint256.Int) {
	b.Add(jt,
		NewSystemAccountKey(SubTypeSystemDscSupply, jg.dscAsset),
		NewUserAccountKey(onBehalfOf, SubTypeDebt, jg.dscAsset),
		jg.dscAsset, amount)
}
