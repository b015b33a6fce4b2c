package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeCollateral AccountSubType = iota
	SubTypeDebt

	// System sub-types
	SubTypeSystemDscSupply

	// External sub-types
	SubTypeExternalWallet
)

// AccountKey is the in-memory key for audit balance tracking
type AccountKey struct {
	Scope   AccountScope
	Owner   common.Address // user or wallet address; zero for system accounts
	SubType AccountSubType
	Asset   common.Address
}

// NewUserAccountKey creates a key for a user's collateral or debt account
func NewUserAccountKey(user common.Address, subType AccountSubType, asset common.Address) AccountKey {
	return AccountKey{
		Scope:   AccountScopeUser,
		Owner:   user,
		SubType: subType,
		Asset:   asset,
	}
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(subType AccountSubType, asset common.Address) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
		Asset:   asset,
	}
}

// NewExternalAccountKey creates a key for the boundary account of an
// external wallet that sends or receives tokens.
func NewExternalAccountKey(wallet common.Address, asset common.Address) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		Owner:   wallet,
		SubType: SubTypeExternalWallet,
		Asset:   asset,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s:%s", k.Owner.Hex(), k.subTypeName(), k.Asset.Hex())
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), k.Asset.Hex())
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s:%s", k.Owner.Hex(), k.subTypeName(), k.Asset.Hex())
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeCollateral:
		return "collateral"
	case SubTypeDebt:
		return "debt"
	case SubTypeSystemDscSupply:
		return "dsc_supply"
	case SubTypeExternalWallet:
		return "wallet"
	default:
		return "unknown"
	}
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	bad := fmt.Errorf("invalid account path %q", path)

	var k AccountKey
	switch {
	case len(parts) == 4 && parts[0] == "user":
		k.Scope = AccountScopeUser
	case len(parts) == 4 && parts[0] == "external":
		k.Scope = AccountScopeExternal
	case len(parts) == 3 && parts[0] == "system":
		k.Scope = AccountScopeSystem
	default:
		return AccountKey{}, bad
	}

	if k.Scope != AccountScopeSystem {
		if !common.IsHexAddress(parts[1]) {
			return AccountKey{}, bad
		}
		k.Owner = common.HexToAddress(parts[1])
		parts = append(parts[:1], parts[2:]...)
	}

	switch parts[1] {
	case "collateral":
		k.SubType = SubTypeCollateral
	case "debt":
		k.SubType = SubTypeDebt
	case "dsc_supply":
		k.SubType = SubTypeSystemDscSupply
	case "wallet":
		k.SubType = SubTypeExternalWallet
	default:
		return AccountKey{}, bad
	}

	if !common.IsHexAddress(parts[2]) {
		return AccountKey{}, bad
	}
	k.Asset = common.HexToAddress(parts[2])
	return k, nil
}
