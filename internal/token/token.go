package token

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrNotOwner              = errors.New("token: caller is not the owner")
	ErrInsufficientBalance   = errors.New("token: transfer amount exceeds balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrBurnExceedsBalance    = errors.New("token: burn amount exceeds balance")
	ErrZeroAddress           = errors.New("token: zero address")
)

// ERC20 is the slice of a fungible token the engine needs to move collateral.
// A false return without an error means the token declined the transfer.
type ERC20 interface {
	Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) (bool, error)
	TransferFrom(ctx context.Context, spender, from, to common.Address, amount *uint256.Int) (bool, error)
	BalanceOf(ctx context.Context, who common.Address) (*uint256.Int, error)
}

// StableLedger is the synthetic stable unit. Mint is restricted to the
// ledger owner; Burn destroys tokens the holder already owns.
type StableLedger interface {
	ERC20
	Mint(ctx context.Context, caller, to common.Address, amount *uint256.Int) (bool, error)
	Burn(ctx context.Context, holder common.Address, amount *uint256.Int) error
	TotalSupply(ctx context.Context) (*uint256.Int, error)
}

// Registry resolves a collateral asset handle to its token.
type Registry interface {
	Token(asset common.Address) (ERC20, bool)
}

// StaticRegistry is a fixed asset → token mapping.
type StaticRegistry map[common.Address]ERC20

func (r StaticRegistry) Token(asset common.Address) (ERC20, bool) {
	t, ok := r[asset]
	return t, ok
}
