package token

import (
	"context"
	"sync"

	fpmath "DSCLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// TransferHook observes a successful movement of tokens. It runs after the
// token's own lock is released, so it may call back into the system.
type TransferHook func(ctx context.Context, from, to common.Address, amount *uint256.Int)

// MemoryToken is an in-process ERC20 used for collateral in development
// mode and tests.
type MemoryToken struct {
	symbol string

	mu         sync.Mutex
	balances   map[common.Address]*uint256.Int
	allowances map[common.Address]map[common.Address]*uint256.Int
	supply     *uint256.Int
	decline    bool
	hook       TransferHook
}

func NewMemoryToken(symbol string) *MemoryToken {
	return &MemoryToken{
		symbol:     symbol,
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[common.Address]map[common.Address]*uint256.Int),
		supply:     new(uint256.Int),
	}
}

func (t *MemoryToken) Symbol() string { return t.symbol }

// Faucet credits amount to who out of thin air.
func (t *MemoryToken) Faucet(who common.Address, amount *uint256.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.credit(who, amount)
}

func (t *MemoryToken) Approve(owner, spender common.Address, amount *uint256.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	byOwner, ok := t.allowances[owner]
	if !ok {
		byOwner = make(map[common.Address]*uint256.Int)
		t.allowances[owner] = byOwner
	}
	byOwner[spender] = fpmath.Clone(amount)
}

func (t *MemoryToken) Allowance(owner, spender common.Address) *uint256.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fpmath.Clone(t.allowances[owner][spender])
}

// SetDecline makes every following transfer return false.
func (t *MemoryToken) SetDecline(decline bool) {
	t.mu.Lock()
	t.decline = decline
	t.mu.Unlock()
}

func (t *MemoryToken) SetHook(hook TransferHook) {
	t.mu.Lock()
	t.hook = hook
	t.mu.Unlock()
}

func (t *MemoryToken) credit(who common.Address, amount *uint256.Int) {
	bal := fpmath.Clone(t.balances[who])
	t.balances[who] = bal.Add(bal, amount)
	t.supply = new(uint256.Int).Add(t.supply, amount)
}

func (t *MemoryToken) move(from, to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	bal := fpmath.Clone(t.balances[from])
	if bal.Lt(amount) {
		return ErrInsufficientBalance
	}
	t.balances[from] = bal.Sub(bal, amount)
	dst := fpmath.Clone(t.balances[to])
	t.balances[to] = dst.Add(dst, amount)
	return nil
}

func (t *MemoryToken) Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) (bool, error) {
	t.mu.Lock()
	if t.decline {
		t.mu.Unlock()
		return false, nil
	}
	if err := t.move(from, to, amount); err != nil {
		t.mu.Unlock()
		return false, err
	}
	hook := t.hook
	t.mu.Unlock()

	if hook != nil {
		hook(ctx, from, to, amount)
	}
	return true, nil
}

func (t *MemoryToken) TransferFrom(ctx context.Context, spender, from, to common.Address, amount *uint256.Int) (bool, error) {
	t.mu.Lock()
	if t.decline {
		t.mu.Unlock()
		return false, nil
	}
	allowed := fpmath.Clone(t.allowances[from][spender])
	if spender != from && allowed.Lt(amount) {
		t.mu.Unlock()
		return false, ErrInsufficientAllowance
	}
	if err := t.move(from, to, amount); err != nil {
		t.mu.Unlock()
		return false, err
	}
	if byOwner, ok := t.allowances[from]; ok && spender != from {
		byOwner[spender] = allowed.Sub(allowed, amount)
	}
	hook := t.hook
	t.mu.Unlock()

	if hook != nil {
		hook(ctx, from, to, amount)
	}
	return true, nil
}

func (t *MemoryToken) BalanceOf(_ context.Context, who common.Address) (*uint256.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fpmath.Clone(t.balances[who]), nil
}

func (t *MemoryToken) TotalSupply(_ context.Context) (*uint256.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fpmath.Clone(t.supply), nil
}

// MemoryStable is the in-process stable unit ledger: a MemoryToken with an
// owner-gated Mint and self-service Burn.
type MemoryStable struct {
	*MemoryToken
	owner common.Address

	failMint bool
}

func NewMemoryStable(owner common.Address) *MemoryStable {
	return &MemoryStable{
		MemoryToken: NewMemoryToken("DSC"),
		owner:       owner,
	}
}

func (s *MemoryStable) Owner() common.Address { return s.owner }

// SetFailMint makes Mint report failure without an error.
func (s *MemoryStable) SetFailMint(fail bool) {
	s.mu.Lock()
	s.failMint = fail
	s.mu.Unlock()
}

func (s *MemoryStable) Mint(_ context.Context, caller, to common.Address, amount *uint256.Int) (bool, error) {
	if caller != s.owner {
		return false, ErrNotOwner
	}
	if to == (common.Address{}) {
		return false, ErrZeroAddress
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failMint {
		return false, nil
	}
	s.credit(to, amount)
	return true, nil
}

func (s *MemoryStable) Burn(_ context.Context, holder common.Address, amount *uint256.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal := fpmath.Clone(s.balances[holder])
	if bal.Lt(amount) {
		return ErrBurnExceedsBalance
	}
	s.balances[holder] = bal.Sub(bal, amount)
	s.supply = new(uint256.Int).Sub(s.supply, amount)
	return nil
}
