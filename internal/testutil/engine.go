package testutil

import (
	"math/big"
	"sync"
	"testing"
	"time"

	"DSCLedger/internal/core"
	fpmath "DSCLedger/internal/math"
	"DSCLedger/internal/oracle"
	"DSCLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Well-known addresses used across tests.
var (
	WETH    = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	WBTC    = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	ETHFeed = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	BTCFeed = common.HexToAddress("0x00000000000000000000000000000000000000f2")
	DSC     = common.HexToAddress("0x00000000000000000000000000000000000000d5")
	Custody = common.HexToAddress("0x000000000000000000000000000000000000c057")
	Alice   = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	Bob     = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	Carol   = common.HexToAddress("0x000000000000000000000000000000000000ca01")
)

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// EngineFixture is a solvency engine wired to in-memory tokens and feeds:
// WETH priced by ETHFeed and WBTC priced by BTCFeed, both 8-decimal feeds.
type EngineFixture struct {
	Engine *core.SolvencyEngine
	Feed   *oracle.MemoryFeed
	Oracle *oracle.StaleGuard
	Clock  *Clock
	Weth   *token.MemoryToken
	Wbtc   *token.MemoryToken
	Dsc    *token.MemoryStable
}

// NewEngineFixture builds a fixture with ETH at $2000 and BTC at $30000.
func NewEngineFixture(t testing.TB) *EngineFixture {
	t.Helper()

	clock := NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	feed := oracle.NewMemoryFeed()
	feed.SetClock(clock.Now)
	feed.AddFeed(ETHFeed, 8)
	feed.AddFeed(BTCFeed, 8)

	guard := oracle.NewStaleGuard(feed, oracle.DefaultTimeout, oracle.WithClock(clock.Now))

	f := &EngineFixture{
		Feed:   feed,
		Oracle: guard,
		Clock:  clock,
		Weth:   token.NewMemoryToken("WETH"),
		Wbtc:   token.NewMemoryToken("WBTC"),
		Dsc:    token.NewMemoryStable(Custody),
	}
	f.SetPrice(ETHFeed, 2000)
	f.SetPrice(BTCFeed, 30000)

	engine, err := core.NewSolvencyEngine(core.Config{
		CollateralAssets: []common.Address{WETH, WBTC},
		PriceFeeds:       []common.Address{ETHFeed, BTCFeed},
		Custody:          Custody,
		DscAddress:       DSC,
		Dsc:              f.Dsc,
		Tokens:           token.StaticRegistry{WETH: f.Weth, WBTC: f.Wbtc},
		Oracle:           guard,
		Logger:           zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	f.Engine = engine
	return f
}

// SetPrice publishes a new whole-dollar round on feed.
func (f *EngineFixture) SetPrice(feed common.Address, dollars int64) {
	f.Feed.SetPrice(feed, new(big.Int).Mul(big.NewInt(dollars), big.NewInt(1e8)))
}

// Fund gives user units whole tokens of tok and approves custody to pull
// them.
func (f *EngineFixture) Fund(user common.Address, tok *token.MemoryToken, units uint64) {
	amount := fpmath.Wad(units)
	tok.Faucet(user, amount)
	tok.Approve(user, Custody, new(uint256.Int).Add(tok.Allowance(user, Custody), amount))
}

// ApproveDsc lets custody pull units of user's stable balance.
func (f *EngineFixture) ApproveDsc(user common.Address, units uint64) {
	f.Dsc.Approve(user, Custody, fpmath.Wad(units))
}
