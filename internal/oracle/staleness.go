package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// DefaultTimeout is how old a round may be before it is considered stale.
const DefaultTimeout = 3 * time.Hour

// StaleGuard wraps a Feed and flags rounds that are incomplete, carried over
// from an earlier round, or older than Timeout.
type StaleGuard struct {
	feed    Feed
	timeout time.Duration
	now     func() time.Time
	logger  zerolog.Logger

	mu       sync.RWMutex
	decimals map[common.Address]uint8
}

type StaleGuardOption func(*StaleGuard)

// WithClock overrides the wall clock, mostly for tests.
func WithClock(now func() time.Time) StaleGuardOption {
	return func(g *StaleGuard) { g.now = now }
}

func WithLogger(logger zerolog.Logger) StaleGuardOption {
	return func(g *StaleGuard) { g.logger = logger }
}

func NewStaleGuard(feed Feed, timeout time.Duration, opts ...StaleGuardOption) *StaleGuard {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	g := &StaleGuard{
		feed:     feed,
		timeout:  timeout,
		now:      time.Now,
		logger:   zerolog.Nop(),
		decimals: make(map[common.Address]uint8),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// LatestPrice implements PriceOracle.
func (g *StaleGuard) LatestPrice(ctx context.Context, feed common.Address) (Price, error) {
	round, err := g.feed.LatestRoundData(ctx, feed)
	if err != nil {
		return Price{}, fmt.Errorf("latest round %s: %w", feed.Hex(), err)
	}

	decimals, err := g.feedDecimals(ctx, feed)
	if err != nil {
		return Price{}, err
	}

	p := Price{
		Answer:   round.Answer,
		Decimals: decimals,
	}

	if round.UpdatedAt == 0 {
		p.IsStale = true
		g.logger.Warn().Str("feed", feed.Hex()).Msg("round not complete")
		return p, nil
	}
	p.UpdatedAt = time.Unix(int64(round.UpdatedAt), 0)

	if round.AnsweredInRound != nil && round.RoundID != nil && round.AnsweredInRound.Cmp(round.RoundID) < 0 {
		p.IsStale = true
		g.logger.Warn().Str("feed", feed.Hex()).
			Str("round", round.RoundID.String()).
			Str("answered_in", round.AnsweredInRound.String()).
			Msg("answer carried over from earlier round")
		return p, nil
	}

	if age := g.now().Sub(p.UpdatedAt); age > g.timeout {
		p.IsStale = true
		g.logger.Warn().Str("feed", feed.Hex()).Dur("age", age).Msg("price is stale")
	}
	return p, nil
}

func (g *StaleGuard) feedDecimals(ctx context.Context, feed common.Address) (uint8, error) {
	g.mu.RLock()
	d, ok := g.decimals[feed]
	g.mu.RUnlock()
	if ok {
		return d, nil
	}

	d, err := g.feed.Decimals(ctx, feed)
	if err != nil {
		return 0, fmt.Errorf("decimals %s: %w", feed.Hex(), err)
	}

	g.mu.Lock()
	g.decimals[feed] = d
	g.mu.Unlock()
	return d, nil
}
