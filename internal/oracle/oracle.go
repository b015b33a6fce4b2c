package oracle

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnknownFeed    = errors.New("oracle: unknown price feed")
	ErrFeedUnreadable = errors.New("oracle: price feed call failed")
)

// RoundData is the raw result of an AggregatorV3 latestRoundData() call.
type RoundData struct {
	RoundID         *big.Int
	Answer          *big.Int
	StartedAt       uint64 // unix seconds
	UpdatedAt       uint64 // unix seconds
	AnsweredInRound *big.Int
}

// Feed reads raw rounds from a price feed contract.
type Feed interface {
	LatestRoundData(ctx context.Context, feed common.Address) (RoundData, error)
	Decimals(ctx context.Context, feed common.Address) (uint8, error)
}

// Price is the oracle's view of a feed: a signed fixed-point answer at
// Decimals precision and whether it may be relied on.
type Price struct {
	Answer    *big.Int
	Decimals  uint8
	IsStale   bool
	UpdatedAt time.Time
}

// PriceOracle is what the solvency engine consumes. It never decides on its
// own that a price is unusable; IsStale and the sign of Answer carry that.
type PriceOracle interface {
	LatestPrice(ctx context.Context, feed common.Address) (Price, error)
}
