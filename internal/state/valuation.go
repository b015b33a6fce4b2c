package state

import (
	"context"
	"errors"
	"fmt"

	fpmath "DSCLedger/internal/math"
	"DSCLedger/internal/oracle"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrOracleStale  = errors.New("oracle price is stale or invalid")
	ErrNoPriceFeed  = errors.New("no price feed for asset")
	ErrFeedDecimals = errors.New("price feed precision exceeds 18 decimals")
)

// CollateralSource exposes the deposited balances the valuator sums over.
type CollateralSource interface {
	Assets() []common.Address
	CollateralOf(user, asset common.Address) *uint256.Int
}

// Valuator converts between collateral quantities and USD using oracle
// prices normalized to 18 decimals.
type Valuator struct {
	oracle oracle.PriceOracle
	feeds  map[common.Address]common.Address
}

// NewValuator pairs assets[i] with feeds[i]. The caller guarantees equal
// lengths.
func NewValuator(o oracle.PriceOracle, assets, feeds []common.Address) *Valuator {
	m := make(map[common.Address]common.Address, len(assets))
	for i, a := range assets {
		m[a] = feeds[i]
	}
	return &Valuator{oracle: o, feeds: m}
}

// PriceFeed returns the feed configured for asset.
func (v *Valuator) PriceFeed(asset common.Address) (common.Address, bool) {
	f, ok := v.feeds[asset]
	return f, ok
}

// Price returns the asset's USD price at 18 decimals. A stale round or a
// non-positive answer fails with ErrOracleStale.
func (v *Valuator) Price(ctx context.Context, asset common.Address) (*uint256.Int, error) {
	feed, ok := v.feeds[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPriceFeed, asset.Hex())
	}

	p, err := v.oracle.LatestPrice(ctx, feed)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOracleStale, err)
	}
	if p.IsStale || p.Answer == nil || p.Answer.Sign() <= 0 {
		return nil, fmt.Errorf("%w: feed %s", ErrOracleStale, feed.Hex())
	}

	answer, err := fpmath.FromBig(p.Answer)
	if err != nil {
		return nil, err
	}
	return normalizePrice(answer, p.Decimals)
}

// normalizePrice lifts a feed answer to 18 decimals. For the usual 8-decimal
// feed this multiplies by AdditionalFeedPrecision.
func normalizePrice(answer *uint256.Int, decimals uint8) (*uint256.Int, error) {
	if decimals > fpmath.Decimals {
		return nil, fmt.Errorf("%w: %d", ErrFeedDecimals, decimals)
	}
	if decimals == FeedDecimals {
		return fpmath.Mul(answer, uint256.NewInt(AdditionalFeedPrecision))
	}
	return fpmath.Mul(answer, fpmath.Pow10(fpmath.Decimals-decimals))
}

// UsdValue returns price * amount / 1e18.
func (v *Valuator) UsdValue(ctx context.Context, asset common.Address, amount *uint256.Int) (*uint256.Int, error) {
	price, err := v.Price(ctx, asset)
	if err != nil {
		return nil, err
	}
	return fpmath.MulDiv(price, amount, fpmath.WAD)
}

// AssetAmountFromUsd returns usdAmount * 1e18 / price.
func (v *Valuator) AssetAmountFromUsd(ctx context.Context, asset common.Address, usdAmount *uint256.Int) (*uint256.Int, error) {
	price, err := v.Price(ctx, asset)
	if err != nil {
		return nil, err
	}
	return fpmath.MulDiv(usdAmount, fpmath.WAD, price)
}

// TotalCollateralUsd sums the USD value of user's balances over the approved
// assets in configuration order. Zero balances contribute nothing and do not
// touch the oracle.
func (v *Valuator) TotalCollateralUsd(ctx context.Context, src CollateralSource, user common.Address) (*uint256.Int, error) {
	total := fpmath.Zero()
	for _, asset := range src.Assets() {
		amount := src.CollateralOf(user, asset)
		if amount.IsZero() {
			continue
		}
		usd, err := v.UsdValue(ctx, asset, amount)
		if err != nil {
			return nil, err
		}
		if total, err = fpmath.Add(total, usd); err != nil {
			return nil, err
		}
	}
	return total, nil
}
