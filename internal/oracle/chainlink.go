package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// AggregatorV3ABI covers the read methods of a Chainlink AggregatorV3Interface.
const AggregatorV3ABI = `[
	{
		"inputs": [],
		"name": "latestRoundData",
		"outputs": [
			{"name": "roundId", "type": "uint80"},
			{"name": "answer", "type": "int256"},
			{"name": "startedAt", "type": "uint256"},
			{"name": "updatedAt", "type": "uint256"},
			{"name": "answeredInRound", "type": "uint80"}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "decimals",
		"outputs": [{"name": "", "type": "uint8"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

// ChainlinkFeed reads AggregatorV3 contracts over an Ethereum JSON-RPC
// connection at the latest block.
type ChainlinkFeed struct {
	caller ethereum.ContractCaller
	abi    abi.ABI
}

func NewChainlinkFeed(caller ethereum.ContractCaller) (*ChainlinkFeed, error) {
	parsed, err := abi.JSON(strings.NewReader(AggregatorV3ABI))
	if err != nil {
		return nil, fmt.Errorf("parsing aggregator abi: %w", err)
	}
	return &ChainlinkFeed{caller: caller, abi: parsed}, nil
}

// DialChainlinkFeed connects to rpcURL and returns a feed reader plus the
// client so the caller can close it.
func DialChainlinkFeed(ctx context.Context, rpcURL string) (*ChainlinkFeed, *ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dialing %s: %w", rpcURL, err)
	}
	feed, err := NewChainlinkFeed(client)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return feed, client, nil
}

func (c *ChainlinkFeed) call(ctx context.Context, feed common.Address, method string) ([]interface{}, error) {
	data, err := c.abi.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("packing %s: %w", method, err)
	}

	out, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &feed, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s on %s: %v", ErrFeedUnreadable, method, feed.Hex(), err)
	}

	values, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("%w: unpacking %s from %s: %v", ErrFeedUnreadable, method, feed.Hex(), err)
	}
	return values, nil
}

// LatestRoundData implements Feed.
func (c *ChainlinkFeed) LatestRoundData(ctx context.Context, feed common.Address) (RoundData, error) {
	values, err := c.call(ctx, feed, "latestRoundData")
	if err != nil {
		return RoundData{}, err
	}
	if len(values) != 5 {
		return RoundData{}, fmt.Errorf("%w: latestRoundData returned %d values", ErrFeedUnreadable, len(values))
	}

	// (uint80 roundId, int256 answer, uint256 startedAt, uint256 updatedAt, uint80 answeredInRound)
	startedAt := values[2].(*big.Int)
	updatedAt := values[3].(*big.Int)
	if !startedAt.IsUint64() || !updatedAt.IsUint64() {
		return RoundData{}, fmt.Errorf("%w: timestamp out of range", ErrFeedUnreadable)
	}

	return RoundData{
		RoundID:         values[0].(*big.Int),
		Answer:          values[1].(*big.Int),
		StartedAt:       startedAt.Uint64(),
		UpdatedAt:       updatedAt.Uint64(),
		AnsweredInRound: values[4].(*big.Int),
	}, nil
}

// Decimals implements Feed.
func (c *ChainlinkFeed) Decimals(ctx context.Context, feed common.Address) (uint8, error) {
	values, err := c.call(ctx, feed, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("%w: decimals has type %T", ErrFeedUnreadable, values[0])
	}
	return d, nil
}
