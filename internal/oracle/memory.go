package oracle

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryFeed is an in-process Feed. Every SetPrice starts a new round.
type MemoryFeed struct {
	mu       sync.RWMutex
	rounds   map[common.Address]RoundData
	decimals map[common.Address]uint8
	now      func() time.Time
}

func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{
		rounds:   make(map[common.Address]RoundData),
		decimals: make(map[common.Address]uint8),
		now:      time.Now,
	}
}

// SetClock controls the UpdatedAt stamped by SetPrice.
func (m *MemoryFeed) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// AddFeed registers feed with the given decimals (8 for Chainlink USD pairs).
func (m *MemoryFeed) AddFeed(feed common.Address, decimals uint8) {
	m.mu.Lock()
	m.decimals[feed] = decimals
	m.mu.Unlock()
}

// SetPrice records a fresh round with the given answer.
func (m *MemoryFeed) SetPrice(feed common.Address, answer *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.rounds[feed]
	id := big.NewInt(1)
	if prev.RoundID != nil {
		id = new(big.Int).Add(prev.RoundID, big.NewInt(1))
	}
	ts := uint64(m.now().Unix())
	m.rounds[feed] = RoundData{
		RoundID:         id,
		Answer:          new(big.Int).Set(answer),
		StartedAt:       ts,
		UpdatedAt:       ts,
		AnsweredInRound: new(big.Int).Set(id),
	}
}

// SetRound stores a raw round verbatim.
func (m *MemoryFeed) SetRound(feed common.Address, round RoundData) {
	m.mu.Lock()
	m.rounds[feed] = round
	m.mu.Unlock()
}

func (m *MemoryFeed) LatestRoundData(_ context.Context, feed common.Address) (RoundData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rounds[feed]
	if !ok {
		return RoundData{}, ErrUnknownFeed
	}
	return r, nil
}

func (m *MemoryFeed) Decimals(_ context.Context, feed common.Address) (uint8, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.decimals[feed]
	if !ok {
		return 0, ErrUnknownFeed
	}
	return d, nil
}
