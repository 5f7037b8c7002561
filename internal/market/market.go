// Package market is the narrow view of the prediction market service the
// directors need: which markets are open, and how resolved ones came out.
package market

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/quantscafe/quantscafe/internal/core"
)

// ErrMarketNotFound is returned for an unknown market id
var ErrMarketNotFound = errors.New("market not found")

// Market is one prediction market
type Market struct {
	ID             string    `json:"id"`
	Question       string    `json:"question"`
	Outcomes       []string  `json:"outcomes"`
	OddsBps        []int64   `json:"odds_bps,omitempty"` // payout multiplier per outcome, same order as Outcomes
	ClosesAt       time.Time `json:"closes_at"`
	Resolved       bool      `json:"resolved"`
	WinningOutcome string    `json:"winning_outcome,omitempty"`
}

// Odds returns the payout multiplier for outcome, 2x when the market does not say
func (m *Market) Odds(outcome string) int64 {
	for i, o := range m.Outcomes {
		if o == outcome && i < len(m.OddsBps) && m.OddsBps[i] > 0 {
			return m.OddsBps[i]
		}
	}
	return 20000
}

// HasOutcome reports whether outcome is one of the market's outcomes
func (m *Market) HasOutcome(outcome string) bool {
	for _, o := range m.Outcomes {
		if o == outcome {
			return true
		}
	}
	return false
}

// Service lists and resolves markets
type Service interface {
	OpenMarkets(ctx context.Context) ([]Market, error)
	Market(ctx context.Context, id string) (*Market, error)
}

// Memory is an in-process market service
type Memory struct {
	mu      sync.RWMutex
	markets map[string]*Market
}

// NewMemory creates an empty in-memory market service
func NewMemory(markets ...Market) *Memory {
	m := &Memory{markets: make(map[string]*Market)}
	for _, mk := range markets {
		m.Add(mk)
	}
	return m
}

// Add registers or replaces a market
func (m *Memory) Add(mk Market) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := mk
	cp.Outcomes = append([]string(nil), mk.Outcomes...)
	cp.OddsBps = append([]int64(nil), mk.OddsBps...)
	m.markets[mk.ID] = &cp
}

// Resolve records the winning outcome
func (m *Memory) Resolve(id, outcome string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mk, ok := m.markets[id]
	if !ok {
		return ErrMarketNotFound
	}
	if !mk.HasOutcome(outcome) {
		return core.ErrInvalidInput
	}
	mk.Resolved = true
	mk.WinningOutcome = outcome
	return nil
}

// OpenMarkets implements Service
func (m *Memory) OpenMarkets(ctx context.Context) ([]Market, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Market, 0, len(m.markets))
	for _, mk := range m.markets {
		if !mk.Resolved {
			out = append(out, *mk)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Market implements Service
func (m *Memory) Market(ctx context.Context, id string) (*Market, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mk, ok := m.markets[id]
	if !ok {
		return nil, ErrMarketNotFound
	}
	cp := *mk
	return &cp, nil
}
