// Package store owns the in-memory market state.
//
// Nothing here survives a restart — a warm reboot repopulates from the
// venue and the next forecast cycle. The store is the single writer of
// MarketState; every read hands out copies so no caller can mutate shared
// state behind the mutex's back.
package store

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"weatheredge/pkg/types"
)

// priceHistoryDepth is the per-market price ring size.
const priceHistoryDepth = 128

// entry pairs a market with its price ring.
type entry struct {
	state   types.MarketState
	history [priceHistoryDepth]types.PricePoint
	next    int
	n       int
}

// DataStore is the canonical market map.
type DataStore struct {
	logger *slog.Logger

	mu      sync.RWMutex
	markets map[string]*entry
}

// New creates an empty store.
func New(logger *slog.Logger) *DataStore {
	return &DataStore{
		logger:  logger.With("component", "store"),
		markets: make(map[string]*entry),
	}
}

// Upsert installs or replaces a market definition, preserving any existing
// price history and last-forecast pointer.
func (s *DataStore) Upsert(m types.MarketState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.markets[m.MarketID]; ok {
		if m.LastForecast == nil {
			m.LastForecast = e.state.LastForecast
		}
		e.state = m
		return
	}
	s.markets[m.MarketID] = &entry{state: m}
}

// Remove drops a market.
func (s *DataStore) Remove(marketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.markets, marketID)
}

// ApplyPrice folds a venue price tick into the market and its history.
// Returns false for unknown markets.
func (s *DataStore) ApplyPrice(u types.PriceUpdate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.markets[u.MarketID]
	if !ok {
		return false
	}
	e.state.YesPrice = u.YesPrice
	e.state.NoPrice = u.NoPrice
	e.state.UpdatedAt = u.At

	e.history[e.next] = types.PricePoint{YesPrice: u.YesPrice, NoPrice: u.NoPrice, At: u.At}
	e.next = (e.next + 1) % priceHistoryDepth
	if e.n < priceHistoryDepth {
		e.n++
	}
	return true
}

// SetLastForecast records the forecast snapshot a market last reacted to.
func (s *DataStore) SetLastForecast(marketID string, snap types.ForecastSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.markets[marketID]; ok {
		copied := snap
		e.state.LastForecast = &copied
	}
}

// Get returns a copy of one market.
func (s *DataStore) Get(marketID string) (types.MarketState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.markets[marketID]
	if !ok {
		return types.MarketState{}, false
	}
	return copyState(e.state), true
}

// List returns copies of every market, sorted by ID for deterministic
// iteration.
func (s *DataStore) List() []types.MarketState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.MarketState, 0, len(s.markets))
	for _, e := range s.markets {
		out = append(out, copyState(e.state))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketID < out[j].MarketID })
	return out
}

// ForCityMetric returns copies of the markets keyed on a (city, metric).
func (s *DataStore) ForCityMetric(cityID string, metric types.MetricType) []types.MarketState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.MarketState
	for _, e := range s.markets {
		if e.state.CityID == cityID && e.state.Metric == metric {
			out = append(out, copyState(e.state))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketID < out[j].MarketID })
	return out
}

// PriceHistory returns the market's price ring, oldest first.
func (s *DataStore) PriceHistory(marketID string) []types.PricePoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.markets[marketID]
	if !ok {
		return nil
	}
	out := make([]types.PricePoint, 0, e.n)
	start := (e.next - e.n + priceHistoryDepth) % priceHistoryDepth
	for i := 0; i < e.n; i++ {
		out = append(out, e.history[(start+i)%priceHistoryDepth])
	}
	return out
}

// StaleSince returns markets whose last price update predates cutoff.
func (s *DataStore) StaleSince(cutoff time.Time) []types.MarketState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.MarketState
	for _, e := range s.markets {
		if e.state.UpdatedAt.Before(cutoff) {
			out = append(out, copyState(e.state))
		}
	}
	return out
}

// copyState deep-copies the one pointer field so readers can't reach back
// into the store.
func copyState(m types.MarketState) types.MarketState {
	if m.LastForecast != nil {
		f := *m.LastForecast
		m.LastForecast = &f
	}
	return m
}
