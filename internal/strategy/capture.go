// capture.go is the trade-duplication guard.
//
// A capture is stored per market on each successful submission. Further
// signals on that market are blocked until the forecast value moves at
// least one unit (°F, km/h, or mm) from the captured value, at which point
// the capture clears and the market is eligible again.
package strategy

import (
	"math"
	"sync"
	"time"

	"weatheredge/pkg/types"
)

// captureClearDelta is the forecast move that releases a capture.
const captureClearDelta = 1.0

// CaptureTable tracks at-most-one capture per market.
type CaptureTable struct {
	mu       sync.Mutex
	captures map[string]types.CapturedOpportunity
}

// NewCaptureTable creates an empty table.
func NewCaptureTable() *CaptureTable {
	return &CaptureTable{captures: make(map[string]types.CapturedOpportunity)}
}

// Blocked reports whether a market is still captured given the new forecast
// value. A move of captureClearDelta or more clears the capture as a side
// effect and unblocks the market.
func (t *CaptureTable) Blocked(marketID string, newValue float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.captures[marketID]
	if !ok {
		return false
	}
	if math.Abs(newValue-c.ForecastValue) >= captureClearDelta {
		delete(t.captures, marketID)
		return false
	}
	return true
}

// Record stores a capture after a successful submission.
func (t *CaptureTable) Record(marketID string, forecastValue float64, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.captures[marketID] = types.CapturedOpportunity{
		MarketID:      marketID,
		ForecastValue: forecastValue,
		CapturedAt:    at,
	}
}

// Clear removes a capture, e.g. when the position exits.
func (t *CaptureTable) Clear(marketID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.captures, marketID)
}

// Len returns the number of active captures.
func (t *CaptureTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.captures)
}
