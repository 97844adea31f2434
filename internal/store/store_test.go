package store

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"weatheredge/pkg/types"
)

func newTestStore() *DataStore {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(logger)
}

func testMarket(id string) types.MarketState {
	return types.MarketState{
		MarketID:   id,
		Question:   "NYC high ≥ 40°F?",
		CityID:     "nyc",
		Metric:     types.MetricTemperature,
		Threshold:  40,
		Comparison: types.CompareAbove,
		YesPrice:   0.45,
		NoPrice:    0.55,
		TargetDate: time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC),
	}
}

func TestUpsertAndGetCopies(t *testing.T) {
	t.Parallel()
	s := newTestStore()

	s.Upsert(testMarket("m1"))

	got, ok := s.Get("m1")
	if !ok {
		t.Fatal("market not found")
	}

	// Mutating the copy must not touch the store
	got.YesPrice = 0.99
	again, _ := s.Get("m1")
	if again.YesPrice != 0.45 {
		t.Errorf("store mutated through a returned copy: yes=%v", again.YesPrice)
	}
}

func TestApplyPriceAndHistory(t *testing.T) {
	t.Parallel()
	s := newTestStore()
	s.Upsert(testMarket("m1"))

	if s.ApplyPrice(types.PriceUpdate{MarketID: "nope", YesPrice: 0.5}) {
		t.Error("ApplyPrice should return false for unknown market")
	}

	now := time.Now()
	for i := 0; i < 5; i++ {
		s.ApplyPrice(types.PriceUpdate{
			MarketID: "m1",
			YesPrice: 0.45 + float64(i)*0.01,
			NoPrice:  0.55 - float64(i)*0.01,
			At:       now.Add(time.Duration(i) * time.Second),
		})
	}

	m, _ := s.Get("m1")
	if m.YesPrice != 0.49 {
		t.Errorf("YesPrice = %v, want 0.49", m.YesPrice)
	}

	hist := s.PriceHistory("m1")
	if len(hist) != 5 {
		t.Fatalf("history len = %d, want 5", len(hist))
	}
	if hist[0].YesPrice != 0.45 || hist[4].YesPrice != 0.49 {
		t.Errorf("history order wrong: first=%v last=%v", hist[0].YesPrice, hist[4].YesPrice)
	}
}

func TestHistoryRingWraps(t *testing.T) {
	t.Parallel()
	s := newTestStore()
	s.Upsert(testMarket("m1"))

	for i := 0; i < priceHistoryDepth+7; i++ {
		s.ApplyPrice(types.PriceUpdate{MarketID: "m1", YesPrice: float64(i), At: time.Now()})
	}

	hist := s.PriceHistory("m1")
	if len(hist) != priceHistoryDepth {
		t.Fatalf("history len = %d, want %d", len(hist), priceHistoryDepth)
	}
	if hist[0].YesPrice != 7 {
		t.Errorf("oldest = %v, want 7", hist[0].YesPrice)
	}
}

func TestUpsertPreservesForecastAndHistory(t *testing.T) {
	t.Parallel()
	s := newTestStore()
	s.Upsert(testMarket("m1"))

	s.ApplyPrice(types.PriceUpdate{MarketID: "m1", YesPrice: 0.5, At: time.Now()})
	s.SetLastForecast("m1", types.ForecastSnapshot{CityID: "nyc", Metric: types.MetricTemperature, Value: 44})

	// Re-upsert (e.g. refreshed market metadata)
	s.Upsert(testMarket("m1"))

	m, _ := s.Get("m1")
	if m.LastForecast == nil || m.LastForecast.Value != 44 {
		t.Errorf("LastForecast lost on upsert: %+v", m.LastForecast)
	}
	if len(s.PriceHistory("m1")) != 1 {
		t.Error("price history lost on upsert")
	}
}

func TestForCityMetric(t *testing.T) {
	t.Parallel()
	s := newTestStore()

	s.Upsert(testMarket("m2"))
	s.Upsert(testMarket("m1"))
	other := testMarket("m3")
	other.CityID = "chi"
	s.Upsert(other)

	got := s.ForCityMetric("nyc", types.MetricTemperature)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].MarketID != "m1" || got[1].MarketID != "m2" {
		t.Errorf("order = %s, %s; want m1, m2", got[0].MarketID, got[1].MarketID)
	}
}
