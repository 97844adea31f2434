package strategy

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"weatheredge/internal/bus"
	"weatheredge/internal/store"
	"weatheredge/internal/venue"
	"weatheredge/pkg/types"
)

type fakeVenue struct {
	mu     sync.Mutex
	orders []venue.Order
	book   *types.MarketBook
}

func (f *fakeVenue) MarketBook(ctx context.Context, marketID string) (types.MarketBook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.book == nil {
		return types.MarketBook{}, errors.New("no book")
	}
	return *f.book, nil
}

func (f *fakeVenue) SubmitOrder(ctx context.Context, o venue.Order) (venue.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, o)
	return venue.OrderResult{OrderID: "o1", Status: "filled", FillPrice: o.PriceLimit}, nil
}

func (f *fakeVenue) orderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

type stubGate struct{ active bool }

func (g stubGate) Active() bool { return g.active }

func newTestTrader(t *testing.T, fv *fakeVenue, dryRun bool) (*Trader, *store.DataStore, *bus.Bus) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	b := bus.New(logger)
	ds := store.New(logger)

	cfg := testStrategyConfig()
	cfg.TradeCooldown = 0 // isolate the capture guard in these tests

	tr := NewTrader(cfg, testExitConfig(), fv, ds, b, stubGate{}, 1000, dryRun, logger)
	return tr, ds, b
}

func seedMarket(ds *store.DataStore, now time.Time) types.MarketState {
	m := types.MarketState{
		MarketID:   "m1",
		Question:   "NYC high ≥ 40°F?",
		CityID:     "nyc",
		Metric:     types.MetricTemperature,
		Threshold:  40,
		Comparison: types.CompareAbove,
		YesPrice:   0.45,
		NoPrice:    0.55,
		TargetDate: now.Add(24 * time.Hour),
	}
	ds.Upsert(m)
	return m
}

func confirmedSnap(value float64, at time.Time) types.ForecastSnapshot {
	return types.ForecastSnapshot{
		CityID:     "nyc",
		Metric:     types.MetricTemperature,
		Value:      value,
		Unit:       "F",
		Source:     types.SourceFile,
		State:      types.StateFileConfirmed,
		ProducedAt: at,
	}
}

func TestForecastChangeProducesTradeIntent(t *testing.T) {
	t.Parallel()
	fv := &fakeVenue{}
	tr, ds, b := newTestTrader(t, fv, false)
	now := time.Now()
	seedMarket(ds, now)

	sub, _ := b.Subscribe(bus.TagTradeIntent, 16)
	tr.HandleForecast(context.Background(), confirmedSnap(44, now))

	if fv.orderCount() != 1 {
		t.Fatalf("orders = %d, want 1", fv.orderCount())
	}

	select {
	case ev := <-sub.Events():
		intent := ev.Payload.(types.TradeIntent)
		if intent.Action != types.ActionBuyYes {
			t.Errorf("action = %s, want buy_yes", intent.Action)
		}
		if intent.SizeUSD != 50 {
			t.Errorf("size = %v, want 50 (max position)", intent.SizeUSD)
		}
		if intent.PriceLimit != 0.46 {
			t.Errorf("limit = %v, want 0.46", intent.PriceLimit)
		}
		if intent.Guaranteed {
			t.Error("s ≈ 1.74 should not be guaranteed")
		}
	default:
		t.Fatal("no trade intent published")
	}

	if len(tr.OpenPositions()) != 1 {
		t.Errorf("open positions = %d, want 1", len(tr.OpenPositions()))
	}
	if tr.ActiveCaptures() != 1 {
		t.Errorf("captures = %d, want 1", tr.ActiveCaptures())
	}
}

func TestDuplicateForecastBlockedByCapture(t *testing.T) {
	t.Parallel()
	fv := &fakeVenue{}
	tr, ds, _ := newTestTrader(t, fv, false)
	now := time.Now()
	seedMarket(ds, now)

	tr.HandleForecast(context.Background(), confirmedSnap(44, now))
	tr.HandleForecast(context.Background(), confirmedSnap(44, now.Add(30*time.Second)))

	if fv.orderCount() != 1 {
		t.Fatalf("orders = %d, want 1 (duplicate blocked)", fv.orderCount())
	}

	found := false
	for _, r := range tr.RecentRejections() {
		if strings.Contains(r.Reason, "capture") {
			found = true
		}
	}
	if !found {
		t.Error("capture rejection not recorded")
	}

	// A material move (≥1 unit) clears the capture and trades again
	tr.HandleForecast(context.Background(), confirmedSnap(45.2, now.Add(time.Minute)))
	if fv.orderCount() != 2 {
		t.Errorf("orders = %d, want 2 after capture cleared", fv.orderCount())
	}
}

func TestScaleInSplitsKellyAcrossTranches(t *testing.T) {
	t.Parallel()
	fv := &fakeVenue{}
	tr, ds, _ := newTestTrader(t, fv, false)
	tr.cfg.MaxPositionSize = 300 // above the scale-in threshold
	tr.scaleDelay = time.Millisecond
	now := time.Now()
	seedMarket(ds, now)

	tr.HandleForecast(context.Background(), confirmedSnap(44, now))

	deadline := time.Now().Add(2 * time.Second)
	for len(tr.OpenPositions()) < scaleInTranches && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	open := tr.OpenPositions()
	if len(open) != scaleInTranches {
		t.Fatalf("open positions = %d, want %d tranches", len(open), scaleInTranches)
	}
	if fv.orderCount() != scaleInTranches {
		t.Errorf("orders = %d, want %d", fv.orderCount(), scaleInTranches)
	}

	var heat float64
	for _, p := range open {
		heat += p.KellyFraction
	}
	if heat > tr.cfg.MaxKellyHeat+1e-9 {
		t.Fatalf("kelly heat = %.3f across tranches, want ≤ %.2f", heat, tr.cfg.MaxKellyHeat)
	}
	if math.Abs(heat-0.25) > 1e-9 {
		t.Errorf("kelly heat = %.3f, want 0.25 (intent kelly split across tranches)", heat)
	}
}

func TestDriftRejection(t *testing.T) {
	t.Parallel()
	fv := &fakeVenue{book: &types.MarketBook{
		MarketID: "m1",
		Bids:     []types.BookLevel{{Price: 0.63, Size: 5000}},
		Asks:     []types.BookLevel{{Price: 0.65, Size: 5000}},
	}}
	tr, ds, _ := newTestTrader(t, fv, false)
	now := time.Now()
	seedMarket(ds, now) // snapshot price 0.45, live ask 0.65: drift 0.20

	tr.HandleForecast(context.Background(), confirmedSnap(44, now))

	if fv.orderCount() != 0 {
		t.Fatalf("orders = %d, want 0 (drift dropped)", fv.orderCount())
	}
	found := false
	for _, r := range tr.RecentRejections() {
		if strings.Contains(r.Reason, "drift") {
			found = true
		}
	}
	if !found {
		t.Error("drift rejection not recorded")
	}
}

func TestKillSwitchBlocksEntries(t *testing.T) {
	t.Parallel()
	fv := &fakeVenue{}
	tr, ds, _ := newTestTrader(t, fv, false)
	tr.risk = stubGate{active: true}
	now := time.Now()
	seedMarket(ds, now)

	tr.HandleForecast(context.Background(), confirmedSnap(44, now))
	if fv.orderCount() != 0 {
		t.Errorf("orders = %d, want 0 under kill switch", fv.orderCount())
	}
}

func TestDryRunSkipsVenue(t *testing.T) {
	t.Parallel()
	fv := &fakeVenue{}
	tr, ds, b := newTestTrader(t, fv, true)
	now := time.Now()
	seedMarket(ds, now)

	sub, _ := b.Subscribe(bus.TagTradeIntent, 16)
	tr.HandleForecast(context.Background(), confirmedSnap(44, now))

	if fv.orderCount() != 0 {
		t.Errorf("orders = %d, want 0 in dry-run", fv.orderCount())
	}
	select {
	case <-sub.Events():
	default:
		t.Error("dry-run should still publish the trade intent")
	}
	if len(tr.OpenPositions()) != 1 {
		t.Error("dry-run should still book a simulated position")
	}
}

func TestExitPublishesPositionClosed(t *testing.T) {
	t.Parallel()
	fv := &fakeVenue{}
	tr, ds, b := newTestTrader(t, fv, true)
	now := time.Now()
	seedMarket(ds, now)

	sub, _ := b.Subscribe(bus.TagPositionClosed, 16)
	tr.HandleForecast(context.Background(), confirmedSnap(44, now))
	if len(tr.OpenPositions()) != 1 {
		t.Fatal("setup: expected one open position")
	}

	// Price collapses well past the stop-loss
	ds.ApplyPrice(types.PriceUpdate{MarketID: "m1", YesPrice: 0.30, NoPrice: 0.70, At: now})
	tr.CheckExits(context.Background())

	if len(tr.OpenPositions()) != 0 {
		t.Fatalf("open positions = %d, want 0 after stop-loss", len(tr.OpenPositions()))
	}
	select {
	case ev := <-sub.Events():
		closed := ev.Payload.(bus.PositionClosedEvent)
		if closed.Reason != ExitStopLoss {
			t.Errorf("reason = %q, want %q", closed.Reason, ExitStopLoss)
		}
		if closed.RealizedPnL >= 0 {
			t.Errorf("realized = %v, want a loss", closed.RealizedPnL)
		}
	default:
		t.Fatal("no position-closed event")
	}

	if tr.ActiveCaptures() != 0 {
		t.Error("capture should clear when the position exits")
	}
}
