// trader.go drives the signal → size → re-validate → submit pipeline and
// owns the open-position book.
package strategy

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"weatheredge/internal/bus"
	"weatheredge/internal/config"
	"weatheredge/internal/store"
	"weatheredge/internal/venue"
	"weatheredge/pkg/types"
)

const (
	rejectionRingSize = 32
	exitCheckInterval = time.Second

	scaleInTranches    = 3
	scaleInImprovement = 0.005 // price improvement per tranche
	scaleInDelay       = 2 * time.Second

	priceIncrement           = 0.01
	guaranteedPriceIncrement = 0.05
	maxPriceLimit            = 0.99
)

// RiskGate is the kill-switch view the trader needs.
type RiskGate interface {
	Active() bool
}

// Trader converts confirmed forecast changes into orders and manages open
// positions until exit.
type Trader struct {
	cfg        config.StrategyConfig
	venue      venue.TradingVenue
	store      *store.DataStore
	bus        *bus.Bus
	risk       RiskGate
	exits      *ExitPolicy
	logger     *slog.Logger
	dryRun     bool
	nowFunc    func() time.Time
	scaleDelay time.Duration

	mu          sync.Mutex
	captures    *CaptureTable
	positions   map[string]*types.Position // by position ID
	lastTradeAt map[string]time.Time       // per-market cooldown
	cash        float64
	rejections  [rejectionRingSize]types.RejectedIntent
	rejNext     int
	rejCount    int

	wg sync.WaitGroup
}

// NewTrader wires the opportunity core.
func NewTrader(cfg config.StrategyConfig, exitCfg config.ExitConfig, tv venue.TradingVenue,
	ds *store.DataStore, b *bus.Bus, gate RiskGate, startingCapital float64,
	dryRun bool, logger *slog.Logger) *Trader {
	return &Trader{
		cfg:         cfg,
		venue:       tv,
		store:       ds,
		bus:         b,
		risk:        gate,
		exits:       NewExitPolicy(exitCfg),
		logger:      logger.With("component", "trader"),
		dryRun:      dryRun,
		nowFunc:     time.Now,
		scaleDelay:  scaleInDelay,
		captures:    NewCaptureTable(),
		positions:   make(map[string]*types.Position),
		lastTradeAt: make(map[string]time.Time),
		cash:        startingCapital,
	}
}

// Run consumes forecast-changed events and drives the periodic exit check.
// Blocks until ctx is cancelled.
func (t *Trader) Run(ctx context.Context) error {
	sub, err := t.bus.Subscribe(bus.TagForecastChanged, 0)
	if err != nil {
		return err
	}
	defer t.bus.Unsubscribe(sub)

	ticker := time.NewTicker(exitCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.wg.Wait()
			return ctx.Err()
		case ev := <-sub.Events():
			if snap, ok := ev.Payload.(bus.SnapshotEvent); ok {
				t.HandleForecast(ctx, snap.Snapshot)
			}
		case <-ticker.C:
			t.CheckExits(ctx)
		}
	}
}

// HandleForecast evaluates one confirmed forecast change against every
// market keyed on its (city, metric).
func (t *Trader) HandleForecast(ctx context.Context, snap types.ForecastSnapshot) {
	if t.risk != nil && t.risk.Active() {
		t.logger.Debug("kill switch active, skipping forecast", "city", snap.CityID, "metric", snap.Metric)
		return
	}

	now := t.nowFunc()
	for _, m := range t.store.ForCityMetric(snap.CityID, snap.Metric) {
		t.evaluateMarket(ctx, m, snap, now)
	}
}

func (t *Trader) evaluateMarket(ctx context.Context, m types.MarketState, snap types.ForecastSnapshot, now time.Time) {
	t.mu.Lock()
	if last, ok := t.lastTradeAt[m.MarketID]; ok && now.Sub(last) < t.cfg.TradeCooldown {
		t.mu.Unlock()
		t.reject(m.MarketID, "trade cooldown active", now)
		return
	}
	t.mu.Unlock()

	if t.captures.Blocked(m.MarketID, snap.Value) {
		t.reject(m.MarketID, "capture active", now)
		return
	}

	sig, reason := Evaluate(m, snap, now, t.cfg)
	if reason != "" {
		t.reject(m.MarketID, reason, now)
		return
	}

	book := t.fetchBook(ctx, m.MarketID)
	order, reason := Size(sig, now.Sub(snap.ProducedAt), t.portfolioView(m), book, 0, t.cfg)
	if reason != "" {
		t.reject(m.MarketID, reason, now)
		return
	}

	livePrice, ok := t.livePrice(m, sig.Action, book)
	if !ok {
		t.reject(m.MarketID, "no live price", now)
		return
	}
	if reason := t.revalidate(sig, livePrice); reason != "" {
		t.reject(m.MarketID, reason, now)
		return
	}

	limit := priceLimit(livePrice, sig.Guaranteed)
	intent := types.TradeIntent{
		MarketID:      m.MarketID,
		Action:        sig.Action,
		SizeUSD:       order.SizeUSD,
		PriceLimit:    limit,
		Edge:          sig.Edge,
		Kelly:         order.Kelly,
		Sigma:         sig.Sigma,
		Guaranteed:    sig.Guaranteed,
		SnapshotPrice: sig.SnapshotPrice,
		ForecastValue: snap.Value,
		CreatedAt:     now,
	}

	if err := t.execute(ctx, intent); err != nil {
		t.logger.Error("order execution failed", "market", m.MarketID, "error", err)
		return
	}

	t.captures.Record(m.MarketID, snap.Value, now)
	t.store.SetLastForecast(m.MarketID, snap)
	t.mu.Lock()
	t.lastTradeAt[m.MarketID] = now
	t.mu.Unlock()
	t.bus.Publish(bus.TagTradeIntent, intent)

	t.logger.Info("trade intent",
		"market", m.MarketID, "action", intent.Action,
		"size_usd", intent.SizeUSD, "limit", intent.PriceLimit,
		"edge", intent.Edge, "kelly", intent.Kelly, "guaranteed", intent.Guaranteed)
}

// revalidate applies the three live-price gates between signal and order.
func (t *Trader) revalidate(sig Signal, livePrice float64) string {
	drift := livePrice - sig.SnapshotPrice
	if drift < 0 {
		drift = -drift
	}
	if drift > t.cfg.MaxPriceDrift {
		return "price drift beyond tolerance"
	}

	liveEdge := sig.LiveEdge(livePrice)
	if liveEdge < t.cfg.MinExecutionEdge {
		return "live edge below execution minimum"
	}
	if sig.Edge-liveEdge > t.cfg.EdgeDegradationTolerance {
		return "edge degraded since signal"
	}
	return ""
}

// execute submits the intent, splitting large orders into tranches. The
// first tranche goes out synchronously; later tranches run on their own
// goroutine with price improvement and delay. The intent's Kelly fraction
// is split across tranches so the booked positions together carry exactly
// the admitted heat.
func (t *Trader) execute(ctx context.Context, intent types.TradeIntent) error {
	tranches := 1
	if intent.SizeUSD > t.cfg.ScaleInThreshold {
		tranches = scaleInTranches
	}
	per := intent.SizeUSD / float64(tranches)
	perKelly := intent.Kelly / float64(tranches)

	if err := t.submitTranche(ctx, intent, per, perKelly, intent.PriceLimit); err != nil {
		return err
	}

	if tranches > 1 {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			limit := decimal.NewFromFloat(intent.PriceLimit)
			step := decimal.NewFromFloat(scaleInImprovement)
			for i := 1; i < tranches; i++ {
				select {
				case <-ctx.Done():
					return
				case <-time.After(t.scaleDelay):
				}
				limit = limit.Mul(decimal.NewFromInt(1).Sub(step)).Round(4)
				if err := t.submitTranche(ctx, intent, per, perKelly, limit.InexactFloat64()); err != nil {
					t.logger.Warn("scale-in tranche failed",
						"market", intent.MarketID, "tranche", i+1, "error", err)
					return
				}
			}
		}()
	}
	return nil
}

// submitTranche places one order slice and books the resulting position.
func (t *Trader) submitTranche(ctx context.Context, intent types.TradeIntent, sizeUSD, kelly, limit float64) error {
	fillPrice := limit
	if t.dryRun {
		t.logger.Info("dry-run order",
			"market", intent.MarketID, "action", intent.Action,
			"size_usd", sizeUSD, "limit", limit)
	} else {
		side := types.SideYes
		if intent.Action == types.ActionBuyNo {
			side = types.SideNo
		}
		result, err := t.venue.SubmitOrder(ctx, venue.Order{
			MarketID:   intent.MarketID,
			Side:       side,
			SizeUSD:    sizeUSD,
			PriceLimit: limit,
		})
		if err != nil {
			return err
		}
		if result.FillPrice > 0 {
			fillPrice = result.FillPrice
		}
	}

	t.openPosition(intent, sizeUSD, kelly, fillPrice)
	return nil
}

func (t *Trader) openPosition(intent types.TradeIntent, sizeUSD, kelly, entryPrice float64) {
	side := types.SideYes
	if intent.Action == types.ActionBuyNo {
		side = types.SideNo
	}

	pos := &types.Position{
		ID:            uuid.NewString(),
		MarketID:      intent.MarketID,
		Side:          side,
		Shares:        sizeUSD / entryPrice,
		EntryPrice:    entryPrice,
		CurrentPrice:  entryPrice,
		EntryTime:     t.nowFunc(),
		KellyFraction: kelly,
		SigmaAtEntry:  intent.Sigma,
		PeakPrice:     entryPrice,
	}

	t.mu.Lock()
	t.cash -= sizeUSD
	t.positions[pos.ID] = pos
	t.mu.Unlock()
}

// CheckExits walks open positions against live prices and the exit policy.
func (t *Trader) CheckExits(ctx context.Context) {
	now := t.nowFunc()

	t.mu.Lock()
	open := make([]*types.Position, 0, len(t.positions))
	for _, p := range t.positions {
		open = append(open, p)
	}
	t.mu.Unlock()

	for _, pos := range open {
		m, ok := t.store.Get(pos.MarketID)
		if !ok {
			continue
		}
		livePrice := m.YesPrice
		if pos.Side == types.SideNo {
			livePrice = m.NoPrice
		}
		if livePrice <= 0 {
			continue
		}

		forecastProb := heldSideProb(m, pos.Side, now)

		t.mu.Lock()
		reason := t.exits.Check(pos, livePrice, forecastProb, m.TargetDate, now)
		t.mu.Unlock()
		if reason == "" {
			continue
		}
		t.closePosition(ctx, pos, livePrice, reason)
	}
}

func (t *Trader) closePosition(ctx context.Context, pos *types.Position, exitPrice float64, reason string) {
	if !t.dryRun {
		// Closing a YES holding means selling; the venue models that as
		// buying the opposite token at the complement price.
		side := types.SideNo
		if pos.Side == types.SideNo {
			side = types.SideYes
		}
		_, err := t.venue.SubmitOrder(ctx, venue.Order{
			MarketID:   pos.MarketID,
			Side:       side,
			SizeUSD:    pos.Shares * (1 - exitPrice),
			PriceLimit: priceLimit(1-exitPrice, false),
		})
		if err != nil {
			t.logger.Error("exit order failed", "position", pos.ID, "error", err)
			return
		}
	}

	proceeds := pos.Shares * exitPrice
	cost := pos.Shares * pos.EntryPrice
	realized := proceeds - cost

	t.mu.Lock()
	delete(t.positions, pos.ID)
	t.cash += proceeds
	t.mu.Unlock()
	t.captures.Clear(pos.MarketID)

	t.logger.Info("position closed", "position", pos.ID, "market", pos.MarketID,
		"detail", describe(reason, pos, exitPrice))

	t.bus.Publish(bus.TagPositionClosed, bus.PositionClosedEvent{
		Position:    *pos,
		ExitPrice:   exitPrice,
		RealizedPnL: realized,
		Reason:      reason,
	})
}

// OpenPositions returns copies of the open book.
func (t *Trader) OpenPositions() []types.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, *p)
	}
	return out
}

// ActiveCaptures returns the number of live capture guards.
func (t *Trader) ActiveCaptures() int { return t.captures.Len() }

// PortfolioValue returns cash plus mark-to-market exposure.
func (t *Trader) PortfolioValue() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cash + t.exposureLocked()
}

// CashBalance returns the free cash.
func (t *Trader) CashBalance() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cash
}

// RecentRejections returns the rejection ring, oldest first.
func (t *Trader) RecentRejections() []types.RejectedIntent {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]types.RejectedIntent, 0, t.rejCount)
	start := (t.rejNext - t.rejCount + rejectionRingSize) % rejectionRingSize
	for i := 0; i < t.rejCount; i++ {
		out = append(out, t.rejections[(start+i)%rejectionRingSize])
	}
	return out
}

// reject records a business-logic rejection. Debug-level only: these are
// routine, not errors.
func (t *Trader) reject(marketID, reason string, at time.Time) {
	t.logger.Debug("opportunity rejected", "market", marketID, "reason", reason)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.rejections[t.rejNext] = types.RejectedIntent{MarketID: marketID, Reason: reason, At: at}
	t.rejNext = (t.rejNext + 1) % rejectionRingSize
	if t.rejCount < rejectionRingSize {
		t.rejCount++
	}
}

func (t *Trader) exposureLocked() float64 {
	var sum float64
	for _, p := range t.positions {
		sum += p.Shares * p.CurrentPrice
	}
	return sum
}

// portfolioView assembles the heat-cap input for a candidate market.
func (t *Trader) portfolioView(m types.MarketState) PortfolioView {
	t.mu.Lock()
	defer t.mu.Unlock()

	exposure := t.exposureLocked()
	var cityExp, cityDateExp, heat float64
	for _, p := range t.positions {
		heat += p.KellyFraction
		pm, ok := t.store.Get(p.MarketID)
		if !ok || pm.CityID != m.CityID {
			continue
		}
		v := p.Shares * p.CurrentPrice
		cityExp += v
		if pm.TargetDate.Equal(m.TargetDate) {
			cityDateExp += v
		}
	}

	return PortfolioView{
		Value:            t.cash + exposure,
		Cash:             t.cash,
		Exposure:         exposure,
		KellyHeat:        heat,
		CityExposure:     cityExp,
		CityDateExposure: cityDateExp,
	}
}

// fetchBook best-effort fetches a live order book; nil on any failure.
func (t *Trader) fetchBook(ctx context.Context, marketID string) *types.MarketBook {
	if t.venue == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	book, err := t.venue.MarketBook(ctx, marketID)
	if err != nil {
		t.logger.Debug("book fetch failed", "market", marketID, "error", err)
		return nil
	}
	return &book
}

// livePrice extracts the executable price for the side being bought.
func (t *Trader) livePrice(m types.MarketState, action types.TradeAction, book *types.MarketBook) (float64, bool) {
	if book != nil && len(book.Asks) > 0 && len(book.Bids) > 0 {
		if action == types.ActionBuyYes {
			return book.BestAsk().Price, true
		}
		// NO token trades at the complement of the YES bid.
		return 1 - book.BestBid().Price, true
	}

	price := m.YesPrice
	if action == types.ActionBuyNo {
		price = m.NoPrice
	}
	return price, price > 0
}

// heldSideProb recomputes the model probability for a position's side from
// the forecast the market last traded on. Infinity when no forecast is
// known, so the fair-value band can never fire spuriously.
func heldSideProb(m types.MarketState, side types.Side, now time.Time) float64 {
	if m.LastForecast == nil {
		return math.Inf(1)
	}
	sigma := SigmaFor(m.Metric, DaysToEvent(m.TargetDate, now))
	probYes := normCDF((m.LastForecast.Value - m.Threshold) / sigma)
	if m.Comparison == types.CompareBelow {
		probYes = 1 - probYes
	}
	if side == types.SideNo {
		return 1 - probYes
	}
	return probYes
}

// priceLimit computes livePrice + increment, capped at 0.99, using decimal
// arithmetic so limits land exactly on venue ticks.
func priceLimit(livePrice float64, guaranteed bool) float64 {
	inc := priceIncrement
	if guaranteed {
		inc = guaranteedPriceIncrement
	}
	limit := decimal.NewFromFloat(livePrice).Add(decimal.NewFromFloat(inc)).Round(2)
	maxLimit := decimal.NewFromFloat(maxPriceLimit)
	if limit.GreaterThan(maxLimit) {
		limit = maxLimit
	}
	return limit.InexactFloat64()
}
