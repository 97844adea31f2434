// Package engine wires every component together and owns process lifecycle.
//
// Dataflow: the schedule runner opens detection and fallback windows on the
// bus; the detector races HEAD polls against the fallback API poller; the
// confirmation manager reconciles both paths and emits forecast-changed;
// the trader turns those into sized trade intents against the venue while
// the controller drives the polling mode machine and the risk governor
// watches realized PnL. The engine itself only starts, supervises, and
// stops — all domain logic lives in the components.
package engine

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"weatheredge/internal/bus"
	"weatheredge/internal/config"
	"weatheredge/internal/controller"
	"weatheredge/internal/ingest"
	"weatheredge/internal/nwp"
	"weatheredge/internal/risk"
	"weatheredge/internal/schedule"
	"weatheredge/internal/store"
	"weatheredge/internal/strategy"
	"weatheredge/internal/tracker"
	"weatheredge/internal/venue"
	"weatheredge/internal/weather"
	"weatheredge/pkg/types"
)

const (
	shutdownGrace   = 3 * time.Second
	tempSweepPeriod = 15 * time.Minute
	tempSweepMaxAge = time.Hour
	tempFilePrefix  = "wx-"
)

// Engine owns the component graph.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	bus       *bus.Bus
	tracker   *tracker.Tracker
	registry  *weather.Registry
	schedMgr  *schedule.Manager
	runner    *schedule.Runner
	detector  *nwp.Detector
	confirmer *ingest.Confirmer
	fallback  *ingest.FallbackPoller
	store     *store.DataStore
	feed      *venue.PriceFeed
	governor  *risk.Governor
	trader    *strategy.Trader
	ctrl      *controller.Controller

	wg sync.WaitGroup
}

// New assembles the engine from config.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	b := bus.New(logger)
	tr := tracker.New(cfg.Providers, b, logger)
	registry, err := weather.NewRegistry(cfg.Providers, tr, logger)
	if err != nil {
		return nil, err
	}
	schedMgr := schedule.NewManager(cfg.Detection, cfg.Fallback)
	decoder := nwp.NewDecoder(cfg.Decoder, logger)
	ds := store.New(logger)

	var tv venue.TradingVenue
	if cfg.Venue.RESTBaseURL != "" {
		tv = venue.NewClient(cfg.Venue.RESTBaseURL, cfg.Venue.APIKey, cfg.Venue.SubmitTimeoutMs, logger)
	}
	var feed *venue.PriceFeed
	if cfg.Venue.WSURL != "" {
		feed = venue.NewPriceFeed(cfg.Venue.WSURL, logger)
	}

	governor := risk.NewGovernor(cfg.Risk, cfg.Portfolio.StartingCapital, logger)

	return &Engine{
		cfg:       cfg,
		logger:    logger.With("component", "engine"),
		bus:       b,
		tracker:   tr,
		registry:  registry,
		schedMgr:  schedMgr,
		runner:    schedule.NewRunner(schedMgr, b, logger),
		detector:  nwp.NewDetector(cfg.Detection, schedMgr, decoder, cfg.Cities, b, logger),
		confirmer: ingest.NewConfirmer(b, logger),
		fallback:  ingest.NewFallbackPoller(cfg.Fallback, registry, cfg.Cities, b, logger),
		store:     ds,
		feed:      feed,
		governor:  governor,
		trader: strategy.NewTrader(cfg.Strategy, cfg.Exit, tv, ds, b, governor,
			cfg.Portfolio.StartingCapital, cfg.DryRun, logger),
		ctrl: controller.New(cfg.Controller, registry, tr, cfg.Cities, b, logger),
	}, nil
}

// Run starts every component and blocks until ctx is cancelled, then waits
// up to the shutdown grace for them to drain.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting",
		"cities", len(e.cfg.Cities),
		"dry_run", e.cfg.DryRun,
		"providers", e.registry.Names())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.spawn(func() { e.runner.Run(runCtx) })
	e.spawn(func() { e.detector.Run(runCtx) })
	e.spawn(func() { e.confirmer.Run(runCtx) })
	e.spawn(func() { e.fallback.Run(runCtx) })
	e.spawn(func() { e.governor.Run(runCtx, e.bus) })
	e.spawn(func() { e.trader.Run(runCtx) })
	e.spawn(func() { e.ctrl.Run(runCtx) })
	e.spawn(func() { e.killLoop(runCtx) })
	e.spawn(func() { e.sweepTempFiles(runCtx) })

	if e.feed != nil {
		e.spawn(func() { e.feed.Run(runCtx) })
		e.spawn(func() { e.priceLoop(runCtx) })
	}

	<-ctx.Done()
	e.logger.Info("engine stopping")
	cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("engine stopped cleanly")
	case <-time.After(shutdownGrace):
		e.logger.Warn("shutdown grace elapsed, abandoning stragglers")
	}
	return ctx.Err()
}

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// priceLoop folds venue WebSocket ticks into the market store.
func (e *Engine) priceLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-e.feed.PriceUpdates():
			if !e.store.ApplyPrice(u) {
				e.logger.Debug("price tick for untracked market", "market", u.MarketID)
			}
		case <-e.feed.BookEvents():
			// Books are fetched on demand at execution time; the stream
			// copy is not stored.
		}
	}
}

// killLoop surfaces kill signals. Admission gating happens inside the
// trader via the governor; this loop exists for the operator trail.
func (e *Engine) killLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-e.governor.KillCh():
			e.logger.Error("trading halted by kill switch", "reason", sig.Reason, "at", sig.At)
		}
	}
}

// sweepTempFiles removes abandoned download files. Downloads normally clean
// up after themselves; this catches crashes mid-decode.
func (e *Engine) sweepTempFiles(ctx context.Context) {
	dir := e.cfg.Detection.TempDir
	if dir == "" {
		dir = os.TempDir()
	}

	ticker := time.NewTicker(tempSweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			e.logger.Warn("temp sweep failed", "dir", dir, "error", err)
			continue
		}
		cutoff := time.Now().Add(-tempSweepMaxAge)
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), tempFilePrefix) {
				continue
			}
			info, err := entry.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if err := os.Remove(path); err != nil {
				e.logger.Warn("temp sweep remove failed", "file", path, "error", err)
			} else {
				e.logger.Info("removed stale temp file", "file", path)
			}
		}
	}
}

// TrackMarket registers a tradeable market and subscribes its price stream.
func (e *Engine) TrackMarket(m types.MarketState) {
	e.store.Upsert(m)
	if e.feed != nil {
		if err := e.feed.Subscribe([]string{m.MarketID}); err != nil {
			e.logger.Debug("feed subscribe deferred until connect", "market", m.MarketID, "error", err)
		}
	}
}

// UntrackMarket removes a market from the store and the price stream.
func (e *Engine) UntrackMarket(marketID string) {
	e.store.Remove(marketID)
	if e.feed != nil {
		if err := e.feed.Unsubscribe([]string{marketID}); err != nil {
			e.logger.Debug("feed unsubscribe failed", "market", marketID, "error", err)
		}
	}
}

// ForceMode pins the controller to a mode until ReturnToNormal.
func (e *Engine) ForceMode(ctx context.Context, mode types.Mode) {
	e.ctrl.ForceMode(ctx, mode)
}

// ReturnToNormal re-enables automatic mode transitions.
func (e *Engine) ReturnToNormal(ctx context.Context) {
	e.ctrl.ReturnToNormal(ctx)
}

// TriggerBurst starts a manual round-robin burst.
func (e *Engine) TriggerBurst(ctx context.Context, cityID string) {
	e.ctrl.TriggerBurst(ctx, cityID)
}

// ResetKillSwitch clears the risk governor manually.
func (e *Engine) ResetKillSwitch() {
	e.governor.Reset()
}

// Bus exposes the event bus for ingress components built outside the
// engine, like the webhook server.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// Status assembles the externally visible engine state.
func (e *Engine) Status() types.StatusReport {
	riskState := e.governor.State()
	return types.StatusReport{
		Mode:             e.ctrl.Mode(),
		Urgency:          e.ctrl.Urgency(),
		AutoMode:         e.ctrl.AutoMode(),
		BurstActive:      e.ctrl.BurstActive(),
		Providers:        e.tracker.Usage(),
		OpenPositions:    e.trader.OpenPositions(),
		ActiveCaptures:   e.trader.ActiveCaptures(),
		KillSwitchActive: riskState.Triggered,
		KillSwitchReason: riskState.Reason,
		PortfolioValue:   e.trader.PortfolioValue(),
		CashBalance:      e.trader.CashBalance(),
		RecentRejections: e.trader.RecentRejections(),
		GeneratedAt:      time.Now().UTC(),
	}
}
