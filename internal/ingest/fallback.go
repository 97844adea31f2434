// fallback.go polls the secondary weather API while a cycle's file is
// still missing.
//
// The poller arms on fallback-window-open and polls the configured
// secondary provider once per second for the cycle's in-domain cities.
// A file-confirmed for the cycle cancels the job immediately; otherwise it
// runs out at fallbackEnd. Results enter the bus as api-data and the
// confirmation manager decides whether they are worth acting on.
package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"weatheredge/internal/bus"
	"weatheredge/internal/config"
	"weatheredge/internal/weather"
	"weatheredge/pkg/types"
)

// FallbackPoller runs one bounded poll job per detection window.
type FallbackPoller struct {
	cfg      config.FallbackConfig
	registry *weather.Registry
	cities   []types.City
	bus      *bus.Bus
	logger   *slog.Logger

	mu   sync.Mutex
	jobs map[string]context.CancelFunc // cycle key → job cancel

	wg sync.WaitGroup
}

// NewFallbackPoller wires the poller.
func NewFallbackPoller(cfg config.FallbackConfig, registry *weather.Registry,
	cities []types.City, b *bus.Bus, logger *slog.Logger) *FallbackPoller {
	return &FallbackPoller{
		cfg:      cfg,
		registry: registry,
		cities:   cities,
		bus:      b,
		logger:   logger.With("component", "fallback"),
		jobs:     make(map[string]context.CancelFunc),
	}
}

// Run arms jobs from fallback-window-open and cancels them on
// file-confirmed. Blocks until ctx is cancelled.
func (p *FallbackPoller) Run(ctx context.Context) error {
	openSub, err := p.bus.Subscribe(bus.TagFallbackWindowOpen, 0)
	if err != nil {
		return err
	}
	defer p.bus.Unsubscribe(openSub)

	confirmedSub, err := p.bus.Subscribe(bus.TagFileConfirmed, 0)
	if err != nil {
		return err
	}
	defer p.bus.Unsubscribe(confirmedSub)

	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			return ctx.Err()
		case ev := <-openSub.Events():
			if open, ok := ev.Payload.(bus.WindowOpenEvent); ok {
				p.startJob(ctx, open.Window)
			}
		case ev := <-confirmedSub.Events():
			if confirmed, ok := ev.Payload.(bus.FileConfirmedEvent); ok {
				p.cancelJob(confirmed.Cycle)
			}
		}
	}
}

func (p *FallbackPoller) startJob(ctx context.Context, w types.DetectionWindow) {
	cities := p.citiesForModel(w.Cycle.Model)
	if len(cities) == 0 {
		return
	}

	key := w.Cycle.String()

	p.mu.Lock()
	if _, dup := p.jobs[key]; dup {
		p.mu.Unlock()
		return
	}
	jobCtx, cancel := context.WithDeadline(ctx, w.FallbackEnd)
	p.jobs[key] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			cancel()
			p.mu.Lock()
			delete(p.jobs, key)
			p.mu.Unlock()
		}()
		p.poll(jobCtx, w.Cycle, cities)
	}()
}

func (p *FallbackPoller) cancelJob(cycle types.CycleKey) {
	p.mu.Lock()
	cancel, ok := p.jobs[cycle.String()]
	p.mu.Unlock()
	if ok {
		p.logger.Info("fallback cancelled, file confirmed", "cycle", cycle.String())
		cancel()
	}
}

func (p *FallbackPoller) poll(ctx context.Context, cycle types.CycleKey, cities []types.City) {
	interval := time.Duration(p.cfg.PollMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}

	p.logger.Info("fallback polling started",
		"cycle", cycle.String(), "provider", p.cfg.Provider, "cities", len(cities))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		forecasts, err := p.registry.Fetch(ctx, p.cfg.Provider, cities)
		if err != nil {
			p.logger.Debug("fallback fetch failed", "cycle", cycle.String(), "error", err)
			continue
		}

		ck := cycle
		for _, f := range forecasts {
			for _, snap := range SnapshotsFromForecast(f, &ck) {
				p.bus.Publish(bus.TagAPIData, bus.SnapshotEvent{Snapshot: snap})
			}
		}
	}
}

func (p *FallbackPoller) citiesForModel(model types.ModelKind) []types.City {
	var out []types.City
	for _, c := range p.cities {
		if c.Model == model {
			out = append(out, c)
		}
	}
	return out
}
