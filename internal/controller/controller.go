// Package controller owns the operational-mode state machine.
//
// Exactly one mode is active for the whole process at any instant:
//
//   - OPEN_METEO_POLLING:   1 Hz batched poll of the primary free API,
//     entered for HIGH urgency windows around the 00Z/12Z cycles.
//   - METEOSOURCE_POLLING:  1 Hz batched poll of the paid secondary,
//     entered for MEDIUM and LOW urgency.
//   - WEBSOCKET_REST:       no polling at all; venue WebSocket plus file
//     ingestion only. Opt-in, used in place of polling at LOW urgency.
//   - ROUND_ROBIN_BURST:    exactly 1 req/s rotating across providers for
//     60 s, entered only from LOW urgency on a venue-pushed forecast
//     change above the trigger threshold.
//
// A background check every 10 s re-evaluates the UTC urgency window and
// transitions while auto-mode is enabled. Manual forcing disables auto-mode
// until ReturnToNormal.
package controller

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"weatheredge/internal/bus"
	"weatheredge/internal/config"
	"weatheredge/internal/ingest"
	"weatheredge/internal/tracker"
	"weatheredge/internal/weather"
	"weatheredge/pkg/types"
)

const (
	pollInterval     = time.Second
	blackoutWarnGap  = time.Minute
	defaultBurstTime = 60 * time.Second
)

// UrgencyFor classifies a UTC instant against the model publication
// calendar. Windows are inclusive-exclusive.
func UrgencyFor(t time.Time) types.Urgency {
	u := t.UTC()
	mins := u.Hour()*60 + u.Minute()

	within := func(fromH, fromM, toH, toM int) bool {
		return mins >= fromH*60+fromM && mins < toH*60+toM
	}

	switch {
	case within(0, 30, 2, 30), within(12, 30, 14, 30):
		return types.UrgencyHigh
	case within(6, 30, 7, 30), within(18, 30, 19, 30):
		return types.UrgencyMedium
	default:
		return types.UrgencyLow
	}
}

// Controller runs the mode state machine and the polling loops each mode
// implies.
type Controller struct {
	cfg      config.ControllerConfig
	registry *weather.Registry
	tracker  *tracker.Tracker
	cities   []types.City
	bus      *bus.Bus
	logger   *slog.Logger
	nowFunc  func() time.Time

	mu          sync.Mutex
	mode        types.Mode
	autoMode    bool
	burstActive bool
	pollCancel  context.CancelFunc
	lastWarnAt  time.Time

	wg sync.WaitGroup
}

// New builds the controller in the urgency-appropriate starting mode.
func New(cfg config.ControllerConfig, registry *weather.Registry, tr *tracker.Tracker,
	cities []types.City, b *bus.Bus, logger *slog.Logger) *Controller {
	return &Controller{
		cfg:      cfg,
		registry: registry,
		tracker:  tr,
		cities:   cities,
		bus:      b,
		logger:   logger.With("component", "controller"),
		nowFunc:  time.Now,
		autoMode: true,
	}
}

// Run starts the state machine. Blocks until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	changedSub, err := c.bus.Subscribe(bus.TagForecastChanged, 0)
	if err != nil {
		return err
	}
	defer c.bus.Unsubscribe(changedSub)

	interval := c.cfg.CheckInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.autoCheck(ctx)

	for {
		select {
		case <-ctx.Done():
			c.stopPolling()
			c.wg.Wait()
			return ctx.Err()
		case ev := <-changedSub.Events():
			if snap, ok := ev.Payload.(bus.SnapshotEvent); ok {
				c.maybeTriggerBurst(ctx, snap)
			}
		case <-ticker.C:
			c.autoCheck(ctx)
		}
	}
}

// Mode returns the active mode.
func (c *Controller) Mode() types.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Urgency returns the current urgency classification.
func (c *Controller) Urgency() types.Urgency {
	return UrgencyFor(c.nowFunc())
}

// AutoMode reports whether automatic transitions are enabled.
func (c *Controller) AutoMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoMode
}

// BurstActive reports whether a round-robin burst is in flight.
func (c *Controller) BurstActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.burstActive
}

// ForceMode pins the controller to a mode and disables auto transitions.
func (c *Controller) ForceMode(ctx context.Context, mode types.Mode) {
	c.mu.Lock()
	c.autoMode = false
	c.mu.Unlock()
	c.transition(ctx, mode, "forced")
}

// ReturnToNormal re-enables auto-mode and transitions to the
// urgency-appropriate mode immediately.
func (c *Controller) ReturnToNormal(ctx context.Context) {
	c.mu.Lock()
	c.autoMode = true
	c.mu.Unlock()
	c.autoCheck(ctx)
}

// TriggerBurst starts a round-robin burst manually, regardless of urgency.
func (c *Controller) TriggerBurst(ctx context.Context, cityID string) {
	c.startBurst(ctx, cityID)
}

// autoCheck transitions to the urgency-appropriate mode while auto-mode is
// enabled. Bursts are left to run out their clock.
func (c *Controller) autoCheck(ctx context.Context) {
	c.mu.Lock()
	auto, bursting := c.autoMode, c.burstActive
	c.mu.Unlock()
	if !auto || bursting {
		return
	}
	c.transition(ctx, c.targetMode(), "urgency window")
}

// targetMode maps the current urgency to a polling mode.
func (c *Controller) targetMode() types.Mode {
	switch UrgencyFor(c.nowFunc()) {
	case types.UrgencyHigh:
		return types.ModeOpenMeteoPolling
	case types.UrgencyMedium:
		return types.ModeMeteosourcePolling
	default:
		if c.cfg.WebsocketRESTEnabled {
			return types.ModeWebsocketREST
		}
		return types.ModeMeteosourcePolling
	}
}

// transition switches modes, restarting the polling loop the new mode
// requires. No-op when already in the target mode.
func (c *Controller) transition(ctx context.Context, to types.Mode, reason string) {
	c.mu.Lock()
	from := c.mode
	if from == to {
		c.mu.Unlock()
		return
	}
	c.mode = to
	c.mu.Unlock()

	c.stopPolling()

	switch to {
	case types.ModeOpenMeteoPolling:
		c.startPolling(ctx, "openmeteo")
	case types.ModeMeteosourcePolling:
		c.startPolling(ctx, "meteosource")
	case types.ModeWebsocketREST:
		// No polling: venue WS and file ingestion carry the load.
	}

	c.logger.Info("mode transition", "from", from, "to", to, "reason", reason)
	c.bus.Publish(bus.TagModeTransition, types.ModeTransition{
		From: from, To: to, Reason: reason, At: c.nowFunc(),
	})
}

// startPolling launches a 1 Hz batched poll of one provider for all cities.
func (c *Controller) startPolling(ctx context.Context, provider string) {
	pollCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.pollCancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				c.pollOnce(pollCtx, provider)
			}
		}
	}()
}

func (c *Controller) stopPolling() {
	c.mu.Lock()
	cancel := c.pollCancel
	c.pollCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// pollOnce fetches every tracked city from one provider in a single batch
// and publishes the results as api-data.
func (c *Controller) pollOnce(ctx context.Context, provider string) {
	forecasts, err := c.registry.Fetch(ctx, provider, c.cities)
	if err != nil {
		c.logger.Debug("poll fetch failed", "provider", provider, "error", err)
		return
	}
	for _, f := range forecasts {
		for _, snap := range ingest.SnapshotsFromForecast(f, nil) {
			c.bus.Publish(bus.TagAPIData, bus.SnapshotEvent{Snapshot: snap})
		}
	}
}

// maybeTriggerBurst enters burst mode on a venue-pushed forecast change
// above the trigger threshold, only from LOW urgency.
func (c *Controller) maybeTriggerBurst(ctx context.Context, ev bus.SnapshotEvent) {
	if ev.Snapshot.Source != types.SourceVenue || ev.Previous == nil {
		return
	}
	if math.Abs(ev.Snapshot.Value-ev.Previous.Value) < c.cfg.BurstTriggerThreshold {
		return
	}
	if UrgencyFor(c.nowFunc()) != types.UrgencyLow {
		return
	}
	c.startBurst(ctx, ev.Snapshot.CityID)
}

// startBurst runs the round-robin burst: exactly one request per second,
// rotating across the configured providers and skipping any that the
// tracker has gated. Returns to the urgency-appropriate mode afterwards.
func (c *Controller) startBurst(ctx context.Context, cityID string) {
	c.mu.Lock()
	if c.burstActive {
		c.mu.Unlock()
		return
	}
	c.burstActive = true
	c.mu.Unlock()

	duration := time.Duration(c.cfg.BurstSeconds) * time.Second
	if duration <= 0 {
		duration = defaultBurstTime
	}

	c.tracker.EnterBurstMode()
	started := c.nowFunc()
	c.bus.Publish(bus.TagBurstEnter, bus.BurstEvent{CityID: cityID, Started: started})
	c.transition(ctx, types.ModeRoundRobinBurst, "burst trigger")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runBurst(ctx, duration)

		c.tracker.ExitBurstMode()
		c.bus.Publish(bus.TagBurstExit, bus.BurstEvent{CityID: cityID, Started: started})

		c.mu.Lock()
		c.burstActive = false
		c.mu.Unlock()
		c.transition(ctx, c.targetMode(), "burst complete")
	}()
}

func (c *Controller) runBurst(ctx context.Context, duration time.Duration) {
	deadline := c.nowFunc().Add(duration)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	slot := 0
	for c.nowFunc().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		provider, ok := c.nextProvider(&slot)
		if !ok {
			c.warnBlackout()
			continue
		}
		c.pollOnce(ctx, provider)
	}
}

// nextProvider advances the rotation, skipping quota- and rate-gated
// providers. False when every provider is gated.
func (c *Controller) nextProvider(slot *int) (string, bool) {
	n := len(c.cfg.BurstProviders)
	for i := 0; i < n; i++ {
		p := c.cfg.BurstProviders[(*slot+i)%n]
		if c.tracker.Available(p) {
			*slot = (*slot + i + 1) % n
			return p, true
		}
	}
	return "", false
}

// warnBlackout logs the every-provider-gated condition at most once per
// minute.
func (c *Controller) warnBlackout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.nowFunc()
	if now.Sub(c.lastWarnAt) < blackoutWarnGap {
		return
	}
	c.lastWarnAt = now
	c.logger.Warn("all burst providers gated, no data source available")
}
