// Package ingest reconciles file-sourced and API-sourced forecast data.
//
// The confirmation manager is the single writer of canonical forecast
// state for the trading day. File data is authoritative: an API value that
// arrived first is held as API_UNCONFIRMED and upgraded in place when the
// file lands. Discrepancies beyond per-metric tolerance are logged, never
// blocking — the file value wins either way.
//
// forecast-changed is the only signal the strategy layer consumes, so the
// emission rules here decide what the engine can trade on: any file-backed
// or venue-pushed change emits; a polled API change emits only when it
// clears the per-metric change threshold.
package ingest

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"weatheredge/internal/bus"
	"weatheredge/internal/weather"
	"weatheredge/pkg/types"
)

// historyDepth is the per-(city,metric) snapshot ring size. One trading
// day of confirmed changes fits comfortably.
const historyDepth = 64

// Per-metric tolerance for file/API agreement. Values are carried in
// boundary units, so the 0.5 °C temperature tolerance becomes 0.9 °F.
var discrepancyTolerance = map[types.MetricType]float64{
	types.MetricTemperature:   0.9,
	types.MetricWindSpeed:     2.0,
	types.MetricPrecipitation: 0.1,
}

// Per-metric threshold for an API-only change to be worth emitting.
var apiChangeThreshold = map[types.MetricType]float64{
	types.MetricTemperature:   0.9,
	types.MetricWindSpeed:     3.0,
	types.MetricPrecipitation: 0.5,
}

// metricKey addresses one canonical snapshot slot.
type metricKey struct {
	CityID string
	Metric types.MetricType
}

// ring is a fixed-size snapshot history.
type ring struct {
	buf  [historyDepth]types.ForecastSnapshot
	next int
	n    int
}

func (r *ring) push(s types.ForecastSnapshot) {
	r.buf[r.next] = s
	r.next = (r.next + 1) % historyDepth
	if r.n < historyDepth {
		r.n++
	}
}

// Confirmer owns canonical forecast state and emits forecast-changed.
type Confirmer struct {
	bus    *bus.Bus
	logger *slog.Logger

	mu      sync.Mutex
	day     time.Time // UTC midnight of the current trading day
	current map[metricKey]types.ForecastSnapshot
	history map[metricKey]*ring
	pending map[string]map[metricKey]types.ForecastSnapshot // cycle key → API_UNCONFIRMED snapshots
}

// NewConfirmer creates the confirmation manager.
func NewConfirmer(b *bus.Bus, logger *slog.Logger) *Confirmer {
	return &Confirmer{
		bus:     b,
		logger:  logger.With("component", "confirm"),
		day:     utcDate(time.Now()),
		current: make(map[metricKey]types.ForecastSnapshot),
		history: make(map[metricKey]*ring),
		pending: make(map[string]map[metricKey]types.ForecastSnapshot),
	}
}

// Run consumes file-confirmed and api-data until ctx is cancelled.
func (c *Confirmer) Run(ctx context.Context) error {
	fileSub, err := c.bus.Subscribe(bus.TagFileConfirmed, 0)
	if err != nil {
		return err
	}
	defer c.bus.Unsubscribe(fileSub)

	apiSub, err := c.bus.Subscribe(bus.TagAPIData, 0)
	if err != nil {
		return err
	}
	defer c.bus.Unsubscribe(apiSub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-fileSub.Events():
			if payload, ok := ev.Payload.(bus.FileConfirmedEvent); ok {
				c.HandleFileConfirmed(payload)
			}
		case ev := <-apiSub.Events():
			if payload, ok := ev.Payload.(bus.SnapshotEvent); ok {
				c.HandleAPIData(payload.Snapshot)
			}
		}
	}
}

// HandleFileConfirmed folds a decoded publication into canonical state.
func (c *Confirmer) HandleFileConfirmed(ev bus.FileConfirmedEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rolloverLocked(time.Now())

	now := time.Now().UTC()
	cycle := ev.Cycle
	pendingForCycle := c.pending[cycle.String()]

	for _, obs := range ev.Cities {
		for _, m := range []struct {
			metric types.MetricType
			value  float64
		}{
			{types.MetricTemperature, obs.TempF},
			{types.MetricWindSpeed, obs.WindSpeedKmh},
			{types.MetricPrecipitation, obs.PrecipMm},
		} {
			key := metricKey{CityID: obs.CityID, Metric: m.metric}

			snap := types.ForecastSnapshot{
				CityID:     obs.CityID,
				Metric:     m.metric,
				Value:      m.value,
				Unit:       m.metric.Unit(),
				ValidTime:  cycle.Start(),
				Source:     types.SourceFile,
				State:      types.StateFileConfirmed,
				ProducedAt: now,
				Cycle:      &cycle,
			}

			if prior, ok := pendingForCycle[key]; ok {
				delta := math.Abs(prior.Value - m.value)
				if delta > discrepancyTolerance[m.metric] {
					c.logger.Warn("file/api discrepancy, file wins",
						"city", obs.CityID, "metric", m.metric,
						"api", prior.Value, "file", m.value)
				}
				delete(pendingForCycle, key)
			}

			c.storeAndMaybeEmitLocked(key, snap, true)
		}
	}

	delete(c.pending, cycle.String())
}

// HandleAPIData folds one API-sourced snapshot into canonical state.
// API data never downgrades a file-confirmed value from the same cycle;
// it emits only on a significant change.
func (c *Confirmer) HandleAPIData(snap types.ForecastSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rolloverLocked(time.Now())

	snap.State = types.StateAPIUnconfirmed
	key := metricKey{CityID: snap.CityID, Metric: snap.Metric}

	if snap.Cycle != nil {
		ck := snap.Cycle.String()
		if c.pending[ck] == nil {
			c.pending[ck] = make(map[metricKey]types.ForecastSnapshot)
		}
		c.pending[ck][key] = snap
	}

	c.storeAndMaybeEmitLocked(key, snap, false)
}

// Current returns the canonical snapshot for a (city, metric), if any.
func (c *Confirmer) Current(cityID string, metric types.MetricType) (types.ForecastSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, ok := c.current[metricKey{CityID: cityID, Metric: metric}]
	return snap, ok
}

// History returns a copy of the snapshot ring for a (city, metric),
// oldest first.
func (c *Confirmer) History(cityID string, metric types.MetricType) []types.ForecastSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.history[metricKey{CityID: cityID, Metric: metric}]
	if !ok {
		return nil
	}
	out := make([]types.ForecastSnapshot, 0, r.n)
	start := (r.next - r.n + historyDepth) % historyDepth
	for i := 0; i < r.n; i++ {
		out = append(out, r.buf[(start+i)%historyDepth])
	}
	return out
}

// storeAndMaybeEmitLocked installs a snapshot and publishes forecast-changed
// per the source's emission rule. Caller holds c.mu.
func (c *Confirmer) storeAndMaybeEmitLocked(key metricKey, snap types.ForecastSnapshot, fromFile bool) {
	prev, hadPrev := c.current[key]

	if !fromFile && hadPrev && prev.State == types.StateFileConfirmed &&
		prev.Cycle != nil && snap.Cycle != nil && prev.Cycle.String() == snap.Cycle.String() {
		// The file already settled this cycle; a trailing API poll result
		// cannot unconfirm it.
		return
	}

	emit := false
	switch {
	case !hadPrev:
		emit = true
	case fromFile, snap.Source == types.SourceVenue:
		// The venue only pushes revisions it has already judged material,
		// so any real change re-emits regardless of the API threshold.
		// Burst gating downstream needs to see every push.
		emit = math.Abs(snap.Value-prev.Value) > 1e-9
	default:
		emit = math.Abs(snap.Value-prev.Value) >= apiChangeThreshold[key.Metric]
	}

	c.current[key] = snap
	if c.history[key] == nil {
		c.history[key] = &ring{}
	}
	c.history[key].push(snap)

	if !emit {
		return
	}

	var prevPtr *types.ForecastSnapshot
	if hadPrev {
		p := prev
		prevPtr = &p
	}
	c.logger.Info("forecast changed",
		"city", key.CityID, "metric", key.Metric,
		"value", snap.Value, "source", snap.Source, "state", snap.State)
	c.bus.Publish(bus.TagForecastChanged, bus.SnapshotEvent{Snapshot: snap, Previous: prevPtr})
}

// rolloverLocked clears the trading day's state at UTC midnight.
func (c *Confirmer) rolloverLocked(now time.Time) {
	today := utcDate(now)
	if !today.After(c.day) {
		return
	}
	c.current = make(map[metricKey]types.ForecastSnapshot)
	c.history = make(map[metricKey]*ring)
	c.pending = make(map[string]map[metricKey]types.ForecastSnapshot)
	c.day = today
	c.logger.Info("forecast state day rollover", "date", today.Format("2006-01-02"))
}

func utcDate(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// SnapshotsFromForecast expands one provider reading into per-metric
// API-sourced snapshots. Shared by the fallback poller and the polling
// modes.
func SnapshotsFromForecast(f weather.Forecast, cycle *types.CycleKey) []types.ForecastSnapshot {
	now := time.Now().UTC()
	mk := func(metric types.MetricType, value float64) types.ForecastSnapshot {
		return types.ForecastSnapshot{
			CityID:     f.CityID,
			Metric:     metric,
			Value:      value,
			Unit:       metric.Unit(),
			ValidTime:  f.At,
			Source:     types.SourceAPI,
			State:      types.StateAPIUnconfirmed,
			ProducedAt: now,
			Cycle:      cycle,
		}
	}
	return []types.ForecastSnapshot{
		mk(types.MetricTemperature, f.TempF),
		mk(types.MetricWindSpeed, f.WindSpeedKmh),
		mk(types.MetricPrecipitation, f.PrecipMm),
	}
}
