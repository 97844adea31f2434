package ingest

import (
	"log/slog"
	"math"
	"os"
	"testing"
	"time"

	"weatheredge/internal/bus"
	"weatheredge/internal/weather"
	"weatheredge/pkg/types"
)

func newTestConfirmer() (*Confirmer, *bus.Bus) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	b := bus.New(logger)
	return NewConfirmer(b, logger), b
}

func testCycle() types.CycleKey {
	return types.CycleKey{
		Model: types.ModelHRRR,
		Date:  time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		Hour:  0,
	}
}

func fileEvent(tempF float64) bus.FileConfirmedEvent {
	return bus.FileConfirmedEvent{
		Cycle: testCycle(),
		Cities: []types.CityObservation{
			{CityID: "nyc", TempF: tempF, WindSpeedKmh: 18, PrecipMm: 0},
		},
	}
}

func apiSnapshot(tempF float64, cycle *types.CycleKey) types.ForecastSnapshot {
	return types.ForecastSnapshot{
		CityID:     "nyc",
		Metric:     types.MetricTemperature,
		Value:      tempF,
		Unit:       "F",
		Source:     types.SourceAPI,
		State:      types.StateAPIUnconfirmed,
		ProducedAt: time.Now().UTC(),
		Cycle:      cycle,
	}
}

func drainChanged(t *testing.T, sub *bus.Subscription) []bus.SnapshotEvent {
	t.Helper()
	var out []bus.SnapshotEvent
	for {
		select {
		case ev := <-sub.Events():
			out = append(out, ev.Payload.(bus.SnapshotEvent))
		default:
			return out
		}
	}
}

func tempEvents(events []bus.SnapshotEvent) []bus.SnapshotEvent {
	var out []bus.SnapshotEvent
	for _, ev := range events {
		if ev.Snapshot.Metric == types.MetricTemperature {
			out = append(out, ev)
		}
	}
	return out
}

func TestFileConfirmEmitsChange(t *testing.T) {
	t.Parallel()
	c, b := newTestConfirmer()
	sub, _ := b.Subscribe(bus.TagForecastChanged, 16)

	c.HandleFileConfirmed(fileEvent(35.6))

	temps := tempEvents(drainChanged(t, sub))
	if len(temps) != 1 {
		t.Fatalf("temperature forecast-changed events = %d, want 1", len(temps))
	}
	snap := temps[0].Snapshot
	if snap.State != types.StateFileConfirmed {
		t.Errorf("state = %s, want FILE_CONFIRMED", snap.State)
	}
	if math.Abs(snap.Value-35.6) > 1e-9 {
		t.Errorf("value = %v, want 35.6", snap.Value)
	}
	if temps[0].Previous != nil {
		t.Errorf("previous should be nil for a first value")
	}
}

func TestFileUpgradesAPIUnconfirmed(t *testing.T) {
	t.Parallel()
	c, b := newTestConfirmer()
	sub, _ := b.Subscribe(bus.TagForecastChanged, 16)

	cycle := testCycle()
	c.HandleAPIData(apiSnapshot(34.8, &cycle))
	c.HandleFileConfirmed(fileEvent(35.6))

	temps := tempEvents(drainChanged(t, sub))
	// First value (API) emits, then the file value (differs) emits again.
	if len(temps) != 2 {
		t.Fatalf("temperature events = %d, want 2", len(temps))
	}
	if temps[0].Snapshot.State != types.StateAPIUnconfirmed {
		t.Errorf("first state = %s, want API_UNCONFIRMED", temps[0].Snapshot.State)
	}
	if temps[1].Snapshot.State != types.StateFileConfirmed {
		t.Errorf("second state = %s, want FILE_CONFIRMED", temps[1].Snapshot.State)
	}

	got, ok := c.Current("nyc", types.MetricTemperature)
	if !ok || got.State != types.StateFileConfirmed || math.Abs(got.Value-35.6) > 1e-9 {
		t.Errorf("canonical = %+v, want 35.6 FILE_CONFIRMED", got)
	}
}

func TestAPIDataBelowThresholdNotEmitted(t *testing.T) {
	t.Parallel()
	c, b := newTestConfirmer()
	sub, _ := b.Subscribe(bus.TagForecastChanged, 16)

	cycle := testCycle()
	c.HandleAPIData(apiSnapshot(34.8, &cycle))
	drainChanged(t, sub)

	// 0.3 °F move: below the API change threshold, no emission
	c.HandleAPIData(apiSnapshot(35.1, &cycle))
	if temps := tempEvents(drainChanged(t, sub)); len(temps) != 0 {
		t.Errorf("small API change emitted %d events, want 0", len(temps))
	}

	// 2 °F move: above threshold, emits
	c.HandleAPIData(apiSnapshot(36.8, &cycle))
	if temps := tempEvents(drainChanged(t, sub)); len(temps) != 1 {
		t.Errorf("large API change emitted %d events, want 1", len(temps))
	}
}

func TestVenuePushEmitsBelowAPIThreshold(t *testing.T) {
	t.Parallel()
	c, b := newTestConfirmer()
	sub, _ := b.Subscribe(bus.TagForecastChanged, 16)

	venueWind := func(v float64) types.ForecastSnapshot {
		return types.ForecastSnapshot{
			CityID:     "nyc",
			Metric:     types.MetricWindSpeed,
			Value:      v,
			Unit:       "km/h",
			Source:     types.SourceVenue,
			State:      types.StateAPIUnconfirmed,
			ProducedAt: time.Now().UTC(),
		}
	}

	c.HandleAPIData(venueWind(18))
	drainChanged(t, sub)

	// 2 km/h move: below the polled-API wind threshold, but a venue push
	// re-emits anyway so burst gating downstream sees it.
	c.HandleAPIData(venueWind(20))
	events := drainChanged(t, sub)
	if len(events) != 1 {
		t.Fatalf("venue push emitted %d events, want 1", len(events))
	}
	if events[0].Snapshot.Source != types.SourceVenue {
		t.Errorf("source = %s, want venue", events[0].Snapshot.Source)
	}
	if events[0].Previous == nil || math.Abs(events[0].Previous.Value-18) > 1e-9 {
		t.Errorf("previous = %+v, want value 18", events[0].Previous)
	}

	// The same-sized move from a polled API source stays below threshold.
	polled := venueWind(22)
	polled.Source = types.SourceAPI
	c.HandleAPIData(polled)
	if events := drainChanged(t, sub); len(events) != 0 {
		t.Errorf("sub-threshold polled change emitted %d events, want 0", len(events))
	}
}

func TestFileIdenticalValueNotReEmitted(t *testing.T) {
	t.Parallel()
	c, b := newTestConfirmer()
	sub, _ := b.Subscribe(bus.TagForecastChanged, 16)

	c.HandleFileConfirmed(fileEvent(35.6))
	drainChanged(t, sub)

	// Same value from the next publication: nothing new to trade on
	c.HandleFileConfirmed(fileEvent(35.6))
	if temps := tempEvents(drainChanged(t, sub)); len(temps) != 0 {
		t.Errorf("identical file value emitted %d events, want 0", len(temps))
	}
}

func TestTrailingAPIDoesNotDowngradeFile(t *testing.T) {
	t.Parallel()
	c, b := newTestConfirmer()
	sub, _ := b.Subscribe(bus.TagForecastChanged, 16)

	cycle := testCycle()
	c.HandleFileConfirmed(fileEvent(35.6))
	drainChanged(t, sub)

	// A stale fallback poll for the same cycle arrives after the file
	c.HandleAPIData(apiSnapshot(33.0, &cycle))

	got, _ := c.Current("nyc", types.MetricTemperature)
	if got.State != types.StateFileConfirmed || math.Abs(got.Value-35.6) > 1e-9 {
		t.Errorf("canonical downgraded to %+v", got)
	}
	if temps := tempEvents(drainChanged(t, sub)); len(temps) != 0 {
		t.Errorf("trailing API data emitted %d events, want 0", len(temps))
	}
}

func TestHistoryRing(t *testing.T) {
	t.Parallel()
	c, _ := newTestConfirmer()

	cycle := testCycle()
	for i := 0; i < historyDepth+10; i++ {
		c.HandleAPIData(apiSnapshot(30+float64(i), &cycle))
	}

	hist := c.History("nyc", types.MetricTemperature)
	if len(hist) != historyDepth {
		t.Fatalf("history len = %d, want %d", len(hist), historyDepth)
	}
	// Oldest surviving entry is the 10th snapshot (value 40)
	if math.Abs(hist[0].Value-40) > 1e-9 {
		t.Errorf("oldest = %v, want 40", hist[0].Value)
	}
	if math.Abs(hist[len(hist)-1].Value-(30+float64(historyDepth+9))) > 1e-9 {
		t.Errorf("newest = %v", hist[len(hist)-1].Value)
	}
}

func TestSnapshotsFromForecast(t *testing.T) {
	t.Parallel()

	f := weather.Forecast{CityID: "nyc", TempF: 35.6, WindSpeedKmh: 12, PrecipMm: 0.4, At: time.Now().UTC()}
	snaps := SnapshotsFromForecast(f, nil)
	if len(snaps) != 3 {
		t.Fatalf("snapshots = %d, want 3", len(snaps))
	}
	for _, s := range snaps {
		if s.Source != types.SourceAPI || s.State != types.StateAPIUnconfirmed {
			t.Errorf("snapshot %s: source=%s state=%s", s.Metric, s.Source, s.State)
		}
		if s.CityID != "nyc" {
			t.Errorf("city = %q", s.CityID)
		}
	}
}
