package tracker

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"weatheredge/internal/bus"
	"weatheredge/internal/config"
)

func testProviders() config.ProvidersConfig {
	return config.ProvidersConfig{
		Entries: map[string]config.ProviderConfig{
			"openmeteo":   {DailyLimit: 10000, HardQuota: 9500},
			"meteosource": {DailyLimit: 500, HardQuota: 500},
			"tomorrow":    {DailyLimit: 1000, HardQuota: 1000, WarningThreshold: 0.5},
			"weatherapi":  {DailyLimit: 1000000},
		},
	}
}

func newTestTracker() (*Tracker, *bus.Bus) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	b := bus.New(logger)
	return New(testProviders(), b, logger), b
}

func TestQuotaExceededTransition(t *testing.T) {
	t.Parallel()
	tr, b := newTestTracker()

	sub, err := b.Subscribe(bus.TagQuotaExceeded, 4)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	tr.providers["meteosource"].callCount = 498

	tr.Record("meteosource", true)
	if tr.IsQuotaExceeded("meteosource") {
		t.Fatal("quota should not be exceeded at 499 calls")
	}

	tr.Record("meteosource", true)
	if !tr.IsQuotaExceeded("meteosource") {
		t.Fatal("quota should be exceeded at 500 calls")
	}

	// Exactly one quota-exceeded event
	events := 0
	for {
		select {
		case ev := <-sub.Events():
			if ev.Payload.(bus.ProviderEvent).Provider != "meteosource" {
				t.Errorf("wrong provider in event: %+v", ev.Payload)
			}
			events++
		default:
			if events != 1 {
				t.Errorf("quota-exceeded events = %d, want 1", events)
			}
			return
		}
	}
}

func TestQuotaMonotoneWithinDay(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTracker()

	tr.providers["meteosource"].callCount = 500
	tr.providers["meteosource"].quotaExceeded = true

	before := tr.RemainingQuota("meteosource")
	tr.Record("meteosource", false)
	tr.Record("meteosource", true)
	after := tr.RemainingQuota("meteosource")

	if after > before {
		t.Errorf("remaining quota grew within a day: %d → %d", before, after)
	}
	if !tr.IsQuotaExceeded("meteosource") {
		t.Error("quota-exceeded flag must hold until rollover")
	}
}

func TestWarningThresholdOneShot(t *testing.T) {
	t.Parallel()
	tr, b := newTestTracker()

	sub, _ := b.Subscribe(bus.TagRateLimited, 8)

	// tomorrow warns at 50% of 1000
	tr.providers["tomorrow"].callCount = 499
	tr.Record("tomorrow", true) // crosses 500
	tr.Record("tomorrow", true)
	tr.Record("tomorrow", true)

	warnings := 0
	for {
		select {
		case ev := <-sub.Events():
			if ev.Payload.(bus.ProviderEvent).Warning {
				warnings++
			}
		default:
			if warnings != 1 {
				t.Errorf("warning events = %d, want 1", warnings)
			}
			return
		}
	}
}

func TestRateLimitSelfClears(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTracker()

	tr.MarkRateLimited("openmeteo", time.Now().Add(30*time.Millisecond))
	if !tr.IsRateLimited("openmeteo") {
		t.Fatal("should be rate limited before reset")
	}
	if tr.Available("openmeteo") {
		t.Fatal("rate-limited provider must not be available")
	}

	time.Sleep(50 * time.Millisecond)
	if tr.IsRateLimited("openmeteo") {
		t.Error("rate limit should clear after reset time")
	}
	if !tr.Available("openmeteo") {
		t.Error("provider should be available again")
	}
}

func TestDayRolloverIdempotent(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTracker()

	tr.providers["openmeteo"].callCount = 1234
	tr.providers["openmeteo"].quotaExceeded = true
	tr.providers["openmeteo"].rateLimited = true
	tr.providers["openmeteo"].warned = true

	archives := 0
	tr.SetArchiveHook(func(a DayArchive) {
		archives++
		if a.CallTotals["openmeteo"] != 1234 {
			t.Errorf("archived total = %d, want 1234", a.CallTotals["openmeteo"])
		}
	})

	// Pretend the accounting day is yesterday, then run two operations
	// "today": only the first may roll over.
	tr.day = tr.day.AddDate(0, 0, -1)
	tr.Record("openmeteo", true)
	tr.Record("openmeteo", true)

	if archives != 1 {
		t.Errorf("archive emissions = %d, want 1", archives)
	}
	if got := tr.providers["openmeteo"].callCount; got != 2 {
		t.Errorf("callCount after rollover = %d, want 2", got)
	}
	if tr.IsQuotaExceeded("openmeteo") {
		t.Error("quota flag should reset at rollover")
	}
	if tr.IsRateLimited("openmeteo") {
		t.Error("rate-limit flag should reset at rollover")
	}
}

func TestBurstAccounting(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTracker()

	tr.Record("openmeteo", true)
	tr.EnterBurstMode()
	tr.Record("openmeteo", true)
	tr.Record("openmeteo", true)
	tr.ExitBurstMode()
	tr.Record("openmeteo", true)

	rec := tr.providers["openmeteo"]
	if rec.callCount != 4 {
		t.Errorf("callCount = %d, want 4", rec.callCount)
	}
	if rec.burstCalls != 2 {
		t.Errorf("burstCalls = %d, want 2", rec.burstCalls)
	}
}

func TestUnlimitedProvider(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTracker()

	if got := tr.RemainingQuota("weatherapi"); got != -1 {
		t.Errorf("RemainingQuota without hard quota = %d, want -1", got)
	}
	tr.Record("weatherapi", true)
	if tr.IsQuotaExceeded("weatherapi") {
		t.Error("provider without hard quota can never be quota-exceeded")
	}
}
