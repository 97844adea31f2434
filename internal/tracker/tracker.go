// Package tracker accounts for every outbound weather-API call.
//
// One Tracker exists per process, constructed at startup and passed down
// explicitly. Each provider has a daily budget: a soft daily limit that
// drives a one-shot warning, and an optional hard quota that permanently
// gates the provider for the rest of the UTC day. Rate limits reported by
// providers (429s) gate temporarily until their reset time.
//
// All counters roll over at the first operation of a new UTC date; the
// previous day's totals are handed to an archive hook. Rollover is
// idempotent — running it twice on the same date changes nothing.
//
// Every mutation and composite read holds the single mutex, so predicates
// like the quota-exceeded first-transition are race-free.
package tracker

import (
	"log/slog"
	"sync"
	"time"

	"weatheredge/internal/bus"
	"weatheredge/internal/config"
	"weatheredge/pkg/types"
)

// DayArchive is the previous day's totals, emitted once at rollover.
type DayArchive struct {
	Date       time.Time // the day being archived (UTC midnight)
	CallTotals map[string]int
	BurstCalls map[string]int
}

// record is one provider's mutable state. Guarded by Tracker.mu.
type record struct {
	callCount        int
	lastCallAt       time.Time
	dailyLimit       int
	hardQuota        int
	warningThreshold float64
	rateLimited      bool
	rateLimitResetAt time.Time
	quotaExceeded    bool
	warned           bool // one-shot warning already emitted today
	burstCalls       int
}

// Tracker is the process-wide API call accountant.
type Tracker struct {
	logger *slog.Logger
	bus    *bus.Bus

	mu        sync.Mutex
	day       time.Time // UTC midnight of the current accounting day
	burstMode bool
	providers map[string]*record
	onArchive func(DayArchive)
}

// New builds a tracker from the configured provider set.
func New(cfg config.ProvidersConfig, b *bus.Bus, logger *slog.Logger) *Tracker {
	t := &Tracker{
		logger:    logger.With("component", "tracker"),
		bus:       b,
		day:       utcDate(time.Now()),
		providers: make(map[string]*record, len(cfg.Entries)),
	}
	for name, pc := range cfg.Entries {
		threshold := pc.WarningThreshold
		if threshold <= 0 {
			threshold = 0.8
		}
		t.providers[name] = &record{
			dailyLimit:       pc.DailyLimit,
			hardQuota:        pc.HardQuota,
			warningThreshold: threshold,
		}
	}
	return t
}

// SetArchiveHook registers the receiver for day-rollover archives.
func (t *Tracker) SetArchiveHook(fn func(DayArchive)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onArchive = fn
}

// Record accounts one outbound call to provider. Threshold evaluation and
// event emission happen on the same lock acquisition as the increment, so
// the quota-exceeded transition fires exactly once.
func (t *Tracker) Record(provider string, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rolloverLocked(time.Now())

	rec, ok := t.providers[provider]
	if !ok {
		t.logger.Warn("record for unknown provider", "provider", provider)
		return
	}

	rec.callCount++
	rec.lastCallAt = time.Now()
	if t.burstMode {
		rec.burstCalls++
	}

	t.bus.Publish(bus.TagProviderFetch, bus.ProviderEvent{Provider: provider})

	if rec.hardQuota > 0 && rec.callCount >= rec.hardQuota && !rec.quotaExceeded {
		rec.quotaExceeded = true
		t.logger.Error("provider hard quota exceeded, excluded for the day",
			"provider", provider, "calls", rec.callCount, "quota", rec.hardQuota)
		t.bus.Publish(bus.TagQuotaExceeded, bus.ProviderEvent{Provider: provider})
	}

	if rec.dailyLimit > 0 && !rec.warned &&
		float64(rec.callCount) >= rec.warningThreshold*float64(rec.dailyLimit) {
		rec.warned = true
		t.logger.Warn("provider approaching daily limit",
			"provider", provider, "calls", rec.callCount, "limit", rec.dailyLimit)
		t.bus.Publish(bus.TagRateLimited, bus.ProviderEvent{Provider: provider, Warning: true})
	}
}

// MarkRateLimited flags a provider as rate-limited until resetAt.
func (t *Tracker) MarkRateLimited(provider string, resetAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rolloverLocked(time.Now())

	rec, ok := t.providers[provider]
	if !ok {
		return
	}
	rec.rateLimited = true
	rec.rateLimitResetAt = resetAt
	t.logger.Warn("provider rate limited", "provider", provider, "reset_at", resetAt)
	t.bus.Publish(bus.TagRateLimited, bus.ProviderEvent{Provider: provider, ResetAt: &resetAt})
}

// IsQuotaExceeded reports whether the provider is hard-gated for the day.
func (t *Tracker) IsQuotaExceeded(provider string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rolloverLocked(time.Now())
	rec, ok := t.providers[provider]
	return ok && rec.quotaExceeded
}

// IsRateLimited reports whether the provider is temporarily gated. The
// flag self-clears once the reset time has passed.
func (t *Tracker) IsRateLimited(provider string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rolloverLocked(time.Now())
	rec, ok := t.providers[provider]
	if !ok || !rec.rateLimited {
		return false
	}
	if !rec.rateLimitResetAt.IsZero() && !time.Now().Before(rec.rateLimitResetAt) {
		rec.rateLimited = false
		return false
	}
	return true
}

// Available reports whether the provider is neither quota- nor rate-gated.
func (t *Tracker) Available(provider string) bool {
	return !t.IsQuotaExceeded(provider) && !t.IsRateLimited(provider)
}

// RemainingQuota returns calls left before the hard quota, or -1 when the
// provider has no hard quota.
func (t *Tracker) RemainingQuota(provider string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rolloverLocked(time.Now())
	rec, ok := t.providers[provider]
	if !ok || rec.hardQuota <= 0 {
		return -1
	}
	remaining := rec.hardQuota - rec.callCount
	if remaining < 0 {
		return 0
	}
	return remaining
}

// UsagePercent returns callCount / dailyLimit, or 0 when no limit is set.
func (t *Tracker) UsagePercent(provider string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rolloverLocked(time.Now())
	rec, ok := t.providers[provider]
	if !ok || rec.dailyLimit <= 0 {
		return 0
	}
	return float64(rec.callCount) / float64(rec.dailyLimit)
}

// EnterBurstMode starts attributing calls to the burst counters.
func (t *Tracker) EnterBurstMode() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.burstMode = true
}

// ExitBurstMode stops burst attribution.
func (t *Tracker) ExitBurstMode() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.burstMode = false
}

// Usage returns a snapshot of every provider's state for the status report.
func (t *Tracker) Usage() []types.ProviderUsage {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rolloverLocked(time.Now())
	out := make([]types.ProviderUsage, 0, len(t.providers))
	for name, rec := range t.providers {
		u := types.ProviderUsage{
			Provider:      name,
			CallCount:     rec.callCount,
			DailyLimit:    rec.dailyLimit,
			HardQuota:     rec.hardQuota,
			RateLimited:   rec.rateLimited,
			QuotaExceeded: rec.quotaExceeded,
		}
		if rec.dailyLimit > 0 {
			u.UsagePercent = float64(rec.callCount) / float64(rec.dailyLimit)
		}
		if !rec.lastCallAt.IsZero() {
			at := rec.lastCallAt
			u.LastCallAt = &at
		}
		out = append(out, u)
	}
	return out
}

// rolloverLocked resets all counters at the first operation of a new UTC
// date. Caller holds t.mu.
func (t *Tracker) rolloverLocked(now time.Time) {
	today := utcDate(now)
	if !today.After(t.day) {
		return
	}

	archive := DayArchive{
		Date:       t.day,
		CallTotals: make(map[string]int, len(t.providers)),
		BurstCalls: make(map[string]int, len(t.providers)),
	}
	for name, rec := range t.providers {
		archive.CallTotals[name] = rec.callCount
		archive.BurstCalls[name] = rec.burstCalls

		rec.callCount = 0
		rec.burstCalls = 0
		rec.rateLimited = false
		rec.rateLimitResetAt = time.Time{}
		rec.quotaExceeded = false
		rec.warned = false
	}
	t.day = today

	t.logger.Info("api tracker day rollover", "date", today.Format("2006-01-02"))
	if t.onArchive != nil {
		t.onArchive(archive)
	}
}

func utcDate(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
