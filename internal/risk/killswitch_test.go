package risk

import (
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"weatheredge/internal/config"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		DailyLossLimit:       0.20,
		MaxDrawdownLimit:     0.25,
		ConsecutiveLossLimit: 5,
		MinTradesBeforeKill:  10,
		Cooldown:             24 * time.Hour,
	}
}

func newTestGovernor(capital float64) *Governor {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewGovernor(testRiskConfig(), capital, logger)
}

func drainKill(g *Governor) (KillSignal, bool) {
	select {
	case sig := <-g.KillCh():
		return sig, true
	default:
		return KillSignal{}, false
	}
}

func TestMinTradesGateSuppressesKill(t *testing.T) {
	t.Parallel()
	g := newTestGovernor(1000)

	// Two brutal losses, but only 2 trades closed: below the gate
	now := time.Now()
	g.RecordClose(-150, now)
	g.RecordClose(-150, now)

	if g.Active() {
		t.Error("kill switch fired before min trades")
	}
	if _, ok := drainKill(g); ok {
		t.Error("kill signal emitted before min trades")
	}
}

func TestDailyLossTriggers(t *testing.T) {
	t.Parallel()
	g := newTestGovernor(1000)
	now := time.Now()

	// Work past the gate with break-even trades
	for i := 0; i < 9; i++ {
		g.RecordClose(0, now)
	}
	g.RecordClose(-250, now) // 25% of day-start capital, 10th trade

	if !g.Active() {
		t.Fatal("kill switch not triggered at 25% daily loss")
	}
	sig, ok := drainKill(g)
	if !ok {
		t.Fatal("no kill signal")
	}
	if !strings.Contains(sig.Reason, "daily loss") {
		t.Errorf("reason = %q, want daily loss", sig.Reason)
	}
}

func TestDrawdownTriggers(t *testing.T) {
	t.Parallel()
	g := newTestGovernor(1000)
	now := time.Now()

	for i := 0; i < 9; i++ {
		g.RecordClose(0, now)
	}
	// Run capital up to 2000, then bleed 30% of the peak across two days so
	// no single day crosses the daily-loss limit.
	g.RecordClose(1000, now)
	g.RecordClose(-300, now.Add(24*time.Hour)) // 15% of day start, 15% of peak
	if g.Active() {
		t.Fatal("kill switch fired early")
	}
	g.RecordClose(-300, now.Add(48*time.Hour)) // 17.6% of day start, 30% of peak

	if !g.Active() {
		t.Fatal("kill switch not triggered at 30% drawdown")
	}
	sig, _ := drainKill(g)
	if !strings.Contains(sig.Reason, "drawdown") {
		t.Errorf("reason = %q, want drawdown", sig.Reason)
	}
}

func TestConsecutiveLossesTrigger(t *testing.T) {
	t.Parallel()
	g := newTestGovernor(100000)
	now := time.Now()

	for i := 0; i < 6; i++ {
		g.RecordClose(0, now)
	}
	// Five tiny losses in a row: too small to trip loss limits
	for i := 0; i < 5; i++ {
		g.RecordClose(-1, now)
	}

	if !g.Active() {
		t.Fatal("kill switch not triggered after 5 consecutive losses")
	}
	sig, _ := drainKill(g)
	if !strings.Contains(sig.Reason, "consecutive") {
		t.Errorf("reason = %q, want consecutive losses", sig.Reason)
	}
}

func TestWinResetsConsecutiveCount(t *testing.T) {
	t.Parallel()
	g := newTestGovernor(100000)
	now := time.Now()

	for i := 0; i < 10; i++ {
		g.RecordClose(0, now)
	}
	for i := 0; i < 4; i++ {
		g.RecordClose(-1, now)
	}
	g.RecordClose(2, now) // win resets the streak
	g.RecordClose(-1, now)

	if g.Active() {
		t.Error("kill switch fired despite streak reset")
	}
}

func TestTriggeredSurvivesDayRollover(t *testing.T) {
	t.Parallel()
	g := newTestGovernor(1000)
	now := time.Now()

	for i := 0; i < 9; i++ {
		g.RecordClose(0, now)
	}
	g.RecordClose(-300, now)
	if !g.Active() {
		t.Fatal("setup: kill switch should be triggered")
	}
	drainKill(g)

	// A trade the next UTC day rolls the books but not the flag
	g.RecordClose(0, now.Add(24*time.Hour))
	if !g.Active() {
		t.Error("kill switch cleared by day rollover")
	}
	if s := g.State(); s.DailyPnL != 0 {
		t.Errorf("daily PnL after rollover = %v, want 0", s.DailyPnL)
	}
}

func TestCooldownExpiryClears(t *testing.T) {
	t.Parallel()
	g := newTestGovernor(1000)
	g.cfg.Cooldown = time.Millisecond
	now := time.Now()

	for i := 0; i < 9; i++ {
		g.RecordClose(0, now)
	}
	g.RecordClose(-300, now)
	if !g.Active() {
		t.Fatal("setup: kill switch should be triggered")
	}

	time.Sleep(5 * time.Millisecond)
	if g.Active() {
		t.Error("kill switch still active after cooldown expiry")
	}
}

func TestManualReset(t *testing.T) {
	t.Parallel()
	g := newTestGovernor(1000)
	now := time.Now()

	for i := 0; i < 9; i++ {
		g.RecordClose(0, now)
	}
	g.RecordClose(-300, now)
	if !g.Active() {
		t.Fatal("setup: kill switch should be triggered")
	}

	g.Reset()
	if g.Active() {
		t.Error("kill switch still active after manual reset")
	}
	if g.Capital() != 700 {
		t.Errorf("capital = %v, want 700 (reset keeps the books)", g.Capital())
	}
}

func TestLatestKillReasonWins(t *testing.T) {
	t.Parallel()
	g := newTestGovernor(1000)
	now := time.Now()

	// Fill the channel, then force more kills via reset+retrigger
	for i := 0; i < 9; i++ {
		g.RecordClose(0, now)
	}
	for i := 0; i < 8; i++ {
		g.RecordClose(-30, now)
		g.Reset()
	}
	g.RecordClose(-30, now)

	var last KillSignal
	for {
		sig, ok := drainKill(g)
		if !ok {
			break
		}
		last = sig
	}
	if last.Reason == "" {
		t.Fatal("no kill signals delivered")
	}
}
