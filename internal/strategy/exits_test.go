package strategy

import (
	"testing"
	"time"

	"weatheredge/internal/config"
	"weatheredge/pkg/types"
)

func testExitConfig() config.ExitConfig {
	return config.ExitConfig{
		TakeProfit:         0.10,
		StopLoss:           -0.15,
		TrailingActivation: 0.05,
		TrailingOffset:     0.02,
		ConvergenceBand:    0.02,
	}
}

func openPosition(entry float64) *types.Position {
	return &types.Position{
		ID:           "p1",
		MarketID:     "m1",
		Side:         types.SideYes,
		Shares:       100,
		EntryPrice:   entry,
		CurrentPrice: entry,
		PeakPrice:    entry,
		EntryTime:    time.Now(),
	}
}

func TestTakeProfit(t *testing.T) {
	t.Parallel()
	p := NewExitPolicy(testExitConfig())
	pos := openPosition(0.40)
	target := time.Now().Add(24 * time.Hour)

	// +10% on 0.40 is 0.44; forecastProb far away so no fair-value exit
	if got := p.Check(pos, 0.44, 0.95, target, time.Now()); got != ExitTakeProfit {
		t.Errorf("exit = %q, want %q", got, ExitTakeProfit)
	}
}

func TestStopLoss(t *testing.T) {
	t.Parallel()
	p := NewExitPolicy(testExitConfig())
	pos := openPosition(0.40)
	target := time.Now().Add(24 * time.Hour)

	if got := p.Check(pos, 0.34, 0.95, target, time.Now()); got != ExitStopLoss {
		t.Errorf("exit = %q, want %q", got, ExitStopLoss)
	}
}

func TestTrailingStopDominatesOnceArmed(t *testing.T) {
	t.Parallel()
	p := NewExitPolicy(testExitConfig())
	pos := openPosition(0.40)
	target := time.Now().Add(24 * time.Hour)
	now := time.Now()

	// +7.5% arms the trailing stop without exiting (take-profit is off once armed)
	if got := p.Check(pos, 0.43, 0.95, target, now); got != "" {
		t.Fatalf("unexpected exit %q while arming", got)
	}
	if !pos.TrailingArmed {
		t.Fatal("trailing stop not armed at +7.5%")
	}

	// Run up past take-profit: still held, trailing dominates
	if got := p.Check(pos, 0.50, 0.95, target, now); got != "" {
		t.Errorf("exit = %q, want hold above take-profit once armed", got)
	}
	if pos.PeakPrice != 0.50 {
		t.Errorf("peak = %v, want 0.50", pos.PeakPrice)
	}

	// Retrace to peak − offset fires the trailing stop
	if got := p.Check(pos, 0.48, 0.95, target, now); got != ExitTrailingStop {
		t.Errorf("exit = %q, want %q", got, ExitTrailingStop)
	}
}

func TestFairValueConvergence(t *testing.T) {
	t.Parallel()
	p := NewExitPolicy(testExitConfig())
	pos := openPosition(0.40)
	target := time.Now().Add(24 * time.Hour)

	// Price converged to within 2% of the model probability
	if got := p.Check(pos, 0.41, 0.42, target, time.Now()); got != ExitFairValue {
		t.Errorf("exit = %q, want %q", got, ExitFairValue)
	}
}

func TestTimeout(t *testing.T) {
	t.Parallel()
	p := NewExitPolicy(testExitConfig())
	pos := openPosition(0.40)

	target := time.Now().Add(-time.Minute)
	if got := p.Check(pos, 0.40, 0.95, target, time.Now()); got != ExitTimeout {
		t.Errorf("exit = %q, want %q", got, ExitTimeout)
	}
}

func TestHoldInsideAllBands(t *testing.T) {
	t.Parallel()
	p := NewExitPolicy(testExitConfig())
	pos := openPosition(0.40)
	target := time.Now().Add(24 * time.Hour)

	// +2.5%: no band touched
	if got := p.Check(pos, 0.41, 0.95, target, time.Now()); got != "" {
		t.Errorf("exit = %q, want hold", got)
	}
	if pos.TrailingArmed {
		t.Error("trailing armed below activation")
	}
}
