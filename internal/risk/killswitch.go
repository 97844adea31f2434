// Package risk enforces the portfolio kill switch.
//
// The governor consumes realized PnL from closed positions and checks three
// halt conditions against running capital:
//
//   - Daily loss:         capital down DailyLossLimit from the UTC-day start
//   - Drawdown:           capital down MaxDrawdownLimit from its peak
//   - Consecutive losses: ConsecutiveLossLimit realized losses in a row
//
// All three are gated behind MinTradesBeforeKill so a couple of unlucky
// trades on a fresh book cannot halt the engine. When a condition fires,
// the governor emits a KillSignal on KillCh() and stays triggered for the
// cooldown (24h by default) or until a manual Reset. The triggered flag
// deliberately survives the UTC day rollover: a fresh day does not forgive
// yesterday's blowup.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"weatheredge/internal/bus"
	"weatheredge/internal/config"
)

// KillSignal tells the engine to stop opening positions.
type KillSignal struct {
	Reason string
	At     time.Time
}

// Governor tracks realized capital and enforces the kill switch.
type Governor struct {
	cfg    config.RiskConfig
	logger *slog.Logger

	mu              sync.Mutex
	day             time.Time // UTC date of the current accounting day
	capital         float64   // starting capital + cumulative realized PnL
	dailyStart      float64   // capital at the start of the UTC day
	peak            float64   // high-water mark
	consecutiveLoss int
	tradesClosed    int
	triggered       bool
	reason          string
	triggeredUntil  time.Time

	killCh chan KillSignal
}

// Snapshot is the governor's state for the status report.
type Snapshot struct {
	Capital         float64   `json:"capital"`
	DailyPnL        float64   `json:"daily_pnl"`
	PeakCapital     float64   `json:"peak_capital"`
	TradesClosed    int       `json:"trades_closed"`
	ConsecutiveLoss int       `json:"consecutive_losses"`
	Triggered       bool      `json:"kill_switch_triggered"`
	Reason          string    `json:"kill_switch_reason,omitempty"`
	TriggeredUntil  time.Time `json:"kill_switch_until,omitzero"`
}

// NewGovernor creates a kill-switch governor with the given bankroll.
func NewGovernor(cfg config.RiskConfig, startingCapital float64, logger *slog.Logger) *Governor {
	return &Governor{
		cfg:        cfg,
		logger:     logger.With("component", "risk"),
		day:        utcDate(time.Now()),
		capital:    startingCapital,
		dailyStart: startingCapital,
		peak:       startingCapital,
		killCh:     make(chan KillSignal, 4),
	}
}

// Run feeds the governor from position-closed events. Blocks until ctx is
// cancelled. A periodic tick clears an expired cooldown even when no trades
// arrive.
func (g *Governor) Run(ctx context.Context, b *bus.Bus) error {
	sub, err := b.Subscribe(bus.TagPositionClosed, 0)
	if err != nil {
		return err
	}
	defer b.Unsubscribe(sub)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-sub.Events():
			if closed, ok := ev.Payload.(bus.PositionClosedEvent); ok {
				g.RecordClose(closed.RealizedPnL, ev.At)
			}
		case <-ticker.C:
			g.mu.Lock()
			g.rolloverLocked(time.Now())
			g.clearExpiredLocked(time.Now())
			g.mu.Unlock()
		}
	}
}

// KillCh returns the channel the engine reads kill signals from.
func (g *Governor) KillCh() <-chan KillSignal { return g.killCh }

// RecordClose folds one closed position's realized PnL into the books and
// evaluates the halt conditions.
func (g *Governor) RecordClose(realizedPnL float64, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rolloverLocked(at)

	g.capital += realizedPnL
	if g.capital > g.peak {
		g.peak = g.capital
	}
	if realizedPnL < 0 {
		g.consecutiveLoss++
	} else {
		g.consecutiveLoss = 0
	}
	g.tradesClosed++

	if g.tradesClosed < g.cfg.MinTradesBeforeKill {
		return
	}

	if g.dailyStart > 0 {
		dailyLoss := (g.dailyStart - g.capital) / g.dailyStart
		if dailyLoss >= g.cfg.DailyLossLimit {
			g.emitKillLocked(fmt.Sprintf("daily loss %.1f%% of day-start capital", dailyLoss*100), at)
			return
		}
	}

	if g.peak > 0 {
		drawdown := (g.peak - g.capital) / g.peak
		if drawdown >= g.cfg.MaxDrawdownLimit {
			g.emitKillLocked(fmt.Sprintf("drawdown %.1f%% from peak", drawdown*100), at)
			return
		}
	}

	if g.consecutiveLoss >= g.cfg.ConsecutiveLossLimit {
		g.emitKillLocked(fmt.Sprintf("%d consecutive losses", g.consecutiveLoss), at)
	}
}

// Active reports whether the kill switch is engaged, clearing it first if
// the cooldown has expired.
func (g *Governor) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clearExpiredLocked(time.Now())
	return g.triggered
}

// Reset clears the kill switch manually, keeping the capital books intact.
func (g *Governor) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.triggered {
		g.logger.Warn("kill switch manually reset", "reason", g.reason)
	}
	g.triggered = false
	g.reason = ""
	g.triggeredUntil = time.Time{}
	g.consecutiveLoss = 0
}

// Capital returns the current realized capital.
func (g *Governor) Capital() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.capital
}

// State returns a copy of the governor's books.
func (g *Governor) State() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clearExpiredLocked(time.Now())

	return Snapshot{
		Capital:         g.capital,
		DailyPnL:        g.capital - g.dailyStart,
		PeakCapital:     g.peak,
		TradesClosed:    g.tradesClosed,
		ConsecutiveLoss: g.consecutiveLoss,
		Triggered:       g.triggered,
		Reason:          g.reason,
		TriggeredUntil:  g.triggeredUntil,
	}
}

// rolloverLocked starts a new accounting day at the first event past UTC
// midnight. The triggered flag is left alone.
func (g *Governor) rolloverLocked(now time.Time) {
	day := utcDate(now)
	if !day.After(g.day) {
		return
	}
	g.logger.Info("risk day rollover",
		"day", day.Format("2006-01-02"),
		"capital", g.capital,
		"daily_pnl", g.capital-g.dailyStart,
	)
	g.day = day
	g.dailyStart = g.capital
}

func (g *Governor) clearExpiredLocked(now time.Time) {
	if g.triggered && now.After(g.triggeredUntil) {
		g.logger.Info("kill switch cooldown expired", "reason", g.reason)
		g.triggered = false
		g.reason = ""
	}
}

// emitKillLocked engages the kill switch and sends a KillSignal. If the
// channel is full, the stale signal is drained first so the latest reason
// always gets through.
func (g *Governor) emitKillLocked(reason string, at time.Time) {
	if g.triggered {
		return
	}
	g.triggered = true
	g.reason = reason
	g.triggeredUntil = at.Add(g.cfg.Cooldown)

	g.logger.Error("KILL SWITCH",
		"reason", reason,
		"capital", g.capital,
		"cooldown_until", g.triggeredUntil,
	)

	sig := KillSignal{Reason: reason, At: at}
	select {
	case g.killCh <- sig:
	default:
		select {
		case <-g.killCh:
		default:
		}
		g.killCh <- sig
	}
}

func utcDate(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
