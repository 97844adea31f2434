// exits.go is the per-position exit policy.
//
// Each check pass takes the live price for the held side and the current
// model probability. Take-profit and stop-loss are exclusive; once the
// trailing stop arms it dominates both. Fair-value convergence and the
// target-date timeout apply regardless.
package strategy

import (
	"fmt"
	"math"
	"time"

	"weatheredge/internal/config"
	"weatheredge/pkg/types"
)

// Exit reasons, also used on position-closed events.
const (
	ExitTakeProfit   = "take-profit"
	ExitStopLoss     = "stop-loss"
	ExitTrailingStop = "trailing-stop"
	ExitFairValue    = "fair-value"
	ExitTimeout      = "timeout"
)

// ExitPolicy evaluates open positions against the configured thresholds.
type ExitPolicy struct {
	cfg config.ExitConfig
}

// NewExitPolicy builds the policy.
func NewExitPolicy(cfg config.ExitConfig) *ExitPolicy {
	return &ExitPolicy{cfg: cfg}
}

// Check updates the position's mark and trailing state in place and returns
// a non-empty exit reason when the position should be closed at livePrice.
//
// forecastProb is the model probability for the held side; targetDate is
// the market's resolution date.
func (p *ExitPolicy) Check(pos *types.Position, livePrice, forecastProb float64, targetDate, now time.Time) string {
	pos.CurrentPrice = livePrice
	if livePrice > pos.PeakPrice {
		pos.PeakPrice = livePrice
	}

	if now.After(targetDate) {
		return ExitTimeout
	}

	pnl := pos.UnrealizedPnL()

	if pos.TrailingArmed {
		if livePrice <= pos.PeakPrice-p.cfg.TrailingOffset {
			return ExitTrailingStop
		}
	} else {
		if pnl >= p.cfg.TakeProfit {
			return ExitTakeProfit
		}
		if pnl <= p.cfg.StopLoss {
			return ExitStopLoss
		}
		// Arm the trailing stop once the activation profit has been seen;
		// from here it dominates take-profit and stop-loss.
		if pnl >= p.cfg.TrailingActivation {
			pos.TrailingArmed = true
		}
	}

	if math.Abs(livePrice-forecastProb) < p.cfg.ConvergenceBand {
		return ExitFairValue
	}
	return ""
}

// describe renders an exit for logs.
func describe(reason string, pos *types.Position, livePrice float64) string {
	return fmt.Sprintf("%s: entry %.3f exit %.3f pnl %+.1f%%",
		reason, pos.EntryPrice, livePrice, pos.UnrealizedPnL()*100)
}
