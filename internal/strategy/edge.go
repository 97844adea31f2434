// Package strategy is the opportunity core: it turns confirmed forecast
// changes into sized, risk-checked trade intents and manages open positions
// through their exit.
//
// The pipeline per forecast change is: evaluate (probability model + edge),
// size (Kelly band, edge decay, heat caps, liquidity), re-validate against
// the live price, then submit with at-most-one capture per (market,
// forecast value). Business-logic rejections are debug-logged and kept in a
// small ring for the status report; they never propagate as errors.
package strategy

import (
	"fmt"
	"math"
	"time"

	"weatheredge/internal/config"
	"weatheredge/pkg/types"
)

// guaranteedZ is the z-score beyond which the residual probability of the
// outcome flipping is under 1% and the opportunity is treated as
// near-certain.
const guaranteedZ = 2.33

// Signal is a qualified trading opportunity before sizing.
type Signal struct {
	Market        types.MarketState
	Snapshot      types.ForecastSnapshot
	Action        types.TradeAction
	ForecastProb  float64 // probability the YES outcome resolves true
	Edge          float64 // forecastProb edge over the priced side
	Strength      float64 // |F−T| / σ
	Sigma         float64 // σ for the metric at this horizon
	Guaranteed    bool
	SnapshotPrice float64 // price of the side being bought, at signal time
}

// DaysToEvent returns the event horizon in fractional days, floored at 0.
func DaysToEvent(targetDate, now time.Time) float64 {
	d := targetDate.Sub(now).Hours() / 24
	if d < 0 {
		return 0
	}
	return d
}

// SigmaFor returns the forecast uncertainty for a metric at a horizon of d
// days. Temperature forecasts tighten faster than wind or precipitation.
func SigmaFor(metric types.MetricType, d float64) float64 {
	if metric == types.MetricTemperature {
		return 1.5 + 0.8*d
	}
	return 3.0 + 1.0*d
}

// normCDF is the standard normal CDF.
func normCDF(z float64) float64 {
	return 0.5 * (1 + math.Erf(z/math.Sqrt2))
}

// Evaluate runs the probability model for one market against a forecast
// snapshot. A non-empty reject reason means the opportunity is noise or
// below the edge threshold; the zero Signal accompanies it.
func Evaluate(m types.MarketState, snap types.ForecastSnapshot, now time.Time, cfg config.StrategyConfig) (Signal, string) {
	d := DaysToEvent(m.TargetDate, now)
	sigma := SigmaFor(m.Metric, d)

	z := (snap.Value - m.Threshold) / sigma
	probAbove := normCDF(z)

	// probYes is the probability that the market's stated comparison holds.
	probYes := probAbove
	if m.Comparison == types.CompareBelow {
		probYes = 1 - probAbove
	}

	strength := math.Abs(snap.Value-m.Threshold) / sigma
	if strength < cfg.MinSigmaForArb {
		return Signal{}, fmt.Sprintf("signal strength %.2f below minimum %.2f", strength, cfg.MinSigmaForArb)
	}

	// The YES token pays when the comparison holds; edge on each side is the
	// model probability minus the side's price. Take the better side.
	edgeYes := probYes - m.YesPrice
	edgeNo := (1 - probYes) - m.NoPrice

	sig := Signal{
		Market:       m,
		Snapshot:     snap,
		ForecastProb: probYes,
		Strength:     strength,
		Sigma:        sigma,
		Guaranteed:   strength >= guaranteedZ,
	}
	if edgeYes >= edgeNo {
		sig.Action = types.ActionBuyYes
		sig.Edge = edgeYes
		sig.SnapshotPrice = m.YesPrice
	} else {
		sig.Action = types.ActionBuyNo
		sig.Edge = edgeNo
		sig.SnapshotPrice = m.NoPrice
	}

	if sig.Edge < cfg.MinEdgeThreshold {
		return Signal{}, fmt.Sprintf("edge %.3f below threshold %.3f", sig.Edge, cfg.MinEdgeThreshold)
	}
	return sig, ""
}

// LiveEdge recomputes the signal's edge against a live price for the side
// being bought.
func (s Signal) LiveEdge(livePrice float64) float64 {
	if s.Action == types.ActionBuyYes {
		return s.ForecastProb - livePrice
	}
	return (1 - s.ForecastProb) - livePrice
}
