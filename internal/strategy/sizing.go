// sizing.go turns a qualified signal into a dollar size.
//
// Stages, in order: Kelly confidence band, edge-decay multiplier,
// concentration bonus, per-position cap, liquidity constraint, then the
// portfolio heat caps scale the result down to whatever headroom remains.
// Anything under the minimum position size is rejected.
package strategy

import (
	"fmt"
	"math"
	"time"

	"weatheredge/internal/config"
	"weatheredge/pkg/types"
)

const (
	decayHalfLife = 60 * time.Second
	maxEdgeAge    = 120 * time.Second
	decayFloor    = 0.1

	concentrationEdge  = 0.10
	concentrationKelly = 0.20
	concentrationBonus = 1.5

	liquidityDepthShare = 0.10 // of the smaller best-level depth
	wideSpread          = 0.05
	wideSpreadHaircut   = 0.7
)

// KellyBand maps signal strength to a fractional Kelly multiplier.
// Guaranteed outcomes get 3/4-Kelly regardless of band.
func KellyBand(strength float64, guaranteed bool) float64 {
	switch {
	case guaranteed:
		return 0.75
	case strength >= 2.0:
		return 0.50
	case strength >= 1.0:
		return 0.25
	case strength >= 0.5:
		return 0.125
	default:
		return 0
	}
}

// DecayFactor is the staleness multiplier for a signal of the given age:
// half-life 60 s, floored at 0.1. Ages beyond maxEdgeAge return 0 and the
// signal is dropped.
func DecayFactor(age time.Duration) float64 {
	if age > maxEdgeAge {
		return 0
	}
	f := math.Exp(-math.Ln2 * age.Seconds() / decayHalfLife.Seconds())
	if f < decayFloor {
		return decayFloor
	}
	return f
}

// PortfolioView is the heat-cap input: the trader's current books plus the
// exposure already carried against this signal's city and (city, date).
type PortfolioView struct {
	Value            float64 // cash + position exposure
	Cash             float64
	Exposure         float64
	KellyHeat        float64 // sum of open-position Kelly fractions
	CityExposure     float64
	CityDateExposure float64
}

// SizedOrder is the sizing outcome.
type SizedOrder struct {
	SizeUSD float64
	Kelly   float64
}

// Size runs every sizing stage for a signal. A non-empty reason means the
// opportunity is rejected.
// spreadHint is a spread estimate for when no book is available (0 when
// unknown).
func Size(sig Signal, age time.Duration, pf PortfolioView, book *types.MarketBook, spreadHint float64, cfg config.StrategyConfig) (SizedOrder, string) {
	decay := DecayFactor(age)
	if decay == 0 {
		return SizedOrder{}, fmt.Sprintf("signal age %s beyond maximum", age.Round(time.Second))
	}

	kelly := KellyBand(sig.Strength, sig.Guaranteed)
	if kelly == 0 {
		return SizedOrder{}, fmt.Sprintf("strength %.2f below any Kelly band", sig.Strength)
	}

	size := pf.Value * kelly * sig.Edge * decay

	if sig.Edge > concentrationEdge && kelly > concentrationKelly {
		size *= concentrationBonus
	}
	if size > cfg.MaxPositionSize {
		size = cfg.MaxPositionSize
	}

	size = applyLiquidity(size, book, spreadHint)

	// Portfolio heat: shrink to the tightest remaining headroom.
	headroom := size
	if h := cfg.MaxTotalExposure*pf.Value - pf.Exposure; h < headroom {
		headroom = h
	}
	if h := pf.Cash - cfg.MinCashReserve*pf.Value; h < headroom {
		headroom = h
	}
	if h := cfg.MaxCityExposure*pf.Value - pf.CityExposure; h < headroom {
		headroom = h
	}
	if h := cfg.MaxCityDateExposure*pf.Value - pf.CityDateExposure; h < headroom {
		headroom = h
	}
	if headroom < size {
		size = headroom
	}

	// Kelly heat cap scales the position, and its Kelly share with it.
	if pf.KellyHeat+kelly > cfg.MaxKellyHeat {
		room := cfg.MaxKellyHeat - pf.KellyHeat
		if room <= 0 {
			return SizedOrder{}, "kelly heat cap exhausted"
		}
		size *= room / kelly
		kelly = room
	}

	if size < cfg.MinPositionSize {
		return SizedOrder{}, fmt.Sprintf("scaled size $%.2f below minimum $%.2f", size, cfg.MinPositionSize)
	}
	return SizedOrder{SizeUSD: size, Kelly: kelly}, ""
}

// applyLiquidity bounds the order by visible book depth, or by a spread
// haircut when no book snapshot is available.
func applyLiquidity(size float64, book *types.MarketBook, spreadHint float64) float64 {
	if book != nil && len(book.Bids) > 0 && len(book.Asks) > 0 {
		depth := book.BestBid().Size
		if ask := book.BestAsk().Size; ask < depth {
			depth = ask
		}
		if limit := liquidityDepthShare * depth; size > limit {
			size = limit
		}
		return size
	}

	if spreadHint > wideSpread {
		size *= wideSpreadHaircut
	}
	return size
}
