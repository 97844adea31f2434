// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — NWP model cycles,
// forecast snapshots, market state, positions, and trade intents. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// ModelKind identifies a numerical weather prediction model.
type ModelKind string

const (
	ModelHRRR  ModelKind = "HRRR"  // High-Resolution Rapid Refresh — hourly, CONUS only
	ModelRAP   ModelKind = "RAP"   // Rapid Refresh — hourly, North America
	ModelGFS   ModelKind = "GFS"   // Global Forecast System — 6-hourly, global
	ModelECMWF ModelKind = "ECMWF" // ECMWF open data — 6-hourly, global
)

// AllModels lists every model in detection priority order. When multiple
// detection windows open in the same second, emission follows this order
// (highest-resolution first).
var AllModels = []ModelKind{ModelHRRR, ModelRAP, ModelECMWF, ModelGFS}

// MetricType identifies what a forecast value measures.
type MetricType string

const (
	MetricTemperature   MetricType = "temperature"   // °F at 2 m
	MetricWindSpeed     MetricType = "wind_speed"    // km/h at 10 m
	MetricPrecipitation MetricType = "precipitation" // mm accumulated at surface
)

// Unit returns the display unit for the metric.
func (m MetricType) Unit() string {
	switch m {
	case MetricTemperature:
		return "F"
	case MetricWindSpeed:
		return "kmh"
	case MetricPrecipitation:
		return "mm"
	default:
		return ""
	}
}

// SnapshotSource records which path produced a forecast snapshot.
type SnapshotSource string

const (
	SourceFile  SnapshotSource = "file"  // parsed from a GRIB publication
	SourceAPI   SnapshotSource = "api"   // fetched from a weather API
	SourceVenue SnapshotSource = "venue" // pushed by the venue webhook
)

// ConfirmationState tracks how trustworthy a snapshot is. Within a single
// producedAt the state only moves forward: PENDING → UNCONFIRMED →
// FILE_CONFIRMED. An API value arriving before any file yields
// API_UNCONFIRMED and is upgraded in place when the file lands.
type ConfirmationState string

const (
	StatePending        ConfirmationState = "PENDING"
	StateUnconfirmed    ConfirmationState = "UNCONFIRMED"
	StateAPIUnconfirmed ConfirmationState = "API_UNCONFIRMED"
	StateFileConfirmed  ConfirmationState = "FILE_CONFIRMED"
)

// Mode enumerates the operational polling regimes. Exactly one is active
// for the whole process at any instant.
type Mode string

const (
	ModeOpenMeteoPolling   Mode = "OPEN_METEO_POLLING"  // 1 Hz batched poll of the primary free API
	ModeMeteosourcePolling Mode = "METEOSOURCE_POLLING" // 1 Hz batched poll of the secondary paid API
	ModeWebsocketREST      Mode = "WEBSOCKET_REST"      // no polling; venue WS + file ingestion only
	ModeRoundRobinBurst    Mode = "ROUND_ROBIN_BURST"   // 60 s of 1 req/s rotating across providers
)

// Urgency classifies the current UTC time against the model publication
// calendar. HIGH windows bracket the 00Z and 12Z synoptic cycles.
type Urgency string

const (
	UrgencyLow    Urgency = "LOW"
	UrgencyMedium Urgency = "MEDIUM"
	UrgencyHigh   Urgency = "HIGH"
)

// Side is the outcome token a position holds.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Comparison is the direction of a market's threshold question.
type Comparison string

const (
	CompareAbove Comparison = "above"
	CompareBelow Comparison = "below"
)

// ————————————————————————————————————————————————————————————————————————
// NWP cycles and detection
// ————————————————————————————————————————————————————————————————————————

// CycleKey uniquely names a single model run: model + UTC date + cycle hour.
type CycleKey struct {
	Model ModelKind
	Date  time.Time // UTC midnight of the cycle date
	Hour  int       // cycle hour, 0–23
}

// Start returns the cycle's nominal start instant (date + hour, UTC).
func (k CycleKey) Start() time.Time {
	return time.Date(k.Date.Year(), k.Date.Month(), k.Date.Day(), k.Hour, 0, 0, 0, time.UTC)
}

// String renders the key as e.g. "HRRR-20260201-00z".
func (k CycleKey) String() string {
	return fmt.Sprintf("%s-%s-%02dz", k.Model, k.Date.Format("20060102"), k.Hour)
}

// ExpectedFile names the object-store key a cycle is expected to publish.
// Pure function of the CycleKey and the per-model path template.
type ExpectedFile struct {
	Cycle        CycleKey
	ForecastHour int    // hours ahead of cycle time (0 for HRRR/RAP, 3 for GFS)
	Bucket       string // e.g. "noaa-hrrr-pds"
	Key          string // rendered object key within the bucket
}

// DetectionWindow bounds when the detector polls for a cycle's file and
// when the API fallback runs. Invariant: EarliestPoll < FallbackStart ≤
// LatestPoll.
type DetectionWindow struct {
	Cycle         CycleKey
	EarliestPoll  time.Time // cycleStart + firstFileDelay − earlyStartBuffer
	LatestPoll    time.Time // cycleStart + maxDetectionDuration
	FallbackStart time.Time // cycleStart + firstFileDelay
	FallbackEnd   time.Time // fallbackStart + fallbackMaxDuration
}

// GridPoint is the decoder's raw output for one city: SI units straight
// from the GRIB fields, before boundary conversion.
type GridPoint struct {
	Lat      float64
	Lon      float64
	TempK    float64 // TMP:2 m above ground, Kelvin
	WindU    float64 // UGRD:10 m above ground, m/s
	WindV    float64 // VGRD:10 m above ground, m/s
	PrecipMm float64 // APCP:surface, mm
}

// CityObservation is one city's converted reading from a parsed file:
// Fahrenheit temperature, km/h wind speed, degrees wind direction.
type CityObservation struct {
	CityID       string
	TempF        float64
	WindSpeedKmh float64
	WindDirDeg   float64 // atan2(v,u) normalized to [0,360)
	PrecipMm     float64
}

// ————————————————————————————————————————————————————————————————————————
// Forecasts
// ————————————————————————————————————————————————————————————————————————

// ForecastSnapshot is a single confirmed-or-pending forecast value for one
// (city, metric). Snapshots move between components by value; the
// confirmation manager owns the canonical copy for the trading day.
type ForecastSnapshot struct {
	CityID     string
	Metric     MetricType
	Value      float64
	Unit       string
	ValidTime  time.Time
	Source     SnapshotSource
	State      ConfirmationState
	ProducedAt time.Time
	Cycle      *CycleKey // nil for API- and venue-sourced snapshots
}

// City is one tracked location with its model routing. CONUS cities route
// to HRRR; everything else to a global model.
type City struct {
	ID    string    `mapstructure:"id"`
	Name  string    `mapstructure:"name"`
	Lat   float64   `mapstructure:"lat"`
	Lon   float64   `mapstructure:"lon"`
	Model ModelKind `mapstructure:"model"`
}

// ————————————————————————————————————————————————————————————————————————
// Markets, positions, captures
// ————————————————————————————————————————————————————————————————————————

// PricePoint is one observed (yes, no) price pair for a market.
type PricePoint struct {
	YesPrice float64
	NoPrice  float64
	At       time.Time
}

// MarketState is the engine's view of one tradeable weather market.
// Owned exclusively by the DataStore; readers outside the strategy layer
// receive copies.
type MarketState struct {
	MarketID     string
	Question     string // e.g. "NYC high ≥ 40°F on Feb 2?"
	CityID       string
	Metric       MetricType
	Threshold    float64
	Comparison   Comparison
	YesPrice     float64
	NoPrice      float64
	TargetDate   time.Time
	LastForecast *ForecastSnapshot
	UpdatedAt    time.Time
}

// PriceUpdate is a venue price tick for one market.
type PriceUpdate struct {
	MarketID string
	YesPrice float64
	NoPrice  float64
	At       time.Time
}

// CapturedOpportunity marks that a trade has been taken against a given
// forecast value. Further signals on the market are blocked until the
// forecast moves by at least one unit (°F or mm).
type CapturedOpportunity struct {
	MarketID      string
	ForecastValue float64
	CapturedAt    time.Time
}

// Position is one open holding. Unrealized PnL is derived, never stored.
type Position struct {
	ID            string
	MarketID      string
	Side          Side
	Shares        float64
	EntryPrice    float64
	CurrentPrice  float64
	EntryTime     time.Time
	KellyFraction float64
	SigmaAtEntry  float64

	// Trailing stop state, owned by the exit policy.
	PeakPrice     float64
	TrailingArmed bool
}

// UnrealizedPnL returns the mark-to-market profit fraction relative to cost.
func (p Position) UnrealizedPnL() float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	return (p.CurrentPrice - p.EntryPrice) / p.EntryPrice
}

// ————————————————————————————————————————————————————————————————————————
// Trade intents
// ————————————————————————————————————————————————————————————————————————

// TradeAction is the order direction a signal resolves to.
type TradeAction string

const (
	ActionBuyYes TradeAction = "buy_yes"
	ActionBuyNo  TradeAction = "buy_no"
)

// TradeIntent is the sized, risk-checked output of the opportunity core.
// SizeUSD reflects every sizing stage (Kelly band, edge decay, heat caps,
// liquidity). PriceLimit is set at execution time from the live price.
type TradeIntent struct {
	MarketID      string
	Action        TradeAction
	SizeUSD       float64
	PriceLimit    float64
	Edge          float64
	Kelly         float64
	Sigma         float64
	Guaranteed    bool    // |F−T| far enough out that the outcome is near-certain
	SnapshotPrice float64 // price the edge was computed against
	ForecastValue float64
	CreatedAt     time.Time
}

// RejectedIntent records why a would-be trade was dropped. Kept in a ring
// for the status report; business-logic rejections never propagate.
type RejectedIntent struct {
	MarketID string
	Reason   string
	At       time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Venue order book
// ————————————————————————————————————————————————————————————————————————

// BookLevel is a single bid or ask level.
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// MarketBook is a point-in-time order book snapshot for one market's YES
// token. The liquidity constraint reads best-level depth from here.
type MarketBook struct {
	MarketID  string      `json:"market_id"`
	Bids      []BookLevel `json:"bids"` // sorted descending, best bid first
	Asks      []BookLevel `json:"asks"` // sorted ascending, best ask first
	Timestamp time.Time   `json:"timestamp"`
}

// BestBid returns the top bid level, or a zero level if the book is empty.
func (b MarketBook) BestBid() BookLevel {
	if len(b.Bids) == 0 {
		return BookLevel{}
	}
	return b.Bids[0]
}

// BestAsk returns the top ask level, or a zero level if the book is empty.
func (b MarketBook) BestAsk() BookLevel {
	if len(b.Asks) == 0 {
		return BookLevel{}
	}
	return b.Asks[0]
}

// Spread returns ask − bid, or 0 when either side is empty.
func (b MarketBook) Spread() float64 {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price - b.Bids[0].Price
}

// ————————————————————————————————————————————————————————————————————————
// Status reporting
// ————————————————————————————————————————————————————————————————————————

// ProviderUsage is one provider's tracker state for the status report.
type ProviderUsage struct {
	Provider      string     `json:"provider"`
	CallCount     int        `json:"call_count"`
	DailyLimit    int        `json:"daily_limit"`
	HardQuota     int        `json:"hard_quota"`
	UsagePercent  float64    `json:"usage_percent"`
	RateLimited   bool       `json:"rate_limited"`
	QuotaExceeded bool       `json:"quota_exceeded"`
	LastCallAt    *time.Time `json:"last_call_at,omitempty"`
}

// ModeTransition is published on the bus whenever the controller changes
// operating mode. Transitions are totally ordered globally.
type ModeTransition struct {
	From   Mode
	To     Mode
	Reason string
	At     time.Time
}

// StatusReport is the full externally-visible engine state, served by the
// status endpoint and the CLI status() call.
type StatusReport struct {
	Mode             Mode             `json:"mode"`
	Urgency          Urgency          `json:"urgency"`
	AutoMode         bool             `json:"auto_mode"`
	BurstActive      bool             `json:"burst_active"`
	Providers        []ProviderUsage  `json:"providers"`
	OpenPositions    []Position       `json:"open_positions"`
	ActiveCaptures   int              `json:"active_captures"`
	KillSwitchActive bool             `json:"kill_switch_active"`
	KillSwitchReason string           `json:"kill_switch_reason,omitempty"`
	PortfolioValue   float64          `json:"portfolio_value"`
	CashBalance      float64          `json:"cash_balance"`
	RecentRejections []RejectedIntent `json:"recent_rejections"`
	GeneratedAt      time.Time        `json:"generated_at"`
}
