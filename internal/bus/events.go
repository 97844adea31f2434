// events.go defines the payload structs carried by each bus tag.
//
// One struct per tag family; subscribers type-assert on the payload they
// expect. A mismatched assertion is a programmer error, caught in tests.
package bus

import (
	"time"

	"weatheredge/pkg/types"
)

// WindowOpenEvent rides detection-window-open and fallback-window-open.
type WindowOpenEvent struct {
	Window types.DetectionWindow
}

// FileDetectedEvent rides file-detected: the HEAD probe saw the object.
type FileDetectedEvent struct {
	File       types.ExpectedFile
	DetectedAt time.Time
	LatencyMs  int64 // detection poll start → 200 response
}

// FileConfirmedEvent rides file-confirmed: downloaded, decoded, converted.
type FileConfirmedEvent struct {
	Cycle        types.CycleKey
	Cities       []types.CityObservation
	E2ELatencyMs int64 // window open → decode complete
}

// SnapshotEvent rides api-data and forecast-changed.
type SnapshotEvent struct {
	Snapshot types.ForecastSnapshot
	Previous *types.ForecastSnapshot // nil when no prior value existed
}

// ProviderEvent rides quota-exceeded, rate-limited, and provider-fetch.
// Warning marks the one-shot soft-threshold crossing rather than a hard
// gate flip.
type ProviderEvent struct {
	Provider string
	Warning  bool
	ResetAt  *time.Time // rate-limit clear time, when known
}

// BurstEvent rides burst-enter and burst-exit.
type BurstEvent struct {
	CityID  string // city whose forecast change triggered the burst
	Started time.Time
}

// PositionClosedEvent rides position-closed with the realized result.
type PositionClosedEvent struct {
	Position    types.Position
	ExitPrice   float64
	RealizedPnL float64 // USD
	Reason      string
}
