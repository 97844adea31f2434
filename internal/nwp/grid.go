// grid.go holds the per-model grid envelopes used to filter cities.
//
// Regional models only cover part of the globe; asking the decoder for a
// city outside the model domain just wastes its time budget. The envelopes
// are rectangular lat/lon approximations of the real (projected) grids —
// good enough as a pre-filter, never a correctness gate. A city outside
// bounds is skipped silently; this is the dominant source of "missing"
// cities in regional models.
package nwp

import "weatheredge/pkg/types"

type envelope struct {
	minLat, maxLat float64
	minLon, maxLon float64
}

// Rectangular approximations. HRRR's true grid is Lambert Conformal over
// CONUS; RAP extends over most of North America. Global models have no
// envelope.
var envelopes = map[types.ModelKind]envelope{
	types.ModelHRRR: {minLat: 21.1, maxLat: 52.6, minLon: -134.1, maxLon: -60.9},
	types.ModelRAP:  {minLat: 16.3, maxLat: 58.3, minLon: -139.9, maxLon: -57.4},
}

// InBounds reports whether (lat, lon) falls inside the model's domain.
// Global models always return true.
func InBounds(model types.ModelKind, lat, lon float64) bool {
	env, ok := envelopes[model]
	if !ok {
		return true
	}
	return lat >= env.minLat && lat <= env.maxLat && lon >= env.minLon && lon <= env.maxLon
}
