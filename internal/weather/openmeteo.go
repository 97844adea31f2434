// openmeteo.go — Open-Meteo client (free, keyless, real batch support).
//
// Open-Meteo accepts comma-separated latitude/longitude lists and answers
// with one JSON object per location, which makes it the only provider here
// that can poll every tracked city in a single request. That is why it is
// the primary during HIGH urgency.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"weatheredge/pkg/types"
)

const openMeteoBaseURL = "https://api.open-meteo.com/v1/forecast"

// OpenMeteo is the primary free provider.
type OpenMeteo struct {
	client *resty.Client
	logger *slog.Logger
}

// NewOpenMeteo builds the client. No API key exists for this provider.
func NewOpenMeteo(timeout time.Duration, logger *slog.Logger) *OpenMeteo {
	return &OpenMeteo{
		client: resty.New().SetTimeout(timeout),
		logger: logger.With("component", "openmeteo"),
	}
}

func (o *OpenMeteo) Name() string { return "openmeteo" }

// IsConfigured is always true: Open-Meteo needs no credentials.
func (o *OpenMeteo) IsConfigured() bool { return true }

// openMeteoCurrent is the "current" block of the response.
type openMeteoCurrent struct {
	Temperature   float64 `json:"temperature_2m"`
	WindSpeed     float64 `json:"wind_speed_10m"`
	Precipitation float64 `json:"precipitation"`
	Time          string  `json:"time"`
}

type openMeteoResponse struct {
	Latitude  float64          `json:"latitude"`
	Longitude float64          `json:"longitude"`
	Current   openMeteoCurrent `json:"current"`
}

// Forecast fetches a single city.
func (o *OpenMeteo) Forecast(ctx context.Context, city types.City) (Forecast, error) {
	out, err := o.ForecastBatch(ctx, []types.City{city})
	if err != nil {
		return Forecast{}, err
	}
	return out[0], nil
}

// ForecastBatch fetches all cities in one request. The response is a bare
// object for one location and an array for several.
func (o *OpenMeteo) ForecastBatch(ctx context.Context, cities []types.City) ([]Forecast, error) {
	if len(cities) == 0 {
		return nil, nil
	}

	lats := make([]string, len(cities))
	lons := make([]string, len(cities))
	for i, c := range cities {
		lats[i] = fmt.Sprintf("%.4f", c.Lat)
		lons[i] = fmt.Sprintf("%.4f", c.Lon)
	}

	resp, err := o.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"latitude":         strings.Join(lats, ","),
			"longitude":        strings.Join(lons, ","),
			"current":          "temperature_2m,wind_speed_10m,precipitation",
			"temperature_unit": "fahrenheit",
			"wind_speed_unit":  "kmh",
			"timezone":         "UTC",
		}).
		Get(openMeteoBaseURL)
	if err != nil {
		return nil, fmt.Errorf("openmeteo: %w", err)
	}
	if resp.StatusCode() == http.StatusTooManyRequests {
		return nil, fmt.Errorf("openmeteo: %w", ErrRateLimited)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("openmeteo: status %d: %s", resp.StatusCode(), resp.String())
	}

	body := resp.Body()
	var parsed []openMeteoResponse
	if len(cities) == 1 {
		var single openMeteoResponse
		if err := json.Unmarshal(body, &single); err != nil {
			return nil, fmt.Errorf("openmeteo: decode: %w", err)
		}
		parsed = []openMeteoResponse{single}
	} else if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("openmeteo: decode: %w", err)
	}
	if len(parsed) != len(cities) {
		return nil, fmt.Errorf("openmeteo: got %d locations, asked for %d", len(parsed), len(cities))
	}

	now := time.Now().UTC()
	out := make([]Forecast, len(cities))
	for i, p := range parsed {
		out[i] = Forecast{
			CityID:       cities[i].ID,
			TempF:        p.Current.Temperature,
			WindSpeedKmh: p.Current.WindSpeed,
			PrecipMm:     p.Current.Precipitation,
			At:           now,
		}
	}
	return out, nil
}
