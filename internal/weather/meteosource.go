// meteosource.go — Meteosource point API client (keyed, 500 calls/day).
package weather

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"weatheredge/pkg/types"
)

const meteosourceBaseURL = "https://www.meteosource.com/api/v1/free/point"

// Meteosource is the secondary paid provider used in MEDIUM/LOW urgency.
type Meteosource struct {
	apiKey string
	client *resty.Client
	logger *slog.Logger
}

// NewMeteosource builds the client.
func NewMeteosource(apiKey string, timeout time.Duration, logger *slog.Logger) *Meteosource {
	return &Meteosource{
		apiKey: apiKey,
		client: resty.New().SetTimeout(timeout),
		logger: logger.With("component", "meteosource"),
	}
}

func (m *Meteosource) Name() string       { return "meteosource" }
func (m *Meteosource) IsConfigured() bool { return m.apiKey != "" }

type meteosourceResponse struct {
	Current struct {
		Temperature float64 `json:"temperature"` // °C (metric units)
		Wind        struct {
			Speed float64 `json:"speed"` // m/s
		} `json:"wind"`
		Precipitation struct {
			Total float64 `json:"total"` // mm
		} `json:"precipitation"`
	} `json:"current"`
}

// Forecast fetches the current conditions for one city.
func (m *Meteosource) Forecast(ctx context.Context, city types.City) (Forecast, error) {
	if !m.IsConfigured() {
		return Forecast{}, fmt.Errorf("meteosource: %w", ErrNotConfigured)
	}

	var body meteosourceResponse
	resp, err := m.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"lat":      fmt.Sprintf("%.4f", city.Lat),
			"lon":      fmt.Sprintf("%.4f", city.Lon),
			"sections": "current",
			"units":    "metric",
			"key":      m.apiKey,
		}).
		SetResult(&body).
		Get(meteosourceBaseURL)
	if err != nil {
		return Forecast{}, fmt.Errorf("meteosource: %w", err)
	}
	if resp.StatusCode() == http.StatusTooManyRequests {
		return Forecast{}, fmt.Errorf("meteosource: %w", ErrRateLimited)
	}
	if resp.StatusCode() != http.StatusOK {
		return Forecast{}, fmt.Errorf("meteosource: status %d: %s", resp.StatusCode(), resp.String())
	}

	return Forecast{
		CityID:       city.ID,
		TempF:        body.Current.Temperature*9/5 + 32,
		WindSpeedKmh: body.Current.Wind.Speed * 3.6,
		PrecipMm:     body.Current.Precipitation.Total,
		At:           time.Now().UTC(),
	}, nil
}

// ForecastBatch loops single-city calls; Meteosource has no batch endpoint.
func (m *Meteosource) ForecastBatch(ctx context.Context, cities []types.City) ([]Forecast, error) {
	return forecastSingles(ctx, m, cities)
}
