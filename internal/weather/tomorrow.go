// tomorrow.go — Tomorrow.io realtime API client (keyed, 1,000 calls/day).
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

const tomorrowBaseURL = "https://api.tomorrow.io/v4/weather/realtime"

// TomorrowIO is one of the burst-rotation providers.
type TomorrowIO struct {
	apiKey string
	client *resty.Client
	logger *slog.Logger
}

// NewTomorrowIO builds the client.
func NewTomorrowIO(apiKey string, timeout time.Duration, logger *slog.Logger) *TomorrowIO {
	return &TomorrowIO{
		apiKey: apiKey,
		client: resty.New().SetTimeout(timeout),
		logger: logger.With("component", "tomorrow"),
	}
}

func (t *TomorrowIO) Name() string       { return "tomorrow" }
func (t *TomorrowIO) IsConfigured() bool { return t.apiKey != "" }

type tomorrowResponse struct {
	Data struct {
		Values struct {
			Temperature            float64 `json:"temperature"`            // °C
			WindSpeed              float64 `json:"windSpeed"`              // m/s
			PrecipitationIntensity float64 `json:"precipitationIntensity"` // mm/h
		} `json:"values"`
	} `json:"data"`
}

// Forecast fetches the realtime conditions for one city.
func (t *TomorrowIO) Forecast(ctx context.Context, city types.City) (Forecast, error) {
	if !t.IsConfigured() {
		return Forecast{}, fmt.Errorf("tomorrow: %w", ErrNotConfigured)
	}

	var body tomorrowResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"location": fmt.Sprintf("%.4f,%.4f", city.Lat, city.Lon),
			"units":    "metric",
			"apikey":   t.apiKey,
		}).
		SetResult(&body).
		Get(tomorrowBaseURL)
	if err != nil {
		return Forecast{}, fmt.Errorf("tomorrow: %w", err)
	}
	if resp.StatusCode() == http.StatusTooManyRequests {
		return Forecast{}, fmt.Errorf("tomorrow: %w", ErrRateLimited)
	}
	if resp.StatusCode() != http.StatusOK {
		return Forecast{}, fmt.Errorf("tomorrow: status %d: %s", resp.StatusCode(), resp.String())
	}

	return Forecast{
		CityID:       city.ID,
		TempF:        body.Data.Values.Temperature*9/5 + 32,
		WindSpeedKmh: body.Data.Values.WindSpeed * 3.6,
		PrecipMm:     body.Data.Values.PrecipitationIntensity,
		At:           time.Now().UTC(),
	}, nil
}

// ForecastBatch loops single-city calls; the realtime endpoint is per-location.
func (t *TomorrowIO) ForecastBatch(ctx context.Context, cities []types.City) ([]Forecast, error) {
	return forecastSingles(ctx, t, cities)
}
