// openweather.go — OpenWeatherMap current-weather client (keyed, 1,000/day).
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

const openWeatherBaseURL = "https://api.openweathermap.org/data/2.5/weather"

// OpenWeather is one of the burst-rotation providers.
type OpenWeather struct {
	apiKey string
	client *resty.Client
	logger *slog.Logger
}

// NewOpenWeather builds the client.
func NewOpenWeather(apiKey string, timeout time.Duration, logger *slog.Logger) *OpenWeather {
	return &OpenWeather{
		apiKey: apiKey,
		client: resty.New().SetTimeout(timeout),
		logger: logger.With("component", "openweather"),
	}
}

func (o *OpenWeather) Name() string       { return "openweather" }
func (o *OpenWeather) IsConfigured() bool { return o.apiKey != "" }

type openWeatherResponse struct {
	Main struct {
		Temp float64 `json:"temp"` // °F with units=imperial
	} `json:"main"`
	Wind struct {
		Speed float64 `json:"speed"` // mph with units=imperial
	} `json:"wind"`
	Rain struct {
		OneHour float64 `json:"1h"` // mm regardless of units
	} `json:"rain"`
}

// Forecast fetches the current conditions for one city.
func (o *OpenWeather) Forecast(ctx context.Context, city types.City) (Forecast, error) {
	if !o.IsConfigured() {
		return Forecast{}, fmt.Errorf("openweather: %w", ErrNotConfigured)
	}

	var body openWeatherResponse
	resp, err := o.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"lat":   fmt.Sprintf("%.4f", city.Lat),
			"lon":   fmt.Sprintf("%.4f", city.Lon),
			"units": "imperial",
			"appid": o.apiKey,
		}).
		SetResult(&body).
		Get(openWeatherBaseURL)
	if err != nil {
		return Forecast{}, fmt.Errorf("openweather: %w", err)
	}
	if resp.StatusCode() == http.StatusTooManyRequests {
		return Forecast{}, fmt.Errorf("openweather: %w", ErrRateLimited)
	}
	if resp.StatusCode() != http.StatusOK {
		return Forecast{}, fmt.Errorf("openweather: status %d: %s", resp.StatusCode(), resp.String())
	}

	return Forecast{
		CityID:       city.ID,
		TempF:        body.Main.Temp,
		WindSpeedKmh: body.Wind.Speed * 1.609344,
		PrecipMm:     body.Rain.OneHour,
		At:           time.Now().UTC(),
	}, nil
}

// ForecastBatch loops single-city calls; the current-weather endpoint is
// per-location.
func (o *OpenWeather) ForecastBatch(ctx context.Context, cities []types.City) ([]Forecast, error) {
	return forecastSingles(ctx, o, cities)
}
