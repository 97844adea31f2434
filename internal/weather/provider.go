// Package weather implements the external forecast API clients.
//
// Every provider is behind the Provider interface; the engine never talks
// HTTP directly. The Registry is the single entry point for fetches: it
// enforces quota and rate-limit gates from the call tracker, paces requests
// through a per-provider token bucket, and runs each call inside a circuit
// breaker so a flapping provider degrades to its alternates instead of
// stalling the poll loops.
package weather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"weatheredge/internal/config"
	"weatheredge/internal/tracker"
	"weatheredge/pkg/types"
)

// Sentinel errors the policy layer switches on.
var (
	ErrNotConfigured = errors.New("provider not configured")
	ErrRateLimited   = errors.New("provider rate limited")
	ErrQuotaExceeded = errors.New("provider quota exceeded")
)

// Forecast is one provider reading for one city, already in boundary units
// (°F, km/h, mm).
type Forecast struct {
	CityID       string
	TempF        float64
	WindSpeedKmh float64
	PrecipMm     float64
	At           time.Time
}

// Provider is a single weather API.
type Provider interface {
	Name() string
	IsConfigured() bool
	Forecast(ctx context.Context, city types.City) (Forecast, error)
	ForecastBatch(ctx context.Context, cities []types.City) ([]Forecast, error)
}

// Registry owns every configured provider plus the shared policy plumbing.
type Registry struct {
	logger   *slog.Logger
	tracker  *tracker.Tracker
	timeout  time.Duration
	entries  map[string]Provider
	buckets  map[string]*TokenBucket
	breakers map[string]*gobreaker.CircuitBreaker[[]Forecast]
}

// NewRegistry builds the provider set from config. Providers without the
// credentials they need still register but report !IsConfigured; a name
// with no client is a config error.
func NewRegistry(cfg config.ProvidersConfig, tr *tracker.Tracker, logger *slog.Logger) (*Registry, error) {
	timeout := time.Duration(cfg.RequestTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 8 * time.Second
	}

	r := &Registry{
		logger:   logger.With("component", "weather"),
		tracker:  tr,
		timeout:  timeout,
		entries:  make(map[string]Provider),
		buckets:  make(map[string]*TokenBucket),
		breakers: make(map[string]*gobreaker.CircuitBreaker[[]Forecast]),
	}

	for name, pc := range cfg.Entries {
		var p Provider
		switch name {
		case "openmeteo":
			p = NewOpenMeteo(timeout, logger)
		case "meteosource":
			p = NewMeteosource(pc.APIKey, timeout, logger)
		case "tomorrow":
			p = NewTomorrowIO(pc.APIKey, timeout, logger)
		case "openweather":
			p = NewOpenWeather(pc.APIKey, timeout, logger)
		default:
			return nil, fmt.Errorf("providers.entries: unknown provider %q", name)
		}
		r.register(name, p)
	}
	return r, nil
}

func (r *Registry) register(name string, p Provider) {
	r.entries[name] = p
	// 2-token burst at 1 req/s: polling modes run at 1 Hz and the burst
	// rotation is 1 req/s by definition.
	r.buckets[name] = NewTokenBucket(2, 1)
	r.breakers[name] = gobreaker.NewCircuitBreaker[[]Forecast](gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.TotalFailures >= 5
		},
	})
}

// Provider returns a registered provider by name.
func (r *Registry) Provider(name string) (Provider, bool) {
	p, ok := r.entries[name]
	return p, ok
}

// Names returns the registered provider names.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	return out
}

// Fetch runs one gated, paced, tracked batch fetch against a provider.
// Gate order matters: quota and rate-limit checks are free and happen
// before the token wait, so a gated provider never burns pacing budget.
func (r *Registry) Fetch(ctx context.Context, provider string, cities []types.City) ([]Forecast, error) {
	p, ok := r.entries[provider]
	if !ok {
		return nil, fmt.Errorf("fetch: unknown provider %q", provider)
	}
	if !p.IsConfigured() {
		return nil, fmt.Errorf("fetch %s: %w", provider, ErrNotConfigured)
	}
	if r.tracker.IsQuotaExceeded(provider) {
		return nil, fmt.Errorf("fetch %s: %w", provider, ErrQuotaExceeded)
	}
	if r.tracker.IsRateLimited(provider) {
		return nil, fmt.Errorf("fetch %s: %w", provider, ErrRateLimited)
	}

	if err := r.buckets[provider].Wait(ctx); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", provider, err)
	}

	fctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	forecasts, err := r.breakers[provider].Execute(func() ([]Forecast, error) {
		return p.ForecastBatch(fctx, cities)
	})

	r.tracker.Record(provider, err == nil)

	if errors.Is(err, ErrRateLimited) {
		r.tracker.MarkRateLimited(provider, time.Now().Add(time.Minute))
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", provider, err)
	}
	return forecasts, nil
}

// forecastSingles is the batch fallback for providers without a batch API:
// sequential single-city calls sharing one context.
func forecastSingles(ctx context.Context, p Provider, cities []types.City) ([]Forecast, error) {
	out := make([]Forecast, 0, len(cities))
	for _, c := range cities {
		f, err := p.Forecast(ctx, c)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}
