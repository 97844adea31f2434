// Package config defines all configuration for the weather trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via WX_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"weatheredge/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun     bool             `mapstructure:"dry_run"`
	Cities     []types.City     `mapstructure:"cities"`
	Detection  DetectionConfig  `mapstructure:"detection"`
	Decoder    DecoderConfig    `mapstructure:"decoder"`
	Fallback   FallbackConfig   `mapstructure:"fallback"`
	Providers  ProvidersConfig  `mapstructure:"providers"`
	Controller ControllerConfig `mapstructure:"controller"`
	Strategy   StrategyConfig   `mapstructure:"strategy"`
	Exit       ExitConfig       `mapstructure:"exit"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Portfolio  PortfolioConfig  `mapstructure:"portfolio"`
	Venue      VenueConfig      `mapstructure:"venue"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// DetectionConfig tunes the S3 file detector.
//
//   - PollIntervalMs: HEAD poll cadence while waiting for a publication.
//     Clamped to 100–250 ms; below 100 hammers S3, above 250 gives up the
//     latency advantage over the API path.
//   - MaxDetectionMinutes: give up on a cycle this long after cycle start.
//   - EarlyStartMinutes: per-model head start before the typical first-file
//     delay, so polling is already running when the file lands.
type DetectionConfig struct {
	PollIntervalMs      int                     `mapstructure:"poll_interval_ms"`
	MaxDetectionMinutes int                     `mapstructure:"max_detection_minutes"`
	HeadTimeoutMs       int                     `mapstructure:"head_timeout_ms"`
	DownloadTimeoutMs   int                     `mapstructure:"download_timeout_ms"`
	EarlyStartMinutes   map[types.ModelKind]int `mapstructure:"early_start_minutes"`
	FirstFileDelayMin   map[types.ModelKind]int `mapstructure:"first_file_delay_min"`
	TempDir             string                  `mapstructure:"temp_dir"`
}

// DecoderConfig names the external GRIB decoder binary and its time budget.
type DecoderConfig struct {
	Binary    string `mapstructure:"binary"`
	TimeoutMs int    `mapstructure:"timeout_ms"`
}

// FallbackConfig tunes the API fallback poller that runs while a file has
// not been detected yet.
type FallbackConfig struct {
	Provider   string `mapstructure:"provider"` // secondary provider name
	PollMs     int    `mapstructure:"poll_ms"`
	MaxMinutes int    `mapstructure:"max_minutes"`
}

// ProviderConfig is one weather API's credentials and budget. A zero
// HardQuota means no hard quota (the daily limit still drives warnings).
type ProviderConfig struct {
	APIKey           string  `mapstructure:"api_key"`
	DailyLimit       int     `mapstructure:"daily_limit"`
	HardQuota        int     `mapstructure:"hard_quota"`
	WarningThreshold float64 `mapstructure:"warning_threshold"`
}

// ProvidersConfig holds per-provider settings plus the shared request timeout.
type ProvidersConfig struct {
	RequestTimeoutMs int                       `mapstructure:"request_timeout_ms"`
	Entries          map[string]ProviderConfig `mapstructure:"entries"`
}

// ControllerConfig tunes the hybrid mode state machine.
//
//   - WebsocketRESTEnabled: allow the no-polling mode when urgency is LOW.
//   - BurstTriggerThreshold: minimum WS-detected forecast change (in metric
//     units) that triggers a round-robin burst from LOW urgency.
//   - BurstProviders: explicit rotation order for burst mode. A slice, not
//     a map, so rotation order is deterministic.
type ControllerConfig struct {
	WebsocketRESTEnabled  bool          `mapstructure:"websocket_rest_enabled"`
	BurstTriggerThreshold float64       `mapstructure:"burst_trigger_threshold"`
	BurstSeconds          int           `mapstructure:"burst_seconds"`
	BurstProviders        []string      `mapstructure:"burst_providers"`
	CheckInterval         time.Duration `mapstructure:"check_interval"`
}

// StrategyConfig tunes signal qualification, sizing, and execution.
//
//   - MinEdgeThreshold: minimum forecastProb − price edge to act at all.
//   - MinSigmaForArb: signal strength |F−T|/σ below which a change is noise.
//   - MinExecutionEdge / EdgeDegradationTolerance / MaxPriceDrift: the three
//     re-validation gates between signal and order.
//   - KellyFraction: baseline fractional Kelly; confidence bands scale it.
//   - MaxTotalExposure / MaxKellyHeat / MinCashReserve: portfolio heat caps.
type StrategyConfig struct {
	MinEdgeThreshold         float64       `mapstructure:"min_edge_threshold"`
	MinSigmaForArb           float64       `mapstructure:"min_sigma_for_arb"`
	MinExecutionEdge         float64       `mapstructure:"min_execution_edge"`
	EdgeDegradationTolerance float64       `mapstructure:"edge_degradation_tolerance"`
	MaxPriceDrift            float64       `mapstructure:"max_price_drift"`
	TradeCooldown            time.Duration `mapstructure:"trade_cooldown"`
	MaxPositionSize          float64       `mapstructure:"max_position_size"`
	MinPositionSize          float64       `mapstructure:"min_position_size"`
	KellyFraction            float64       `mapstructure:"kelly_fraction"`
	MaxTotalExposure         float64       `mapstructure:"max_total_exposure"`
	MaxKellyHeat             float64       `mapstructure:"max_kelly_heat"`
	MinCashReserve           float64       `mapstructure:"min_cash_reserve"`
	MaxCityExposure          float64       `mapstructure:"max_city_exposure"`
	MaxCityDateExposure      float64       `mapstructure:"max_city_date_exposure"`
	ScaleInThreshold         float64       `mapstructure:"scale_in_threshold"`
}

// ExitConfig sets the per-position exit policy thresholds. StopLoss is
// negative (a loss fraction).
type ExitConfig struct {
	TakeProfit         float64 `mapstructure:"take_profit"`
	StopLoss           float64 `mapstructure:"stop_loss"`
	TrailingActivation float64 `mapstructure:"trailing_activation"`
	TrailingOffset     float64 `mapstructure:"trailing_offset"`
	ConvergenceBand    float64 `mapstructure:"convergence_band"`
}

// RiskConfig sets the kill-switch limits.
//
//   - DailyLossLimit: fraction of daily-start capital lost in a UTC day.
//   - MaxDrawdownLimit: fraction below peak capital.
//   - ConsecutiveLossLimit: realized losses in a row.
//   - MinTradesBeforeKill: sample-size gate so two unlucky trades on a
//     fresh book do not halt the engine.
type RiskConfig struct {
	DailyLossLimit       float64       `mapstructure:"daily_loss_limit"`
	MaxDrawdownLimit     float64       `mapstructure:"max_drawdown_limit"`
	ConsecutiveLossLimit int           `mapstructure:"consecutive_loss_limit"`
	MinTradesBeforeKill  int           `mapstructure:"min_trades_before_kill"`
	Cooldown             time.Duration `mapstructure:"cooldown"`
}

// PortfolioConfig sets the starting bankroll.
type PortfolioConfig struct {
	StartingCapital float64 `mapstructure:"starting_capital"`
}

// VenueConfig holds the trading venue endpoints and credentials.
type VenueConfig struct {
	RESTBaseURL     string `mapstructure:"rest_base_url"`
	WSURL           string `mapstructure:"ws_url"`
	APIKey          string `mapstructure:"api_key"`
	SubmitTimeoutMs int    `mapstructure:"submit_timeout_ms"`
}

// WebhookConfig controls the optional HTTPS ingress for venue forecast
// webhooks and the status endpoint.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Secret  string `mapstructure:"secret"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: WX_VENUE_API_KEY, WX_WEBHOOK_SECRET, and
// WX_<PROVIDER>_KEY for each weather provider.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("WX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("WX_VENUE_API_KEY"); key != "" {
		cfg.Venue.APIKey = key
	}
	if secret := os.Getenv("WX_WEBHOOK_SECRET"); secret != "" {
		cfg.Webhook.Secret = secret
	}
	for name, pc := range cfg.Providers.Entries {
		envKey := "WX_" + strings.ToUpper(name) + "_KEY"
		if key := os.Getenv(envKey); key != "" {
			pc.APIKey = key
			cfg.Providers.Entries[name] = pc
		}
	}
	if os.Getenv("WX_DRY_RUN") == "true" || os.Getenv("WX_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("detection.poll_interval_ms", 150)
	v.SetDefault("detection.max_detection_minutes", 30)
	v.SetDefault("detection.head_timeout_ms", 2000)
	v.SetDefault("detection.download_timeout_ms", 5000)
	v.SetDefault("detection.early_start_minutes", map[string]int{
		"HRRR": 25, "RAP": 25, "GFS": 2, "ECMWF": 5,
	})
	v.SetDefault("detection.first_file_delay_min", map[string]int{
		"HRRR": 48, "RAP": 45, "GFS": 210, "ECMWF": 400,
	})
	v.SetDefault("decoder.timeout_ms", 1000)
	v.SetDefault("fallback.provider", "openmeteo")
	v.SetDefault("fallback.poll_ms", 1000)
	v.SetDefault("fallback.max_minutes", 5)
	v.SetDefault("providers.request_timeout_ms", 8000)
	v.SetDefault("controller.burst_trigger_threshold", 1.0)
	v.SetDefault("controller.burst_seconds", 60)
	v.SetDefault("controller.burst_providers", []string{"openmeteo", "tomorrow", "openweather"})
	v.SetDefault("controller.check_interval", "10s")
	v.SetDefault("strategy.min_edge_threshold", 0.08)
	v.SetDefault("strategy.min_sigma_for_arb", 0.5)
	v.SetDefault("strategy.min_execution_edge", 0.02)
	v.SetDefault("strategy.edge_degradation_tolerance", 0.05)
	v.SetDefault("strategy.max_price_drift", 0.15)
	v.SetDefault("strategy.trade_cooldown", "30s")
	v.SetDefault("strategy.max_position_size", 50)
	v.SetDefault("strategy.min_position_size", 5)
	v.SetDefault("strategy.kelly_fraction", 0.25)
	v.SetDefault("strategy.max_total_exposure", 0.50)
	v.SetDefault("strategy.max_kelly_heat", 0.30)
	v.SetDefault("strategy.min_cash_reserve", 0.10)
	v.SetDefault("strategy.max_city_exposure", 0.25)
	v.SetDefault("strategy.max_city_date_exposure", 0.15)
	v.SetDefault("strategy.scale_in_threshold", 100)
	v.SetDefault("exit.take_profit", 0.10)
	v.SetDefault("exit.stop_loss", -0.15)
	v.SetDefault("exit.trailing_activation", 0.05)
	v.SetDefault("exit.trailing_offset", 0.02)
	v.SetDefault("exit.convergence_band", 0.02)
	v.SetDefault("risk.daily_loss_limit", 0.20)
	v.SetDefault("risk.max_drawdown_limit", 0.25)
	v.SetDefault("risk.consecutive_loss_limit", 5)
	v.SetDefault("risk.min_trades_before_kill", 10)
	v.SetDefault("risk.cooldown", "24h")
	v.SetDefault("venue.submit_timeout_ms", 10000)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Cities) == 0 {
		return fmt.Errorf("at least one city is required")
	}
	for _, city := range c.Cities {
		switch city.Model {
		case types.ModelHRRR, types.ModelRAP, types.ModelGFS, types.ModelECMWF:
		default:
			return fmt.Errorf("city %q: model must be one of HRRR, RAP, GFS, ECMWF", city.ID)
		}
	}
	if c.Detection.PollIntervalMs < 100 || c.Detection.PollIntervalMs > 250 {
		return fmt.Errorf("detection.poll_interval_ms must be in 100–250 (got %d)", c.Detection.PollIntervalMs)
	}
	if c.Detection.MaxDetectionMinutes <= 0 {
		return fmt.Errorf("detection.max_detection_minutes must be > 0")
	}
	if c.Decoder.Binary == "" {
		return fmt.Errorf("decoder.binary is required")
	}
	if c.Fallback.PollMs <= 0 {
		return fmt.Errorf("fallback.poll_ms must be > 0")
	}
	if _, ok := c.Providers.Entries[c.Fallback.Provider]; !ok {
		return fmt.Errorf("fallback.provider %q has no providers.entries entry", c.Fallback.Provider)
	}
	for _, p := range c.Controller.BurstProviders {
		if _, ok := c.Providers.Entries[p]; !ok {
			return fmt.Errorf("controller.burst_providers: %q has no providers.entries entry", p)
		}
	}
	if c.Strategy.MinEdgeThreshold <= 0 {
		return fmt.Errorf("strategy.min_edge_threshold must be > 0")
	}
	if c.Strategy.MaxKellyHeat <= 0 || c.Strategy.MaxKellyHeat > 1 {
		return fmt.Errorf("strategy.max_kelly_heat must be in (0,1]")
	}
	if c.Strategy.MaxTotalExposure <= 0 || c.Strategy.MaxTotalExposure > 1 {
		return fmt.Errorf("strategy.max_total_exposure must be in (0,1]")
	}
	if c.Exit.StopLoss >= 0 {
		return fmt.Errorf("exit.stop_loss must be negative")
	}
	if c.Portfolio.StartingCapital <= 0 {
		return fmt.Errorf("portfolio.starting_capital must be > 0")
	}
	if c.Venue.RESTBaseURL == "" {
		return fmt.Errorf("venue.rest_base_url is required")
	}
	if c.Webhook.Enabled && c.Webhook.Secret == "" {
		return fmt.Errorf("webhook.secret is required when webhook.enabled (set WX_WEBHOOK_SECRET)")
	}
	return nil
}
