package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/rewired-gh/polycal/internal/normalizer"
	"github.com/rewired-gh/polycal/internal/polymarket"
	"github.com/rewired-gh/polycal/internal/reconcile"
	"github.com/rewired-gh/polycal/internal/resolver"
	"github.com/rewired-gh/polycal/internal/shock"
	"github.com/rewired-gh/polycal/internal/storage"
)

// EnvPrefix prefixes every environment override, e.g. POLYCAL_SERVER_PORT.
const EnvPrefix = "POLYCAL"

// Config represents the complete application configuration
type Config struct {
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Shock     ShockConfig     `mapstructure:"shock"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// UpstreamConfig holds market data API configuration
type UpstreamConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
	ListLimit      int           `mapstructure:"list_limit"`
	BatchSize      int           `mapstructure:"batch_size"`
	BatchPause     time.Duration `mapstructure:"batch_pause"`
}

// ReconcileConfig holds filter and update rules
type ReconcileConfig struct {
	MinVolume     float64 `mapstructure:"min_volume"`
	MinPrice      float64 `mapstructure:"min_price"`
	MaxPrice      float64 `mapstructure:"max_price"`
	MaxPerEvent   int     `mapstructure:"max_per_event"`
	Epsilon       float64 `mapstructure:"epsilon"`
	TitleFallback bool    `mapstructure:"title_fallback"`
}

// ShockConfig holds shock detection thresholds
type ShockConfig struct {
	Threshold  float64       `mapstructure:"threshold"`
	Window     time.Duration `mapstructure:"window"`
	AlertCount int           `mapstructure:"alert_count"`
}

// SchedulerConfig holds the recurring trigger configuration
type SchedulerConfig struct {
	Disabled bool          `mapstructure:"disabled"`
	Spec     string        `mapstructure:"spec"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ServerConfig holds the trigger server configuration
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StorageConfig holds persistence configuration. Credentials is a JSON blob
// injected by the host and takes precedence over DBPath.
type StorageConfig struct {
	Credentials   string `mapstructure:"credentials"`
	DBPath        string `mapstructure:"db_path"`
	BusyTimeoutMS int    `mapstructure:"busy_timeout_ms"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from defaults, an optional .env file, an optional
// YAML file and POLYCAL_* environment variables, in increasing precedence.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // a missing .env is normal

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnv(v); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// bindEnv registers every key for env lookup so Unmarshal sees overrides of
// keys absent from the config file. The server port also honors plain PORT.
func bindEnv(v *viper.Viper) error {
	for _, key := range v.AllKeys() {
		if key == "server.port" {
			continue
		}
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}
	if err := v.BindEnv("server.port", EnvPrefix+"_SERVER_PORT", "PORT"); err != nil {
		return fmt.Errorf("failed to bind env for server.port: %w", err)
	}
	return nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Upstream defaults
	v.SetDefault("upstream.base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("upstream.timeout", "30s")
	v.SetDefault("upstream.max_retries", 3)
	v.SetDefault("upstream.retry_delay_base", "1s")
	v.SetDefault("upstream.list_limit", 500)
	v.SetDefault("upstream.batch_size", 10)
	v.SetDefault("upstream.batch_pause", "500ms")

	// Reconcile defaults
	v.SetDefault("reconcile.min_volume", normalizer.DefaultMinVolume)
	v.SetDefault("reconcile.min_price", normalizer.DefaultMinPrice)
	v.SetDefault("reconcile.max_price", normalizer.DefaultMaxPrice)
	v.SetDefault("reconcile.max_per_event", normalizer.DefaultMaxPerEvent)
	v.SetDefault("reconcile.epsilon", reconcile.DefaultEpsilon)
	v.SetDefault("reconcile.title_fallback", false)

	// Shock defaults
	v.SetDefault("shock.threshold", shock.DefaultThreshold)
	v.SetDefault("shock.window", shock.DefaultWindow.String())
	v.SetDefault("shock.alert_count", shock.DefaultAlertCount)

	// Scheduler defaults: every minute, on the minute
	v.SetDefault("scheduler.disabled", false)
	v.SetDefault("scheduler.spec", "0 * * * * *")
	v.SetDefault("scheduler.timeout", "50s")

	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")

	// Storage defaults
	v.SetDefault("storage.credentials", "")
	v.SetDefault("storage.db_path", "")
	v.SetDefault("storage.busy_timeout_ms", 5000)

	// Telegram defaults
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Upstream config
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}
	if c.Upstream.ListLimit < 1 || c.Upstream.ListLimit > 1000 {
		return fmt.Errorf("upstream.list_limit must be between 1 and 1000")
	}
	if c.Upstream.BatchSize < 1 {
		return fmt.Errorf("upstream.batch_size must be at least 1")
	}
	if c.Upstream.BatchPause < 0 {
		return fmt.Errorf("upstream.batch_pause must not be negative")
	}

	// Validate Reconcile config
	if c.Reconcile.MinVolume < 0 {
		return fmt.Errorf("reconcile.min_volume must not be negative")
	}
	if c.Reconcile.MinPrice < 0 || c.Reconcile.MaxPrice > 1 || c.Reconcile.MinPrice >= c.Reconcile.MaxPrice {
		return fmt.Errorf("reconcile price band must satisfy 0 <= min_price < max_price <= 1")
	}
	if c.Reconcile.MaxPerEvent < 1 {
		return fmt.Errorf("reconcile.max_per_event must be at least 1")
	}
	if c.Reconcile.Epsilon <= 0 || c.Reconcile.Epsilon >= 1 {
		return fmt.Errorf("reconcile.epsilon must be between 0 and 1")
	}

	// Validate Shock config
	if c.Shock.Threshold <= 0.0 || c.Shock.Threshold > 1.0 {
		return fmt.Errorf("shock.threshold must be in (0.0, 1.0]")
	}
	if c.Shock.Window < time.Minute {
		return fmt.Errorf("shock.window must be at least 1 minute")
	}
	if c.Shock.AlertCount < 1 {
		return fmt.Errorf("shock.alert_count must be at least 1")
	}

	// Validate Scheduler config
	if !c.Scheduler.Disabled {
		if _, err := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor).Parse(c.Scheduler.Spec); err != nil {
			return fmt.Errorf("scheduler.spec is invalid: %w", err)
		}
	}

	// Validate Server config
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// StorageOptions resolves the storage handle options. The credential blob wins
// over db_path; having neither is an initialization failure.
func (c *Config) StorageOptions() (storage.Options, error) {
	if strings.TrimSpace(c.Storage.Credentials) != "" {
		opts, err := storage.ParseCredentials(c.Storage.Credentials)
		if err != nil {
			return opts, err
		}
		if opts.BusyTimeoutMS == 0 {
			opts.BusyTimeoutMS = c.Storage.BusyTimeoutMS
		}
		return opts, nil
	}
	if strings.TrimSpace(c.Storage.DBPath) == "" {
		return storage.Options{}, fmt.Errorf("%w: set %s_STORAGE_CREDENTIALS or storage.db_path",
			storage.ErrInvalidCredentials, EnvPrefix)
	}
	return storage.Options{DBPath: c.Storage.DBPath, BusyTimeoutMS: c.Storage.BusyTimeoutMS}, nil
}

// ClientConfig maps upstream settings onto the market data client.
func (c *Config) ClientConfig() polymarket.ClientConfig {
	return polymarket.ClientConfig{
		MaxRetries:     c.Upstream.MaxRetries,
		RetryDelayBase: c.Upstream.RetryDelayBase,
		ListLimit:      c.Upstream.ListLimit,
		BatchSize:      c.Upstream.BatchSize,
		BatchPause:     c.Upstream.BatchPause,
	}
}

// EngineConfig maps reconcile settings onto the engine.
func (c *Config) EngineConfig() reconcile.Config {
	cfg := reconcile.DefaultConfig()
	cfg.Rules = normalizer.Rules{
		MinVolume:   c.Reconcile.MinVolume,
		MinPrice:    c.Reconcile.MinPrice,
		MaxPrice:    c.Reconcile.MaxPrice,
		MaxPerEvent: c.Reconcile.MaxPerEvent,
	}
	cfg.Resolver = resolver.Options{TitleFallback: c.Reconcile.TitleFallback}
	cfg.Epsilon = c.Reconcile.Epsilon
	return cfg
}

// DetectorConfig maps shock settings onto the detector.
func (c *Config) DetectorConfig() shock.Config {
	return shock.Config{
		Threshold:  c.Shock.Threshold,
		Window:     c.Shock.Window,
		AlertCount: c.Shock.AlertCount,
	}
}
