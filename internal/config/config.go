// Package config loads the application configuration from environment
// variables (METERD_ prefix) layered over an optional YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config is the complete application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	License   LicenseConfig   `yaml:"license" envconfig:"LICENSE"`
	Ledger    LedgerConfig    `yaml:"ledger" envconfig:"LEDGER"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	Fees      FeeConfig       `yaml:"fees" envconfig:"FEES"`
	Payout    PayoutConfig    `yaml:"payout" envconfig:"PAYOUT"`
	Storage   StorageConfig   `yaml:"storage" envconfig:"STORAGE"`
	Tracing   TracingConfig   `yaml:"tracing" envconfig:"TRACING"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	GlobalRPS       float64       `yaml:"global_rps" envconfig:"GLOBAL_RPS" default:"200"`
	GlobalBurst     int           `yaml:"global_burst" envconfig:"GLOBAL_BURST" default:"100"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"stdout"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/meterd.log"`
}

// LicenseConfig governs validation caching and rotation policy.
type LicenseConfig struct {
	// CacheTTL bounds reuse of a verified signature. Must not exceed
	// RotationPeriod.
	CacheTTL       time.Duration `yaml:"cache_ttl" envconfig:"CACHE_TTL" default:"5m"`
	RotationPeriod time.Duration `yaml:"rotation_period" envconfig:"ROTATION_PERIOD" default:"720h"`
}

// LedgerConfig governs the integrity sweep.
type LedgerConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval" envconfig:"SWEEP_INTERVAL" default:"10m"`
}

// RateLimitConfig contains per-tier quotas for the fixed-window limiter.
type RateLimitConfig struct {
	Window            time.Duration `yaml:"window" envconfig:"WINDOW" default:"1m"`
	FreeQuota         int64         `yaml:"free_quota" envconfig:"FREE_QUOTA" default:"10"`
	ProfessionalQuota int64         `yaml:"professional_quota" envconfig:"PROFESSIONAL_QUOTA" default:"600"`
}

// FeeConfig is the deterministic withdrawal fee policy. Percent is a
// fraction ("0.10" = 10%); both components are decimal strings so money
// never passes through floating point.
type FeeConfig struct {
	Percent string `yaml:"percent" envconfig:"PERCENT" default:"0.10"`
	Fixed   string `yaml:"fixed" envconfig:"FIXED" default:"0.00"`
}

// PayoutConfig bounds the external payout rail.
type PayoutConfig struct {
	Timeout time.Duration `yaml:"timeout" envconfig:"TIMEOUT" default:"30s"`
}

// StorageConfig locates the bbolt database.
type StorageConfig struct {
	Path string `yaml:"path" envconfig:"PATH" default:"data/meterd.db"`
}

// TracingConfig toggles the OpenTelemetry stdout exporter.
type TracingConfig struct {
	Enabled bool `yaml:"enabled" envconfig:"ENABLED" default:"false"`
}

// Load reads configuration from environment variables, then overlays an
// optional YAML file found at METERD_CONFIG or ./config.yaml. Environment
// values win.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("METERD", &cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	if path := configFilePath(); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		fileCfg := cfg
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
		cfg = fileCfg
		// Re-apply env so it takes precedence over the file.
		if err := envconfig.Process("METERD", &cfg); err != nil {
			return nil, fmt.Errorf("load config from env: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func configFilePath() string {
	if path := os.Getenv("METERD_CONFIG"); path != "" {
		return path
	}
	for _, location := range []string{"config.yaml", "configs/config.yaml"} {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}
	return ""
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.License.CacheTTL > c.License.RotationPeriod {
		return fmt.Errorf("license cache TTL %s exceeds rotation period %s",
			c.License.CacheTTL, c.License.RotationPeriod)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive")
	}
	if c.RateLimit.FreeQuota <= 0 || c.RateLimit.ProfessionalQuota <= 0 {
		return fmt.Errorf("tier quotas must be positive")
	}
	if c.Payout.Timeout <= 0 {
		return fmt.Errorf("payout timeout must be positive")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage path must be set")
	}
	return nil
}

// Default returns the default configuration used when no environment or
// file overrides exist.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			GlobalRPS:       200,
			GlobalBurst:     100,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Output:   "stdout",
			FilePath: "logs/meterd.log",
		},
		License: LicenseConfig{
			CacheTTL:       5 * time.Minute,
			RotationPeriod: 30 * 24 * time.Hour,
		},
		Ledger: LedgerConfig{
			SweepInterval: 10 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Window:            time.Minute,
			FreeQuota:         10,
			ProfessionalQuota: 600,
		},
		Fees: FeeConfig{
			Percent: "0.10",
			Fixed:   "0.00",
		},
		Payout: PayoutConfig{
			Timeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Path: "data/meterd.db",
		},
	}
}
