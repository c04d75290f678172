// Package config provides configuration management for ThreatLens.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/threatlens/internal/api/gateway"
	"github.com/lvonguyen/threatlens/internal/feeds"
	"github.com/lvonguyen/threatlens/internal/ingestion"
	"github.com/lvonguyen/threatlens/internal/prediction"
	"github.com/lvonguyen/threatlens/internal/profile"
)

// Config holds all ThreatLens configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Engine    EngineConfig    `yaml:"engine"`
	Feeds     FeedsConfig     `yaml:"feeds"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	HEC       HECConfig       `yaml:"hec"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBatchSize    int           `yaml:"max_batch_size"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	PasswordEnv string        `yaml:"password_env"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// EngineConfig holds analytics engine settings.
type EngineConfig struct {
	Scoring            profile.ScoringConfig `yaml:"scoring"`
	Prediction         prediction.Config     `yaml:"prediction"`
	MaxPaths           int                   `yaml:"max_paths"`
	Shards             int                   `yaml:"shards"`
	AutoBlock          bool                  `yaml:"auto_block"`
	SweepInterval      time.Duration         `yaml:"sweep_interval"`
	ZeroDayIndicators  []string              `yaml:"zero_day_indicators"`
	ExpectedSignatures uint                  `yaml:"expected_signatures"`
}

// FeedsConfig holds threat feed settings.
type FeedsConfig struct {
	RefreshInterval time.Duration        `yaml:"refresh_interval"`
	FetchTimeout    time.Duration        `yaml:"fetch_timeout"`
	Sources         []feeds.SourceConfig `yaml:"sources"`
}

// AlertsConfig selects the notification sinks.
type AlertsConfig struct {
	Log       bool            `yaml:"log"`
	Redis     RedisAlerts     `yaml:"redis"`
	WebSocket WebSocketAlerts `yaml:"websocket"`
	Splunk    SplunkAlerts    `yaml:"splunk"`
}

// RedisAlerts configures pub/sub alert delivery.
type RedisAlerts struct {
	Enabled   bool          `yaml:"enabled"`
	Channel   string        `yaml:"channel"`
	Timeout   time.Duration `yaml:"timeout"`
	QueueSize int           `yaml:"queue_size"`
}

// WebSocketAlerts configures the live alert stream.
type WebSocketAlerts struct {
	Enabled      bool `yaml:"enabled"`
	ClientBuffer int  `yaml:"client_buffer"`
}

// SplunkAlerts configures alert forwarding to a Splunk HEC endpoint.
type SplunkAlerts struct {
	Enabled bool                   `yaml:"enabled"`
	HEC     ingestion.SenderConfig `yaml:",inline"`
}

// HECConfig configures the Splunk HEC telemetry intake.
type HECConfig struct {
	Enabled  bool                     `yaml:"enabled"`
	Receiver ingestion.ReceiverConfig `yaml:",inline"`
}

// RateLimitConfig holds rate limiting settings for the ingest API.
type RateLimitConfig struct {
	Enabled bool                    `yaml:"enabled"`
	Limits  gateway.RateLimitConfig `yaml:",inline"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// TelemetryConfig holds metrics and tracing settings.
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name"`
	Environment    string  `yaml:"environment"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate"`
}

// Load reads configuration from a YAML file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBatchSize:    1000,
			MaxBodyBytes:    1024 * 1024,
		},
		Redis: RedisConfig{
			Enabled:     false,
			Addr:        "localhost:6379",
			PasswordEnv: "REDIS_PASSWORD",
			DB:          0,
			PoolSize:    10,
			DialTimeout: 2 * time.Second,
		},
		Engine: EngineConfig{
			Scoring:            profile.DefaultScoringConfig(),
			Prediction:         prediction.DefaultConfig(),
			MaxPaths:           50,
			Shards:             32,
			AutoBlock:          true,
			SweepInterval:      60 * time.Second,
			ExpectedSignatures: 10000,
		},
		Feeds: FeedsConfig{
			RefreshInterval: 5 * time.Minute,
			FetchTimeout:    30 * time.Second,
			Sources:         feeds.DefaultSources(),
		},
		Alerts: AlertsConfig{
			Log: true,
			Redis: RedisAlerts{
				Channel:   "threatlens:alerts",
				Timeout:   2 * time.Second,
				QueueSize: 1000,
			},
			WebSocket: WebSocketAlerts{
				Enabled:      true,
				ClientBuffer: 256,
			},
			Splunk: SplunkAlerts{
				HEC: ingestion.DefaultSenderConfig(),
			},
		},
		HEC: HECConfig{
			Enabled:  false,
			Receiver: ingestion.DefaultReceiverConfig(),
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Limits:  gateway.DefaultRateLimitConfig(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "threatlens",
			Environment:    "development",
			MetricsEnabled: true,
			TracingEnabled: false,
			OTLPEndpoint:   "localhost:4317",
			SamplingRate:   0.1,
		},
	}
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if err := c.Engine.Scoring.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("engine.scoring: %w", err))
	}
	if c.Engine.MaxPaths <= 0 {
		errs = append(errs, fmt.Errorf("engine.max_paths must be positive"))
	}
	if c.Engine.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("engine.sweep_interval must be positive"))
	}
	if c.Engine.Prediction.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("engine.prediction.buffer_size must be positive"))
	}
	if s := c.Engine.Prediction.MinScore; s < 0 || s > 1 {
		errs = append(errs, fmt.Errorf("engine.prediction.min_score %v outside [0,1]", s))
	}
	if c.Feeds.RefreshInterval <= 0 {
		errs = append(errs, fmt.Errorf("feeds.refresh_interval must be positive"))
	}
	seen := make(map[string]bool)
	for _, src := range c.Feeds.Sources {
		if err := src.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("feeds.sources: %w", err))
		}
		if seen[src.Name] {
			errs = append(errs, fmt.Errorf("feeds.sources: duplicate source %q", src.Name))
		}
		seen[src.Name] = true
	}
	if c.Alerts.Redis.Enabled && !c.Redis.Enabled {
		errs = append(errs, fmt.Errorf("alerts.redis requires redis.enabled"))
	}
	if c.Alerts.Splunk.Enabled && c.Alerts.Splunk.HEC.HECURL == "" {
		errs = append(errs, fmt.Errorf("alerts.splunk.hec_url is required"))
	}
	if c.HEC.Enabled && c.HEC.Receiver.TokenEnv == "" {
		errs = append(errs, fmt.Errorf("hec.token_env is required"))
	}
	if r := c.Telemetry.SamplingRate; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sampling_rate %v outside [0,1]", r))
	}

	return errors.Join(errs...)
}

// RedisPassword resolves the redis password from the configured env var.
func (c *Config) RedisPassword() string {
	if c.Redis.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(c.Redis.PasswordEnv)
}

// EnabledSinks returns the names of the configured alert sinks.
func (c *Config) EnabledSinks() []string {
	var sinks []string
	if c.Alerts.Log {
		sinks = append(sinks, "log")
	}
	if c.Alerts.Redis.Enabled {
		sinks = append(sinks, "redis")
	}
	if c.Alerts.WebSocket.Enabled {
		sinks = append(sinks, "websocket")
	}
	if c.Alerts.Splunk.Enabled {
		sinks = append(sinks, "splunk")
	}
	return sinks
}
