package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for cloned.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Environment   string          `yaml:"env"`
	DataDir       string          `yaml:"data_dir"`
	StateBackend  string          `yaml:"state_backend"`
	GenesisPath   string          `yaml:"genesis"`
	Database      DatabaseConfig  `yaml:"database"`
	Clock         ClockConfig     `yaml:"clock"`
	Auth          AuthConfig      `yaml:"auth"`
	RateLimits    []RateLimit     `yaml:"rate_limits"`
	CORS          CORSConfig      `yaml:"cors"`
	Log           LogConfig       `yaml:"log"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
	Stream        StreamConfig    `yaml:"stream"`
}

// DatabaseConfig selects the event index backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Path   string `yaml:"path"`
}

// ClockConfig anchors the slot clock.
type ClockConfig struct {
	Genesis      time.Time `yaml:"genesis"`
	SlotDuration Duration  `yaml:"slot_duration"`
}

type AuthConfig struct {
	Enabled    bool     `yaml:"enabled"`
	HMACSecret string   `yaml:"hmac_secret"`
	Issuer     string   `yaml:"issuer"`
	Audience   string   `yaml:"audience"`
	ClockSkew  Duration `yaml:"clock_skew"`
}

// RateLimit applies to one route group (trade, borrow, admin, ...).
type RateLimit struct {
	Group             string  `yaml:"group"`
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	Headers     string  `yaml:"headers"`
	Metrics     bool    `yaml:"metrics"`
	Traces      bool    `yaml:"traces"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// StreamConfig bounds the websocket event stream.
type StreamConfig struct {
	Buffer       int      `yaml:"buffer"`
	WriteTimeout Duration `yaml:"write_timeout"`
	BacklogLimit int      `yaml:"backlog_limit"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "/var/data/cloned"
	}
	cfg.StateBackend = strings.ToLower(strings.TrimSpace(cfg.StateBackend))
	if cfg.StateBackend == "" {
		cfg.StateBackend = "leveldb"
	}
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Driver == "sqlite" && cfg.Database.Path == "" && cfg.Database.DSN == "" {
		cfg.Database.Path = cfg.DataDir + "/events.sqlite"
	}
	if cfg.Clock.SlotDuration.Duration == 0 {
		cfg.Clock.SlotDuration.Duration = 400 * time.Millisecond
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Stream.Buffer <= 0 {
		cfg.Stream.Buffer = 256
	}
	if cfg.Stream.WriteTimeout.Duration == 0 {
		cfg.Stream.WriteTimeout.Duration = 10 * time.Second
	}
	if cfg.Stream.BacklogLimit <= 0 {
		cfg.Stream.BacklogLimit = 1000
	}
}

func validate(cfg Config) error {
	if cfg.StateBackend != "leveldb" && cfg.StateBackend != "bolt" {
		return fmt.Errorf("unsupported state backend %q", cfg.StateBackend)
	}
	switch cfg.Database.Driver {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(cfg.Database.DSN) == "" {
			return fmt.Errorf("database.dsn must be configured for postgres")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth.hmac_secret must be configured when auth is enabled")
	}
	if cfg.Clock.Genesis.IsZero() {
		return fmt.Errorf("clock.genesis must be configured")
	}
	seen := make(map[string]struct{}, len(cfg.RateLimits))
	for i, limit := range cfg.RateLimits {
		group := strings.TrimSpace(limit.Group)
		if group == "" {
			return fmt.Errorf("rate_limits[%d].group must be set", i)
		}
		if _, dup := seen[group]; dup {
			return fmt.Errorf("rate_limits[%d]: duplicate group %q", i, group)
		}
		seen[group] = struct{}{}
		if limit.RequestsPerMinute <= 0 {
			return fmt.Errorf("rate_limits[%d].requests_per_minute must be positive", i)
		}
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}
