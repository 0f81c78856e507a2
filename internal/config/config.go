// Package config handles YAML configuration loading with environment
// variable expansion. The config file is optional; the environment always
// wins over the file.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Registry  RegistryConfig  `yaml:"registry"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Session   SessionConfig   `yaml:"session"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Providers []ProviderEntry `yaml:"providers"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings for the usage log.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// RegistryConfig points at the model registry document.
type RegistryConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds JWT authentication settings.
type AuthConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Secret       string   `yaml:"secret"`
	Algorithm    string   `yaml:"algorithm"` // HS256 (default), HS384, HS512
	ExcludePaths []string `yaml:"exclude_paths"`
}

// RateLimitConfig holds the sliding-window caps.
type RateLimitConfig struct {
	Enabled   bool   `yaml:"enabled"`
	PerMinute int    `yaml:"per_minute"`
	PerHour   int    `yaml:"per_hour"`
	RedisURL  string `yaml:"redis_url"` // empty = in-memory store
}

// SessionConfig selects and tunes the session store.
type SessionConfig struct {
	Store      string        `yaml:"store"` // "memory" or "redis"
	RedisURL   string        `yaml:"redis_url"`
	TTL        time.Duration `yaml:"ttl"`
	Prefix     string        `yaml:"prefix"`      // redis key prefix
	MaxEntries int           `yaml:"max_entries"` // memory store cap
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// ProviderEntry is a provider definition in the config file. Credentials are
// named by environment variable, never stored in the file.
type ProviderEntry struct {
	Name          string `yaml:"name"`
	Enabled       *bool  `yaml:"enabled"`
	BaseURL       string `yaml:"base_url"`
	CredentialEnv string `yaml:"credential_env"`
	TimeoutMs     int    `yaml:"timeout_ms"`
	Region        string `yaml:"region"`      // AWS region for bedrock
	Deployment    string `yaml:"deployment"`  // Azure deployment name
	APIVersion    string `yaml:"api_version"` // Azure API version
}

// IsEnabled reports whether the provider is enabled (defaults to true when nil).
func (p ProviderEntry) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Defaults returns the built-in configuration used when no file is given.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "radagast.db",
		},
		Registry: RegistryConfig{
			Path: "config/models.yaml",
		},
		RateLimit: RateLimitConfig{
			Enabled:   true,
			PerMinute: 60,
			PerHour:   1000,
		},
		Session: SessionConfig{
			Store: "memory",
			TTL:   time.Hour,
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
		},
	}
}

// Load reads and parses a YAML config file, expanding environment variables
// and then overlaying the environment on top. path may be empty: defaults
// plus environment only.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = expandEnv(data)
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	FromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
