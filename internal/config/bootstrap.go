package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	gateway "github.com/eugener/radagast/internal"
)

// FromEnv overlays environment variables onto cfg. Unset variables leave
// the existing value untouched.
func FromEnv(cfg *Config) {
	envStr("REGISTRY_PATH", &cfg.Registry.Path)
	envStr("DATABASE_DSN", &cfg.Database.DSN)
	envStr("LISTEN_ADDR", &cfg.Server.Addr)

	envBool("AUTH_ENABLED", &cfg.Auth.Enabled)
	envStr("JWT_SECRET", &cfg.Auth.Secret)
	envStr("JWT_ALGORITHM", &cfg.Auth.Algorithm)
	if v, ok := os.LookupEnv("AUTH_EXCLUDE_PATHS"); ok {
		cfg.Auth.ExcludePaths = splitPaths(v)
	}

	envBool("RATE_LIMIT_ENABLED", &cfg.RateLimit.Enabled)
	envInt("RATE_LIMIT_PER_MINUTE", &cfg.RateLimit.PerMinute)
	envInt("RATE_LIMIT_PER_HOUR", &cfg.RateLimit.PerHour)
	envStr("RATE_LIMIT_REDIS_URL", &cfg.RateLimit.RedisURL)

	envStr("SESSION_STORE", &cfg.Session.Store)
	envStr("SESSION_REDIS_URL", &cfg.Session.RedisURL)
	envStr("SESSION_PREFIX", &cfg.Session.Prefix)
	if v, ok := os.LookupEnv("SESSION_TTL"); ok {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.Session.TTL = time.Duration(secs) * time.Second
		}
	}

	envStr("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Telemetry.Tracing.Endpoint)
}

// Validate rejects combinations that cannot start.
func (c *Config) Validate() error {
	if c.Auth.Enabled && c.Auth.Secret == "" {
		return gateway.E(gateway.KindConfiguration, "", "auth enabled but JWT_SECRET is empty")
	}
	switch c.Session.Store {
	case "", "memory":
	case "redis":
		if c.Session.RedisURL == "" {
			return gateway.E(gateway.KindConfiguration, "", "session store redis requires SESSION_REDIS_URL")
		}
	default:
		return gateway.E(gateway.KindConfiguration, "", "unknown session store "+strconv.Quote(c.Session.Store))
	}
	if c.RateLimit.Enabled && (c.RateLimit.PerMinute <= 0 || c.RateLimit.PerHour <= 0) {
		return gateway.E(gateway.KindConfiguration, "", "rate limit caps must be positive")
	}
	return nil
}

func envStr(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		*dst = v
	}
}

func envBool(name string, dst *bool) {
	if v, ok := os.LookupEnv(name); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envInt(name string, dst *int) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func splitPaths(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
