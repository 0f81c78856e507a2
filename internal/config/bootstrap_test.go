package config

import (
	"testing"
	"time"
)

func TestFromEnvOverrides(t *testing.T) {
	// Cannot use t.Parallel() with t.Setenv
	t.Setenv("AUTH_ENABLED", "true")
	t.Setenv("JWT_SECRET", "env-secret")
	t.Setenv("JWT_ALGORITHM", "HS512")
	t.Setenv("AUTH_EXCLUDE_PATHS", "/health, /metrics,")
	t.Setenv("RATE_LIMIT_ENABLED", "false")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "120")
	t.Setenv("RATE_LIMIT_PER_HOUR", "5000")
	t.Setenv("SESSION_STORE", "redis")
	t.Setenv("SESSION_REDIS_URL", "redis://localhost:6379")
	t.Setenv("SESSION_TTL", "7200")
	t.Setenv("SESSION_PREFIX", "custom:session:")

	cfg := Defaults()
	FromEnv(cfg)

	if !cfg.Auth.Enabled || cfg.Auth.Secret != "env-secret" || cfg.Auth.Algorithm != "HS512" {
		t.Errorf("auth = %+v", cfg.Auth)
	}
	if len(cfg.Auth.ExcludePaths) != 2 || cfg.Auth.ExcludePaths[0] != "/health" || cfg.Auth.ExcludePaths[1] != "/metrics" {
		t.Errorf("exclude paths = %v, want trimmed two entries", cfg.Auth.ExcludePaths)
	}
	if cfg.RateLimit.Enabled {
		t.Error("RATE_LIMIT_ENABLED=false should win over the default")
	}
	if cfg.RateLimit.PerMinute != 120 || cfg.RateLimit.PerHour != 5000 {
		t.Errorf("caps = %d/%d, want 120/5000", cfg.RateLimit.PerMinute, cfg.RateLimit.PerHour)
	}
	if cfg.Session.Store != "redis" || cfg.Session.RedisURL != "redis://localhost:6379" {
		t.Errorf("session = %+v", cfg.Session)
	}
	if cfg.Session.TTL != 2*time.Hour {
		t.Errorf("session ttl = %v, want 2h", cfg.Session.TTL)
	}
	if cfg.Session.Prefix != "custom:session:" {
		t.Errorf("session prefix = %q", cfg.Session.Prefix)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestFromEnvLeavesUnsetAlone(t *testing.T) {
	// Cannot use t.Parallel() with t.Setenv
	t.Setenv("RATE_LIMIT_PER_MINUTE", "") // empty value parses as nothing

	cfg := Defaults()
	FromEnv(cfg)

	if cfg.RateLimit.PerMinute != 60 {
		t.Errorf("per minute = %d, want untouched default 60", cfg.RateLimit.PerMinute)
	}
	if cfg.Auth.Enabled {
		t.Error("auth should stay disabled without AUTH_ENABLED")
	}
}

func TestFromEnvInvalidValuesIgnored(t *testing.T) {
	// Cannot use t.Parallel() with t.Setenv
	t.Setenv("RATE_LIMIT_ENABLED", "not-a-bool")
	t.Setenv("RATE_LIMIT_PER_HOUR", "many")
	t.Setenv("SESSION_TTL", "-5")

	cfg := Defaults()
	FromEnv(cfg)

	if !cfg.RateLimit.Enabled {
		t.Error("unparsable bool should leave the default")
	}
	if cfg.RateLimit.PerHour != 1000 {
		t.Errorf("per hour = %d, want untouched default", cfg.RateLimit.PerHour)
	}
	if cfg.Session.TTL != time.Hour {
		t.Errorf("ttl = %v, want untouched default", cfg.Session.TTL)
	}
}
