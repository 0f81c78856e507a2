// Package ratelimit implements per-identity admission control with dual
// sliding windows (per-minute and per-hour). Timestamps live in a Store;
// the in-memory store serves single instances and the Redis store shares
// budgets across replicas.
package ratelimit

import (
	"context"
	"time"
)

// Config holds the effective window caps.
type Config struct {
	Enabled   bool
	PerMinute int
	PerHour   int
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Limit      int           // per-minute cap
	Remaining  int           // min of both windows' remainders
	ResetAt    time.Time
	RetryAfter time.Duration // 0 when allowed
}

// Store records attempt timestamps per key and window.
type Store interface {
	// Probe records an attempt at now in the sliding window ending at now,
	// returning the resulting count and the oldest retained timestamp.
	// Denied attempts are revoked by the limiter via Revoke so they do not
	// consume budget.
	Probe(ctx context.Context, key string, now time.Time, window time.Duration) (count int, oldest time.Time, err error)
	// Revoke removes the attempt recorded at now from the key's window.
	Revoke(ctx context.Context, key string, now time.Time) error
}

// Limiter admits requests against both windows of a shared Store.
type Limiter struct {
	cfg   Config
	store Store
	now   func() time.Time // injectable for tests
}

// New creates a Limiter. store may be nil when cfg.Enabled is false.
func New(cfg Config, store Store) *Limiter {
	return &Limiter{cfg: cfg, store: store, now: time.Now}
}

// Admit checks both windows for identity. The minute window is probed
// first, then the hour window; on denial the just-recorded timestamps are
// revoked from both windows. When both windows deny, the larger retry-after
// wins. A store error is returned alongside an allowing decision so callers
// can fail open.
func (l *Limiter) Admit(ctx context.Context, identity string) (Decision, error) {
	if !l.cfg.Enabled {
		now := l.now()
		return Decision{
			Allowed:   true,
			Limit:     l.cfg.PerMinute,
			Remaining: l.cfg.PerMinute,
			ResetAt:   now.Add(time.Minute),
		}, nil
	}

	now := l.now()
	minuteKey := identity + ":minute"
	hourKey := identity + ":hour"

	minuteCount, minuteOldest, err := l.store.Probe(ctx, minuteKey, now, time.Minute)
	if err != nil {
		return l.failOpen(now), err
	}
	hourCount, hourOldest, err := l.store.Probe(ctx, hourKey, now, time.Hour)
	if err != nil {
		// Keep the windows consistent before failing open.
		_ = l.store.Revoke(ctx, minuteKey, now)
		return l.failOpen(now), err
	}

	minuteDenied := minuteCount > l.cfg.PerMinute
	hourDenied := hourCount > l.cfg.PerHour
	if !minuteDenied && !hourDenied {
		remaining := min(l.cfg.PerMinute-minuteCount, l.cfg.PerHour-hourCount)
		return Decision{
			Allowed:   true,
			Limit:     l.cfg.PerMinute,
			Remaining: remaining,
			ResetAt:   now.Add(time.Minute),
		}, nil
	}

	// Rejected requests do not consume budget.
	_ = l.store.Revoke(ctx, minuteKey, now)
	_ = l.store.Revoke(ctx, hourKey, now)

	var retry time.Duration
	if minuteDenied {
		retry = time.Minute - now.Sub(minuteOldest)
	}
	if hourDenied {
		if r := time.Hour - now.Sub(hourOldest); r > retry {
			retry = r
		}
	}
	if retry < 0 {
		retry = 0
	}
	return Decision{
		Limit:      l.cfg.PerMinute,
		RetryAfter: retry,
		ResetAt:    now.Add(retry),
	}, nil
}

func (l *Limiter) failOpen(now time.Time) Decision {
	return Decision{
		Allowed:   true,
		Limit:     l.cfg.PerMinute,
		Remaining: l.cfg.PerMinute,
		ResetAt:   now.Add(time.Minute),
	}
}
