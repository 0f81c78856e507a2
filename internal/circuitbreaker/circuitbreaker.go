// Package circuitbreaker implements a per-provider circuit breaker driven by
// consecutive transport failures. It short-circuits requests to known-bad
// providers, reducing failover latency from seconds (timeout + network) to
// nanoseconds (state check).
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen rejects all requests until the probe deadline.
	StateOpen
	// StateHalfOpen allows a single probe request.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker parameters.
type Config struct {
	FailureThreshold int           // consecutive failures to trip
	BaseBackoff      time.Duration // first OPEN probe deadline offset
	MaxBackoff       time.Duration // backoff growth cap
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		BaseBackoff:      30 * time.Second,
		MaxBackoff:       10 * time.Minute,
	}
}

// Breaker is a per-provider circuit breaker state machine. Only transport
// failures count against it; a provider that answered an error is reachable
// and leaves the breaker untouched.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int           // consecutive transport failures
	backoff     time.Duration // current OPEN duration, doubles on probe failure
	probeAt     time.Time     // next probe deadline while OPEN
	lastSuccess time.Time
	lastUsed    time.Time // for stale eviction
	probing     bool      // true when a half-open probe is in flight
	cfg         Config
}

// Snapshot is a point-in-time copy of the breaker state for health surfaces.
type Snapshot struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	ProbeAt             time.Time `json:"probe_at,omitzero"`
	LastSuccess         time.Time `json:"last_success,omitzero"`
}

// NewBreaker creates a breaker with the given config.
func NewBreaker(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 30 * time.Second
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	return &Breaker{
		state:    StateClosed,
		backoff:  cfg.BaseBackoff,
		lastUsed: time.Now(),
		cfg:      cfg,
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	s := b.state
	b.mu.Unlock()
	return s
}

// Allow checks whether a request should be allowed through. An open breaker
// past its probe deadline transitions to half-open and admits the caller as
// the single probe; the caller must settle the probe with RecordSuccess,
// RecordFailure, or Release.
func (b *Breaker) Allow() bool {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if !now.Before(b.probeAt) {
			b.state = StateHalfOpen
			b.probing = true
			return true
		}
		return false
	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			return true
		}
		// Another probe is already in flight; reject.
		return false
	}
	return false
}

// RecordSuccess records a successful request outcome. Any state returns to
// closed with the failure count and backoff reset.
func (b *Breaker) RecordSuccess() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.lastSuccess = now
	b.failures = 0
	b.backoff = b.cfg.BaseBackoff
	b.state = StateClosed
	b.probing = false
}

// RecordFailure records a transport failure. Reaching the threshold opens
// the circuit with a probe deadline of now + backoff; a failed half-open
// probe reopens it and doubles the backoff up to the cap.
func (b *Breaker) RecordFailure() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.failures++

	switch b.state {
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.probeAt = now.Add(b.backoff)
		}
	case StateHalfOpen:
		b.backoff = min(b.backoff*2, b.cfg.MaxBackoff)
		b.state = StateOpen
		b.probeAt = now.Add(b.backoff)
		b.probing = false
	}
}

// Release settles a reserved half-open probe without changing state, for
// outcomes that prove reachability but are neither success nor transport
// failure (rate limiting, rejected requests). The next Allow may probe again.
func (b *Breaker) Release() {
	now := time.Now()
	b.mu.Lock()
	b.lastUsed = now
	b.probing = false
	b.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the breaker state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		ProbeAt:             b.probeAt,
		LastSuccess:         b.lastSuccess,
	}
}

// LastUsed returns the time of last activity (for stale eviction).
func (b *Breaker) LastUsed() time.Time {
	b.mu.Lock()
	t := b.lastUsed
	b.mu.Unlock()
	return t
}
