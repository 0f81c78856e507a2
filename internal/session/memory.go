package session

import (
	"context"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/eugener/radagast/internal"
)

// defaultMaxSessions bounds the memory store when no size is configured.
const defaultMaxSessions = 10_000

// entry wraps a stored session with its expiration time. Expiry is checked
// lazily on read; otter's size bound keeps memory flat either way.
type entry struct {
	sess      *gateway.Session
	expiresAt time.Time
}

// Memory is an in-memory W-TinyLFU session store backed by otter.
type Memory struct {
	cache *otter.Cache[string, entry]
	now   func() time.Time // injectable for tests
}

// NewMemory creates an in-memory session store holding at most maxSize
// sessions. maxSize <= 0 selects the default bound.
func NewMemory(maxSize int) (*Memory, error) {
	if maxSize <= 0 {
		maxSize = defaultMaxSessions
	}
	c, err := otter.New[string, entry](&otter.Options[string, entry]{
		MaximumSize: maxSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	return &Memory{cache: c, now: time.Now}, nil
}

// Save upserts the session and restarts its TTL.
func (m *Memory) Save(_ context.Context, sess *gateway.Session, ttl time.Duration) error {
	now := m.now()
	sess.UpdatedAt = now
	m.cache.Set(sess.ID, entry{sess: sess, expiresAt: now.Add(ttl)})
	return nil
}

// Load returns the session if present and unexpired.
func (m *Memory) Load(_ context.Context, id string) (*gateway.Session, error) {
	e, ok := m.cache.GetIfPresent(id)
	if !ok {
		return nil, gateway.ErrSessionNotFound
	}
	if m.now().After(e.expiresAt) {
		m.cache.Invalidate(id)
		return nil, gateway.ErrSessionNotFound
	}
	return e.sess, nil
}

// Delete removes the session.
func (m *Memory) Delete(_ context.Context, id string) error {
	m.cache.Invalidate(id)
	return nil
}

// Exists reports whether the session is present and unexpired.
func (m *Memory) Exists(_ context.Context, id string) (bool, error) {
	e, ok := m.cache.GetIfPresent(id)
	if !ok {
		return false, nil
	}
	if m.now().After(e.expiresAt) {
		m.cache.Invalidate(id)
		return false, nil
	}
	return true, nil
}
