package testutil

import (
	"context"
	"sync"
	"time"

	gateway "github.com/eugener/radagast/internal"
)

// FakeSessionStore is an in-memory session.Store for testing. TTLs are
// recorded but never enforced; tests drive expiry by deleting entries.
type FakeSessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*gateway.Session
	ttls     map[string]time.Duration

	SaveErr error // returned by Save when set
	LoadErr error // returned by Load when set
}

// NewFakeSessionStore returns an empty FakeSessionStore.
func NewFakeSessionStore() *FakeSessionStore {
	return &FakeSessionStore{
		sessions: make(map[string]*gateway.Session),
		ttls:     make(map[string]time.Duration),
	}
}

// Save stores the session and records its TTL.
func (s *FakeSessionStore) Save(_ context.Context, sess *gateway.Session, ttl time.Duration) error {
	if s.SaveErr != nil {
		return s.SaveErr
	}
	s.mu.Lock()
	sess.UpdatedAt = time.Now()
	s.sessions[sess.ID] = sess
	s.ttls[sess.ID] = ttl
	s.mu.Unlock()
	return nil
}

// Load returns the stored session or gateway.ErrSessionNotFound.
func (s *FakeSessionStore) Load(_ context.Context, id string) (*gateway.Session, error) {
	if s.LoadErr != nil {
		return nil, s.LoadErr
	}
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, gateway.ErrSessionNotFound
	}
	return sess, nil
}

// Delete removes the session.
func (s *FakeSessionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.sessions, id)
	delete(s.ttls, id)
	s.mu.Unlock()
	return nil
}

// Exists reports whether the session is stored.
func (s *FakeSessionStore) Exists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	_, ok := s.sessions[id]
	s.mu.RUnlock()
	return ok, nil
}

// TTL returns the TTL recorded at the last Save of id.
func (s *FakeSessionStore) TTL(id string) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ttls[id]
}

// Len returns the number of stored sessions.
func (s *FakeSessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
