package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps per-key timestamp windows in process memory. Entries
// carry their own mutex so probes for different identities do not contend;
// the outer RWMutex guards only the map. Memory is bounded per key by the
// hour cap and globally by EvictStale.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
}

type memoryEntry struct {
	mu       sync.Mutex
	stamps   []time.Time // ordered oldest first
	lastSeen time.Time
}

// NewMemoryStore returns an empty, ready-to-use MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry)}
}

// Probe prunes expired timestamps, records now, and reports the resulting
// count and oldest retained timestamp.
func (s *MemoryStore) Probe(_ context.Context, key string, now time.Time, window time.Duration) (int, time.Time, error) {
	e := s.entry(key)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSeen = now

	cutoff := now.Add(-window)
	i := 0
	for i < len(e.stamps) && !e.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		e.stamps = append(e.stamps[:0], e.stamps[i:]...)
	}

	e.stamps = append(e.stamps, now)
	return len(e.stamps), e.stamps[0], nil
}

// Revoke removes the most recent timestamp equal to now.
func (s *MemoryStore) Revoke(_ context.Context, key string, now time.Time) error {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.stamps) - 1; i >= 0; i-- {
		if e.stamps[i].Equal(now) {
			e.stamps = append(e.stamps[:i], e.stamps[i+1:]...)
			break
		}
	}
	return nil
}

// EvictStale removes keys not probed since cutoff and returns the count.
func (s *MemoryStore) EvictStale(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for k, e := range s.entries {
		e.mu.Lock()
		stale := e.lastSeen.Before(cutoff)
		e.mu.Unlock()
		if stale {
			delete(s.entries, k)
			evicted++
		}
	}
	return evicted
}

// entry returns the entry for key, creating it if needed.
func (s *MemoryStore) entry(key string) *memoryEntry {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Double-check after acquiring write lock.
	if e, ok := s.entries[key]; ok {
		return e
	}
	e = &memoryEntry{}
	s.entries[key] = e
	return e
}
