// Package session persists tenant-scoped conversation state with a TTL.
// The memory store serves single instances; the Redis store shares sessions
// across replicas. Tenant binding is enforced by callers: stores only key
// by session ID.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/radagast/internal"
)

// Store persists sessions with per-save TTL.
type Store interface {
	// Save upserts sess and restarts its TTL. UpdatedAt is stamped.
	Save(ctx context.Context, sess *gateway.Session, ttl time.Duration) error
	// Load returns the session or gateway.ErrSessionNotFound on miss or expiry.
	Load(ctx context.Context, id string) (*gateway.Session, error)
	// Delete removes the session. Deleting a missing session is not an error.
	Delete(ctx context.Context, id string) error
	// Exists reports whether the session is present and unexpired.
	Exists(ctx context.Context, id string) (bool, error)
}

// NewID returns a time-ordered session identifier.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
