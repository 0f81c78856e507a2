package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	gateway "github.com/eugener/radagast/internal"
)

// DefaultKeyPrefix namespaces session keys in a shared Redis.
const DefaultKeyPrefix = "radagast:session:"

// Redis stores JSON-serialized sessions under prefix+id with Redis-managed
// expiry, so every replica sees the same sessions.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis wraps client. An empty prefix selects DefaultKeyPrefix.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

// Save upserts the session and restarts its TTL.
func (r *Redis) Save(ctx context.Context, sess *gateway.Session, ttl time.Duration) error {
	sess.UpdatedAt = time.Now()
	val, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.ID, err)
	}
	if err := r.client.Set(ctx, r.prefix+sess.ID, val, ttl).Err(); err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

// Load returns the session or gateway.ErrSessionNotFound after expiry.
func (r *Redis) Load(ctx context.Context, id string) (*gateway.Session, error) {
	val, err := r.client.Get(ctx, r.prefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, gateway.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	var sess gateway.Session
	if err := json.Unmarshal(val, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}

// Delete removes the session.
func (r *Redis) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.prefix+id).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// Exists reports whether the session key is present.
func (r *Redis) Exists(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("check session %s: %w", id, err)
	}
	return n > 0, nil
}
