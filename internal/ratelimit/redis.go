package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisLogInterval throttles degradation logging.
const redisLogInterval = 60 * time.Second

// RedisStore keeps timestamp windows in Redis sorted sets so replicas share
// one budget. Scores are unix milliseconds; members are unix nanoseconds,
// unique per attempt so Revoke can remove exactly one. Any Redis failure
// degrades transparently to an embedded in-memory store; recovery is
// automatic on the next successful round trip.
type RedisStore struct {
	client   *redis.Client
	fallback *MemoryStore
	logger   *slog.Logger

	mu        sync.Mutex
	lastLogAt time.Time
}

// NewRedisStore wraps client. logger may be nil.
func NewRedisStore(client *redis.Client, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		client:   client,
		fallback: NewMemoryStore(),
		logger:   logger,
	}
}

// Probe records now in the key's sorted set and reports count and oldest.
// One pipeline per probe: prune, add, card, oldest, expire.
func (s *RedisStore) Probe(ctx context.Context, key string, now time.Time, window time.Duration) (int, time.Time, error) {
	pruneBefore := strconv.FormatInt(now.Add(-window).UnixMilli(), 10)

	pipe := s.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", pruneBefore)
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: member(now),
	})
	card := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	pipe.Expire(ctx, key, window+time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		s.degraded("probe", err)
		return s.fallback.Probe(ctx, key, now, window)
	}

	oldest := now
	if zs := oldestCmd.Val(); len(zs) > 0 {
		oldest = time.UnixMilli(int64(zs[0].Score))
	}
	return int(card.Val()), oldest, nil
}

// Revoke removes the member recorded at now.
func (s *RedisStore) Revoke(ctx context.Context, key string, now time.Time) error {
	if err := s.client.ZRem(ctx, key, member(now)).Err(); err != nil {
		s.degraded("revoke", err)
		return s.fallback.Revoke(ctx, key, now)
	}
	return nil
}

// EvictStale prunes the embedded fallback store. Redis keys expire on
// their own.
func (s *RedisStore) EvictStale(cutoff time.Time) int {
	return s.fallback.EvictStale(cutoff)
}

// degraded logs a Redis failure at most once per redisLogInterval.
func (s *RedisStore) degraded(op string, err error) {
	s.mu.Lock()
	due := time.Since(s.lastLogAt) >= redisLogInterval
	if due {
		s.lastLogAt = time.Now()
	}
	s.mu.Unlock()
	if due {
		s.logger.LogAttrs(context.Background(), slog.LevelWarn,
			"rate limit store degraded to memory",
			slog.String("op", op),
			slog.String("error", err.Error()))
	}
}

func member(now time.Time) string {
	return strconv.FormatInt(now.UnixNano(), 10)
}
