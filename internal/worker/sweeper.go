package worker

import (
	"context"
	"log/slog"
	"time"
)

const (
	sweepInterval = 10 * time.Minute
	sweepMaxIdle  = time.Hour
)

// StaleEvicter drops state not touched since cutoff and reports how much
// was removed. The rate-limit stores and the breaker registry implement it.
type StaleEvicter interface {
	EvictStale(cutoff time.Time) int
}

// Sweeper periodically evicts idle per-identity state so unbounded key
// cardinality cannot grow memory forever.
type Sweeper struct {
	targets map[string]StaleEvicter
}

// NewSweeper creates a Sweeper over the named targets. Nil targets are
// skipped so callers can wire only what they run.
func NewSweeper(targets map[string]StaleEvicter) *Sweeper {
	return &Sweeper{targets: targets}
}

// Name returns the worker identifier.
func (s *Sweeper) Name() string { return "sweeper" }

// Run sweeps every target on a fixed interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-sweepMaxIdle)
	for name, target := range s.targets {
		if target == nil {
			continue
		}
		if n := target.EvictStale(cutoff); n > 0 {
			slog.LogAttrs(ctx, slog.LevelDebug, "evicted stale entries",
				slog.String("target", name),
				slog.Int("count", n),
			)
		}
	}
}
