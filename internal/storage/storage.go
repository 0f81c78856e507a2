// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"

	gateway "github.com/eugener/radagast/internal"
)

// UsageStore manages usage record persistence.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []gateway.UsageRecord) error
	QueryUsage(ctx context.Context, f gateway.UsageFilter) ([]gateway.UsageRecord, error)
	CountUsage(ctx context.Context, f gateway.UsageFilter) (int, error)
	UpsertRollup(ctx context.Context, rollups []gateway.UsageRollup) error
	QueryRollups(ctx context.Context, f gateway.UsageFilter) ([]gateway.UsageRollup, error)
}

// Store combines the storage interfaces.
type Store interface {
	UsageStore
	Ping(ctx context.Context) error
	Close() error
}
