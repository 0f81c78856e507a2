// Package worker runs the gateway's background tasks: the usage recorder,
// the hourly usage rollup and the stale-entry sweeper.
package worker

import "context"

// Worker is a long-running background task. Run blocks until ctx is
// cancelled or the task fails unrecoverably.
type Worker interface {
	Run(ctx context.Context) error
}
