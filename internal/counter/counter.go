// Package counter provides time-boxed counters backing the invoice quota
// tracker and the login attempt limiter. Counts live in an external store so
// they survive restarts and are shared across server instances.
package counter

import (
	"context"
	"time"
)

type Tracker interface {
	// Incr bumps the counter for key and returns the new count. The first
	// increment in a window arms the window's expiry.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
	// Count reads the current count without incrementing.
	Count(ctx context.Context, key string) (int64, error)
}

// NoopTracker never counts anything, so every limit check passes. Used when
// no counter store is configured.
type NoopTracker struct{}

func (NoopTracker) Incr(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 0, nil
}

func (NoopTracker) Count(_ context.Context, _ string) (int64, error) {
	return 0, nil
}
