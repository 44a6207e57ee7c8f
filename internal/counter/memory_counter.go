package counter

import (
	"context"
	"sync"
	"time"
)

// MemoryTracker is a process-local Tracker used in tests and as a fallback
// when running without redis in development.
type MemoryTracker struct {
	mu      sync.Mutex
	counts  map[string]int64
	expires map[string]time.Time
	now     func() time.Time
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		counts:  make(map[string]int64),
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (t *MemoryTracker) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expireLocked(key)
	t.counts[key]++
	if t.counts[key] == 1 && window > 0 {
		t.expires[key] = t.now().Add(window)
	}
	return t.counts[key], nil
}

func (t *MemoryTracker) Count(_ context.Context, key string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expireLocked(key)
	return t.counts[key], nil
}

func (t *MemoryTracker) expireLocked(key string) {
	if exp, ok := t.expires[key]; ok && t.now().After(exp) {
		delete(t.counts, key)
		delete(t.expires, key)
	}
}
