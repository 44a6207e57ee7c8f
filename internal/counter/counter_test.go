package counter

import (
	"context"
	"testing"
	"time"
)

func TestMemoryTrackerIncrAndCount(t *testing.T) {
	tr := NewMemoryTracker()
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := tr.Incr(ctx, "org-1:invoices:2026-08", time.Hour)
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if n != want {
			t.Fatalf("incr = %d, want %d", n, want)
		}
	}
	n, err := tr.Count(ctx, "org-1:invoices:2026-08")
	if err != nil || n != 3 {
		t.Fatalf("count = %d, %v, want 3", n, err)
	}
	if n, _ := tr.Count(ctx, "other"); n != 0 {
		t.Fatalf("unknown key count = %d, want 0", n)
	}
}

func TestMemoryTrackerWindowExpiry(t *testing.T) {
	tr := NewMemoryTracker()
	current := time.Now()
	tr.now = func() time.Time { return current }
	ctx := context.Background()

	if _, err := tr.Incr(ctx, "k", time.Minute); err != nil {
		t.Fatalf("incr: %v", err)
	}
	current = current.Add(2 * time.Minute)
	n, err := tr.Incr(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("incr after expiry: %v", err)
	}
	if n != 1 {
		t.Fatalf("count after window lapse = %d, want fresh 1", n)
	}
}

func TestNoopTrackerNeverLimits(t *testing.T) {
	var tr NoopTracker
	n, err := tr.Incr(context.Background(), "k", time.Minute)
	if err != nil || n != 0 {
		t.Fatalf("noop incr = %d, %v, want 0, nil", n, err)
	}
}
