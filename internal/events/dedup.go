// Package events screens duplicated payment-provider webhook deliveries
// before they reach the saga. Dedup is best-effort: the saga's own
// compare-and-swap state guard remains the correctness backstop.
package events

import (
	"context"
	"sync"
	"time"
)

// Deduper reports whether a webhook event id was already delivered.
type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
}

// NewMemoryDeduper constructs an in-process deduper with the given window.
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	return &MemoryDeduper{
		ttl:  ttl,
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// MemoryDeduper remembers event ids in memory. It only protects a single
// instance; multi-instance deployments should use the Redis deduper.
type MemoryDeduper struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	now  func() time.Time
}

func (d *MemoryDeduper) Seen(ctx context.Context, eventID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for id, at := range d.seen {
		if d.ttl > 0 && now.Sub(at) > d.ttl {
			delete(d.seen, id)
		}
	}

	if _, ok := d.seen[eventID]; ok {
		return true, nil
	}
	d.seen[eventID] = now
	return false, nil
}
