package notify

import (
	"context"
	"sync"
	"time"
)

// Deduper claims a key for a period. Acquire returns false while an earlier
// claim on the same key is still live.
type Deduper interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

const sweepThreshold = 1024

// MemoryDeduper is a process-local Deduper.
type MemoryDeduper struct {
	mu     sync.Mutex
	claims map[string]time.Time
	now    func() time.Time
}

// NewMemoryDeduper returns an empty MemoryDeduper. now may be nil.
func NewMemoryDeduper(now func() time.Time) *MemoryDeduper {
	if now == nil {
		now = time.Now
	}
	return &MemoryDeduper{claims: make(map[string]time.Time), now: now}
}

// Acquire claims key until now+ttl.
func (d *MemoryDeduper) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if exp, ok := d.claims[key]; ok && now.Before(exp) {
		return false, nil
	}
	if len(d.claims) >= sweepThreshold {
		for k, exp := range d.claims {
			if !now.Before(exp) {
				delete(d.claims, k)
			}
		}
	}
	d.claims[key] = now.Add(ttl)
	return true, nil
}

// Release drops the claim on key.
func (d *MemoryDeduper) Release(_ context.Context, key string) error {
	d.mu.Lock()
	delete(d.claims, key)
	d.mu.Unlock()
	return nil
}
