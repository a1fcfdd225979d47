package executor

import (
	"sync"
	"time"
)

// Dedup suppresses keys (fill ids, order events) already seen within a TTL.
// It is safe for concurrent use.
type Dedup struct {
	seen  map[string]time.Time // key -> first seen
	ttl   time.Duration
	mu    sync.Mutex
	clock func() time.Time
}

// NewDedup creates a Dedup that treats a key as a duplicate if it was seen
// within ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen:  make(map[string]time.Time),
		ttl:   ttl,
		clock: time.Now,
	}
}

// IsDuplicate reports whether key was seen within the TTL. Unseen or expired
// keys are recorded and false is returned.
func (d *Dedup) IsDuplicate(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock()
	if firstSeen, ok := d.seen[key]; ok && now.Sub(firstSeen) < d.ttl {
		return true
	}
	d.seen[key] = now
	return false
}

// Cleanup removes expired entries. Callers run it periodically to bound
// memory.
func (d *Dedup) Cleanup() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock()
	removed := 0
	for k, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, k)
			removed++
		}
	}
	return removed
}
