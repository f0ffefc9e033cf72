package webhook

import (
	"sync"
	"time"
)

const (
	dedupTTL           = 10 * time.Minute
	dedupSweepInterval = time.Minute
)

// deduper remembers delivery ids for a fixed window. Sweeping is lazy: stale
// records are dropped at most once per sweep interval, on the write path.
type deduper struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	ttl       time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func newDeduper(ttl time.Duration) *deduper {
	return &deduper{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Seen records id and reports whether it was already inside the window.
// Failed handler runs keep their record: replays of a delivery that 500'd are
// still duplicates, which avoids retry storms on transient bugs.
func (d *deduper) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.seen[id]; ok && now.Sub(at) < d.ttl {
		return true
	}
	d.seen[id] = now

	if now.Sub(d.lastSweep) >= dedupSweepInterval {
		for k, at := range d.seen {
			if now.Sub(at) >= d.ttl {
				delete(d.seen, k)
			}
		}
		d.lastSweep = now
	}
	return false
}

// Len reports live records; used by tests.
func (d *deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
