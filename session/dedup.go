package session

import (
	"sync"
	"time"
)

// dedupCache short-circuits repeated deliveries of the same client action
// within a validity window. Entries are ephemeral and process-local; durable
// correctness still comes from the transition guards, the cache only makes a
// duplicate return the already-applied snapshot instead of an
// ErrInvalidTransition on the retry path.
type dedupCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]dedupEntry
}

type dedupEntry struct {
	snap    Snapshot
	expires time.Time
}

func newDedupCache(ttl time.Duration, now func() time.Time) *dedupCache {
	return &dedupCache{
		ttl:     ttl,
		now:     now,
		entries: make(map[string]dedupEntry),
	}
}

// Get returns the cached snapshot for key if the window has not elapsed.
func (c *dedupCache) Get(key string) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Snapshot{}, false
	}
	if c.now().After(e.expires) {
		delete(c.entries, key)
		return Snapshot{}, false
	}
	return e.snap, true
}

// Put records an applied action's result and sweeps expired entries.
func (c *dedupCache) Put(key string, snap Snapshot) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = dedupEntry{snap: snap, expires: now.Add(c.ttl)}
}
