// Package servedcache remembers which artworks a session was recently
// shown, so the fallback cascade can avoid repeats.
package servedcache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/evolvingprimate/algorhythmic/internal/core/model"
)

// per-key cap on remembered artwork ids; oldest entries roll off first
const maxServedPerKey = 50

type served struct {
	id   string
	tier model.FallbackTier
	at   time.Time
}

type entry struct {
	items []served
}

// Cache is keyed by (sessionID, userID). Eviction is dual: TTL on each
// served id, LRU on keys when capacity overflows.
type Cache struct {
	mu  sync.Mutex
	lru *lru.Cache[string, *entry]
	ttl time.Duration
	now func() time.Time
}

func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 1024
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	c, _ := lru.New[string, *entry](capacity)
	return &Cache{lru: c, ttl: ttl, now: time.Now}
}

func key(sessionID, userID string) string {
	return sessionID + "|" + userID
}

// MarkServed records ids as shown to (sessionID, userID) with tier provenance.
func (c *Cache) MarkServed(sessionID, userID string, ids []string, tier model.FallbackTier) {
	if len(ids) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key(sessionID, userID)
	e, ok := c.lru.Get(k)
	if !ok {
		e = &entry{}
		c.lru.Add(k, e)
	}
	n := c.now()
	for _, id := range ids {
		e.items = append(e.items, served{id: id, tier: tier, at: n})
	}
	if over := len(e.items) - maxServedPerKey; over > 0 {
		e.items = e.items[over:]
	}
}

// Served returns the set of unexpired artwork ids remembered for the key.
func (c *Cache) Served(sessionID, userID string) map[string]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key(sessionID, userID))
	if !ok {
		return nil
	}
	cutoff := c.now().Add(-c.ttl)
	out := make(map[string]struct{}, len(e.items))
	kept := e.items[:0]
	for _, s := range e.items {
		if s.at.After(cutoff) {
			kept = append(kept, s)
			out[s.id] = struct{}{}
		}
	}
	e.items = kept
	return out
}

// Filter removes candidates whose id is present and unexpired for the key.
func (c *Cache) Filter(sessionID, userID string, candidates []model.Artwork) []model.Artwork {
	seen := c.Served(sessionID, userID)
	if len(seen) == 0 {
		return candidates
	}
	out := make([]model.Artwork, 0, len(candidates))
	for _, a := range candidates {
		if _, ok := seen[a.ID]; !ok {
			out = append(out, a)
		}
	}
	return out
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
