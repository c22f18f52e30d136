// Package idempotency caches responses for caller-supplied idempotency
// keys so duplicate requests inside the TTL do not re-run the operation.
package idempotency

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/evolvingprimate/algorhythmic/internal/observability"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Cache is keyed by a composite of userID and the client-supplied key.
// Capacity overflow evicts oldest-inserted first; a background sweep
// removes expired entries independently of reads.
type Cache struct {
	mu  sync.Mutex
	lru *lru.Cache[string, entry]
	ttl time.Duration
	now func() time.Time
}

func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 4096
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c, _ := lru.New[string, entry](capacity)
	return &Cache{lru: c, ttl: ttl, now: time.Now}
}

func key(userID, clientKey string) string {
	// unit separator keeps user-controlled keys from colliding across users
	return userID + "\x1f" + clientKey
}

// Get returns the cached response for (userID, clientKey) if unexpired.
func (c *Cache) Get(userID, clientKey string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key(userID, clientKey)
	e, ok := c.lru.Get(k)
	if !ok {
		observability.ObserveIdempotency(false)
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		c.lru.Remove(k)
		observability.ObserveIdempotency(false)
		return nil, false
	}
	observability.ObserveIdempotency(true)
	return e.value, true
}

// Put stores a response under (userID, clientKey) with the default TTL.
func (c *Cache) Put(userID, clientKey string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key(userID, clientKey), entry{value: value, expiresAt: c.now().Add(c.ttl)})
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// sweep removes every expired entry.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.now()
	for _, k := range c.lru.Keys() {
		if e, ok := c.lru.Peek(k); ok && n.After(e.expiresAt) {
			c.lru.Remove(k)
		}
	}
}

// StartSweeper runs the expiry sweep on a fixed interval until ctx is done.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.sweep()
		}
	}
}
