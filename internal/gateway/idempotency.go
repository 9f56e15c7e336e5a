package gateway

import (
	"sync"
	"time"

	"github.com/nextlevelbuilder/gatewaycore/pkg/protocol"
)

const (
	idempotencyTTL   = 300 * time.Second
	idempotencySweep = 60 * time.Second
)

type idempotencyEntry struct {
	response protocol.ResponseFrame
	storedAt time.Time
}

// IdempotencyCache caches successful responses by client-chosen
// idempotency_key for idempotencyTTL, evicted on a periodic sweep (§4.2).
type IdempotencyCache struct {
	mu      sync.Mutex
	entries map[string]idempotencyEntry
	stop    chan struct{}
}

// NewIdempotencyCache constructs a cache and starts its background sweep.
func NewIdempotencyCache() *IdempotencyCache {
	c := &IdempotencyCache{
		entries: make(map[string]idempotencyEntry),
		stop:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Get returns the cached response for key if present and not expired.
func (c *IdempotencyCache) Get(key string) (protocol.ResponseFrame, bool) {
	if key == "" {
		return protocol.ResponseFrame{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Since(e.storedAt) > idempotencyTTL {
		return protocol.ResponseFrame{}, false
	}
	return e.response, true
}

// Put stores a successful response under key. Only ok=true responses
// should be cached — callers must not call Put for failures.
func (c *IdempotencyCache) Put(key string, resp protocol.ResponseFrame) {
	if key == "" || !resp.OK {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = idempotencyEntry{response: resp, storedAt: time.Now()}
}

func (c *IdempotencyCache) sweepLoop() {
	ticker := time.NewTicker(idempotencySweep)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-c.stop:
			return
		}
	}
}

func (c *IdempotencyCache) evictExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for k, e := range c.entries {
		if now.Sub(e.storedAt) > idempotencyTTL {
			delete(c.entries, k)
		}
	}
}

// Close stops the background sweep.
func (c *IdempotencyCache) Close() { close(c.stop) }
