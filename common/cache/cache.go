package cache

import (
	"sync"
	"time"
)

// Cache is a small in-process TTL cache. The engine keeps hot workflow
// definitions in one so the execution path avoids a database read per run;
// writers invalidate on update.
type Cache struct {
	data map[string]*entry
	mu   sync.RWMutex
	ttl  time.Duration
	stop chan struct{}
	once sync.Once
}

type entry struct {
	value     any
	expiresAt time.Time
}

// New creates a cache whose entries live for ttl
func New(ttl time.Duration) *Cache {
	c := &Cache{
		data: make(map[string]*entry),
		ttl:  ttl,
		stop: make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get retrieves a value; ok is false on a miss or an expired entry
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, exists := c.data[key]
	if !exists || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// Set stores a value under the cache TTL
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = &entry{
		value:     value,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// Delete invalidates a key
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
}

// Len returns the number of live entries, expired ones included until sweep
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Close stops the background sweep
func (c *Cache) Close() {
	c.once.Do(func() { close(c.stop) })
}

// cleanup sweeps expired entries periodically
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for key, e := range c.data {
				if now.After(e.expiresAt) {
					delete(c.data, key)
				}
			}
			c.mu.Unlock()
		}
	}
}
