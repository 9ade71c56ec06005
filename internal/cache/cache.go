// Package cache provides the query result cache with stale serving while
// the upstream is degraded.
package cache

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/tickerdeck/apigovernor/internal/config"
	"github.com/tickerdeck/apigovernor/internal/governor"
	"github.com/tickerdeck/apigovernor/internal/metrics"
)

// bufferItems is the ristretto async write buffer size.
const bufferItems = 64

// Lookup classifies a cache read.
type Lookup int

const (
	Miss Lookup = iota
	Hit
	Stale
)

func (l Lookup) String() string {
	switch l {
	case Hit:
		return "hit"
	case Stale:
		return "stale"
	default:
		return "miss"
	}
}

type entry struct {
	body     []byte
	storedAt time.Time
	ttl      time.Duration
}

// Cache stores upstream response bodies keyed by canonical query. Each
// entry carries a logical TTL, the governor's cache advice at store time.
// Entries are physically retained longer so that while the upstream is
// rate limited or the circuit is open, logically expired entries can still
// be served stale. Physical eviction bounds staleness even in a long
// degraded window.
type Cache struct {
	cache     *ristretto.Cache
	retention time.Duration
	logger    *slog.Logger

	mu            sync.RWMutex
	degradedUntil time.Time
	closed        bool
}

// New creates a Cache sized to cfg.MaxEntries. retention is the physical
// entry lifetime and should be the longest TTL the governor ever advises.
func New(cfg config.CacheConfig, retention time.Duration, logger *slog.Logger) (*Cache, error) {
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(cfg.MaxEntries) * 10,
		MaxCost:     int64(cfg.MaxEntries),
		BufferItems: bufferItems,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{
		cache:     rc,
		retention: retention,
		logger:    logger,
	}, nil
}

// Get retrieves the body stored under key. A fresh entry is a Hit. A
// logically expired entry is served as Stale while the upstream is
// degraded, and is a Miss otherwise.
func (c *Cache) Get(key string) ([]byte, Lookup) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, Miss
	}
	c.mu.RUnlock()

	value, found := c.cache.Get(key)
	if !found {
		metrics.CacheMisses.Inc()
		return nil, Miss
	}
	e, ok := value.(*entry)
	if !ok {
		metrics.CacheMisses.Inc()
		return nil, Miss
	}

	if time.Since(e.storedAt) <= e.ttl {
		metrics.CacheHits.Inc()
		return e.body, Hit
	}
	if c.degraded() {
		metrics.CacheStaleServes.Inc()
		return e.body, Stale
	}
	metrics.CacheMisses.Inc()
	return nil, Miss
}

// Set stores body under key with the given logical TTL. Each entry costs 1
// so MaxEntries bounds the entry count, not bytes.
func (c *Cache) Set(key string, body []byte, ttl time.Duration) bool {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return false
	}
	c.mu.RUnlock()

	if len(body) == 0 {
		return false
	}
	e := &entry{body: body, storedAt: time.Now(), ttl: ttl}
	return c.cache.SetWithTTL(key, e, 1, c.retention)
}

// GetStale retrieves the body stored under key regardless of logical
// freshness. Callers use it when a dispatch just failed on a rate limit or
// open circuit, which can precede the corresponding event delivery.
func (c *Cache) GetStale(key string) ([]byte, bool) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, false
	}
	c.mu.RUnlock()

	value, found := c.cache.Get(key)
	if !found {
		return nil, false
	}
	e, ok := value.(*entry)
	if !ok {
		return nil, false
	}
	metrics.CacheStaleServes.Inc()
	return e.body, true
}

// Run consumes governor events and tracks the degraded window during which
// expired entries are served stale. It returns when the events channel is
// closed; run it in its own goroutine.
func (c *Cache) Run(events <-chan governor.Event) {
	for ev := range events {
		switch ev.Type {
		case governor.EventRateLimited, governor.EventCircuitOpen:
			c.mu.Lock()
			c.degradedUntil = ev.ResetAt
			c.mu.Unlock()
			c.logger.Info("cache entering stale-serve mode",
				"event", string(ev.Type), "until", ev.ResetAt)
		case governor.EventCircuitClosed, governor.EventReset:
			c.mu.Lock()
			was := c.degradedUntil
			c.degradedUntil = time.Time{}
			c.mu.Unlock()
			if !was.IsZero() {
				c.logger.Info("cache leaving stale-serve mode", "event", string(ev.Type))
			}
		}
	}
}

func (c *Cache) degraded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Now().Before(c.degradedUntil)
}

// Wait blocks until pending async writes are applied. Test helper.
func (c *Cache) Wait() {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	c.cache.Wait()
}

// Close releases the cache's resources.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.cache.Close()
}
