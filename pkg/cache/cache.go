package cache

import (
	"sync"
	"time"

	"github.com/c360/sensorstream/errors"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a thread-safe map whose entries expire after a fixed duration.
// Expired entries are never returned; they are removed lazily on access and
// in bulk by RemoveExpired.
type TTL[K comparable, V any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	items   map[K]*entry[V]
	now     func() time.Time
	stats   *Statistics
	metrics *cacheMetrics

	closeOnce sync.Once
	shutdown  chan struct{}
	done      chan struct{}
}

// NewTTL creates a cache whose entries live for ttl. When cleanupInterval is
// positive a background goroutine removes expired entries until Close.
func NewTTL[K comparable, V any](ttl, cleanupInterval time.Duration, opts ...Option[K, V]) (*TTL[K, V], error) {
	if ttl <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewTTL", "ttl must be positive")
	}

	o := applyOptions(opts...)

	var metrics *cacheMetrics
	if o.metricsReg != nil {
		var err error
		metrics, err = newCacheMetrics(o.metricsReg, o.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "NewTTL", "metrics registration")
		}
	}

	c := &TTL[K, V]{
		ttl:      ttl,
		items:    make(map[K]*entry[V]),
		now:      o.clock,
		stats:    NewStatistics(),
		metrics:  metrics,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}

	if cleanupInterval > 0 {
		go c.cleanup(cleanupInterval)
	} else {
		close(c.done)
	}
	return c, nil
}

// Get returns the value for key if present and not expired.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	now := c.now()

	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()

	if ok && now.Before(e.expiresAt) {
		c.stats.Hit()
		c.metrics.recordHit()
		return e.value, true
	}

	if ok {
		c.mu.Lock()
		if cur, still := c.items[key]; still && !now.Before(cur.expiresAt) {
			delete(c.items, key)
			c.evicted(1, len(c.items))
		}
		c.mu.Unlock()
	}

	c.stats.Miss()
	c.metrics.recordMiss()
	var zero V
	return zero, false
}

// Set stores value under key with the cache's TTL.
func (c *TTL[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores value under key with a specific TTL.
func (c *TTL[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	c.items[key] = &entry[V]{value: value, expiresAt: c.now().Add(ttl)}
	size := len(c.items)
	c.mu.Unlock()

	c.stats.Set()
	c.stats.UpdateSize(int64(size))
	c.metrics.updateSize(size)
}

// Delete removes key. It reports whether the key was present.
func (c *TTL[K, V]) Delete(key K) bool {
	c.mu.Lock()
	_, ok := c.items[key]
	delete(c.items, key)
	size := len(c.items)
	c.mu.Unlock()

	if ok {
		c.stats.UpdateSize(int64(size))
		c.metrics.updateSize(size)
	}
	return ok
}

// Len returns the number of stored entries, expired ones included until
// they are removed.
func (c *TTL[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Stats returns the cache statistics.
func (c *TTL[K, V]) Stats() *Statistics {
	return c.stats
}

// RemoveExpired deletes every expired entry and returns how many were removed.
func (c *TTL[K, V]) RemoveExpired() int {
	now := c.now()
	expired := 0

	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.items {
		if !now.Before(e.expiresAt) {
			delete(c.items, k)
			expired++
		}
	}
	if expired > 0 {
		c.evicted(expired, len(c.items))
	}
	return expired
}

// evicted updates counters; callers hold the lock.
func (c *TTL[K, V]) evicted(n, size int) {
	for range n {
		c.stats.Eviction()
	}
	c.stats.UpdateSize(int64(size))
	c.metrics.recordEvictions(n)
	c.metrics.updateSize(size)
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (c *TTL[K, V]) Close() error {
	c.closeOnce.Do(func() { close(c.shutdown) })

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return errors.WrapTransient(errors.ErrShuttingDown, "cache", "Close", "wait for cleanup goroutine")
	}
}

func (c *TTL[K, V]) cleanup(interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.RemoveExpired()
		}
	}
}
