package cache

import (
	"context"
	"sync"
	"time"

	"github.com/irfndi/celebrum-forecast/internal/models"
)

// MemoryForecastCache is the in-process ForecastCache.
type MemoryForecastCache struct {
	mu       sync.RWMutex
	entries  map[string]*models.CachedForecast
	ttl      time.Duration
	capacity int
	stats    *statsCounter
	opts     options
}

// NewMemoryForecastCache creates an in-memory cache. Non-positive limits fall back to the defaults.
func NewMemoryForecastCache(ttl time.Duration, capacity int, opts ...Option) *MemoryForecastCache {
	ttl, capacity = normalizeLimits(ttl, capacity)
	return &MemoryForecastCache{
		entries:  make(map[string]*models.CachedForecast),
		ttl:      ttl,
		capacity: capacity,
		stats:    &statsCounter{},
		opts:     buildOptions(opts),
	}
}

// Put stores predictions for coin stamped with the current time.
func (c *MemoryForecastCache) Put(_ context.Context, coin string, predictions []float64, days int) error {
	started := time.Now()
	entry := &models.CachedForecast{
		Coin:        coin,
		Predictions: append([]float64(nil), predictions...),
		Days:        days,
		CreatedAt:   c.opts.now(),
	}

	c.mu.Lock()
	if _, exists := c.entries[coin]; !exists {
		for len(c.entries) >= c.capacity {
			c.evictOldestLocked()
		}
	}
	c.entries[coin] = entry
	c.mu.Unlock()

	c.stats.set()
	c.opts.logOperation("put", coin, false, started)
	return nil
}

// evictOldestLocked drops the entry with the smallest CreatedAt; ties go to the smaller coin id.
func (c *MemoryForecastCache) evictOldestLocked() {
	var oldest *models.CachedForecast
	for _, e := range c.entries {
		if oldest == nil || e.CreatedAt.Before(oldest.CreatedAt) ||
			(e.CreatedAt.Equal(oldest.CreatedAt) && e.Coin < oldest.Coin) {
			oldest = e
		}
	}
	if oldest == nil {
		return
	}
	delete(c.entries, oldest.Coin)
	c.stats.evict()
}

// Get returns a copy of the entry for coin if it is still fresh.
func (c *MemoryForecastCache) Get(_ context.Context, coin string) (*models.CachedForecast, bool) {
	started := time.Now()

	c.mu.RLock()
	entry, ok := c.entries[coin]
	if ok {
		entry = cloneForecast(entry)
	}
	c.mu.RUnlock()

	if !ok || !fresh(entry, c.opts.now(), c.ttl) {
		c.stats.miss()
		c.opts.logOperation("get", coin, false, started)
		return nil, false
	}

	c.stats.hit()
	c.opts.logOperation("get", coin, true, started)
	return entry, true
}

// Delete removes coin's entry, reporting whether one existed.
func (c *MemoryForecastCache) Delete(_ context.Context, coin string) (bool, error) {
	c.mu.Lock()
	_, ok := c.entries[coin]
	delete(c.entries, coin)
	c.mu.Unlock()
	return ok, nil
}

// Len returns the number of stored entries, stale ones included.
func (c *MemoryForecastCache) Len(_ context.Context) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// GetStats returns current cache statistics
func (c *MemoryForecastCache) GetStats() CacheStats {
	return c.stats.snapshot("memory", c.capacity, c.ttl)
}
