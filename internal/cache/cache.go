// Package cache keeps the most recent forecast per coin for a short freshness window.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/irfndi/celebrum-forecast/internal/logging"
	"github.com/irfndi/celebrum-forecast/internal/models"
)

const (
	// DefaultTTL is the freshness window of a cached forecast.
	DefaultTTL = 300 * time.Second
	// DefaultCapacity is the number of coins kept before the oldest entry is evicted.
	DefaultCapacity = 100
)

// ForecastCache stores the latest forecast per coin.
// An entry is fresh while now - CreatedAt < TTL; stale entries read as misses.
// Inserting a new coin at capacity evicts the entry with the oldest CreatedAt,
// overwriting an existing coin never evicts.
type ForecastCache interface {
	Put(ctx context.Context, coin string, predictions []float64, days int) error
	Get(ctx context.Context, coin string) (*models.CachedForecast, bool)
	Delete(ctx context.Context, coin string) (bool, error)
	Len(ctx context.Context) int
	GetStats() CacheStats
}

// CacheStats tracks cache performance metrics
type CacheStats struct {
	Backend   string  `json:"backend"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Sets      int64   `json:"sets"`
	Evictions int64   `json:"evictions"`
	Capacity  int     `json:"capacity"`
	TTL       float64 `json:"ttl_seconds"`
}

// HitRate returns hits as a percentage of lookups.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

type statsCounter struct {
	mu        sync.RWMutex
	hits      int64
	misses    int64
	sets      int64
	evictions int64
}

func (s *statsCounter) hit() {
	s.mu.Lock()
	s.hits++
	s.mu.Unlock()
}

func (s *statsCounter) miss() {
	s.mu.Lock()
	s.misses++
	s.mu.Unlock()
}

func (s *statsCounter) set() {
	s.mu.Lock()
	s.sets++
	s.mu.Unlock()
}

func (s *statsCounter) evict() {
	s.mu.Lock()
	s.evictions++
	s.mu.Unlock()
}

func (s *statsCounter) snapshot(backend string, capacity int, ttl time.Duration) CacheStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return CacheStats{
		Backend:   backend,
		Hits:      s.hits,
		Misses:    s.misses,
		Sets:      s.sets,
		Evictions: s.evictions,
		Capacity:  capacity,
		TTL:       ttl.Seconds(),
	}
}

// Option configures a cache backend.
type Option func(*options)

type options struct {
	now    func() time.Time
	logger *logging.StandardLogger
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithLogger logs every cache operation at debug level.
func WithLogger(logger *logging.StandardLogger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) logOperation(op, coin string, hit bool, started time.Time) {
	if o.logger == nil {
		return
	}
	o.logger.LogCacheOperation(op, coin, hit, time.Since(started).Milliseconds())
}

func normalizeLimits(ttl time.Duration, capacity int) (time.Duration, int) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return ttl, capacity
}

func fresh(entry *models.CachedForecast, now time.Time, ttl time.Duration) bool {
	return entry.Age(now) < ttl
}

func cloneForecast(entry *models.CachedForecast) *models.CachedForecast {
	out := *entry
	out.Predictions = append([]float64(nil), entry.Predictions...)
	return &out
}
