package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/irfndi/celebrum-forecast/internal/models"
)

const (
	redisKeyPrefix = "forecast_cache:"
	redisIndexKey  = "forecast_cache:index"
)

// RedisForecastCache implements ForecastCache on Redis. Entries are JSON under
// forecast_cache:<coin>; the sorted set forecast_cache:index scores each coin by
// its creation time in milliseconds and drives eviction.
type RedisForecastCache struct {
	redis    *redis.Client
	ttl      time.Duration
	capacity int
	prefix   string
	indexKey string
	stats    *statsCounter
	opts     options

	// mu serialises writers of this process so eviction and insert do not interleave.
	mu sync.Mutex
}

// NewRedisForecastCache creates a Redis-backed cache. Non-positive limits fall back to the defaults.
func NewRedisForecastCache(redisClient *redis.Client, ttl time.Duration, capacity int, opts ...Option) *RedisForecastCache {
	ttl, capacity = normalizeLimits(ttl, capacity)
	return &RedisForecastCache{
		redis:    redisClient,
		ttl:      ttl,
		capacity: capacity,
		prefix:   redisKeyPrefix,
		indexKey: redisIndexKey,
		stats:    &statsCounter{},
		opts:     buildOptions(opts),
	}
}

func (c *RedisForecastCache) key(coin string) string {
	return c.prefix + coin
}

// Put stores predictions for coin, evicting the oldest coins first when a new
// coin would exceed capacity.
func (c *RedisForecastCache) Put(ctx context.Context, coin string, predictions []float64, days int) error {
	started := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := models.CachedForecast{
		Coin:        coin,
		Predictions: predictions,
		Days:        days,
		CreatedAt:   c.opts.now(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to serialize forecast for %s: %w", coin, err)
	}

	_, err = c.redis.ZScore(ctx, c.indexKey, coin).Result()
	switch {
	case errors.Is(err, redis.Nil):
		if err := c.makeRoom(ctx); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("failed to look up cache index for %s: %w", coin, err)
	}

	_, err = c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, c.key(coin), data, c.ttl)
		pipe.ZAdd(ctx, c.indexKey, redis.Z{Score: float64(entry.CreatedAt.UnixMilli()), Member: coin})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store forecast for %s: %w", coin, err)
	}

	c.stats.set()
	c.opts.logOperation("put", coin, false, started)
	return nil
}

// makeRoom pops the oldest coins until a new entry fits.
func (c *RedisForecastCache) makeRoom(ctx context.Context) error {
	for {
		count, err := c.redis.ZCard(ctx, c.indexKey).Result()
		if err != nil {
			return fmt.Errorf("failed to count cache entries: %w", err)
		}
		if count < int64(c.capacity) {
			return nil
		}

		oldest, err := c.redis.ZPopMin(ctx, c.indexKey, 1).Result()
		if err != nil {
			return fmt.Errorf("failed to evict cache entry: %w", err)
		}
		if len(oldest) == 0 {
			return nil
		}
		coin, _ := oldest[0].Member.(string)
		if err := c.redis.Del(ctx, c.key(coin)).Err(); err != nil {
			return fmt.Errorf("failed to evict cache entry %s: %w", coin, err)
		}
		c.stats.evict()
	}
}

// Get returns the entry for coin if it is still fresh. Redis errors read as misses.
func (c *RedisForecastCache) Get(ctx context.Context, coin string) (*models.CachedForecast, bool) {
	started := time.Now()

	data, err := c.redis.Get(ctx, c.key(coin)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) && c.opts.logger != nil {
			c.opts.logger.WithError(err).Warn("redis error reading forecast cache", "coin", coin)
		}
		c.stats.miss()
		c.opts.logOperation("get", coin, false, started)
		return nil, false
	}

	var entry models.CachedForecast
	if err := json.Unmarshal(data, &entry); err != nil {
		if c.opts.logger != nil {
			c.opts.logger.WithError(err).Warn("corrupt forecast cache entry", "coin", coin)
		}
		c.stats.miss()
		c.opts.logOperation("get", coin, false, started)
		return nil, false
	}

	if !fresh(&entry, c.opts.now(), c.ttl) {
		c.stats.miss()
		c.opts.logOperation("get", coin, false, started)
		return nil, false
	}

	c.stats.hit()
	c.opts.logOperation("get", coin, true, started)
	return &entry, true
}

// Delete removes coin's entry and index member, reporting whether one existed.
func (c *RedisForecastCache) Delete(ctx context.Context, coin string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed *redis.IntCmd
	_, err := c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, c.key(coin))
		removed = pipe.ZRem(ctx, c.indexKey, coin)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete forecast for %s: %w", coin, err)
	}
	return removed.Val() > 0, nil
}

// Len returns the number of indexed coins, stale ones included.
func (c *RedisForecastCache) Len(ctx context.Context) int {
	n, err := c.redis.ZCard(ctx, c.indexKey).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

// GetStats returns current cache statistics
func (c *RedisForecastCache) GetStats() CacheStats {
	return c.stats.snapshot("redis", c.capacity, c.ttl)
}
