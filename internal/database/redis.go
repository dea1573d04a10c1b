package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-forecast/internal/config"
)

// RedisClient wraps the go-redis client used by the Redis forecast cache.
type RedisClient struct {
	Client *redis.Client
	logger *logrus.Logger
}

// NewRedisConnection connects to Redis and verifies the connection with a ping.
func NewRedisConnection(cfg config.RedisConfig, logger *logrus.Logger) (*RedisClient, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Successfully connected to Redis")

	return &RedisClient{Client: rdb, logger: logger}, nil
}

// Close closes the underlying client.
func (r *RedisClient) Close() {
	if r.Client != nil {
		if err := r.Client.Close(); err != nil && r.logger != nil {
			r.logger.WithError(err).Warn("error closing Redis connection")
			return
		}
		if r.logger != nil {
			r.logger.Info("Redis connection closed")
		}
	}
}

// HealthCheck pings Redis.
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	if r.Client == nil {
		return fmt.Errorf("redis client not initialized")
	}
	return r.Client.Ping(ctx).Err()
}
