// Package cache provides the expiring key-value stores that hold the latest
// presence snapshot for every polled user.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultScanCount = 100

// RedisConfig holds the configuration for the Redis client. URL takes
// precedence over Addr when both are set.
type RedisConfig struct {
	URL       string
	Addr      string
	Password  string
	DB        int
	ScanCount int64
}

func (cfg *RedisConfig) options() (*redis.Options, error) {
	if cfg.URL != "" {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		return opts, nil
	}
	if cfg.Addr == "" {
		return nil, errors.New("redis address or url is required")
	}
	return &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}, nil
}

// RedisStateStore is the shared, external StateStore.
type RedisStateStore struct {
	redisClient *redis.Client
	logger      zerolog.Logger
	scanCount   int64
}

// NewRedisStateStore creates and connects a new RedisStateStore.
// It pings the Redis server to ensure connectivity before returning.
func NewRedisStateStore(
	ctx context.Context,
	cfg *RedisConfig,
	logger zerolog.Logger,
) (*RedisStateStore, error) {
	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis for state store: %w", err)
	}
	logger.Info().Str("redis_address", opts.Addr).Msg("Successfully connected to Redis for StateStore.")

	scanCount := cfg.ScanCount
	if scanCount <= 0 {
		scanCount = defaultScanCount
	}
	return &RedisStateStore{
		redisClient: rdb,
		logger:      logger.With().Str("component", "RedisStateStore").Logger(),
		scanCount:   scanCount,
	}, nil
}

// Get retrieves the raw value stored for key.
func (c *RedisStateStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.redisClient.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("redis get failed for key %s: %w", key, err)
	}
	c.logger.Debug().Str("key", key).Msg("Redis state hit.")
	return data, nil
}

// SetWithTTL stores value with SET ... EX ttl.
func (c *RedisStateStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.redisClient.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set state in redis for key %s: %w", key, err)
	}
	return nil
}

// Keys walks the keyspace with SCAN so a large keyspace never blocks the server.
func (c *RedisStateStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := c.redisClient.Scan(ctx, 0, escapeGlob(prefix)+"*", c.scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan failed for prefix %s: %w", prefix, err)
	}
	return keys, nil
}

// Delete removes a key from Redis.
func (c *RedisStateStore) Delete(ctx context.Context, key string) error {
	if err := c.redisClient.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del failed for key %s: %w", key, err)
	}
	return nil
}

// Close closes the Redis client connection.
func (c *RedisStateStore) Close() error {
	if c.redisClient != nil {
		c.logger.Info().Msg("Closing Redis client connection...")
		return c.redisClient.Close()
	}
	return nil
}

// escapeGlob quotes the characters SCAN MATCH treats as pattern syntax.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
