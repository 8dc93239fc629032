package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// StatsCache is a redis-backed TTL cache for expensive dashboard and
// usage-stat queries. The cache is purely advisory: reads fall through
// to the store on any miss or redis error, and entries expire by TTL
// only (no explicit invalidation).
type StatsCache struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewStatsCache creates a stats cache backed by the given redis server.
func NewStatsCache(addr, password string, db int, ttl time.Duration) (*StatsCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if ttl <= 0 {
		ttl = time.Minute
	}

	return &StatsCache{redis: client, ttl: ttl}, nil
}

// Client exposes the underlying redis client for health checks.
func (c *StatsCache) Client() *redis.Client {
	return c.redis
}

// Close closes the redis connection.
func (c *StatsCache) Close() error {
	return c.redis.Close()
}

// Get unmarshals the cached value for key into dest. Returns false on
// miss, decode failure, or redis error.
func (c *StatsCache) Get(ctx context.Context, key string, dest interface{}) bool {
	cached, err := c.redis.Get(ctx, key).Result()
	if err != nil {
		return false
	}
	if err := json.Unmarshal([]byte(cached), dest); err != nil {
		return false
	}
	return true
}

// Set stores value under key with the cache TTL. Failures are ignored;
// a cache write never affects the caller.
func (c *StatsCache) Set(ctx context.Context, key string, value interface{}) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	c.redis.Set(ctx, key, data, c.ttl)
}

// Key builds a cache key from parts.
func Key(parts ...interface{}) string {
	key := "pulse"
	for _, p := range parts {
		key += fmt.Sprintf(":%v", p)
	}
	return key
}
