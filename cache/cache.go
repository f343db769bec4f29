// Package cache provides the circuit-broken Redis cache layer and the
// recommendation-specific namespaces built on top of it.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/wyfcoding/recsys/metrics"
)

// ErrCacheMiss is returned when the key is absent.
var ErrCacheMiss = errors.New("cache miss")

// Cache defines the cache interface
type Cache interface {
	Get(ctx context.Context, key string, value interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeleteByPattern(ctx context.Context, pattern string) error
	Exists(ctx context.Context, key string) (bool, error)
	Close() error
}

type cacheMetrics struct {
	hits     *prometheus.CounterVec
	misses   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newCacheMetrics(m *metrics.Metrics) *cacheMetrics {
	if m == nil {
		return nil
	}
	return &cacheMetrics{
		hits: m.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "The total number of cache hits",
		}, []string{"prefix"}),
		misses: m.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "The total number of cache misses",
		}, []string{"prefix"}),
		duration: m.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cache_operation_duration_seconds",
			Help:    "The duration of cache operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"prefix", "operation"}),
	}
}

func (cm *cacheMetrics) observe(prefix, op string, start time.Time) {
	if cm == nil {
		return
	}
	cm.duration.WithLabelValues(prefix, op).Observe(time.Since(start).Seconds())
}

// RedisCache implements Cache using Redis
type RedisCache struct {
	client  *redis.Client             // Redis client instance
	cleanup func()                    // Cleanup function to close the client
	prefix  string                    // Cache key prefix
	cb      *gobreaker.CircuitBreaker // Circuit breaker instance
	m       *cacheMetrics
}

// NewRedisCache wraps an existing Redis client. The client stays owned by
// the caller; Close is a no-op unless a cleanup is attached.
func NewRedisCache(client *redis.Client, m *metrics.Metrics) *RedisCache {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "redis-cache",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
	})

	return &RedisCache{
		client: client,
		cb:     cb,
		m:      newCacheMetrics(m),
	}
}

// WithCleanup attaches a cleanup function invoked by Close.
func (c *RedisCache) WithCleanup(cleanup func()) *RedisCache {
	c.cleanup = cleanup
	return c
}

// WithPrefix returns a new RedisCache with a key prefix
// The underlying client is shared
func (c *RedisCache) WithPrefix(prefix string) *RedisCache {
	return &RedisCache{
		client:  c.client,
		cleanup: c.cleanup,
		prefix:  prefix,
		cb:      c.cb,
		m:       c.m,
	}
}

// buildKey 构建带有前缀的 key。
func (c *RedisCache) buildKey(key string) string {
	if c.prefix == "" {
		return key
	}
	return c.prefix + ":" + key
}

// Get 从缓存中获取值。
// value 参数必须是一个指针，以便能将缓存的数据反序列化到其中。
func (c *RedisCache) Get(ctx context.Context, key string, value interface{}) error {
	start := time.Now()
	defer c.m.observe(c.prefix, "get", start)

	fullKey := c.buildKey(key)

	_, err := c.cb.Execute(func() (interface{}, error) {
		data, err := c.client.Get(ctx, fullKey).Bytes()
		if err != nil {
			if err == redis.Nil {
				if c.m != nil {
					c.m.misses.WithLabelValues(c.prefix).Inc()
				}
				return nil, fmt.Errorf("%w: %s", ErrCacheMiss, key)
			}
			return nil, err
		}
		if c.m != nil {
			c.m.hits.WithLabelValues(c.prefix).Inc()
		}
		return data, json.Unmarshal(data, value)
	})

	return err
}

// Set 设置缓存值。
// value 会被JSON序列化后存储。
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	start := time.Now()
	defer c.m.observe(c.prefix, "set", start)

	fullKey := c.buildKey(key)
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	_, err = c.cb.Execute(func() (interface{}, error) {
		return nil, c.client.Set(ctx, fullKey, data, expiration).Err()
	})

	return err
}

// Delete 从缓存中删除值。
func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	start := time.Now()
	defer c.m.observe(c.prefix, "delete", start)

	if len(keys) == 0 {
		return nil
	}
	fullKeys := make([]string, len(keys))
	for i, key := range keys {
		fullKeys[i] = c.buildKey(key)
	}

	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, c.client.Del(ctx, fullKeys...).Err()
	})

	return err
}

// DeleteByPattern removes every key matching the (prefixed) pattern via SCAN.
// Meant for targeted invalidation, not bulk flushes.
func (c *RedisCache) DeleteByPattern(ctx context.Context, pattern string) error {
	start := time.Now()
	defer c.m.observe(c.prefix, "delete_pattern", start)

	fullPattern := c.buildKey(pattern)

	_, err := c.cb.Execute(func() (interface{}, error) {
		iter := c.client.Scan(ctx, 0, fullPattern, 100).Iterator()
		var keys []string
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
			if len(keys) >= 500 {
				if err := c.client.Del(ctx, keys...).Err(); err != nil {
					return nil, err
				}
				keys = keys[:0]
			}
		}
		if err := iter.Err(); err != nil {
			return nil, err
		}
		if len(keys) > 0 {
			return nil, c.client.Del(ctx, keys...).Err()
		}
		return nil, nil
	})

	return err
}

// Exists 检查 key 是否存在。
func (c *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	defer c.m.observe(c.prefix, "exists", start)

	fullKey := c.buildKey(key)

	result, err := c.cb.Execute(func() (interface{}, error) {
		n, err := c.client.Exists(ctx, fullKey).Result()
		if err != nil {
			return false, err
		}
		return n > 0, nil
	})

	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

// Close 关闭 Redis 客户端。
func (c *RedisCache) Close() error {
	slog.Info("closing redis cache connection")
	if c.cleanup != nil {
		c.cleanup()
	}
	return nil
}

// GetClient 返回底层的 Redis 客户端。
func (c *RedisCache) GetClient() *redis.Client {
	return c.client
}
