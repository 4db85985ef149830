package scheduler

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/personaforge/personaforge/core"
	"github.com/personaforge/personaforge/telemetry"
)

// RedisCache is a shared second-level tier backed by Redis. Every failure is
// treated as a miss so a Redis outage degrades to in-process caching only.
type RedisCache struct {
	client    *redis.Client
	keyPrefix string
	logger    core.Logger
	errLog    *telemetry.LogRateLimiter
}

// NewRedisCache connects to the Redis at url (redis:// form). The connection
// is verified with a short ping so misconfiguration surfaces at startup
// rather than as silent cache misses.
func NewRedisCache(url string, logger core.Logger) (*RedisCache, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, core.NewError(core.KindInvalidInput, "cache.redis_connect", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, core.NewError(core.KindNetwork, "cache.redis_connect", err)
	}

	logger.Info("Connected second-level cache", map[string]interface{}{
		"operation": "cache_l2_connect",
		"addr":      opts.Addr,
		"db":        opts.DB,
	})

	return &RedisCache{
		client:    client,
		keyPrefix: "personaforge:cache:",
		logger:    logger,
		errLog:    telemetry.NewLogRateLimiter(30 * time.Second),
	}, nil
}

// Get fetches a raw entry. Backend errors are logged (throttled) and
// reported as a miss.
func (r *RedisCache) Get(ctx context.Context, key core.RequestKey) ([]byte, bool) {
	data, err := r.client.Get(ctx, r.keyPrefix+string(key)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		if r.errLog.Allow() {
			r.logger.Warn("Second-level cache read failed, degrading to local cache", map[string]interface{}{
				"operation": "cache_l2_get",
				"error":     err.Error(),
			})
		}
		return nil, false
	}
	return data, true
}

// Set stores a raw entry with the given TTL. Errors are logged and dropped.
func (r *RedisCache) Set(ctx context.Context, key core.RequestKey, data []byte, ttl time.Duration) {
	if err := r.client.Set(ctx, r.keyPrefix+string(key), data, ttl).Err(); err != nil {
		if r.errLog.Allow() {
			r.logger.Warn("Second-level cache write failed", map[string]interface{}{
				"operation": "cache_l2_set",
				"error":     err.Error(),
			})
		}
	}
}

// Close releases the Redis connection.
func (r *RedisCache) Close() error {
	return r.client.Close()
}
