package scheduler

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/personaforge/personaforge/core"
)

// Codec converts cached values to and from their second-level byte form.
// Adapters supply one per response type so a Redis hit decodes back into the
// concrete type callers expect.
type Codec interface {
	Encode(v interface{}) ([]byte, error)
	Decode(data []byte) (interface{}, error)
}

// SecondLevel is an optional shared cache tier behind the in-process cache.
// Implementations must degrade gracefully: a miss and an unavailable backend
// look the same to the caller.
type SecondLevel interface {
	Get(ctx context.Context, key core.RequestKey) ([]byte, bool)
	Set(ctx context.Context, key core.RequestKey, data []byte, ttl time.Duration)
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	// MaxBytes bounds the estimated memory footprint. Zero means unbounded.
	MaxBytes int64
	// DefaultTTL applies when a store has no explicit TTL.
	DefaultTTL time.Duration

	// Second is the optional shared tier (e.g. Redis).
	Second SecondLevel

	Logger core.Logger
	Clock  core.Clock
}

// CacheStats is a point-in-time view of cache effectiveness.
type CacheStats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
	Entries   int     `json:"entries"`
	Bytes     int64   `json:"bytes"`
}

type cacheEntry struct {
	key       core.RequestKey
	value     interface{}
	size      int64
	expiresAt time.Time
}

// ResponseCache is a byte-budgeted LRU with exact TTL expiry checked on every
// read. Concurrent computes for the same key collapse into one producer run;
// attached callers all receive the shared outcome, and a failed producer
// stores nothing.
type ResponseCache struct {
	mu      sync.Mutex
	cfg     CacheConfig
	entries map[core.RequestKey]*list.Element
	lru     *list.List // front = most recent
	bytes   int64

	hits      int64
	misses    int64
	evictions int64

	flight singleflight.Group
	clock  core.Clock
	logger core.Logger
}

// NewResponseCache creates a cache with the given budget.
func NewResponseCache(cfg CacheConfig) *ResponseCache {
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}
	if cfg.Clock == nil {
		cfg.Clock = core.RealClock{}
	}
	return &ResponseCache{
		cfg:     cfg,
		entries: make(map[core.RequestKey]*list.Element),
		lru:     list.New(),
		clock:   cfg.Clock,
		logger:  cfg.Logger,
	}
}

// Get returns the cached value for key if present and unexpired. An expired
// entry is removed on the spot and reported as a miss.
func (c *ResponseCache) Get(key core.RequestKey) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if !c.clock.Now().Before(entry.expiresAt) {
		c.removeLocked(elem)
		c.misses++
		return nil, false
	}
	c.lru.MoveToFront(elem)
	c.hits++
	return entry.value, true
}

// Set stores a value under key. A non-positive ttl falls back to the default.
func (c *ResponseCache) Set(key core.RequestKey, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	if ttl <= 0 {
		return
	}
	size := estimateSize(value)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}

	entry := &cacheEntry{
		key:       key,
		value:     value,
		size:      size,
		expiresAt: c.clock.Now().Add(ttl),
	}
	c.entries[key] = c.lru.PushFront(entry)
	c.bytes += size
	c.evictLocked()
}

// Invalidate drops an entry if present.
func (c *ResponseCache) Invalidate(key core.RequestKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}
}

// Clear drops every entry.
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[core.RequestKey]*list.Element)
	c.lru.Init()
	c.bytes = 0
}

// GetOrCompute returns the cached value for key, consulting the second level
// on a local miss, and otherwise runs produce exactly once no matter how many
// callers arrive concurrently. produce runs detached from any single caller's
// context so one caller's cancellation cannot fail the others; the cancelling
// caller gets its context error while the shared run continues.
func (c *ResponseCache) GetOrCompute(ctx context.Context, key core.RequestKey, ttl time.Duration, codec Codec, produce func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	ch := c.flight.DoChan(string(key), func() (interface{}, error) {
		// Re-check under the flight: a concurrent caller may have filled the
		// entry between our miss and this run.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		if c.cfg.Second != nil && codec != nil {
			if data, ok := c.cfg.Second.Get(ctx, key); ok {
				v, err := codec.Decode(data)
				if err == nil {
					c.Set(key, v, ttl)
					return v, nil
				}
				c.logger.Warn("Discarding undecodable second-level entry", map[string]interface{}{
					"operation": "cache_l2_decode",
					"key":       string(key),
					"error":     err.Error(),
				})
			}
		}

		v, err := produce(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.Set(key, v, ttl)
		if c.cfg.Second != nil && codec != nil {
			if data, encErr := codec.Encode(v); encErr == nil {
				c.cfg.Second.Set(context.WithoutCancel(ctx), key, data, ttl)
			}
		}
		return v, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val, nil
	}
}

// SetBudget replaces the byte budget and default TTL at runtime, evicting
// immediately if the new budget is smaller than current usage. Existing
// entries keep their original expiry.
func (c *ResponseCache) SetBudget(maxBytes int64, defaultTTL time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.MaxBytes = maxBytes
	c.cfg.DefaultTTL = defaultTTL
	c.evictLocked()
}

// Stats returns cache counters.
func (c *ResponseCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Entries:   len(c.entries),
		Bytes:     c.bytes,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

// evictLocked trims least-recently-used entries until the budget is met.
func (c *ResponseCache) evictLocked() {
	if c.cfg.MaxBytes <= 0 {
		return
	}
	for c.bytes > c.cfg.MaxBytes {
		back := c.lru.Back()
		if back == nil {
			return
		}
		entry := back.Value.(*cacheEntry)
		c.removeLocked(back)
		c.evictions++
		c.logger.Debug("Evicted cache entry under memory pressure", map[string]interface{}{
			"operation": "cache_evict",
			"key":       string(entry.key),
			"size":      entry.size,
		})
	}
}

func (c *ResponseCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	c.lru.Remove(elem)
	delete(c.entries, entry.key)
	c.bytes -= entry.size
}

// estimateSize approximates the in-memory footprint of a cached value. JSON
// length is a stable proxy that does not depend on allocator details.
func estimateSize(v interface{}) int64 {
	switch val := v.(type) {
	case []byte:
		return int64(len(val))
	case string:
		return int64(len(val))
	}
	data, err := json.Marshal(v)
	if err != nil {
		return 512
	}
	return int64(len(data))
}

// JSONCodec round-trips values through encoding/json into a caller-supplied
// prototype factory. newValue must return a pointer to the concrete type.
type JSONCodec struct {
	NewValue func() interface{}
}

func (c JSONCodec) Encode(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (c JSONCodec) Decode(data []byte) (interface{}, error) {
	out := c.NewValue()
	if err := json.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}
