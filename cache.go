package lavapool

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CacheStore memoizes resolution results keyed by (normalized query, search
// mode). Implementations must be safe for concurrent use. A store never
// distinguishes "cached failure" from "cached success": whatever outcome was
// stored is what a hit returns.
type CacheStore interface {
	// Get returns the entry for key, or false when absent or expired.
	Get(ctx context.Context, key string) (*LoadResult, bool)
	// Put stores an entry. A non-positive ttl means no expiry.
	Put(ctx context.Context, key string, res *LoadResult, ttl time.Duration)
}

type memoryEntry struct {
	res     *LoadResult
	created time.Time
	expires time.Time
}

// MemoryCache is an in-process CacheStore with per-entry TTL. Expired entries
// are dropped lazily on read.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*LoadResult, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}
	return e.res, true
}

func (c *MemoryCache) Put(_ context.Context, key string, res *LoadResult, ttl time.Duration) {
	e := memoryEntry{res: res, created: time.Now()}
	if ttl > 0 {
		e.expires = e.created.Add(ttl)
	}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
}

// Len reports the number of live entries, counting not-yet-collected expired
// ones.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

const redisKeyPrefix = "lavapool:search:"

// RedisCache is a CacheStore backed by a Redis instance, for sharing
// resolution results across processes. Entries are stored as JSON with
// Redis-side expiry. Redis errors degrade to cache misses.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*LoadResult, bool) {
	data, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	res := &LoadResult{}
	if err := json.Unmarshal(data, res); err != nil {
		return nil, false
	}
	return res, true
}

func (c *RedisCache) Put(ctx context.Context, key string, res *LoadResult, ttl time.Duration) {
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	if ttl < 0 {
		ttl = 0
	}
	c.client.Set(ctx, redisKeyPrefix+key, data, ttl)
}
