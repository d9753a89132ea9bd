package dedupe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Cache is the optional duplicate fast path. It is strictly best-effort:
// a hit short-circuits to DUPLICATE, a miss or error falls through to the
// durable store. Writes must be write-if-absent with the row's TTL.
type Cache interface {
	Seen(ctx context.Context, key string) bool
	MarkSeen(ctx context.Context, key string, ttl time.Duration)
}

// CacheKey compacts a dedupe key into the hash the caches and logs use.
// Raw event ids never leave the durable store.
func CacheKey(key Key) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", key.TenantID, key.EventID, key.Version)))
	return hex.EncodeToString(sum[:16])
}

// MemoryCache is a process-local fast path with lazy expiry.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]time.Time

	// Now is the clock used for expiry; tests may replace it.
	Now func() time.Time
}

// NewMemoryCache returns an empty in-memory cache. A background sweep
// keeps the map from growing past its working set.
func NewMemoryCache() *MemoryCache {
	c := &MemoryCache{entries: make(map[string]time.Time), Now: time.Now}
	go c.cleanupExpired()
	return c
}

func (c *MemoryCache) Seen(_ context.Context, key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	expiry, ok := c.entries[key]
	return ok && c.Now().Before(expiry)
}

func (c *MemoryCache) MarkSeen(_ context.Context, key string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Write-if-absent: never shorten an existing entry's life.
	if expiry, ok := c.entries[key]; ok && c.Now().Before(expiry) {
		return
	}
	c.entries[key] = c.Now().Add(ttl)
}

func (c *MemoryCache) cleanupExpired() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		now := c.Now()
		for key, expiry := range c.entries {
			if now.After(expiry) {
				delete(c.entries, key)
			}
		}
		c.mu.Unlock()
	}
}

// RedisCache shares the fast path across pods. Errors are logged and
// swallowed: the durable store is the source of truth.
type RedisCache struct {
	client    redis.UniversalClient
	keyPrefix string // e.g. "tk:dedupe:" to namespace keys
}

// NewRedisCache creates a Redis-backed dedupe cache.
func NewRedisCache(client redis.UniversalClient, keyPrefix string) *RedisCache {
	if keyPrefix == "" {
		keyPrefix = "tk:dedupe:"
	}
	return &RedisCache{client: client, keyPrefix: keyPrefix}
}

func (c *RedisCache) Seen(ctx context.Context, key string) bool {
	n, err := c.client.Exists(ctx, c.keyPrefix+key).Result()
	if err != nil {
		log.Debug().Err(err).Msg("dedupe cache EXISTS failed, falling through to store")
		return false
	}
	return n == 1
}

func (c *RedisCache) MarkSeen(ctx context.Context, key string, ttl time.Duration) {
	if err := c.client.SetNX(ctx, c.keyPrefix+key, 1, ttl).Err(); err != nil {
		log.Debug().Err(err).Msg("dedupe cache SETNX failed")
	}
}
