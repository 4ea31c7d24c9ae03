// Package cache remembers which run an idempotency key started, so a client
// retrying POST /v1/generations gets the original run back instead of a
// second reservation. It supports both in-memory (single instance) and Redis
// (distributed) backends.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache maps idempotency keys to run IDs.
type Cache interface {
	// Claim stores runID under key unless the key is already held. When it
	// is, the stored run ID is returned with claimed=false.
	Claim(ctx context.Context, key, runID string, ttl time.Duration) (existing string, claimed bool, err error)
	// Forget drops a claim whose run never got started.
	Forget(ctx context.Context, key string) error
}

// Key scopes a client-supplied idempotency key to its user.
func Key(userID, idempotencyKey string) string {
	hash := sha256.Sum256([]byte(userID + "\x00" + idempotencyKey))
	return "adventure:idem:" + hex.EncodeToString(hash[:])
}

type InMemoryCache struct {
	mu    sync.Mutex
	items map[string]*cacheItem
	now   func() time.Time
}

type cacheItem struct {
	runID     string
	expiresAt time.Time
}

func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		items: make(map[string]*cacheItem),
		now:   time.Now,
	}
}

func (c *InMemoryCache) Claim(ctx context.Context, key, runID string, ttl time.Duration) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if item, ok := c.items[key]; ok && now.Before(item.expiresAt) {
		return item.runID, false, nil
	}

	c.items[key] = &cacheItem{
		runID:     runID,
		expiresAt: now.Add(ttl),
	}
	return runID, true, nil
}

func (c *InMemoryCache) Forget(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return nil
}

// Cleanup removes expired claims every interval until ctx is done.
func (c *InMemoryCache) Cleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *InMemoryCache) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, item := range c.items {
		if !now.Before(item.expiresAt) {
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Claim(ctx context.Context, key, runID string, ttl time.Duration) (string, bool, error) {
	ok, err := c.client.SetNX(ctx, key, runID, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return runID, true, nil
	}

	existing, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; try once more.
		ok, err = c.client.SetNX(ctx, key, runID, ttl).Result()
		if err != nil {
			return "", false, err
		}
		if ok {
			return runID, true, nil
		}
		existing, err = c.client.Get(ctx, key).Result()
	}
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}

func (c *RedisCache) Forget(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}
