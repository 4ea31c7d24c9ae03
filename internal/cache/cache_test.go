package cache

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestInMemoryCache_ClaimAndReplay(t *testing.T) {
	c := NewInMemoryCache()
	ctx := context.Background()

	got, claimed, err := c.Claim(ctx, "key1", "run-1", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !claimed || got != "run-1" {
		t.Fatalf("first Claim() = %s, %v; want run-1, true", got, claimed)
	}

	got, claimed, _ = c.Claim(ctx, "key1", "run-2", time.Minute)
	if claimed {
		t.Fatal("second Claim() should not claim a held key")
	}
	if got != "run-1" {
		t.Errorf("existing = %s, want run-1", got)
	}
}

func TestInMemoryCache_Expiration(t *testing.T) {
	c := NewInMemoryCache()
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	c.Claim(ctx, "key1", "run-1", time.Minute)

	now = now.Add(2 * time.Minute)
	got, claimed, _ := c.Claim(ctx, "key1", "run-2", time.Minute)
	if !claimed || got != "run-2" {
		t.Errorf("Claim() after expiry = %s, %v; want run-2, true", got, claimed)
	}
}

func TestInMemoryCache_Forget(t *testing.T) {
	c := NewInMemoryCache()
	ctx := context.Background()

	c.Claim(ctx, "key1", "run-1", time.Minute)
	if err := c.Forget(ctx, "key1"); err != nil {
		t.Fatal(err)
	}

	if _, claimed, _ := c.Claim(ctx, "key1", "run-2", time.Minute); !claimed {
		t.Error("forgotten key should be claimable")
	}
}

func TestInMemoryCache_Sweep(t *testing.T) {
	c := NewInMemoryCache()
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	c.Claim(ctx, "short", "run-1", time.Second)
	c.Claim(ctx, "long", "run-2", time.Hour)

	now = now.Add(time.Minute)
	if n := c.sweep(); n != 1 {
		t.Errorf("sweep() = %d, want 1", n)
	}
	if len(c.items) != 1 {
		t.Errorf("items = %d, want 1", len(c.items))
	}
}

func TestInMemoryCache_ConcurrentClaimsSingleWinner(t *testing.T) {
	c := NewInMemoryCache()
	ctx := context.Background()

	var mu sync.Mutex
	winners := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, claimed, _ := c.Claim(ctx, "key", uuid.New().String(), time.Minute); claimed {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("winners = %d, want 1", winners)
	}
}

func TestKey(t *testing.T) {
	if Key("u1", "abc") != Key("u1", "abc") {
		t.Error("Key should be deterministic")
	}
	if Key("u1", "abc") == Key("u2", "abc") {
		t.Error("Key should be scoped per user")
	}
	if k := Key("u1", "abc"); k[:15] != "adventure:idem:" {
		t.Errorf("Key prefix = %s", k)
	}
}

func TestRedisCache_Claim(t *testing.T) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		t.Skip("REDIS_URL not set")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	ctx := context.Background()
	c := NewRedisCache(client)
	key := Key("test-user", uuid.New().String())
	defer c.Forget(ctx, key)

	if _, claimed, err := c.Claim(ctx, key, "run-1", time.Minute); err != nil || !claimed {
		t.Fatalf("first Claim() = %v, %v", claimed, err)
	}
	got, claimed, err := c.Claim(ctx, key, "run-2", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if claimed || got != "run-1" {
		t.Errorf("second Claim() = %s, %v; want run-1, false", got, claimed)
	}
}
