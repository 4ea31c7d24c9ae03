package circuitbreaker

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/felipepmaragno/adventure-engine/internal/domain"
	"github.com/redis/go-redis/v9"
)

func getRedisClient(t *testing.T) *redis.Client {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping Redis circuit breaker tests")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisCircuitBreaker_OpensAndBlocks(t *testing.T) {
	client := getRedisClient(t)
	ctx := context.Background()

	cb := NewRedis(client, "test-provider-open", Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: 30 * time.Second})
	defer cb.Reset(ctx)

	if cb.State(ctx) != StateClosed {
		t.Fatalf("expected StateClosed, got %v", cb.State(ctx))
	}

	cb.RecordFailure(ctx)
	if got := cb.RecordFailure(ctx); got != StateOpen {
		t.Errorf("expected StateOpen, got %v", got)
	}
	if err := cb.Allow(ctx); !errors.Is(err, domain.ErrCircuitBreakerOpen) {
		t.Errorf("expected ErrCircuitBreakerOpen, got %v", err)
	}
}

func TestRedisCircuitBreaker_HalfOpenThenClosed(t *testing.T) {
	client := getRedisClient(t)
	ctx := context.Background()

	cb := NewRedis(client, "test-provider-trial", Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Second})
	defer cb.Reset(ctx)

	cb.RecordFailure(ctx)
	time.Sleep(2100 * time.Millisecond)

	if err := cb.Allow(ctx); err != nil {
		t.Fatalf("expected trial to be allowed, got %v", err)
	}
	if cb.State(ctx) != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", cb.State(ctx))
	}

	cb.RecordSuccess(ctx)
	if got := cb.RecordSuccess(ctx); got != StateClosed {
		t.Errorf("expected StateClosed, got %v", got)
	}
	if cb.Failures(ctx) != 0 {
		t.Errorf("expected failures reset, got %d", cb.Failures(ctx))
	}
}

func TestManager_WithRedisOption(t *testing.T) {
	client := getRedisClient(t)

	m := NewManager(DefaultConfig(), WithRedis(client))

	cb := m.Get("redis-provider-1")
	if cb != m.Get("redis-provider-1") {
		t.Error("expected same circuit breaker instance for same provider")
	}
	if _, ok := cb.(*RedisCircuitBreaker); !ok {
		t.Error("expected RedisCircuitBreaker type")
	}
}
