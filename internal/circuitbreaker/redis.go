package circuitbreaker

import (
	"context"
	"log/slog"
	"time"

	"github.com/felipepmaragno/adventure-engine/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Breaker state for a provider lives in one hash:
// state, failures, trials, opened_at (unix seconds from the Redis clock).

// allowScript moves an open breaker to half-open once the timeout passed.
// Keys: [hash]  Args: [timeout_seconds]
var allowScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
if state ~= 'open' then
    return state
end
local opened = tonumber(redis.call('HGET', KEYS[1], 'opened_at') or '0')
local now = tonumber(redis.call('TIME')[1])
if (now - opened) >= tonumber(ARGV[1]) then
    redis.call('HSET', KEYS[1], 'state', 'half-open', 'trials', 0)
    return 'half-open'
end
return 'open'
`)

// successScript  Keys: [hash]  Args: [success_threshold]
var successScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
if state == 'half-open' then
    local trials = redis.call('HINCRBY', KEYS[1], 'trials', 1)
    if trials >= tonumber(ARGV[1]) then
        redis.call('HSET', KEYS[1], 'state', 'closed', 'failures', 0, 'trials', 0)
        return 'closed'
    end
    return 'half-open'
end
if state == 'closed' then
    redis.call('HSET', KEYS[1], 'failures', 0)
end
return state
`)

// failureScript  Keys: [hash]  Args: [failure_threshold, ttl_seconds]
var failureScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
local now = redis.call('TIME')[1]
local result = state
if state == 'closed' then
    local failures = redis.call('HINCRBY', KEYS[1], 'failures', 1)
    if failures >= tonumber(ARGV[1]) then
        redis.call('HSET', KEYS[1], 'state', 'open', 'opened_at', now, 'trials', 0)
        result = 'open'
    else
        redis.call('HSET', KEYS[1], 'state', 'closed')
    end
elseif state == 'half-open' then
    redis.call('HSET', KEYS[1], 'state', 'open', 'opened_at', now, 'trials', 0)
    result = 'open'
end
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[2]))
return result
`)

// RedisCircuitBreaker shares one provider's breaker across every engine
// instance. Redis errors fail open so an outage of the health store never
// blocks generation.
type RedisCircuitBreaker struct {
	client     *redis.Client
	providerID string
	config     Config
	key        string
}

func NewRedis(client *redis.Client, providerID string, cfg Config) *RedisCircuitBreaker {
	return &RedisCircuitBreaker{
		client:     client,
		providerID: providerID,
		config:     cfg,
		key:        "adventure:health:" + providerID,
	}
}

func (cb *RedisCircuitBreaker) Allow(ctx context.Context) error {
	state, err := allowScript.Run(ctx, cb.client, []string{cb.key}, int(cb.config.Timeout.Seconds())).Text()
	if err != nil {
		slog.Warn("circuit breaker allow failed, allowing call", "provider", cb.providerID, "error", err)
		return nil
	}
	if state == "open" {
		return domain.ErrCircuitBreakerOpen
	}
	return nil
}

func (cb *RedisCircuitBreaker) RecordSuccess(ctx context.Context) State {
	state, err := successScript.Run(ctx, cb.client, []string{cb.key}, cb.config.SuccessThreshold).Text()
	if err != nil {
		return StateClosed
	}
	return parseState(state)
}

func (cb *RedisCircuitBreaker) RecordFailure(ctx context.Context) State {
	ttl := int((cb.config.Timeout + time.Hour).Seconds())
	state, err := failureScript.Run(ctx, cb.client, []string{cb.key}, cb.config.FailureThreshold, ttl).Text()
	if err != nil {
		slog.Warn("circuit breaker record failed", "provider", cb.providerID, "error", err)
		return StateClosed
	}
	return parseState(state)
}

func (cb *RedisCircuitBreaker) State(ctx context.Context) State {
	state, err := cb.client.HGet(ctx, cb.key, "state").Result()
	if err != nil {
		return StateClosed
	}
	return parseState(state)
}

func (cb *RedisCircuitBreaker) Failures(ctx context.Context) int {
	n, err := cb.client.HGet(ctx, cb.key, "failures").Int()
	if err != nil {
		return 0
	}
	return n
}

func (cb *RedisCircuitBreaker) Reset(ctx context.Context) error {
	return cb.client.Del(ctx, cb.key).Err()
}
