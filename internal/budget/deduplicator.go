package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AlertDeduplicator keeps one alert per subject and level across instances.
// The subject is the user ID joined with the credit period.
type AlertDeduplicator interface {
	// ShouldAlert reports whether this instance won the right to dispatch.
	ShouldAlert(ctx context.Context, subject string, level AlertLevel) bool

	// ClearAlert forgets every level for the subject, e.g. after usage drops.
	ClearAlert(ctx context.Context, subject string)
}

// InMemoryDeduplicator is for single-instance deployments.
type InMemoryDeduplicator struct {
	mu         sync.RWMutex
	lastAlerts map[string]AlertLevel
}

func NewInMemoryDeduplicator() *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		lastAlerts: make(map[string]AlertLevel),
	}
}

func (d *InMemoryDeduplicator) ShouldAlert(ctx context.Context, subject string, level AlertLevel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	lastLevel, exists := d.lastAlerts[subject]
	if exists && lastLevel == level {
		return false
	}

	d.lastAlerts[subject] = level
	return true
}

func (d *InMemoryDeduplicator) ClearAlert(ctx context.Context, subject string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.lastAlerts, subject)
}

// RedisDeduplicator shares alert state between API and worker instances.
type RedisDeduplicator struct {
	client  *redis.Client
	lockTTL time.Duration
}

// NewRedisDeduplicator takes an existing client. lockTTL bounds how long an
// alert counts as sent; alerts are scoped to a period anyway, so a day is
// plenty.
func NewRedisDeduplicator(client *redis.Client, lockTTL time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{
		client:  client,
		lockTTL: lockTTL,
	}
}

func (d *RedisDeduplicator) alertKey(subject string, level AlertLevel) string {
	return fmt.Sprintf("adventure:credit-alert:%s:%s", subject, level)
}

// ShouldAlert uses SETNX so exactly one instance dispatches.
func (d *RedisDeduplicator) ShouldAlert(ctx context.Context, subject string, level AlertLevel) bool {
	acquired, err := d.client.SetNX(ctx, d.alertKey(subject, level), time.Now().Unix(), d.lockTTL).Result()
	if err != nil {
		// fail open
		return true
	}
	return acquired
}

func (d *RedisDeduplicator) ClearAlert(ctx context.Context, subject string) {
	keys := make([]string, 0, 3)
	for _, level := range []AlertLevel{AlertLevelWarning, AlertLevelCritical, AlertLevelExceeded} {
		keys = append(keys, d.alertKey(subject, level))
	}
	d.client.Del(ctx, keys...)
}
