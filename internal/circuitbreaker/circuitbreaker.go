// Package circuitbreaker tracks provider health so the orchestrator can skip
// providers that keep failing at the transport level.
//
// States:
//   - Closed: calls go through
//   - Open: the provider is excluded from selection until the timeout passes
//   - Half-Open: a trial call is let through; success closes the breaker
//
// Only transport-level failures (network errors, rate limiting) count against a
// provider. Bad output is a per-step quality problem and is handled by fallback
// in the orchestrator instead.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/felipepmaragno/adventure-engine/internal/domain"
	"github.com/redis/go-redis/v9"
)

type CircuitBreaker interface {
	// Allow returns ErrCircuitBreakerOpen while the breaker is open.
	Allow(ctx context.Context) error
	RecordSuccess(ctx context.Context) State
	RecordFailure(ctx context.Context) State
	State(ctx context.Context) State
	Reset(ctx context.Context) error
}

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func parseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}

type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

type InMemoryCircuitBreaker struct {
	mu       sync.Mutex
	state    State
	failures int
	trials   int
	openedAt time.Time
	config   Config
	now      func() time.Time
}

func NewInMemory(cfg Config) *InMemoryCircuitBreaker {
	return &InMemoryCircuitBreaker{
		state:  StateClosed,
		config: cfg,
		now:    time.Now,
	}
}

func (cb *InMemoryCircuitBreaker) Allow(ctx context.Context) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.config.Timeout {
			return domain.ErrCircuitBreakerOpen
		}
		cb.state = StateHalfOpen
		cb.trials = 0
	}
	return nil
}

func (cb *InMemoryCircuitBreaker) RecordSuccess(ctx context.Context) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.trials++
		if cb.trials >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.trials = 0
		}
	}
	return cb.state
}

func (cb *InMemoryCircuitBreaker) RecordFailure(ctx context.Context) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.trip()
		}
	case StateHalfOpen:
		cb.trip()
	}
	return cb.state
}

// trip must be called with mu held.
func (cb *InMemoryCircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.trials = 0
}

func (cb *InMemoryCircuitBreaker) State(ctx context.Context) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *InMemoryCircuitBreaker) Reset(ctx context.Context) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.trials = 0
	return nil
}

// StateObserver is notified when a provider's breaker changes state.
type StateObserver func(providerID string, from, to State)

// Manager owns one breaker per provider ID.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]CircuitBreaker
	config   Config
	factory  func(providerID string) CircuitBreaker
	observer StateObserver
}

type ManagerOption func(*Manager)

// WithRedis shares breaker state across instances through one Redis client.
func WithRedis(client *redis.Client) ManagerOption {
	return func(m *Manager) {
		m.factory = func(providerID string) CircuitBreaker {
			return NewRedis(client, providerID, m.config)
		}
	}
}

func WithObserver(fn StateObserver) ManagerOption {
	return func(m *Manager) {
		m.observer = fn
	}
}

func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		breakers: make(map[string]CircuitBreaker),
		config:   cfg,
		factory: func(string) CircuitBreaker {
			return NewInMemory(cfg)
		},
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

func (m *Manager) Get(providerID string) CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[providerID]
	m.mu.RUnlock()

	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.breakers[providerID]; ok {
		return existing
	}

	cb = m.factory(providerID)
	m.breakers[providerID] = cb
	return cb
}

// Allow reports whether the provider may be called right now.
func (m *Manager) Allow(ctx context.Context, providerID string) error {
	cb := m.Get(providerID)
	before := cb.State(ctx)
	err := cb.Allow(ctx)
	if after := cb.State(ctx); after != before {
		m.notify(providerID, before, after)
	}
	return err
}

// Record feeds the outcome of a provider call into its breaker. Output
// quality failures are neutral.
func (m *Manager) Record(ctx context.Context, providerID string, callErr error) {
	cb := m.Get(providerID)
	before := cb.State(ctx)

	var after State
	switch domain.KindOf(callErr) {
	case domain.KindNone:
		after = cb.RecordSuccess(ctx)
	case domain.KindNetwork, domain.KindRateLimited:
		after = cb.RecordFailure(ctx)
	default:
		return
	}

	if after != before {
		m.notify(providerID, before, after)
	}
}

func (m *Manager) notify(providerID string, from, to State) {
	if m.observer != nil {
		m.observer(providerID, from, to)
	}
}

func (m *Manager) States() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ctx := context.Background()
	states := make(map[string]string, len(m.breakers))
	for id, cb := range m.breakers {
		states[id] = cb.State(ctx).String()
	}
	return states
}
