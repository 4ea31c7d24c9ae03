// Package provider is the uniform call surface over every upstream vendor.
// It shapes requests, resolves credentials, throttles per provider and
// classifies failures. It never retries: retry and fallback decisions belong
// to the orchestrator.
package provider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/felipepmaragno/adventure-engine/internal/domain"
	"github.com/felipepmaragno/adventure-engine/internal/provider/anthropic"
	"github.com/felipepmaragno/adventure-engine/internal/provider/bedrock"
	"github.com/felipepmaragno/adventure-engine/internal/provider/fal"
	"github.com/felipepmaragno/adventure-engine/internal/provider/google"
	"github.com/felipepmaragno/adventure-engine/internal/provider/ollama"
	"github.com/felipepmaragno/adventure-engine/internal/provider/openai"
	"golang.org/x/time/rate"
)

const (
	openRouterBaseURL = "https://openrouter.ai/api/v1"

	// DefaultCredentialTTL bounds how long a resolved credential is reused
	// before the secret is read again.
	DefaultCredentialTTL = 15 * time.Minute
)

type Driver interface {
	ID() string
	Generate(ctx context.Context, role domain.Role, req domain.CallRequest) (*domain.RawResponse, error)
}

// Factory builds a driver for p with its resolved credential.
type Factory func(p domain.Provider, credential string) (Driver, error)

type CredentialResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Caller is what the orchestrator depends on.
type Caller interface {
	Call(ctx context.Context, p domain.Provider, m domain.Model, role domain.Role, req domain.CallRequest) (*domain.RawResponse, error)
}

type cachedDriver struct {
	fingerprint string
	driver      Driver
	builtAt     time.Time
}

type Client struct {
	resolver   CredentialResolver
	httpClient *http.Client
	factories  map[domain.ProviderKind]Factory
	ttl        time.Duration
	now        func() time.Time

	mu       sync.Mutex
	drivers  map[string]cachedDriver
	limiters map[string]*rate.Limiter
}

type Option func(*Client)

// WithAWSConfig enables the bedrock kind.
func WithAWSConfig(cfg aws.Config) Option {
	return func(c *Client) {
		c.factories[domain.KindBedrock] = func(p domain.Provider, _ string) (Driver, error) {
			return bedrock.New(p.ID, cfg), nil
		}
	}
}

// WithCredentialTTL sets how long a driver built from a resolved credential
// is reused. Zero or less disables expiry.
func WithCredentialTTL(ttl time.Duration) Option {
	return func(c *Client) {
		c.ttl = ttl
	}
}

// WithFactory overrides the driver for a kind.
func WithFactory(kind domain.ProviderKind, f Factory) Option {
	return func(c *Client) {
		c.factories[kind] = f
	}
}

func NewClient(resolver CredentialResolver, httpClient *http.Client, opts ...Option) *Client {
	c := &Client{
		resolver:   resolver,
		httpClient: httpClient,
		ttl:        DefaultCredentialTTL,
		now:        time.Now,
		drivers:    make(map[string]cachedDriver),
		limiters:   make(map[string]*rate.Limiter),
	}
	c.factories = map[domain.ProviderKind]Factory{
		domain.KindOpenAI: func(p domain.Provider, key string) (Driver, error) {
			return openai.New(p.ID, key, p.BaseURL, c.httpClient), nil
		},
		domain.KindOpenRouter: func(p domain.Provider, key string) (Driver, error) {
			base := p.BaseURL
			if base == "" {
				base = openRouterBaseURL
			}
			return openai.New(p.ID, key, base, c.httpClient, openai.WithHeader("X-Title", "adventure-engine")), nil
		},
		domain.KindAnthropic: func(p domain.Provider, key string) (Driver, error) {
			return anthropic.New(p.ID, key, p.BaseURL, c.httpClient), nil
		},
		domain.KindGoogle: func(p domain.Provider, key string) (Driver, error) {
			return google.New(p.ID, key, p.BaseURL, c.httpClient), nil
		},
		domain.KindFal: func(p domain.Provider, key string) (Driver, error) {
			return fal.New(p.ID, key, p.BaseURL, c.httpClient), nil
		},
		domain.KindOllama: func(p domain.Provider, _ string) (Driver, error) {
			return ollama.New(p.ID, p.BaseURL, c.httpClient), nil
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call performs one attempt against p/m. The attempt is bounded by ctx; the
// returned RawResponse carries latency and token counters for the caller.
func (c *Client) Call(ctx context.Context, p domain.Provider, m domain.Model, role domain.Role, req domain.CallRequest) (*domain.RawResponse, error) {
	if m.Role != role {
		return nil, fmt.Errorf("model %s has role %s, not %s: %w", m.ID, m.Role, role, domain.ErrInvalidRequest)
	}
	if req.Model == "" {
		req.Model = m.Name
		if req.Model == "" {
			req.Model = m.ID
		}
	}
	if req.MaxOutputTokens <= 0 || (m.MaxOutputTokens > 0 && req.MaxOutputTokens > m.MaxOutputTokens) {
		req.MaxOutputTokens = m.MaxOutputTokens
	}

	if err := c.wait(ctx, p); err != nil {
		return nil, err
	}

	d, err := c.driver(ctx, p)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	raw, err := d.Generate(ctx, role, req)
	if err != nil {
		err = c.classify(ctx, p, err)
		if rejectedCredential(err) {
			c.evict(p.ID, d)
		}
		return nil, err
	}
	raw.Latency = time.Since(start)
	return raw, nil
}

func (c *Client) GenerateText(ctx context.Context, p domain.Provider, m domain.Model, prompt string, maxTokens int) (*domain.RawResponse, error) {
	return c.Call(ctx, p, m, domain.RoleChat, domain.CallRequest{Prompt: prompt, MaxOutputTokens: maxTokens})
}

func (c *Client) GenerateStructured(ctx context.Context, p domain.Provider, m domain.Model, system, prompt string, maxTokens int) (*domain.RawResponse, error) {
	return c.Call(ctx, p, m, domain.RoleChat, domain.CallRequest{
		System:          system,
		Prompt:          prompt,
		MaxOutputTokens: maxTokens,
		JSONOutput:      true,
	})
}

func (c *Client) GenerateImage(ctx context.Context, p domain.Provider, m domain.Model, prompt string, count int, size string) (*domain.RawResponse, error) {
	return c.Call(ctx, p, m, domain.RoleImage, domain.CallRequest{Prompt: prompt, ImageCount: count, ImageSize: size})
}

func (c *Client) classify(ctx context.Context, p domain.Provider, err error) error {
	var perr *domain.ProviderError
	if errors.As(err, &perr) {
		return err
	}
	if errors.Is(err, context.Canceled) && errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return domain.NewProviderError(p.ID, domain.KindNetwork, 0, err)
}

func (c *Client) wait(ctx context.Context, p domain.Provider) error {
	if p.RequestsPerSecond <= 0 {
		return nil
	}

	c.mu.Lock()
	lim, ok := c.limiters[p.ID]
	if !ok || lim.Limit() != rate.Limit(p.RequestsPerSecond) {
		burst := int(math.Max(1, math.Ceil(p.RequestsPerSecond)))
		lim = rate.NewLimiter(rate.Limit(p.RequestsPerSecond), burst)
		c.limiters[p.ID] = lim
	}
	c.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return domain.NewProviderError(p.ID, domain.KindRateLimited, 0, fmt.Errorf("local throttle: %w", err))
	}
	return nil
}

// rejectedCredential reports whether the upstream refused the credential
// itself, which is what a rotated secret looks like from here.
func rejectedCredential(err error) bool {
	var perr *domain.ProviderError
	if !errors.As(err, &perr) {
		return false
	}
	return perr.StatusCode == http.StatusUnauthorized || perr.StatusCode == http.StatusForbidden
}

// evict drops the cached driver for providerID if it is still d, so the next
// call resolves the credential again.
func (c *Client) evict(providerID string, d Driver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.drivers[providerID]; ok && cached.driver == d {
		delete(c.drivers, providerID)
	}
}

// driver returns a cached driver, rebuilding it when the provider's
// connection settings changed in a newer snapshot or the credential it was
// built with is older than the TTL.
func (c *Client) driver(ctx context.Context, p domain.Provider) (Driver, error) {
	fingerprint := string(p.Kind) + "|" + p.BaseURL + "|" + p.CredentialRef

	c.mu.Lock()
	cached, ok := c.drivers[p.ID]
	c.mu.Unlock()
	if ok && cached.fingerprint == fingerprint && !c.expired(cached) {
		return cached.driver, nil
	}

	factory, ok := c.factories[p.Kind]
	if !ok {
		return nil, domain.NewProviderError(p.ID, domain.KindNetwork, 0, fmt.Errorf("no driver for kind %q", p.Kind))
	}

	var credential string
	if c.resolver != nil {
		var err error
		credential, err = c.resolver.Resolve(ctx, p.CredentialRef)
		if err != nil {
			return nil, domain.NewProviderError(p.ID, domain.KindNetwork, 0, fmt.Errorf("resolve credential: %w", err))
		}
	}

	d, err := factory(p, credential)
	if err != nil {
		return nil, domain.NewProviderError(p.ID, domain.KindNetwork, 0, err)
	}

	c.mu.Lock()
	c.drivers[p.ID] = cachedDriver{fingerprint: fingerprint, driver: d, builtAt: c.now()}
	c.mu.Unlock()
	return d, nil
}

func (c *Client) expired(cached cachedDriver) bool {
	return c.ttl > 0 && c.now().Sub(cached.builtAt) >= c.ttl
}
