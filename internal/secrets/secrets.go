package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/felipepmaragno/adventure-engine/internal/crypto"
)

var ErrSecretNotFound = errors.New("secret not found")

type SecretStore interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// secretsManagerAPI is the subset of the Secrets Manager client we call.
type secretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type AWSSecretsManager struct {
	client secretsManagerAPI
	cache  map[string]cachedSecret
	mu     sync.RWMutex
	ttl    time.Duration
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

func NewAWSSecretsManager(cfg aws.Config) *AWSSecretsManager {
	return &AWSSecretsManager{
		client: secretsmanager.NewFromConfig(cfg),
		cache:  make(map[string]cachedSecret),
		ttl:    5 * time.Minute,
	}
}

func (s *AWSSecretsManager) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	if cached, ok := s.cache[name]; ok && time.Now().Before(cached.expiresAt) {
		s.mu.RUnlock()
		return cached.value, nil
	}
	s.mu.RUnlock()

	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}

	value := aws.ToString(result.SecretString)

	s.mu.Lock()
	s.cache[name] = cachedSecret{value: value, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()

	return value, nil
}

func (s *AWSSecretsManager) SetCacheTTL(ttl time.Duration) {
	s.ttl = ttl
}

type InMemorySecretStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewInMemorySecretStore() *InMemorySecretStore {
	return &InMemorySecretStore{
		secrets: make(map[string]string),
	}
}

func (s *InMemorySecretStore) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.secrets[name]
	if !ok {
		return "", fmt.Errorf("%s: %w", name, ErrSecretNotFound)
	}
	return value, nil
}

func (s *InMemorySecretStore) SetSecret(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = value
}

// Resolver turns a provider credentialRef into the credential itself.
//
//	""                  no credential (local providers)
//	env:NAME            environment variable
//	secret:NAME         SecretStore lookup
//	secret:NAME#field   JSON field of a SecretStore value
//	enc:...             value encrypted at rest, opened with the Encryptor
type Resolver struct {
	store     SecretStore
	encryptor *crypto.Encryptor
}

func NewResolver(store SecretStore, encryptor *crypto.Encryptor) *Resolver {
	return &Resolver{store: store, encryptor: encryptor}
}

func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, rest, ok := strings.Cut(ref, ":")
	if ref == "" {
		return "", nil
	}
	if !ok {
		return "", fmt.Errorf("credential ref %q: missing scheme", ref)
	}

	switch scheme {
	case "env":
		value := os.Getenv(rest)
		if value == "" {
			return "", fmt.Errorf("env %s: %w", rest, ErrSecretNotFound)
		}
		return value, nil

	case "secret", "aws":
		if r.store == nil {
			return "", fmt.Errorf("credential ref %q: no secret store configured", ref)
		}
		name, field, hasField := strings.Cut(rest, "#")
		value, err := r.store.GetSecret(ctx, name)
		if err != nil {
			return "", err
		}
		if !hasField {
			return value, nil
		}
		var fields map[string]string
		if err := json.Unmarshal([]byte(value), &fields); err != nil {
			return "", fmt.Errorf("secret %s is not a JSON object: %w", name, err)
		}
		v, ok := fields[field]
		if !ok {
			return "", fmt.Errorf("secret %s field %s: %w", name, field, ErrSecretNotFound)
		}
		return v, nil

	case "enc":
		if r.encryptor == nil {
			return "", errors.New("encrypted credential but no ENCRYPTION_KEY configured")
		}
		return r.encryptor.Decrypt(ref)

	default:
		return "", fmt.Errorf("credential ref %q: unknown scheme %q", ref, scheme)
	}
}
