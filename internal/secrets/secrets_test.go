package secrets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/felipepmaragno/adventure-engine/internal/crypto"
)

type mockSecretsManager struct {
	GetSecretValueFunc func(ctx context.Context, params *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error)
	calls              int
}

func (m *mockSecretsManager) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	m.calls++
	return m.GetSecretValueFunc(ctx, params)
}

func TestAWSSecretsManager_CachesValues(t *testing.T) {
	mock := &mockSecretsManager{
		GetSecretValueFunc: func(ctx context.Context, params *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
			if aws.ToString(params.SecretId) != "prod/fal" {
				return nil, errors.New("unexpected secret id")
			}
			return &secretsmanager.GetSecretValueOutput{SecretString: aws.String("fal-key")}, nil
		},
	}
	sm := &AWSSecretsManager{client: mock, cache: make(map[string]cachedSecret), ttl: time.Minute}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		v, err := sm.GetSecret(ctx, "prod/fal")
		if err != nil {
			t.Fatalf("GetSecret() error = %v", err)
		}
		if v != "fal-key" {
			t.Errorf("GetSecret() = %q, want fal-key", v)
		}
	}
	if mock.calls != 1 {
		t.Errorf("expected 1 upstream call, got %d", mock.calls)
	}
}

func TestInMemorySecretStore_GetNotFound(t *testing.T) {
	store := NewInMemorySecretStore()

	_, err := store.GetSecret(context.Background(), "nonexistent")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("expected ErrSecretNotFound, got %v", err)
	}
}

func TestResolver_Resolve(t *testing.T) {
	store := NewInMemorySecretStore()
	store.SetSecret("providers/openai", "sk-openai")
	store.SetSecret("providers/bundle", `{"anthropic":"sk-ant","google":"g-key"}`)

	enc, err := crypto.NewEncryptor("master")
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	sealed, _ := enc.Encrypt("sk-sealed")

	t.Setenv("TEST_PROVIDER_KEY", "sk-env")

	r := NewResolver(store, enc)

	tests := []struct {
		name    string
		ref     string
		want    string
		wantErr bool
	}{
		{"empty ref", "", "", false},
		{"env", "env:TEST_PROVIDER_KEY", "sk-env", false},
		{"env missing", "env:TEST_PROVIDER_KEY_MISSING", "", true},
		{"store", "secret:providers/openai", "sk-openai", false},
		{"aws alias", "aws:providers/openai", "sk-openai", false},
		{"json field", "secret:providers/bundle#anthropic", "sk-ant", false},
		{"json field missing", "secret:providers/bundle#fal", "", true},
		{"encrypted", sealed, "sk-sealed", false},
		{"no scheme", "sk-plaintext", "", true},
		{"unknown scheme", "vault:kv/openai", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(context.Background(), tt.ref)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Resolve(%q) error = %v, wantErr %v", tt.ref, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.ref, got, tt.want)
			}
		})
	}
}

func TestResolver_EncryptedWithoutKey(t *testing.T) {
	r := NewResolver(nil, nil)
	if _, err := r.Resolve(context.Background(), "enc:AAAA"); err == nil {
		t.Error("expected error without encryptor")
	}
	if _, err := r.Resolve(context.Background(), "secret:x"); err == nil {
		t.Error("expected error without store")
	}
}
