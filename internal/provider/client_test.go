package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/felipepmaragno/adventure-engine/internal/domain"
)

type stubResolver struct {
	values map[string]string
	calls  atomic.Int32
}

func (s *stubResolver) Resolve(ctx context.Context, ref string) (string, error) {
	s.calls.Add(1)
	v, ok := s.values[ref]
	if !ok {
		return "", errors.New("unknown ref")
	}
	return v, nil
}

type MockDriver struct {
	IDValue      string
	GenerateFunc func(ctx context.Context, role domain.Role, req domain.CallRequest) (*domain.RawResponse, error)
}

func (m *MockDriver) ID() string { return m.IDValue }

func (m *MockDriver) Generate(ctx context.Context, role domain.Role, req domain.CallRequest) (*domain.RawResponse, error) {
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, role, req)
	}
	return &domain.RawResponse{Text: "{}", FinishReason: domain.FinishStop}, nil
}

func chatModel() domain.Model {
	return domain.Model{ID: "m1", ProviderID: "p1", Name: "gpt-test", Role: domain.RoleChat, MaxOutputTokens: 4000}
}

func TestClient_CallOpenAI(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q", auth)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"ok\":true}"},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":5}}`))
	}))
	defer server.Close()

	resolver := &stubResolver{values: map[string]string{"env:KEY": "sk-test"}}
	client := NewClient(resolver, server.Client())

	p := domain.Provider{ID: "p1", Kind: domain.KindOpenAI, BaseURL: server.URL, CredentialRef: "env:KEY", Active: true}
	raw, err := client.GenerateStructured(context.Background(), p, chatModel(), "be terse", "make a dungeon", 1000)
	if err != nil {
		t.Fatalf("GenerateStructured() error = %v", err)
	}

	if raw.Text != `{"ok":true}` {
		t.Errorf("Text = %q", raw.Text)
	}
	if raw.FinishReason != domain.FinishStop {
		t.Errorf("FinishReason = %q", raw.FinishReason)
	}
	if raw.InputTokens != 12 || raw.OutputTokens != 5 {
		t.Errorf("tokens = %d/%d, want 12/5", raw.InputTokens, raw.OutputTokens)
	}
	if got["model"] != "gpt-test" {
		t.Errorf("model = %v, want gpt-test", got["model"])
	}
	if got["max_tokens"] != float64(1000) {
		t.Errorf("max_tokens = %v, want 1000", got["max_tokens"])
	}
	if rf, _ := got["response_format"].(map[string]any); rf["type"] != "json_object" {
		t.Errorf("response_format = %v", got["response_format"])
	}
}

func TestClient_CallClampsBudgetToModel(t *testing.T) {
	var seen int
	client := NewClient(nil, http.DefaultClient, WithFactory(domain.KindOpenAI, func(p domain.Provider, _ string) (Driver, error) {
		return &MockDriver{IDValue: p.ID, GenerateFunc: func(ctx context.Context, role domain.Role, req domain.CallRequest) (*domain.RawResponse, error) {
			seen = req.MaxOutputTokens
			return &domain.RawResponse{Text: "{}", FinishReason: domain.FinishStop}, nil
		}}, nil
	}))

	p := domain.Provider{ID: "p1", Kind: domain.KindOpenAI}
	if _, err := client.Call(context.Background(), p, chatModel(), domain.RoleChat, domain.CallRequest{MaxOutputTokens: 99999}); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if seen != 4000 {
		t.Errorf("MaxOutputTokens = %d, want 4000", seen)
	}

	if _, err := client.Call(context.Background(), p, chatModel(), domain.RoleChat, domain.CallRequest{}); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if seen != 4000 {
		t.Errorf("default MaxOutputTokens = %d, want 4000", seen)
	}
}

func TestClient_CallClassifiesStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   domain.ErrorKind
	}{
		{"rate limited", http.StatusTooManyRequests, domain.KindRateLimited},
		{"server error", http.StatusBadGateway, domain.KindNetwork},
		{"unauthorized", http.StatusUnauthorized, domain.KindNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"message":"nope"}}`))
			}))
			defer server.Close()

			client := NewClient(nil, server.Client())
			p := domain.Provider{ID: "p1", Kind: domain.KindOpenAI, BaseURL: server.URL}

			_, err := client.Call(context.Background(), p, chatModel(), domain.RoleChat, domain.CallRequest{Prompt: "x"})
			if got := domain.KindOf(err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q (err = %v)", got, tt.want, err)
			}

			var perr *domain.ProviderError
			if !errors.As(err, &perr) {
				t.Fatalf("error should be *domain.ProviderError, got %T", err)
			}
			if perr.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", perr.StatusCode, tt.status)
			}
		})
	}
}

func TestClient_CallTimeoutIsNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	client := NewClient(nil, server.Client())
	p := domain.Provider{ID: "p1", Kind: domain.KindOpenAI, BaseURL: server.URL}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Call(ctx, p, chatModel(), domain.RoleChat, domain.CallRequest{Prompt: "x"})
	if got := domain.KindOf(err); got != domain.KindNetwork {
		t.Errorf("KindOf() = %q, want %q", got, domain.KindNetwork)
	}
}

func TestClient_CallCancelledReturnsContextError(t *testing.T) {
	client := NewClient(nil, http.DefaultClient, WithFactory(domain.KindOpenAI, func(p domain.Provider, _ string) (Driver, error) {
		return &MockDriver{GenerateFunc: func(ctx context.Context, role domain.Role, req domain.CallRequest) (*domain.RawResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Call(ctx, domain.Provider{ID: "p1", Kind: domain.KindOpenAI}, chatModel(), domain.RoleChat, domain.CallRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestClient_CallRoleMismatch(t *testing.T) {
	client := NewClient(nil, http.DefaultClient)
	_, err := client.Call(context.Background(), domain.Provider{ID: "p1", Kind: domain.KindOpenAI}, chatModel(), domain.RoleImage, domain.CallRequest{})
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("error = %v, want ErrInvalidRequest", err)
	}
}

func TestClient_UnknownKind(t *testing.T) {
	client := NewClient(nil, http.DefaultClient)
	_, err := client.Call(context.Background(), domain.Provider{ID: "p1", Kind: domain.KindBedrock}, chatModel(), domain.RoleChat, domain.CallRequest{})
	if got := domain.KindOf(err); got != domain.KindNetwork {
		t.Errorf("KindOf() = %q, want %q", got, domain.KindNetwork)
	}
}

func TestClient_CredentialFailureIsProviderError(t *testing.T) {
	client := NewClient(&stubResolver{}, http.DefaultClient)
	p := domain.Provider{ID: "p1", Kind: domain.KindOpenAI, CredentialRef: "env:MISSING"}

	_, err := client.Call(context.Background(), p, chatModel(), domain.RoleChat, domain.CallRequest{})
	var perr *domain.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want *domain.ProviderError", err)
	}
	if perr.Provider != "p1" {
		t.Errorf("Provider = %q, want p1", perr.Provider)
	}
}

func TestClient_DriverCachedUntilSettingsChange(t *testing.T) {
	resolver := &stubResolver{values: map[string]string{"a": "key-a", "b": "key-b"}}
	var built atomic.Int32
	client := NewClient(resolver, http.DefaultClient, WithFactory(domain.KindOpenAI, func(p domain.Provider, key string) (Driver, error) {
		built.Add(1)
		return &MockDriver{IDValue: p.ID}, nil
	}))

	p := domain.Provider{ID: "p1", Kind: domain.KindOpenAI, CredentialRef: "a"}
	for i := 0; i < 3; i++ {
		if _, err := client.Call(context.Background(), p, chatModel(), domain.RoleChat, domain.CallRequest{}); err != nil {
			t.Fatalf("Call() error = %v", err)
		}
	}
	if built.Load() != 1 {
		t.Errorf("drivers built = %d, want 1", built.Load())
	}

	p.CredentialRef = "b"
	if _, err := client.Call(context.Background(), p, chatModel(), domain.RoleChat, domain.CallRequest{}); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if built.Load() != 2 {
		t.Errorf("drivers built after rotation = %d, want 2", built.Load())
	}
	if resolver.calls.Load() != 2 {
		t.Errorf("resolver calls = %d, want 2", resolver.calls.Load())
	}
}

func TestClient_CredentialReResolvedAfterTTL(t *testing.T) {
	resolver := &stubResolver{values: map[string]string{"a": "key-1"}}
	var keys []string
	client := NewClient(resolver, http.DefaultClient,
		WithCredentialTTL(time.Minute),
		WithFactory(domain.KindOpenAI, func(p domain.Provider, key string) (Driver, error) {
			keys = append(keys, key)
			return &MockDriver{IDValue: p.ID}, nil
		}),
	)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	client.now = func() time.Time { return now }

	p := domain.Provider{ID: "p1", Kind: domain.KindOpenAI, CredentialRef: "a"}
	call := func() {
		t.Helper()
		if _, err := client.Call(context.Background(), p, chatModel(), domain.RoleChat, domain.CallRequest{}); err != nil {
			t.Fatalf("Call() error = %v", err)
		}
	}

	call()
	now = now.Add(30 * time.Second)
	call()
	if len(keys) != 1 {
		t.Fatalf("drivers built within TTL = %d, want 1", len(keys))
	}

	resolver.values["a"] = "key-2"
	now = now.Add(time.Minute)
	call()
	if len(keys) != 2 || keys[1] != "key-2" {
		t.Errorf("keys = %v, want rotated key-2 after TTL", keys)
	}
}

func TestClient_RejectedCredentialEvictsDriver(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		rebuild bool
	}{
		{"unauthorized", http.StatusUnauthorized, true},
		{"forbidden", http.StatusForbidden, true},
		{"server error", http.StatusBadGateway, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := &stubResolver{values: map[string]string{"a": "stale"}}
			var keys []string
			client := NewClient(resolver, http.DefaultClient, WithFactory(domain.KindOpenAI, func(p domain.Provider, key string) (Driver, error) {
				keys = append(keys, key)
				return &MockDriver{IDValue: p.ID, GenerateFunc: func(ctx context.Context, role domain.Role, req domain.CallRequest) (*domain.RawResponse, error) {
					if key == "stale" {
						return nil, domain.NewProviderError(p.ID, domain.ClassifyStatus(tt.status), tt.status, errors.New("rejected"))
					}
					return &domain.RawResponse{Text: "{}", FinishReason: domain.FinishStop}, nil
				}}, nil
			}))
			p := domain.Provider{ID: "p1", Kind: domain.KindOpenAI, CredentialRef: "a"}

			if _, err := client.Call(context.Background(), p, chatModel(), domain.RoleChat, domain.CallRequest{}); err == nil {
				t.Fatal("expected error with stale credential")
			}

			resolver.values["a"] = "fresh"
			_, err := client.Call(context.Background(), p, chatModel(), domain.RoleChat, domain.CallRequest{})

			if tt.rebuild {
				if err != nil {
					t.Errorf("Call() after rotation error = %v", err)
				}
				if len(keys) != 2 || keys[1] != "fresh" {
					t.Errorf("keys = %v, want driver rebuilt with fresh", keys)
				}
				return
			}
			if err == nil || len(keys) != 1 {
				t.Errorf("driver rebuilt after a non-auth failure: keys = %v, err = %v", keys, err)
			}
		})
	}
}

func TestClient_LocalThrottle(t *testing.T) {
	client := NewClient(nil, http.DefaultClient, WithFactory(domain.KindOpenAI, func(p domain.Provider, _ string) (Driver, error) {
		return &MockDriver{IDValue: p.ID}, nil
	}))
	p := domain.Provider{ID: "p1", Kind: domain.KindOpenAI, RequestsPerSecond: 0.1}

	if _, err := client.Call(context.Background(), p, chatModel(), domain.RoleChat, domain.CallRequest{}); err != nil {
		t.Fatalf("first Call() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Call(ctx, p, chatModel(), domain.RoleChat, domain.CallRequest{})
	if got := domain.KindOf(err); got != domain.KindRateLimited {
		t.Errorf("KindOf() = %q, want %q", got, domain.KindRateLimited)
	}
}

func TestClient_ImageOpenRouterDefaults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/images/generations" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("X-Title") == "" {
			t.Error("X-Title header missing")
		}
		_, _ = w.Write([]byte(`{"data":[{"url":"https://img/1.png"},{"b64_json":"AAAA"}]}`))
	}))
	defer server.Close()

	client := NewClient(nil, server.Client())
	p := domain.Provider{ID: "or", Kind: domain.KindOpenRouter, BaseURL: server.URL}
	m := domain.Model{ID: "img", ProviderID: "or", Name: "flux", Role: domain.RoleImage}

	raw, err := client.GenerateImage(context.Background(), p, m, "a red dragon", 2, "")
	if err != nil {
		t.Fatalf("GenerateImage() error = %v", err)
	}
	if len(raw.Images) != 2 {
		t.Fatalf("Images = %v, want 2", raw.Images)
	}
	if raw.Images[1] != "data:image/png;base64,AAAA" {
		t.Errorf("Images[1] = %q", raw.Images[1])
	}
}
