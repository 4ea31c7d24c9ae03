package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/felipepmaragno/adventure-engine/internal/domain"
)

func testCatalog() Catalog {
	return Catalog{
		Providers: []domain.Provider{
			{ID: "anthropic", Kind: domain.KindAnthropic, Active: true, Priority: 1},
			{ID: "openai", Kind: domain.KindOpenAI, Active: true, Priority: 2},
			{ID: "fal", Kind: domain.KindFal, Active: true, Priority: 1},
			{ID: "google", Kind: domain.KindGoogle, Active: false, Priority: 0},
		},
		Models: []domain.Model{
			{ID: "claude-big", ProviderID: "anthropic", Role: domain.RoleChat, MaxOutputTokens: 8192, CostPerUnit: 0.075, Active: true, Priority: 1},
			{ID: "claude-small", ProviderID: "anthropic", Role: domain.RoleChat, MaxOutputTokens: 4096, CostPerUnit: 0.004, Active: true, Priority: 1},
			{ID: "gpt", ProviderID: "openai", Role: domain.RoleChat, MaxOutputTokens: 4096, CostPerUnit: 0.01, Active: true},
			{ID: "flux", ProviderID: "fal", Role: domain.RoleImage, CostPerUnit: 0.03, Active: true},
			{ID: "gemini", ProviderID: "google", Role: domain.RoleChat, MaxOutputTokens: 8192, Active: true},
		},
	}
}

func TestSnapshot_Select(t *testing.T) {
	snap, err := NewSnapshot(testCatalog(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name         string
		role         domain.Role
		excluding    Exclusions
		wantProvider string
		wantModel    string
		wantErr      error
	}{
		{"lowest priority wins, cost breaks model tie", domain.RoleChat, nil, "anthropic", "claude-small", nil},
		{"exclusion falls through to next provider", domain.RoleChat, Exclusions{"anthropic": {}}, "openai", "gpt", nil},
		{"inactive provider never selected", domain.RoleChat, Exclusions{"anthropic": {}, "openai": {}}, "", "", domain.ErrProviderUnavailable},
		{"image role", domain.RoleImage, nil, "fal", "flux", nil},
		{"no models for role", domain.RoleLocal, nil, "", "", domain.ErrProviderUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, m, err := snap.Select(tt.role, tt.excluding)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.ID != tt.wantProvider || m.ID != tt.wantModel {
				t.Errorf("got %s/%s, want %s/%s", p.ID, m.ID, tt.wantProvider, tt.wantModel)
			}
		})
	}
}

func TestNewSnapshot_RejectsInvalidCatalogs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Catalog)
	}{
		{"duplicate provider", func(c *Catalog) { c.Providers = append(c.Providers, c.Providers[0]) }},
		{"unknown kind", func(c *Catalog) { c.Providers[0].Kind = "carrier-pigeon" }},
		{"orphan model", func(c *Catalog) { c.Models[0].ProviderID = "missing" }},
		{"duplicate model", func(c *Catalog) { c.Models = append(c.Models, c.Models[0]) }},
		{"chat model without token limit", func(c *Catalog) { c.Models[0].MaxOutputTokens = 0 }},
		{"bad role", func(c *Catalog) { c.Models[0].Role = "audio" }},
		{"negative cost", func(c *Catalog) { c.Models[0].CostPerUnit = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat := testCatalog()
			tt.mutate(&cat)
			if _, err := NewSnapshot(cat, 1); !errors.Is(err, domain.ErrInvalidSnapshot) {
				t.Errorf("expected ErrInvalidSnapshot, got %v", err)
			}
		})
	}
}

type mockSource struct {
	LoadFunc func(ctx context.Context) (Catalog, error)
	calls    atomic.Int32
}

func (m *mockSource) Load(ctx context.Context) (Catalog, error) {
	m.calls.Add(1)
	return m.LoadFunc(ctx)
}

func TestRegistry_RefreshKeepsPreviousSnapshotOnError(t *testing.T) {
	valid := true
	src := &mockSource{LoadFunc: func(ctx context.Context) (Catalog, error) {
		cat := testCatalog()
		if !valid {
			cat.Models[0].ProviderID = "nope"
		}
		return cat, nil
	}}

	var swaps int
	r := New(src, WithSwapHook(func(*Snapshot) { swaps++ }))
	ctx := context.Background()

	first, err := r.Refresh(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	valid = false
	if _, err := r.Refresh(ctx); err == nil {
		t.Fatal("expected invalid catalog to be rejected")
	}

	if r.Snapshot() != first {
		t.Error("expected previous snapshot to stay live")
	}
	if swaps != 1 {
		t.Errorf("expected 1 swap, got %d", swaps)
	}
}

func TestRegistry_SnapshotIsStableAcrossReload(t *testing.T) {
	r := New(nil)
	if _, err := r.Publish(testCatalog()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	held := r.Snapshot()

	cat := testCatalog()
	cat.Providers[0].Active = false
	if _, err := r.Publish(cat); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p, _, _ := held.Select(domain.RoleChat, nil)
	if p.ID != "anthropic" {
		t.Errorf("held snapshot changed under reader: got %s", p.ID)
	}
	p, _, _ = r.Select(domain.RoleChat, nil)
	if p.ID != "openai" {
		t.Errorf("live snapshot should reflect reload, got %s", p.ID)
	}
	if r.Snapshot().Version() <= held.Version() {
		t.Error("expected version to increase")
	}
}

func TestRegistry_ConcurrentRefreshCollapses(t *testing.T) {
	release := make(chan struct{})
	src := &mockSource{LoadFunc: func(ctx context.Context) (Catalog, error) {
		<-release
		return testCatalog(), nil
	}}
	r := New(src)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Refresh(context.Background())
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := src.calls.Load(); n >= 5 {
		t.Errorf("expected concurrent refreshes to share loads, got %d loads", n)
	}
}

const catalogYAML = `
providers:
  - id: anthropic
    kind: anthropic
    credential_ref: env:ANTHROPIC_API_KEY
    priority: 1
    requests_per_second: 2
    models:
      - id: claude
        name: claude-sonnet-4-5
        role: chat
        max_output_tokens: 8192
        cost_per_unit: 0.015
  - id: fal
    kind: fal
    active: false
    priority: 1
    models:
      - id: flux
        name: fal-ai/flux/schnell
        role: image
        cost_per_unit: 0.003
`

func TestFileSource_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	if err := os.WriteFile(path, []byte(catalogYAML), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	cat, err := NewFileSource(path).Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cat.Providers) != 2 || len(cat.Models) != 2 {
		t.Fatalf("expected 2 providers and 2 models, got %d/%d", len(cat.Providers), len(cat.Models))
	}

	anthropic := cat.Providers[0]
	if !anthropic.Active || anthropic.CredentialRef != "env:ANTHROPIC_API_KEY" || anthropic.RequestsPerSecond != 2 {
		t.Errorf("unexpected provider: %+v", anthropic)
	}
	if cat.Providers[1].Active {
		t.Error("expected explicit active: false to be honored")
	}
	if cat.Models[0].ProviderID != "anthropic" || cat.Models[0].MaxOutputTokens != 8192 {
		t.Errorf("unexpected model: %+v", cat.Models[0])
	}
}

func TestFileSource_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.yaml")
	if err := os.WriteFile(path, []byte(catalogYAML), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	src := NewFileSource(path)
	r := New(src)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := r.Refresh(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := src.Watch(ctx, r); err != nil {
		t.Fatalf("watch: %v", err)
	}
	before := r.Snapshot().Version()

	updated := catalogYAML + "  - id: openai\n    kind: openai\n    priority: 3\n"
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("rewrite catalog: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if r.Snapshot().Version() > before {
			if _, ok := r.Snapshot().Provider("openai"); !ok {
				t.Fatal("expected reloaded snapshot to contain openai")
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("snapshot was not reloaded after file change")
}
