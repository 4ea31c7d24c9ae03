// Package registry holds the provider and model catalog as immutable
// snapshots. Readers take one snapshot and keep it for the lifetime of a run;
// reloads build a new snapshot and swap it in atomically.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/felipepmaragno/adventure-engine/internal/domain"
	"github.com/felipepmaragno/adventure-engine/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// Catalog is the raw provider configuration handed over by a Source.
type Catalog struct {
	Providers []domain.Provider
	Models    []domain.Model
}

// Source supplies catalogs. Implementations: FileSource, and the Postgres
// provider repository.
type Source interface {
	Load(ctx context.Context) (Catalog, error)
}

// Candidate is one selectable provider/model pair.
type Candidate struct {
	Provider domain.Provider
	Model    domain.Model
}

// Exclusions is the set of provider IDs skipped for the current step.
type Exclusions map[string]struct{}

func (e Exclusions) Add(providerID string) {
	e[providerID] = struct{}{}
}

func (e Exclusions) Has(providerID string) bool {
	_, ok := e[providerID]
	return ok
}

type Snapshot struct {
	version   int64
	loadedAt  time.Time
	providers map[string]domain.Provider
	models    []domain.Model
	byRole    map[domain.Role][]Candidate
}

var knownKinds = map[domain.ProviderKind]bool{
	domain.KindOpenAI:     true,
	domain.KindOpenRouter: true,
	domain.KindAnthropic:  true,
	domain.KindGoogle:     true,
	domain.KindFal:        true,
	domain.KindBedrock:    true,
	domain.KindOllama:     true,
}

// NewSnapshot validates a catalog and precomputes selection order per role.
func NewSnapshot(cat Catalog, version int64) (*Snapshot, error) {
	s := &Snapshot{
		version:   version,
		loadedAt:  time.Now().UTC(),
		providers: make(map[string]domain.Provider, len(cat.Providers)),
		byRole:    make(map[domain.Role][]Candidate),
	}

	for _, p := range cat.Providers {
		if p.ID == "" {
			return nil, fmt.Errorf("%w: provider without id", domain.ErrInvalidSnapshot)
		}
		if _, dup := s.providers[p.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate provider %q", domain.ErrInvalidSnapshot, p.ID)
		}
		if !knownKinds[p.Kind] {
			return nil, fmt.Errorf("%w: provider %q has unknown kind %q", domain.ErrInvalidSnapshot, p.ID, p.Kind)
		}
		s.providers[p.ID] = p
	}

	seen := make(map[string]bool, len(cat.Models))
	for _, m := range cat.Models {
		if m.ID == "" || seen[m.ID] {
			return nil, fmt.Errorf("%w: missing or duplicate model id %q", domain.ErrInvalidSnapshot, m.ID)
		}
		seen[m.ID] = true

		p, ok := s.providers[m.ProviderID]
		if !ok {
			return nil, fmt.Errorf("%w: model %q references unknown provider %q", domain.ErrInvalidSnapshot, m.ID, m.ProviderID)
		}
		switch m.Role {
		case domain.RoleChat:
			if m.MaxOutputTokens <= 0 {
				return nil, fmt.Errorf("%w: chat model %q needs max_output_tokens", domain.ErrInvalidSnapshot, m.ID)
			}
		case domain.RoleImage:
		default:
			return nil, fmt.Errorf("%w: model %q has unsupported role %q", domain.ErrInvalidSnapshot, m.ID, m.Role)
		}
		if m.CostPerUnit < 0 {
			return nil, fmt.Errorf("%w: model %q has negative cost", domain.ErrInvalidSnapshot, m.ID)
		}

		s.models = append(s.models, m)
		if p.Active && m.Active {
			s.byRole[m.Role] = append(s.byRole[m.Role], Candidate{Provider: p, Model: m})
		}
	}

	for role := range s.byRole {
		sortCandidates(s.byRole[role])
	}

	return s, nil
}

// sortCandidates orders by provider priority, then model priority, then cost.
// IDs make the order total so selection is deterministic.
func sortCandidates(c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		a, b := c[i], c[j]
		if a.Provider.Priority != b.Provider.Priority {
			return a.Provider.Priority < b.Provider.Priority
		}
		if a.Model.Priority != b.Model.Priority {
			return a.Model.Priority < b.Model.Priority
		}
		if a.Model.CostPerUnit != b.Model.CostPerUnit {
			return a.Model.CostPerUnit < b.Model.CostPerUnit
		}
		if a.Provider.ID != b.Provider.ID {
			return a.Provider.ID < b.Provider.ID
		}
		return a.Model.ID < b.Model.ID
	})
}

// Select returns the best active pair for role whose provider is not
// excluded, or ErrProviderUnavailable.
func (s *Snapshot) Select(role domain.Role, excluding Exclusions) (domain.Provider, domain.Model, error) {
	for _, c := range s.byRole[role] {
		if excluding.Has(c.Provider.ID) {
			continue
		}
		return c.Provider, c.Model, nil
	}
	return domain.Provider{}, domain.Model{}, fmt.Errorf("select %s: %w", role, domain.ErrProviderUnavailable)
}

// Candidates returns the selection order for role.
func (s *Snapshot) Candidates(role domain.Role) []Candidate {
	out := make([]Candidate, len(s.byRole[role]))
	copy(out, s.byRole[role])
	return out
}

func (s *Snapshot) Provider(id string) (domain.Provider, bool) {
	p, ok := s.providers[id]
	return p, ok
}

func (s *Snapshot) Providers() []domain.Provider {
	out := make([]domain.Provider, 0, len(s.providers))
	for _, p := range s.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Snapshot) Models() []domain.Model {
	out := make([]domain.Model, len(s.models))
	copy(out, s.models)
	return out
}

func (s *Snapshot) Version() int64      { return s.version }
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Registry publishes snapshots loaded from a Source.
type Registry struct {
	source  Source
	current atomic.Pointer[Snapshot]
	version atomic.Int64
	group   singleflight.Group
	onSwap  func(*Snapshot)
}

type Option func(*Registry)

// WithSwapHook is called after every successful publish.
func WithSwapHook(fn func(*Snapshot)) Option {
	return func(r *Registry) {
		r.onSwap = fn
	}
}

func New(source Source, opts ...Option) *Registry {
	r := &Registry{source: source}
	for _, opt := range opts {
		opt(r)
	}
	empty, _ := NewSnapshot(Catalog{}, 0)
	r.current.Store(empty)
	return r
}

// Snapshot returns the live snapshot. Callers must not hold on to it across
// runs if they want to observe reloads.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

func (r *Registry) Select(role domain.Role, excluding Exclusions) (domain.Provider, domain.Model, error) {
	return r.Snapshot().Select(role, excluding)
}

// Publish validates cat and swaps it in. An invalid catalog leaves the
// previous snapshot live.
func (r *Registry) Publish(cat Catalog) (*Snapshot, error) {
	snap, err := NewSnapshot(cat, r.version.Add(1))
	if err != nil {
		return nil, err
	}
	r.current.Store(snap)
	if r.onSwap != nil {
		r.onSwap(snap)
	}
	slog.Info("provider snapshot published",
		"version", snap.version,
		"providers", len(snap.providers),
		"models", len(snap.models),
	)
	return snap, nil
}

// Refresh reloads from the source. Concurrent callers share one load.
func (r *Registry) Refresh(ctx context.Context) (*Snapshot, error) {
	if r.source == nil {
		return r.Snapshot(), nil
	}

	v, err, shared := r.group.Do("refresh", func() (interface{}, error) {
		cat, err := r.source.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load provider catalog: %w", err)
		}
		return r.Publish(cat)
	})
	if err != nil {
		slog.Warn("provider refresh rejected, keeping previous snapshot",
			"version", r.Snapshot().version,
			"error", err,
		)
		metrics.RecordRegistryReload("error")
		return nil, err
	}
	metrics.RecordRegistryReload("ok")
	if shared {
		slog.Debug("provider refresh shared with concurrent caller")
	}
	return v.(*Snapshot), nil
}

// Run refreshes on a fixed interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = r.Refresh(ctx)
		}
	}
}
