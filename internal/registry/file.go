package registry

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/felipepmaragno/adventure-engine/internal/domain"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

type fileModel struct {
	ID              string  `mapstructure:"id"`
	Name            string  `mapstructure:"name"`
	Role            string  `mapstructure:"role"`
	MaxOutputTokens int     `mapstructure:"max_output_tokens"`
	CostPerUnit     float64 `mapstructure:"cost_per_unit"`
	InputCostPerK   float64 `mapstructure:"input_cost_per_k"`
	Active          *bool   `mapstructure:"active"`
	Priority        int     `mapstructure:"priority"`
}

type fileProvider struct {
	ID                string      `mapstructure:"id"`
	Name              string      `mapstructure:"name"`
	Kind              string      `mapstructure:"kind"`
	BaseURL           string      `mapstructure:"base_url"`
	CredentialRef     string      `mapstructure:"credential_ref"`
	Active            *bool       `mapstructure:"active"`
	Priority          int         `mapstructure:"priority"`
	RequestsPerSecond float64     `mapstructure:"requests_per_second"`
	Models            []fileModel `mapstructure:"models"`
}

// FileSource reads the catalog from a YAML (or JSON/TOML) file:
//
//	providers:
//	  - id: anthropic
//	    kind: anthropic
//	    credential_ref: env:ANTHROPIC_API_KEY
//	    priority: 1
//	    models:
//	      - id: claude-sonnet
//	        name: claude-sonnet-4-5
//	        role: chat
//	        max_output_tokens: 8192
//	        cost_per_unit: 0.015
//
// active defaults to true when omitted.
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Path() string {
	return s.path
}

func (s *FileSource) Load(ctx context.Context) (Catalog, error) {
	v := viper.New()
	v.SetConfigFile(s.path)
	if err := v.ReadInConfig(); err != nil {
		return Catalog{}, fmt.Errorf("read %s: %w", s.path, err)
	}

	var providers []fileProvider
	if err := v.UnmarshalKey("providers", &providers); err != nil {
		return Catalog{}, fmt.Errorf("decode providers: %w", err)
	}

	return toCatalog(providers), nil
}

func toCatalog(providers []fileProvider) Catalog {
	var cat Catalog
	for _, fp := range providers {
		name := fp.Name
		if name == "" {
			name = fp.ID
		}
		cat.Providers = append(cat.Providers, domain.Provider{
			ID:                fp.ID,
			Name:              name,
			Kind:              domain.ProviderKind(fp.Kind),
			BaseURL:           fp.BaseURL,
			CredentialRef:     fp.CredentialRef,
			Active:            boolOr(fp.Active, true),
			Priority:          fp.Priority,
			RequestsPerSecond: fp.RequestsPerSecond,
		})
		for _, fm := range fp.Models {
			cat.Models = append(cat.Models, domain.Model{
				ID:              fm.ID,
				ProviderID:      fp.ID,
				Name:            fm.Name,
				Role:            domain.Role(fm.Role),
				MaxOutputTokens: fm.MaxOutputTokens,
				CostPerUnit:     fm.CostPerUnit,
				InputCostPerK:   fm.InputCostPerK,
				Active:          boolOr(fm.Active, true),
				Priority:        fm.Priority,
			})
		}
	}
	return cat
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// Watch refreshes r whenever the catalog file changes. It returns once the
// watcher is running; the watch stops when ctx is done.
func (s *FileSource) Watch(ctx context.Context, r *Registry) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	// Editors replace files on save, so watch the directory.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", s.path, err)
	}

	go s.watchLoop(ctx, watcher, r)
	return nil
}

func (s *FileSource) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, r *Registry) {
	const debounceInterval = 200 * time.Millisecond
	var debounce *time.Timer

	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(s.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceInterval, func() {
				slog.Info("provider catalog changed, reloading", "path", s.path)
				_, _ = r.Refresh(ctx)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("provider catalog watcher error", "path", s.path, "error", err)
		}
	}
}
