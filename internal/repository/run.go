package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/felipepmaragno/adventure-engine/internal/domain"
)

// RunRepository persists generation runs and their attempt history. Step
// results are append-only; UpdateRun never touches them. A finished run is
// immutable: both UpdateRun and TransitionRun fail with ErrInvalidTransition
// once the stored status is terminal.
type RunRepository interface {
	CreateRun(ctx context.Context, run *domain.GenerationRun) error
	UpdateRun(ctx context.Context, run *domain.GenerationRun) error
	// TransitionRun stores run only if the stored status is still from.
	// Instances sharing the store use it to claim or cancel a queued run.
	TransitionRun(ctx context.Context, run *domain.GenerationRun, from domain.RunStatus) error
	GetRun(ctx context.Context, id string) (*domain.GenerationRun, error)
	ListRuns(ctx context.Context, userID string, limit int) ([]*domain.GenerationRun, error)
	SaveStepResult(ctx context.Context, res domain.StepResult) error
}

type InMemoryRunRepository struct {
	mu      sync.RWMutex
	runs    map[string]*domain.GenerationRun
	results map[string][]domain.StepResult
}

func NewInMemoryRunRepository() *InMemoryRunRepository {
	return &InMemoryRunRepository{
		runs:    make(map[string]*domain.GenerationRun),
		results: make(map[string][]domain.StepResult),
	}
}

func (r *InMemoryRunRepository) CreateRun(ctx context.Context, run *domain.GenerationRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.runs[run.ID] = copyRun(run)
	return nil
}

func (r *InMemoryRunRepository) UpdateRun(ctx context.Context, run *domain.GenerationRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.runs[run.ID]
	if !ok {
		return domain.ErrRunNotFound
	}
	if stored.Status.IsTerminal() {
		return fmt.Errorf("update run %s: already %s: %w", run.ID, stored.Status, domain.ErrInvalidTransition)
	}
	r.runs[run.ID] = copyRun(run)
	return nil
}

func (r *InMemoryRunRepository) TransitionRun(ctx context.Context, run *domain.GenerationRun, from domain.RunStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.runs[run.ID]
	if !ok {
		return domain.ErrRunNotFound
	}
	if stored.Status != from {
		return fmt.Errorf("transition run %s: status is %s, not %s: %w", run.ID, stored.Status, from, domain.ErrInvalidTransition)
	}
	r.runs[run.ID] = copyRun(run)
	return nil
}

func (r *InMemoryRunRepository) GetRun(ctx context.Context, id string) (*domain.GenerationRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.runs[id]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	return r.compose(run), nil
}

// ListRuns returns the user's runs, newest first.
func (r *InMemoryRunRepository) ListRuns(ctx context.Context, userID string, limit int) ([]*domain.GenerationRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.GenerationRun
	for _, run := range r.runs {
		if run.UserID == userID {
			out = append(out, r.compose(run))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *InMemoryRunRepository) SaveStepResult(ctx context.Context, res domain.StepResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.results[res.RunID] {
		if existing.StepIndex == res.StepIndex && existing.Attempt == res.Attempt {
			return nil
		}
	}
	res.Output = cloneRaw(res.Output)
	r.results[res.RunID] = append(r.results[res.RunID], res)
	return nil
}

func (r *InMemoryRunRepository) compose(run *domain.GenerationRun) *domain.GenerationRun {
	out := copyRun(run)
	results := r.results[run.ID]
	out.StepResults = make([]domain.StepResult, len(results))
	for i, res := range results {
		res.Output = cloneRaw(res.Output)
		out.StepResults[i] = res
	}
	return out
}

// copyRun detaches a run from the caller. Runs are mutated by the
// orchestrator while readers hold stored copies.
func copyRun(run *domain.GenerationRun) *domain.GenerationRun {
	out := *run
	out.Result = cloneRaw(run.Result)
	out.StepResults = nil
	if run.StartedAt != nil {
		t := *run.StartedAt
		out.StartedAt = &t
	}
	if run.FinishedAt != nil {
		t := *run.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}
