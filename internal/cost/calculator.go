// Package cost prices provider attempts and keeps the usage log.
package cost

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/felipepmaragno/adventure-engine/internal/domain"
)

// Calculator prices one attempt from the model's catalog entry. Chat models
// are billed per 1K input and output tokens, image models per image.
type Calculator struct {
	mu       sync.RWMutex
	override map[string]domain.Model
}

func NewCalculator() *Calculator {
	return &Calculator{
		override: make(map[string]domain.Model),
	}
}

func (c *Calculator) Calculate(m domain.Model, inputTokens, outputTokens, images int) float64 {
	c.mu.RLock()
	if o, ok := c.override[m.ID]; ok {
		m = o
	}
	c.mu.RUnlock()

	if m.Role == domain.RoleImage {
		return float64(images) * m.CostPerUnit
	}

	inputCost := float64(inputTokens) / 1000 * m.InputCostPerK
	outputCost := float64(outputTokens) / 1000 * m.CostPerUnit

	return inputCost + outputCost
}

// SetPricing replaces the catalog price of a model, keyed by model ID.
func (c *Calculator) SetPricing(m domain.Model) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.override[m.ID] = m
}

// Entry builds the usage log row for a finished attempt.
func (c *Calculator) Entry(id, userID string, res domain.StepResult, m domain.Model, images int) domain.UsageLogEntry {
	return domain.UsageLogEntry{
		ID:           id,
		RunID:        res.RunID,
		UserID:       userID,
		StepName:     res.StepName,
		Attempt:      res.Attempt,
		Provider:     res.ProviderUsed,
		Model:        res.ModelUsed,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
		Images:       images,
		LatencyMs:    res.LatencyMs,
		CostUSD:      c.Calculate(m, res.InputTokens, res.OutputTokens, images),
		Success:      res.Success,
		ErrorKind:    res.ErrorKind,
		CreatedAt:    res.CreatedAt,
	}
}

type Tracker interface {
	Record(ctx context.Context, entry domain.UsageLogEntry) error
	GetUserUsage(ctx context.Context, userID string, since time.Time) ([]domain.UsageLogEntry, error)
	GetUserTotalCost(ctx context.Context, userID string, since time.Time) (float64, error)
}

type InMemoryTracker struct {
	mu      sync.RWMutex
	records []domain.UsageLogEntry
}

func NewInMemoryTracker() *InMemoryTracker {
	return &InMemoryTracker{
		records: make([]domain.UsageLogEntry, 0),
	}
}

func (t *InMemoryTracker) Record(ctx context.Context, entry domain.UsageLogEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.records = append(t.records, entry)
	return nil
}

// GetUserUsage returns entries at or after since, newest first. An empty
// userID matches every user.
func (t *InMemoryTracker) GetUserUsage(ctx context.Context, userID string, since time.Time) ([]domain.UsageLogEntry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var result []domain.UsageLogEntry
	for _, r := range t.records {
		if (userID == "" || r.UserID == userID) && !r.CreatedAt.Before(since) {
			result = append(result, r)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (t *InMemoryTracker) GetUserTotalCost(ctx context.Context, userID string, since time.Time) (float64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var total float64
	for _, r := range t.records {
		if (userID == "" || r.UserID == userID) && !r.CreatedAt.Before(since) {
			total += r.CostUSD
		}
	}
	return total, nil
}

func (t *InMemoryTracker) GetAllRecords() []domain.UsageLogEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]domain.UsageLogEntry, len(t.records))
	copy(result, t.records)
	return result
}
