package generation

import (
	"context"
	"log/slog"

	"github.com/felipepmaragno/adventure-engine/internal/cost"
	"github.com/felipepmaragno/adventure-engine/internal/domain"
	"github.com/felipepmaragno/adventure-engine/internal/metrics"
	"github.com/felipepmaragno/adventure-engine/internal/repository"
	"github.com/google/uuid"
)

// AttemptRecorder persists every attempt as it happens: the step result, the
// run's current state, and a usage log row priced by the cost calculator.
type AttemptRecorder struct {
	runs    repository.RunRepository
	tracker cost.Tracker
	calc    *cost.Calculator
}

func NewAttemptRecorder(runs repository.RunRepository, tracker cost.Tracker, calc *cost.Calculator) *AttemptRecorder {
	if calc == nil {
		calc = cost.NewCalculator()
	}
	return &AttemptRecorder{runs: runs, tracker: tracker, calc: calc}
}

func (r *AttemptRecorder) RecordAttempt(ctx context.Context, run *domain.GenerationRun, res domain.StepResult, model domain.Model, images int) {
	// Attempts made right before a cancellation still need to be stored.
	ctx = context.WithoutCancel(ctx)

	logger := slog.With("run_id", run.ID, "step", res.StepName, "attempt", res.Attempt)

	if err := r.runs.SaveStepResult(ctx, res); err != nil {
		logger.Error("failed to save step result", "error", err)
	}
	if err := r.runs.UpdateRun(ctx, run); err != nil {
		logger.Warn("failed to update run", "error", err)
	}

	if r.tracker == nil || model.ID == "" {
		return
	}

	entry := r.calc.Entry(uuid.New().String(), run.UserID, res, model, images)
	if err := r.tracker.Record(ctx, entry); err != nil {
		logger.Error("failed to record usage", "error", err)
		return
	}
	if entry.CostUSD > 0 {
		metrics.RecordCost(entry.Provider, entry.Model, entry.CostUSD)
	}
}
