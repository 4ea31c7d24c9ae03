// Package generation owns the lifecycle around an orchestrated run: credits
// are reserved before any provider work, the run executes on its own
// goroutine, and the reservation is committed or released once the run is
// terminal.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/felipepmaragno/adventure-engine/internal/budget"
	"github.com/felipepmaragno/adventure-engine/internal/cache"
	"github.com/felipepmaragno/adventure-engine/internal/domain"
	"github.com/felipepmaragno/adventure-engine/internal/notifications"
	"github.com/felipepmaragno/adventure-engine/internal/progress"
	"github.com/felipepmaragno/adventure-engine/internal/queue"
	"github.com/felipepmaragno/adventure-engine/internal/repository"
	"github.com/google/uuid"
)

const settleTimeout = 10 * time.Second

type Runner interface {
	Run(ctx context.Context, run *domain.GenerationRun, spec domain.PipelineSpec) error
}

type Pipelines interface {
	Get(id string) (domain.PipelineSpec, error)
}

type Ledger interface {
	Reserve(ctx context.Context, userID, runID string, amount int64) (*domain.CreditReservation, error)
	Commit(ctx context.Context, reservationID string) (*domain.CreditReservation, error)
	Release(ctx context.Context, reservationID string) (*domain.CreditReservation, error)
}

type BudgetChecker interface {
	Check(ctx context.Context, userID string) (*budget.Alert, error)
}

type GenerateRequest struct {
	UserID   string
	Pipeline string
	Prompt   string
	// Async hands the run to the queue instead of running it in-process.
	Async bool
	// IdempotencyKey, when set, makes retries return the run the first
	// request started.
	IdempotencyKey string
}

type Config struct {
	RunTimeout     time.Duration
	IdempotencyTTL time.Duration
}

// ServiceConfig wires the service. Alerts and Idempotency are optional:
// without Alerts failed runs are only logged, and without Idempotency a
// request's IdempotencyKey is ignored.
type ServiceConfig struct {
	Config      Config
	Runner      Runner
	Pipelines   Pipelines
	Ledger      Ledger
	Runs        repository.RunRepository
	Queue       queue.Queue
	Budget      BudgetChecker
	Notifier    progress.Notifier
	Alerts      notifications.Notifier
	Idempotency cache.Cache
}

type Service struct {
	cfg       Config
	runner    Runner
	pipelines Pipelines
	ledger    Ledger
	runs      repository.RunRepository
	queue     queue.Queue
	budget    BudgetChecker
	notifier  progress.Notifier
	alerts    notifications.Notifier
	idem      cache.Cache

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(cfg ServiceConfig) *Service {
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = progress.Discard
	}
	if cfg.Config.RunTimeout <= 0 {
		cfg.Config.RunTimeout = 15 * time.Minute
	}
	if cfg.Config.IdempotencyTTL <= 0 {
		cfg.Config.IdempotencyTTL = 24 * time.Hour
	}
	return &Service{
		cfg:       cfg.Config,
		runner:    cfg.Runner,
		pipelines: cfg.Pipelines,
		ledger:    cfg.Ledger,
		runs:      cfg.Runs,
		queue:     cfg.Queue,
		budget:    cfg.Budget,
		notifier:  notifier,
		alerts:    cfg.Alerts,
		idem:      cfg.Idempotency,
		active:    make(map[string]context.CancelFunc),
	}
}

// Generate reserves the pipeline's credits and starts the run. It returns
// once the run is persisted; ErrInsufficientCredits means nothing was
// started.
func (s *Service) Generate(ctx context.Context, req GenerateRequest) (*domain.GenerationRun, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("generate: empty prompt: %w", domain.ErrInvalidRequest)
	}
	spec, err := s.pipelines.Get(req.Pipeline)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}

	run := domain.NewGenerationRun(uuid.New().String(), req.UserID, spec.ID, req.Prompt)

	idemKey := ""
	if s.idem != nil && req.IdempotencyKey != "" {
		idemKey = cache.Key(req.UserID, req.IdempotencyKey)
		existing, claimed, err := s.idem.Claim(ctx, idemKey, run.ID, s.cfg.IdempotencyTTL)
		switch {
		case err != nil:
			slog.Warn("idempotency check failed, proceeding", "user_id", req.UserID, "error", err)
			idemKey = ""
		case !claimed:
			return s.replay(ctx, req.UserID, existing)
		}
	}

	res, err := s.ledger.Reserve(ctx, req.UserID, run.ID, spec.CreditCost)
	if err != nil {
		s.forget(idemKey)
		return nil, fmt.Errorf("generate: %w", err)
	}
	run.ReservationID = res.ID

	if err := s.runs.CreateRun(ctx, run); err != nil {
		s.release(run)
		s.forget(idemKey)
		return nil, fmt.Errorf("generate: persist run: %w", err)
	}

	logger := slog.With("run_id", run.ID, "user_id", run.UserID, "pipeline", spec.ID)
	s.notifier.Publish(run.UserID, domain.ProgressEvent{
		RunID:     run.ID,
		StepCount: len(spec.Steps),
		Status:    domain.ProgressPending,
		Timestamp: time.Now().UTC(),
	})

	if req.Async && s.queue != nil {
		job := queue.GenerationJob{
			RunID:         run.ID,
			UserID:        run.UserID,
			Pipeline:      spec.ID,
			Prompt:        run.Prompt,
			ReservationID: res.ID,
			CreatedAt:     run.CreatedAt,
		}
		if err := s.queue.Enqueue(ctx, job); err != nil {
			s.abandon(run, err)
			s.forget(idemKey)
			return nil, fmt.Errorf("generate: enqueue: %w", err)
		}
		logger.Info("generation queued", "reservation_id", res.ID)
		return snapshot(run), nil
	}

	out := snapshot(run)
	runCtx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)
	s.track(run.ID, cancel)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.untrack(run.ID)
		s.execute(runCtx, run, spec)
	}()

	logger.Info("generation started", "reservation_id", res.ID, "credits", spec.CreditCost)
	return out, nil
}

// replay returns the run an earlier request with the same idempotency key
// started. A run that is not persisted yet is still being created.
func (s *Service) replay(ctx context.Context, userID, runID string) (*domain.GenerationRun, error) {
	run, err := s.Get(ctx, userID, runID)
	if errors.Is(err, domain.ErrRunNotFound) {
		return nil, fmt.Errorf("generate: request with this idempotency key is in progress: %w", domain.ErrInvalidTransition)
	}
	if err != nil {
		return nil, fmt.Errorf("generate: replay: %w", err)
	}
	slog.Info("idempotent replay", "run_id", run.ID, "user_id", userID)
	return run, nil
}

func (s *Service) forget(key string) {
	if key == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if err := s.idem.Forget(ctx, key); err != nil {
		slog.Warn("failed to drop idempotency key", "error", err)
	}
}

// Execute drives a queued job to a terminal state with its existing
// reservation. A job whose run is already terminal is acknowledged without
// work, so redelivered messages are harmless.
func (s *Service) Execute(ctx context.Context, job queue.GenerationJob) error {
	run, err := s.runs.GetRun(ctx, job.RunID)
	if err != nil {
		return fmt.Errorf("execute %s: %w", job.RunID, err)
	}
	if run.Status.IsTerminal() {
		slog.Info("skipping settled job", "run_id", run.ID, "status", run.Status)
		return nil
	}
	if run.Status != domain.RunPending {
		// A previous worker died mid-run. The attempts it made are kept but
		// the run cannot resume, so it fails and the credits go back.
		_ = run.Fail(domain.KindInternal, "worker interrupted")
		s.settle(run)
		return nil
	}
	if run.ReservationID == "" {
		run.ReservationID = job.ReservationID
	}

	spec, err := s.pipelines.Get(run.PipelineID)
	if err != nil {
		_ = run.Fail(domain.KindInternal, err.Error())
		s.settle(run)
		return nil
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	s.track(run.ID, cancel)
	defer s.untrack(run.ID)

	s.execute(runCtx, run, spec)
	return nil
}

func (s *Service) execute(ctx context.Context, run *domain.GenerationRun, spec domain.PipelineSpec) {
	if !s.claim(run) {
		return
	}
	if err := s.runner.Run(ctx, run, spec); err != nil && !run.Status.IsTerminal() {
		_ = run.Fail(domain.KindOf(err), err.Error())
	}
	s.settle(run)
}

// claim marks the stored run as running while it is still pending. Losing
// the claim means another instance cancelled or started the run, and this
// one must not touch it.
func (s *Service) claim(run *domain.GenerationRun) bool {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	claimed := *run
	if err := claimed.Start(); err != nil {
		slog.Info("run no longer pending, skipping", "run_id", run.ID, "status", run.Status)
		return false
	}

	err := s.runs.TransitionRun(ctx, &claimed, domain.RunPending)
	switch {
	case err == nil:
		return true
	case errors.Is(err, domain.ErrInvalidTransition):
		slog.Info("run claimed or settled elsewhere, skipping", "run_id", run.ID, "error", err)
		return false
	default:
		slog.Error("failed to claim run", "run_id", run.ID, "error", err)
		_ = run.Fail(domain.KindInternal, "claim run: "+err.Error())
		s.settle(run)
		return false
	}
}

// settle persists the terminal run, then commits or releases the
// reservation. It runs detached from the run's context so a cancelled run
// still gets its credits back. When the stored run is already terminal,
// whoever finished it owns the reservation and settle leaves it alone.
func (s *Service) settle(run *domain.GenerationRun) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	logger := slog.With("run_id", run.ID, "user_id", run.UserID, "reservation_id", run.ReservationID)

	if err := s.runs.UpdateRun(ctx, run); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			logger.Warn("run already settled, leaving credits untouched", "status", run.Status, "error", err)
			return
		}
		logger.Error("failed to persist run", "status", run.Status, "error", err)
	}

	if run.Status == domain.RunSucceeded {
		if _, err := s.ledger.Commit(ctx, run.ReservationID); err != nil {
			logger.Error("failed to commit credits", "error", err)
		} else if s.budget != nil {
			if _, err := s.budget.Check(ctx, run.UserID); err != nil {
				logger.Warn("credit usage check failed", "error", err)
			}
		}
		return
	}

	s.release(run)
	if run.Status == domain.RunFailed && s.alerts != nil {
		if err := s.alerts.Send(ctx, notifications.RunFailed(run)); err != nil {
			logger.Warn("failed to send run failure notification", "error", err)
		}
	}
}

func (s *Service) release(run *domain.GenerationRun) {
	if run.ReservationID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if _, err := s.ledger.Release(ctx, run.ReservationID); err != nil {
		slog.Error("failed to release credits",
			"run_id", run.ID,
			"reservation_id", run.ReservationID,
			"error", err,
		)
	}
}

func (s *Service) abandon(run *domain.GenerationRun, cause error) {
	_ = run.Fail(domain.KindInternal, cause.Error())
	s.settle(run)
}

// Get returns the caller's run. Runs owned by someone else are reported as
// not found.
func (s *Service) Get(ctx context.Context, userID, runID string) (*domain.GenerationRun, error) {
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.UserID != userID {
		return nil, domain.ErrRunNotFound
	}
	return run, nil
}

func (s *Service) List(ctx context.Context, userID string, limit int) ([]*domain.GenerationRun, error) {
	return s.runs.ListRuns(ctx, userID, limit)
}

// Cancel stops a run executing in this process. A run that is still queued
// is cancelled in place and its credits released; the worker skips it later.
func (s *Service) Cancel(ctx context.Context, userID, runID string) error {
	run, err := s.Get(ctx, userID, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("cancel %s: run is %s: %w", runID, run.Status, domain.ErrInvalidTransition)
	}

	s.mu.Lock()
	cancel, ok := s.active[runID]
	s.mu.Unlock()
	if ok {
		cancel()
		return nil
	}

	if run.Status != domain.RunPending {
		// Running on another instance; its worker owns the transition.
		return fmt.Errorf("cancel %s: run is executing elsewhere: %w", runID, domain.ErrInvalidTransition)
	}
	if err := run.Cancel(); err != nil {
		return err
	}
	// A worker may claim the run between the read above and this write;
	// only one of the two transitions out of pending can win.
	if err := s.runs.TransitionRun(ctx, run, domain.RunPending); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return fmt.Errorf("cancel %s: run is executing elsewhere: %w", runID, domain.ErrInvalidTransition)
		}
		return fmt.Errorf("cancel %s: %w", runID, err)
	}
	s.release(run)
	s.notifier.Publish(run.UserID, domain.ProgressEvent{
		RunID:     run.ID,
		Status:    domain.ProgressCancelled,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Shutdown waits for in-process runs. When ctx expires first the remaining
// runs are cancelled, which releases their credits.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	for _, cancel := range s.active {
		cancel()
	}
	s.mu.Unlock()
	<-done
	return ctx.Err()
}

func (s *Service) track(runID string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.active[runID] = cancel
	s.mu.Unlock()
}

func (s *Service) untrack(runID string) {
	s.mu.Lock()
	if cancel, ok := s.active[runID]; ok {
		cancel()
		delete(s.active, runID)
	}
	s.mu.Unlock()
}

func snapshot(run *domain.GenerationRun) *domain.GenerationRun {
	out := *run
	out.StepResults = append([]domain.StepResult(nil), run.StepResults...)
	return &out
}
