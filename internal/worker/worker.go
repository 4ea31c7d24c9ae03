// Package worker drains the generation queue with a bounded pool.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/adventure-engine/internal/queue"
	"golang.org/x/sync/semaphore"
)

type Executor interface {
	Execute(ctx context.Context, job queue.GenerationJob) error
}

type Config struct {
	Concurrency int
	// PollBackoff is how long to wait after a failed receive.
	PollBackoff time.Duration
	// IdleWait is how long to wait after an empty receive. SQS long polling
	// already blocks, so it only matters for the in-memory queue.
	IdleWait time.Duration
}

func DefaultConfig() Config {
	return Config{
		Concurrency: 4,
		PollBackoff: 5 * time.Second,
		IdleWait:    time.Second,
	}
}

type Worker struct {
	cfg   Config
	queue queue.Queue
	exec  Executor
	sem   *semaphore.Weighted
	wg    sync.WaitGroup
}

func New(cfg Config, q queue.Queue, exec Executor) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Worker{
		cfg:   cfg,
		queue: q,
		exec:  exec,
		sem:   semaphore.NewWeighted(int64(cfg.Concurrency)),
	}
}

// Run receives jobs until ctx is cancelled, then waits for in-flight jobs.
// Jobs keep running with the context passed in jobCtx so that stopping the
// poll loop does not abort work already taken off the queue.
func (w *Worker) Run(ctx context.Context, jobCtx context.Context) {
	slog.Info("worker started", "concurrency", w.cfg.Concurrency)
	defer func() {
		w.wg.Wait()
		slog.Info("worker stopped")
	}()

	for {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			return
		}
		free := 1
		for free < w.cfg.Concurrency && w.sem.TryAcquire(1) {
			free++
		}

		jobs, err := w.queue.Receive(ctx, free)
		if len(jobs) < free {
			w.sem.Release(int64(free - len(jobs)))
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			slog.Error("failed to receive jobs", "error", err)
			if !sleep(ctx, w.cfg.PollBackoff) {
				return
			}
			continue
		}
		if len(jobs) == 0 {
			if !sleep(ctx, w.cfg.IdleWait) {
				return
			}
			continue
		}

		for _, job := range jobs {
			w.wg.Add(1)
			go func(job queue.GenerationJob) {
				defer w.wg.Done()
				defer w.sem.Release(1)
				w.handle(jobCtx, job)
			}(job)
		}
	}
}

// handle deletes the message only once the run is settled. A failed Execute
// leaves the message for redelivery.
func (w *Worker) handle(ctx context.Context, job queue.GenerationJob) {
	logger := slog.With("run_id", job.RunID, "user_id", job.UserID, "receives", job.Receives)
	start := time.Now()

	if err := w.exec.Execute(ctx, job); err != nil {
		logger.Error("job failed, leaving for redelivery", "error", err)
		return
	}

	if err := w.queue.Delete(context.WithoutCancel(ctx), job.ReceiptHandle); err != nil {
		logger.Warn("failed to delete job", "error", err)
		return
	}
	logger.Info("job completed", "latency_ms", time.Since(start).Milliseconds())
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
