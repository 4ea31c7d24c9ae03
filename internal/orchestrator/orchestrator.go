// Package orchestrator drives a generation run through its pipeline steps.
//
// Each step loops Selecting -> Calling -> Validating. A transport or rate
// limit failure, an open breaker, malformed output or a schema mismatch
// excludes the provider for the rest of the step and selection starts over.
// Truncated output is retried on the same provider with a doubled output
// budget until the model's ceiling or the step's retry budget is reached.
// The first step that runs out of candidates fails the run.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felipepmaragno/adventure-engine/internal/domain"
	"github.com/felipepmaragno/adventure-engine/internal/metrics"
	"github.com/felipepmaragno/adventure-engine/internal/pipeline"
	"github.com/felipepmaragno/adventure-engine/internal/progress"
	"github.com/felipepmaragno/adventure-engine/internal/provider"
	"github.com/felipepmaragno/adventure-engine/internal/registry"
	"github.com/felipepmaragno/adventure-engine/internal/telemetry"
	"github.com/felipepmaragno/adventure-engine/internal/validate"
)

const localProvider = "local"

type SnapshotSource interface {
	Snapshot() *registry.Snapshot
}

type Breakers interface {
	Allow(ctx context.Context, providerID string) error
	Record(ctx context.Context, providerID string, callErr error)
}

// Steps supplies schemas, prompts and local step implementations.
type Steps interface {
	Schema(ref string) (*validate.Schema, error)
	Render(step domain.Step, data pipeline.Context) (pipeline.Prompt, error)
	RunLocal(step domain.Step, data pipeline.Context) (json.RawMessage, error)
}

// ImageStore persists generated images and returns the references that
// replace them in the step output.
type ImageStore interface {
	StoreImages(ctx context.Context, runID, step string, images []string) ([]string, error)
}

// Recorder observes every attempt once it has a StepResult.
type Recorder interface {
	RecordAttempt(ctx context.Context, run *domain.GenerationRun, res domain.StepResult, model domain.Model, images int)
}

type Config struct {
	DefaultMaxRetries int
	AttemptTimeout    time.Duration
	// MinOutputTokens floors the first attempt's budget for steps that do
	// not set output_tokens.
	MinOutputTokens int
}

func DefaultConfig() Config {
	return Config{
		DefaultMaxRetries: 2,
		AttemptTimeout:    180 * time.Second,
		MinOutputTokens:   1024,
	}
}

type Orchestrator struct {
	cfg       Config
	snapshots SnapshotSource
	caller    provider.Caller
	steps     Steps
	breakers  Breakers
	notifier  progress.Notifier
	recorder  Recorder
	images    ImageStore
	now       func() time.Time
}

type Option func(*Orchestrator)

func WithBreakers(b Breakers) Option {
	return func(o *Orchestrator) { o.breakers = b }
}

func WithNotifier(n progress.Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

func WithImageStore(s ImageStore) Option {
	return func(o *Orchestrator) { o.images = s }
}

func New(cfg Config, snapshots SnapshotSource, caller provider.Caller, steps Steps, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		snapshots: snapshots,
		caller:    caller,
		steps:     steps,
		notifier:  progress.Discard,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// stepRun carries the state of one run through its steps. Only the goroutine
// executing Run touches it.
type stepRun struct {
	run   *domain.GenerationRun
	spec  domain.PipelineSpec
	snap  *registry.Snapshot
	data  pipeline.Context
	index int
	step  domain.Step
}

func (s *stepRun) count() int { return len(s.spec.Steps) }

// Run executes spec for run and leaves run in a terminal state. The provider
// snapshot is read once, so a registry reload mid-run does not affect it.
// The returned error carries the run's error kind.
func (o *Orchestrator) Run(ctx context.Context, run *domain.GenerationRun, spec domain.PipelineSpec) error {
	ctx, span := telemetry.StartSpan(ctx, "generation.run")
	defer span.End()
	telemetry.AddRunAttributes(span, run.ID, run.UserID, spec.ID)

	if err := run.Start(); err != nil {
		return fmt.Errorf("start run %s: %w", run.ID, err)
	}

	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()

	sr := &stepRun{
		run:  run,
		spec: spec,
		snap: o.snapshots.Snapshot(),
		data: pipeline.NewContext(spec.ID, run.Prompt),
	}

	logger := slog.With("run_id", run.ID, "user_id", run.UserID, "pipeline", spec.ID)
	logger.Info("generation run started", "steps", sr.count(), "snapshot_version", sr.snap.Version())
	o.emit(sr, domain.ProgressRunning, "", 0, "")

	var last json.RawMessage
	for i, step := range spec.Steps {
		sr.index = i
		sr.step = step

		if err := ctx.Err(); err != nil {
			return o.finishAborted(ctx, sr, err, logger)
		}

		parsed, err := o.runStep(ctx, sr)
		if err != nil {
			if ctx.Err() != nil {
				return o.finishAborted(ctx, sr, ctx.Err(), logger)
			}
			return o.finishFailed(sr, err, logger)
		}

		sr.data.Add(step.Name, parsed.Raw, parsed.Value)
		last = parsed.Raw
	}

	if err := run.Succeed(last); err != nil {
		return fmt.Errorf("finish run %s: %w", run.ID, err)
	}
	o.emit(sr, domain.ProgressSucceeded, "", 0, "")
	o.observeRun(sr)
	logger.Info("generation run succeeded", "attempts", len(run.StepResults))
	return nil
}

func (o *Orchestrator) finishAborted(ctx context.Context, sr *stepRun, cause error, logger *slog.Logger) error {
	if errors.Is(cause, context.Canceled) {
		_ = sr.run.Cancel()
		o.emit(sr, domain.ProgressCancelled, "", 0, "cancelled by caller")
		o.observeRun(sr)
		logger.Info("generation run cancelled", "step", sr.step.Name)
		return fmt.Errorf("run %s: %w", sr.run.ID, domain.ErrCancelled)
	}

	err := domain.NewProviderError("", domain.KindNetwork, 0, fmt.Errorf("run deadline exceeded: %w", cause))
	return o.finishFailed(sr, err, logger)
}

func (o *Orchestrator) finishFailed(sr *stepRun, err error, logger *slog.Logger) error {
	kind := domain.KindOf(err)
	_ = sr.run.Fail(kind, err.Error())
	o.emit(sr, domain.ProgressFailed, "", 0, string(kind))
	o.observeRun(sr)
	logger.Error("generation run failed", "step", sr.step.Name, "error_kind", kind, "error", err)
	return fmt.Errorf("run %s step %s: %w", sr.run.ID, sr.step.Name, err)
}

func (o *Orchestrator) observeRun(sr *stepRun) {
	var dur float64
	if sr.run.StartedAt != nil && sr.run.FinishedAt != nil {
		dur = sr.run.FinishedAt.Sub(*sr.run.StartedAt).Seconds()
	}
	metrics.RecordRun(sr.spec.ID, string(sr.run.Status), string(sr.run.ErrorKind), dur)
}

func (o *Orchestrator) runStep(ctx context.Context, sr *stepRun) (*validate.Parsed, error) {
	schema, err := o.steps.Schema(sr.step.OutputSchemaRef)
	if err != nil {
		return nil, o.stepFailed(sr, err)
	}

	if sr.step.Role == domain.RoleLocal {
		return o.runLocal(ctx, sr, schema)
	}

	prompt, err := o.steps.Render(sr.step, sr.data)
	if err != nil {
		return nil, o.stepFailed(sr, fmt.Errorf("render prompt: %w", err))
	}

	maxRetries := sr.step.MaxRetries
	if maxRetries <= 0 {
		maxRetries = o.cfg.DefaultMaxRetries
	}

	excluded := registry.Exclusions{}
	attempt := 0
	var lastErr error

	logger := slog.With("run_id", sr.run.ID, "step", sr.step.Name)

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		o.emit(sr, domain.ProgressSelecting, "", attempt, "")
		p, m, err := sr.snap.Select(sr.step.Role, excluded)
		if err != nil {
			if lastErr == nil {
				metrics.RecordAttempt(sr.step.Name, "", "", string(domain.KindProviderUnavailable), 0)
				o.record(ctx, sr, domain.StepResult{
					Attempt:   attempt + 1,
					ErrorKind: domain.KindProviderUnavailable,
				}, domain.Model{}, 0)
				return nil, o.stepFailed(sr, fmt.Errorf("role %s: %w", sr.step.Role, err))
			}
			return nil, o.stepFailed(sr, lastErr)
		}

		if o.breakers != nil {
			if err := o.breakers.Allow(ctx, p.ID); err != nil {
				excluded.Add(p.ID)
				logger.Warn("skipping provider with open circuit", "provider", p.ID)
				if lastErr == nil {
					lastErr = domain.NewProviderError(p.ID, domain.KindProviderUnavailable, 0, err)
				}
				continue
			}
		}

		budget := o.initialBudget(sr.step, m)
		retries := 0

		for {
			if sr.step.MaxAttempts > 0 && attempt >= sr.step.MaxAttempts {
				if lastErr == nil {
					lastErr = domain.ErrProviderUnavailable
				}
				return nil, o.stepFailed(sr, fmt.Errorf("attempt budget of %d exhausted: %w", sr.step.MaxAttempts, lastErr))
			}
			attempt++

			parsed, res, images, err := o.attempt(ctx, sr, p, m, prompt, schema, budget, attempt)
			o.record(ctx, sr, res, m, images)
			if err == nil {
				o.emit(sr, domain.ProgressStepDone, p.ID, attempt, "")
				return parsed, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err

			kind := domain.KindOf(err)
			if kind == domain.KindTruncated && retries < maxRetries && m.MaxOutputTokens > 0 && budget < m.MaxOutputTokens {
				retries++
				prev := budget
				budget = min(budget*2, m.MaxOutputTokens)
				logger.Warn("output truncated, escalating budget",
					"provider", p.ID,
					"model", m.ID,
					"attempt", attempt,
					"from_tokens", prev,
					"to_tokens", budget,
				)
				o.emit(sr, domain.ProgressEscalating, p.ID, attempt, fmt.Sprintf("output budget %d", budget))
				continue
			}

			excluded.Add(p.ID)
			logger.Warn("provider failed, falling back",
				"provider", p.ID,
				"model", m.ID,
				"attempt", attempt,
				"error_kind", kind,
				"error", err,
			)
			o.emit(sr, domain.ProgressRetrying, p.ID, attempt, string(kind))
			break
		}
	}
}

// attempt performs one call and validation. The StepResult is filled in
// whether or not the attempt succeeded.
func (o *Orchestrator) attempt(ctx context.Context, sr *stepRun, p domain.Provider, m domain.Model, prompt pipeline.Prompt, schema *validate.Schema, budget, attempt int) (*validate.Parsed, domain.StepResult, int, error) {
	ctx, span := telemetry.StartSpan(ctx, "generation.attempt")
	defer span.End()
	telemetry.AddAttemptAttributes(span, sr.step.Name, p.ID, m.ID, attempt, budget)

	res := domain.StepResult{
		Attempt:      attempt,
		ProviderUsed: p.ID,
		ModelUsed:    m.ID,
		OutputBudget: budget,
	}

	o.emit(sr, domain.ProgressCalling, p.ID, attempt, "")

	callCtx := ctx
	if o.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.cfg.AttemptTimeout)
		defer cancel()
	}

	req := domain.CallRequest{
		System:          prompt.System,
		Prompt:          prompt.User,
		MaxOutputTokens: budget,
		JSONOutput:      sr.step.Role == domain.RoleChat && schema != nil,
		ImageCount:      sr.step.ImageCount,
		ImageSize:       sr.step.ImageSize,
	}

	start := time.Now()
	raw, err := o.caller.Call(callCtx, p, m, sr.step.Role, req)
	res.LatencyMs = time.Since(start).Milliseconds()

	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			err = fmt.Errorf("%w: %w", domain.ErrCancelled, err)
		}
		kind := domain.KindOf(err)
		res.ErrorKind = kind
		telemetry.AddErrorAttribute(span, string(kind), err)
		if o.breakers != nil && ctx.Err() == nil {
			o.breakers.Record(ctx, p.ID, err)
		}
		metrics.RecordProviderError(p.ID, string(kind))
		metrics.RecordAttempt(sr.step.Name, p.ID, m.ID, string(kind), time.Since(start).Seconds())
		return nil, res, 0, err
	}

	if raw.Latency > 0 {
		res.LatencyMs = raw.Latency.Milliseconds()
	}
	res.InputTokens = raw.InputTokens
	res.OutputTokens = raw.OutputTokens
	telemetry.AddTokenAttributes(span, raw.InputTokens, raw.OutputTokens)
	if o.breakers != nil {
		o.breakers.Record(ctx, p.ID, nil)
	}

	o.emit(sr, domain.ProgressValidating, p.ID, attempt, "")

	parsed, err := o.check(ctx, sr, raw, schema)
	if err != nil {
		kind := domain.KindOf(err)
		res.ErrorKind = kind
		telemetry.AddErrorAttribute(span, string(kind), err)
		metrics.RecordAttempt(sr.step.Name, p.ID, m.ID, string(kind), raw.Latency.Seconds())
		return nil, res, len(raw.Images), err
	}

	res.Success = true
	res.Output = parsed.Raw
	metrics.RecordAttempt(sr.step.Name, p.ID, m.ID, "success", raw.Latency.Seconds())
	return parsed, res, len(raw.Images), nil
}

func (o *Orchestrator) check(ctx context.Context, sr *stepRun, raw *domain.RawResponse, schema *validate.Schema) (*validate.Parsed, error) {
	if sr.step.Role == domain.RoleImage {
		return o.checkImages(ctx, sr, raw)
	}

	if schema == nil {
		if raw.FinishReason == domain.FinishLength {
			return nil, &validate.Error{Kind: domain.KindTruncated, Reason: "free text cut at length limit"}
		}
		return textOutput(raw.Text)
	}

	return validate.Validate(raw.Text, raw.FinishReason, schema)
}

func (o *Orchestrator) checkImages(ctx context.Context, sr *stepRun, raw *domain.RawResponse) (*validate.Parsed, error) {
	if len(raw.Images) == 0 {
		return nil, &validate.Error{Kind: domain.KindMalformed, Reason: "image response without images"}
	}

	refs := raw.Images
	if o.images != nil {
		stored, err := o.images.StoreImages(ctx, sr.run.ID, sr.step.Name, raw.Images)
		if err != nil {
			return nil, fmt.Errorf("store images: %w", err)
		}
		refs = stored
	}

	values := make([]any, len(refs))
	for i, r := range refs {
		values[i] = r
	}
	b, err := json.Marshal(map[string][]string{"images": refs})
	if err != nil {
		return nil, err
	}
	return &validate.Parsed{Value: map[string]any{"images": values}, Raw: b}, nil
}

func textOutput(text string) (*validate.Parsed, error) {
	b, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, err
	}
	return &validate.Parsed{Value: map[string]any{"text": text}, Raw: b}, nil
}

func (o *Orchestrator) runLocal(ctx context.Context, sr *stepRun, schema *validate.Schema) (*validate.Parsed, error) {
	o.emit(sr, domain.ProgressCalling, localProvider, 1, "")
	start := time.Now()

	res := domain.StepResult{Attempt: 1, ProviderUsed: localProvider}

	out, err := o.steps.RunLocal(sr.step, sr.data)
	var parsed *validate.Parsed
	if err == nil {
		o.emit(sr, domain.ProgressValidating, localProvider, 1, "")
		parsed, err = validate.Validate(string(out), domain.FinishStop, schema)
	}
	res.LatencyMs = time.Since(start).Milliseconds()

	if err != nil {
		res.ErrorKind = domain.KindOf(err)
		o.record(ctx, sr, res, domain.Model{}, 0)
		metrics.RecordAttempt(sr.step.Name, localProvider, "", string(res.ErrorKind), 0)
		return nil, o.stepFailed(sr, fmt.Errorf("local step: %w", err))
	}

	res.Success = true
	res.Output = parsed.Raw
	o.record(ctx, sr, res, domain.Model{}, 0)
	metrics.RecordAttempt(sr.step.Name, localProvider, "", "success", 0)
	o.emit(sr, domain.ProgressStepDone, localProvider, 1, "")
	return parsed, nil
}

func (o *Orchestrator) stepFailed(sr *stepRun, err error) error {
	o.emit(sr, domain.ProgressStepFailed, "", 0, string(domain.KindOf(err)))
	return err
}

func (o *Orchestrator) record(ctx context.Context, sr *stepRun, res domain.StepResult, m domain.Model, images int) {
	res.RunID = sr.run.ID
	res.StepIndex = sr.index
	res.StepName = sr.step.Name
	res.CreatedAt = o.now()

	sr.run.AppendStepResult(res)
	if res.ProviderUsed != "" && res.ProviderUsed != localProvider {
		metrics.RecordTokens(res.ProviderUsed, res.ModelUsed, res.InputTokens, res.OutputTokens)
	}
	if o.recorder != nil {
		o.recorder.RecordAttempt(ctx, sr.run, res, m, images)
	}
}

func (o *Orchestrator) emit(sr *stepRun, status domain.ProgressStatus, providerID string, attempt int, msg string) {
	ev := domain.ProgressEvent{
		RunID:     sr.run.ID,
		UserID:    sr.run.UserID,
		StepIndex: sr.index,
		StepCount: sr.count(),
		StepName:  sr.step.Name,
		Status:    status,
		Provider:  providerID,
		Attempt:   attempt,
		Message:   msg,
		Timestamp: o.now(),
	}
	slog.Debug("run transition",
		"run_id", ev.RunID,
		"step", ev.StepName,
		"status", ev.Status,
		"provider", ev.Provider,
		"attempt", ev.Attempt,
	)
	o.notifier.Publish(sr.run.UserID, ev)
}

// initialBudget leaves a step without output_tokens a quarter of the model's
// ceiling, so a truncated response can still escalate on the same provider.
func (o *Orchestrator) initialBudget(step domain.Step, m domain.Model) int {
	ceiling := m.MaxOutputTokens
	budget := step.OutputTokens
	if budget <= 0 {
		if ceiling <= 0 {
			return 0
		}
		budget = max(ceiling/4, o.cfg.MinOutputTokens)
	}
	if ceiling > 0 && budget > ceiling {
		budget = ceiling
	}
	return budget
}
