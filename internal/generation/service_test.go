package generation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/felipepmaragno/adventure-engine/internal/budget"
	"github.com/felipepmaragno/adventure-engine/internal/cache"
	"github.com/felipepmaragno/adventure-engine/internal/cost"
	"github.com/felipepmaragno/adventure-engine/internal/domain"
	"github.com/felipepmaragno/adventure-engine/internal/ledger"
	"github.com/felipepmaragno/adventure-engine/internal/notifications"
	"github.com/felipepmaragno/adventure-engine/internal/queue"
	"github.com/felipepmaragno/adventure-engine/internal/repository"
)

type MockRunner struct {
	RunFunc func(ctx context.Context, run *domain.GenerationRun, spec domain.PipelineSpec) error
}

func (m *MockRunner) Run(ctx context.Context, run *domain.GenerationRun, spec domain.PipelineSpec) error {
	if err := run.Start(); err != nil {
		return err
	}
	if m.RunFunc != nil {
		return m.RunFunc(ctx, run, spec)
	}
	return run.Succeed(json.RawMessage(`{"title":"The Drowned Mill"}`))
}

type fakePipelines map[string]domain.PipelineSpec

func (f fakePipelines) Get(id string) (domain.PipelineSpec, error) {
	spec, ok := f[id]
	if !ok {
		return domain.PipelineSpec{}, domain.ErrPipelineNotFound
	}
	return spec, nil
}

type fakeBudget struct {
	checked chan string
}

func (f *fakeBudget) Check(ctx context.Context, userID string) (*budget.Alert, error) {
	f.checked <- userID
	return nil, nil
}

type fixture struct {
	svc    *Service
	ledger *ledger.Ledger
	runs   *repository.InMemoryRunRepository
	budget *fakeBudget
	alerts *notifications.InMemoryNotifier
}

func newLedger(allowance int64) *ledger.Ledger {
	tiers := ledger.TierPolicyFunc(func(ctx context.Context, userID string) (domain.Tier, error) {
		return domain.Tier{Name: "creator", Allowance: allowance}, nil
	})
	return ledger.New(ledger.NewInMemoryStore(), tiers)
}

var testPipelines = fakePipelines{
	"adventure": {ID: "adventure", CreditCost: 3, Steps: []domain.Step{{Name: "outline", Role: domain.RoleChat}}},
}

func newFixture(t *testing.T, runner Runner, q queue.Queue, allowance int64) *fixture {
	t.Helper()
	l := newLedger(allowance)
	runs := repository.NewInMemoryRunRepository()
	b := &fakeBudget{checked: make(chan string, 4)}
	alerts := notifications.NewInMemoryNotifier()

	svc := NewService(ServiceConfig{
		Config:      Config{RunTimeout: 5 * time.Second},
		Runner:      runner,
		Pipelines:   testPipelines,
		Ledger:      l,
		Runs:        runs,
		Queue:       q,
		Budget:      b,
		Alerts:      alerts,
		Idempotency: cache.NewInMemoryCache(),
	})
	t.Cleanup(func() { drain(t, svc) })
	return &fixture{svc: svc, ledger: l, runs: runs, budget: b, alerts: alerts}
}

// newPeer builds another instance over shared storage, as a second API or
// worker process would be.
func newPeer(t *testing.T, runner Runner, l *ledger.Ledger, runs repository.RunRepository, q queue.Queue) *Service {
	t.Helper()
	svc := NewService(ServiceConfig{
		Config:    Config{RunTimeout: 5 * time.Second},
		Runner:    runner,
		Pipelines: testPipelines,
		Ledger:    l,
		Runs:      runs,
		Queue:     q,
	})
	t.Cleanup(func() { drain(t, svc) })
	return svc
}

func drain(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

// wait blocks until the fixture's in-process runs have settled and returns
// the stored run.
func (f *fixture) wait(t *testing.T, id string) *domain.GenerationRun {
	t.Helper()
	drain(t, f.svc)
	run, err := f.runs.GetRun(context.Background(), id)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if !run.Status.IsTerminal() {
		t.Fatalf("run %s is %s, want a terminal state", id, run.Status)
	}
	return run
}

func balance(t *testing.T, l *ledger.Ledger, userID string) *domain.CreditBalance {
	t.Helper()
	b, err := l.Balance(context.Background(), userID)
	if err != nil {
		t.Fatalf("Balance() error = %v", err)
	}
	return b
}

func TestService_GenerateCommitsOnSuccess(t *testing.T) {
	f := newFixture(t, &MockRunner{}, nil, 10)

	run, err := f.svc.Generate(context.Background(), GenerateRequest{UserID: "user-1", Pipeline: "adventure", Prompt: "a drowned mill"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if run.Status != domain.RunPending || run.ReservationID == "" {
		t.Errorf("run = %+v", run)
	}

	done := f.wait(t, run.ID)
	if done.Status != domain.RunSucceeded {
		t.Fatalf("Status = %q, want succeeded", done.Status)
	}

	select {
	case <-f.budget.checked:
	case <-time.After(time.Second):
		t.Error("expected a credit usage check after commit")
	}

	b := balance(t, f.ledger, "user-1")
	if b.Committed != 3 || b.Reserved != 0 {
		t.Errorf("balance = %+v, want committed 3", b)
	}
	res, _ := f.ledger.Get(context.Background(), run.ReservationID)
	if res.State != domain.ReservationCommitted {
		t.Errorf("reservation state = %q", res.State)
	}
}

func TestService_GenerateReleasesOnFailure(t *testing.T) {
	runner := &MockRunner{RunFunc: func(ctx context.Context, run *domain.GenerationRun, spec domain.PipelineSpec) error {
		_ = run.Fail(domain.KindProviderUnavailable, "no provider")
		return domain.ErrProviderUnavailable
	}}
	f := newFixture(t, runner, nil, 10)

	run, err := f.svc.Generate(context.Background(), GenerateRequest{UserID: "user-1", Pipeline: "adventure", Prompt: "x"})
	if err != nil {
		t.Fatal(err)
	}

	done := f.wait(t, run.ID)
	if done.Status != domain.RunFailed || done.ErrorKind != domain.KindProviderUnavailable {
		t.Errorf("run = %s/%s", done.Status, done.ErrorKind)
	}
	b := balance(t, f.ledger, "user-1")
	if b.Committed != 0 || b.Reserved != 0 || b.Available != 10 {
		t.Errorf("balance = %+v, want everything released", b)
	}

	sent := f.alerts.Sent()
	if len(sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(sent))
	}
	if sent[0].Type != notifications.TypeRunFailed || sent[0].RunID != run.ID || sent[0].UserID != "user-1" {
		t.Errorf("notification = %+v", sent[0])
	}
	if sent[0].Data["error_kind"] != "provider_unavailable" {
		t.Errorf("error_kind = %v", sent[0].Data["error_kind"])
	}
}

func TestService_InsufficientCreditsStartsNothing(t *testing.T) {
	called := false
	runner := &MockRunner{RunFunc: func(ctx context.Context, run *domain.GenerationRun, spec domain.PipelineSpec) error {
		called = true
		return nil
	}}
	f := newFixture(t, runner, nil, 2)

	_, err := f.svc.Generate(context.Background(), GenerateRequest{UserID: "user-1", Pipeline: "adventure", Prompt: "x"})
	if !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("error = %v, want ErrInsufficientCredits", err)
	}
	if called {
		t.Error("runner should not be invoked")
	}
	runs, _ := f.runs.ListRuns(context.Background(), "user-1", 0)
	if len(runs) != 0 {
		t.Errorf("runs = %d, want 0", len(runs))
	}
}

func TestService_IdempotentRetryReturnsSameRun(t *testing.T) {
	f := newFixture(t, &MockRunner{}, nil, 10)
	ctx := context.Background()
	req := GenerateRequest{UserID: "user-1", Pipeline: "adventure", Prompt: "x", IdempotencyKey: "retry-1"}

	first, err := f.svc.Generate(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	f.wait(t, first.ID)

	second, err := f.svc.Generate(ctx, req)
	if err != nil {
		t.Fatalf("retry error = %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("retry run = %s, want %s", second.ID, first.ID)
	}
	if b := balance(t, f.ledger, "user-1"); b.Committed != 3 {
		t.Errorf("committed = %d, want 3 (charged once)", b.Committed)
	}

	// The key is scoped per user.
	other, err := f.svc.Generate(ctx, GenerateRequest{UserID: "user-2", Pipeline: "adventure", Prompt: "x", IdempotencyKey: "retry-1"})
	if err != nil {
		t.Fatal(err)
	}
	if other.ID == first.ID {
		t.Error("another user's request must not replay this run")
	}
}

func TestService_IdempotencyKeyFreedOnRejection(t *testing.T) {
	f := newFixture(t, &MockRunner{}, nil, 2)
	ctx := context.Background()
	req := GenerateRequest{UserID: "user-1", Pipeline: "adventure", Prompt: "x", IdempotencyKey: "k"}

	if _, err := f.svc.Generate(ctx, req); !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("error = %v, want ErrInsufficientCredits", err)
	}
	// A rejected request leaves nothing behind to replay.
	if _, err := f.svc.Generate(ctx, req); !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("retry error = %v, want ErrInsufficientCredits again", err)
	}
}

func TestService_GenerateValidation(t *testing.T) {
	f := newFixture(t, &MockRunner{}, nil, 10)

	_, err := f.svc.Generate(context.Background(), GenerateRequest{UserID: "u", Pipeline: "adventure", Prompt: "  "})
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("empty prompt error = %v", err)
	}
	_, err = f.svc.Generate(context.Background(), GenerateRequest{UserID: "u", Pipeline: "nope", Prompt: "x"})
	if !errors.Is(err, domain.ErrPipelineNotFound) {
		t.Errorf("unknown pipeline error = %v", err)
	}
}

func TestService_CancelRunning(t *testing.T) {
	started := make(chan struct{})
	runner := &MockRunner{RunFunc: func(ctx context.Context, run *domain.GenerationRun, spec domain.PipelineSpec) error {
		close(started)
		<-ctx.Done()
		_ = run.Cancel()
		return domain.ErrCancelled
	}}
	f := newFixture(t, runner, nil, 10)

	run, err := f.svc.Generate(context.Background(), GenerateRequest{UserID: "user-1", Pipeline: "adventure", Prompt: "x"})
	if err != nil {
		t.Fatal(err)
	}
	<-started

	if err := f.svc.Cancel(context.Background(), "other-user", run.ID); !errors.Is(err, domain.ErrRunNotFound) {
		t.Errorf("cancel by another user = %v, want ErrRunNotFound", err)
	}
	if err := f.svc.Cancel(context.Background(), "user-1", run.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	done := f.wait(t, run.ID)
	if done.Status != domain.RunCancelled {
		t.Errorf("Status = %q, want cancelled", done.Status)
	}
	if b := balance(t, f.ledger, "user-1"); b.Reserved != 0 || b.Committed != 0 {
		t.Errorf("balance = %+v, want released", b)
	}

	if err := f.svc.Cancel(context.Background(), "user-1", run.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("second cancel = %v, want ErrInvalidTransition", err)
	}
}

func TestService_AsyncEnqueuesAndExecutes(t *testing.T) {
	q := queue.NewInMemoryQueue()
	f := newFixture(t, &MockRunner{}, q, 10)
	ctx := context.Background()

	run, err := f.svc.Generate(ctx, GenerateRequest{UserID: "user-1", Pipeline: "adventure", Prompt: "x", Async: true})
	if err != nil {
		t.Fatal(err)
	}
	if q.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", q.Pending())
	}
	if b := balance(t, f.ledger, "user-1"); b.Reserved != 3 {
		t.Errorf("reserved = %d, want 3 while queued", b.Reserved)
	}

	jobs, _ := q.Receive(ctx, 1)
	if jobs[0].ReservationID != run.ReservationID {
		t.Errorf("job reservation = %s, want %s", jobs[0].ReservationID, run.ReservationID)
	}
	if err := f.svc.Execute(ctx, jobs[0]); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	got, _ := f.runs.GetRun(ctx, run.ID)
	if got.Status != domain.RunSucceeded {
		t.Errorf("Status = %q", got.Status)
	}
	if b := balance(t, f.ledger, "user-1"); b.Committed != 3 || b.Reserved != 0 {
		t.Errorf("balance = %+v", b)
	}

	// Redelivery of a settled job is acknowledged without running again.
	if err := f.svc.Execute(ctx, jobs[0]); err != nil {
		t.Errorf("redelivered Execute() error = %v", err)
	}
	if b := balance(t, f.ledger, "user-1"); b.Committed != 3 {
		t.Errorf("committed = %d after redelivery, want 3", b.Committed)
	}
}

func TestService_CancelQueued(t *testing.T) {
	q := queue.NewInMemoryQueue()
	f := newFixture(t, &MockRunner{}, q, 10)
	ctx := context.Background()

	run, err := f.svc.Generate(ctx, GenerateRequest{UserID: "user-1", Pipeline: "adventure", Prompt: "x", Async: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.svc.Cancel(ctx, "user-1", run.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	got, _ := f.runs.GetRun(ctx, run.ID)
	if got.Status != domain.RunCancelled {
		t.Errorf("Status = %q, want cancelled", got.Status)
	}
	if b := balance(t, f.ledger, "user-1"); b.Reserved != 0 {
		t.Errorf("reserved = %d, want 0", b.Reserved)
	}

	jobs, _ := q.Receive(ctx, 1)
	if err := f.svc.Execute(ctx, jobs[0]); err != nil {
		t.Errorf("Execute() error = %v", err)
	}
	got, _ = f.runs.GetRun(ctx, run.ID)
	if got.Status != domain.RunCancelled {
		t.Errorf("worker changed a cancelled run to %q", got.Status)
	}
}

func TestService_ExecuteInterruptedRunFails(t *testing.T) {
	f := newFixture(t, &MockRunner{}, queue.NewInMemoryQueue(), 10)
	ctx := context.Background()

	res, _ := f.ledger.Reserve(ctx, "user-1", "run-x", 3)
	run := domain.NewGenerationRun("run-x", "user-1", "adventure", "x")
	run.ReservationID = res.ID
	_ = run.Start()
	_ = f.runs.CreateRun(ctx, run)

	if err := f.svc.Execute(ctx, queue.GenerationJob{RunID: "run-x", ReservationID: res.ID}); err != nil {
		t.Fatal(err)
	}
	got, _ := f.runs.GetRun(ctx, "run-x")
	if got.Status != domain.RunFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if b := balance(t, f.ledger, "user-1"); b.Reserved != 0 {
		t.Errorf("reserved = %d, want released", b.Reserved)
	}
}

// interleavedRuns runs a hook just before the next TransitionRun, which lets
// a test slip another instance's write in between a read and a claim.
type interleavedRuns struct {
	*repository.InMemoryRunRepository
	beforeTransition func()
}

func (r *interleavedRuns) TransitionRun(ctx context.Context, run *domain.GenerationRun, from domain.RunStatus) error {
	if hook := r.beforeTransition; hook != nil {
		r.beforeTransition = nil
		hook()
	}
	return r.InMemoryRunRepository.TransitionRun(ctx, run, from)
}

func TestService_CancelRejectedOnceAnotherInstanceClaimed(t *testing.T) {
	ctx := context.Background()
	q := queue.NewInMemoryQueue()
	runs := repository.NewInMemoryRunRepository()
	l := newLedger(10)

	entered := make(chan struct{})
	proceed := make(chan struct{})
	worker := newPeer(t, &MockRunner{RunFunc: func(ctx context.Context, run *domain.GenerationRun, spec domain.PipelineSpec) error {
		close(entered)
		<-proceed
		return run.Succeed(json.RawMessage(`{"title":"The Salt Caves"}`))
	}}, l, runs, q)
	api := newPeer(t, &MockRunner{}, l, runs, q)

	run, err := api.Generate(ctx, GenerateRequest{UserID: "user-1", Pipeline: "adventure", Prompt: "x", Async: true})
	if err != nil {
		t.Fatal(err)
	}
	jobs, _ := q.Receive(ctx, 1)

	done := make(chan error, 1)
	go func() { done <- worker.Execute(ctx, jobs[0]) }()
	<-entered

	if err := api.Cancel(ctx, "user-1", run.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("Cancel() error = %v, want ErrInvalidTransition", err)
	}
	close(proceed)
	if err := <-done; err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	got, _ := runs.GetRun(ctx, run.ID)
	if got.Status != domain.RunSucceeded {
		t.Errorf("Status = %q, want succeeded", got.Status)
	}
	res, _ := l.Get(ctx, run.ReservationID)
	if res.State != domain.ReservationCommitted {
		t.Errorf("reservation state = %q, want committed", res.State)
	}
	if b := balance(t, l, "user-1"); b.Committed != 3 || b.Reserved != 0 {
		t.Errorf("balance = %+v, want committed 3", b)
	}
}

func TestService_WorkerSkipsRunCancelledBeforeClaim(t *testing.T) {
	ctx := context.Background()
	q := queue.NewInMemoryQueue()
	runs := &interleavedRuns{InMemoryRunRepository: repository.NewInMemoryRunRepository()}
	l := newLedger(10)

	called := false
	worker := newPeer(t, &MockRunner{RunFunc: func(ctx context.Context, run *domain.GenerationRun, spec domain.PipelineSpec) error {
		called = true
		return run.Succeed(nil)
	}}, l, runs, q)
	api := newPeer(t, &MockRunner{}, l, runs, q)

	run, err := api.Generate(ctx, GenerateRequest{UserID: "user-1", Pipeline: "adventure", Prompt: "x", Async: true})
	if err != nil {
		t.Fatal(err)
	}
	jobs, _ := q.Receive(ctx, 1)

	// The worker has read the run as pending; the cancel lands before its claim.
	runs.beforeTransition = func() {
		if err := api.Cancel(ctx, "user-1", run.ID); err != nil {
			t.Errorf("Cancel() error = %v", err)
		}
	}
	if err := worker.Execute(ctx, jobs[0]); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if called {
		t.Error("runner executed a cancelled run")
	}
	got, _ := runs.GetRun(ctx, run.ID)
	if got.Status != domain.RunCancelled {
		t.Errorf("Status = %q, want cancelled", got.Status)
	}
	res, _ := l.Get(ctx, run.ReservationID)
	if res.State != domain.ReservationReleased {
		t.Errorf("reservation state = %q, want released", res.State)
	}
}

func TestService_SettleLeavesFinishedRunAlone(t *testing.T) {
	f := newFixture(t, &MockRunner{}, nil, 10)
	ctx := context.Background()

	res, _ := f.ledger.Reserve(ctx, "user-1", "run-s", 3)
	stored := domain.NewGenerationRun("run-s", "user-1", "adventure", "x")
	stored.ReservationID = res.ID
	_ = stored.Start()
	_ = f.runs.CreateRun(ctx, stored)

	stale := *stored
	_ = stored.Cancel()
	if err := f.runs.UpdateRun(ctx, stored); err != nil {
		t.Fatal(err)
	}
	_, _ = f.ledger.Release(ctx, res.ID)

	_ = stale.Succeed(json.RawMessage(`{}`))
	f.svc.settle(&stale)

	got, _ := f.runs.GetRun(ctx, "run-s")
	if got.Status != domain.RunCancelled {
		t.Errorf("Status = %q, want cancelled", got.Status)
	}
	if b := balance(t, f.ledger, "user-1"); b.Committed != 0 {
		t.Errorf("committed = %d, want 0", b.Committed)
	}
}

func TestAttemptRecorder(t *testing.T) {
	runs := repository.NewInMemoryRunRepository()
	tracker := cost.NewInMemoryTracker()
	rec := NewAttemptRecorder(runs, tracker, nil)
	ctx := context.Background()

	run := domain.NewGenerationRun("run-1", "user-1", "adventure", "x")
	_ = runs.CreateRun(ctx, run)
	_ = run.Start()

	model := domain.Model{ID: "gpt", ProviderID: "p1", Name: "gpt-4o", Role: domain.RoleChat, CostPerUnit: 0.01, InputCostPerK: 0.005}
	res := domain.StepResult{RunID: "run-1", StepName: "outline", Attempt: 1, ProviderUsed: "p1", ModelUsed: "gpt", InputTokens: 1000, OutputTokens: 2000, Success: true}
	run.AppendStepResult(res)
	rec.RecordAttempt(ctx, run, res, model, 0)

	local := domain.StepResult{RunID: "run-1", StepIndex: 1, StepName: "assembly", Attempt: 1, ProviderUsed: "local", Success: true}
	run.AppendStepResult(local)
	rec.RecordAttempt(ctx, run, local, domain.Model{}, 0)

	got, _ := runs.GetRun(ctx, "run-1")
	if got.Status != domain.RunRunning {
		t.Errorf("Status = %q, want running", got.Status)
	}
	if len(got.StepResults) != 2 {
		t.Errorf("step results = %d, want 2", len(got.StepResults))
	}

	records := tracker.GetAllRecords()
	if len(records) != 1 {
		t.Fatalf("usage records = %d, want 1", len(records))
	}
	if records[0].UserID != "user-1" || records[0].CostUSD <= 0 {
		t.Errorf("record = %+v", records[0])
	}
}

func TestTierPolicy(t *testing.T) {
	users := repository.NewInMemoryUserRepository()
	_ = users.Create(context.Background(), &domain.User{ID: "pro", Tier: "studio"})
	_ = users.Create(context.Background(), &domain.User{ID: "odd", Tier: "legacy"})

	policy := TierPolicy(users, map[string]int64{"free": 10, "studio": 500}, "free")

	tests := []struct {
		user      string
		wantTier  string
		wantAllow int64
		wantErr   bool
	}{
		{"pro", "studio", 500, false},
		{"odd", "free", 10, false},
		{"default", "free", 10, false},
		{"missing", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.user, func(t *testing.T) {
			tier, err := policy.TierFor(context.Background(), tt.user)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if tier.Name != tt.wantTier || tier.Allowance != tt.wantAllow {
				t.Errorf("tier = %+v", tier)
			}
		})
	}
}
