package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRun(t *testing.T) {
	RunsTotal.Reset()
	RunDuration.Reset()

	RecordRun("adventure", "succeeded", "", 12.5)
	RecordRun("adventure", "failed", "provider_unavailable", 3)

	if got := testutil.ToFloat64(RunsTotal.WithLabelValues("adventure", "succeeded", "")); got != 1 {
		t.Errorf("succeeded runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(RunsTotal.WithLabelValues("adventure", "failed", "provider_unavailable")); got != 1 {
		t.Errorf("failed runs = %v, want 1", got)
	}
}

func TestRecordAttempt(t *testing.T) {
	StepAttempts.Reset()
	AttemptDuration.Reset()

	RecordAttempt("outline", "openai", "gpt-4o", "success", 1.2)
	RecordAttempt("outline", "openai", "gpt-4o", "truncated", 0.8)
	RecordAttempt("outline", "", "", "provider_unavailable", 0)

	if got := testutil.ToFloat64(StepAttempts.WithLabelValues("outline", "openai", "gpt-4o", "truncated")); got != 1 {
		t.Errorf("truncated attempts = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(AttemptDuration); got != 1 {
		t.Errorf("attempt duration series = %d, want 1", got)
	}
}

func TestRecordTokens(t *testing.T) {
	TokensTotal.Reset()

	RecordTokens("openai", "gpt-4o", 100, 50)

	if got := testutil.ToFloat64(TokensTotal.WithLabelValues("openai", "gpt-4o", "input")); got != 100 {
		t.Errorf("input tokens = %v, want 100", got)
	}
	if got := testutil.ToFloat64(TokensTotal.WithLabelValues("openai", "gpt-4o", "output")); got != 50 {
		t.Errorf("output tokens = %v, want 50", got)
	}
}

func TestRecordCost(t *testing.T) {
	CostTotal.Reset()

	RecordCost("openai", "gpt-4o", 0.05)
	RecordCost("openai", "gpt-4o", 0.03)

	if got := testutil.ToFloat64(CostTotal.WithLabelValues("openai", "gpt-4o")); got != 0.08 {
		t.Errorf("CostTotal = %v, want 0.08", got)
	}
}

func TestRecordCredits(t *testing.T) {
	CreditsTotal.Reset()

	RecordCredits("reserve", 3)
	RecordCredits("commit", 3)
	RecordCredits("reserve", 5)

	if got := testutil.ToFloat64(CreditsTotal.WithLabelValues("reserve")); got != 8 {
		t.Errorf("reserved = %v, want 8", got)
	}
}

func TestRecordProviderError(t *testing.T) {
	ProviderErrors.Reset()

	RecordProviderError("openai", "network_error")
	RecordProviderError("openai", "rate_limited")
	RecordProviderError("openai", "network_error")

	if got := testutil.ToFloat64(ProviderErrors.WithLabelValues("openai", "network_error")); got != 2 {
		t.Errorf("network errors = %v, want 2", got)
	}
}

func TestRecordProgressDropped(t *testing.T) {
	ProgressDropped.Reset()

	RecordProgressDropped("no_subscriber")
	RecordProgressDropped("slow_subscriber")
	RecordProgressDropped("no_subscriber")

	if got := testutil.ToFloat64(ProgressDropped.WithLabelValues("no_subscriber")); got != 2 {
		t.Errorf("dropped = %v, want 2", got)
	}
}

func TestSetCircuitBreakerState(t *testing.T) {
	CircuitBreakerState.Reset()

	SetCircuitBreakerState("openai", 0)
	if got := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("openai")); got != 0 {
		t.Errorf("CircuitBreakerState = %v, want 0", got)
	}

	SetCircuitBreakerState("openai", 2)
	if got := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("openai")); got != 2 {
		t.Errorf("CircuitBreakerState = %v, want 2", got)
	}
}

func TestSetBudgetUsage(t *testing.T) {
	BudgetUsageRatio.Reset()

	SetBudgetUsage("user1", 0.75)

	if got := testutil.ToFloat64(BudgetUsageRatio.WithLabelValues("user1")); got != 0.75 {
		t.Errorf("BudgetUsageRatio = %v, want 0.75", got)
	}
}
