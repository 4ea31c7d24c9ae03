package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adventure_runs_total",
			Help: "Total number of generation runs by terminal status",
		},
		[]string{"pipeline", "status", "error_kind"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adventure_run_duration_seconds",
			Help:    "Generation run duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		},
		[]string{"pipeline", "status"},
	)

	ActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "adventure_active_runs",
			Help: "Number of generation runs currently executing",
		},
	)

	StepAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adventure_step_attempts_total",
			Help: "Total number of step attempts by provider and outcome",
		},
		[]string{"step", "provider", "model", "outcome"},
	)

	AttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adventure_attempt_duration_seconds",
			Help:    "Provider attempt latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adventure_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"provider", "model", "type"},
	)

	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adventure_provider_cost_usd_total",
			Help: "Estimated upstream spend in USD",
		},
		[]string{"provider", "model"},
	)

	CreditsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adventure_credits_total",
			Help: "Credits moved through the ledger by operation",
		},
		[]string{"operation"},
	)

	InsufficientCredits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "adventure_insufficient_credits_total",
			Help: "Reservations denied for lack of credits",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "adventure_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"provider"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adventure_provider_errors_total",
			Help: "Total number of provider errors",
		},
		[]string{"provider", "error_kind"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adventure_rate_limit_hits_total",
			Help: "Total number of rate limit hits",
		},
		[]string{"user_id"},
	)

	ProgressDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adventure_progress_events_dropped_total",
			Help: "Progress events dropped because no subscriber was ready",
		},
		[]string{"reason"},
	)

	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "adventure_progress_subscriptions",
			Help: "Number of live progress subscriptions",
		},
	)

	RegistryReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adventure_registry_reloads_total",
			Help: "Provider registry reloads by result",
		},
		[]string{"result"},
	)

	BudgetUsageRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "adventure_credit_usage_ratio",
			Help: "Committed credits over allowance for the current period (0-1)",
		},
		[]string{"user_id"},
	)

	InstanceInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "adventure_instance_info",
			Help: "Instance information (always 1)",
		},
		[]string{"pod", "role", "version"},
	)
)

func RecordRun(pipeline, status, errorKind string, durationSec float64) {
	RunsTotal.WithLabelValues(pipeline, status, errorKind).Inc()
	RunDuration.WithLabelValues(pipeline, status).Observe(durationSec)
}

func RecordAttempt(step, provider, model, outcome string, durationSec float64) {
	StepAttempts.WithLabelValues(step, provider, model, outcome).Inc()
	if provider != "" {
		AttemptDuration.WithLabelValues(provider, model).Observe(durationSec)
	}
}

func RecordTokens(provider, model string, inputTokens, outputTokens int) {
	TokensTotal.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	TokensTotal.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
}

func RecordCost(provider, model string, costUSD float64) {
	CostTotal.WithLabelValues(provider, model).Add(costUSD)
}

func RecordCredits(operation string, amount int64) {
	CreditsTotal.WithLabelValues(operation).Add(float64(amount))
}

func RecordInsufficientCredits() {
	InsufficientCredits.Inc()
}

func RecordProviderError(provider, errorKind string) {
	ProviderErrors.WithLabelValues(provider, errorKind).Inc()
}

func RecordRateLimitHit(userID string) {
	RateLimitHits.WithLabelValues(userID).Inc()
}

func RecordProgressDropped(reason string) {
	ProgressDropped.WithLabelValues(reason).Inc()
}

func RecordRegistryReload(result string) {
	RegistryReloads.WithLabelValues(result).Inc()
}

func SetCircuitBreakerState(provider string, state int) {
	CircuitBreakerState.WithLabelValues(provider).Set(float64(state))
}

func SetBudgetUsage(userID string, ratio float64) {
	BudgetUsageRatio.WithLabelValues(userID).Set(ratio)
}

// InitInstanceMetrics should be called once at startup.
func InitInstanceMetrics(podName, role, version string) {
	InstanceInfo.WithLabelValues(podName, role, version).Set(1)
}
