package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr        string
	LogLevel    string
	RedisURL    string
	DatabaseURL string
	AdminAPIKey string

	// Provider registry
	ProviderSource          string // "file" or "postgres"
	ProvidersFile           string
	ProviderRefreshInterval time.Duration
	PipelinesFile           string
	EncryptionKey           string
	CredentialTTL           time.Duration

	// Orchestration
	DefaultMaxRetries int
	MinOutputTokens   int
	StepTimeout       time.Duration
	RunTimeout        time.Duration
	IdempotencyTTL    time.Duration

	// Credits
	LedgerBackend    string // "memory", "redis" or "postgres"
	TierAllowances   map[string]int64
	DefaultTier      string
	BudgetThresholds []float64

	// AWS integrations, all optional
	OTLPEndpoint   string
	AWSRegion      string
	QueueURL       string
	SNSTopicARN    string
	StorageBucket  string
	StorageDir     string
	WorkerPoolSize int

	// Horizontal scaling features
	UseDistributedCircuitBreaker bool
	UseRedisProgress             bool

	// Graceful shutdown
	ShutdownTimeout time.Duration
	DrainTimeout    time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real env vars take precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	tiers, err := parseTiers(getEnv("TIER_ALLOWANCES", "free:10,creator:100,studio:500"))
	if err != nil {
		return nil, err
	}

	thresholds, err := parseThresholds(getEnv("BUDGET_THRESHOLDS", "0.8,0.95"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Addr:                         getEnv("ADDR", ":8080"),
		LogLevel:                     getEnv("LOG_LEVEL", "info"),
		RedisURL:                     getEnv("REDIS_URL", ""),
		DatabaseURL:                  getEnv("DATABASE_URL", ""),
		AdminAPIKey:                  getEnv("ADMIN_API_KEY", ""),
		ProviderSource:               getEnv("PROVIDER_SOURCE", "file"),
		ProvidersFile:                getEnv("PROVIDERS_FILE", "providers.yaml"),
		ProviderRefreshInterval:      getDurationEnv("PROVIDER_REFRESH_INTERVAL", 60*time.Second),
		PipelinesFile:                getEnv("PIPELINES_FILE", ""),
		EncryptionKey:                getEnv("ENCRYPTION_KEY", ""),
		CredentialTTL:                getDurationEnv("CREDENTIAL_TTL", 15*time.Minute),
		DefaultMaxRetries:            getIntEnv("DEFAULT_MAX_RETRIES", 2),
		MinOutputTokens:              getIntEnv("MIN_OUTPUT_TOKENS", 1024),
		StepTimeout:                  getDurationEnv("STEP_TIMEOUT", 180*time.Second),
		RunTimeout:                   getDurationEnv("RUN_TIMEOUT", 15*time.Minute),
		IdempotencyTTL:               getDurationEnv("IDEMPOTENCY_TTL", 24*time.Hour),
		LedgerBackend:                getEnv("LEDGER_BACKEND", "memory"),
		TierAllowances:               tiers,
		DefaultTier:                  getEnv("DEFAULT_TIER", "free"),
		BudgetThresholds:             thresholds,
		OTLPEndpoint:                 getEnv("OTLP_ENDPOINT", ""),
		AWSRegion:                    getEnv("AWS_REGION", ""),
		QueueURL:                     getEnv("QUEUE_URL", ""),
		SNSTopicARN:                  getEnv("SNS_TOPIC_ARN", ""),
		StorageBucket:                getEnv("STORAGE_BUCKET", ""),
		StorageDir:                   getEnv("STORAGE_DIR", ""),
		WorkerPoolSize:               getIntEnv("WORKER_POOL_SIZE", 4),
		UseDistributedCircuitBreaker: getEnv("USE_DISTRIBUTED_CB", "false") == "true",
		UseRedisProgress:             getEnv("USE_REDIS_PROGRESS", "false") == "true",
		ShutdownTimeout:              getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		DrainTimeout:                 getDurationEnv("DRAIN_TIMEOUT", 15*time.Second),
	}

	if _, ok := cfg.TierAllowances[cfg.DefaultTier]; !ok {
		return nil, fmt.Errorf("default tier %q has no allowance", cfg.DefaultTier)
	}

	switch cfg.LedgerBackend {
	case "memory", "redis", "postgres":
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
	}
	if cfg.LedgerBackend == "redis" && cfg.RedisURL == "" {
		return nil, errors.New("ledger backend redis requires REDIS_URL")
	}
	if cfg.LedgerBackend == "postgres" && cfg.DatabaseURL == "" {
		return nil, errors.New("ledger backend postgres requires DATABASE_URL")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// parseTiers reads "name:allowance" pairs separated by commas.
func parseTiers(raw string) (map[string]int64, error) {
	tiers := make(map[string]int64)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("invalid tier %q: expected name:allowance", pair)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid allowance for tier %q", name)
		}
		tiers[strings.TrimSpace(name)] = n
	}
	if len(tiers) == 0 {
		return nil, errors.New("at least one tier is required")
	}
	return tiers, nil
}

func parseThresholds(raw string) ([]float64, error) {
	var out []float64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		f, err := strconv.ParseFloat(part, 64)
		if err != nil || f <= 0 || f > 1 {
			return nil, fmt.Errorf("invalid budget threshold %q", part)
		}
		out = append(out, f)
	}
	return out, nil
}
