package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/adventure-engine/internal/budget"
	"github.com/felipepmaragno/adventure-engine/internal/cache"
	"github.com/felipepmaragno/adventure-engine/internal/circuitbreaker"
	"github.com/felipepmaragno/adventure-engine/internal/config"
	"github.com/felipepmaragno/adventure-engine/internal/cost"
	"github.com/felipepmaragno/adventure-engine/internal/crypto"
	"github.com/felipepmaragno/adventure-engine/internal/generation"
	"github.com/felipepmaragno/adventure-engine/internal/ledger"
	"github.com/felipepmaragno/adventure-engine/internal/metrics"
	"github.com/felipepmaragno/adventure-engine/internal/notifications"
	"github.com/felipepmaragno/adventure-engine/internal/orchestrator"
	"github.com/felipepmaragno/adventure-engine/internal/pipeline"
	"github.com/felipepmaragno/adventure-engine/internal/progress"
	"github.com/felipepmaragno/adventure-engine/internal/provider"
	"github.com/felipepmaragno/adventure-engine/internal/queue"
	"github.com/felipepmaragno/adventure-engine/internal/registry"
	"github.com/felipepmaragno/adventure-engine/internal/repository"
	"github.com/felipepmaragno/adventure-engine/internal/secrets"
	"github.com/felipepmaragno/adventure-engine/internal/storage"
)

// app holds the components shared by the serve and worker commands.
type app struct {
	cfg *config.Config

	redis *redis.Client
	db    *sql.DB
	aws   *aws.Config

	users     repository.UserRepository
	runs      repository.RunRepository
	usage     cost.Tracker
	registry  *registry.Registry
	source    registry.Source
	breakers  *circuitbreaker.Manager
	ledger    *ledger.Ledger
	notifier  notifications.Notifier
	hub       *progress.Hub
	progress  progress.Notifier
	publisher *progress.RedisPublisher
	pipelines *pipeline.Catalog
	queue     queue.Queue
	service   *generation.Service
	idemSweep *cache.InMemoryCache
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, hub: progress.NewHub()}

	if err := a.connect(ctx); err != nil {
		a.close()
		return nil, err
	}
	if err := a.build(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) connect(ctx context.Context) error {
	cfg := a.cfg

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		slog.Info("connected to redis")
	}

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		a.db = db

		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		if err := repository.Migrate(ctx, db); err != nil {
			return err
		}
		slog.Info("connected to postgres")
	}

	if cfg.AWSRegion != "" || cfg.QueueURL != "" || cfg.SNSTopicARN != "" || cfg.StorageBucket != "" {
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.AWSRegion != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.AWSRegion))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		a.aws = &awsCfg
		slog.Info("aws integrations enabled", "region", awsCfg.Region)
	}

	return nil
}

func (a *app) build(ctx context.Context) error {
	cfg := a.cfg

	var encryptor *crypto.Encryptor
	if cfg.EncryptionKey != "" {
		enc, err := crypto.NewEncryptor(cfg.EncryptionKey)
		if err != nil {
			return fmt.Errorf("encryption key: %w", err)
		}
		encryptor = enc
	}

	if a.db != nil {
		a.users = repository.NewPostgresUserRepository(a.db)
		a.runs = repository.NewPostgresRunRepository(a.db)
		a.usage = repository.NewPostgresUsageRepository(a.db)
		slog.Info("using postgres repositories")
	} else {
		a.users = repository.NewInMemoryUserRepository()
		a.runs = repository.NewInMemoryRunRepository()
		a.usage = cost.NewInMemoryTracker()
		slog.Info("using in-memory repositories")
	}

	switch cfg.ProviderSource {
	case "postgres":
		if a.db == nil {
			return fmt.Errorf("provider source postgres requires DATABASE_URL")
		}
		a.source = repository.NewPostgresProviderRepository(a.db, encryptor)
	default:
		a.source = registry.NewFileSource(cfg.ProvidersFile)
	}
	a.registry = registry.New(a.source)
	if _, err := a.registry.Refresh(ctx); err != nil {
		return fmt.Errorf("initial provider catalog: %w", err)
	}

	if a.aws != nil && cfg.SNSTopicARN != "" {
		a.notifier = notifications.NewSNSNotifierWithConfig(*a.aws, cfg.SNSTopicARN)
		slog.Info("using SNS notifications", "topic", cfg.SNSTopicARN)
	} else {
		a.notifier = notifications.NewInMemoryNotifier()
	}

	var breakerOpts []circuitbreaker.ManagerOption
	breakerOpts = append(breakerOpts, circuitbreaker.WithObserver(a.onBreakerTransition))
	if cfg.UseDistributedCircuitBreaker && a.redis != nil {
		breakerOpts = append(breakerOpts, circuitbreaker.WithRedis(a.redis))
		slog.Info("using distributed circuit breakers")
	}
	a.breakers = circuitbreaker.NewManager(circuitbreaker.DefaultConfig(), breakerOpts...)

	tiers := generation.TierPolicy(a.users, cfg.TierAllowances, cfg.DefaultTier)
	switch cfg.LedgerBackend {
	case "redis":
		a.ledger = ledger.New(ledger.NewRedisStore(a.redis), tiers)
	case "postgres":
		a.ledger = ledger.New(ledger.NewPostgresStore(a.db), tiers)
	default:
		a.ledger = ledger.New(ledger.NewInMemoryStore(), tiers)
	}
	slog.Info("credit ledger ready", "backend", cfg.LedgerBackend)

	var dedup budget.AlertDeduplicator = budget.NewInMemoryDeduplicator()
	if a.redis != nil {
		dedup = budget.NewRedisDeduplicator(a.redis, 24*time.Hour)
	}
	monitor := budget.NewMonitor(a.ledger, budget.ThresholdsFrom(cfg.BudgetThresholds), dedup)
	monitor.OnAlert(budget.LogAlertHandler)
	monitor.OnAlert(budget.NotifyHandler(a.notifier))

	a.progress = a.hub
	if cfg.UseRedisProgress && a.redis != nil {
		a.publisher = progress.NewRedisPublisher(a.redis, 0)
		a.progress = a.publisher
		slog.Info("using redis progress fan-out")
	}

	var secretStore secrets.SecretStore
	if a.aws != nil {
		secretStore = secrets.NewAWSSecretsManager(*a.aws)
	}
	clientOpts := []provider.Option{provider.WithCredentialTTL(cfg.CredentialTTL)}
	if a.aws != nil {
		clientOpts = append(clientOpts, provider.WithAWSConfig(*a.aws))
	}
	caller := provider.NewClient(
		secrets.NewResolver(secretStore, encryptor),
		&http.Client{Timeout: cfg.StepTimeout + 10*time.Second},
		clientOpts...,
	)

	pipelines, err := loadPipelines(cfg)
	if err != nil {
		return err
	}
	a.pipelines = pipelines

	orchOpts := []orchestrator.Option{
		orchestrator.WithBreakers(a.breakers),
		orchestrator.WithNotifier(a.progress),
		orchestrator.WithRecorder(generation.NewAttemptRecorder(a.runs, a.usage, cost.NewCalculator())),
	}
	switch {
	case a.aws != nil && cfg.StorageBucket != "":
		s3, err := storage.NewS3Storage(*a.aws, cfg.StorageBucket, "images")
		if err != nil {
			return err
		}
		orchOpts = append(orchOpts, orchestrator.WithImageStore(storage.NewImageStore(s3)))
		slog.Info("storing images in s3", "bucket", cfg.StorageBucket)
	case cfg.StorageDir != "":
		local, err := storage.NewLocalStorage(cfg.StorageDir)
		if err != nil {
			return err
		}
		orchOpts = append(orchOpts, orchestrator.WithImageStore(storage.NewImageStore(local)))
		slog.Info("storing images on disk", "dir", cfg.StorageDir)
	}

	orch := orchestrator.New(orchestrator.Config{
		DefaultMaxRetries: cfg.DefaultMaxRetries,
		AttemptTimeout:    cfg.StepTimeout,
		MinOutputTokens:   cfg.MinOutputTokens,
	}, a.registry, caller, a.pipelines, orchOpts...)

	if a.aws != nil && cfg.QueueURL != "" {
		a.queue = queue.NewSQSQueueWithConfig(*a.aws, cfg.QueueURL)
		slog.Info("using SQS generation queue", "url", cfg.QueueURL)
	}

	var idem cache.Cache
	if a.redis != nil {
		idem = cache.NewRedisCache(a.redis)
	} else {
		mem := cache.NewInMemoryCache()
		a.idemSweep = mem
		idem = mem
	}

	a.service = generation.NewService(generation.ServiceConfig{
		Config: generation.Config{
			RunTimeout:     cfg.RunTimeout,
			IdempotencyTTL: cfg.IdempotencyTTL,
		},
		Runner:      orch,
		Pipelines:   a.pipelines,
		Ledger:      a.ledger,
		Runs:        a.runs,
		Queue:       a.queue,
		Budget:      monitor,
		Notifier:    a.progress,
		Alerts:      a.notifier,
		Idempotency: idem,
	})

	return nil
}

// start launches the background loops that live as long as ctx.
func (a *app) start(ctx context.Context) {
	go a.registry.Run(ctx, a.cfg.ProviderRefreshInterval)

	if fs, ok := a.source.(*registry.FileSource); ok {
		if err := fs.Watch(ctx, a.registry); err != nil {
			slog.Warn("provider file watch disabled", "path", fs.Path(), "error", err)
		}
	}

	if a.publisher != nil {
		go a.publisher.Run(ctx)
	}

	if a.idemSweep != nil {
		go a.idemSweep.Cleanup(ctx, time.Minute)
	}
}

func loadPipelines(cfg *config.Config) (*pipeline.Catalog, error) {
	if cfg.PipelinesFile != "" {
		return pipeline.LoadFile(cfg.PipelinesFile)
	}
	return pipeline.Default()
}

func (a *app) onBreakerTransition(providerID string, from, to circuitbreaker.State) {
	gauge := 0
	switch to {
	case circuitbreaker.StateHalfOpen:
		gauge = 1
	case circuitbreaker.StateOpen:
		gauge = 2
	}
	metrics.SetCircuitBreakerState(providerID, gauge)

	slog.Warn("circuit breaker transition",
		"provider_id", providerID,
		"from", from.String(),
		"to", to.String(),
	)

	var n notifications.Notification
	switch {
	case to == circuitbreaker.StateOpen:
		n = notifications.ProviderDown(providerID)
	case to == circuitbreaker.StateClosed && from != circuitbreaker.StateClosed:
		n = notifications.ProviderUp(providerID)
	default:
		return
	}

	// The observer runs on the caller's path; send off it.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.notifier.Send(ctx, n); err != nil {
			slog.Error("failed to send provider notification", "provider_id", providerID, "error", err)
		}
	}()
}

func (a *app) close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}
