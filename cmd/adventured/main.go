package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/felipepmaragno/adventure-engine/internal/api"
	"github.com/felipepmaragno/adventure-engine/internal/auth"
	"github.com/felipepmaragno/adventure-engine/internal/config"
	"github.com/felipepmaragno/adventure-engine/internal/metrics"
	"github.com/felipepmaragno/adventure-engine/internal/progress"
	"github.com/felipepmaragno/adventure-engine/internal/ratelimit"
	"github.com/felipepmaragno/adventure-engine/internal/registry"
	"github.com/felipepmaragno/adventure-engine/internal/repository"
	"github.com/felipepmaragno/adventure-engine/internal/telemetry"
	"github.com/felipepmaragno/adventure-engine/internal/worker"
)

const (
	serviceName = "adventure-engine"
	version     = "0.3.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "adventured",
		Short:        "Adventure generation orchestrator",
		Long:         "Runs multi-step generation pipelines across AI providers and meters them against per-user credits.",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		workerCmd(),
		checkConfigCmd(),
		migrateCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	setupLogger(cfg.LogLevel)
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and execute generations in-process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	slog.Info("starting adventure engine", "addr", cfg.Addr, "version", version)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, serviceName, version, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	hostname, _ := os.Hostname()
	metrics.InitInstanceMetrics(hostname, "api", version)

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	a.start(bgCtx)

	if a.publisher != nil {
		go func() {
			if err := progress.Bridge(bgCtx, a.redis, a.hub); err != nil {
				slog.Error("progress bridge stopped", "error", err)
			}
		}()
	}

	var limiter ratelimit.RateLimiter
	if a.redis != nil {
		limiter = ratelimit.NewRedisRateLimiter(a.redis)
		slog.Info("using redis rate limiter")
	} else {
		mem := ratelimit.NewInMemoryRateLimiter()
		go sweepRateLimiter(bgCtx, mem)
		limiter = mem
		slog.Info("using in-memory rate limiter")
	}

	var checkers []api.HealthChecker
	if a.redis != nil {
		checkers = append(checkers, api.NewRedisHealthChecker(a.redis))
	}
	if a.db != nil {
		checkers = append(checkers, api.NewPostgresHealthChecker(a.db))
	}

	if cfg.AdminAPIKey == "" {
		slog.Warn("ADMIN_API_KEY not set, admin endpoints disabled")
	}
	mw := auth.NewMiddleware(auth.NewAuthenticator(a.users, cfg.AdminAPIKey))

	mux := http.NewServeMux()
	mux.Handle("/admin/", api.NewAdminHandler(api.AdminConfig{
		Auth:        mw,
		Usage:       a.usage,
		Registry:    a.registry,
		Breakers:    a.breakers,
		Users:       a.users,
		DefaultTier: cfg.DefaultTier,
	}))
	mux.Handle("/", api.NewHandler(api.HandlerConfig{
		Generations: a.service,
		Credits:     a.ledger,
		Pipelines:   a.pipelines,
		Progress:    a.hub,
		Auth:        mw,
		RateLimiter: limiter,
		Breakers:    a.breakers,
		Snapshots:   a.registry,
		Checkers:    checkers,
	}))

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // progress streams stay open
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer drainCancel()
	if err := a.service.Shutdown(drainCtx); err != nil {
		slog.Warn("runs still active after drain timeout", "active", a.service.Active(), "error", err)
	}

	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("failed to flush traces", "error", err)
	}

	slog.Info("server stopped")
	return nil
}

func sweepRateLimiter(ctx context.Context, l *ratelimit.InMemoryRateLimiter) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				slog.Debug("swept idle rate limit windows", "count", n)
			}
		}
	}
}

func workerCmd() *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume queued generations from SQS",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if concurrency > 0 {
				cfg.WorkerPoolSize = concurrency
			}
			return runWorker(cmd.Context(), cfg)
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Concurrent runs (default: WORKER_POOL_SIZE)")
	return cmd
}

func runWorker(parent context.Context, cfg *config.Config) error {
	if cfg.QueueURL == "" {
		return errors.New("worker requires QUEUE_URL")
	}
	if cfg.DatabaseURL == "" {
		slog.Warn("worker running without DATABASE_URL; runs created by the API are not visible here")
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, serviceName, version, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	hostname, _ := os.Hostname()
	metrics.InitInstanceMetrics(hostname, "worker", version)

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	jobCtx, jobCancel := context.WithCancel(context.Background())
	defer jobCancel()
	a.start(jobCtx)

	wcfg := worker.DefaultConfig()
	wcfg.Concurrency = cfg.WorkerPoolSize
	w := worker.New(wcfg, a.queue, a.service)

	slog.Info("worker started", "concurrency", wcfg.Concurrency, "queue", cfg.QueueURL)

	done := make(chan struct{})
	go func() {
		w.Run(ctx, jobCtx)
		close(done)
	}()

	<-ctx.Done()
	slog.Info("worker draining", "timeout", cfg.DrainTimeout)

	select {
	case <-done:
	case <-time.After(cfg.DrainTimeout):
		slog.Warn("drain timeout exceeded, cancelling in-flight runs")
		jobCancel()
		<-done
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("failed to flush traces", "error", err)
	}

	slog.Info("worker stopped")
	return nil
}

func checkConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate configuration, provider catalog and pipelines without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			var source registry.Source = registry.NewFileSource(cfg.ProvidersFile)
			if cfg.ProviderSource == "postgres" {
				if cfg.DatabaseURL == "" {
					return errors.New("provider source postgres requires DATABASE_URL")
				}
				db, err := sql.Open("postgres", cfg.DatabaseURL)
				if err != nil {
					return fmt.Errorf("open database: %w", err)
				}
				defer db.Close()
				source = repository.NewPostgresProviderRepository(db, nil)
			}

			reg := registry.New(source)
			snap, err := reg.Refresh(ctx)
			if err != nil {
				return err
			}

			cat, err := loadPipelines(cfg)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "providers: %d, models: %d\n", len(snap.Providers()), len(snap.Models()))
			for _, p := range cat.List() {
				fmt.Fprintf(cmd.OutOrStdout(), "pipeline %s: %d steps, %d credits\n", p.ID, len(p.Steps), p.CreditCost)
			}
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("migrate requires DATABASE_URL")
			}

			db, err := sql.Open("postgres", cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			if err := repository.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			slog.Info("schema applied")
			return nil
		},
	}
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
