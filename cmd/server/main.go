// Package main is the entrypoint for the docworker server: the job API and
// the worker pool in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/docworker/internal/api"
	"github.com/kiranshivaraju/docworker/internal/api/handler"
	mw "github.com/kiranshivaraju/docworker/internal/api/middleware"
	"github.com/kiranshivaraju/docworker/internal/blob"
	"github.com/kiranshivaraju/docworker/internal/cache"
	"github.com/kiranshivaraju/docworker/internal/config"
	"github.com/kiranshivaraju/docworker/internal/queue"
	"github.com/kiranshivaraju/docworker/internal/store"
	"github.com/kiranshivaraju/docworker/internal/strategy"
	"github.com/kiranshivaraju/docworker/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const httpShutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "workers", cfg.Worker.PoolSize)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()
	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	registry, err := strategy.NewDefaultRegistry()
	if err != nil {
		return fmt.Errorf("build strategy registry: %w", err)
	}
	registry.Freeze()
	slog.Info("strategies registered", "strategies", registry.List())

	pgStore := store.NewPostgresStore(pool)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	manager := worker.NewManager(worker.Deps{
		Jobs:      pgStore,
		Documents: pgStore,
		Fetcher:   blob.NewRouter(cfg.Blob),
		Registry:  registry,
		Cache:     redisCache,
		Metrics:   worker.NewMetrics(promReg),
		Logger:    slog.Default(),
	}, workerConfig(cfg.Worker, instanceName()))

	if err := manager.Start(ctx, cfg.Worker.PoolSize); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}

	jobs := queue.NewService(pgStore, redisCache, cfg.Jobs, cfg.Redis.StatusCacheTTL)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr: addr,
		Handler: newRouter(services{
			store:          pgStore,
			cache:          redisCache,
			jobs:           jobs,
			strategies:     registry,
			workers:        manager,
			metrics:        promReg,
			requestsPerMin: cfg.Server.RequestsPerMinute,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case err := <-errCh:
		serveErr = fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Stop taking requests first, then let in-flight jobs finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown", "error", err)
	}

	if err := manager.Stop(); err != nil {
		slog.Error("worker shutdown", "error", err)
	}

	if serveErr != nil {
		return serveErr
	}
	slog.Info("server stopped gracefully")
	return nil
}

// workerConfig maps config onto the worker pool. The instance name is
// appended to the prefix so worker ids differ between replicas.
func workerConfig(c config.WorkerConfig, instance string) worker.Config {
	prefix := c.IDPrefix
	if instance != "" {
		prefix += "-" + instance
	}
	return worker.Config{
		IDPrefix:        prefix,
		PollInterval:    c.PollInterval,
		LeaseDuration:   c.LeaseDuration,
		ShutdownTimeout: c.ShutdownTimeout,
	}
}

// instanceName identifies this process as "<hostname>-<pid>".
func instanceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

type keyStore interface {
	handler.Pinger
	mw.KeyStore
}

type counterCache interface {
	handler.Pinger
	mw.Counter
}

// services is everything the HTTP surface is built from.
type services struct {
	store          keyStore
	cache          counterCache
	jobs           handler.JobService
	strategies     handler.StrategyCatalog
	workers        handler.WorkerStatus
	metrics        prometheus.Gatherer
	requestsPerMin int
}

func newRouter(s services) http.Handler {
	return api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(s.store),
		RateLimit: mw.NewRateLimit(s.cache, s.requestsPerMin),

		HealthHandler:  handler.NewHealthHandler(s.store, s.cache, s.workers),
		MetricsHandler: promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}),
		CreateJob:      handler.NewCreateJobHandler(s.jobs, s.strategies),
		ListJobs:       handler.NewListJobsHandler(s.jobs),
		GetJob:         handler.NewGetJobHandler(s.jobs),
		JobStatus:      handler.NewJobStatusHandler(s.jobs),
		CancelJob:      handler.NewCancelJobHandler(s.jobs),
		Reprocess:      handler.NewReprocessHandler(s.jobs, s.strategies),
		ListStrategies: handler.NewListStrategiesHandler(s.strategies),
	})
}
