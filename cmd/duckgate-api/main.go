package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/duckgate/duckgate/internal/api"
	"github.com/duckgate/duckgate/internal/auth"
	"github.com/duckgate/duckgate/internal/catalogsync"
	"github.com/duckgate/duckgate/internal/config"
	"github.com/duckgate/duckgate/internal/observability"
	"github.com/duckgate/duckgate/internal/query/executor"
	"github.com/duckgate/duckgate/internal/query/pool"
	"github.com/duckgate/duckgate/internal/sandbox"
	"github.com/duckgate/duckgate/internal/sqlsafe"
	s3store "github.com/duckgate/duckgate/internal/storage/s3"
	tenantpostgres "github.com/duckgate/duckgate/internal/tenant/postgres"
)

func main() {
	cfg, err := config.LoadFromEnv("duckgate-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	tenantDB, err := tenantpostgres.Open(context.Background(), tenantpostgres.DBConfig{
		DSN:             cfg.TenantStore.DSN,
		MaxOpenConns:    cfg.TenantStore.MaxOpenConns,
		MaxIdleConns:    cfg.TenantStore.MaxIdleConns,
		ConnMaxIdleTime: cfg.TenantStore.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.TenantStore.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to open tenant store", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = tenantDB.Close() }()
	tenantStore := tenantpostgres.NewStore(tenantDB)

	var materializer *catalogsync.Materializer
	if cfg.ObjectStore.Enabled {
		objectStore, err := s3store.New(context.Background(), s3store.Config{
			Endpoint:         cfg.ObjectStore.Endpoint,
			Region:           cfg.ObjectStore.Region,
			Bucket:           cfg.ObjectStore.Bucket,
			AccessKeyID:      cfg.ObjectStore.AccessKeyID,
			SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
			UseSSL:           cfg.ObjectStore.UseSSL,
			Prefix:           cfg.ObjectStore.Prefix,
			AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
		})
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
		materializer = catalogsync.NewMaterializer(objectStore, cfg.Service.DataDir, logger)
	} else {
		materializer = catalogsync.NewMaterializer(nil, cfg.Service.DataDir, logger)
	}

	registry := pool.NewRegistry(tenantStore, materializer, pool.Defaults{
		MaxConnections: cfg.Pool.MaxConnections,
		MinConnections: cfg.Pool.MinConnections,
		AcquireWait:    cfg.Pool.AcquireWait,
	}, nil, logger)
	defer registry.CloseAll()

	validator := sqlsafe.NewValidator(cfg.Query.MaxQueryLength)
	limits := executor.Limits{
		DefaultTimeout: cfg.Query.DefaultTimeout,
		MaxTimeout:     cfg.Query.MaxTimeout,
		MaxRowLimit:    cfg.Query.MaxRowLimit,
	}
	pooledExecutor := executor.New(registry, validator, limits, logger)
	sandboxRunner := sandbox.NewQueryRunner(sandbox.RunnerConfig{
		Runtime:        cfg.Sandbox.Runtime,
		Image:          cfg.Sandbox.Image,
		Network:        cfg.Sandbox.NetworkMode,
		MemoryLimitMB:  cfg.Sandbox.MemoryLimitMB,
		CPULimit:       cfg.Sandbox.CPULimit,
		StartupTimeout: cfg.Sandbox.StartupTimeout,
		StopTimeout:    cfg.Sandbox.StopTimeout,
		HealthInterval: cfg.Sandbox.HealthInterval,
		ExecOverhead:   cfg.Sandbox.ExecOverhead,
	}, logger)
	sandboxedExecutor := executor.NewSandboxed(registry, validator, sandboxRunner, limits, logger)
	dispatcher := executor.NewDispatcher(pooledExecutor, sandboxedExecutor)

	deps := api.Dependencies{
		Logger:     logger,
		Dispatcher: dispatcher,
		Explainer:  pooledExecutor,
		Registry:   registry,
		Readiness: api.CombineReadinessChecks(
			tenantStore.HealthCheck,
			api.CheckObjectStoreConfig(cfg),
		),
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		keyValidator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, keyValidator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
