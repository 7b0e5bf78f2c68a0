package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/docuflow/docuflow/internal/api"
	"github.com/docuflow/docuflow/internal/cache"
	"github.com/docuflow/docuflow/internal/executor"
	"github.com/docuflow/docuflow/internal/fallback"
	"github.com/docuflow/docuflow/internal/health"
	"github.com/docuflow/docuflow/internal/provider"
	"github.com/docuflow/docuflow/internal/storage"
	"github.com/docuflow/docuflow/pkg/config"
	"github.com/docuflow/docuflow/pkg/errors"
	healthcheck "github.com/docuflow/docuflow/pkg/health"
	"github.com/docuflow/docuflow/pkg/logging"
	"github.com/docuflow/docuflow/pkg/metrics"
	"github.com/docuflow/docuflow/pkg/resilience"
	"github.com/docuflow/docuflow/pkg/tracing"
)

func main() {
	// .env is optional; real deployments use the environment directly
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "docuflow",
		Version:     "1.0.0",
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	logger.Info("Starting docuflow resilience service",
		"fallback_strategy", cfg.Fallback.Strategy,
		"redis_enabled", cfg.Redis.Enabled,
		"cache_mirror", cfg.Cache.MirrorEnabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var tracer *tracing.TracingService
	if cfg.Tracing.Enabled {
		tracer, err = tracing.NewTracingService(&tracing.Config{
			ServiceName:    "docuflow",
			ServiceVersion: "1.0.0",
			JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
			SamplingRate:   cfg.Tracing.SamplingRate,
			Enabled:        true,
		})
		if err != nil {
			logger.Error("Failed to initialize tracing, continuing without it", "error", err.Error())
			tracer = nil
		}
	}

	m := metrics.NewMetrics(nil)

	var redisClient *storage.RedisClient
	if cfg.Redis.Enabled {
		redisClient, err = storage.NewRedisClient(&cfg.Redis)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
	}

	var mirror cache.Mirror
	if cfg.Cache.MirrorEnabled && redisClient != nil {
		mirror = cache.NewRedisMirror(redisClient, logger)
	}

	cacheDefaults := cache.DefaultCategoryConfig()
	cacheDefaults.CacheTTL = cfg.Cache.DefaultTTL
	cacheDefaults.MaxCacheEntries = cfg.Cache.DefaultMaxEntries

	resultCache, err := cache.NewResultCache(cache.Options{
		Defaults:        cacheDefaults,
		CleanupInterval: cfg.Cache.CleanupInterval,
		Mirror:          mirror,
		Logger:          logger,
		Metrics:         m,
	})
	if err != nil {
		log.Fatalf("Failed to initialize result cache: %v", err)
	}

	providers := provider.NewRegistry()

	monitor := health.NewMonitor(providers, &health.Config{
		FailureThreshold:    cfg.Health.FailureThreshold,
		HealthCheckInterval: cfg.Health.HealthCheckInterval,
		ProbeTimeout:        cfg.Health.ProbeTimeout,
	}, logger, m)

	breakers := resilience.NewBreakerRegistry(resilience.BreakerDefaults{
		Config: resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.Resilience.FailureThreshold,
			RecoveryTimeout:  cfg.Resilience.RecoveryTimeout,
			SuccessThreshold: cfg.Resilience.SuccessThreshold,
			HalfOpenMaxCalls: cfg.Resilience.HalfOpenMaxCalls,
			FailurePredicate: errors.CountsTowardBreaker,
		},
		OnStateChange: func(name string, from, to resilience.CircuitState) {
			m.RecordBreakerTransition(name, from.String(), to.String())
		},
	})

	fallbackConfig := &fallback.Config{
		Strategy:            fallback.Strategy(cfg.Fallback.Strategy),
		TimeoutPerProvider:  cfg.Fallback.TimeoutPerProvider,
		MaxParallelAttempts: cfg.Fallback.MaxParallelAttempts,
	}
	if cfg.Fallback.RetryPerProvider {
		retryConfig := resilience.DefaultRetryConfig()
		retryConfig.MaxAttempts = cfg.Resilience.MaxAttempts
		retryConfig.BaseDelay = cfg.Resilience.BaseDelay
		retryConfig.MaxDelay = cfg.Resilience.MaxDelay
		retryConfig.JitterMax = cfg.Resilience.JitterMax
		fallbackConfig.RetryConfig = &retryConfig
	}

	fallbackExec := fallback.NewExecutor(providers, monitor, breakers, fallbackConfig, logger, m)
	service := executor.NewService(resultCache, fallbackExec, tracer, logger, m)

	healthService := healthcheck.NewService(logger, nil)
	if redisClient != nil {
		healthService.RegisterChecker("redis", healthcheck.NewRedisChecker(redisClient, "redis"))
	}
	healthService.RegisterChecker("provider_pool", healthcheck.NewCustomChecker("provider_pool", func(ctx context.Context) error {
		if len(providers.List()) == 0 {
			return fmt.Errorf("no providers registered")
		}
		return nil
	}))

	go monitor.Start(ctx)
	go resultCache.Start(ctx)

	handlers := api.NewHandlers(service, providers, monitor, breakers, resultCache)
	router := api.NewRouter(cfg, handlers, healthService, m)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Admin API listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err.Error())
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}
	logger.Info("Shutting down docuflow")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err.Error())
	}
	if tracer != nil {
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Tracing shutdown failed", "error", err.Error())
		}
	}

	logger.Info("Docuflow exited")
}
