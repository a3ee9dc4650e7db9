// API service that ingests events and hands them to the fan-out stage.
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/felipemaragno/hookly/internal/api"
	"github.com/felipemaragno/hookly/internal/broker"
	"github.com/felipemaragno/hookly/internal/cache"
	"github.com/felipemaragno/hookly/internal/config"
	"github.com/felipemaragno/hookly/internal/observability"
	"github.com/felipemaragno/hookly/internal/repository/postgres"
)

func main() {
	if err := run(); err != nil {
		slog.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(config.ServiceAPI)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(os.Stdout, cfg.LogLevel).With("service", string(config.ServiceAPI))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DB.URL)
	if err != nil {
		return fmt.Errorf("parse database URL: %w", err)
	}
	poolConfig.MaxConns = cfg.DB.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	logger.Info("connected to database")

	if cfg.DB.Migrate {
		if err := postgres.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
	}

	healthHandler := observability.NewHealthHandler().AddCheck("database", pool)

	// Idempotency-Key support needs Redis; without it the header is ignored.
	var idempotency api.IdempotencyStore
	if opt, err := redis.ParseURL(cfg.RedisURL); err != nil {
		logger.Warn("invalid REDIS_URL, idempotency keys disabled", "error", err)
	} else {
		redisClient := redis.NewClient(opt)
		defer func() { _ = redisClient.Close() }()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis not available, idempotency keys disabled", "error", err)
		} else {
			logger.Info("connected to Redis")
			idempotency = cache.NewIdempotencyStore(redisClient, cache.DefaultIdempotencyTTL)
			healthHandler.AddCheck("redis", observability.HealthCheckFunc(func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			}))
		}
	}

	manager := broker.NewManager(cfg.BrokerConfig(), broker.WithLogger(logger))
	if err := manager.Init(ctx); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	defer func() { _ = manager.Shutdown() }()
	healthHandler.AddCheck("broker", manager)

	producer := broker.NewFanoutProducer(manager, logger)
	defer func() { _ = producer.Close() }()

	metrics := observability.NewMetrics("hookly", nil)

	handler := api.NewHandler(
		postgres.NewEventTypeRepository(pool),
		postgres.NewEventRepository(pool),
		postgres.NewAttemptRepository(pool),
		producer,
		logger,
	).WithMetrics(metrics)
	if idempotency != nil {
		handler = handler.WithIdempotency(idempotency)
	}

	router := api.NewRouter(api.RouterConfig{
		Handler:       handler,
		HealthHandler: healthHandler,
		Metrics:       metrics,
		Logger:        logger,
	})

	server := &http.Server{
		Addr:         cfg.APIAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "addr", cfg.APIAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	healthHandler.SetReady(true)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var exitErr error
	select {
	case <-quit:
	case err := <-manager.Fatal():
		logger.Error("broker connection lost", "error", err)
		exitErr = fmt.Errorf("broker: %w", err)
	case err := <-serverErr:
		logger.Error("HTTP server error", "error", err)
		exitErr = fmt.Errorf("http server: %w", err)
	}

	logger.Info("shutting down...")
	healthHandler.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
	return exitErr
}
