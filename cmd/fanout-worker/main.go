// Fan-out worker: consumes ingested events and publishes one dispatch message
// per routed endpoint. Run as many instances as needed; RabbitMQ spreads
// deliveries across them.
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

	"github.com/felipemaragno/hookly/internal/broker"
	"github.com/felipemaragno/hookly/internal/cache"
	"github.com/felipemaragno/hookly/internal/config"
	"github.com/felipemaragno/hookly/internal/fanout"
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
	cfg, err := config.Load(config.ServiceFanout)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(os.Stdout, cfg.LogLevel).With("service", string(config.ServiceFanout))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DB.URL)
	if err != nil {
		return fmt.Errorf("parse database URL: %w", err)
	}
	poolConfig.MaxConns = cfg.DB.MaxConns
	poolConfig.MinConns = cfg.DB.MaxConns / 3

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	logger.Info("connected to database")

	healthHandler := observability.NewHealthHandler().AddCheck("database", pool)

	// The payload cache only warms Redis for the dispatch stage, so fan-out
	// runs without it.
	var redisClient redis.Cmdable
	if opt, err := redis.ParseURL(cfg.RedisURL); err != nil {
		logger.Warn("invalid REDIS_URL, payload cache disabled", "error", err)
	} else {
		client := redis.NewClient(opt)
		defer func() { _ = client.Close() }()

		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis not available, payload cache disabled", "error", err)
		} else {
			logger.Info("connected to Redis")
			redisClient = client
		}
	}
	payloads := cache.NewPayloadCache(redisClient, cfg.PayloadCacheTTL, logger)

	manager := broker.NewManager(cfg.BrokerConfig(), broker.WithLogger(logger))
	if err := manager.Init(ctx); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	defer func() { _ = manager.Shutdown() }()
	healthHandler.AddCheck("broker", manager)

	fanoutProducer := broker.NewFanoutProducer(manager, logger)
	defer func() { _ = fanoutProducer.Close() }()
	dispatchProducer := broker.NewDispatchProducer(manager, logger)
	defer func() { _ = dispatchProducer.Close() }()

	metrics := observability.NewMetrics("hookly", nil)

	handler := fanout.NewHandler(
		postgres.NewEventTypeRepository(pool),
		postgres.NewEventRepository(pool),
		postgres.NewRoutingRepository(pool),
		postgres.NewAttemptRepository(pool),
		payloads,
		dispatchProducer,
		fanoutProducer,
		fanout.WithRetryPolicy(cfg.FanoutPolicy()),
		fanout.WithConcurrency(cfg.Fanout.Concurrency),
		fanout.WithLogger(logger),
		fanout.WithMetrics(metrics),
	)

	consumer := broker.NewConsumer[broker.FanoutMessage](
		manager,
		broker.FanoutQueueDefinition(),
		"fanout-worker",
		broker.WithPrefetch(cfg.Fanout.Prefetch),
		broker.WithConsumerLogger(logger),
	)
	if err := consumer.Start(ctx, handler.Handle); err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}

	opsServer := &http.Server{
		Addr:        cfg.OpsAddr,
		Handler:     observability.NewOpsRouter(healthHandler, nil),
		ReadTimeout: 5 * time.Second,
	}
	go func() {
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server error", "error", err)
		}
	}()

	healthHandler.SetReady(true)
	logger.Info("fan-out worker started",
		"prefetch", cfg.Fanout.Prefetch,
		"concurrency", cfg.Fanout.Concurrency,
		"max_retries", cfg.Fanout.MaxRetries,
		"ops_addr", cfg.OpsAddr,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var exitErr error
	select {
	case <-quit:
	case err := <-manager.Fatal():
		logger.Error("broker connection lost", "error", err)
		exitErr = fmt.Errorf("broker: %w", err)
	}

	logger.Info("shutting down...")
	healthHandler.SetReady(false)

	consumer.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = opsServer.Shutdown(shutdownCtx)

	logger.Info("shutdown complete")
	return exitErr
}
