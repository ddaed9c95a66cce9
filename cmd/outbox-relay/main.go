// Package main provides the outbox relay service entry point.
// It publishes committed domain events from the outbox table to Redpanda.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/medisync/go-cpf/internal/config"
	"github.com/medisync/go-cpf/internal/infrastructure/postgres"
	"github.com/medisync/go-cpf/internal/infrastructure/redpanda"
	"github.com/medisync/go-cpf/internal/observability/logging"
	"github.com/medisync/go-cpf/internal/observability/metrics"
	"github.com/medisync/go-cpf/internal/observability/tracing"
)

const serviceName = "outbox-relay"

// maintenanceInterval paces dead-lettering, stats and cleanup.
const maintenanceInterval = time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(serviceName)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    serviceName,
		ServiceVersion: "1.0.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SampleRate:     cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer tp.Shutdown(context.Background())

	// Connect to database
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := postgres.NewStore(pool, logger).Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("connected to database")

	admin, err := redpanda.NewAdmin(cfg.Kafka.Brokers, logger)
	if err != nil {
		return fmt.Errorf("create admin: %w", err)
	}
	defer admin.Close()
	if err := admin.EnsureTopics(ctx, redpanda.ClinicTopics(1)); err != nil {
		return fmt.Errorf("ensure topics: %w", err)
	}

	producer, err := redpanda.NewProducer(redpanda.DefaultProducerConfig(cfg.Kafka.Brokers), logger)
	if err != nil {
		return fmt.Errorf("create producer: %w", err)
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.Kafka.Brokers))

	m := metrics.New(nil)
	outbox := postgres.NewOutbox(pool, producer, postgres.DefaultOutboxConfig(), m, logger)
	outbox.Start()
	logger.Info("outbox relay started")

	metricsServer := &http.Server{Addr: ":" + cfg.Port, Handler: metrics.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			outbox.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
			stats := producer.Stats()
			logger.Info("outbox relay stopped",
				zap.Int64("messages_sent", stats.MessagesSent),
				zap.Int64("errors", stats.ErrorCount))
			return nil
		case <-ticker.C:
			maintain(ctx, outbox, logger)
		}
	}
}

func maintain(ctx context.Context, outbox *postgres.Outbox, logger *zap.Logger) {
	if _, err := outbox.MoveToDeadLetter(ctx); err != nil {
		logger.Error("dead-letter pass failed", zap.Error(err))
	}

	if _, err := outbox.CleanupProcessed(ctx, 7*24*time.Hour); err != nil {
		logger.Error("outbox cleanup failed", zap.Error(err))
	}

	stats, err := outbox.GetStats(ctx)
	if err != nil {
		logger.Error("outbox stats failed", zap.Error(err))
		return
	}
	logger.Debug("outbox stats",
		zap.Int64("pending", stats.Pending),
		zap.Int64("failed", stats.Failed))
}
