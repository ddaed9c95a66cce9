// Package main provides the pharmacy notifier entry point.
// Consumes prescription and inventory events and pushes notices to the
// pharmacy display webhook.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/medisync/go-cpf/internal/config"
	"github.com/medisync/go-cpf/internal/domain/events"
	"github.com/medisync/go-cpf/internal/infrastructure/postgres"
	"github.com/medisync/go-cpf/internal/infrastructure/redpanda"
	"github.com/medisync/go-cpf/internal/notify"
	"github.com/medisync/go-cpf/internal/observability/logging"
	"github.com/medisync/go-cpf/internal/observability/metrics"
	"github.com/medisync/go-cpf/internal/observability/tracing"
	"github.com/medisync/go-cpf/pkg/idempotency"
	"github.com/medisync/go-cpf/pkg/workerpool"
)

const serviceName = "pharmacy-notifier"

const lagInterval = time.Minute

// delivery is one consumed event handed to the worker pool.
type delivery struct {
	event *events.Event
	raw   []byte
}

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
	if cfg.Notify.WebhookURL == "" {
		return errors.New("NOTIFY_WEBHOOK_URL is required")
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

	if err := redpanda.HealthCheck(ctx, cfg.Kafka.Brokers); err != nil {
		return fmt.Errorf("redpanda: %w", err)
	}
	admin, err := redpanda.NewAdmin(cfg.Kafka.Brokers, logger)
	if err != nil {
		return fmt.Errorf("create admin: %w", err)
	}
	defer admin.Close()

	m := metrics.New(nil)

	inbox := idempotency.New(idempotency.NewPostgresStore(pool), idempotency.DefaultConfig(), logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	dispatcher, err := notify.NewDispatcher(notify.Config{
		WebhookURL: cfg.Notify.WebhookURL,
		Timeout:    cfg.Notify.Timeout,
	}, m, logger)
	if err != nil {
		return err
	}
	processor := notify.NewProcessor(inbox, dispatcher, logger)

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.Notify.Workers
	workers, err := workerpool.New(poolCfg, func(ctx context.Context, task *workerpool.Task) error {
		d := task.Payload.(*delivery)
		return processor.Process(ctx, d.event, d.raw)
	}, logger)
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}
	workers.Start()
	defer workers.Stop()

	consumerCfg := redpanda.DefaultConsumerConfig(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup,
		events.TopicPrescriptions, events.TopicInventory)
	consumer, err := redpanda.NewConsumer(consumerCfg, func(ctx context.Context, msg *redpanda.Message) error {
		e, err := notify.Decode(msg.Value)
		if err != nil {
			logger.Error("undecodable event skipped",
				zap.String("topic", msg.Topic),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			return nil
		}

		err = workers.SubmitWait(ctx, &workerpool.Task{
			ID:      e.ID,
			Payload: &delivery{event: e, raw: msg.Value},
		})
		if idempotency.IsTerminal(err) || errors.Is(err, idempotency.ErrPreviouslyFailed) {
			logger.Warn("event dropped after permanent failure",
				zap.String("event_id", e.ID),
				zap.String("event_type", string(e.EventType)),
				zap.Error(err))
			return nil
		}
		return err
	}, logger)
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	consumer.Start()
	logger.Info("pharmacy notifier started",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("group", cfg.Kafka.ConsumerGroup))

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		code := http.StatusOK
		if !workers.IsHealthy() {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{
			"pool":     workers.Stats(),
			"consumer": consumer.Stats(),
			"breakers": dispatcher.Breakers(),
		})
	})
	metricsServer := &http.Server{Addr: ":" + cfg.Port, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	ticker := time.NewTicker(lagInterval)
	defer ticker.Stop()
	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case <-ticker.C:
			lag, err := admin.GroupLag(ctx, cfg.Kafka.ConsumerGroup)
			if err != nil {
				logger.Warn("lag check failed", zap.Error(err))
				continue
			}
			logger.Info("consumer lag", zap.Any("lag", lag))
		}
	}

	logger.Info("shutting down")
	consumer.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	stats := workers.Stats()
	logger.Info("pharmacy notifier stopped",
		zap.Int64("completed", stats.TasksCompleted),
		zap.Int64("failed", stats.TasksFailed),
		zap.Any("breakers", dispatcher.Breakers()))
	return nil
}
