// Package main provides the clinic API entry point: booking, the doctor
// queue, and the pharmacy counter over HTTP, plus the nightly expiry sweep.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/medisync/go-cpf/internal/api/handlers"
	"github.com/medisync/go-cpf/internal/api/middleware"
	"github.com/medisync/go-cpf/internal/config"
	"github.com/medisync/go-cpf/internal/domain/appointment"
	"github.com/medisync/go-cpf/internal/domain/events"
	"github.com/medisync/go-cpf/internal/domain/pharmacy"
	"github.com/medisync/go-cpf/internal/infrastructure/memory"
	"github.com/medisync/go-cpf/internal/infrastructure/postgres"
	"github.com/medisync/go-cpf/internal/observability/logging"
	"github.com/medisync/go-cpf/internal/observability/metrics"
	"github.com/medisync/go-cpf/internal/observability/tracing"
	"github.com/medisync/go-cpf/internal/platform/clock"
	"github.com/medisync/go-cpf/internal/service/dispensing"
	"github.com/medisync/go-cpf/internal/service/queue"
	"github.com/medisync/go-cpf/pkg/ratelimit"
)

const serviceName = "clinic-api"

// store is everything the services need from a backend.
type store interface {
	appointment.Repository
	pharmacy.Repository
	events.Recorder
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
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	if len(cfg.APIKeys) == 0 {
		if cfg.IsProduction() {
			return errors.New("API_KEYS is required in production")
		}
		logger.Warn("API key authentication disabled")
	}

	m := metrics.New(nil)
	clk := clock.System{}

	var (
		backend store
		ready   = func(context.Context) error { return nil }
	)
	switch cfg.StoreDriver {
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("database ping: %w", err)
		}
		pg := postgres.NewStore(pool, logger)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info("connected to database")
		backend, ready = pg, pool.Ping
	default:
		logger.Warn("using in-memory store; data is lost on restart")
		backend = memory.New(clk)
	}

	limiter, err := newLimiter(ctx, cfg.RateLimit, logger)
	if err != nil {
		return err
	}

	qcfg := queue.DefaultConfig()
	qcfg.MinutesPerPatient = cfg.Queue.MinutesPerPatient
	qcfg.MaxBookingAttempts = uint(cfg.Queue.BookingMaxAttempts)
	qcfg.Location = cfg.Location
	svc := queue.NewService(backend, backend, backend, clk, qcfg, m, logger)

	sweeper := queue.NewSweeper(backend, backend, clk, queue.SweeperConfig{
		Location:   cfg.Location,
		Offset:     cfg.Queue.SweepOffset,
		RunOnStart: cfg.Queue.SweepOnStart,
	}, m, logger)

	engine := dispensing.NewEngine(backend, backend, clk, dispensing.Config{
		MaxAttempts:    uint(cfg.Pharmacy.DispenseMaxAttempts),
		RetryBaseDelay: dispensing.DefaultConfig().RetryBaseDelay,
	}, m, logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := ready(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		if limiter != nil {
			r.Use(middleware.RateLimit(limiter, m, logger))
		}
		handlers.NewQueueHandler(svc, sweeper, logger).Register(r)
		handlers.NewPharmacyHandler(engine, logger).Register(r)
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting clinic API",
			zap.String("port", cfg.Port),
			zap.String("store", cfg.StoreDriver),
			zap.String("timezone", cfg.Location.String()))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := sweeper.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if ml, ok := limiter.(*ratelimit.MemoryLimiter); ok {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.RateLimit.Window)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					ml.Sweep()
				}
			}
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("clinic API exited", zap.Error(err))
		return err
	}
	logger.Info("server stopped")
	return nil
}

// newLimiter returns nil when rate limiting is disabled.
func newLimiter(ctx context.Context, cfg config.RateLimitConfig, logger *zap.Logger) (ratelimit.Limiter, error) {
	if cfg.Requests == 0 {
		return nil, nil
	}
	lcfg := ratelimit.Config{Requests: cfg.Requests, Window: cfg.Window}
	if cfg.RedisAddr == "" {
		return ratelimit.NewMemoryLimiter(lcfg), nil
	}

	client, err := ratelimit.Connect(ctx, cfg.RedisAddr, logger)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	logger.Info("rate limiter using redis", zap.String("addr", cfg.RedisAddr))
	return ratelimit.NewRedisLimiter(client, lcfg), nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":"%s","version":"1.0.0"}`, serviceName)
}
