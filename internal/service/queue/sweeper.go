package queue

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medisync/go-cpf/internal/domain/appointment"
	"github.com/medisync/go-cpf/internal/domain/events"
	"github.com/medisync/go-cpf/internal/observability/metrics"
	"github.com/medisync/go-cpf/internal/platform/clock"
)

// SweeperConfig holds configuration for the expiry sweeper
type SweeperConfig struct {
	// Location is the clinic time zone that defines midnight
	Location *time.Location
	// Offset delays each nightly run past midnight
	Offset time.Duration
	// RunOnStart sweeps once immediately to catch days missed while offline
	RunOnStart bool
}

// DefaultSweeperConfig returns sensible defaults
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Location:   time.UTC,
		Offset:     5 * time.Second,
		RunOnStart: true,
	}
}

// SweepResult reports what one sweep changed.
type SweepResult struct {
	AsOf         time.Time `json:"as_of"`
	Expired      int64     `json:"expired_count"`
	Promoted     int64     `json:"promoted_count"`
	DoctorsReset int64     `json:"doctors_reset"`
}

// Sweeper expires stale appointments once a day.
type Sweeper struct {
	repo     appointment.Repository
	recorder events.Recorder
	clock    clock.Clock
	config   SweeperConfig
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a new expiry sweeper
func NewSweeper(repo appointment.Repository, recorder events.Recorder, clk clock.Clock, cfg SweeperConfig, m *metrics.Metrics, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	if clk == nil {
		clk = clock.System{}
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Sweeper{
		repo:     repo,
		recorder: recorder,
		clock:    clk,
		config:   cfg,
		metrics:  m,
		logger:   logger,
		tracer:   otel.Tracer("expiry-sweeper"),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// RunExpirySweep expires every active appointment dated before asOf in one
// transaction. When asOf is the clinic's current date it also promotes today's
// booked appointments into the queue and clears stale current tokens; a sweep
// for an earlier date only expires, since later days may already be in
// progress. A date after today is rejected. Re-running it for the same date
// changes nothing.
func (s *Sweeper) RunExpirySweep(ctx context.Context, asOf time.Time) (*SweepResult, error) {
	asOf = clock.DateOf(asOf, time.UTC)
	today := clock.Today(s.clock, s.config.Location)
	if asOf.After(today) {
		return nil, fmt.Errorf("%w: sweep date %s is after today %s", appointment.ErrInvalidRequest,
			asOf.Format(time.DateOnly), today.Format(time.DateOnly))
	}
	current := asOf.Equal(today)

	ctx, span := s.tracer.Start(ctx, "expiry_sweep",
		trace.WithAttributes(attribute.String("as_of", asOf.Format(time.DateOnly))))
	defer span.End()

	result := &SweepResult{AsOf: asOf}

	err := s.repo.InTx(ctx, func(ctx context.Context) error {
		var err error
		if result.Expired, err = s.repo.ExpireBefore(ctx, asOf); err != nil {
			return fmt.Errorf("expire: %w", err)
		}
		if current {
			if result.Promoted, err = s.repo.PromoteDue(ctx, asOf, 0); err != nil {
				return fmt.Errorf("promote: %w", err)
			}
			if result.DoctorsReset, err = s.repo.ResetIdleDoctors(ctx, asOf); err != nil {
				return fmt.Errorf("reset tokens: %w", err)
			}
		}
		if result.Expired == 0 {
			return nil
		}
		return events.Emit(ctx, s.recorder, events.AggregateClinic, 0, events.EventAppointmentsExpired, events.SweepData{
			AsOf:         asOf.Format(time.DateOnly),
			Expired:      result.Expired,
			Promoted:     result.Promoted,
			DoctorsReset: result.DoctorsReset,
		})
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.metrics.AppointmentsExpired.Add(float64(result.Expired))
	span.SetAttributes(attribute.Int64("expired", result.Expired))
	s.logger.Info("expiry sweep completed",
		zap.String("as_of", asOf.Format(time.DateOnly)),
		zap.Int64("expired", result.Expired),
		zap.Int64("promoted", result.Promoted),
		zap.Int64("doctors_reset", result.DoctorsReset))

	return result, nil
}

// Start begins the nightly schedule in the background.
func (s *Sweeper) Start() {
	go func() {
		defer close(s.done)
		_ = s.Run(s.ctx)
	}()
	s.logger.Info("expiry sweeper started", zap.Duration("offset", s.config.Offset))
}

// Stop cancels the schedule and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.cancel()
	<-s.done
	s.logger.Info("expiry sweeper stopped")
}

// Run sweeps on start (if configured) and then shortly after every midnight
// until ctx is cancelled. A failed sweep is logged and retried the next night.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.config.RunOnStart {
		s.sweepNow(ctx)
	}

	for {
		now := s.clock.Now()
		wait := clock.NextMidnight(now, s.config.Location, s.config.Offset).Sub(now)
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			s.sweepNow(ctx)
		}
	}
}

func (s *Sweeper) sweepNow(ctx context.Context) {
	today := clock.Today(s.clock, s.config.Location)
	if _, err := s.RunExpirySweep(ctx, today); err != nil {
		s.logger.Error("expiry sweep failed",
			zap.String("as_of", today.Format(time.DateOnly)),
			zap.Error(err))
	}
}
