package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medisync/go-cpf/internal/domain/appointment"
	"github.com/medisync/go-cpf/internal/domain/events"
	"github.com/medisync/go-cpf/internal/observability/metrics"
	"github.com/medisync/go-cpf/internal/platform/clock"
)

// AllocationRequest describes the appointment a token is being issued for.
type AllocationRequest struct {
	PatientID int64
	DoctorID  int64
	Date      time.Time
	Time      string
	Symptoms  string
	Priority  appointment.Priority
}

// Allocator issues sequential per-doctor, per-day queue tokens and persists
// the appointment holding each one.
type Allocator struct {
	repo     appointment.Repository
	recorder events.Recorder
	clock    clock.Clock
	config   Config
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewAllocator creates a token allocator
func NewAllocator(repo appointment.Repository, recorder events.Recorder, clk clock.Clock, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Allocator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Allocator{
		repo:     repo,
		recorder: recorder,
		clock:    clk,
		config:   cfg.withDefaults(),
		metrics:  m,
		logger:   logger,
		tracer:   otel.Tracer("token-allocator"),
	}
}

// Allocate computes max(token)+1 for the doctor and day and inserts the
// appointment in the same transaction. A uniqueness collision with a
// concurrent booking is retried with a fresh token up to MaxBookingAttempts
// times before ErrConcurrencyConflict is returned.
func (a *Allocator) Allocate(ctx context.Context, req AllocationRequest) (*appointment.Appointment, error) {
	ctx, span := a.tracer.Start(ctx, "allocate_token",
		trace.WithAttributes(
			attribute.Int64("doctor_id", req.DoctorID),
			attribute.String("date", req.Date.Format(time.DateOnly)),
		))
	defer span.End()

	attempts := 0
	appt, err := backoff.Retry(ctx, func() (*appointment.Appointment, error) {
		attempts++
		appt, err := a.allocateOnce(ctx, req)
		switch {
		case err == nil:
			return appt, nil
		case errors.Is(err, appointment.ErrDuplicateToken):
			return nil, err
		default:
			return nil, backoff.Permanent(err)
		}
	},
		backoff.WithBackOff(a.config.newBackOff()),
		backoff.WithMaxTries(a.config.MaxBookingAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			a.metrics.TokenRetries.Inc()
			a.logger.Warn("token collision, retrying",
				zap.Int64("doctor_id", req.DoctorID),
				zap.Int("attempt", attempts),
				zap.Duration("wait", wait),
				zap.Error(err))
		}),
	)

	if err != nil {
		span.RecordError(err)
		if errors.Is(err, appointment.ErrDuplicateToken) {
			return nil, fmt.Errorf("%w: gave up after %d attempts for doctor %d on %s",
				appointment.ErrConcurrencyConflict, attempts, req.DoctorID, req.Date.Format(time.DateOnly))
		}
		if errors.Is(err, appointment.ErrCapacityExceeded) {
			a.metrics.CapacityRejections.Inc()
		}
		return nil, err
	}

	span.SetAttributes(attribute.Int("token_number", appt.TokenNumber), attribute.Int("attempts", attempts))
	a.metrics.AppointmentsBooked.WithLabelValues(string(appt.Status)).Inc()
	return appt, nil
}

func (a *Allocator) allocateOnce(ctx context.Context, req AllocationRequest) (*appointment.Appointment, error) {
	var appt *appointment.Appointment

	err := a.repo.InTx(ctx, func(ctx context.Context) error {
		doctor, err := a.repo.GetDoctor(ctx, req.DoctorID, true)
		if err != nil {
			return err
		}
		if !doctor.Active {
			return fmt.Errorf("%w: doctor %d is not accepting bookings", appointment.ErrDoctorNotFound, req.DoctorID)
		}

		existing, err := a.repo.FindActiveForPatient(ctx, req.PatientID, req.DoctorID, req.Date)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w (token %d)", appointment.ErrDuplicateBooking, existing.TokenNumber)
		}

		booked, err := a.repo.CountBooked(ctx, req.DoctorID, req.Date)
		if err != nil {
			return err
		}
		if booked >= doctor.Capacity() {
			return fmt.Errorf("%w: %d of %d slots taken", appointment.ErrCapacityExceeded, booked, doctor.Capacity())
		}

		maxToken, err := a.repo.MaxToken(ctx, req.DoctorID, req.Date)
		if err != nil {
			return err
		}

		today := clock.Today(a.clock, a.config.Location)
		appt = &appointment.Appointment{
			PatientID:   req.PatientID,
			DoctorID:    req.DoctorID,
			Date:        req.Date,
			Time:        req.Time,
			TokenNumber: maxToken + 1,
			Status:      appointment.InitialStatus(req.Date, today),
			Priority:    req.Priority,
			Symptoms:    req.Symptoms,
		}
		if err := a.repo.Insert(ctx, appt); err != nil {
			return err
		}

		return events.Emit(ctx, a.recorder, events.AggregateAppointment, appt.ID, events.EventAppointmentBooked,
			appointmentData(appt, "patient", a.clock.Now()))
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}

func appointmentData(a *appointment.Appointment, actor string, at time.Time) events.AppointmentData {
	return events.AppointmentData{
		AppointmentID: a.ID,
		PatientID:     a.PatientID,
		DoctorID:      a.DoctorID,
		Date:          a.Date.Format(time.DateOnly),
		TokenNumber:   a.TokenNumber,
		Status:        string(a.Status),
		Actor:         actor,
		OccurredAt:    at.UTC(),
	}
}
