package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medisync/go-cpf/internal/domain/appointment"
	"github.com/medisync/go-cpf/internal/domain/events"
	"github.com/medisync/go-cpf/internal/domain/pharmacy"
	"github.com/medisync/go-cpf/internal/observability/metrics"
	"github.com/medisync/go-cpf/internal/platform/clock"
)

// PrescriptionWriter stores prescriptions issued at consultation completion.
// It must join the transaction carried by ctx.
type PrescriptionWriter interface {
	InsertPrescription(ctx context.Context, p *pharmacy.Prescription) error
}

// Service drives an appointment through its lifecycle.
type Service struct {
	repo          appointment.Repository
	prescriptions PrescriptionWriter
	recorder      events.Recorder
	allocator     *Allocator
	clock         clock.Clock
	config        Config
	metrics       *metrics.Metrics
	logger        *zap.Logger
	tracer        trace.Tracer
}

// NewService creates the queue service
func NewService(repo appointment.Repository, rx PrescriptionWriter, recorder events.Recorder, clk clock.Clock, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	if clk == nil {
		clk = clock.System{}
	}
	cfg = cfg.withDefaults()

	return &Service{
		repo:          repo,
		prescriptions: rx,
		recorder:      recorder,
		allocator:     NewAllocator(repo, recorder, clk, cfg, m, logger),
		clock:         clk,
		config:        cfg,
		metrics:       m,
		logger:        logger,
		tracer:        otel.Tracer("queue-service"),
	}
}

// Today returns the clinic's current date.
func (s *Service) Today() time.Time {
	return clock.Today(s.clock, s.config.Location)
}

// BookRequest is a patient's booking request.
type BookRequest struct {
	PatientID int64
	DoctorID  int64
	Date      time.Time
	Time      string
	Symptoms  string
	Priority  appointment.Priority
}

// Booking is the outcome of a successful booking.
type Booking struct {
	AppointmentID        int64                    `json:"appointment_id"`
	TokenNumber          int                      `json:"token_number"`
	Status               appointment.Status       `json:"status"`
	Date                 time.Time                `json:"appointment_date"`
	Position             int                      `json:"position"`
	EstimatedWaitMinutes int                      `json:"estimated_wait_minutes"`
	Appointment          *appointment.Appointment `json:"appointment"`
}

// BookAppointment validates the request and allocates a token.
func (s *Service) BookAppointment(ctx context.Context, req BookRequest) (*Booking, error) {
	start := time.Now()
	defer func() { s.metrics.BookingDuration.Observe(time.Since(start).Seconds()) }()

	ctx, span := s.tracer.Start(ctx, "book_appointment",
		trace.WithAttributes(
			attribute.Int64("patient_id", req.PatientID),
			attribute.Int64("doctor_id", req.DoctorID),
		))
	defer span.End()

	if req.PatientID <= 0 || req.DoctorID <= 0 {
		return nil, fmt.Errorf("%w: patient and doctor are required", appointment.ErrInvalidRequest)
	}
	if req.Date.IsZero() {
		return nil, fmt.Errorf("%w: appointment date is required", appointment.ErrInvalidRequest)
	}
	day := clock.DateOf(req.Date, time.UTC)
	if day.Before(s.Today()) {
		return nil, appointment.ErrPastDate
	}
	if strings.TrimSpace(req.Symptoms) == "" {
		req.Symptoms = appointment.DefaultSymptoms
	}
	if req.Priority == "" {
		req.Priority = appointment.PriorityNormal
	}
	if !req.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", appointment.ErrInvalidRequest, req.Priority)
	}

	appt, err := s.allocator.Allocate(ctx, AllocationRequest{
		PatientID: req.PatientID,
		DoctorID:  req.DoctorID,
		Date:      day,
		Time:      req.Time,
		Symptoms:  strings.TrimSpace(req.Symptoms),
		Priority:  req.Priority,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	booking := &Booking{
		AppointmentID:        appt.ID,
		TokenNumber:          appt.TokenNumber,
		Status:               appt.Status,
		Date:                 appt.Date,
		Position:             appt.TokenNumber,
		EstimatedWaitMinutes: appointment.EstimatedWait(appt.TokenNumber-1, s.config.MinutesPerPatient),
		Appointment:          appt,
	}

	// Refine the estimate with a fresh read; the booking already committed.
	if siblings, err := s.repo.ListForDay(ctx, appt.DoctorID, appt.Date); err == nil {
		pos, ahead := appointment.Position(appt, siblings, s.config.Ordering)
		booking.Position = pos
		booking.EstimatedWaitMinutes = appointment.EstimatedWait(ahead, s.config.MinutesPerPatient)
	}

	s.logger.Info("appointment booked",
		zap.Int64("appointment_id", appt.ID),
		zap.Int64("doctor_id", appt.DoctorID),
		zap.Int("token", appt.TokenNumber),
		zap.String("status", string(appt.Status)))

	return booking, nil
}

// GetAppointment returns a single appointment.
func (s *Service) GetAppointment(ctx context.Context, id int64) (*appointment.Appointment, error) {
	return s.repo.GetAppointment(ctx, id, false)
}

// GetQueueStatus reports an appointment's position and estimated wait. It
// takes no locks and may observe slightly stale data.
func (s *Service) GetQueueStatus(ctx context.Context, appointmentID int64) (*appointment.QueueStatus, error) {
	ctx, span := s.tracer.Start(ctx, "get_queue_status",
		trace.WithAttributes(attribute.Int64("appointment_id", appointmentID)))
	defer span.End()

	appt, err := s.repo.GetAppointment(ctx, appointmentID, false)
	if err != nil {
		return nil, err
	}

	status := &appointment.QueueStatus{
		AppointmentID: appt.ID,
		DoctorID:      appt.DoctorID,
		Date:          appt.Date,
		TokenNumber:   appt.TokenNumber,
		Status:        appt.Status,
	}

	doctor, err := s.repo.GetDoctor(ctx, appt.DoctorID, false)
	if err != nil && !errors.Is(err, appointment.ErrDoctorNotFound) {
		return nil, err
	}
	if doctor != nil {
		status.CurrentDoctorToken = doctor.CurrentToken
	}

	if !appt.Status.IsActive() {
		return status, nil
	}

	siblings, err := s.repo.ListForDay(ctx, appt.DoctorID, appt.Date)
	if err != nil {
		return nil, err
	}
	status.Position, status.AheadCount = appointment.Position(appt, siblings, s.config.Ordering)
	status.EstimatedWaitMinutes = appointment.EstimatedWait(status.AheadCount, s.config.MinutesPerPatient)

	return status, nil
}

// CallResult is the outcome of a call-next action.
type CallResult struct {
	DoctorID     int64                    `json:"doctor_id"`
	Completed    *appointment.Appointment `json:"completed,omitempty"`
	Called       *appointment.Appointment `json:"current_patient"`
	CurrentToken int                      `json:"current_token"`
	Waiting      int                      `json:"waiting"`
}

// QueueEmpty reports whether nobody was waiting to be called.
func (r *CallResult) QueueEmpty() bool { return r.Called == nil }

// CallNextPatient completes whoever is consulting with the doctor today and
// moves the first waiting patient into consultation, all in one transaction.
// An empty queue is a normal result, not an error.
func (s *Service) CallNextPatient(ctx context.Context, doctorID int64) (*CallResult, error) {
	ctx, span := s.tracer.Start(ctx, "call_next_patient",
		trace.WithAttributes(attribute.Int64("doctor_id", doctorID)))
	defer span.End()

	result := &CallResult{DoctorID: doctorID}
	today := s.Today()

	err := s.repo.InTx(ctx, func(ctx context.Context) error {
		doctor, err := s.repo.GetDoctor(ctx, doctorID, true)
		if err != nil {
			return err
		}
		result.CurrentToken = doctor.CurrentToken

		if _, err := s.repo.PromoteDue(ctx, today, doctorID); err != nil {
			return fmt.Errorf("promote due appointments: %w", err)
		}

		now := s.clock.Now()

		consulting, err := s.repo.ListByStatus(ctx, doctorID, today, appointment.StatusConsulting, true)
		if err != nil {
			return err
		}
		for _, c := range consulting {
			if err := s.repo.Transition(ctx, c.ID, appointment.StatusConsulting, appointment.StatusCompleted, now); err != nil {
				return err
			}
			c.Status = appointment.StatusCompleted
			c.CompletedAt = &now
			result.Completed = c
			if err := events.Emit(ctx, s.recorder, events.AggregateAppointment, c.ID,
				events.EventConsultationCompleted, appointmentData(c, "doctor", now)); err != nil {
				return err
			}
		}

		waiting, err := s.repo.ListByStatus(ctx, doctorID, today, appointment.StatusInQueue, true)
		if err != nil {
			return err
		}
		next := appointment.First(waiting, s.config.Ordering)
		if next == nil {
			// The token just completed no longer names anyone in consultation.
			if len(consulting) > 0 && doctor.CurrentToken != 0 {
				if err := s.repo.SetCurrentToken(ctx, doctorID, 0); err != nil {
					return err
				}
				result.CurrentToken = 0
			}
			return nil
		}

		if err := s.repo.Transition(ctx, next.ID, appointment.StatusInQueue, appointment.StatusConsulting, now); err != nil {
			return err
		}
		if err := s.repo.SetCurrentToken(ctx, doctorID, next.TokenNumber); err != nil {
			return err
		}
		next.Status = appointment.StatusConsulting
		next.StartedAt = &now
		result.Called = next
		result.CurrentToken = next.TokenNumber
		result.Waiting = len(waiting) - 1

		return events.Emit(ctx, s.recorder, events.AggregateAppointment, next.ID,
			events.EventPatientCalled, appointmentData(next, "doctor", now))
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if result.Completed != nil {
		s.metrics.ConsultationsCompleted.Inc()
	}
	if result.Called != nil {
		s.metrics.PatientsCalled.Inc()
		s.logger.Info("patient called",
			zap.Int64("doctor_id", doctorID),
			zap.Int64("appointment_id", result.Called.ID),
			zap.Int("token", result.Called.TokenNumber),
			zap.Int("waiting", result.Waiting))
	} else {
		s.logger.Info("queue empty", zap.Int64("doctor_id", doctorID))
	}
	span.SetAttributes(attribute.Int("current_token", result.CurrentToken))

	return result, nil
}

// CompleteRequest closes a consultation.
type CompleteRequest struct {
	AppointmentID int64
	// DoctorID, when set, must own the appointment.
	DoctorID  int64
	Notes     string
	Diagnosis string
	Items     []pharmacy.LineItem
}

// Completion is the outcome of CompleteConsultation.
type Completion struct {
	Appointment  *appointment.Appointment `json:"appointment"`
	Prescription *pharmacy.Prescription   `json:"prescription,omitempty"`
}

// CompleteConsultation moves a consulting appointment to completed and,
// when line items are supplied, issues a prescription in the same
// transaction.
func (s *Service) CompleteConsultation(ctx context.Context, req CompleteRequest) (*Completion, error) {
	ctx, span := s.tracer.Start(ctx, "complete_consultation",
		trace.WithAttributes(
			attribute.Int64("appointment_id", req.AppointmentID),
			attribute.Int("line_items", len(req.Items)),
		))
	defer span.End()

	if len(req.Items) > 0 {
		if err := pharmacy.ValidateItems(req.Items); err != nil {
			return nil, err
		}
		if s.prescriptions == nil {
			return nil, errors.New("prescription store not configured")
		}
	}

	out := &Completion{}
	today := s.Today()

	err := s.repo.InTx(ctx, func(ctx context.Context) error {
		appt, doctor, err := s.lockAppointment(ctx, req.AppointmentID)
		if err != nil {
			return err
		}
		if req.DoctorID != 0 && appt.DoctorID != req.DoctorID {
			return appointment.ErrNotFound
		}
		if appt.Status != appointment.StatusConsulting {
			return fmt.Errorf("%w: appointment %d is %s, not consulting", appointment.ErrInvalidState, appt.ID, appt.Status)
		}

		now := s.clock.Now()
		if err := s.repo.Transition(ctx, appt.ID, appointment.StatusConsulting, appointment.StatusCompleted, now); err != nil {
			return err
		}
		appt.Status = appointment.StatusCompleted
		appt.CompletedAt = &now

		if notes := strings.TrimSpace(req.Notes); notes != "" {
			if err := s.repo.SetDoctorNotes(ctx, appt.ID, notes); err != nil {
				return err
			}
			appt.DoctorNotes = notes
		}

		if appt.Date.Equal(today) && doctor.CurrentToken == appt.TokenNumber {
			if err := s.repo.SetCurrentToken(ctx, doctor.UserID, 0); err != nil {
				return err
			}
		}

		if err := events.Emit(ctx, s.recorder, events.AggregateAppointment, appt.ID,
			events.EventConsultationCompleted, appointmentData(appt, "doctor", now)); err != nil {
			return err
		}
		out.Appointment = appt

		if len(req.Items) == 0 {
			return nil
		}

		rx := &pharmacy.Prescription{
			AppointmentID: appt.ID,
			PatientID:     appt.PatientID,
			DoctorID:      appt.DoctorID,
			Items:         req.Items,
			Diagnosis:     strings.TrimSpace(req.Diagnosis),
			Status:        pharmacy.StatusPending,
			PickupToken:   pharmacy.NewPickupToken(),
		}
		if err := s.prescriptions.InsertPrescription(ctx, rx); err != nil {
			return fmt.Errorf("issue prescription: %w", err)
		}
		out.Prescription = rx

		return events.Emit(ctx, s.recorder, events.AggregatePrescription, rx.ID, events.EventPrescriptionIssued,
			events.PrescriptionData{
				PrescriptionID: rx.ID,
				AppointmentID:  rx.AppointmentID,
				PatientID:      rx.PatientID,
				DoctorID:       rx.DoctorID,
				Status:         string(rx.Status),
				PickupToken:    rx.PickupToken,
				ItemCount:      len(rx.Items),
				OccurredAt:     now.UTC(),
			})
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.metrics.ConsultationsCompleted.Inc()
	fields := []zap.Field{
		zap.Int64("appointment_id", out.Appointment.ID),
		zap.Int64("doctor_id", out.Appointment.DoctorID),
	}
	if out.Prescription != nil {
		fields = append(fields,
			zap.Int64("prescription_id", out.Prescription.ID),
			zap.String("pickup_token", out.Prescription.PickupToken))
	}
	s.logger.Info("consultation completed", fields...)

	return out, nil
}

// CancelAppointment cancels any non-terminal appointment.
func (s *Service) CancelAppointment(ctx context.Context, appointmentID int64, actor string) (*appointment.Appointment, error) {
	ctx, span := s.tracer.Start(ctx, "cancel_appointment",
		trace.WithAttributes(attribute.Int64("appointment_id", appointmentID)))
	defer span.End()

	var cancelled *appointment.Appointment
	err := s.repo.InTx(ctx, func(ctx context.Context) error {
		appt, doctor, err := s.lockAppointment(ctx, appointmentID)
		if err != nil {
			return err
		}
		if appt.Status.IsTerminal() {
			return fmt.Errorf("%w: appointment %d is already %s", appointment.ErrInvalidState, appt.ID, appt.Status)
		}

		now := s.clock.Now()
		prev := appt.Status
		if err := s.repo.Transition(ctx, appt.ID, prev, appointment.StatusCancelled, now); err != nil {
			return err
		}
		appt.Status = appointment.StatusCancelled

		if prev == appointment.StatusConsulting && doctor.CurrentToken == appt.TokenNumber {
			if err := s.repo.SetCurrentToken(ctx, doctor.UserID, 0); err != nil {
				return err
			}
		}

		cancelled = appt
		return events.Emit(ctx, s.recorder, events.AggregateAppointment, appt.ID,
			events.EventAppointmentCancelled, appointmentData(appt, actor, now))
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.metrics.AppointmentsCancelled.Inc()
	s.logger.Info("appointment cancelled",
		zap.Int64("appointment_id", cancelled.ID),
		zap.String("actor", actor))
	return cancelled, nil
}

// lockAppointment locks the owning doctor's profile and then the appointment,
// the same order CallNextPatient uses.
func (s *Service) lockAppointment(ctx context.Context, id int64) (*appointment.Appointment, *appointment.Doctor, error) {
	peek, err := s.repo.GetAppointment(ctx, id, false)
	if err != nil {
		return nil, nil, err
	}
	doctor, err := s.repo.GetDoctor(ctx, peek.DoctorID, true)
	if err != nil {
		return nil, nil, err
	}
	appt, err := s.repo.GetAppointment(ctx, id, true)
	if err != nil {
		return nil, nil, err
	}
	return appt, doctor, nil
}

// DoctorQueue lists a doctor's active appointments for day in queue order.
func (s *Service) DoctorQueue(ctx context.Context, doctorID int64, day time.Time) ([]appointment.QueueEntry, error) {
	if _, err := s.repo.GetDoctor(ctx, doctorID, false); err != nil {
		return nil, err
	}
	appts, err := s.repo.ListForDay(ctx, doctorID, day)
	if err != nil {
		return nil, err
	}
	return appointment.ActiveQueue(appts, s.config.Ordering), nil
}

// DailySummary tallies a doctor's day.
func (s *Service) DailySummary(ctx context.Context, doctorID int64, day time.Time) (*appointment.DaySummary, error) {
	if _, err := s.repo.GetDoctor(ctx, doctorID, false); err != nil {
		return nil, err
	}
	appts, err := s.repo.ListForDay(ctx, doctorID, day)
	if err != nil {
		return nil, err
	}
	summary := appointment.Summarize(doctorID, day, appts)
	return &summary, nil
}

// PatientAppointments lists a patient's appointments, newest first.
func (s *Service) PatientAppointments(ctx context.Context, patientID int64) ([]*appointment.Appointment, error) {
	return s.repo.ListForPatient(ctx, patientID)
}

// RegisterDoctor creates or updates a doctor's queue profile.
func (s *Service) RegisterDoctor(ctx context.Context, d *appointment.Doctor) error {
	if d.UserID <= 0 {
		return fmt.Errorf("%w: doctor id is required", appointment.ErrInvalidRequest)
	}
	if d.MaxPatientsPerDay < 0 {
		return fmt.Errorf("%w: capacity cannot be negative", appointment.ErrInvalidRequest)
	}
	if d.MaxPatientsPerDay == 0 {
		d.MaxPatientsPerDay = appointment.DefaultMaxPatientsPerDay
	}
	return s.repo.UpsertDoctor(ctx, d)
}
