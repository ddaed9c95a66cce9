// Package dispensing fulfils prescriptions against the medicine inventory.
// A dispense either deducts every line item and marks the prescription
// dispensed, or changes nothing.
package dispensing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medisync/go-cpf/internal/domain/events"
	"github.com/medisync/go-cpf/internal/domain/pharmacy"
	"github.com/medisync/go-cpf/internal/observability/metrics"
	"github.com/medisync/go-cpf/internal/platform/clock"
)

// Config holds dispensing configuration
type Config struct {
	// MaxAttempts bounds retries after a stock conflict
	MaxAttempts uint
	// RetryBaseDelay is the first backoff interval; zero retries immediately
	RetryBaseDelay time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		RetryBaseDelay: 10 * time.Millisecond,
	}
}

// Engine dispenses prescriptions and manages inventory.
type Engine struct {
	repo     pharmacy.Repository
	recorder events.Recorder
	clock    clock.Clock
	config   Config
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewEngine creates a dispensing engine
func NewEngine(repo pharmacy.Repository, recorder events.Recorder, clk clock.Clock, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	if clk == nil {
		clk = clock.System{}
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}

	return &Engine{
		repo:     repo,
		recorder: recorder,
		clock:    clk,
		config:   cfg,
		metrics:  m,
		logger:   logger,
		tracer:   otel.Tracer("dispensing-engine"),
	}
}

// Dispense validates stock for every line item and, if all pass, deducts
// them and marks the prescription dispensed in one transaction. When any item
// is short, the result lists every issue and nothing is written. A lost race
// at write time rolls the attempt back and is retried up to MaxAttempts times
// before ErrStockConflict is returned.
func (e *Engine) Dispense(ctx context.Context, prescriptionID int64, notes string) (*pharmacy.DispenseResult, error) {
	start := time.Now()
	defer func() { e.metrics.DispenseDuration.Observe(time.Since(start).Seconds()) }()

	ctx, span := e.tracer.Start(ctx, "dispense_prescription",
		trace.WithAttributes(attribute.Int64("prescription_id", prescriptionID)))
	defer span.End()

	attempts := 0
	result, err := backoff.Retry(ctx, func() (*pharmacy.DispenseResult, error) {
		attempts++
		res, err := e.dispenseOnce(ctx, prescriptionID, notes)
		if errors.Is(err, pharmacy.ErrStockConflict) {
			e.metrics.StockConflicts.Inc()
			return nil, err
		}
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return res, nil
	},
		backoff.WithBackOff(e.newBackOff()),
		backoff.WithMaxTries(e.config.MaxAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			e.logger.Warn("stock conflict, retrying dispense",
				zap.Int64("prescription_id", prescriptionID),
				zap.Int("attempt", attempts),
				zap.Duration("wait", wait))
		}),
	)

	span.SetAttributes(attribute.Int("attempts", attempts))

	switch {
	case err == nil && result.Dispensed:
		e.metrics.Dispenses.WithLabelValues("dispensed").Inc()
	case err == nil:
		e.metrics.Dispenses.WithLabelValues("stock_issues").Inc()
		for _, issue := range result.StockIssues {
			e.metrics.StockIssues.WithLabelValues(string(issue.Reason)).Inc()
		}
		e.logger.Info("dispense blocked by stock issues",
			zap.Int64("prescription_id", prescriptionID),
			zap.Int("issues", len(result.StockIssues)))
	case errors.Is(err, pharmacy.ErrAlreadyDispensed):
		e.metrics.Dispenses.WithLabelValues("already_dispensed").Inc()
	case errors.Is(err, pharmacy.ErrStockConflict):
		e.metrics.Dispenses.WithLabelValues("conflict").Inc()
	default:
		e.metrics.Dispenses.WithLabelValues("error").Inc()
	}

	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return result, nil
}

func (e *Engine) dispenseOnce(ctx context.Context, prescriptionID int64, notes string) (*pharmacy.DispenseResult, error) {
	result := &pharmacy.DispenseResult{PrescriptionID: prescriptionID}

	err := e.repo.InTx(ctx, func(ctx context.Context) error {
		rx, err := e.repo.GetPrescription(ctx, prescriptionID, true)
		if err != nil {
			return err
		}
		switch rx.Status {
		case pharmacy.StatusDispensed:
			return pharmacy.ErrAlreadyDispensed
		case pharmacy.StatusCancelled:
			return fmt.Errorf("%w: prescription %d is cancelled", pharmacy.ErrInvalidTransition, rx.ID)
		}

		if err := pharmacy.ValidateItems(rx.Items); err != nil {
			return err
		}
		names, qty, display := rx.RequestedQuantities()
		if len(names) == 0 {
			return pharmacy.ErrEmptyPrescription
		}

		// Check every line before touching stock so staff see all issues at once.
		resolved := make(map[string]*pharmacy.Medicine, len(names))
		for _, key := range names {
			want := qty[key]
			med, err := e.repo.FindMedicineByName(ctx, key, true)
			switch {
			case errors.Is(err, pharmacy.ErrMedicineNotFound):
				result.StockIssues = append(result.StockIssues, pharmacy.StockIssue{
					Medicine: display[key], Requested: want, Reason: pharmacy.ReasonNotFound,
				})
				continue
			case err != nil:
				return err
			}
			if !med.IsAvailable {
				result.StockIssues = append(result.StockIssues, pharmacy.StockIssue{
					Medicine: med.Name, Requested: want, Available: med.StockQuantity, Reason: pharmacy.ReasonUnavailable,
				})
				continue
			}
			if med.StockQuantity < want {
				result.StockIssues = append(result.StockIssues, pharmacy.StockIssue{
					Medicine: med.Name, Requested: want, Available: med.StockQuantity, Reason: pharmacy.ReasonInsufficient,
				})
				continue
			}
			resolved[key] = med
		}
		if len(result.StockIssues) > 0 {
			return nil
		}

		var lowStock []*pharmacy.Medicine
		for _, key := range names {
			med := resolved[key]
			remaining, ok, err := e.repo.DeductStockIfSufficient(ctx, med.ID, qty[key])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s", pharmacy.ErrStockConflict, med.Name)
			}
			result.Log = append(result.Log, pharmacy.DispenseLogEntry{
				MedicineID:     med.ID,
				MedicineName:   med.Name,
				Quantity:       qty[key],
				RemainingStock: remaining,
			})
			if remaining <= med.ReorderLevel {
				med.StockQuantity = remaining
				lowStock = append(lowStock, med)
			}
		}

		now := e.clock.Now()
		merged := rx.PharmacyNotes
		if n := strings.TrimSpace(notes); n != "" {
			merged = joinNotes(merged, n)
		}
		if err := e.repo.UpdatePrescription(ctx, rx.ID, pharmacy.StatusDispensed,
			pharmacy.FormatDispenseNotes(merged, result.Log), &now); err != nil {
			return err
		}
		result.Dispensed = true
		result.DispensedAt = &now

		if err := events.Emit(ctx, e.recorder, events.AggregatePrescription, rx.ID, events.EventPrescriptionDispensed,
			events.PrescriptionData{
				PrescriptionID: rx.ID,
				AppointmentID:  rx.AppointmentID,
				PatientID:      rx.PatientID,
				DoctorID:       rx.DoctorID,
				Status:         string(pharmacy.StatusDispensed),
				PreviousStatus: string(rx.Status),
				PickupToken:    rx.PickupToken,
				ItemCount:      len(result.Log),
				OccurredAt:     now.UTC(),
			}); err != nil {
			return err
		}
		for _, med := range lowStock {
			if err := e.emitLowStock(ctx, med); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Dispensed {
		for _, entry := range result.Log {
			e.logger.Info("medicine dispensed",
				zap.Int64("prescription_id", prescriptionID),
				zap.Int64("medicine_id", entry.MedicineID),
				zap.String("medicine", entry.MedicineName),
				zap.Int("quantity", entry.Quantity),
				zap.Int("remaining_stock", entry.RemainingStock))
		}
	}
	return result, nil
}

// UpdateStatus applies a non-dispensing pharmacy transition. Moving to
// dispensed runs the full Dispense.
func (e *Engine) UpdateStatus(ctx context.Context, prescriptionID int64, status pharmacy.Status, notes string) (*pharmacy.Prescription, *pharmacy.DispenseResult, error) {
	if !status.Valid() {
		return nil, nil, fmt.Errorf("%w: unknown status %q", pharmacy.ErrInvalidTransition, status)
	}
	if status == pharmacy.StatusDispensed {
		res, err := e.Dispense(ctx, prescriptionID, notes)
		if err != nil {
			return nil, nil, err
		}
		rx, err := e.repo.GetPrescription(ctx, prescriptionID, false)
		if err != nil {
			return nil, nil, err
		}
		return rx, res, nil
	}

	ctx, span := e.tracer.Start(ctx, "update_prescription_status",
		trace.WithAttributes(
			attribute.Int64("prescription_id", prescriptionID),
			attribute.String("status", string(status)),
		))
	defer span.End()

	var updated *pharmacy.Prescription
	err := e.repo.InTx(ctx, func(ctx context.Context) error {
		rx, err := e.repo.GetPrescription(ctx, prescriptionID, true)
		if err != nil {
			return err
		}
		if rx.Status == pharmacy.StatusDispensed {
			return pharmacy.ErrAlreadyDispensed
		}
		if !rx.Status.CanTransitionTo(status) {
			return fmt.Errorf("%w: %s -> %s", pharmacy.ErrInvalidTransition, rx.Status, status)
		}

		merged := rx.PharmacyNotes
		if n := strings.TrimSpace(notes); n != "" {
			merged = joinNotes(merged, n)
		}
		if err := e.repo.UpdatePrescription(ctx, rx.ID, status, merged, nil); err != nil {
			return err
		}

		prev := rx.Status
		rx.Status = status
		rx.PharmacyNotes = merged
		updated = rx

		return events.Emit(ctx, e.recorder, events.AggregatePrescription, rx.ID, events.EventPrescriptionStatusChanged,
			events.PrescriptionData{
				PrescriptionID: rx.ID,
				AppointmentID:  rx.AppointmentID,
				PatientID:      rx.PatientID,
				DoctorID:       rx.DoctorID,
				Status:         string(status),
				PreviousStatus: string(prev),
				PickupToken:    rx.PickupToken,
				ItemCount:      len(rx.Items),
				OccurredAt:     e.clock.Now().UTC(),
			})
	})
	if err != nil {
		span.RecordError(err)
		return nil, nil, err
	}

	e.logger.Info("prescription status updated",
		zap.Int64("prescription_id", prescriptionID),
		zap.String("status", string(status)))
	return updated, nil, nil
}

// GetPrescription returns a prescription.
func (e *Engine) GetPrescription(ctx context.Context, id int64) (*pharmacy.Prescription, error) {
	return e.repo.GetPrescription(ctx, id, false)
}

// ListPrescriptions returns prescriptions matching f.
func (e *Engine) ListPrescriptions(ctx context.Context, f pharmacy.PrescriptionFilter) ([]*pharmacy.Prescription, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", pharmacy.ErrInvalidTransition, f.Status)
	}
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	return e.repo.ListPrescriptions(ctx, f)
}

func (e *Engine) emitLowStock(ctx context.Context, med *pharmacy.Medicine) error {
	e.logger.Warn("medicine low on stock",
		zap.Int64("medicine_id", med.ID),
		zap.String("medicine", med.Name),
		zap.Int("remaining_stock", med.StockQuantity),
		zap.Int("reorder_level", med.ReorderLevel))
	return events.Emit(ctx, e.recorder, events.AggregateMedicine, med.ID, events.EventMedicineLowStock, events.LowStockData{
		MedicineID:     med.ID,
		MedicineName:   med.Name,
		RemainingStock: med.StockQuantity,
		ReorderLevel:   med.ReorderLevel,
	})
}

func (e *Engine) newBackOff() backoff.BackOff {
	if e.config.RetryBaseDelay <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.config.RetryBaseDelay
	b.MaxInterval = 10 * e.config.RetryBaseDelay
	return b
}

func joinNotes(existing, add string) string {
	if strings.TrimSpace(existing) == "" {
		return add
	}
	return existing + "\n" + add
}
