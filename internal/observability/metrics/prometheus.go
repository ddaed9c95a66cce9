// Package metrics provides Prometheus metrics for the clinic engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	AppointmentsBooked     *prometheus.CounterVec
	TokenRetries           prometheus.Counter
	CapacityRejections     prometheus.Counter
	BookingDuration        prometheus.Histogram
	PatientsCalled         prometheus.Counter
	ConsultationsCompleted prometheus.Counter
	AppointmentsCancelled  prometheus.Counter
	AppointmentsExpired    prometheus.Counter
	Dispenses              *prometheus.CounterVec
	StockIssues            *prometheus.CounterVec
	StockConflicts         prometheus.Counter
	DispenseDuration       prometheus.Histogram
	RateLimited            prometheus.Counter
	Notifications          *prometheus.CounterVec
	OutboxPending          prometheus.Gauge
	CircuitBreakerState    *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg. A nil reg registers
// with the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		AppointmentsBooked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinic_appointments_booked_total",
			Help: "Appointments booked, by initial status",
		}, []string{"status"}),
		TokenRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clinic_token_allocation_retries_total",
			Help: "Token allocations retried after a uniqueness conflict",
		}),
		CapacityRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clinic_capacity_rejections_total",
			Help: "Bookings rejected because the doctor was fully booked",
		}),
		BookingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "clinic_booking_duration_seconds",
			Help:    "Booking duration including retries",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		PatientsCalled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clinic_patients_called_total",
			Help: "Patients moved into consultation",
		}),
		ConsultationsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clinic_consultations_completed_total",
			Help: "Consultations completed",
		}),
		AppointmentsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clinic_appointments_cancelled_total",
			Help: "Appointments cancelled",
		}),
		AppointmentsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clinic_appointments_expired_total",
			Help: "Appointments expired by the nightly sweep",
		}),
		Dispenses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pharmacy_dispenses_total",
			Help: "Dispense attempts by outcome",
		}, []string{"outcome"}),
		StockIssues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pharmacy_stock_issues_total",
			Help: "Stock issues found during dispense validation",
		}, []string{"reason"}),
		StockConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pharmacy_stock_conflicts_total",
			Help: "Conditional stock deductions lost to a concurrent writer",
		}),
		DispenseDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pharmacy_dispense_duration_seconds",
			Help:    "Dispense duration including retries",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pharmacy_notifications_total",
			Help: "Pharmacy display notifications by outcome",
		}, []string{"outcome"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.AppointmentsBooked,
		m.TokenRetries,
		m.CapacityRejections,
		m.BookingDuration,
		m.PatientsCalled,
		m.ConsultationsCompleted,
		m.AppointmentsCancelled,
		m.AppointmentsExpired,
		m.Dispenses,
		m.StockIssues,
		m.StockConflicts,
		m.DispenseDuration,
		m.RateLimited,
		m.Notifications,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// NewUnregistered returns metrics backed by a private registry, for tests and
// for components constructed without shared metrics.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
