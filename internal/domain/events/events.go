// Package events defines the domain events emitted by the clinic engine.
// Events are recorded in the same transaction as the state change they
// describe and relayed to the stream afterwards.
package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventAppointmentBooked         EventType = "AppointmentBooked"
	EventPatientCalled             EventType = "PatientCalled"
	EventConsultationCompleted     EventType = "ConsultationCompleted"
	EventAppointmentCancelled      EventType = "AppointmentCancelled"
	EventAppointmentsExpired       EventType = "AppointmentsExpired"
	EventPrescriptionIssued        EventType = "PrescriptionIssued"
	EventPrescriptionStatusChanged EventType = "PrescriptionStatusChanged"
	EventPrescriptionDispensed     EventType = "PrescriptionDispensed"
	EventMedicineLowStock          EventType = "MedicineLowStock"
)

// Aggregate types
const (
	AggregateAppointment  = "Appointment"
	AggregatePrescription = "Prescription"
	AggregateMedicine     = "Medicine"
	AggregateClinic       = "Clinic"
)

// Stream topics
const (
	TopicAppointments  = "clinic.appointments"
	TopicPrescriptions = "clinic.prescriptions"
	TopicInventory     = "clinic.inventory"
	TopicDeadLetter    = "clinic.dead-letter"
)

// Event is a domain event envelope.
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// New builds an event with a fresh ID.
func New(aggregateType string, aggregateID int64, eventType EventType, data interface{}) (*Event, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   strconv.FormatInt(aggregateID, 10),
		AggregateType: aggregateType,
		EventType:     eventType,
		Payload:       payload,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// Topic returns the stream topic the event is relayed to.
func (e *Event) Topic() string {
	return TopicFor(e.EventType)
}

// TopicFor maps an event type to its topic.
func TopicFor(t EventType) string {
	switch t {
	case EventPrescriptionIssued, EventPrescriptionStatusChanged, EventPrescriptionDispensed:
		return TopicPrescriptions
	case EventMedicineLowStock:
		return TopicInventory
	default:
		return TopicAppointments
	}
}

// Recorder persists events. Implementations join the caller's transaction
// when ctx carries one.
type Recorder interface {
	Record(ctx context.Context, e *Event) error
}

// Emit builds and records an event in one step.
func Emit(ctx context.Context, r Recorder, aggregateType string, aggregateID int64, t EventType, data interface{}) error {
	if r == nil {
		return nil
	}
	e, err := New(aggregateType, aggregateID, t, data)
	if err != nil {
		return err
	}
	e.CorrelationID = CorrelationID(ctx)
	return r.Record(ctx, e)
}

type correlationKey struct{}

// WithCorrelationID tags ctx so emitted events carry the originating request.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the ID set by WithCorrelationID.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// AppointmentData describes an appointment lifecycle change.
type AppointmentData struct {
	AppointmentID int64     `json:"appointment_id"`
	PatientID     int64     `json:"patient_id"`
	DoctorID      int64     `json:"doctor_id"`
	Date          string    `json:"appointment_date"`
	TokenNumber   int       `json:"token_number"`
	Status        string    `json:"status"`
	Actor         string    `json:"actor,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// SweepData summarizes an expiry sweep.
type SweepData struct {
	AsOf         string `json:"as_of"`
	Expired      int64  `json:"expired"`
	Promoted     int64  `json:"promoted"`
	DoctorsReset int64  `json:"doctors_reset"`
}

// PrescriptionData describes a prescription change.
type PrescriptionData struct {
	PrescriptionID int64     `json:"prescription_id"`
	AppointmentID  int64     `json:"appointment_id"`
	PatientID      int64     `json:"patient_id"`
	DoctorID       int64     `json:"doctor_id"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	PickupToken    string    `json:"pickup_token"`
	ItemCount      int       `json:"item_count"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// LowStockData flags a medicine at or below its reorder level.
type LowStockData struct {
	MedicineID     int64  `json:"medicine_id"`
	MedicineName   string `json:"medicine_name"`
	RemainingStock int    `json:"remaining_stock"`
	ReorderLevel   int    `json:"reorder_level"`
}
