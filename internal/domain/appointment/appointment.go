// Package appointment implements the appointment lifecycle and queue arithmetic.
package appointment

import (
	"time"
)

// Status represents appointment status
type Status string

const (
	StatusBooked     Status = "booked"
	StatusInQueue    Status = "in_queue"
	StatusConsulting Status = "consulting"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
)

// ActiveStatuses are the statuses that still hold a place in a doctor's queue.
var ActiveStatuses = []Status{StatusBooked, StatusInQueue, StatusConsulting}

var transitions = map[Status][]Status{
	StatusBooked:     {StatusInQueue, StatusCancelled, StatusExpired},
	StatusInQueue:    {StatusConsulting, StatusCancelled, StatusExpired},
	StatusConsulting: {StatusCompleted, StatusCancelled, StatusExpired},
}

// IsActive reports whether the appointment still occupies a queue slot.
func (s Status) IsActive() bool {
	return s == StatusBooked || s == StatusInQueue || s == StatusConsulting
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return !s.IsActive()
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusBooked, StatusInQueue, StatusConsulting, StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine allows s -> next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Priority is recorded on every appointment. Queue ordering ignores it unless
// an Ordering that reads it is configured.
type Priority string

const (
	PriorityNormal    Priority = "normal"
	PriorityEmergency Priority = "emergency"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p == PriorityNormal || p == PriorityEmergency
}

// Appointment is a patient's booking with a doctor on a calendar day.
type Appointment struct {
	ID          int64      `json:"id"`
	PatientID   int64      `json:"patient_id"`
	DoctorID    int64      `json:"doctor_id"`
	Date        time.Time  `json:"appointment_date"`
	Time        string     `json:"appointment_time,omitempty"`
	TokenNumber int        `json:"token_number"`
	Status      Status     `json:"status"`
	Priority    Priority   `json:"priority"`
	Symptoms    string     `json:"symptoms"`
	DoctorNotes string     `json:"doctor_notes,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Doctor is the queue-relevant slice of a doctor profile.
type Doctor struct {
	UserID            int64  `json:"user_id"`
	Name              string `json:"name"`
	Department        string `json:"department"`
	MaxPatientsPerDay int    `json:"max_patients_per_day"`
	CurrentToken      int    `json:"current_token"`
	AvailableFrom     string `json:"available_from,omitempty"`
	AvailableTo       string `json:"available_to,omitempty"`
	Active            bool   `json:"active"`
}

// DefaultMaxPatientsPerDay applies when a profile carries no capacity.
const DefaultMaxPatientsPerDay = 50

// Capacity returns the doctor's effective daily capacity.
func (d *Doctor) Capacity() int {
	if d.MaxPatientsPerDay <= 0 {
		return DefaultMaxPatientsPerDay
	}
	return d.MaxPatientsPerDay
}

// InitialStatus returns the status a new booking for day starts in.
func InitialStatus(day, today time.Time) Status {
	if day.Equal(today) {
		return StatusInQueue
	}
	return StatusBooked
}

// DefaultSymptoms is stored when the patient leaves symptoms blank.
const DefaultSymptoms = "General consultation"
