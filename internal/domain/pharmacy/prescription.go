// Package pharmacy models prescriptions, the medicine inventory and the
// outcome of dispensing against it.
package pharmacy

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"time"
)

// Status represents pharmacy fulfilment status
type Status string

const (
	StatusPending   Status = "pending"
	StatusPreparing Status = "preparing"
	StatusReady     Status = "ready"
	StatusDispensed Status = "dispensed"
	StatusCancelled Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusPending:   {StatusPreparing, StatusReady, StatusDispensed, StatusCancelled},
	StatusPreparing: {StatusPending, StatusReady, StatusDispensed, StatusCancelled},
	StatusReady:     {StatusPreparing, StatusDispensed, StatusCancelled},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, open := transitions[s]
	return open || s.IsTerminal()
}

// IsTerminal reports whether the prescription can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusDispensed || s == StatusCancelled
}

// CanTransitionTo reports whether s -> next is allowed.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// LineItem is one medicine requested on a prescription.
type LineItem struct {
	MedicineName string `json:"name"`
	Quantity     int    `json:"quantity"`
	Dosage       string `json:"dosage,omitempty"`
	Instructions string `json:"instructions,omitempty"`
	DurationDays int    `json:"duration_days,omitempty"`
}

// MaxLineQuantity bounds a single line item.
const MaxLineQuantity = 100000

// Validate checks a single line item.
func (li LineItem) Validate() error {
	if strings.TrimSpace(li.MedicineName) == "" {
		return fmt.Errorf("%w: medicine name is required", ErrInvalidLineItem)
	}
	if li.Quantity <= 0 {
		return fmt.Errorf("%w: quantity for %q must be positive", ErrInvalidLineItem, li.MedicineName)
	}
	if li.Quantity > MaxLineQuantity {
		return fmt.Errorf("%w: quantity for %q exceeds %d", ErrInvalidLineItem, li.MedicineName, MaxLineQuantity)
	}
	return nil
}

// ValidateItems checks every line item on a prescription.
func ValidateItems(items []LineItem) error {
	if len(items) == 0 {
		return ErrEmptyPrescription
	}
	for _, li := range items {
		if err := li.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Prescription is issued by a doctor at consultation completion and fulfilled
// by the pharmacy.
type Prescription struct {
	ID            int64      `json:"id"`
	AppointmentID int64      `json:"appointment_id"`
	PatientID     int64      `json:"patient_id"`
	DoctorID      int64      `json:"doctor_id"`
	Items         []LineItem `json:"items"`
	Diagnosis     string     `json:"diagnosis,omitempty"`
	Status        Status     `json:"pharmacy_status"`
	PharmacyNotes string     `json:"pharmacy_notes,omitempty"`
	PickupToken   string     `json:"pickup_token"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	DispensedAt   *time.Time `json:"dispensed_at,omitempty"`
}

// NewPickupToken returns the 4-digit number the patient quotes at the counter.
func NewPickupToken() string {
	return fmt.Sprintf("%04d", 1000+rand.IntN(9000))
}

// RequestedQuantities sums line items per medicine, keyed by normalized name.
// Sums saturate at math.MaxInt instead of wrapping. Names are returned in
// sorted order so row locks are always taken in the same sequence.
func (p *Prescription) RequestedQuantities() (names []string, qty map[string]int, display map[string]string) {
	qty = make(map[string]int)
	display = make(map[string]string)
	for _, li := range p.Items {
		key := NormalizeName(li.MedicineName)
		if key == "" || li.Quantity <= 0 {
			continue
		}
		if _, seen := qty[key]; !seen {
			names = append(names, key)
			display[key] = strings.TrimSpace(li.MedicineName)
		}
		if qty[key] > math.MaxInt-li.Quantity {
			qty[key] = math.MaxInt
		} else {
			qty[key] += li.Quantity
		}
	}
	sort.Strings(names)
	return names, qty, display
}

// PrescriptionFilter narrows ListPrescriptions.
type PrescriptionFilter struct {
	Status    Status
	PatientID int64
	DoctorID  int64
	Limit     int
	Offset    int
}
