package pharmacy

import (
	"fmt"
	"strings"
	"time"
)

// DefaultReorderLevel applies when a medicine is created without one.
const DefaultReorderLevel = 10

// Medicine is a stock-tracked inventory item.
type Medicine struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name"`
	GenericName   string     `json:"generic_name,omitempty"`
	Category      string     `json:"category,omitempty"`
	Strength      string     `json:"strength,omitempty"`
	Form          string     `json:"form,omitempty"`
	Manufacturer  string     `json:"manufacturer,omitempty"`
	BatchNumber   string     `json:"batch_number,omitempty"`
	PricePerUnit  float64    `json:"price_per_unit"`
	StockQuantity int        `json:"stock_quantity"`
	ReorderLevel  int        `json:"reorder_level"`
	ExpiryDate    *time.Time `json:"expiry_date,omitempty"`
	IsAvailable   bool       `json:"is_available"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// StockLevel buckets a medicine's stock for display.
type StockLevel string

const (
	StockCritical  StockLevel = "critical"
	StockLow       StockLevel = "low"
	StockAvailable StockLevel = "available"
)

// LowStock reports whether the medicine is at or below its reorder level.
func (m *Medicine) LowStock() bool {
	return m.StockQuantity <= m.ReorderLevel
}

// StockStatus buckets the current stock quantity.
func (m *Medicine) StockStatus() StockLevel {
	switch {
	case m.StockQuantity < 10:
		return StockCritical
	case m.StockQuantity < 50:
		return StockLow
	default:
		return StockAvailable
	}
}

// Validate checks the inventory constraints.
func (m *Medicine) Validate() error {
	if NormalizeName(m.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidMedicine)
	}
	if m.StockQuantity < 0 {
		return fmt.Errorf("%w: stock quantity cannot be negative", ErrInvalidMedicine)
	}
	if m.PricePerUnit < 0 {
		return fmt.Errorf("%w: price cannot be negative", ErrInvalidMedicine)
	}
	if m.ReorderLevel < 0 {
		return fmt.Errorf("%w: reorder level cannot be negative", ErrInvalidMedicine)
	}
	return nil
}

// NormalizeName is the case-insensitive lookup key for a medicine name.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// IssueReason explains why a line item cannot be dispensed.
type IssueReason string

const (
	ReasonNotFound     IssueReason = "not_found"
	ReasonUnavailable  IssueReason = "unavailable"
	ReasonInsufficient IssueReason = "insufficient"
)

// StockIssue is a shortfall found while validating a prescription.
type StockIssue struct {
	Medicine  string      `json:"medicine"`
	Requested int         `json:"requested"`
	Available int         `json:"available"`
	Reason    IssueReason `json:"reason"`
}

// Shortfall is how many units are missing.
func (s StockIssue) Shortfall() int {
	if s.Available >= s.Requested {
		return 0
	}
	return s.Requested - s.Available
}

// Message renders the issue for pharmacy staff.
func (s StockIssue) Message() string {
	switch s.Reason {
	case ReasonNotFound:
		return fmt.Sprintf("Medicine %q not found in inventory", s.Medicine)
	case ReasonUnavailable:
		return fmt.Sprintf("Medicine %q is marked unavailable", s.Medicine)
	default:
		return fmt.Sprintf("Insufficient stock for %q: needed %d, available %d", s.Medicine, s.Requested, s.Available)
	}
}

// DispenseLogEntry records one stock deduction.
type DispenseLogEntry struct {
	MedicineID     int64  `json:"medicine_id"`
	MedicineName   string `json:"medicine_name"`
	Quantity       int    `json:"quantity"`
	RemainingStock int    `json:"remaining_stock"`
}

// DispenseResult is the outcome of a dispense attempt. When Dispensed is
// false, StockIssues lists every problem found and nothing was written.
type DispenseResult struct {
	PrescriptionID int64              `json:"prescription_id"`
	Dispensed      bool               `json:"dispensed"`
	StockIssues    []StockIssue       `json:"stock_issues,omitempty"`
	Log            []DispenseLogEntry `json:"dispensing_log,omitempty"`
	DispensedAt    *time.Time         `json:"dispensed_at,omitempty"`
}

// FormatDispenseNotes renders the deduction log appended to pharmacy notes.
func FormatDispenseNotes(existing string, log []DispenseLogEntry) string {
	var b strings.Builder
	if strings.TrimSpace(existing) != "" {
		b.WriteString(existing)
		b.WriteString("\n\n")
	}
	b.WriteString("Dispensed:")
	for _, e := range log {
		fmt.Fprintf(&b, "\n- %s: %d units (remaining: %d)", e.MedicineName, e.Quantity, e.RemainingStock)
	}
	return b.String()
}
