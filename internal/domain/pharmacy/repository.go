package pharmacy

import (
	"context"
	"time"
)

// Repository is the storage capability set the dispensing engine runs on.
// Methods called with a context from InTx join that transaction.
type Repository interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error

	InsertPrescription(ctx context.Context, p *Prescription) error
	GetPrescription(ctx context.Context, id int64, forUpdate bool) (*Prescription, error)
	ListPrescriptions(ctx context.Context, f PrescriptionFilter) ([]*Prescription, error)
	// UpdatePrescription writes status, notes and dispensed_at.
	UpdatePrescription(ctx context.Context, id int64, status Status, notes string, dispensedAt *time.Time) error

	CreateMedicine(ctx context.Context, m *Medicine) error
	GetMedicine(ctx context.Context, id int64) (*Medicine, error)
	// FindMedicineByName looks the medicine up case-insensitively. With
	// forUpdate it locks the row until the transaction ends.
	FindMedicineByName(ctx context.Context, name string, forUpdate bool) (*Medicine, error)
	// DeductStockIfSufficient subtracts qty only if the medicine is available
	// and holds at least qty units at write time. ok is false when that
	// condition no longer holds.
	DeductStockIfSufficient(ctx context.Context, medicineID int64, qty int) (remaining int, ok bool, err error)
	RestockMedicine(ctx context.Context, medicineID int64, qty int) (*Medicine, error)
	ListMedicines(ctx context.Context, onlyAvailable bool) ([]*Medicine, error)
	ListLowStock(ctx context.Context) ([]*Medicine, error)
}
