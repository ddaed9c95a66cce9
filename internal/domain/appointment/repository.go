package appointment

import (
	"context"
	"time"
)

// Repository is the storage capability set the queue engine runs on.
//
// Methods called with a context obtained inside InTx participate in that
// transaction. forUpdate requests an exclusive row lock held until the
// transaction ends; outside a transaction it is ignored.
type Repository interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error

	UpsertDoctor(ctx context.Context, d *Doctor) error
	GetDoctor(ctx context.Context, doctorID int64, forUpdate bool) (*Doctor, error)
	SetCurrentToken(ctx context.Context, doctorID int64, token int) error

	GetAppointment(ctx context.Context, id int64, forUpdate bool) (*Appointment, error)
	// ListForDay returns every appointment for the doctor and day ordered by token.
	ListForDay(ctx context.Context, doctorID int64, day time.Time) ([]*Appointment, error)
	ListByStatus(ctx context.Context, doctorID int64, day time.Time, status Status, forUpdate bool) ([]*Appointment, error)
	ListForPatient(ctx context.Context, patientID int64) ([]*Appointment, error)
	// CountBooked counts non-cancelled appointments against the daily capacity.
	CountBooked(ctx context.Context, doctorID int64, day time.Time) (int, error)
	// MaxToken returns the highest token issued for the doctor and day, or 0.
	MaxToken(ctx context.Context, doctorID int64, day time.Time) (int, error)
	// FindActiveForPatient returns nil, nil when the patient holds no active
	// appointment with the doctor on day.
	FindActiveForPatient(ctx context.Context, patientID, doctorID int64, day time.Time) (*Appointment, error)

	// Insert stores a and fills ID and timestamps. It returns ErrDuplicateToken
	// when the (doctor, date, token) triple is already taken.
	Insert(ctx context.Context, a *Appointment) error
	// Transition moves id from -> to only if it is currently in from, stamping
	// started/completed times as appropriate. It returns ErrInvalidState when
	// the row is not in from.
	Transition(ctx context.Context, id int64, from, to Status, at time.Time) error
	SetDoctorNotes(ctx context.Context, id int64, notes string) error

	// PromoteDue moves booked appointments dated day into in_queue. A zero
	// doctorID promotes for every doctor.
	PromoteDue(ctx context.Context, day time.Time, doctorID int64) (int64, error)
	// ExpireBefore moves every active appointment dated before day to expired.
	ExpireBefore(ctx context.Context, day time.Time) (int64, error)
	// ResetIdleDoctors zeroes current_token for doctors with nobody consulting on day.
	ResetIdleDoctors(ctx context.Context, day time.Time) (int64, error)
}
