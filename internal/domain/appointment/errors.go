package appointment

import "errors"

var (
	// ErrNotFound indicates the referenced appointment does not exist.
	ErrNotFound = errors.New("appointment not found")

	// ErrDoctorNotFound indicates the doctor profile is missing or inactive.
	ErrDoctorNotFound = errors.New("doctor not found")

	// ErrCapacityExceeded indicates the doctor's daily capacity is used up.
	ErrCapacityExceeded = errors.New("doctor is fully booked for this date")

	// ErrConcurrencyConflict indicates token allocation kept colliding with
	// concurrent bookings. Callers may retry.
	ErrConcurrencyConflict = errors.New("booking conflict, please try again")

	// ErrDuplicateToken is returned by stores when (doctor, date, token) is taken.
	ErrDuplicateToken = errors.New("token already allocated")

	// ErrInvalidState indicates a lifecycle precondition was violated.
	ErrInvalidState = errors.New("invalid appointment state")

	// ErrDuplicateBooking indicates the patient already holds an active
	// appointment with the doctor on that date.
	ErrDuplicateBooking = errors.New("patient already has an active appointment with this doctor on this date")

	// ErrPastDate indicates an attempt to book a day that has already passed.
	ErrPastDate = errors.New("cannot book an appointment in the past")

	// ErrInvalidRequest indicates malformed booking or consultation input.
	ErrInvalidRequest = errors.New("invalid request")
)
