package pharmacy

import "errors"

var (
	ErrPrescriptionNotFound = errors.New("prescription not found")
	ErrMedicineNotFound     = errors.New("medicine not found")
	ErrDuplicateMedicine    = errors.New("medicine with this name already exists")
	ErrInvalidMedicine      = errors.New("invalid medicine")
	ErrInvalidLineItem      = errors.New("invalid prescription line item")
	ErrEmptyPrescription    = errors.New("no medicines in prescription to dispense")

	// ErrAlreadyDispensed indicates the prescription is immutable.
	ErrAlreadyDispensed = errors.New("cannot modify dispensed prescription")

	// ErrInvalidTransition indicates the requested status change is not allowed.
	ErrInvalidTransition = errors.New("invalid prescription status transition")

	// ErrStockConflict indicates a concurrent deduction won the race between
	// check and write. The whole dispense was rolled back; callers may retry.
	ErrStockConflict = errors.New("stock changed during dispensing, please retry")
)
