// Package queue implements token allocation, the appointment state machine
// and the nightly expiry sweep.
package queue

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/medisync/go-cpf/internal/domain/appointment"
)

// Config holds queue engine configuration
type Config struct {
	// MinutesPerPatient is the consultation slot used for wait estimates
	MinutesPerPatient int
	// MaxBookingAttempts bounds token allocation retries on collision
	MaxBookingAttempts uint
	// RetryBaseDelay is the first backoff interval between attempts; zero retries immediately
	RetryBaseDelay time.Duration
	// Location is the clinic's time zone; it decides what "today" is
	Location *time.Location
	// Ordering ranks waiting patients; nil means token order
	Ordering appointment.Ordering
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		MinutesPerPatient:  15,
		MaxBookingAttempts: 3,
		RetryBaseDelay:     10 * time.Millisecond,
		Location:           time.UTC,
		Ordering:           appointment.ByToken{},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinutesPerPatient <= 0 {
		c.MinutesPerPatient = d.MinutesPerPatient
	}
	if c.MaxBookingAttempts == 0 {
		c.MaxBookingAttempts = d.MaxBookingAttempts
	}
	if c.Location == nil {
		c.Location = d.Location
	}
	if c.Ordering == nil {
		c.Ordering = d.Ordering
	}
	return c
}

func (c Config) newBackOff() backoff.BackOff {
	if c.RetryBaseDelay <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.RetryBaseDelay
	b.MaxInterval = 10 * c.RetryBaseDelay
	return b
}
