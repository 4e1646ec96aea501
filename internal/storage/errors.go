package storage

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrJobNotFound    = errors.New("storage: job not found")
	ErrJobExists      = errors.New("storage: job already exists")
	ErrIntentNotFound = errors.New("storage: intent not found")

	// ErrStaleSchedule means the job's next_fire_at moved since it was read.
	ErrStaleSchedule = errors.New("storage: schedule changed concurrently")

	// ErrLeaseLost means the intent is no longer held under the given lease token.
	ErrLeaseLost = errors.New("storage: lease lost")

	ErrUnavailable = errors.New("storage: unavailable")
)

// StoreError wraps a backend failure. Transient errors are worth retrying.
type StoreError struct {
	Op        string
	Err       error
	Transient bool
}

func (e *StoreError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a StoreError marked transient.
func IsTransient(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Transient
}

// isDomainErr reports errors that are answers, not failures.
func isDomainErr(err error) bool {
	return errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrJobExists) ||
		errors.Is(err, ErrIntentNotFound) ||
		errors.Is(err, ErrStaleSchedule) ||
		errors.Is(err, ErrLeaseLost)
}

// wrapErr turns a backend error into a *StoreError using classify to decide
// transience. Domain sentinels and context errors pass through unchanged.
func wrapErr(op string, err error, classify func(error) bool) error {
	if err == nil {
		return nil
	}
	if isDomainErr(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	transient := false
	if classify != nil {
		transient = classify(err)
	}
	return &StoreError{Op: op, Err: err, Transient: transient}
}
