package convey

import "errors"

var (
	// Backend errors.
	ErrNoBackend     = errors.New("convey: no backend configured")
	ErrBackendClosed = errors.New("convey: backend closed")

	// Not found errors.
	ErrJobNotFound = errors.New("convey: job not found")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("convey: job already exists")

	// State errors. ErrInvalidTransition is returned when an operation is
	// attempted against a job whose current status does not permit it,
	// e.g. Complete on a job another worker already reclaimed, or Fail on
	// a job that has gone terminal. Callers check it with errors.Is.
	ErrInvalidTransition    = errors.New("convey: invalid status transition")
	ErrHandlerNotRegistered = errors.New("convey: no handler registered")
)
