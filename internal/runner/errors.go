package runner

import "errors"

// Error taxonomy.  Layers wrap these with context; callers match with
// errors.Is.
var (
	// ErrValidation is returned before any resource is touched.
	ErrValidation = errors.New("validation error")
	// ErrProvision is returned when a backend cannot create a runner.
	ErrProvision = errors.New("provision error")
	// ErrStart is returned when a created runner cannot be started.
	ErrStart = errors.New("start error")
	// ErrAttach is returned when a job cannot be attached to a runner.
	ErrAttach = errors.New("attach error")
	// ErrIntegrity is returned when an image does not match its hash.
	ErrIntegrity = errors.New("integrity error")
	// ErrNotFound is returned when an image is absent upstream.
	ErrNotFound = errors.New("not found")
	// ErrResourceExhausted is returned when a budget is spent.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrTimedOut is returned when a runner's deadline elapses.
	ErrTimedOut = errors.New("timed out")

	// ErrUnknownRunner is returned by lookups for ids the fleet never saw.
	ErrUnknownRunner = errors.New("unknown runner")
	// ErrNotReady is returned for requests made before reconciliation.
	ErrNotReady = errors.New("fleet not ready")
)

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable.  A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err, or anything it wraps, was marked
// retryable.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}
