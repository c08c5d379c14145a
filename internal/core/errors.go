package core

import (
	"errors"
	"fmt"
)

// Error taxonomy. Service errors wrap these sentinels; callers classify
// with errors.Is.
var (
	// ErrNotFound: entity absent or not owned by the caller. Never retried.
	ErrNotFound = errors.New("not found")

	// ErrConflict: duplicate resource or out-of-order revert. Never retried.
	ErrConflict = errors.New("conflict")

	// ErrStorageLimitExceeded: upload admission denied. Never retried.
	ErrStorageLimitExceeded = errors.New("storage limit exceeded")

	// ErrValidation: malformed request or operation parameters.
	ErrValidation = errors.New("validation failed")

	// ErrTransient: blob, database or network hiccup inside a job.
	ErrTransient = errors.New("transient failure")

	// ErrCapability: an extractor or trainer raised.
	ErrCapability = errors.New("capability failure")
)

// ErrAlreadyReverted is returned when reverting an operation twice.
var ErrAlreadyReverted = fmt.Errorf("%w: operation already reverted", ErrConflict)

// ErrJobSuperseded is returned by conditional job updates when the job is no
// longer running the expected attempt, because the sweeper reclaimed it or
// another worker already settled it.
var ErrJobSuperseded = errors.New("job attempt superseded")

// errTargetGone marks a job whose target entity was deleted after enqueue.
var errTargetGone = errors.New("target not found")

// NotFound builds an ErrNotFound for an entity.
func NotFound(entity string, id any) error {
	return fmt.Errorf("%s %v: %w", entity, id, ErrNotFound)
}

// Conflict builds an ErrConflict with a formatted reason.
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// Validation builds an ErrValidation with a formatted reason.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Transient marks err as a retryable infrastructure failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// QuotaError describes an admission denial.
type QuotaError struct {
	Tier     Tier
	Used     int64
	Incoming int64
	Limit    int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("storage limit exceeded: used %d + incoming %d bytes exceeds %s limit of %d",
		e.Used, e.Incoming, e.Tier, e.Limit)
}

func (e *QuotaError) Unwrap() error { return ErrStorageLimitExceeded }

// CapabilityError wraps a failure raised by a pluggable extractor or trainer.
// Retryable failures count against the job's attempt budget; others end the
// job on the first attempt.
type CapabilityError struct {
	Capability string
	Err        error
	Retryable  bool
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s: %v", e.Capability, e.Err)
}

func (e *CapabilityError) Unwrap() []error { return []error{ErrCapability, e.Err} }

// permanentError marks an error as not retryable regardless of its cause.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so IsRetryable reports false.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable reports whether a job attempt that failed with err may be
// tried again. Unclassified errors are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}

	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrStorageLimitExceeded),
		errors.Is(err, ErrValidation),
		errors.Is(err, errTargetGone):
		return false
	}

	var capErr *CapabilityError
	if errors.As(err, &capErr) {
		return capErr.Retryable
	}

	return true
}
