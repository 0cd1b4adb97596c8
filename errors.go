package saga

import (
	"errors"
	"fmt"
)

var (
	// ErrSagaFailed means compensation itself failed and the saga is left in
	// a terminal-but-unresolved state pending operator intervention.
	ErrSagaFailed = errors.New("saga failed")
	// ErrSagaRolledBack means a forward step failed and every prior step was
	// compensated successfully; consistency is preserved.
	ErrSagaRolledBack = errors.New("saga rolled back")
	// ErrSagaCanceled means the caller requested cancellation of an
	// in-flight saga.
	ErrSagaCanceled = errors.New("saga canceled")
	// ErrSagaTimeout means the saga exceeded its ceiling timeout.
	ErrSagaTimeout = errors.New("saga deadline exceeded")

	ErrStepFailed          = errors.New("step failed")
	ErrCompensationFailed  = errors.New("compensation failed")
	ErrDefinition          = errors.New("invalid saga definition")
	ErrUnknownDefinition   = errors.New("unknown saga definition")
	ErrInterpolation       = errors.New("variable interpolation failed")
	ErrBranchNotSelected   = errors.New("no branch predicate matched")
	ErrSagaAlreadyTerminal = errors.New("saga already terminal")

	// ErrSagaNotFound, ErrDuplicateSaga and ErrStaleState are the three
	// store failure kinds every backend must report. StaleState means a
	// compare-and-swap transition lost a race against another driver; the
	// loser must abort its step immediately without retry.
	ErrSagaNotFound  = errors.New("saga not found")
	ErrDuplicateSaga = errors.New("saga creation key already exists")
	ErrStaleState    = errors.New("stale state")
)

// ErrorKind classifies a remote operation failure.
type ErrorKind int

const (
	// KindTransient failures (timeouts, 5xx-equivalents) are retry-eligible.
	KindTransient ErrorKind = iota
	// KindPermanent failures (validation, business-rule rejections) are
	// never retried; they trigger compensation of prior steps.
	KindPermanent
)

func (k ErrorKind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

// OpError is the classified failure of one remote operation call. The
// executor only ever sees OpError values from a client; anything else is
// treated as transient.
type OpError struct {
	Kind      ErrorKind
	Service   string
	Operation string
	Message   string
	Err       error
}

func (e *OpError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error on %s.%s: %s: %v", e.Kind, e.Service, e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("%s error on %s.%s: %s", e.Kind, e.Service, e.Operation, e.Message)
}

func (e *OpError) Unwrap() error { return e.Err }

// TransientError builds a retry-eligible operation error.
func TransientError(service, operation, message string, cause error) *OpError {
	return &OpError{Kind: KindTransient, Service: service, Operation: operation, Message: message, Err: cause}
}

// PermanentError builds a non-retryable operation error.
func PermanentError(service, operation, message string, cause error) *OpError {
	return &OpError{Kind: KindPermanent, Service: service, Operation: operation, Message: message, Err: cause}
}

// IsTransient reports whether err is classified as retry-eligible.
// Unclassified errors count as transient: the failure mode is unknown, and
// retrying a call protected by an idempotency key is harmless.
func IsTransient(err error) bool {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Kind == KindTransient
	}
	return true
}

// IsPermanent reports whether err is classified as non-retryable.
func IsPermanent(err error) bool {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Kind == KindPermanent
	}
	return false
}
