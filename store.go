package saga

import (
	"context"
	"time"
)

// StepUpdate carries the fields a step transition writes alongside the
// compare-and-swap state change.
type StepUpdate struct {
	RequestID    string
	Epoch        int
	AttemptCount int
	LastError    string
	Result       Payload
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// StoreCounts is an observability snapshot of a backend.
type StoreCounts struct {
	Sagas      int64
	Steps      int64
	Recoveries int64
}

// Store is the single source of truth for saga and step state. All writes
// are durable before the call returns; the coordinator holds no
// authoritative in-memory state across a crash boundary.
//
// Compare-and-swap transitions are the only safety net against one saga
// being driven by two tasks at once: a driver whose expected state no longer
// matches gets ErrStaleState and must abort its step without retry.
type Store interface {
	// CreateSaga persists the saga with all steps pending, atomically.
	// A non-empty creationKey makes re-submission safe: a second create
	// with the same key fails with ErrDuplicateSaga.
	CreateSaga(ctx context.Context, s *Saga, creationKey string) error

	// LoadSaga returns ErrSagaNotFound when absent.
	LoadSaga(ctx context.Context, sagaID string) (*Saga, error)

	// TransitionStep moves one step from one state to another with
	// compare-and-swap semantics, applying the update in the same write.
	// When to is StepSucceeded the store assigns the step's completion
	// sequence number. Fails with ErrStaleState when the persisted state
	// no longer equals from.
	TransitionStep(ctx context.Context, sagaID string, stepIndex int, from, to StepState, update StepUpdate) error

	// TransitionSaga moves the saga-level status, also compare-and-swap.
	TransitionSaga(ctx context.Context, sagaID string, from, to Status) error

	// SetContext writes one context entry.
	SetContext(ctx context.Context, sagaID, key string, value any) error

	// Finalize records the terminal status, completion time and last error.
	Finalize(ctx context.Context, sagaID string, terminal Status, lastError string) error

	// ListIncomplete returns sagas not in a terminal status whose
	// updated_at is older than the given instant, so an actively running
	// saga is never raced.
	ListIncomplete(ctx context.Context, olderThan time.Time) ([]*Saga, error)

	// AddRecovery appends a redrive audit record.
	AddRecovery(ctx context.Context, rec *RecoveryRecord) error

	// RecoveryAttempts counts redrive records for a saga.
	RecoveryAttempts(ctx context.Context, sagaID string) (int, error)

	// ClearRecovery removes a saga's redrive records after it recovers.
	ClearRecovery(ctx context.Context, sagaID string) error

	// DeleteSaga removes one saga and its steps. Sagas are never deleted
	// automatically; this serves external archival.
	DeleteSaga(ctx context.Context, sagaID string) error

	// PurgeTerminal removes completed and rolled-back sagas older than the
	// given instant and reports how many were removed. Failed sagas are
	// kept: they are waiting for an operator.
	PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error)

	// Counts reports table sizes.
	Counts(ctx context.Context) (StoreCounts, error)
}
