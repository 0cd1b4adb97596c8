// Package saga coordinates multi-step, multi-service business transactions
// without distributed locks. A saga executes forward steps in the order its
// definition prescribes; when a step fails permanently, every previously
// succeeded step is undone by its compensation operation, in strict reverse
// completion order. All saga and step state lives in a Store so that a crash
// never loses track of an in-flight transaction.
package saga

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a saga instance.
type Status string

const (
	StatusCreated      Status = "created"
	StatusExecuting    Status = "executing"
	StatusCompleted    Status = "completed"
	StatusCompensating Status = "compensating"
	StatusCanceling    Status = "canceling"
	StatusRolledBack   Status = "rolled_back"
	StatusFailed       Status = "failed"
)

// Terminal reports whether no further transitions are possible. A Failed saga
// is terminal for the engine but unresolved for the business: it waits for an
// operator, never for another automatic driver.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRolledBack, StatusFailed:
		return true
	}
	return false
}

// StepState is the lifecycle state of a single step within a saga.
type StepState string

const (
	StepPending            StepState = "pending"
	StepExecuting          StepState = "executing"
	StepRetrying           StepState = "retrying"
	StepSucceeded          StepState = "succeeded"
	StepFailed             StepState = "failed"
	StepCompensating       StepState = "compensating"
	StepCompensated        StepState = "compensated"
	StepCompensationFailed StepState = "compensation_failed"
)

// Terminal reports whether the step has reached a resting state.
func (s StepState) Terminal() bool {
	switch s {
	case StepSucceeded, StepCompensated, StepCompensationFailed:
		return true
	}
	return false
}

// Operation names one remote call: an operation on a service, with variables
// that may reference saga context through {context.key} placeholders.
type Operation struct {
	Service   string         `json:"service" yaml:"service" validate:"required"`
	Operation string         `json:"operation" yaml:"operation" validate:"required"`
	Variables map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`
}

// Payload is the result document of a remote operation.
type Payload map[string]any

// Saga is the persisted record of one business transaction.
type Saga struct {
	ID           string
	DefinitionID string
	Status       Status
	Steps        []StepRecord
	Context      map[string]any
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// StepRecord is the persisted state of one unit of work within a saga.
type StepRecord struct {
	Index        int
	Name         string
	Forward      Operation
	Compensation *Operation
	State        StepState
	RequestID    string
	Epoch        int
	AttemptCount int
	// CompletionSeq is assigned by the store when the step reaches
	// StepSucceeded; compensation walks succeeded steps by descending seq.
	CompletionSeq int
	LastError     string
	Result        Payload
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// Reversible reports whether the step declared a compensation operation.
func (s *StepRecord) Reversible() bool {
	return s.Compensation != nil
}

// RequestIDFor derives the deterministic idempotency key for one logical
// attempt of a step. Transient retries reuse the key; only a redrive of a
// step that already reported a confirmed failure bumps the epoch.
func RequestIDFor(sagaID string, stepIndex, epoch int, compensation bool) string {
	ns, err := uuid.Parse(sagaID)
	if err != nil {
		ns = uuid.NewSHA1(uuid.NameSpaceOID, []byte(sagaID))
	}
	phase := "forward"
	if compensation {
		phase = "compensation"
	}
	return uuid.NewSHA1(ns, []byte(fmt.Sprintf("%s:%d:%d", phase, stepIndex, epoch))).String()
}

// Result is what callers of Execute observe: the terminal status, the saga
// context accumulated by forward steps, and on failure the step that caused
// it.
type Result struct {
	SagaID     string
	Status     Status
	Context    map[string]any
	FailedStep int
	LastError  string
}

// RecoveryType tags how a recovery attempt was initiated.
type RecoveryType string

const (
	RecoveryStartup   RecoveryType = "startup"
	RecoveryAutomatic RecoveryType = "automatic"
	RecoveryManual    RecoveryType = "manual"
)

// RecoveryRecord is the persisted audit trail of one redrive attempt.
type RecoveryRecord struct {
	ID           string
	SagaID       string
	RecoveryType RecoveryType
	AttemptedAt  time.Time
	AttemptCount int
	LastError    string
}

func (s *Saga) clone() *Saga {
	if s == nil {
		return nil
	}
	out := *s
	out.Steps = make([]StepRecord, len(s.Steps))
	for i := range s.Steps {
		out.Steps[i] = *s.Steps[i].clone()
	}
	out.Context = cloneMap(s.Context)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

func (s *StepRecord) clone() *StepRecord {
	out := *s
	out.Forward.Variables = cloneMap(s.Forward.Variables)
	if s.Compensation != nil {
		comp := *s.Compensation
		comp.Variables = cloneMap(s.Compensation.Variables)
		out.Compensation = &comp
	}
	out.Result = cloneMap(s.Result)
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

func cloneMap[M ~map[string]any](m M) M {
	if m == nil {
		return nil
	}
	out := make(M, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// StepByIndex returns the step record with the given index, or nil.
func (s *Saga) StepByIndex(index int) *StepRecord {
	for i := range s.Steps {
		if s.Steps[i].Index == index {
			return &s.Steps[i]
		}
	}
	return nil
}

// SucceededInReverse returns the indexes of succeeded steps ordered by
// descending completion sequence.
func (s *Saga) SucceededInReverse() []int {
	type done struct{ index, seq int }
	var completed []done
	for i := range s.Steps {
		if s.Steps[i].State == StepSucceeded {
			completed = append(completed, done{s.Steps[i].Index, s.Steps[i].CompletionSeq})
		}
	}
	for i := 1; i < len(completed); i++ {
		for j := i; j > 0 && completed[j].seq > completed[j-1].seq; j-- {
			completed[j], completed[j-1] = completed[j-1], completed[j]
		}
	}
	out := make([]int, len(completed))
	for i, d := range completed {
		out[i] = d.index
	}
	return out
}
