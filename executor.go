package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
)

// stepExecutor runs exactly one step's forward or compensation operation,
// applying the retry policy and persisting every state transition through
// the store before returning. Step-level errors are fully contained and
// classified here; only the coordinator decides what a classified error
// triggers.
type stepExecutor struct {
	store       Store
	client      OperationClient
	policy      RetryPolicy
	logger      Logger
	stepTimeout time.Duration
	compTimeout time.Duration
}

var ErrStepExecute = errors.New("failed to execute step")

// runForward drives one step to StepSucceeded or StepFailed. The step
// arrives in whatever state the store last persisted: Pending on a fresh
// run, Executing or Retrying after a crash. Transient retries reuse the same
// request id; the callee's idempotency contract makes a duplicate delivery
// harmless.
func (e *stepExecutor) runForward(ctx context.Context, sagaID string, step *StepRecord) error {
	switch step.State {
	case StepSucceeded:
		return nil
	case StepFailed:
		// Crash happened between this step failing and compensation
		// starting; do not re-execute, surface the recorded failure.
		return errors.Join(ErrStepFailed, errors.New(step.LastError))
	case StepPending, StepExecuting, StepRetrying:
	default:
		return errors.Join(ErrStepExecute, fmt.Errorf("step %d in unexpected forward state %s", step.Index, step.State))
	}

	requestID := step.RequestID
	if requestID == "" {
		requestID = RequestIDFor(sagaID, step.Index, step.Epoch, false)
	}

	prev := step.State
	attempt := uint64(step.AttemptCount)
	var lastErr error

	// Persistence must outlive forward-phase cancellation: the outcome of an
	// attempt that was already in flight still has to be recorded.
	pctx := context.WithoutCancel(ctx)

	doErr := retry.Do(ctx, e.policy.Backoff(), func(ctx context.Context) error {
		started := time.Now().UTC()
		update := StepUpdate{RequestID: requestID, AttemptCount: int(attempt) + 1}
		if prev == StepPending {
			update.StartedAt = &started
		}
		if err := e.store.TransitionStep(pctx, sagaID, step.Index, prev, StepExecuting, update); err != nil {
			return err // StaleState or store failure: abort, never retry
		}
		prev = StepExecuting

		payload, err := e.invoke(ctx, sagaID, step, step.Forward, requestID, e.stepTimeout)
		if err == nil {
			for k, v := range payload {
				if setErr := e.store.SetContext(pctx, sagaID, k, v); setErr != nil {
					return setErr
				}
			}
			completed := time.Now().UTC()
			return e.store.TransitionStep(pctx, sagaID, step.Index, StepExecuting, StepSucceeded, StepUpdate{
				Result:      payload,
				CompletedAt: &completed,
			})
		}

		lastErr = err
		if e.policy.ShouldRetry(attempt, err) {
			if trErr := e.store.TransitionStep(pctx, sagaID, step.Index, StepExecuting, StepRetrying, StepUpdate{
				AttemptCount: int(attempt) + 1,
				LastError:    err.Error(),
			}); trErr != nil {
				return trErr
			}
			prev = StepRetrying
			attempt++
			e.logger.Debug(ctx, "step retrying", "saga.id", sagaID, "step.index", step.Index, "step.attempt", attempt, "error", err.Error())
			return retry.RetryableError(err)
		}

		completed := time.Now().UTC()
		if trErr := e.store.TransitionStep(pctx, sagaID, step.Index, StepExecuting, StepFailed, StepUpdate{
			AttemptCount: int(attempt) + 1,
			LastError:    err.Error(),
			CompletedAt:  &completed,
		}); trErr != nil {
			return trErr
		}
		e.logger.Warn(ctx, "step failed", "saga.id", sagaID, "step.index", step.Index, "step.name", step.Name, "error", err.Error())
		return errors.Join(ErrStepFailed, err)
	})

	if doErr == nil {
		e.logger.Debug(ctx, "step succeeded", "saga.id", sagaID, "step.index", step.Index, "step.name", step.Name)
		return nil
	}
	// Interrupted mid-backoff: the step stays Retrying for recovery.
	if ctx.Err() != nil && !errors.Is(doErr, ErrStepFailed) && lastErr != nil {
		return errors.Join(ErrStepExecute, ctx.Err(), lastErr)
	}
	return doErr
}

// runCompensation undoes one succeeded step. A compensation that exhausts
// its retries leaves the step CompensationFailed and reports it loudly; it
// is never silently skipped. Manual recovery of a CompensationFailed step
// re-attempts with a fresh epoch (and therefore a fresh request id).
func (e *stepExecutor) runCompensation(ctx context.Context, sagaID string, step *StepRecord) error {
	switch step.State {
	case StepCompensated:
		return nil
	case StepSucceeded, StepCompensating, StepCompensationFailed:
	default:
		return errors.Join(ErrStepExecute, fmt.Errorf("step %d in unexpected compensation state %s", step.Index, step.State))
	}

	if step.Compensation == nil {
		// Declared non-reversible at definition time; nothing to undo.
		if err := e.store.TransitionStep(ctx, sagaID, step.Index, step.State, StepCompensated, StepUpdate{}); err != nil {
			return err
		}
		e.logger.Warn(ctx, "step has no compensation, skipping", "saga.id", sagaID, "step.index", step.Index, "step.name", step.Name)
		return nil
	}

	epoch := step.Epoch
	if step.State == StepCompensationFailed {
		epoch++
	}
	requestID := RequestIDFor(sagaID, step.Index, epoch, true)

	prev := step.State
	var attempt uint64
	if prev == StepCompensating {
		attempt = uint64(step.AttemptCount)
	}

	doErr := retry.Do(ctx, e.policy.Backoff(), func(ctx context.Context) error {
		update := StepUpdate{RequestID: requestID, Epoch: epoch, AttemptCount: int(attempt) + 1}
		if err := e.store.TransitionStep(ctx, sagaID, step.Index, prev, StepCompensating, update); err != nil {
			return err
		}
		prev = StepCompensating

		_, err := e.invoke(ctx, sagaID, step, *step.Compensation, requestID, e.compTimeout)
		if err == nil {
			completed := time.Now().UTC()
			return e.store.TransitionStep(ctx, sagaID, step.Index, StepCompensating, StepCompensated, StepUpdate{
				CompletedAt: &completed,
			})
		}

		if e.policy.ShouldRetry(attempt, err) {
			attempt++
			e.logger.Debug(ctx, "compensation retrying", "saga.id", sagaID, "step.index", step.Index, "step.attempt", attempt, "error", err.Error())
			if trErr := e.store.TransitionStep(ctx, sagaID, step.Index, StepCompensating, StepCompensating, StepUpdate{
				AttemptCount: int(attempt),
				LastError:    err.Error(),
			}); trErr != nil {
				return trErr
			}
			return retry.RetryableError(err)
		}

		if trErr := e.store.TransitionStep(ctx, sagaID, step.Index, StepCompensating, StepCompensationFailed, StepUpdate{
			AttemptCount: int(attempt) + 1,
			LastError:    err.Error(),
		}); trErr != nil {
			return trErr
		}
		e.logger.Error(ctx, "compensation failed, manual recovery required", "saga.id", sagaID, "step.index", step.Index, "step.name", step.Name, "error", err.Error())
		return errors.Join(ErrCompensationFailed, err)
	})

	if doErr == nil {
		e.logger.Debug(ctx, "step compensated", "saga.id", sagaID, "step.index", step.Index, "step.name", step.Name)
	}
	return doErr
}

// invoke interpolates the operation's variables against the authoritative
// context, bounds the call with the phase timeout and classifies the
// outcome. The state is reloaded from the store on every attempt; no
// in-memory copy is trusted across a suspension point.
func (e *stepExecutor) invoke(ctx context.Context, sagaID string, step *StepRecord, op Operation, requestID string, timeout time.Duration) (Payload, error) {
	sg, err := e.store.LoadSaga(context.WithoutCancel(ctx), sagaID)
	if err != nil {
		return nil, err
	}

	vars, err := interpolateVariables(op.Variables, sg.Context)
	if err != nil {
		return nil, PermanentError(op.Service, op.Operation, "interpolation failed", err)
	}

	// The call itself is detached from saga-level cancellation so an
	// in-flight attempt always runs to its own conclusion; cancellation
	// takes effect between attempts, in the retry loop.
	callCtx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(callCtx, timeout)
		defer cancel()
	}

	payload, err := e.client.Invoke(callCtx, op.Service, op.Operation, vars, requestID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, TransientError(op.Service, op.Operation, fmt.Sprintf("step %d timed out after %s", step.Index, timeout), err)
		}
		var oe *OpError
		if errors.As(err, &oe) {
			return nil, err
		}
		return nil, TransientError(op.Service, op.Operation, "unclassified failure", err)
	}
	return payload, nil
}
