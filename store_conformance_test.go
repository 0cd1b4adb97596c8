package saga

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreConformance exercises the full Store contract against a backend.
// Context values are strings throughout: JSON-backed stores do not preserve
// Go integer types and the engine never relies on them.
func runStoreConformance(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	newSaga := func(id string) *Saga {
		def, err := NewDefinition("conformance").
			Add(
				Step("first", op("svc", "do_first"), op("svc", "undo_first")),
				Step("second", op("svc", "do_second"), op("svc", "undo_second")),
			).
			Build()
		require.NoError(t, err)
		now := time.Now().UTC()
		return &Saga{
			ID:           id,
			DefinitionID: def.ID,
			Status:       StatusCreated,
			Steps:        def.records(),
			Context:      map[string]any{"seed": "s-1"},
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	}

	t.Run("create and load round trip", func(t *testing.T) {
		store := open(t)
		sg := newSaga("aaaaaaaa-0000-0000-0000-000000000001")
		require.NoError(t, store.CreateSaga(ctx, sg, ""))

		loaded, err := store.LoadSaga(ctx, sg.ID)
		require.NoError(t, err)
		assert.Equal(t, sg.ID, loaded.ID)
		assert.Equal(t, StatusCreated, loaded.Status)
		assert.Equal(t, "s-1", loaded.Context["seed"])
		require.Len(t, loaded.Steps, 2)
		assert.Equal(t, "first", loaded.Steps[0].Name)
		assert.Equal(t, StepPending, loaded.Steps[0].State)
		require.NotNil(t, loaded.Steps[0].Compensation)
		assert.Equal(t, "undo_first", loaded.Steps[0].Compensation.Operation)
	})

	t.Run("load missing saga", func(t *testing.T) {
		store := open(t)
		_, err := store.LoadSaga(ctx, "aaaaaaaa-0000-0000-0000-00000000dead")
		require.ErrorIs(t, err, ErrSagaNotFound)
	})

	t.Run("duplicate id and creation key", func(t *testing.T) {
		store := open(t)
		sg := newSaga("aaaaaaaa-0000-0000-0000-000000000002")
		require.NoError(t, store.CreateSaga(ctx, sg, "key-1"))

		require.ErrorIs(t, store.CreateSaga(ctx, sg, ""), ErrDuplicateSaga)

		other := newSaga("aaaaaaaa-0000-0000-0000-000000000003")
		require.ErrorIs(t, store.CreateSaga(ctx, other, "key-1"), ErrDuplicateSaga)

		// an empty creation key never collides
		require.NoError(t, store.CreateSaga(ctx, other, ""))
		another := newSaga("aaaaaaaa-0000-0000-0000-000000000004")
		require.NoError(t, store.CreateSaga(ctx, another, ""))
	})

	t.Run("step transition compare and swap", func(t *testing.T) {
		store := open(t)
		sg := newSaga("aaaaaaaa-0000-0000-0000-000000000005")
		require.NoError(t, store.CreateSaga(ctx, sg, ""))

		started := time.Now().UTC()
		require.NoError(t, store.TransitionStep(ctx, sg.ID, 0, StepPending, StepExecuting, StepUpdate{
			RequestID:    "req-1",
			AttemptCount: 1,
			StartedAt:    &started,
		}))

		// a second driver expecting Pending loses
		err := store.TransitionStep(ctx, sg.ID, 0, StepPending, StepExecuting, StepUpdate{})
		require.ErrorIs(t, err, ErrStaleState)

		loaded, err := store.LoadSaga(ctx, sg.ID)
		require.NoError(t, err)
		step := loaded.StepByIndex(0)
		assert.Equal(t, StepExecuting, step.State)
		assert.Equal(t, "req-1", step.RequestID)
		assert.Equal(t, 1, step.AttemptCount)
		assert.NotNil(t, step.StartedAt)
	})

	t.Run("completion sequence is monotonic", func(t *testing.T) {
		store := open(t)
		sg := newSaga("aaaaaaaa-0000-0000-0000-000000000006")
		require.NoError(t, store.CreateSaga(ctx, sg, ""))

		// second step completes before the first
		for _, idx := range []int{1, 0} {
			require.NoError(t, store.TransitionStep(ctx, sg.ID, idx, StepPending, StepExecuting, StepUpdate{AttemptCount: 1}))
			require.NoError(t, store.TransitionStep(ctx, sg.ID, idx, StepExecuting, StepSucceeded, StepUpdate{
				Result: Payload{"out": "v"},
			}))
		}

		loaded, err := store.LoadSaga(ctx, sg.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, loaded.StepByIndex(1).CompletionSeq)
		assert.Equal(t, 2, loaded.StepByIndex(0).CompletionSeq)
		assert.Equal(t, []int{0, 1}, loaded.SucceededInReverse())
	})

	t.Run("saga transition compare and swap", func(t *testing.T) {
		store := open(t)
		sg := newSaga("aaaaaaaa-0000-0000-0000-000000000007")
		require.NoError(t, store.CreateSaga(ctx, sg, ""))

		require.NoError(t, store.TransitionSaga(ctx, sg.ID, StatusCreated, StatusExecuting))
		require.ErrorIs(t, store.TransitionSaga(ctx, sg.ID, StatusCreated, StatusExecuting), ErrStaleState)

		loaded, err := store.LoadSaga(ctx, sg.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusExecuting, loaded.Status)
	})

	t.Run("set context and finalize", func(t *testing.T) {
		store := open(t)
		sg := newSaga("aaaaaaaa-0000-0000-0000-000000000008")
		require.NoError(t, store.CreateSaga(ctx, sg, ""))

		require.NoError(t, store.SetContext(ctx, sg.ID, "charge_id", "ch_9"))
		require.NoError(t, store.Finalize(ctx, sg.ID, StatusRolledBack, "out of stock"))

		loaded, err := store.LoadSaga(ctx, sg.ID)
		require.NoError(t, err)
		assert.Equal(t, "ch_9", loaded.Context["charge_id"])
		assert.Equal(t, "s-1", loaded.Context["seed"], "existing keys survive")
		assert.Equal(t, StatusRolledBack, loaded.Status)
		assert.Equal(t, "out of stock", loaded.LastError)
		assert.NotNil(t, loaded.CompletedAt)
	})

	t.Run("list incomplete", func(t *testing.T) {
		store := open(t)
		running := newSaga("aaaaaaaa-0000-0000-0000-000000000009")
		done := newSaga("aaaaaaaa-0000-0000-0000-00000000000a")
		require.NoError(t, store.CreateSaga(ctx, running, ""))
		require.NoError(t, store.CreateSaga(ctx, done, ""))
		require.NoError(t, store.Finalize(ctx, done.ID, StatusCompleted, ""))

		time.Sleep(5 * time.Millisecond)
		list, err := store.ListIncomplete(ctx, time.Now().UTC())
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, running.ID, list[0].ID)

		// a fresh cutoff excludes recently touched sagas
		list, err = store.ListIncomplete(ctx, time.Now().UTC().Add(-time.Hour))
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("recovery records", func(t *testing.T) {
		store := open(t)
		sg := newSaga("aaaaaaaa-0000-0000-0000-00000000000b")
		require.NoError(t, store.CreateSaga(ctx, sg, ""))

		for i := 1; i <= 3; i++ {
			require.NoError(t, store.AddRecovery(ctx, &RecoveryRecord{
				ID:           sg.ID + "-" + string(rune('0'+i)),
				SagaID:       sg.ID,
				RecoveryType: RecoveryAutomatic,
				AttemptedAt:  time.Now().UTC(),
				AttemptCount: i,
			}))
		}

		attempts, err := store.RecoveryAttempts(ctx, sg.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, attempts)

		require.NoError(t, store.ClearRecovery(ctx, sg.ID))
		attempts, err = store.RecoveryAttempts(ctx, sg.ID)
		require.NoError(t, err)
		assert.Zero(t, attempts)
	})

	t.Run("delete and purge", func(t *testing.T) {
		store := open(t)
		doomed := newSaga("aaaaaaaa-0000-0000-0000-00000000000c")
		failed := newSaga("aaaaaaaa-0000-0000-0000-00000000000d")
		completed := newSaga("aaaaaaaa-0000-0000-0000-00000000000e")
		for _, sg := range []*Saga{doomed, failed, completed} {
			require.NoError(t, store.CreateSaga(ctx, sg, ""))
		}

		require.NoError(t, store.DeleteSaga(ctx, doomed.ID))
		_, err := store.LoadSaga(ctx, doomed.ID)
		require.ErrorIs(t, err, ErrSagaNotFound)

		require.NoError(t, store.Finalize(ctx, failed.ID, StatusFailed, "stuck"))
		require.NoError(t, store.Finalize(ctx, completed.ID, StatusCompleted, ""))

		time.Sleep(5 * time.Millisecond)
		purged, err := store.PurgeTerminal(ctx, time.Now().UTC())
		require.NoError(t, err)
		assert.EqualValues(t, 1, purged)

		// failed sagas wait for an operator and are never purged
		_, err = store.LoadSaga(ctx, failed.ID)
		require.NoError(t, err)
		_, err = store.LoadSaga(ctx, completed.ID)
		require.ErrorIs(t, err, ErrSagaNotFound)

		counts, err := store.Counts(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, counts.Sagas)
		assert.EqualValues(t, 2, counts.Steps)
	})
}
