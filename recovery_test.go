package saga

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedCrashedSaga persists a saga that looks like a driver died after its
// first step succeeded: step 0 Succeeded with a completion sequence, the
// rest Pending.
func seedCrashedSaga(t *testing.T, store Store, def *Definition, id string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	sg := &Saga{
		ID:           id,
		DefinitionID: def.ID,
		Status:       StatusExecuting,
		Steps:        def.records(),
		Context:      map[string]any{"amount": 100, "sku": "W"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, store.CreateSaga(ctx, sg, ""))
	require.NoError(t, store.TransitionStep(ctx, id, 0, StepPending, StepExecuting, StepUpdate{
		RequestID:    RequestIDFor(id, 0, 0, false),
		AttemptCount: 1,
	}))
	require.NoError(t, store.TransitionStep(ctx, id, 0, StepExecuting, StepSucceeded, StepUpdate{
		Result: Payload{"charge_id": "ch_1"},
	}))
	require.NoError(t, store.SetContext(ctx, id, "charge_id", "ch_1"))
}

func TestRecoverSagaResumesWhereItStopped(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.respond("reserve_inventory", Payload{"reservation_id": "rsv_1"})
	client.respond("create_order", Payload{"order_id": "ord_1"})

	coord, store := newTestCoordinator(t, client)
	def := orderSteps(t)
	require.NoError(t, coord.RegisterDefinition(def))

	const id = "22222222-2222-2222-2222-222222222222"
	seedCrashedSaga(t, store, def, id)

	res, err := coord.RecoverSaga(ctx, id, RecoveryStartup)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)

	// the already-succeeded step was not re-executed
	assert.Zero(t, client.countFor("charge_card"))
	assert.Equal(t, 1, client.countFor("reserve_inventory"))
	assert.Equal(t, 1, client.countFor("create_order"))

	// downstream steps saw the pre-crash context
	orders := client.callsFor("create_order")
	require.Len(t, orders, 1)
	assert.Equal(t, "ch_1", orders[0].Vars["charge_id"])
}

func TestRecoverSagaReusesRequestIDOfInterruptedAttempt(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.respond("charge_card", Payload{"charge_id": "ch_1"})
	client.respond("reserve_inventory", Payload{"reservation_id": "rsv_1"})
	client.respond("create_order", Payload{"order_id": "ord_1"})

	coord, store := newTestCoordinator(t, client)
	def := orderSteps(t)
	require.NoError(t, coord.RegisterDefinition(def))

	// the driver died mid-call: step 0 is stuck Executing with its key
	const id = "33333333-3333-3333-3333-333333333333"
	now := time.Now().UTC()
	sg := &Saga{
		ID:           id,
		DefinitionID: def.ID,
		Status:       StatusExecuting,
		Steps:        def.records(),
		Context:      map[string]any{"amount": 100, "sku": "W"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, store.CreateSaga(ctx, sg, ""))
	stuckID := RequestIDFor(id, 0, 0, false)
	require.NoError(t, store.TransitionStep(ctx, id, 0, StepPending, StepExecuting, StepUpdate{
		RequestID:    stuckID,
		AttemptCount: 1,
	}))

	res, err := coord.RecoverSaga(ctx, id, RecoveryStartup)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)

	charges := client.callsFor("charge_card")
	require.Len(t, charges, 1)
	assert.Equal(t, stuckID, charges[0].RequestID, "redelivery reuses the idempotency key")
}

func TestRecoverSagaResumesRollback(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.respond("refund_charge", Payload{})

	coord, store := newTestCoordinator(t, client)
	def := orderSteps(t)
	require.NoError(t, coord.RegisterDefinition(def))

	// crashed after the saga flipped to Compensating but before the refund
	const id = "44444444-4444-4444-4444-444444444444"
	seedCrashedSaga(t, store, def, id)
	require.NoError(t, store.TransitionStep(ctx, id, 1, StepPending, StepExecuting, StepUpdate{AttemptCount: 1}))
	require.NoError(t, store.TransitionStep(ctx, id, 1, StepExecuting, StepFailed, StepUpdate{LastError: "out of stock"}))
	require.NoError(t, store.TransitionSaga(ctx, id, StatusExecuting, StatusCompensating))

	res, err := coord.RecoverSaga(ctx, id, RecoveryStartup)
	require.ErrorIs(t, err, ErrSagaRolledBack)
	assert.Equal(t, StatusRolledBack, res.Status)
	assert.Equal(t, 1, client.countFor("refund_charge"))
}

func TestRecoverSagaTerminalIsRejected(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.respond("charge_card", Payload{"charge_id": "ch_1"})
	client.respond("reserve_inventory", Payload{"reservation_id": "rsv_1"})
	client.respond("create_order", Payload{"order_id": "ord_1"})

	coord, _ := newTestCoordinator(t, client)
	def := orderSteps(t)
	require.NoError(t, coord.RegisterDefinition(def))

	res, err := coord.Execute(ctx, def.ID, map[string]any{"amount": 100, "sku": "W"})
	require.NoError(t, err)

	_, err = coord.RecoverSaga(ctx, res.SagaID, RecoveryAutomatic)
	require.ErrorIs(t, err, ErrSagaAlreadyTerminal)
}

func TestRecoveryManagerStartup(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.respond("reserve_inventory", Payload{"reservation_id": "rsv_1"})
	client.respond("create_order", Payload{"order_id": "ord_1"})

	coord, store := newTestCoordinator(t, client)
	def := orderSteps(t)
	require.NoError(t, coord.RegisterDefinition(def))

	seedCrashedSaga(t, store, def, "55555555-5555-5555-5555-555555555551")
	seedCrashedSaga(t, store, def, "55555555-5555-5555-5555-555555555552")

	rm := NewRecoveryManager(coord, RecoveryConfig{MaxAttempts: 5, Workers: 2})
	recovered, err := rm.RecoverAtStartup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, recovered)

	stats := rm.Stats()
	assert.EqualValues(t, 2, stats.Scanned)
	assert.EqualValues(t, 2, stats.Recovered)

	// audit records are cleared once a saga recovers
	attempts, err := store.RecoveryAttempts(ctx, "55555555-5555-5555-5555-555555555551")
	require.NoError(t, err)
	assert.Zero(t, attempts)

	incomplete, err := store.ListIncomplete(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, incomplete)
}

func TestRecoveryManagerAttemptCeiling(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()

	coord, store := newTestCoordinator(t, client)
	def := orderSteps(t)
	require.NoError(t, coord.RegisterDefinition(def))

	const id = "66666666-6666-6666-6666-666666666666"
	seedCrashedSaga(t, store, def, id)
	for i := 0; i < 2; i++ {
		require.NoError(t, store.AddRecovery(ctx, &RecoveryRecord{
			ID:           fmt.Sprintf("prior-attempt-%d", i),
			SagaID:       id,
			RecoveryType: RecoveryAutomatic,
			AttemptedAt:  time.Now().UTC(),
			AttemptCount: i + 1,
		}))
	}

	rm := NewRecoveryManager(coord, RecoveryConfig{MaxAttempts: 2, Workers: 1})
	_, err := rm.RecoverAtStartup(ctx)
	require.NoError(t, err)

	assert.EqualValues(t, 1, rm.Stats().Exhausted)
	sg, err := store.LoadSaga(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, sg.Status)
	assert.Contains(t, sg.LastError, "exhausted")
	// the ceiling stops redrives before any service is called again
	assert.Empty(t, client.calls)
}

func TestRecoveryManagerManualRedrive(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.respond("charge_card", Payload{"charge_id": "ch_1"})
	client.rejectPermanently("reserve_inventory", "out of stock")
	client.on("refund_charge", func(call fakeCall) (Payload, error) {
		return nil, TransientError(call.Service, call.Op, "refund endpoint down", nil)
	})

	coord, store := newTestCoordinator(t, client)
	def := orderSteps(t)
	require.NoError(t, coord.RegisterDefinition(def))

	res, err := coord.Execute(ctx, def.ID, map[string]any{"amount": 100, "sku": "SOLD-OUT"})
	require.ErrorIs(t, err, ErrSagaFailed)

	// the refund endpoint comes back; an operator redrives the saga
	client.respond("refund_charge", Payload{})
	rm := NewRecoveryManager(coord, DefaultRecoveryConfig())

	recovered, err := rm.Recover(ctx, res.SagaID)
	require.ErrorIs(t, err, ErrSagaRolledBack)
	assert.Equal(t, StatusRolledBack, recovered.Status)

	sg, err := store.LoadSaga(ctx, res.SagaID)
	require.NoError(t, err)
	step := sg.StepByIndex(0)
	assert.Equal(t, StepCompensated, step.State)
	assert.Equal(t, 1, step.Epoch, "operator redrive runs under a fresh epoch")
	assert.Contains(t, sg.LastError, "refund endpoint down",
		"the redrive keeps the failure detail that put the saga here")
}

func TestRecoveryManagerPeriodicScan(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.respond("reserve_inventory", Payload{"reservation_id": "rsv_1"})
	client.respond("create_order", Payload{"order_id": "ord_1"})

	coord, store := newTestCoordinator(t, client)
	def := orderSteps(t)
	require.NoError(t, coord.RegisterDefinition(def))

	const id = "77777777-7777-7777-7777-777777777777"
	seedCrashedSaga(t, store, def, id)
	time.Sleep(5 * time.Millisecond)

	rm := NewRecoveryManager(coord, RecoveryConfig{
		Interval:    10 * time.Millisecond,
		StaleAfter:  time.Millisecond,
		MaxAttempts: 5,
		Workers:     1,
	})
	rm.Start(ctx)
	defer rm.Stop()

	require.Eventually(t, func() bool {
		sg, err := store.LoadSaga(ctx, id)
		return err == nil && sg.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}
