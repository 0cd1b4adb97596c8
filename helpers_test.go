package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeCall struct {
	Service   string
	Op        string
	RequestID string
	Vars      map[string]any
}

// fakeClient scripts per-operation behavior and records every invocation.
type fakeClient struct {
	mu       sync.Mutex
	calls    []fakeCall
	handlers map[string]func(call fakeCall) (Payload, error)
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: map[string]func(call fakeCall) (Payload, error){}}
}

func (f *fakeClient) on(op string, fn func(call fakeCall) (Payload, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[op] = fn
}

// respond scripts a fixed successful payload.
func (f *fakeClient) respond(op string, payload Payload) {
	f.on(op, func(fakeCall) (Payload, error) { return payload, nil })
}

// failOnce fails the first n calls with a transient error, then succeeds.
func (f *fakeClient) failTransiently(op string, n int, payload Payload) {
	var count int
	f.on(op, func(call fakeCall) (Payload, error) {
		count++
		if count <= n {
			return nil, TransientError(call.Service, op, fmt.Sprintf("transient failure %d", count), nil)
		}
		return payload, nil
	})
}

func (f *fakeClient) rejectPermanently(op, reason string) {
	f.on(op, func(call fakeCall) (Payload, error) {
		return nil, PermanentError(call.Service, op, reason, nil)
	})
}

func (f *fakeClient) Invoke(_ context.Context, service, operation string, variables map[string]any, requestID string) (Payload, error) {
	f.mu.Lock()
	call := fakeCall{Service: service, Op: operation, RequestID: requestID, Vars: variables}
	f.calls = append(f.calls, call)
	handler, ok := f.handlers[operation]
	f.mu.Unlock()
	if !ok {
		return nil, errors.New("no handler for operation " + operation)
	}
	return handler(call)
}

func (f *fakeClient) callsFor(op string) []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeCall
	for _, c := range f.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeClient) countFor(op string) int {
	return len(f.callsFor(op))
}

// fastPolicy keeps retry tests quick: two retries with millisecond backoff.
func fastPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:   time.Millisecond,
		BackoffMultiplier: 2,
		MaxInterval:       5 * time.Millisecond,
		MaxRetries:        2,
	}
}

func quietLogger() Logger {
	return NewDefaultLogger(slog.LevelError, TextFormat)
}

func newTestCoordinator(t *testing.T, client OperationClient, opts ...CoordinatorOption) (*Coordinator, *MemoryStore) {
	t.Helper()
	store, err := NewMemoryStore()
	require.NoError(t, err)
	base := []CoordinatorOption{
		WithLogger(quietLogger()),
		WithRetryPolicy(fastPolicy()),
		WithStepTimeout(time.Second),
		WithCompensationTimeout(time.Second),
	}
	return NewCoordinator(store, client, append(base, opts...)...), store
}

// orderSteps is the canonical three-step test definition.
func orderSteps(t *testing.T) *Definition {
	t.Helper()
	def, err := NewDefinition("order").
		Add(
			Step("charge",
				Operation{Service: "payments", Operation: "charge_card", Variables: map[string]any{"amount": "{amount}"}},
				Operation{Service: "payments", Operation: "refund_charge", Variables: map[string]any{"charge_id": "{charge_id}"}},
			),
			Step("reserve",
				Operation{Service: "inventory", Operation: "reserve_inventory", Variables: map[string]any{"sku": "{sku}"}},
				Operation{Service: "inventory", Operation: "release_inventory", Variables: map[string]any{"reservation_id": "{reservation_id}"}},
			),
			Step("order",
				Operation{Service: "orders", Operation: "create_order", Variables: map[string]any{"charge_id": "{charge_id}"}},
				Operation{Service: "orders", Operation: "cancel_order", Variables: map[string]any{"order_id": "{order_id}"}},
			),
		).
		Build()
	require.NoError(t, err)
	return def
}
