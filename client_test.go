package saga

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientInvokeSuccess(t *testing.T) {
	var gotPath, gotKey, gotReqID string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("Idempotency-Key")
		gotReqID = r.Header.Get("X-Request-Id")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"charge_id":"ch_1"}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(map[string]string{"payments": srv.URL}, WithHTTPLogger(quietLogger()))
	payload, err := client.Invoke(context.Background(), "payments", "charge_card", map[string]any{"amount": "42"}, "req-1")
	require.NoError(t, err)

	assert.Equal(t, Payload{"charge_id": "ch_1"}, payload)
	assert.Equal(t, "/charge_card", gotPath)
	assert.Equal(t, "req-1", gotKey)
	assert.Equal(t, "req-1", gotReqID)
	assert.Equal(t, map[string]any{"amount": "42"}, gotBody)
}

func TestHTTPClientInvokeEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewHTTPClient(map[string]string{"payments": srv.URL}, WithHTTPLogger(quietLogger()))
	payload, err := client.Invoke(context.Background(), "payments", "charge_card", nil, "req-1")
	require.NoError(t, err)
	assert.Nil(t, payload)
}

func TestHTTPClientClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		transient bool
	}{
		{"rejection is permanent", http.StatusUnprocessableEntity, false},
		{"not found is permanent", http.StatusNotFound, false},
		{"server error is transient", http.StatusInternalServerError, true},
		{"unavailable is transient", http.StatusServiceUnavailable, true},
		{"throttling is transient", http.StatusTooManyRequests, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tc.status)
			}))
			defer srv.Close()

			client := NewHTTPClient(map[string]string{"payments": srv.URL}, WithHTTPLogger(quietLogger()))
			_, err := client.Invoke(context.Background(), "payments", "charge_card", nil, "req-1")
			require.Error(t, err)
			assert.Equal(t, tc.transient, IsTransient(err))

			var oe *OpError
			require.ErrorAs(t, err, &oe)
			assert.Equal(t, "payments", oe.Service)
			assert.Equal(t, "charge_card", oe.Operation)
		})
	}
}

func TestHTTPClientUnknownServiceIsPermanent(t *testing.T) {
	client := NewHTTPClient(map[string]string{}, WithHTTPLogger(quietLogger()))
	_, err := client.Invoke(context.Background(), "ghost", "noop", nil, "req-1")
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestHTTPClientBreakerOpensAfterTransportFailures(t *testing.T) {
	// A server that accepts and immediately drops connections produces
	// transport errors, which are the only outcomes allowed to trip the
	// breaker.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	defer srv.Close()

	client := NewHTTPClient(
		map[string]string{"payments": srv.URL},
		WithHTTPLogger(quietLogger()),
		WithHTTPBreaker(gobreaker.Settings{
			Timeout: time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 2
			},
		}),
	)

	for i := 0; i < 2; i++ {
		_, err := client.Invoke(context.Background(), "payments", "charge_card", nil, "req-1")
		require.Error(t, err)
		assert.True(t, IsTransient(err))
	}

	_, err := client.Invoke(context.Background(), "payments", "charge_card", nil, "req-1")
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.True(t, IsTransient(err))
}

func TestHTTPClientBusinessRejectionDoesNotTripBreaker(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "sold out", http.StatusConflict)
	}))
	defer srv.Close()

	client := NewHTTPClient(
		map[string]string{"inventory": srv.URL},
		WithHTTPLogger(quietLogger()),
		WithHTTPBreaker(gobreaker.Settings{
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 2
			},
		}),
	)

	// Every call reaches the server even though all of them are rejected.
	for i := 0; i < 5; i++ {
		_, err := client.Invoke(context.Background(), "inventory", "reserve_inventory", nil, "req-1")
		require.Error(t, err)
		assert.False(t, IsTransient(err))
	}
	assert.EqualValues(t, 5, calls.Load())
}
