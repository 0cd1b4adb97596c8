package saga

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicyNextDelay(t *testing.T) {
	p := RetryPolicy{
		InitialInterval:   100 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxInterval:       time.Second,
		MaxRetries:        10,
	}

	assert.Equal(t, 100*time.Millisecond, p.NextDelay(0))
	assert.Equal(t, 200*time.Millisecond, p.NextDelay(1))
	assert.Equal(t, 400*time.Millisecond, p.NextDelay(2))
	assert.Equal(t, 800*time.Millisecond, p.NextDelay(3))
	// capped
	assert.Equal(t, time.Second, p.NextDelay(4))
	assert.Equal(t, time.Second, p.NextDelay(50))
}

func TestRetryPolicyNextDelayIsDeterministic(t *testing.T) {
	p := DefaultRetryPolicy()
	for attempt := uint64(0); attempt < 20; attempt++ {
		assert.Equal(t, p.NextDelay(attempt), p.NextDelay(attempt))
	}
}

func TestRetryPolicyNextDelayMultiplierBelowOne(t *testing.T) {
	p := RetryPolicy{InitialInterval: 50 * time.Millisecond, BackoffMultiplier: 0.5, MaxInterval: time.Second}
	// a multiplier below one never shrinks the delay
	assert.Equal(t, 50*time.Millisecond, p.NextDelay(0))
	assert.Equal(t, 50*time.Millisecond, p.NextDelay(5))
}

func TestRetryPolicyShouldRetry(t *testing.T) {
	p := RetryPolicy{InitialInterval: time.Millisecond, BackoffMultiplier: 2, MaxInterval: time.Second, MaxRetries: 3}

	transient := TransientError("payments", "charge_card", "gateway busy", nil)
	permanent := PermanentError("payments", "charge_card", "card declined", nil)

	assert.True(t, p.ShouldRetry(0, transient))
	assert.True(t, p.ShouldRetry(2, transient))
	assert.False(t, p.ShouldRetry(3, transient), "budget exhausted")
	assert.False(t, p.ShouldRetry(0, permanent), "permanent errors never retry")
	assert.False(t, p.ShouldRetry(0, nil))
	// unclassified errors count as transient
	assert.True(t, p.ShouldRetry(0, errors.New("connection reset")))
}

func TestRetryPolicyBackoffYieldsExactlyMaxRetries(t *testing.T) {
	p := RetryPolicy{InitialInterval: 10 * time.Millisecond, BackoffMultiplier: 2, MaxInterval: time.Second, MaxRetries: 3}
	b := p.Backoff()

	var delays []time.Duration
	for {
		d, stop := b.Next()
		if stop {
			break
		}
		delays = append(delays, d)
		require.Less(t, len(delays), 100, "backoff never stopped")
	}
	require.Len(t, delays, 3)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}, delays)
}
