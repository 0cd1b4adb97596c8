package saga

import (
	"math"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy decides whether and when a transient failure is retried.
// It is a pure value: NextDelay and ShouldRetry are deterministic and
// side-effect free.
type RetryPolicy struct {
	InitialInterval   time.Duration
	BackoffMultiplier float64
	MaxInterval       time.Duration
	// MaxRetries is the number of retries after the first attempt. A step
	// whose forward call always fails transiently is invoked 1+MaxRetries
	// times in total.
	MaxRetries uint64
}

// DefaultRetryPolicy mirrors the defaults the recovery subsystem ships with.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:   100 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxInterval:       5 * time.Second,
		MaxRetries:        3,
	}
}

// NextDelay computes the backoff before retry number attempt (0-based):
// min(initial * multiplier^attempt, max).
func (p RetryPolicy) NextDelay(attempt uint64) time.Duration {
	base := float64(p.InitialInterval)
	if base <= 0 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	d := base * math.Pow(mult, float64(attempt))
	if p.MaxInterval > 0 && d > float64(p.MaxInterval) {
		return p.MaxInterval
	}
	if d > float64(math.MaxInt64) {
		return p.MaxInterval
	}
	return time.Duration(d)
}

// ShouldRetry reports whether a failed attempt (0-based) is retried: only
// transient errors, and only while the retry budget lasts.
func (p RetryPolicy) ShouldRetry(attempt uint64, err error) bool {
	if err == nil {
		return false
	}
	if !IsTransient(err) {
		return false
	}
	return attempt < p.MaxRetries
}

// Backoff adapts the policy into a go-retry backoff so the executor can
// drive attempt loops through retry.Do. The returned backoff yields exactly
// MaxRetries delays, each computed by NextDelay.
func (p RetryPolicy) Backoff() retry.Backoff {
	var attempt uint64
	return retry.BackoffFunc(func() (time.Duration, bool) {
		if attempt >= p.MaxRetries {
			return 0, true
		}
		d := p.NextDelay(attempt)
		attempt++
		return d, false
	})
}
