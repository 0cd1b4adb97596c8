package saga

import (
	"log/slog"
	"time"
)

type coordinatorConfig struct {
	logger              Logger
	retryPolicy         RetryPolicy
	stepTimeout         time.Duration
	compensationTimeout time.Duration
	sagaTimeout         time.Duration
}

type CoordinatorOption func(*coordinatorConfig)

func WithLogger(l Logger) CoordinatorOption {
	return func(c *coordinatorConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRetryPolicy replaces the default policy applied to every step and
// compensation attempt.
func WithRetryPolicy(p RetryPolicy) CoordinatorOption {
	return func(c *coordinatorConfig) {
		c.retryPolicy = p
	}
}

// WithStepTimeout bounds a single forward attempt. A zero duration disables
// the per-attempt deadline.
func WithStepTimeout(d time.Duration) CoordinatorOption {
	return func(c *coordinatorConfig) {
		c.stepTimeout = d
	}
}

// WithCompensationTimeout bounds a single compensation attempt.
func WithCompensationTimeout(d time.Duration) CoordinatorOption {
	return func(c *coordinatorConfig) {
		c.compensationTimeout = d
	}
}

// WithSagaTimeout bounds the forward phase of every saga that does not set
// its own deadline on the definition. Rollback runs to completion even after
// the deadline fires.
func WithSagaTimeout(d time.Duration) CoordinatorOption {
	return func(c *coordinatorConfig) {
		c.sagaTimeout = d
	}
}

func defaultCoordinatorConfig() coordinatorConfig {
	return coordinatorConfig{
		logger:              NewDefaultLogger(slog.LevelInfo, TextFormat),
		retryPolicy:         DefaultRetryPolicy(),
		stepTimeout:         30 * time.Second,
		compensationTimeout: 30 * time.Second,
	}
}
