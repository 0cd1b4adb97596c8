package saga

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrConfig = errors.New("invalid configuration")

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return errors.Join(ErrConfig, fmt.Errorf("invalid duration %q: %w", raw, err))
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// StoreConfig selects and parameterizes the saga store backend.
type StoreConfig struct {
	// Backend is one of "memory", "sqlite" or "postgres".
	Backend string `yaml:"backend"`
	// Path is the sqlite database file; empty means in-memory.
	Path string `yaml:"path,omitempty"`
	// DSN is the postgres connection string.
	DSN string `yaml:"dsn,omitempty"`
}

// Config is the file-level configuration of an engine deployment.
type Config struct {
	Store StoreConfig `yaml:"store"`

	// Services maps a service name to the base URL its operations are
	// invoked against.
	Services map[string]string `yaml:"services"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Retry struct {
		InitialInterval   Duration `yaml:"initial_interval"`
		BackoffMultiplier float64  `yaml:"backoff_multiplier"`
		MaxInterval       Duration `yaml:"max_interval"`
		MaxRetries        uint64   `yaml:"max_retries"`
	} `yaml:"retry"`

	Timeouts struct {
		Step         Duration `yaml:"step"`
		Compensation Duration `yaml:"compensation"`
		Saga         Duration `yaml:"saga"`
	} `yaml:"timeouts"`

	Recovery struct {
		Interval      Duration `yaml:"interval"`
		StaleAfter    Duration `yaml:"stale_after"`
		MaxAttempts   int      `yaml:"max_attempts"`
		Workers       int      `yaml:"workers"`
		RatePerSecond float64  `yaml:"rate_per_second"`
	} `yaml:"recovery"`
}

// DefaultConfig mirrors the zero-file deployment: in-memory store, default
// retry policy and recovery cadence.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.Store.Backend = "memory"
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	policy := DefaultRetryPolicy()
	cfg.Retry.InitialInterval = Duration(policy.InitialInterval)
	cfg.Retry.BackoffMultiplier = policy.BackoffMultiplier
	cfg.Retry.MaxInterval = Duration(policy.MaxInterval)
	cfg.Retry.MaxRetries = policy.MaxRetries
	cfg.Timeouts.Step = Duration(30 * time.Second)
	cfg.Timeouts.Compensation = Duration(30 * time.Second)
	rec := DefaultRecoveryConfig()
	cfg.Recovery.Interval = Duration(rec.Interval)
	cfg.Recovery.StaleAfter = Duration(rec.StaleAfter)
	cfg.Recovery.MaxAttempts = rec.MaxAttempts
	cfg.Recovery.Workers = rec.Workers
	cfg.Recovery.RatePerSecond = rec.RatePerSecond
	return cfg
}

// LoadConfig reads a YAML configuration file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Join(ErrConfig, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Join(ErrConfig, err)
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "sqlite":
	case "postgres":
		if c.Store.DSN == "" {
			return errors.Join(ErrConfig, errors.New("postgres backend requires store.dsn"))
		}
	default:
		return errors.Join(ErrConfig, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	if c.Retry.BackoffMultiplier < 1 {
		return errors.Join(ErrConfig, fmt.Errorf("backoff multiplier %v must be >= 1", c.Retry.BackoffMultiplier))
	}
	return nil
}

// RetryPolicy converts the file representation.
func (c *Config) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:   c.Retry.InitialInterval.Std(),
		BackoffMultiplier: c.Retry.BackoffMultiplier,
		MaxInterval:       c.Retry.MaxInterval.Std(),
		MaxRetries:        c.Retry.MaxRetries,
	}
}

// RecoveryConfig converts the file representation.
func (c *Config) RecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		Interval:      c.Recovery.Interval.Std(),
		StaleAfter:    c.Recovery.StaleAfter.Std(),
		MaxAttempts:   c.Recovery.MaxAttempts,
		Workers:       c.Recovery.Workers,
		RatePerSecond: c.Recovery.RatePerSecond,
	}
}
