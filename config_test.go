package saga

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "saga.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
store:
  backend: sqlite
  path: /var/lib/saga/engine.db
services:
  payments: http://payments.internal
  inventory: http://inventory.internal
log:
  level: debug
  format: json
retry:
  initial_interval: 250ms
  backoff_multiplier: 3
  max_interval: 10s
  max_retries: 7
timeouts:
  step: 5s
  compensation: 15s
  saga: 2m
recovery:
  interval: 45s
  stale_after: 90s
  max_attempts: 3
  workers: 8
  rate_per_second: 20
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, "/var/lib/saga/engine.db", cfg.Store.Path)
	assert.Equal(t, "http://payments.internal", cfg.Services["payments"])
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	policy := cfg.RetryPolicy()
	assert.Equal(t, 250*time.Millisecond, policy.InitialInterval)
	assert.Equal(t, 3.0, policy.BackoffMultiplier)
	assert.Equal(t, 10*time.Second, policy.MaxInterval)
	assert.EqualValues(t, 7, policy.MaxRetries)

	assert.Equal(t, 5*time.Second, cfg.Timeouts.Step.Std())
	assert.Equal(t, 2*time.Minute, cfg.Timeouts.Saga.Std())

	rec := cfg.RecoveryConfig()
	assert.Equal(t, 45*time.Second, rec.Interval)
	assert.Equal(t, 90*time.Second, rec.StaleAfter)
	assert.Equal(t, 3, rec.MaxAttempts)
	assert.Equal(t, 8, rec.Workers)
	assert.Equal(t, 20.0, rec.RatePerSecond)
}

func TestLoadConfigPartialFileKeepsDefaults(t *testing.T) {
	path := writeConfigFile(t, `
services:
  payments: http://payments.internal
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	def := DefaultConfig()
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, def.Retry.MaxRetries, cfg.Retry.MaxRetries)
	assert.Equal(t, def.Recovery.Workers, cfg.Recovery.Workers)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Step.Std())
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorIs(t, err, ErrConfig)
}

func TestConfigValidate(t *testing.T) {
	t.Run("unknown backend", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Store.Backend = "etcd"
		require.ErrorIs(t, cfg.Validate(), ErrConfig)
	})

	t.Run("postgres requires dsn", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Store.Backend = "postgres"
		require.ErrorIs(t, cfg.Validate(), ErrConfig)

		cfg.Store.DSN = "postgres://localhost/sagas"
		require.NoError(t, cfg.Validate())
	})

	t.Run("multiplier below one", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Retry.BackoffMultiplier = 0.5
		require.ErrorIs(t, cfg.Validate(), ErrConfig)
	})
}

func TestDurationUnmarshal(t *testing.T) {
	var d Duration
	require.NoError(t, yaml.Unmarshal([]byte(`1m30s`), &d))
	assert.Equal(t, 90*time.Second, d.Std())

	err := yaml.Unmarshal([]byte(`fast`), &d)
	require.ErrorIs(t, err, ErrConfig)
}
