package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "quern.db", cfg.Store.Path)
	assert.Equal(t, time.Second, cfg.Engine.SweepInterval)
	assert.Equal(t, 100, cfg.Engine.SweepBatch)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_ReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte(`
store:
  driver: postgres
  dsn: postgres://localhost/quern
engine:
  sweep_interval: 250ms
  breaker_failure_threshold: 10
logging:
  level: debug
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/quern", cfg.Store.DSN)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.SweepInterval)
	assert.Equal(t, 10, cfg.Engine.BreakerFailureThreshold)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte("store:\n  driver: memory\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o644))

	t.Setenv("QUERN_STORE_DRIVER", "sqlite")
	t.Setenv("QUERN_STORE_PATH", "/tmp/override.db")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/tmp/override.db", cfg.Store.Path)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Store.Driver = "mysql" },
			wantErr: "unknown store.driver",
		},
		{
			name: "sqlite without path",
			mutate: func(c *Config) {
				c.Store.Driver = "sqlite"
				c.Store.Path = ""
			},
			wantErr: "store.path is required",
		},
		{
			name: "postgres without dsn",
			mutate: func(c *Config) {
				c.Store.Driver = "postgres"
			},
			wantErr: "store.dsn is required",
		},
		{
			name: "tracing without endpoint",
			mutate: func(c *Config) {
				c.Store.Driver = "memory"
				c.Tracing.Enabled = true
			},
			wantErr: "tracing.endpoint is required",
		},
		{
			name:   "memory driver needs nothing",
			mutate: func(c *Config) { c.Store.Driver = "memory" },
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Config{Store: StoreConfig{Driver: "sqlite", Path: "q.db"}}
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}
