package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultPassesValidation(t *testing.T) {
	cfg := NewDefault()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 16, cfg.Exec.InitialBufferKB)
}

func TestLoadFromFileMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
metrics:
  enabled: true
  address: ":9999"
`), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9999", cfg.Metrics.Address)
	// Defaults untouched by the partial override survive.
	assert.Equal(t, 16, cfg.Exec.InitialBufferKB)
}

func TestLoadFromFileMissingFileFails(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsNonZeroCacheTimeouts(t *testing.T) {
	cfg := NewDefault()
	cfg.Mount.AttrTimeoutSec = 5
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveBufferSizes(t *testing.T) {
	cfg := NewDefault()
	cfg.Exec.InitialBufferKB = 0
	assert.Error(t, cfg.Validate())
}

func TestLoadFromEnvAppliesOverrides(t *testing.T) {
	cfg := NewDefault()
	t.Setenv("TEMPLATEFS_METRICS_ENABLED", "true")
	t.Setenv("TEMPLATEFS_METRICS_ADDRESS", ":1234")

	require.NoError(t, cfg.LoadFromEnv())
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":1234", cfg.Metrics.Address)
}

func TestLoadFromEnvRejectsInvalidBoolean(t *testing.T) {
	cfg := NewDefault()
	t.Setenv("TEMPLATEFS_METRICS_ENABLED", "not-a-bool")
	assert.Error(t, cfg.LoadFromEnv())
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	cfg := NewDefault()
	cfg.Metrics.Enabled = true
	path := filepath.Join(t.TempDir(), "roundtrip.yaml")

	require.NoError(t, cfg.SaveToFile(path))
	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Metrics.Enabled, loaded.Metrics.Enabled)
}
