package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "mnemo", cfg.Name)
	assert.Equal(t, 4, cfg.Embedding.MaxConcurrency)
	assert.Equal(t, "local-fallback", cfg.RateLimit.FailMode)
	assert.Equal(t, 2, cfg.Learning.MinFailuresForExperience)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
classification:
  low_confidence_threshold: 0.5
  learning_rate: 0.25
rate_limit:
  fail_mode: closed
  per_agent:
    max_requests: 3
    window_ms: 1000
    enabled: true
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0.5, cfg.Classification.LowConfidenceThreshold)
	assert.Equal(t, 0.25, cfg.Classification.LearningRate)
	assert.Equal(t, "closed", cfg.RateLimit.FailMode)
	assert.Equal(t, 3, cfg.RateLimit.PerAgent.MaxRequests)
	// Untouched sections keep defaults
	assert.Equal(t, 0.8, cfg.Classification.HighConfidenceThreshold)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	t.Setenv("MNEMO_CURSOR_SECRET", "env-secret-0123456789abcdef0123456789")
	t.Setenv("RATE_LIMIT", "0")
	t.Setenv("RATE_LIMIT_FAIL_MODE", "open")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "env-secret-0123456789abcdef0123456789", cfg.Cursor.Secret)
	assert.False(t, cfg.RateLimit.PerAgent.Enabled)
	assert.False(t, cfg.RateLimit.Global.Enabled)
	assert.False(t, cfg.RateLimit.Burst.Enabled)
	assert.Equal(t, "open", cfg.RateLimit.FailMode)
}

func TestValidateFailMode(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.ValidateFailMode())

	cfg.RateLimit.FailMode = "explode"
	assert.Error(t, cfg.ValidateFailMode())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Classification.CacheSize = 123
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 123, loaded.Classification.CacheSize)
}

func TestReloadForTestsReplacesSnapshotInPlace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Classification.CacheSize = 50
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 50, loaded.Classification.CacheSize)

	cfg.Classification.CacheSize = 99
	require.NoError(t, cfg.Save(path))

	// Components holding the pointer see the rewritten file.
	require.NoError(t, loaded.ReloadForTests(path))
	assert.Equal(t, 99, loaded.Classification.CacheSize)
}
