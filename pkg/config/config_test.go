package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Defaults
// =============================================================================

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "badger", cfg.Storage.Backend)
	assert.Equal(t, 10, cfg.Learner.CommonValuesCap)
	assert.Equal(t, 100, cfg.Learner.TrendCap)
	assert.Equal(t, 50, cfg.Learner.TrendKeep)
	assert.Equal(t, 5, cfg.Validator.MaxSuggestions)
	assert.Equal(t, 500, cfg.Validator.FeedbackCap)
	assert.Equal(t, time.Hour, cfg.Resolver.TemporalWindow)
	assert.Equal(t, 0.5, cfg.Resolver.CommonAttributeThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Resolver.ContextTTL)
	require.NoError(t, cfg.Validate())
}

// =============================================================================
// Environment overrides
// =============================================================================

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ORGANICDB_STORAGE_BACKEND", "memory")
	t.Setenv("ORGANICDB_RESOLVER_TEMPORAL_WINDOW", "2h")
	t.Setenv("ORGANICDB_RESOLVER_COMMON_ATTRIBUTE_THRESHOLD", "0.75")
	t.Setenv("ORGANICDB_LEARNER_PERSIST_TIMEOUT", "3")
	t.Setenv("ORGANICDB_CLEANUP_ENABLED", "no")

	cfg := LoadFromEnv()

	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 2*time.Hour, cfg.Resolver.TemporalWindow)
	assert.Equal(t, 0.75, cfg.Resolver.CommonAttributeThreshold)
	assert.Equal(t, 3*time.Second, cfg.Learner.PersistTimeout, "bare integers are seconds")
	assert.False(t, cfg.Scheduler.Enabled)
}

func TestLoadFromEnv_InvalidValuesKeepDefaults(t *testing.T) {
	t.Setenv("ORGANICDB_VALIDATOR_MAX_SUGGESTIONS", "many")
	t.Setenv("ORGANICDB_RESOLVER_TEMPORAL_WINDOW", "soon")

	cfg := LoadFromEnv()

	assert.Equal(t, 5, cfg.Validator.MaxSuggestions)
	assert.Equal(t, time.Hour, cfg.Resolver.TemporalWindow)
}

// =============================================================================
// YAML file
// =============================================================================

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "organicdb.yaml")
	content := `
storage:
  backend: memory
resolver:
  temporal_window: 30m
  common_attribute_threshold: 0.6
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 30*time.Minute, cfg.Resolver.TemporalWindow)
	assert.Equal(t, 0.6, cfg.Resolver.CommonAttributeThreshold)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// untouched sections keep defaults
	assert.Equal(t, 10, cfg.Learner.CommonValuesCap)
}

func TestLoadFile_EnvWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "organicdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  backend: memory\n"), 0o644))
	t.Setenv("ORGANICDB_STORAGE_BACKEND", "arango")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "arango", cfg.Storage.Backend)
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

// =============================================================================
// Validate
// =============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Storage.Backend = "sqlite" }},
		{"badger without dir", func(c *Config) { c.Storage.DataDir = "" }},
		{"arango without url", func(c *Config) { c.Storage.Backend = "arango"; c.Storage.ArangoURL = "" }},
		{"zero common values", func(c *Config) { c.Learner.CommonValuesCap = 0 }},
		{"trend keep above cap", func(c *Config) { c.Learner.TrendKeep = 200 }},
		{"zero trend cap", func(c *Config) { c.Learner.TrendCap = 0 }},
		{"zero persist timeout", func(c *Config) { c.Learner.PersistTimeout = 0 }},
		{"negative persist timeout", func(c *Config) { c.Learner.PersistTimeout = -time.Second }},
		{"stats keep zero", func(c *Config) { c.Learner.StatsKeep = 0 }},
		{"feedback keep above cap", func(c *Config) { c.Validator.FeedbackKeep = 501 }},
		{"threshold above one", func(c *Config) { c.Resolver.CommonAttributeThreshold = 1.5 }},
		{"negative window", func(c *Config) { c.Resolver.TemporalWindow = -time.Second }},
		{"negative rate", func(c *Config) { c.Propagation.WritesPerSecond = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateComponents_IgnoresStorage(t *testing.T) {
	cfg := Default()
	cfg.Storage.Backend = "sqlite"
	assert.NoError(t, cfg.ValidateComponents())
	assert.Error(t, cfg.Validate())

	cfg.Learner.PersistTimeout = 0
	assert.Error(t, cfg.ValidateComponents())
}

func TestString_OmitsPassword(t *testing.T) {
	cfg := Default()
	cfg.Storage.ArangoPassword = "hunter2"
	assert.NotContains(t, cfg.String(), "hunter2")
}
