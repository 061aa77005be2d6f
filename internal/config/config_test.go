package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.AppEnv)
	assert.True(t, cfg.IsDev())
	assert.Equal(t, "openai", cfg.LLMProvider)
	assert.Equal(t, []string{"nominatim", "arcgis", "census"}, cfg.GeocodingProviders)
	assert.Equal(t, 10, cfg.ValidationRejectionThreshold)
	assert.Equal(t, 70, cfg.ValidationVerifiedThreshold)
	assert.Equal(t, 5*time.Minute, cfg.QueueVisibilityTimeout)
	assert.True(t, cfg.ContentStoreEnabled)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	t.Setenv("LLM_PROVIDER", "stub")
	t.Setenv("GEOCODING_PROVIDERS", "census,nominatim")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("SOURCE_PRIORITY", "nyc_efap,food_bank_a")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsTest())
	assert.Equal(t, "stub", cfg.LLMProvider)
	assert.Equal(t, []string{"census", "nominatim"}, cfg.GeocodingProviders)
	assert.Equal(t, 8, cfg.WorkerConcurrency)
	assert.Equal(t, []string{"nyc_efap", "food_bank_a"}, cfg.SourcePriority)
}

func TestLoad_RejectsUnknownProvider(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "bard")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_RejectsInvertedThresholds(t *testing.T) {
	t.Setenv("VALIDATION_REJECTION_THRESHOLD", "80")
	t.Setenv("VALIDATION_VERIFIED_THRESHOLD", "70")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejection threshold")
}

func TestSourceRank(t *testing.T) {
	cfg := Config{SourcePriority: []string{"nyc_efap", "food_bank_a"}}
	assert.Equal(t, 0, cfg.SourceRank("nyc_efap"))
	assert.Equal(t, 1, cfg.SourceRank("food_bank_a"))
	assert.Equal(t, 2, cfg.SourceRank("never_seen"))

	var empty Config
	assert.Equal(t, 0, empty.SourceRank("anything"))
}
