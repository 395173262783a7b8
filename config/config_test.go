package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncengine/listingsync/models"
)

func TestDefaultTiersMatchSpecCadences(t *testing.T) {
	tiers := defaultTiers()
	require.Len(t, tiers, 4)
	assert.Equal(t, 6, tiers[models.TierHotListings].FrequencyHours)
	assert.Equal(t, 10, tiers[models.TierHotListings].PagesToScan)
	assert.Equal(t, 24, tiers[models.TierDailySync].FrequencyHours)
	assert.Equal(t, 100, tiers[models.TierDailySync].PagesToScan)
	assert.Equal(t, 168, tiers[models.TierWeeklyDeep].FrequencyHours)
	assert.Equal(t, 0, tiers[models.TierWeeklyDeep].PagesToScan)
	assert.Equal(t, 720, tiers[models.TierMonthlyRefresh].FrequencyHours)
}

func TestTierEnvOverrideTakesPrecedence(t *testing.T) {
	t.Setenv("TIER_1_FREQUENCY_HOURS", "12")
	t.Setenv("TIER_1_PAGES", "20")

	cfg := &Config{Tiers: defaultTiers()}
	cfg.applyTierEnvOverrides()

	assert.Equal(t, 12, cfg.Tiers[models.TierHotListings].FrequencyHours)
	assert.Equal(t, 20, cfg.Tiers[models.TierHotListings].PagesToScan)
}

func TestLoadRequiresPostgresDSNWhenBackendIsPostgres(t *testing.T) {
	os.Clearenv()
	t.Setenv("DB_BACKEND", "postgres")
	t.Setenv("CONFIG_SOURCES_PATH", "/nonexistent/sources.yaml")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POSTGRES_DSN")
}

func TestLoadDefaultsToSQLite(t *testing.T) {
	os.Clearenv()
	t.Setenv("CONFIG_SOURCES_PATH", "/nonexistent/sources.yaml")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Backend())
	assert.Len(t, cfg.ListingSources, 4)
}
