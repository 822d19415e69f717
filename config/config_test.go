package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, 7*24*time.Hour, cfg.RefreshAgenciesInterval)
	assert.Equal(t, 24*time.Hour, cfg.RefreshRoutesInterval)
	assert.Equal(t, 9*time.Second, cfg.RefreshPredictionsInterval)
	assert.Equal(t, 4*time.Second, cfg.RefreshVehicleLocationsInterval)
	assert.Equal(t, int64(2*1024*1024), cfg.QuotaBytes)
	assert.Equal(t, 20*time.Second, cfg.QuotaWindow)
	assert.Equal(t, 0.005, cfg.SameStopLat)
	assert.Equal(t, 0.005, cfg.SameStopLon)
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults().APIURL, cfg.APIURL)
}

func TestLoad_EnvOverridesDefault(t *testing.T) {
	t.Setenv("INGESTD_SQLITE_PATH", "/tmp/ingestd-test.db")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/ingestd-test.db", cfg.SQLitePath)
}
