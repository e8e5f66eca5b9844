package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDefaultConfigIsValid(t *testing.T) {
	cfg := GetDefaultConfig()
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, ProxyModeHybrid, cfg.Hybrid.Mode)
	assert.Equal(t, 60, cfg.Status.IntervalSeconds)
	assert.Equal(t, "oig_local", cfg.Bus.Namespace)
}

func TestStatusIntervalFloorEnforced(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Status.IntervalSeconds = 10
	ApplyDefaults(cfg)
	assert.Equal(t, 60, cfg.Status.IntervalSeconds)
}

func TestValidateRejectsBadProxyMode(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Hybrid.Mode = "turbo"
	err := Validate(cfg)
	require.Error(t, err)
}

func TestValidateRejectsMaxReconnectBelowMin(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.CloudSession.MinReconnect = 30 * time.Second
	cfg.CloudSession.MaxReconnect = 5 * time.Second
	err := Validate(cfg)
	require.Error(t, err)
}

func TestSaveAndLoadConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := GetDefaultConfig()
	cfg.BoxListener.Port = 6000
	cfg.Bus.DeviceID = "BOX-1234"

	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 6000, loaded.BoxListener.Port)
	assert.Equal(t, "BOX-1234", loaded.Bus.DeviceID)
}

func TestSaveConfigWritesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := GetDefaultConfig()
	require.NoError(t, SaveConfig(cfg, path))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no leftover temp file should remain after a successful save")
}

func TestInitConfigRefusesOverwriteWithoutForce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	_, err := InitConfigToPath(path, false)
	require.NoError(t, err)

	_, err = InitConfigToPath(path, false)
	require.Error(t, err)

	_, err = InitConfigToPath(path, true)
	require.NoError(t, err)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, GetDefaultConfig().Logging.Level, cfg.Logging.Level)
}
