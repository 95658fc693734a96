package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ConfigDirName), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigDirName, ConfigFileName), []byte(body), 0644))
}

func TestLoadFindsConfigUpward(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, `
chrome:
  port: 9333
recorder:
  verification_deadline: 750ms
  effect_window: 2s
storage:
  backend: sqlite
`)
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))

	loader := NewLoader(nested)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, 9333, cfg.Chrome.Port)
	assert.Equal(t, 750*time.Millisecond, cfg.Recorder.VerificationDeadline)
	assert.Equal(t, 2*time.Second, cfg.Recorder.EffectWindow)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	// untouched sections keep their defaults
	assert.Equal(t, 500*time.Millisecond, cfg.NetIdle.IdleTime)
	assert.Equal(t, root, loader.GetProjectRoot())
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("BROWZER_CHROME_PORT", "9444")
	t.Setenv("BROWZER_STORAGE_BACKEND", "redis")
	t.Setenv("BROWZER_STREAM_ADDR", "127.0.0.1:9999")

	cfg, err := NewLoader(dir).Load()
	require.NoError(t, err)
	assert.Equal(t, 9444, cfg.Chrome.Port)
	assert.Equal(t, "redis", cfg.Storage.Backend)
	assert.True(t, cfg.Stream.Enabled)
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	writeConfig(t, dir, "storage:\n  backend: s3\n")

	_, err := NewLoader(dir).Load()
	require.Error(t, err)
	var vErr *ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	loader := NewLoader(dir)
	cfg := DefaultConfig()
	cfg.Selectors.MaxStrategies = 5
	require.NoError(t, loader.Save(cfg, loader.GetConfigPath()))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 5, loaded.Selectors.MaxStrategies)
	assert.Equal(t, cfg.Significance.Rules, loaded.Significance.Rules)
}
