package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSettingsDefaults(t *testing.T) {
	settings, err := LoadSettings(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "localhost", settings.Host)
	assert.Equal(t, 8090, settings.Port)
	assert.Equal(t, "magg", settings.SelfPrefix)
	assert.Equal(t, "_", settings.Separator)
	assert.True(t, settings.AutoReload)
	assert.Equal(t, time.Second, settings.ReloadPollInterval)
	assert.Equal(t, "auto", settings.ReloadUseWatchdog)
	assert.False(t, settings.ReadOnly)
}

func TestLoadSettingsFromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := "host: 0.0.0.0\nport: 9000\nselfPrefix: agg\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.yaml"), []byte(yaml), 0o644))

	settings, err := LoadSettings(dir)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", settings.Host)
	assert.Equal(t, 9000, settings.Port)
	assert.Equal(t, "agg", settings.SelfPrefix)
}

func TestLoadSettingsEnvOverrides(t *testing.T) {
	t.Setenv("AUTO_RELOAD", "false")
	t.Setenv("RELOAD_POLL_INTERVAL", "2.5")
	t.Setenv("READ_ONLY", "true")
	t.Setenv("SELF_PREFIX", "agg")
	t.Setenv("PREFIX_SEP", ".")
	t.Setenv("STDERR_SHOW", "true")

	settings, err := LoadSettings(t.TempDir())
	require.NoError(t, err)

	assert.False(t, settings.AutoReload)
	assert.Equal(t, 2500*time.Millisecond, settings.ReloadPollInterval)
	assert.True(t, settings.ReadOnly)
	assert.Equal(t, "agg", settings.SelfPrefix)
	assert.Equal(t, ".", settings.Separator)
	assert.True(t, settings.StderrShow)
}

func TestLoadSettingsRejectsBadValues(t *testing.T) {
	t.Setenv("SELF_PREFIX", "not a name")
	_, err := LoadSettings(t.TempDir())
	assert.Error(t, err)
}

func TestLoadSettingsRejectsBadWatchdogMode(t *testing.T) {
	t.Setenv("RELOAD_USE_WATCHDOG", "sometimes")
	_, err := LoadSettings(t.TempDir())
	assert.Error(t, err)
}

func TestSettingsPaths(t *testing.T) {
	settings, err := LoadSettings("/tmp/magg-test")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/magg-test/config.json", settings.CatalogPath())
	assert.Equal(t, "/tmp/magg-test/kits", settings.KitDir())
	assert.Equal(t, "/tmp/magg-test/magg.key", settings.PrivateKeyPath())
}
