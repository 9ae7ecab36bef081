package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "default_user", cfg.DefaultUser)
	assert.Equal(t, 10, cfg.ContextLimit)
	assert.Equal(t, "/dev/shm", cfg.ShmDir)
}

func TestLoadRejectsBadThermalOrdering(t *testing.T) {
	t.Setenv("BLACKBOX_THERMAL_WARN", "90")
	t.Setenv("BLACKBOX_THERMAL_CRITICAL", "85")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadRejectsUnknownFileKey(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.yaml"
	content := "not_a_real_key: 42\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverridesDefault(t *testing.T) {
	t.Setenv("BLACKBOX_DEFAULT_USER", "someone_else")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "someone_else", cfg.DefaultUser)
}
