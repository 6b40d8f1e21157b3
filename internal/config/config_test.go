package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ModeFull, cfg.Mode)
	assert.Equal(t, "127.0.0.1:5037", cfg.ADB.Address)
	assert.Equal(t, 40000, cfg.Forward.PortMin)
	assert.Equal(t, 40999, cfg.Forward.PortMax)
	assert.Zero(t, cfg.Forward.FixedPort)
	assert.Equal(t, 30*time.Minute, cfg.SessionTimeout)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "adbg.yaml")
	content := `
mode: readonly
allowInvoke: false
adb:
  address: 10.0.0.2:5037
forward:
  portMin: 41000
  portMax: 41010
  fixedPort: 41005
log:
  level: debug
  format: json
maxSessions: 3
sessionTimeout: 5m
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, ModeReadOnly, cfg.Mode)
	assert.False(t, cfg.AllowInvoke)
	assert.True(t, cfg.AllowAttach, "unset keys keep defaults")
	assert.Equal(t, "10.0.0.2:5037", cfg.ADB.Address)
	assert.Equal(t, 41000, cfg.Forward.PortMin)
	assert.Equal(t, 41005, cfg.Forward.FixedPort)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 3, cfg.MaxSessions)
	assert.Equal(t, 5*time.Minute, cfg.SessionTimeout)
}

func TestLoadFromFile_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "adbg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("adb:\n  address: 10.0.0.2:5037\n"), 0o644))

	t.Setenv("ADBG_ADB_ADDRESS", "192.168.1.5:5037")

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.5:5037", cfg.ADB.Address)
}

func TestLoadFromFile_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "adbg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("forward:\n  portMin: 500\n  portMax: 100\n"), 0o644))

	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forward port range")
}

func TestPermissions(t *testing.T) {
	cfg := Default()
	assert.True(t, cfg.CanUseControlTools())
	assert.True(t, cfg.CanModifyVariables())
	assert.True(t, cfg.CanInvoke())

	cfg.Mode = ModeReadOnly
	assert.False(t, cfg.CanUseControlTools())
	assert.False(t, cfg.CanModifyVariables())
	assert.False(t, cfg.CanInvoke())
	assert.True(t, cfg.CanAttach())
}
