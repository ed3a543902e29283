package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesFileThenEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "rpkid.yaml")
	dataDir := filepath.Join(dir, "data")
	require.NoError(t, os.WriteFile(cfgPath, []byte(
		"data_dir: "+dataDir+"\n"+
			"admin_addr: 127.0.0.1:4000\n"+
			"log_level: warn\n",
	), 0o644))

	t.Setenv(EnvLogLevel, "debug")

	cfg, err := Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel, "env var must win over file value")
	assert.Equal(t, "127.0.0.1:4000", cfg.AdminAddr)

	info, err := os.Stat(cfg.DataDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvDataDir, filepath.Join(dir, "override"))

	cfg, err := Load(filepath.Join(dir, "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:3000", cfg.AdminAddr)
	assert.Contains(t, cfg.DataDir, "override")
}

func TestDerivedDirs(t *testing.T) {
	cfg := &Config{DataDir: "/var/lib/rpkid"}
	assert.Equal(t, "/var/lib/rpkid/store", cfg.EventStoreDir())
	assert.Equal(t, "/var/lib/rpkid/keys", cfg.KeysDir())
	assert.Equal(t, "/var/lib/rpkid/repo", cfg.RepositoryDir())
}
