package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigWithOverridesAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9090"
redis:
  addr: "redis.internal:6379"
leases:
  owner_ttl_sec: 45
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	cfg.applyEnvOverrides()

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, 45*time.Second, cfg.OwnerLeaseTTL())

	// Unset fields fall back to defaults.
	assert.Equal(t, 30*time.Second, cfg.RuntimeLeaseTTL())
	assert.Equal(t, 5*time.Minute, cfg.ExpiryGrace())
	assert.Equal(t, 5*time.Minute, cfg.IdleSnapshotDelay())
	assert.Equal(t, "docker", cfg.Sandbox.Provider)
	assert.NotEmpty(t, cfg.ReconnectDelays())
}

func TestEnvOverridesWin(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("IDLE_SNAPSHOT_DELAY_MIN", "10")

	cfg := &Config{}
	cfg.applyEnvOverrides()

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, 10*time.Minute, cfg.IdleSnapshotDelay())
}
