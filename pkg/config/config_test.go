package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
	assert.True(t, cfg.RedactLogs)
	assert.Equal(t, 120*time.Second, cfg.ClaimTTL.Std())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "drydock.yaml")
	data := []byte(`
listen_addr: ":9090"
artifact_root: /srv/logs
poll_interval: 10s
claim_ttl: 2m
worker_memory: 2g
model_costs:
  llama-3-8b: 0.05
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "/srv/logs", cfg.ArtifactRoot)
	assert.Equal(t, 10*time.Second, cfg.PollInterval.Std())
	assert.Equal(t, 2*time.Minute, cfg.ClaimTTL.Std())
	assert.Equal(t, 0.05, cfg.ModelCosts["llama-3-8b"])

	mem, err := cfg.WorkerMemoryBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(2*1024*1024*1024), mem)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DRYDOCK_DB_URL", "postgres://drydock@localhost/drydock")
	t.Setenv("DRYDOCK_ARTIFACT_ROOT", "/mnt/artifacts")
	t.Setenv("DEBUG_REDACTED_MODE", "false")
	t.Setenv("DRYDOCK_POLL_INTERVAL", "20s")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://drydock@localhost/drydock", cfg.DatabaseURL)
	assert.Equal(t, "/mnt/artifacts", cfg.ArtifactRoot)
	assert.False(t, cfg.RedactLogs)
	assert.Equal(t, 20*time.Second, cfg.PollInterval.Std())
}

func TestValidateRejectsShortTTL(t *testing.T) {
	cfg := Default()
	cfg.ClaimTTL = Duration(5 * time.Second)
	cfg.PollInterval = Duration(15 * time.Second)
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadMemory(t *testing.T) {
	cfg := Default()
	cfg.WorkerMemory = "lots"
	assert.Error(t, cfg.Validate())
}
