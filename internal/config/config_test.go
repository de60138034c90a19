package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 1.0, cfg.Router.PrimaryPercentage)
	assert.Equal(t, 10, cfg.Cleanup.FailGraceSeconds)
	assert.Equal(t, 600, cfg.Cleanup.NormalTTLSeconds)
	assert.Equal(t, 3600, cfg.Cleanup.PreserveTTLSeconds)
	assert.Equal(t, 60, cfg.Executor.ProvisioningDeadlineSeconds)
	assert.Equal(t, []string{"urgent", "normal", "batch", "maintenance"}, cfg.Queue.Priorities)
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9000
router:
  primary_percentage: 0.25
pool:
  executor_ids: ["exec-1", "exec-2"]
executor:
  driver: gvisor
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 0.25, cfg.Router.PrimaryPercentage)
	assert.Equal(t, []string{"exec-1", "exec-2"}, cfg.Pool.ExecutorIDs)
	assert.Equal(t, "gvisor", cfg.Executor.Driver)
	// untouched sections keep defaults
	assert.Equal(t, 10, cfg.Cleanup.FailGraceSeconds)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ROUTER_PRIMARY_PERCENTAGE", "0.5")
	t.Setenv("FORCE_LEGACY_QUEUE", "true")
	t.Setenv("EXECUTOR_POOL_IDS", "a, b ,c")
	t.Setenv("EXECUTOR_LEASE_TTL_SECONDS", "120")
	t.Setenv("CLEANUP_FAIL_GRACE_SECONDS", "15")
	t.Setenv("DURABLE_STORE_URL", "postgres://x/y")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 0.5, cfg.Router.PrimaryPercentage)
	assert.True(t, cfg.Router.ForceLegacy)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Pool.ExecutorIDs)
	assert.Equal(t, 120, cfg.Pool.LeaseTTLSeconds)
	assert.Equal(t, 15, cfg.Cleanup.FailGraceSeconds)
	assert.Equal(t, "postgres://x/y", cfg.Store.URL)
}

func TestValidationRejectsBadPercentage(t *testing.T) {
	t.Setenv("ROUTER_PRIMARY_PERCENTAGE", "1.5")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "primary_percentage")
}

func TestValidationRejectsUnknownDriver(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("executor:\n  driver: firecracker\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "executor.driver")
}
