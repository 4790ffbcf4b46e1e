package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	clearOrcEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "orchestratord", cfg.Service.Name)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 15*time.Second, cfg.HTTP.ReadTimeout)
	assert.Equal(t, "embedded", cfg.Store.Backend)
	assert.Equal(t, "data/orchestrator.db", cfg.Store.SQLitePath)
	assert.Equal(t, "mixed", cfg.Auth.Mode)
	assert.True(t, cfg.Auth.AllowCompatHeaders)
	assert.False(t, cfg.Auth.AllowTrustedSSO)
	assert.False(t, cfg.Approvals.ExpirySweepEnabled)
	assert.Equal(t, 1*time.Minute, cfg.Approvals.ExpirySweepInterval)
	assert.Equal(t, 24*time.Hour, cfg.Approvals.ItemTTL)
	assert.Equal(t, "ops_team", cfg.Approvals.DefaultApproverGroup)
	assert.Equal(t, 1, cfg.MaxRetry)
}

func TestLoadRejectsUnknownStoreBackend(t *testing.T) {
	clearOrcEnv(t)
	require.NoError(t, os.Setenv("ORC_STORE_BACKEND", "magic"))
	defer func() { _ = os.Unsetenv("ORC_STORE_BACKEND") }()

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadHonorsEnvironmentOverrides(t *testing.T) {
	clearOrcEnv(t)
	require.NoError(t, os.Setenv("ORC_STORE_BACKEND", "networked"))
	require.NoError(t, os.Setenv("ORC_STORE_POSTGRES_DSN", "postgres://example/db"))
	require.NoError(t, os.Setenv("ORC_AUTH_MODE", "local"))
	require.NoError(t, os.Setenv("ORC_APPROVALS_EXPIRY_SWEEP_ENABLED", "true"))
	defer clearOrcEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "networked", cfg.Store.Backend)
	assert.Equal(t, "postgres://example/db", cfg.Store.PostgresDSN)
	assert.Equal(t, "local", cfg.Auth.Mode)
	assert.True(t, cfg.Approvals.ExpirySweepEnabled)
}

func clearOrcEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ORC_STORE_BACKEND",
		"ORC_STORE_POSTGRES_DSN",
		"ORC_AUTH_MODE",
		"ORC_APPROVALS_EXPIRY_SWEEP_ENABLED",
	} {
		_ = os.Unsetenv(key)
	}
}
