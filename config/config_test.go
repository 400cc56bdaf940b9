package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadYAMLWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database_path: /var/lib/relay/relay.db
engine:
  hourly_rate_limit: 10
approval:
  mode: auto
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/relay/relay.db", cfg.DatabasePath)
	assert.Equal(t, 10, cfg.Engine.HourlyRateLimit)
	assert.Equal(t, "auto", cfg.Approval.Mode)
	// Unset fields fall back to defaults.
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 30*time.Second, cfg.PollInterval())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("databas_path: oops\n"), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsInvalidApprovalMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("approval:\n  mode: yolo\n"), 0644))
	_, err := Load(path)
	assert.ErrorContains(t, err, "approval mode")
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Engine.FailureThreshold = 3

	for _, name := range []string{"relay.yaml", "relay.json"} {
		path := filepath.Join(dir, name)
		require.NoError(t, cfg.Save(path))
		got, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 3, got.Engine.FailureThreshold)
	}

	assert.Error(t, cfg.Save(filepath.Join(dir, "relay.toml")))
}
