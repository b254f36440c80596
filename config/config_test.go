package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadShippedFiles(t *testing.T) {
	cfg, err := LoadFrom("local", ".")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.DB.Driver)
	assert.Equal(t, "trackersync-local.db", cfg.DB.Path)
	assert.True(t, cfg.Log.Development)
	assert.Equal(t, "@every 1m", cfg.Scheduler.PollSpec)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.MinInterval)
	assert.Equal(t, 30*24*time.Hour, cfg.Scheduler.OperationRetention)
	assert.Equal(t, 3, cfg.Outbox.MaxRetries)
	assert.Equal(t, 5, cfg.Resilience.Breaker.FailureThreshold)
	assert.Equal(t, "Task", cfg.Target.IssueType)
}

func TestLoadKeepsDefaultsAndAppliesEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base.yaml"), []byte("server:\n  port: \"9090\"\n"), 0o600))
	t.Setenv("SOURCE_TOKEN", "ghp_test")
	t.Setenv("TARGET_TOKEN", "jira-token")
	t.Setenv("CONFLICT_ALERT_THRESHOLD", "3")

	cfg, err := LoadFrom("local", dir)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "ghp_test", cfg.Source.Token)
	assert.Equal(t, "jira-token", cfg.Target.Token)
	assert.Equal(t, 3, cfg.Alert.ConflictThreshold)
	assert.Equal(t, 30*time.Second, cfg.Outbox.Interval)
	assert.Equal(t, "trackersync.db", cfg.DB.Path)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.DB.Driver = "mysql"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.DB.Driver = "postgres"
	cfg.DB.Host = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.MQ.Enabled = true
	cfg.MQ.URL = ""
	assert.Error(t, cfg.Validate())
}
