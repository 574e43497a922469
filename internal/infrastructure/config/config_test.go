package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)

	assert.Equal(t, "su", cfg.Executor.Mode)
	assert.True(t, cfg.Executor.GlobalNamespace)
	assert.Equal(t, 2*time.Minute, cfg.Executor.CommandTimeout)

	assert.Equal(t, "/sdcard/BrowserDataMover/backups", cfg.Paths.BackupDir)
	assert.Equal(t, "/sdcard/BrowserDataMover/migration.log", cfg.Paths.LogFile)
	assert.Equal(t, "/data/local/tmp/browser_migrator", cfg.Paths.WorkDir)

	assert.True(t, cfg.Migration.BackupByDefault)
	assert.Equal(t, 10*time.Minute, cfg.Migration.Timeout)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	envVars := map[string]string{
		"PORT":              "9000",
		"EXECUTOR_MODE":     "local",
		"EXECUTOR_SHELL":    "sh",
		"COMMAND_TIMEOUT":   "45s",
		"DATA_PREFIX":       "/tmp/device",
		"BACKUP_DIR":        "/tmp/backups",
		"MIGRATION_TIMEOUT": "3m",
		"BACKUP_DEFAULT":    "false",
		"LOG_LEVEL":         "debug",
		"LOG_DEV":           "true",
		"RATE_LIMIT_RPS":    "500",
	}
	for key, value := range envVars {
		t.Setenv(key, value)
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "local", cfg.Executor.Mode)
	assert.Equal(t, "sh", cfg.Executor.Shell)
	assert.Equal(t, 45*time.Second, cfg.Executor.CommandTimeout)
	assert.Equal(t, "/tmp/device", cfg.Paths.DataPrefix)
	assert.Equal(t, "/tmp/backups", cfg.Paths.BackupDir)
	assert.Equal(t, 3*time.Minute, cfg.Migration.Timeout)
	assert.False(t, cfg.Migration.BackupByDefault)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Development)
	assert.Equal(t, 500, cfg.RateLimit.RequestsPerSecond)

	// Untouched values keep their defaults.
	assert.Equal(t, "/sdcard/BrowserDataMover/migration.log", cfg.Paths.LogFile)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "local mode", mutate: func(c *Config) { c.Executor.Mode = "LOCAL" }},
		{name: "unknown mode", mutate: func(c *Config) { c.Executor.Mode = "sudo" }, wantErr: "executor mode"},
		{name: "empty work dir", mutate: func(c *Config) { c.Paths.WorkDir = " " }, wantErr: "WORK_DIR"},
		{name: "empty backup dir", mutate: func(c *Config) { c.Paths.BackupDir = "" }, wantErr: "BACKUP_DIR"},
		{name: "zero timeout", mutate: func(c *Config) { c.Migration.Timeout = 0 }, wantErr: "MIGRATION_TIMEOUT"},
		{name: "negative command timeout", mutate: func(c *Config) { c.Executor.CommandTimeout = -time.Second }, wantErr: "COMMAND_TIMEOUT"},
		{name: "negative search depth", mutate: func(c *Config) { c.Paths.SearchDepth = -1 }, wantErr: "SEARCH_DEPTH"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("EXECUTOR_MODE", "magisk")
	_, err := Load()
	assert.Error(t, err)

	cfg := LoadOrDefault()
	assert.Equal(t, "su", cfg.Executor.Mode)
}
