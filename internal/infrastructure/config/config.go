package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Executor  ExecutorConfig
	Paths     PathsConfig
	Migration MigrationConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8000"`
	Host string `envconfig:"HOST" default:"127.0.0.1"`
	// AllowOrigins lists the browser origins allowed to call the API.
	AllowOrigins []string `envconfig:"ALLOW_ORIGINS" default:"http://localhost:3000,http://127.0.0.1:3000"`
}

// ExecutorConfig holds privileged executor configuration.
type ExecutorConfig struct {
	Mode            string        `envconfig:"EXECUTOR_MODE" default:"su"`
	SuBinary        string        `envconfig:"SU_BINARY" default:"su"`
	Shell           string        `envconfig:"EXECUTOR_SHELL" default:"/system/bin/sh"`
	GlobalNamespace bool          `envconfig:"GLOBAL_NAMESPACE" default:"true"`
	UsePTY          bool          `envconfig:"EXECUTOR_PTY" default:"false"`
	CommandTimeout  time.Duration `envconfig:"COMMAND_TIMEOUT" default:"2m"`
	GuardThreshold  int           `envconfig:"GUARD_THRESHOLD" default:"3"`
	GuardCooldown   time.Duration `envconfig:"GUARD_COOLDOWN" default:"30s"`
}

// PathsConfig holds on-device locations.
type PathsConfig struct {
	// DataPrefix is prepended to every canonical data root.
	DataPrefix  string `envconfig:"DATA_PREFIX" default:""`
	WorkDir     string `envconfig:"WORK_DIR" default:"/data/local/tmp/browser_migrator"`
	BackupDir   string `envconfig:"BACKUP_DIR" default:"/sdcard/BrowserDataMover/backups"`
	LogFile     string `envconfig:"LOG_FILE" default:"/sdcard/BrowserDataMover/migration.log"`
	Sqlite3     string `envconfig:"SQLITE3_BIN" default:"/data/local/tmp/browser_migrator/sqlite3"`
	SearchRoot  string `envconfig:"SEARCH_ROOT" default:"/data"`
	SearchDepth int    `envconfig:"SEARCH_DEPTH" default:"4"`
	// CatalogFile replaces the embedded browser catalog when set.
	CatalogFile string `envconfig:"CATALOG_FILE" default:""`
}

// MigrationConfig holds engine behavior.
type MigrationConfig struct {
	BackupByDefault bool          `envconfig:"BACKUP_DEFAULT" default:"true"`
	Timeout         time.Duration `envconfig:"MIGRATION_TIMEOUT" default:"10m"`
	StopWait        time.Duration `envconfig:"STOP_WAIT" default:"10s"`
	StagingMaxAge   time.Duration `envconfig:"STAGING_MAX_AGE" default:"24h"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
	MaxSizeMB   int    `envconfig:"LOG_MAX_SIZE_MB" default:"5"`
	MaxBackups  int    `envconfig:"LOG_MAX_BACKUPS" default:"3"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"20"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"40"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8000",
			Host:         "127.0.0.1",
			AllowOrigins: []string{"http://localhost:3000", "http://127.0.0.1:3000"},
		},
		Executor: ExecutorConfig{
			Mode:            "su",
			SuBinary:        "su",
			Shell:           "/system/bin/sh",
			GlobalNamespace: true,
			CommandTimeout:  2 * time.Minute,
			GuardThreshold:  3,
			GuardCooldown:   30 * time.Second,
		},
		Paths: PathsConfig{
			WorkDir:     "/data/local/tmp/browser_migrator",
			BackupDir:   "/sdcard/BrowserDataMover/backups",
			LogFile:     "/sdcard/BrowserDataMover/migration.log",
			Sqlite3:     "/data/local/tmp/browser_migrator/sqlite3",
			SearchRoot:  "/data",
			SearchDepth: 4,
		},
		Migration: MigrationConfig{
			BackupByDefault: true,
			Timeout:         10 * time.Minute,
			StopWait:        10 * time.Second,
			StagingMaxAge:   24 * time.Hour,
		},
		Logging: LogConfig{
			Level:      "info",
			MaxSizeMB:  5,
			MaxBackups: 3,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             40,
			Enabled:           true,
		},
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Executor.Mode) {
	case "su", "local":
	default:
		errs = append(errs, fmt.Errorf("executor mode %q is not su or local", c.Executor.Mode))
	}
	for name, v := range map[string]string{
		"WORK_DIR":   c.Paths.WorkDir,
		"BACKUP_DIR": c.Paths.BackupDir,
		"LOG_FILE":   c.Paths.LogFile,
	} {
		if strings.TrimSpace(v) == "" {
			errs = append(errs, fmt.Errorf("%s must not be empty", name))
		}
	}
	if c.Executor.CommandTimeout <= 0 {
		errs = append(errs, errors.New("COMMAND_TIMEOUT must be positive"))
	}
	if c.Migration.Timeout <= 0 {
		errs = append(errs, errors.New("MIGRATION_TIMEOUT must be positive"))
	}
	if c.Migration.StopWait < 0 {
		errs = append(errs, errors.New("STOP_WAIT must not be negative"))
	}
	if c.Paths.SearchDepth < 0 {
		errs = append(errs, errors.New("SEARCH_DEPTH must not be negative"))
	}
	return errors.Join(errs...)
}
