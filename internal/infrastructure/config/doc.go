// Package config provides 12-factor configuration management for the mover.
//
// Configuration is loaded from environment variables with sensible defaults
// for a rooted Android device. CLI flags override individual values.
//
// Configuration Sections:
//   - Server: HTTP API listen address, allowed CORS origins
//   - Executor: privilege mode, shell, timeouts, launch guard
//   - Paths: data root prefix, work dir, backup dir, rolling log, sqlite3,
//     search root, catalog override file
//   - Migration: default backup, overall timeout, stop wait
//   - Logging: log level, output format, rolling log rotation
//   - RateLimit: per-IP rate limiting of the HTTP API
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("backups in %s\n", cfg.Paths.BackupDir)
package config
