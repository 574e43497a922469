package server

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/BrowserMover/internal/domain/backup"
	"github.com/GriffinCanCode/BrowserMover/internal/domain/catalog"
	"github.com/GriffinCanCode/BrowserMover/internal/domain/classify"
	"github.com/GriffinCanCode/BrowserMover/internal/domain/discovery"
	"github.com/GriffinCanCode/BrowserMover/internal/domain/locate"
	"github.com/GriffinCanCode/BrowserMover/internal/domain/migration"
	"github.com/GriffinCanCode/BrowserMover/internal/domain/patch"
	"github.com/GriffinCanCode/BrowserMover/internal/executor"
	"github.com/GriffinCanCode/BrowserMover/internal/infrastructure/config"
	"github.com/GriffinCanCode/BrowserMover/internal/infrastructure/logging"
	"github.com/GriffinCanCode/BrowserMover/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/BrowserMover/internal/infrastructure/staging"
)

// Stack is the fully wired engine and its collaborators. The CLI and the
// HTTP server share it.
type Stack struct {
	Config     *config.Config
	Logger     *logging.Logger
	Registry   *prometheus.Registry
	Metrics    *monitoring.Metrics
	Executor   *executor.Shell
	Catalog    *catalog.Catalog
	Resolver   discovery.Resolver
	Classifier *classify.Classifier
	Locator    *locate.Locator
	Area       *staging.Area
	Backups    *backup.Manager
	Engine     *migration.Engine
	// RunLog is nil when the rolling log could not be opened.
	RunLog *logging.RunLog
}

// Build wires the stack from configuration.
func Build(cfg *config.Config, logger *logging.Logger) (*Stack, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	mode, err := executor.ParseMode(cfg.Executor.Mode)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetricsWith(reg)

	cat, err := loadCatalog(cfg.Paths.CatalogFile)
	if err != nil {
		return nil, err
	}

	exec := executor.New(executor.Options{
		Mode:            mode,
		SuBinary:        cfg.Executor.SuBinary,
		Shell:           cfg.Executor.Shell,
		GlobalNamespace: cfg.Executor.GlobalNamespace,
		UsePTY:          cfg.Executor.UsePTY,
		CommandTimeout:  cfg.Executor.CommandTimeout,
		GuardThreshold:  cfg.Executor.GuardThreshold,
		GuardCooldown:   cfg.Executor.GuardCooldown,
		Logger:          logger.Logger,
		Observer:        metrics,
	})

	area, err := staging.New(cfg.Paths.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare work dir: %w", err)
	}
	if n, err := area.Sweep(cfg.Migration.StagingMaxAge); err != nil {
		logger.Warn("Staging sweep failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("Removed stale staging entries", zap.Int("count", n))
	}

	resolver := discovery.NewPackageManager(exec, cat)
	locator := locate.New(exec, resolver, cat, locate.Options{
		Prefix:      cfg.Paths.DataPrefix,
		SearchRoot:  cfg.Paths.SearchRoot,
		SearchDepth: cfg.Paths.SearchDepth,
	}, logger.Logger)
	classifier := classify.New(cat, exec, resolver, locator.Roots, logger.Logger)

	patcher := patch.New(exec, area, logger.Logger)
	patcher.SetObserver(metrics)
	backups := backup.NewManager(exec, cfg.Paths.BackupDir, area, locator, cat.KeepAlways, logger.Logger)

	s := &Stack{
		Config:     cfg,
		Logger:     logger,
		Registry:   reg,
		Metrics:    metrics,
		Executor:   exec,
		Catalog:    cat,
		Resolver:   resolver,
		Classifier: classifier,
		Locator:    locator,
		Area:       area,
		Backups:    backups,
	}

	opts := migration.Options{
		Executor:   exec,
		Catalog:    cat,
		Classifier: classifier,
		Locator:    locator,
		Patcher:    patcher,
		Backups:    backups,
		Area:       area,
		Sqlite3:    cfg.Paths.Sqlite3,
		Timeout:    cfg.Migration.Timeout,
		StopWait:   cfg.Migration.StopWait,
		Logger:     logger.Logger,
		Observer:   metrics,
	}
	runLog, err := logging.OpenRunLog(logging.RunLogConfig{
		Path:       cfg.Paths.LogFile,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   true,
	})
	if err != nil {
		logger.Warn("Migration log unavailable", zap.String("path", cfg.Paths.LogFile), zap.Error(err))
	} else {
		s.RunLog = runLog
		opts.RunLog = runLog.Logger()
		opts.LogPath = runLog.Path()
	}
	s.Engine = migration.New(opts)

	logger.Info("Migration engine ready",
		zap.String("executor", string(mode)),
		zap.String("work_dir", cfg.Paths.WorkDir),
		zap.String("backup_dir", cfg.Paths.BackupDir),
		zap.String("log_file", s.LogPath()))
	return s, nil
}

// LogPath returns the rolling log location, or "" when it is unavailable.
func (s *Stack) LogPath() string {
	if s.RunLog == nil {
		return ""
	}
	return s.RunLog.Path()
}

// Close flushes the loggers.
func (s *Stack) Close() error {
	var errs []error
	if s.RunLog != nil {
		errs = append(errs, s.RunLog.Close())
	}
	if err := s.Logger.Sync(); err != nil && !isSyncNoise(err) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func loadCatalog(file string) (*catalog.Catalog, error) {
	if file == "" {
		return catalog.Default(), nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	cat, err := catalog.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid catalog %s: %w", file, err)
	}
	return cat, nil
}

// isSyncNoise matches the error zap returns when syncing a terminal.
func isSyncNoise(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "invalid argument") || strings.Contains(msg, "inappropriate ioctl")
}
