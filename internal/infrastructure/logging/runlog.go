package logging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/juju/lumberjack/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RunLogConfig configures the rolling migration log.
type RunLogConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	Compress   bool
}

// RunLog is the rolling migration log: one JSON line per phase transition,
// script output line, warning and result, appended across runs.
type RunLog struct {
	path   string
	writer *lumberjack.Logger
	logger *zap.Logger
}

// OpenRunLog opens or creates the log file.
func OpenRunLog(cfg RunLogConfig) (*RunLog, error) {
	if cfg.Path == "" {
		return nil, errors.New("run log path not configured")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run log directory: %w", err)
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 5
	}

	w := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig(false)), zapcore.AddSync(w), zapcore.DebugLevel)
	return &RunLog{path: cfg.Path, writer: w, logger: zap.New(core)}, nil
}

// Path returns the log file location.
func (r *RunLog) Path() string {
	return r.path
}

// Logger returns a logger writing only to the run log.
func (r *RunLog) Logger() *zap.Logger {
	return r.logger
}

// Close flushes and closes the file.
func (r *RunLog) Close() error {
	_ = r.logger.Sync()
	return r.writer.Close()
}
