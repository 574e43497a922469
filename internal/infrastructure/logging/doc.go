// Package logging provides structured logging using uber/zap.
//
// Two loggers exist side by side:
//   - Logger: the process log, JSON in production and colored console
//     output in development
//   - RunLog: the rolling migration log, a size-rotated JSON file that
//     every migration and rollback appends to
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	logger.Info("Serving", zap.String("addr", ":8000"))
//
//	runLog, err := logging.OpenRunLog(logging.RunLogConfig{Path: "/sdcard/BrowserDataMover/migration.log"})
//	runLog.Logger().Info("Phase started", zap.String("phase", "copy"))
package logging
