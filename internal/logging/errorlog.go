package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/groupmonitor/internal/monitor"
)

// ErrorLog is the operator-facing append-only failure log. Each failure is
// one JSON line.
type ErrorLog struct {
	logger *zap.Logger
}

var _ monitor.ErrorLog = (*ErrorLog)(nil)

// NewErrorLog opens path for appending. An empty path disables the log.
func NewErrorLog(path string) (*ErrorLog, error) {
	if path == "" {
		return &ErrorLog{logger: zap.NewNop()}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create error log directory: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.OutputPaths = []string{path}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.Sampling = nil
	cfg.DisableCaller = true
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.TimeKey = ""
	cfg.EncoderConfig.LevelKey = ""
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("open error log %s: %w", path, err)
	}
	return &ErrorLog{logger: logger}, nil
}

// NewErrorLogWithCore builds an ErrorLog writing to core (primarily for testing).
func NewErrorLogWithCore(core zapcore.Core) *ErrorLog {
	return &ErrorLog{logger: zap.New(core)}
}

// Record appends one failure.
func (l *ErrorLog) Record(at time.Time, username string, task monitor.TaskKind, message string) {
	l.logger.Error("task failed",
		zap.Time("at", at),
		zap.String("username", username),
		zap.String("task", string(task)),
		zap.String("error", message),
	)
}

// Close flushes buffered entries.
func (l *ErrorLog) Close() error {
	if err := l.logger.Sync(); err != nil {
		return fmt.Errorf("sync error log: %w", err)
	}
	return nil
}
