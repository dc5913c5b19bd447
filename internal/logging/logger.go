package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kingrea/exthost/internal/config"
)

// Logger writes structured lines through zap. The host appends JSON lines
// to .exthost/logs/exthost.log so failures stay inspectable after the
// terminal closes; the worker writes console lines to stderr because its
// stdout carries the protocol.
type Logger struct {
	sugar *zap.SugaredLogger
	file  *os.File
}

// New creates (or reuses) the log file for the workspace and tees warnings
// and errors to stderr.
func New(workspaceRoot string, level zapcore.Level) (*Logger, error) {
	ws, err := config.NewWorkspace(workspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	if err := os.MkdirAll(ws.LogsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	path := filepath.Join(ws.LogsDir(), "exthost.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.AddSync(f), level)
	stderrCore := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig()), zapcore.Lock(os.Stderr), zapcore.WarnLevel)
	core := zapcore.NewTee(fileCore, stderrCore)
	return &Logger{sugar: zap.New(core).Sugar(), file: f}, nil
}

// NewConsole writes console-encoded lines to w. The worker uses it with
// os.Stderr.
func NewConsole(w io.Writer, level zapcore.Level) *Logger {
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig()), zapcore.Lock(zapcore.AddSync(w)), level)
	return &Logger{sugar: zap.New(core).Sugar()}
}

// NewWithCore wraps an arbitrary core, e.g. zaptest/observer in tests.
func NewWithCore(core zapcore.Core) *Logger {
	return &Logger{sugar: zap.New(core).Sugar()}
}

// NewNop returns a logger that drops everything.
func NewNop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar()}
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.RFC3339TimeEncoder
	cfg.TimeKey = "time"
	return cfg
}

// ParseLevel maps a flag value onto a zap level, defaulting to info.
func ParseLevel(value string) zapcore.Level {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(value)))); err != nil {
		return zapcore.InfoLevel
	}
	return level
}

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(keysAndValues ...any) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{sugar: l.sugar.With(keysAndValues...)}
}

// Named returns a child logger with name appended to the logger name.
func (l *Logger) Named(name string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{sugar: l.sugar.Named(name)}
}

// Printf writes a single info line.
func (l *Logger) Printf(format string, args ...any) {
	if l == nil {
		return
	}
	l.sugar.Infof(strings.TrimRight(format, "\n"), args...)
}

func (l *Logger) Debugf(format string, args ...any) {
	if l == nil {
		return
	}
	l.sugar.Debugf(format, args...)
}

func (l *Logger) Infof(format string, args ...any) {
	if l == nil {
		return
	}
	l.sugar.Infof(format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	if l == nil {
		return
	}
	l.sugar.Warnf(format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	if l == nil {
		return
	}
	l.sugar.Errorf(format, args...)
}

// Infow logs a message with structured key/value pairs.
func (l *Logger) Infow(msg string, keysAndValues ...any) {
	if l == nil {
		return
	}
	l.sugar.Infow(msg, keysAndValues...)
}

// Warnw logs a warning with structured key/value pairs.
func (l *Logger) Warnw(msg string, keysAndValues ...any) {
	if l == nil {
		return
	}
	l.sugar.Warnw(msg, keysAndValues...)
}

// Errorw logs an error with structured key/value pairs.
func (l *Logger) Errorw(msg string, keysAndValues ...any) {
	if l == nil {
		return
	}
	l.sugar.Errorw(msg, keysAndValues...)
}

// Close flushes buffered output and releases the file handle.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	// Sync on a terminal stderr returns EINVAL on some platforms; only the
	// file flush matters.
	_ = l.sugar.Sync()
	if l.file == nil {
		return nil
	}
	return multierr.Combine(l.file.Sync(), l.file.Close())
}
