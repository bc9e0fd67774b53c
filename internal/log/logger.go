// SPDX-License-Identifier: MIT
package log

import (
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel defines the severity of a log message.
type LogLevel uint32

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

// String returns the string representation of the LogLevel.
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// zapLevel maps a LogLevel onto the zap severity scale.
func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	case LevelFatal:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel converts a string (case-insensitive) to a LogLevel.
// Returns LevelInfo and false if the string is not recognized.
func ParseLevel(levelStr string) (LogLevel, bool) {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "DEBUG":
		return LevelDebug, true
	case "INFO":
		return LevelInfo, true
	case "WARN", "WARNING":
		return LevelWarn, true
	case "ERROR":
		return LevelError, true
	case "FATAL":
		return LevelFatal, true
	default:
		return LevelInfo, false
	}
}

// --- Global Logger State ---

var (
	currentLevel atomic.Uint32
	atom         = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	base         atomic.Pointer[zap.Logger]
)

func init() {
	base.Store(newConsoleLogger())
	SetLevel(LevelInfo)
}

// newConsoleLogger builds the process logger: console encoding on stderr with
// microsecond timestamps, gated by the shared atomic level.
func newConsoleLogger() *zap.Logger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05.000000")
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), atom)
	return zap.New(core)
}

// SetLevel sets the global logging level atomically.
func SetLevel(level LogLevel) {
	currentLevel.Store(uint32(level))
	atom.SetLevel(level.zapLevel())
}

// GetLevel gets the current global logging level atomically.
func GetLevel() LogLevel {
	return LogLevel(currentLevel.Load())
}

// L returns the process-wide structured logger.
func L() *zap.Logger {
	return base.Load()
}

// Named returns a child of the process logger scoped to a component.
func Named(name string) *zap.Logger {
	return L().Named(name)
}

// Replace swaps the process logger and returns a function restoring the
// previous one. Intended for tests that install an observer core.
func Replace(l *zap.Logger) (restore func()) {
	if l == nil {
		l = zap.NewNop()
	}
	prev := base.Swap(l)
	return func() { base.Store(prev) }
}

// Sync flushes any buffered log entries.
func Sync() error {
	return L().Sync()
}

func sugar() *zap.SugaredLogger {
	// Skip the facade frame so callers see their own file:line.
	return L().WithOptions(zap.AddCallerSkip(1)).Sugar()
}

// --- Public Logging Functions ---

// Debugf logs a formatted debug message if the level is appropriate.
func Debugf(format string, v ...any) { sugar().Debugf(format, v...) }

// Infof logs a formatted info message if the level is appropriate.
func Infof(format string, v ...any) { sugar().Infof(format, v...) }

// Warnf logs a formatted warning message if the level is appropriate.
func Warnf(format string, v ...any) { sugar().Warnf(format, v...) }

// Errorf logs a formatted error message if the level is appropriate.
func Errorf(format string, v ...any) { sugar().Errorf(format, v...) }

// Fatalf logs a formatted fatal message and exits the application.
// Fatal messages are always logged regardless of the current level.
func Fatalf(format string, v ...any) { sugar().Fatalf(format, v...) }

// --- Functions without formatting (convenience) ---

func Debug(v ...any) { sugar().Debug(v...) }
func Info(v ...any)  { sugar().Info(v...) }
func Warn(v ...any)  { sugar().Warn(v...) }
func Error(v ...any) { sugar().Error(v...) }

// Fatal logs a fatal message and exits the application.
func Fatal(v ...any) { sugar().Fatal(v...) }
