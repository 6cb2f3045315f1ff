// Package logger provides leveled, file-backed logging for the bridge
// process. Log output goes to a file rather than the terminal because
// stdout/stderr belong to the hosting UI process.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Level represents a logging level
type Level int

const (
	// LevelDebug is the most verbose logging level
	LevelDebug Level = iota
	// LevelInfo logs informational messages
	LevelInfo
	// LevelWarn logs warnings
	LevelWarn
	// LevelError logs errors
	LevelError
	// LevelNone disables all logging
	LevelNone
)

// String returns the string representation of the log level
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a string into a Level. Unknown strings map to LevelInfo.
func ParseLevel(s string) Level {
	switch s {
	case "debug", "DEBUG":
		return LevelDebug
	case "info", "INFO":
		return LevelInfo
	case "warn", "WARN", "warning", "WARNING":
		return LevelWarn
	case "error", "ERROR":
		return LevelError
	case "none", "NONE":
		return LevelNone
	default:
		return LevelInfo
	}
}

// Logger writes timestamped, leveled log lines with an optional component
// prefix. Loggers sharing a file share the underlying *log.Logger and the
// level, so WithComponent is cheap and SetLevel on any of them applies to
// all of them.
type Logger struct {
	mu        sync.RWMutex
	level     *atomic.Int32
	out       *log.Logger
	component string
	file      *os.File
	disabled  bool
}

var (
	globalMu     sync.Mutex
	globalLogger *Logger
)

// Init initializes the global logger. Safe to call more than once; later
// calls replace the global instance.
func Init(level Level, logPath string) error {
	l, err := New(level, logPath, "")
	if err != nil {
		return err
	}
	globalMu.Lock()
	old := globalLogger
	globalLogger = l
	globalMu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// New creates a Logger writing to logPath. An empty path or LevelNone
// yields a no-op logger.
func New(level Level, logPath, component string) (*Logger, error) {
	l := &Logger{level: new(atomic.Int32), component: component}
	l.level.Store(int32(level))

	if level == LevelNone || logPath == "" {
		l.out = log.New(io.Discard, "", 0)
		l.disabled = true
		return l, nil
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	l.file = file
	l.out = log.New(file, "", 0)
	return l, nil
}

// Global returns the global logger, or a no-op logger if Init was never
// called.
func Global() *Logger {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = &Logger{
			level:    new(atomic.Int32),
			out:      log.New(io.Discard, "", 0),
			disabled: true,
		}
		globalLogger.level.Store(int32(LevelNone))
	}
	return globalLogger
}

// WithComponent returns a logger whose lines carry the given component
// tag. The clone shares the parent's level, so SetLevel on either one
// affects both.
func (l *Logger) WithComponent(component string) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()

	tag := component
	if l.component != "" {
		tag = l.component + ":" + component
	}
	return &Logger{
		level:     l.level,
		out:       l.out,
		component: tag,
		file:      l.file,
		disabled:  l.disabled,
	}
}

// SetLevel sets the logging level for this logger and every logger
// sharing its output.
func (l *Logger) SetLevel(level Level) {
	l.level.Store(int32(level))
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.disabled || level < Level(l.level.Load()) {
		return
	}

	tag := ""
	if l.component != "" {
		tag = "[" + l.component + "] "
	}
	l.out.Printf("%s [%s] %s%s",
		time.Now().Format("2006-01-02 15:04:05.000"),
		level.String(), tag, fmt.Sprintf(format, args...))
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) { l.log(LevelDebug, format, args...) }

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) { l.log(LevelInfo, format, args...) }

// Warn logs a warning
func (l *Logger) Warn(format string, args ...interface{}) { l.log(LevelWarn, format, args...) }

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) { l.log(LevelError, format, args...) }

// Close closes the underlying log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Package-level helpers using the global logger.

// Debug logs a debug message using the global logger
func Debug(format string, args ...interface{}) { Global().Debug(format, args...) }

// Info logs an informational message using the global logger
func Info(format string, args ...interface{}) { Global().Info(format, args...) }

// Warn logs a warning using the global logger
func Warn(format string, args ...interface{}) { Global().Warn(format, args...) }

// Error logs an error message using the global logger
func Error(format string, args ...interface{}) { Global().Error(format, args...) }
