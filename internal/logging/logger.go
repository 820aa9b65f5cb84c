package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"
)

// Level orders log severities
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps LOG_LEVEL values to a Level, defaulting to info
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger provides structured logging for the worker
type Logger struct {
	prefix string
	level  Level
	logger *log.Logger
}

var defaultLevel atomic.Int32

func init() {
	defaultLevel.Store(int32(LevelInfo))
}

// SetDefaultLevel sets the level of loggers created by NewLogger afterwards
func SetDefaultLevel(level Level) {
	defaultLevel.Store(int32(level))
}

// DefaultLevel returns the level NewLogger uses
func DefaultLevel() Level {
	return Level(defaultLevel.Load())
}

// NewLogger creates a new logger with a prefix at the default level
func NewLogger(prefix string) *Logger {
	return NewLoggerTo(os.Stdout, prefix, DefaultLevel())
}

// NewLoggerTo creates a logger writing to w at the given level
func NewLoggerTo(w io.Writer, prefix string, level Level) *Logger {
	return &Logger{
		prefix: prefix,
		level:  level,
		logger: log.New(w, fmt.Sprintf("[%s] ", prefix), log.LstdFlags),
	}
}

// With returns a child logger with an extended prefix
func (l *Logger) With(prefix string) *Logger {
	return &Logger{
		prefix: l.prefix + ":" + prefix,
		level:  l.level,
		logger: log.New(l.logger.Writer(), fmt.Sprintf("[%s:%s] ", l.prefix, prefix), l.logger.Flags()),
	}
}

// Info logs an informational message with key-value pairs
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.logWithKV(LevelInfo, "INFO", msg, keysAndValues...)
}

// Warn logs a warning message with key-value pairs
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.logWithKV(LevelWarn, "WARN", msg, keysAndValues...)
}

// Error logs an error message with key-value pairs
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.logWithKV(LevelError, "ERROR", msg, keysAndValues...)
}

// Debug logs a debug message with key-value pairs
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.logWithKV(LevelDebug, "DEBUG", msg, keysAndValues...)
}

func (l *Logger) logWithKV(level Level, label, msg string, keysAndValues ...interface{}) {
	if level < l.level {
		return
	}
	kvStr := ""
	for i := 0; i < len(keysAndValues); i += 2 {
		if i+1 < len(keysAndValues) {
			kvStr += fmt.Sprintf(" %v=%v", keysAndValues[i], keysAndValues[i+1])
		}
	}
	l.logger.Printf("[%s] %s%s", label, msg, kvStr)
}
