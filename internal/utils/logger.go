// internal/utils/logger.go
package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the logging level
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARNING
	ERROR
)

// Fields structured key/value pairs attached to a log line
type Fields map[string]interface{}

// Logger represents a structured logger
type Logger struct {
	mu      sync.Mutex
	file    *os.File
	out     io.Writer
	level   LogLevel
	enabled bool
	base    Fields
	parent  *Logger
}

var (
	globalLogger *Logger
	loggerOnce   sync.Once
)

// GetLogger returns the global logger instance
func GetLogger() *Logger {
	loggerOnce.Do(func() {
		globalLogger = &Logger{
			out:     os.Stdout,
			level:   INFO,
			enabled: true,
		}
	})
	return globalLogger
}

// InitLogger opens (or appends to) a log file in addition to stdout
func InitLogger(logFile string) error {
	logger := GetLogger()

	if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	logger.mu.Lock()
	defer logger.mu.Unlock()

	if logger.file != nil {
		logger.file.Close()
	}
	logger.file = file
	return nil
}

// DailyLogFile returns the dated log file path inside logDir
func DailyLogFile(logDir string, now time.Time) string {
	return filepath.Join(logDir, fmt.Sprintf("proposals_%s.log", now.Format("2006-01-02")))
}

// SetOutput replaces the console writer (tests use a buffer)
func (l *Logger) SetOutput(w io.Writer) {
	root := l.root()
	root.mu.Lock()
	defer root.mu.Unlock()
	root.out = w
}

// SetLogLevel sets the minimum level for logging
func (l *Logger) SetLogLevel(level LogLevel) {
	root := l.root()
	root.mu.Lock()
	defer root.mu.Unlock()
	root.level = level
}

// Enable enables or disables logging
func (l *Logger) Enable(enabled bool) {
	root := l.root()
	root.mu.Lock()
	defer root.mu.Unlock()
	root.enabled = enabled
}

// With returns a child logger that adds fields to every entry
func (l *Logger) With(fields Fields) *Logger {
	merged := make(Fields, len(l.base)+len(fields))
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{base: merged, parent: l.root()}
}

// Close releases the log file
func (l *Logger) Close() error {
	root := l.root()
	root.mu.Lock()
	defer root.mu.Unlock()
	if root.file == nil {
		return nil
	}
	err := root.file.Close()
	root.file = nil
	return err
}

func (l *Logger) root() *Logger {
	if l.parent != nil {
		return l.parent
	}
	return l
}

func (l *Logger) log(level LogLevel, message string, fields Fields) {
	root := l.root()

	root.mu.Lock()
	enabled, minLevel := root.enabled, root.level
	root.mu.Unlock()
	if !enabled || level < minLevel {
		return
	}

	file, line, funcName := caller(3)

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s:%d:%s - %s",
		levelToString(level),
		time.Now().Format("2006-01-02 15:04:05.000"),
		file, line, funcName, message)

	all := make(Fields, len(l.base)+len(fields))
	for k, v := range l.base {
		all[k] = v
	}
	for k, v := range fields {
		all[k] = v
	}
	if len(all) > 0 {
		keys := make([]string, 0, len(all))
		for k := range all {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" |")
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, all[k])
		}
	}
	b.WriteString("\n")
	logLine := b.String()

	root.mu.Lock()
	defer root.mu.Unlock()

	if root.file != nil {
		root.file.WriteString(logLine)
	}
	if root.out != nil {
		io.WriteString(root.out, logLine)
	}
}

func caller(skip int) (string, int, string) {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "???", 0, ""
	}
	funcName := ""
	if fn := runtime.FuncForPC(pc); fn != nil {
		funcName = fn.Name()
		if idx := strings.LastIndex(funcName, "/"); idx >= 0 {
			funcName = funcName[idx+1:]
		}
	}
	if idx := strings.LastIndex(file, "/"); idx >= 0 {
		file = file[idx+1:]
	}
	return file, line, funcName
}

func levelToString(level LogLevel) string {
	switch level {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARNING:
		return "WARNING"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields Fields) {
	l.log(DEBUG, message, fields)
}

// Info logs an info message
func (l *Logger) Info(message string, fields Fields) {
	l.log(INFO, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(message string, fields Fields) {
	l.log(WARNING, message, fields)
}

// Error logs an error message
func (l *Logger) Error(message string, fields Fields) {
	l.log(ERROR, message, fields)
}

// Infof logs a formatted info message
func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(INFO, fmt.Sprintf(format, args...), nil)
}

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(WARNING, fmt.Sprintf(format, args...), nil)
}

// Errorf logs a formatted error message
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(ERROR, fmt.Sprintf(format, args...), nil)
}
