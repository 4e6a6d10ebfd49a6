// Package logger is the process-wide run log.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	globalLogger *slog.Logger
	logFile      *os.File
	mirror       io.Writer
	level        = new(slog.LevelVar)
	mu           sync.Mutex
)

// Init initializes the global logger with the specified log file path.
func Init(logPath string) error {
	mu.Lock()
	defer mu.Unlock()

	// Close previous log file if exists
	if logFile != nil {
		logFile.Close()
		logFile = nil
		rebuild()
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //#nosec G304 -- path from output flag
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}

	logFile = f
	rebuild()
	return nil
}

// SetVerbose mirrors log records to w (usually stderr) and lowers the level
// to debug. A nil w stops mirroring.
func SetVerbose(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	mirror = w
	if w != nil {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}
	rebuild()
}

// rebuild recreates the handler. Callers hold mu.
func rebuild() {
	var out []io.Writer
	if logFile != nil {
		out = append(out, logFile)
	}
	if mirror != nil {
		out = append(out, mirror)
	}
	if len(out) == 0 {
		globalLogger = nil
		return
	}
	h := slog.NewTextHandler(io.MultiWriter(out...), &slog.HandlerOptions{Level: level})
	globalLogger = slog.New(h)
}

// Close closes the log file.
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	rebuild()
}

func logf(lvl slog.Level, format string, v ...interface{}) {
	mu.Lock()
	defer mu.Unlock()

	if globalLogger != nil && globalLogger.Enabled(context.Background(), lvl) {
		globalLogger.Log(context.Background(), lvl, fmt.Sprintf(format, v...))
	}
}

// Info logs an info message.
func Info(format string, v ...interface{}) {
	logf(slog.LevelInfo, format, v...)
}

// Debug logs a debug message. Debug records are dropped unless verbose.
func Debug(format string, v ...interface{}) {
	logf(slog.LevelDebug, format, v...)
}

// Error logs an error message.
func Error(format string, v ...interface{}) {
	logf(slog.LevelError, format, v...)
}

// Warn logs a warning message.
func Warn(format string, v ...interface{}) {
	logf(slog.LevelWarn, format, v...)
}

// GetWriter returns the underlying writer for use by drivers.
func GetWriter() io.Writer {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		return logFile
	}
	return io.Discard
}
