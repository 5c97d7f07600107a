// Package logger provides a small leveled logging interface for telefiles.
// It supports console output, a discard backend for tests, and fan-out to
// multiple backends.
package logger

import (
	"log"
)

// Logger defines the interface for leveled logging across all telefiles components.
type Logger interface {
	// Debug logs a verbose diagnostic message (e.g., scan cursor positions).
	Debug(format string, args ...interface{})

	// Info logs an informational message (e.g., "Engine started").
	Info(format string, args ...interface{})

	// Warning logs a warning message (e.g., "Account not authorized").
	Warning(format string, args ...interface{})

	// Error logs an error message (e.g., "Search chat messages failed").
	Error(format string, args ...interface{})

	// Close releases resources held by the logger.
	// Safe to call multiple times. Returns nil for loggers without resources.
	Close() error
}

// StandardLogger wraps the stdlib *log.Logger for console/file output.
// Debug messages are suppressed unless verbose is enabled.
type StandardLogger struct {
	logger  *log.Logger
	verbose bool
}

// NewStandardLogger creates a logger that wraps the given *log.Logger.
// When verbose is false, Debug messages are discarded.
func NewStandardLogger(l *log.Logger, verbose bool) *StandardLogger {
	return &StandardLogger{logger: l, verbose: verbose}
}

// Debug logs a diagnostic message with [DEBUG] prefix when verbose is enabled.
func (s *StandardLogger) Debug(format string, args ...interface{}) {
	if !s.verbose {
		return
	}
	s.logger.Printf("[DEBUG] "+format, args...)
}

// Info logs an informational message with [INFO] prefix.
func (s *StandardLogger) Info(format string, args ...interface{}) {
	s.logger.Printf("[INFO] "+format, args...)
}

// Warning logs a warning message with [WARNING] prefix.
func (s *StandardLogger) Warning(format string, args ...interface{}) {
	s.logger.Printf("[WARNING] "+format, args...)
}

// Error logs an error message with [ERROR] prefix.
func (s *StandardLogger) Error(format string, args ...interface{}) {
	s.logger.Printf("[ERROR] "+format, args...)
}

// Close is a no-op for StandardLogger (no resources to release).
func (s *StandardLogger) Close() error {
	return nil
}

// NopLogger is a logger that discards all messages.
// Useful for testing or when logging should be disabled.
type NopLogger struct{}

// NewNopLogger creates a logger that discards all messages.
func NewNopLogger() *NopLogger {
	return &NopLogger{}
}

// Debug discards the message.
func (n *NopLogger) Debug(format string, args ...interface{}) {}

// Info discards the message.
func (n *NopLogger) Info(format string, args ...interface{}) {}

// Warning discards the message.
func (n *NopLogger) Warning(format string, args ...interface{}) {}

// Error discards the message.
func (n *NopLogger) Error(format string, args ...interface{}) {}

// Close is a no-op.
func (n *NopLogger) Close() error {
	return nil
}

var (
	_ Logger = (*StandardLogger)(nil)
	_ Logger = (*NopLogger)(nil)
)
