// Package logger provides the structured logging interface the push client
// writes its diagnostic events to, with a zerolog-backed implementation and
// a no-op implementation for callers that want silence.
package logger

import (
	"github.com/rs/zerolog"
)

// Field represents a key-value pair for structured log output.
// Use Fields with Logger methods to attach contextual data to log entries.
type Field struct {
	Key   string
	Value any
}

// Logger is an interface for structured logging. Implementations write log
// entries at different levels (Debug, Info, Warn, Error) and support
// attaching structured fields. Loggers may be derived with With for
// component-scoped or session-scoped fields.
type Logger interface {
	// Debug logs a message at debug level with optional structured fields.
	//
	// Parameters:
	//   - msg: The log message
	//   - fields: Optional key-value pairs to include in the log entry
	Debug(msg string, fields ...Field)

	// Info logs a message at info level with optional structured fields.
	//
	// Parameters:
	//   - msg: The log message
	//   - fields: Optional key-value pairs to include in the log entry
	Info(msg string, fields ...Field)

	// Warn logs a message at warn level with optional structured fields.
	//
	// Parameters:
	//   - msg: The log message
	//   - fields: Optional key-value pairs to include in the log entry
	Warn(msg string, fields ...Field)

	// Error logs a message at error level with optional structured fields.
	//
	// Parameters:
	//   - msg: The log message
	//   - fields: Optional key-value pairs to include in the log entry
	Error(msg string, fields ...Field)

	// With returns a new Logger that includes the given fields in all
	// subsequent log entries. The original Logger is unchanged.
	//
	// Parameters:
	//   - fields: Key-value pairs to attach to the derived logger
	//
	// Returns:
	//   - A new Logger with the specified fields
	With(fields ...Field) Logger
}

// zerologLogger is the zerolog-based implementation of Logger.
type zerologLogger struct {
	logger zerolog.Logger
}

// NewZerologLogger builds a Logger that wraps the given zerolog.Logger,
// adding a service name and timestamp to all entries and filtering by level.
//
// Parameters:
//   - l: The zerolog.Logger to wrap
//   - serviceName: Name of the service, added as a field to every log entry
//   - level: Minimum level to log (e.g. zerolog.InfoLevel)
//
// Returns:
//   - A Logger that writes through the given zerolog instance
func NewZerologLogger(l zerolog.Logger, serviceName string, level zerolog.Level) Logger {
	return &zerologLogger{
		logger: l.With().Str("service", serviceName).Timestamp().Logger().Level(level),
	}
}

// Debug implements Logger.
func (z *zerologLogger) Debug(msg string, fields ...Field) {
	z.logger.Debug().Fields(toMap(fields)).Msg(msg)
}

// Info implements Logger.
func (z *zerologLogger) Info(msg string, fields ...Field) {
	z.logger.Info().Fields(toMap(fields)).Msg(msg)
}

// Warn implements Logger.
func (z *zerologLogger) Warn(msg string, fields ...Field) {
	z.logger.Warn().Fields(toMap(fields)).Msg(msg)
}

// Error implements Logger.
func (z *zerologLogger) Error(msg string, fields ...Field) {
	z.logger.Error().Fields(toMap(fields)).Msg(msg)
}

// With implements Logger.
func (z *zerologLogger) With(fields ...Field) Logger {
	return &zerologLogger{
		logger: z.logger.With().Fields(toMap(fields)).Logger(),
	}
}

// toMap converts a slice of Field into a map for zerolog.
func toMap(fields []Field) map[string]any {
	if len(fields) == 0 {
		return nil
	}

	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}

	return m
}

// nopLogger discards all log entries.
type nopLogger struct{}

// NewNopLogger returns a Logger that discards everything written to it.
// Useful in tests and for embedding the client without log output.
//
// Returns:
//   - A Logger whose methods are all no-ops
func NewNopLogger() Logger {
	return nopLogger{}
}

// Debug implements Logger.
func (nopLogger) Debug(string, ...Field) {}

// Info implements Logger.
func (nopLogger) Info(string, ...Field) {}

// Warn implements Logger.
func (nopLogger) Warn(string, ...Field) {}

// Error implements Logger.
func (nopLogger) Error(string, ...Field) {}

// With implements Logger.
func (n nopLogger) With(...Field) Logger { return n }
