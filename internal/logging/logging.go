// Package logging builds the service's logrus logger and holds the field
// names used across log lines.
package logging

import (
	"context"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Standardized field names for structured logging.
const (
	FieldBatchID   = "batch_id"
	FieldLineID    = "line_id"
	FieldRuleID    = "rule_id"
	FieldStatus    = "status"
	FieldOperation = "operation"
	FieldAttempt   = "attempt"
	FieldCount     = "count"
	FieldRequestID = "request_id"
	FieldDuration  = "duration_ms"
	FieldRunID     = "run_id"
)

// New creates a logger writing to stderr. Unknown levels fall back to info;
// format is "json" or "text".
func New(level, format string) *logrus.Logger {
	return NewWithOutput(level, format, os.Stderr)
}

// NewWithOutput is New with an explicit writer.
func NewWithOutput(level, format string, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logger.Warnf("Invalid log level '%s', using 'info'", level)
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

// Discard returns a logger that drops everything, for tests and library use.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type requestIDKey struct{}

// WithRequestID returns a context carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request id stored in ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
