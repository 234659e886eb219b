package service

import (
	"context"

	"github.com/arlens/ar-backend/internal/api/http/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger provides structured logging for the compilation services
type Logger struct {
	zl zerolog.Logger
}

// NewLogger creates a logger carrying the request ID found on ctx
func NewLogger(ctx context.Context) *Logger {
	requestID := middleware.GetRequestID(ctx)
	if requestID == "" {
		requestID = "unknown"
	}
	return &Logger{zl: log.Logger.With().Str("request_id", requestID).Logger()}
}

// WithProject returns a copy that tags every line with the project ID
func (l *Logger) WithProject(projectID string) *Logger {
	return &Logger{zl: l.zl.With().Str("project_id", projectID).Logger()}
}

// LogError logs an error with context
func (l *Logger) LogError(operation string, err error) {
	l.zl.Error().Str("operation", operation).Err(err).Send()
}

// LogErrorf logs a formatted error with context
func (l *Logger) LogErrorf(operation string, format string, args ...interface{}) {
	l.zl.Error().Str("operation", operation).Msgf(format, args...)
}

// LogInfof logs a formatted info message with context
func (l *Logger) LogInfof(operation string, format string, args ...interface{}) {
	l.zl.Info().Str("operation", operation).Msgf(format, args...)
}

// LogWarnf logs a formatted warning with context
func (l *Logger) LogWarnf(operation string, format string, args ...interface{}) {
	l.zl.Warn().Str("operation", operation).Msgf(format, args...)
}
