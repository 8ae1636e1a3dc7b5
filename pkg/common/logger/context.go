package logger

import "context"

// LoggerContext accumulates key/value pairs over the lifetime of an operation
// so that later log lines carry context discovered along the way.
type LoggerContext struct {
	*Logger
}

// NewLoggerContext wraps the logger so attributes can be appended in place.
func NewLoggerContext(l *Logger) *LoggerContext {
	return &LoggerContext{Logger: l}
}

// Add appends attributes to every subsequent record written through lc.
func (lc *LoggerContext) Add(args ...any) {
	lc.Logger = lc.Logger.With(args...)
}

// Debug logs at LevelDebug.
func (lc *LoggerContext) Debug(ctx context.Context, msg string, args ...any) {
	lc.Logger.write(ctx, LevelDebug, 3, msg, args...)
}

// Info logs at LevelInfo.
func (lc *LoggerContext) Info(ctx context.Context, msg string, args ...any) {
	lc.Logger.write(ctx, LevelInfo, 3, msg, args...)
}

// Warn logs at LevelWarn.
func (lc *LoggerContext) Warn(ctx context.Context, msg string, args ...any) {
	lc.Logger.write(ctx, LevelWarn, 3, msg, args...)
}

// Error logs at LevelError.
func (lc *LoggerContext) Error(ctx context.Context, msg string, args ...any) {
	lc.Logger.write(ctx, LevelError, 3, msg, args...)
}
