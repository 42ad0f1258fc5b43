// Package logging wraps zap for the controller's lifecycle and resume-path
// diagnostics. A nil *zap.Logger is always safe and simply discards
// everything, so an embedder is never required to configure logging.
package logging

import "go.uber.org/zap"

// Logger is a nil-safe *zap.Logger wrapper.
type Logger struct {
	z *zap.Logger
}

// New wraps z, defaulting to a no-op logger when z is nil so the library
// never requires an embedder to configure logging.
func New(z *zap.Logger) *Logger {
	if z == nil {
		z = zap.NewNop()
	}
	return &Logger{z: z}
}

func (l *Logger) Debug(msg string, fields ...zap.Field) {
	if l == nil {
		return
	}
	l.z.Debug(msg, fields...)
}

func (l *Logger) Warn(msg string, fields ...zap.Field) {
	if l == nil {
		return
	}
	l.z.Warn(msg, fields...)
}

func (l *Logger) Error(msg string, fields ...zap.Field) {
	if l == nil {
		return
	}
	l.z.Error(msg, fields...)
}
