// Package logging provides structured log output for the dispatcher.
// It wraps zap with a component-scoped logger and a set of event helpers
// so queue, pool and session code log the same keys for the same events.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ParseLevel converts a config string to a Level. Unknown values map to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Options configures a Logger.
type Options struct {
	Level  Level
	Format string    // "json" or "console"
	Output io.Writer // defaults to stderr
}

// Logger provides structured logging.
type Logger struct {
	z         *zap.Logger
	level     zap.AtomicLevel
	component string
}

// New creates a new Logger.
func New(opts Options) *Logger {
	level := zap.NewAtomicLevelAt(opts.Level.zapLevel())

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeDuration = zapcore.StringDurationEncoder

	var enc zapcore.Encoder
	if opts.Format == "console" {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(out), level)
	return &Logger{z: zap.New(core), level: level}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{z: zap.NewNop(), level: zap.NewAtomicLevel()}
}

// Zap exposes the underlying zap logger.
func (l *Logger) Zap() *zap.Logger {
	return l.z
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		z:         l.z.With(zap.String("component", component)),
		level:     l.level,
		component: component,
	}
}

// With returns a new logger carrying the given fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{z: l.z.With(fields...), level: l.level, component: l.component}
}

// Component returns the component name, if any.
func (l *Logger) Component() string {
	return l.component
}

// SetLevel sets the minimum log level. It applies to every logger derived
// from the same root.
func (l *Logger) SetLevel(level Level) {
	l.level.SetLevel(level.zapLevel())
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...zap.Field) {
	l.z.Debug(msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...zap.Field) {
	l.z.Info(msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...zap.Field) {
	l.z.Warn(msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...zap.Field) {
	l.z.Error(msg, fields...)
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.z.Sync()
}

// --- Event helpers ---

// Dispatched logs a request handed to a transport.
func (l *Logger) Dispatched(provider string, attempt int, waited time.Duration) {
	l.Debug("dispatch", zap.String("provider", provider),
		zap.Int("attempt", attempt),
		zap.Duration("queued", waited))
}

// RateLimited logs a provider rate limit signal.
func (l *Logger) RateLimited(provider string, retryAfter time.Duration, requeued bool) {
	l.Warn("rate_limited", zap.String("provider", provider),
		zap.Duration("retry_after", retryAfter),
		zap.Bool("requeued", requeued))
}

// Expired logs a request dropped for exceeding the max request age.
func (l *Logger) Expired(provider string, age time.Duration) {
	l.Warn("request_expired", zap.String("provider", provider), zap.Duration("age", age))
}

// Fallback logs a hop from one provider to another.
func (l *Logger) Fallback(from, to string) {
	l.Info("fallback", zap.String("from", from), zap.String("to", to))
}

// Retry logs a backoff before retrying the primary provider.
func (l *Logger) Retry(provider string, retry int, backoff time.Duration) {
	l.Info("retry", zap.String("provider", provider),
		zap.Int("retry", retry),
		zap.Duration("backoff", backoff))
}

// ProviderDisabled logs the fallback breaker taking a provider out of rotation.
func (l *Logger) ProviderDisabled(provider string, failures int) {
	l.Warn("provider_disabled", zap.String("provider", provider), zap.Int("failures", failures))
}

// SessionEvent logs a session lifecycle change.
func (l *Logger) SessionEvent(event, sessionID string, active int) {
	l.Debug(event, zap.String("session", sessionID), zap.Int("active", active))
}
