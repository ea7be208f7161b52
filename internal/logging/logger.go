package logging

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/austindbirch/hookrelay/internal/tracing"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

// ParseLevel maps a level name to a zap level, defaulting to info.
func ParseLevel(s string) zapcore.Level {
	switch LogLevel(strings.ToLower(strings.TrimSpace(s))) {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	case LevelFatal:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
	z       *zap.Logger
}

// New creates a JSON logger on stdout for the given service. The level comes
// from LOG_LEVEL.
func New(service string) *Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.MessageKey = "msg"
	encCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.Lock(os.Stdout),
		zap.NewAtomicLevelAt(ParseLevel(os.Getenv("LOG_LEVEL"))),
	)
	return NewWithCore(service, core)
}

// NewWithCore builds a logger on an explicit zap core. Tests pass an
// observer core here.
func NewWithCore(service string, core zapcore.Core) *Logger {
	z := zap.New(core)
	if service != "" {
		z = z.With(zap.String("service", service))
	}
	return &Logger{service: service, z: z}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{z: zap.NewNop()}
}

// Service returns the service name attached to every entry.
func (l *Logger) Service() string { return l.service }

// Zap exposes the underlying zap logger for libraries that want one.
func (l *Logger) Zap() *zap.Logger { return l.z }

// Sync flushes buffered entries.
func (l *Logger) Sync() error { return l.z.Sync() }

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	e := l.Plain()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		e.fields = append(e.fields, zap.String("trace_id", traceID))
	}
	return e
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.Plain().WithFields(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return &LogEntry{logger: l}
}

// LogEntry accumulates fields until one of the level methods writes it.
type LogEntry struct {
	logger *Logger
	fields []zap.Field
}

// WithTraceID sets the trace ID for the log entry
func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	return e.with(zap.String("trace_id", traceID))
}

// WithTenant sets the tenant ID for the log entry
func (e *LogEntry) WithTenant(tenantID string) *LogEntry {
	return e.with(zap.String("tenant_id", tenantID))
}

// WithSubscription sets the subscription ID for the log entry
func (e *LogEntry) WithSubscription(subscriptionID string) *LogEntry {
	return e.with(zap.String("subscription_id", subscriptionID))
}

// WithEvent sets the event type for the log entry
func (e *LogEntry) WithEvent(eventType string) *LogEntry {
	return e.with(zap.String("event_type", eventType))
}

// WithDelivery sets the delivery ID for the log entry
func (e *LogEntry) WithDelivery(deliveryID string) *LogEntry {
	return e.with(zap.String("delivery_id", deliveryID))
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	return e.with(zap.Any(key, value))
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	for k, v := range fields {
		e.fields = append(e.fields, zap.Any(k, v))
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err == nil {
		return e
	}
	return e.with(zap.String("error", err.Error()))
}

func (e *LogEntry) with(f zap.Field) *LogEntry {
	e.fields = append(e.fields, f)
	return e
}

func (e *LogEntry) Debug(message string) { e.logger.z.Debug(message, e.fields...) }
func (e *LogEntry) Info(message string)  { e.logger.z.Info(message, e.fields...) }
func (e *LogEntry) Warn(message string)  { e.logger.z.Warn(message, e.fields...) }
func (e *LogEntry) Error(message string) { e.logger.z.Error(message, e.fields...) }

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) { e.logger.z.Fatal(message, e.fields...) }

func (e *LogEntry) Debugf(format string, args ...any) { e.Debug(fmt.Sprintf(format, args...)) }
func (e *LogEntry) Infof(format string, args ...any)  { e.Info(fmt.Sprintf(format, args...)) }
func (e *LogEntry) Warnf(format string, args ...any)  { e.Warn(fmt.Sprintf(format, args...)) }
func (e *LogEntry) Errorf(format string, args ...any) { e.Error(fmt.Sprintf(format, args...)) }
func (e *LogEntry) Fatalf(format string, args ...any) { e.Fatal(fmt.Sprintf(format, args...)) }

// Global convenience functions

var defaultLogger = New("hookrelay")

// WithContext creates a log entry with trace correlation from context using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return defaultLogger.WithContext(ctx)
}

// WithFields creates a log entry with fields using the default logger
func WithFields(fields map[string]any) *LogEntry {
	return defaultLogger.WithFields(fields)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return defaultLogger.Plain()
}

// SetDefault replaces the logger used by the package-level helpers.
func SetDefault(l *Logger) {
	if l != nil {
		defaultLogger = l
	}
}

// Default returns the logger used by the package-level helpers.
func Default() *Logger { return defaultLogger }
