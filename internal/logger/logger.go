// Package logger provides structured logging on top of zap.
// It sets up a JSON logger with service-level context and provides
// trace ID propagation through context.Context.
package logger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey string

const traceIDKey ctxKey = "trace_id"

// Init creates a JSON logger for the given service and installs it as the
// zap global, so zap.L() also uses structured output.
func Init(service string, level zapcore.Level) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}
	config.Level = zap.NewAtomicLevelAt(level)
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	log, err := config.Build(zap.Fields(zap.String("service", service)))
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(log)
	return log, nil
}

// ParseLevel maps a LOG_LEVEL value such as "debug" or "WARN" to a zap level.
// An empty string means info.
func ParseLevel(s string) (zapcore.Level, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	return zapcore.ParseLevel(strings.ToLower(s))
}

// WithTraceID stores a trace ID in the context for downstream propagation.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID extracts the trace ID from context. Returns "" if not set.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// GenerateTraceID creates a trace ID for one stream tick.
// Format: "{key}-{unixNano}".
func GenerateTraceID(key string, ts time.Time) string {
	return fmt.Sprintf("%s-%d", key, ts.UnixNano())
}

// NewTraceID returns a random trace ID for a request that has none.
func NewTraceID() string {
	return uuid.NewString()
}

// Fields returns zap fields carrying the trace ID from ctx.
// Usage: log.Info("msg", logger.Fields(ctx)...)
func Fields(ctx context.Context) []zap.Field {
	tid := TraceID(ctx)
	if tid == "" {
		return nil
	}
	return []zap.Field{zap.String("trace_id", tid)}
}

// FromContext returns log annotated with the trace ID from ctx, if any.
func FromContext(ctx context.Context, log *zap.Logger) *zap.Logger {
	if f := Fields(ctx); f != nil {
		return log.With(f...)
	}
	return log
}
