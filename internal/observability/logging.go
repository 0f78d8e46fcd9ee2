// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing and health endpoints.
package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/formflow/internal/config"
	"github.com/pitabwire/formflow/model"
)

type loggerKey struct{}

// NewLogger builds the service logger: JSON on stdout, stamped with the
// service name, version and commit.
//
// Levels used across formflow:
//   - error: store, lock or publish failures; panics; 5xx responses
//   - warn:  4xx responses; permission checks that failed closed
//   - info:  executed actions, grant changes, definition loads and reloads
//   - debug: transition conditions passed through, user cache activity
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	return loggerConfig(cfg).Build()
}

func loggerConfig(cfg config.ObservabilityConfig) zap.Config {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	return zap.Config{
		Level:         zap.NewAtomicLevelAt(level),
		Encoding:      "json",
		EncoderConfig: encoderConfig(),
		InitialFields: map[string]any{
			"service": "formflow",
			"version": Version,
			"commit":  Commit,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
}

func encoderConfig() zapcore.EncoderConfig {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder
	return enc
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the context logger, or fallback when there is none.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger tags the context logger with the caller's identity and the
// request's correlation and trace ids. Empty optional values are left out.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := make([]zap.Field, 0, 6)
	fields = append(fields,
		zap.String("subject_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	)
	for _, opt := range []struct{ key, value string }{
		{"tenant_id", rctx.TenantID},
		{"role", rctx.Role},
		{"trace_id", rctx.TraceID},
		{"span_id", rctx.SpanID},
	} {
		if opt.value != "" {
			fields = append(fields, zap.String(opt.key, opt.value))
		}
	}
	return logger.With(fields...)
}
