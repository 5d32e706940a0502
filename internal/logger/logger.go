// Package logger wraps zap with a context-carried trace id, the way
// princeparmar-Backup-Tools/pkg/logger wraps it for its cron and handler
// packages.
package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Field = zapcore.Field

var global *zap.Logger

// Init installs the given zap logger as the package-global logger.
func Init(l *zap.Logger) {
	global = l
}

// InitDefault builds a production JSON logger writing to stdout/stderr.
func InitDefault() {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.CallerKey = "caller"
	cfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	l, err := cfg.Build(zap.AddCaller(), zap.AddCallerSkip(1))
	if err != nil {
		l = zap.NewExample()
	}
	Init(l)
}

func L() *zap.Logger {
	if global == nil {
		InitDefault()
	}
	return global
}

type contextKey string

const (
	traceIDKey    contextKey = "trace_id"
	jobIDKey      contextKey = "job_id"
	connectionKey contextKey = "connection_id"
	workerIDKey   contextKey = "worker_id"
)

// WithTraceID attaches a correlation id (e.g. a sync job id) to the context
// so every log line emitted while handling that unit of work carries it.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

func WithConnectionID(ctx context.Context, connectionID string) context.Context {
	return context.WithValue(ctx, connectionKey, connectionID)
}

func WithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerIDKey, workerID)
}

func fieldsFromContext(ctx context.Context) []Field {
	var fields []Field
	if v, ok := ctx.Value(traceIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("trace_id", v))
	}
	if v, ok := ctx.Value(jobIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("job_id", v))
	}
	if v, ok := ctx.Value(connectionKey).(string); ok && v != "" {
		fields = append(fields, zap.String("connection_id", v))
	}
	if v, ok := ctx.Value(workerIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("worker_id", v))
	}
	return fields
}

func Debug(ctx context.Context, msg string, fields ...Field) {
	L().Debug(msg, append(fieldsFromContext(ctx), fields...)...)
}

func Info(ctx context.Context, msg string, fields ...Field) {
	L().Info(msg, append(fieldsFromContext(ctx), fields...)...)
}

func Warn(ctx context.Context, msg string, fields ...Field) {
	L().Warn(msg, append(fieldsFromContext(ctx), fields...)...)
}

func Error(ctx context.Context, msg string, fields ...Field) {
	L().Error(msg, append(fieldsFromContext(ctx), fields...)...)
}

func Fatal(ctx context.Context, msg string, fields ...Field) {
	L().Fatal(msg, append(fieldsFromContext(ctx), fields...)...)
}

// Field constructors re-exported so callers never import zap directly.
func String(key, val string) Field       { return zap.String(key, val) }
func Int(key string, val int) Field      { return zap.Int(key, val) }
func Int64(key string, val int64) Field  { return zap.Int64(key, val) }
func Bool(key string, val bool) Field    { return zap.Bool(key, val) }
func Any(key string, val interface{}) Field { return zap.Any(key, val) }
func ErrorField(err error) Field         { return zap.Error(err) }

func Sync() {
	if global != nil {
		_ = global.Sync()
	}
}
