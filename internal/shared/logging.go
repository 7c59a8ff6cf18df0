package shared

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type contextKey string

const correlationIDKey contextKey = "correlation_id"

// WithCorrelationID tags ctx with the ID used to tie log lines of one exchange together
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// ContextForEnvelope seeds the correlation ID from the envelope's request ID.
// Requests, their responses and their errors share one ID in the logs.
func ContextForEnvelope(ctx context.Context, env *Envelope) context.Context {
	if env == nil || env.RequestID == "" {
		return ctx
	}
	return WithCorrelationID(ctx, env.RequestID)
}

// GetCorrelationID returns the correlation ID carried by ctx, or a fresh UUID
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}

// LogWithContext logs at info level with the correlation ID attached
func LogWithContext(ctx context.Context, logger *zap.Logger, msg string, fields ...zap.Field) {
	if logger == nil {
		return
	}
	logger.Info(msg, append(fields, zap.String("correlation_id", GetCorrelationID(ctx)))...)
}

// LogErrorWithContext logs err at error level with the correlation ID attached
func LogErrorWithContext(ctx context.Context, logger *zap.Logger, msg string, err error, fields ...zap.Field) {
	if logger == nil {
		return
	}
	logger.Error(msg, append(fields, zap.String("correlation_id", GetCorrelationID(ctx)), zap.Error(err))...)
}

// KindField logs a message kind by its canonical literal
func KindField(k MessageKind) zap.Field {
	return zap.Stringer("kind", k)
}

// EnvelopeFields returns the fields identifying an envelope in logs
func EnvelopeFields(env *Envelope) []zap.Field {
	if env == nil {
		return nil
	}
	return []zap.Field{
		KindField(env.Kind),
		zap.String("method", env.Method),
		zap.String("request_id", env.RequestID),
	}
}
