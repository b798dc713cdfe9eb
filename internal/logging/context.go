package logging

import (
	"context"
	"log/slog"
)

const (
	// FieldComponent is the structured logging key for subsystem names.
	FieldComponent = "component"
	// FieldJobID is the structured logging key for job identifiers.
	FieldJobID = "job_id"
	// FieldPipeline is the structured logging key for pipeline names.
	FieldPipeline = "pipeline"
	// FieldDriver is the structured logging key for driver names.
	FieldDriver = "driver"
	// FieldCmp is the structured logging key for hardware component names.
	FieldCmp = "cmp"
	// FieldTaskID is the structured logging key for driver task identifiers.
	FieldTaskID = "task_id"
	// FieldCorrelationID is the structured logging key for request correlation identifiers.
	FieldCorrelationID = "correlation_id"
	// FieldEventType classifies a log line for filtering.
	FieldEventType = "event_type"
	// FieldErrorHint suggests the next step an operator should take.
	FieldErrorHint = "error_hint"
	// FieldImpact describes the user-facing consequence of a warning.
	FieldImpact = "impact"
)

type contextKey int

const (
	correlationKey contextKey = iota
	jobKey
)

// WithCorrelationID stores a request correlation identifier on the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey, id)
}

// CorrelationIDFromContext returns the correlation identifier, if any.
func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(correlationKey).(string)
	return id, ok && id != ""
}

// WithJobID stores a job identifier on the context.
func WithJobID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, jobKey, id)
}

// JobIDFromContext returns the job identifier, if any.
func JobIDFromContext(ctx context.Context) (int64, bool) {
	if ctx == nil {
		return 0, false
	}
	id, ok := ctx.Value(jobKey).(int64)
	return id, ok && id > 0
}

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	fields := make([]slog.Attr, 0, 2)
	if id, ok := JobIDFromContext(ctx); ok {
		fields = append(fields, slog.Int64(FieldJobID, id))
	}
	if id, ok := CorrelationIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldCorrelationID, id))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(Args(fields...)...)
}
