// Package logging carries workflow correlation IDs through contexts so
// every log line can be tied back to the workflow, step, and sub-agent
// task that produced it.
package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	workflowIDKey ctxKey = iota
	stepIDKey
	taskIDKey
)

// correlationFields pairs each context key with its attribute name. The
// order here is the attribute order on every log record.
var correlationFields = []struct {
	key  ctxKey
	attr string
}{
	{workflowIDKey, "workflow_id"},
	{stepIDKey, "step_id"},
	{taskIDKey, "task_id"},
}

func fromContext(ctx context.Context, key ctxKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// WithWorkflowID returns a context with the workflow ID set.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workflowIDKey, id)
}

// WithStepID returns a context with the step ID set.
func WithStepID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, stepIDKey, id)
}

// WithTaskID returns a context with the sub-agent task ID set.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDKey, id)
}

// WorkflowID extracts the workflow ID, or "" if absent.
func WorkflowID(ctx context.Context) string { return fromContext(ctx, workflowIDKey) }

// StepID extracts the step ID, or "" if absent.
func StepID(ctx context.Context) string { return fromContext(ctx, stepIDKey) }

// TaskID extracts the sub-agent task ID, or "" if absent.
func TaskID(ctx context.Context) string { return fromContext(ctx, taskIDKey) }

// WithIDs sets all three correlation IDs on the context at once.
func WithIDs(ctx context.Context, workflowID, stepID, taskID string) context.Context {
	ctx = WithWorkflowID(ctx, workflowID)
	ctx = WithStepID(ctx, stepID)
	return WithTaskID(ctx, taskID)
}

// LogWith returns a logger enriched with whichever correlation IDs the
// context carries. Empty IDs add no attribute.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, f := range correlationFields {
		if v := fromContext(ctx, f.key); v != "" {
			logger = logger.With(slog.String(f.attr, v))
		}
	}
	return logger
}

// CorrelationHandler injects correlation IDs from the record's context
// into every record, so logger.InfoContext(ctx, ...) picks them up
// without callers threading LogWith everywhere.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps inner with correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, f := range correlationFields {
		if v := fromContext(ctx, f.key); v != "" {
			r.AddAttrs(slog.String(f.attr, v))
		}
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
