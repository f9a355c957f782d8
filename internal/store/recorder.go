package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/aromcp/workflow-mcp/pkg/schema"
)

// Recorder adapts a Store to the engine's lifecycle-event hook. Failures
// are surfaced to the caller, which treats persistence as best-effort.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

// NewRecorder creates a Recorder over the given store.
func NewRecorder(s Store, logger *slog.Logger) *Recorder {
	return &Recorder{store: s, logger: logger}
}

// RecordStart persists a new run row and its start event.
func (r *Recorder) RecordStart(ctx context.Context, workflowID, name string, inputs map[string]any) error {
	run := &WorkflowRun{
		ID:     workflowID,
		Name:   name,
		Status: schema.WorkflowStatusRunning,
		Inputs: inputs,
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return err
	}
	return r.appendEvent(ctx, workflowID, "workflow_started", map[string]any{"name": name})
}

// RecordEvent appends one event to the run's log.
func (r *Recorder) RecordEvent(ctx context.Context, workflowID, eventType string, payload map[string]any) error {
	return r.appendEvent(ctx, workflowID, eventType, payload)
}

// RecordFinish marks the run terminal.
func (r *Recorder) RecordFinish(ctx context.Context, workflowID string, status schema.WorkflowStatus, failure string) error {
	now := time.Now().UTC()
	update := RunUpdate{Status: &status, CompletedAt: &now}
	if failure != "" {
		update.Failure = &failure
	}
	if err := r.store.UpdateRun(ctx, workflowID, update); err != nil {
		return err
	}
	return r.appendEvent(ctx, workflowID, "workflow_finished", map[string]any{
		"status":  string(status),
		"failure": failure,
	})
}

func (r *Recorder) appendEvent(ctx context.Context, workflowID, eventType string, payload map[string]any) error {
	var raw json.RawMessage
	if len(payload) > 0 {
		b, err := json.Marshal(payload)
		if err != nil {
			r.logger.Warn("event payload not serializable",
				slog.String("workflow_id", workflowID), slog.String("event", eventType), slog.Any("error", err))
		} else {
			raw = b
		}
	}
	stepID, _ := payload["step_id"].(string)
	return r.store.AppendEvent(ctx, &Event{
		WorkflowID: workflowID,
		StepID:     stepID,
		Type:       eventType,
		Payload:    raw,
	})
}
