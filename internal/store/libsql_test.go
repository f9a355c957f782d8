package store

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aromcp/workflow-mcp/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedRun(t *testing.T, s *LibSQLStore) *WorkflowRun {
	t.Helper()
	run := &WorkflowRun{
		ID:     uuid.New().String(),
		Name:   "code_review",
		Status: schema.WorkflowStatusRunning,
		Inputs: map[string]any{"files": []any{"a.go"}},
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "code_review", got.Name)
	assert.Equal(t, schema.WorkflowStatusRunning, got.Status)
	assert.Equal(t, []any{"a.go"}, got.Inputs["files"])
	assert.Empty(t, got.Failure)
	assert.Nil(t, got.CompletedAt)
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.AsWorkflowError(err).Code)
}

func TestUpdateRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	status := schema.WorkflowStatusFailed
	failure := "step exploded"
	now := time.Now().UTC()
	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{
		Status:      &status,
		Failure:     &failure,
		FinalState:  json.RawMessage(`{"count":3}`),
		CompletedAt: &now,
	}))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusFailed, got.Status)
	assert.Equal(t, "step exploded", got.Failure)
	assert.JSONEq(t, `{"count":3}`, string(got.FinalState))
	require.NotNil(t, got.CompletedAt)
}

func TestListRuns_Filtered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s)
	second := seedRun(t, s)

	done := schema.WorkflowStatusCompleted
	require.NoError(t, s.UpdateRun(ctx, second.ID, RunUpdate{Status: &done}))

	completed, err := s.ListRuns(ctx, RunFilter{Status: &done})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, second.ID, completed[0].ID)

	all, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	limited, err := s.ListRuns(ctx, RunFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestDeleteRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	require.NoError(t, s.DeleteRun(ctx, run.ID))
	_, err := s.GetRun(ctx, run.ID)
	require.Error(t, err)
	require.Error(t, s.DeleteRun(ctx, run.ID))
}

func TestAppendEvent_SequencePerRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	runA := seedRun(t, s)
	runB := seedRun(t, s)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendEvent(ctx, &Event{WorkflowID: runA.ID, Type: "step_complete"}))
	}
	require.NoError(t, s.AppendEvent(ctx, &Event{WorkflowID: runB.ID, Type: "workflow_started"}))

	events, err := s.GetEvents(ctx, runA.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	other, err := s.GetEvents(ctx, runB.ID, 0)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, int64(1), other[0].Sequence)

	// since-filtered read
	tail, err := s.GetEvents(ctx, runA.ID, 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, int64(3), tail[0].Sequence)
}

func TestDefinitions_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := &StoredDefinition{
		Name:        "code_review",
		Version:     "1.0.0",
		Description: "review incoming files",
		Definition: &schema.WorkflowDefinition{
			Name:  "code_review",
			Steps: []*schema.WorkflowStep{{ID: "hello", Type: schema.StepUserMessage}},
		},
	}
	require.NoError(t, s.StoreDefinition(ctx, def))

	got, err := s.GetDefinition(ctx, "code_review", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "review incoming files", got.Description)
	require.Len(t, got.Definition.Steps, 1)
	assert.Equal(t, "hello", got.Definition.Steps[0].ID)

	// Empty version resolves to the latest stored one.
	latest, err := s.GetDefinition(ctx, "code_review", "")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", latest.Version)

	// Upsert replaces in place.
	def.Description = "updated"
	require.NoError(t, s.StoreDefinition(ctx, def))
	got, err = s.GetDefinition(ctx, "code_review", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "updated", got.Description)

	defs, err := s.ListDefinitions(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, defs, 1)

	require.NoError(t, s.DeleteDefinition(ctx, "code_review", "1.0.0"))
	_, err = s.GetDefinition(ctx, "code_review", "1.0.0")
	require.Error(t, err)
}

func TestScheduledJobs_CRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &ScheduledJob{
		ID:             uuid.New().String(),
		DefinitionName: "code_review",
		CronExpression: "0 * * * *",
		Inputs:         json.RawMessage(`{"files":[]}`),
		Enabled:        true,
	}
	require.NoError(t, s.CreateScheduledJob(ctx, job))

	got, err := s.GetScheduledJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Equal(t, "0 * * * *", got.CronExpression)
	assert.JSONEq(t, `{"files":[]}`, string(got.Inputs))

	disabled := false
	now := time.Now().UTC()
	require.NoError(t, s.UpdateScheduledJob(ctx, job.ID, ScheduledJobUpdate{
		Enabled:       &disabled,
		LastRunAt:     &now,
		LastRunStatus: "completed",
	}))
	got, err = s.GetScheduledJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, "completed", got.LastRunStatus)
	require.NotNil(t, got.LastRunAt)

	enabledOnly := true
	jobs, err := s.ListScheduledJobs(ctx, ScheduledJobFilter{Enabled: &enabledOnly})
	require.NoError(t, err)
	assert.Empty(t, jobs)

	require.NoError(t, s.DeleteScheduledJob(ctx, job.ID))
	_, err = s.GetScheduledJob(ctx, job.ID)
	require.Error(t, err)
}

func TestRecorder_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := NewRecorder(s, slog.New(slog.NewTextHandler(io.Discard, nil)))

	id := uuid.New().String()
	require.NoError(t, r.RecordStart(ctx, id, "code_review", map[string]any{"files": []any{}}))
	require.NoError(t, r.RecordEvent(ctx, id, "step_complete", map[string]any{"step_id": "hello"}))
	require.NoError(t, r.RecordFinish(ctx, id, schema.WorkflowStatusCompleted, ""))

	run, err := s.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCompleted, run.Status)
	require.NotNil(t, run.CompletedAt)

	events, err := s.GetEvents(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "workflow_started", events[0].Type)
	assert.Equal(t, "step_complete", events[1].Type)
	assert.Equal(t, "hello", events[1].StepID)
	assert.Equal(t, "workflow_finished", events[2].Type)
}
