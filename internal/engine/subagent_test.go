package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aromcp/workflow-mcp/internal/expr"
	"github.com/aromcp/workflow-mcp/internal/state"
	"github.com/aromcp/workflow-mcp/pkg/schema"
)

func lintTemplate() *schema.SubAgentTaskDef {
	return &schema.SubAgentTaskDef{
		Name: "lint_file",
		Inputs: map[string]*schema.InputDef{
			"strict": {Type: "boolean", Default: true},
		},
		DefaultState: map[string]any{"issues": []any{}},
		Steps: []*schema.WorkflowStep{
			{
				ID:   "lint",
				Type: schema.StepMCPCall,
				Definition: map[string]any{
					"tool": "lint",
					"file": "{{ inputs.item }}",
				},
				StateUpdate: &schema.StateUpdate{
					Path:      "state.issues",
					Value:     "{{ result.issue }}",
					Operation: schema.OpAppend,
				},
			},
			{
				ID:   "mark",
				Type: schema.StepStateUpdate,
				Definition: map[string]any{
					"path":  "state.done",
					"value": true,
				},
			},
		},
	}
}

func newTestSubAgents(t *testing.T, serial bool) (*SubAgentManager, *state.Manager) {
	t.Helper()
	evaluator := expr.NewEvaluator()
	states := state.NewManager(evaluator)
	processor := NewProcessor(evaluator, states, testLogger())
	return NewSubAgentManager(states, processor, serial, testLogger()), states
}

func fanoutStep() *schema.WorkflowStep {
	return &schema.WorkflowStep{
		ID:           "fan",
		Type:         schema.StepParallelForeach,
		Items:        "{{ inputs.files }}",
		SubAgentTask: "lint_file",
		MaxParallel:  2,
	}
}

func TestSubAgent_ExpandCreatesIsolatedTasks(t *testing.T) {
	m, states := newTestSubAgents(t, false)

	exec, tasks, err := m.Expand("wf", fanoutStep(), lintTemplate(), []any{"a.go", "b.go", "c.go"}, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, 2, exec.MaxParallel)

	for i, task := range tasks {
		assert.Equal(t, schema.TaskStatusPending, task.Status)
		assert.Equal(t, float64(i), task.Context["index"])
		assert.Equal(t, 3.0, task.Context["total"])
	}
	assert.Equal(t, "fan.task_0", tasks[0].TaskID)
	assert.Equal(t, "a.go", tasks[0].Context["item"])
	assert.Equal(t, "c.go", tasks[2].Context["item"])

	// Each task has its own state entry, seeded with the task context as
	// inputs plus the template's input defaults.
	st, err := states.Read("wf:fan.task_1")
	require.NoError(t, err)
	assert.Equal(t, "b.go", st.Inputs["item"])
	assert.Equal(t, true, st.Inputs["strict"])
	assert.Equal(t, []any{}, st.State["issues"])
}

func TestSubAgent_AdmissionRespectsMaxParallel(t *testing.T) {
	m, _ := newTestSubAgents(t, false)
	exec, _, err := m.Expand("wf", fanoutStep(), lintTemplate(), []any{"a.go", "b.go", "c.go"}, 0)
	require.NoError(t, err)

	first, err := m.NextAvailableTasks(exec.ID)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "fan.task_0", first[0].TaskID)
	assert.Equal(t, "fan.task_1", first[1].TaskID)

	// Both admitted tasks are running; no capacity left.
	second, err := m.NextAvailableTasks(exec.ID)
	require.NoError(t, err)
	assert.Empty(t, second)

	// Finishing one task frees a slot for the third.
	require.NoError(t, m.CompleteTask("wf", "fan.task_0", schema.TaskStatusCompleted, nil))
	third, err := m.NextAvailableTasks(exec.ID)
	require.NoError(t, err)
	require.Len(t, third, 1)
	assert.Equal(t, "fan.task_2", third[0].TaskID)
}

func TestSubAgent_TaskStepProtocol(t *testing.T) {
	m, states := newTestSubAgents(t, false)
	exec, _, err := m.Expand("wf", fanoutStep(), lintTemplate(), []any{"a.go"}, 0)
	require.NoError(t, err)
	_, err = m.NextAvailableTasks(exec.ID)
	require.NoError(t, err)

	ctx := context.Background()

	// First poll returns the client-side lint step with templates
	// resolved against the task's own inputs.
	ps, done, err := m.NextStep(ctx, "wf", "fan.task_0")
	require.NoError(t, err)
	require.NotNil(t, ps)
	require.False(t, done)
	assert.Equal(t, "lint", ps.ID)
	assert.Equal(t, "a.go", ps.Definition["file"])

	require.NoError(t, m.CompleteStep("wf", "fan.task_0", "lint", map[string]any{"issue": "unused import"}))
	st, err := m.TaskState("wf", "fan.task_0")
	require.NoError(t, err)
	assert.Equal(t, []any{"unused import"}, st.State["issues"])

	// The trailing state_update step is server-side and runs inline, so
	// the next poll reports the task exhausted.
	ps, done, err = m.NextStep(ctx, "wf", "fan.task_0")
	require.NoError(t, err)
	assert.Nil(t, ps)
	assert.True(t, done)

	task, err := m.Task("wf", "fan.task_0")
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusCompleted, task.Status())

	// Task state is released on completion.
	_, err = states.Read("wf:fan.task_0")
	require.Error(t, err)
}

func TestSubAgent_ServerWideParallelCap(t *testing.T) {
	m, _ := newTestSubAgents(t, false)
	m.SetMaxParallel(1)

	// The cap clamps the step's own max_parallel.
	exec, _, err := m.Expand("wf", fanoutStep(), lintTemplate(), []any{"a.go", "b.go", "c.go"}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, exec.MaxParallel)

	admitted, err := m.NextAvailableTasks(exec.ID)
	require.NoError(t, err)
	require.Len(t, admitted, 1)

	// Zero removes the cap again.
	m.SetMaxParallel(0)
	exec2, _, err := m.Expand("wf2", fanoutStep(), lintTemplate(), []any{"a.go", "b.go", "c.go"}, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, exec2.MaxParallel)
}

func TestSubAgent_RepollKeepsUnacknowledgedStepAlive(t *testing.T) {
	m, states := newTestSubAgents(t, false)
	template := lintTemplate()
	template.Steps = template.Steps[:1]
	exec, _, err := m.Expand("wf", fanoutStep(), template, []any{"a.go"}, 0)
	require.NoError(t, err)
	_, err = m.NextAvailableTasks(exec.ID)
	require.NoError(t, err)

	ctx := context.Background()
	ps, done, err := m.NextStep(ctx, "wf", "fan.task_0")
	require.NoError(t, err)
	require.NotNil(t, ps)
	require.False(t, done)

	// Polling again before the hand-out is acknowledged must not complete
	// the task or release its state.
	ps, done, err = m.NextStep(ctx, "wf", "fan.task_0")
	require.NoError(t, err)
	assert.Nil(t, ps)
	assert.False(t, done)

	task, err := m.Task("wf", "fan.task_0")
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusRunning, task.Status())

	// The acknowledgment still lands and its state update applies.
	require.NoError(t, m.CompleteStep("wf", "fan.task_0", "lint", map[string]any{"issue": "late ack"}))
	st, err := states.Read("wf:fan.task_0")
	require.NoError(t, err)
	assert.Equal(t, []any{"late ack"}, st.State["issues"])

	ps, done, err = m.NextStep(ctx, "wf", "fan.task_0")
	require.NoError(t, err)
	assert.Nil(t, ps)
	assert.True(t, done)
}

func TestSubAgent_StateIsolationBetweenTasks(t *testing.T) {
	m, states := newTestSubAgents(t, false)
	exec, _, err := m.Expand("wf", fanoutStep(), lintTemplate(), []any{"a.go", "b.go"}, 0)
	require.NoError(t, err)
	_, err = m.NextAvailableTasks(exec.ID)
	require.NoError(t, err)

	ctx := context.Background()
	ps, _, err := m.NextStep(ctx, "wf", "fan.task_0")
	require.NoError(t, err)
	require.NotNil(t, ps)
	require.NoError(t, m.CompleteStep("wf", "fan.task_0", "lint", map[string]any{"issue": "shadowed var"}))

	other, err := states.Read("wf:fan.task_1")
	require.NoError(t, err)
	assert.Equal(t, []any{}, other.State["issues"], "sibling task state must be untouched")
}

func TestSubAgent_DebugSerialMode(t *testing.T) {
	m, states := newTestSubAgents(t, true)
	exec, _, err := m.Expand("wf", fanoutStep(), lintTemplate(), []any{"a.go", "b.go"}, 0)
	require.NoError(t, err)

	// Serial mode admits one task at a time regardless of max_parallel.
	assert.Equal(t, 1, exec.MaxParallel)
	admitted, err := m.NextAvailableTasks(exec.ID)
	require.NoError(t, err)
	require.Len(t, admitted, 1)

	ctx := context.Background()
	ps, _, err := m.NextStep(ctx, "wf", "fan.task_0")
	require.NoError(t, err)
	require.Equal(t, "lint", ps.ID)
	require.NoError(t, m.CompleteStep("wf", "fan.task_0", "lint", map[string]any{"issue": "x"}))

	// Serial mode hands server-side steps back for acknowledgment
	// instead of running them inline.
	ps, _, err = m.NextStep(ctx, "wf", "fan.task_0")
	require.NoError(t, err)
	require.NotNil(t, ps)
	assert.Equal(t, "mark", ps.ID)
	assert.Equal(t, schema.SideServer, ps.Execution)

	require.NoError(t, m.CompleteStep("wf", "fan.task_0", "mark", nil))
	st, err := states.Read("wf:fan.task_0")
	require.NoError(t, err)
	assert.Equal(t, true, st.State["done"])
}

func TestSubAgent_UnknownTaskAndExecution(t *testing.T) {
	m, _ := newTestSubAgents(t, false)

	_, err := m.NextAvailableTasks("nope")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.AsWorkflowError(err).Code)

	_, err = m.Task("wf", "ghost")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.AsWorkflowError(err).Code)
}

func TestSubAgent_MissingTemplate(t *testing.T) {
	m, _ := newTestSubAgents(t, false)
	_, _, err := m.Expand("wf", fanoutStep(), nil, []any{"a.go"}, 0)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.AsWorkflowError(err).Code)
}

func TestSubAgent_CleanupReleasesEverything(t *testing.T) {
	m, states := newTestSubAgents(t, false)
	exec, _, err := m.Expand("wf", fanoutStep(), lintTemplate(), []any{"a.go"}, 0)
	require.NoError(t, err)

	m.Cleanup("wf")
	_, ok := m.Execution(exec.ID)
	assert.False(t, ok)
	_, err = m.Task("wf", "fan.task_0")
	require.Error(t, err)
	_, err = states.Read("wf:fan.task_0")
	require.Error(t, err)
}
