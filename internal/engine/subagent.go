package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/aromcp/workflow-mcp/internal/state"
	"github.com/aromcp/workflow-mcp/pkg/schema"
)

// SubAgentManager fans a parallel_foreach step out into isolated sub-agent
// tasks: each task owns its own state entry, flattened queue, and
// execution context, so concurrent completions never race on shared
// structures. max_parallel is admission control: it caps how many tasks
// are marked available at once, independent of how many callers poll.
type SubAgentManager struct {
	states      *state.Manager
	processor   *Processor
	debugSerial bool
	maxParallel int // server-wide cap; 0 means uncapped
	logger      *slog.Logger

	mu         sync.Mutex
	executions map[string]*ParallelExecution
	tasks      map[string]*SubAgentTask // keyed workflowID + "/" + taskID
}

// ParallelExecution tracks one parallel_foreach expansion.
type ParallelExecution struct {
	ID          string
	WorkflowID  string
	StepID      string
	MaxParallel int
	TaskIDs     []string
}

// SubAgentTask is one isolated instantiation of a sub-agent task template.
type SubAgentTask struct {
	TaskID      string
	ExecutionID string
	WorkflowID  string
	Template    string

	Item  any
	Index int
	Total int

	mu          sync.Mutex
	status      schema.TaskStatus
	result      any
	queue       *Queue
	ectx        *ExecutionContext
	stateID     string
	timeoutSecs int
	pending     map[string]*schema.WorkflowStep
}

// TaskHandle is the task descriptor returned to external callers.
type TaskHandle struct {
	TaskID  string            `json:"task_id"`
	Status  schema.TaskStatus `json:"status"`
	Context map[string]any    `json:"context"`
}

// NewSubAgentManager creates a SubAgentManager. debugSerial switches
// sub-agent dispatch to single-step serial expansion.
func NewSubAgentManager(states *state.Manager, processor *Processor, debugSerial bool, logger *slog.Logger) *SubAgentManager {
	return &SubAgentManager{
		states:      states,
		processor:   processor,
		debugSerial: debugSerial,
		logger:      logger,
		executions:  make(map[string]*ParallelExecution),
		tasks:       make(map[string]*SubAgentTask),
	}
}

// DebugSerial reports whether serial debug mode is active.
func (m *SubAgentManager) DebugSerial() bool { return m.debugSerial }

// SetMaxParallel caps every fan-out's concurrency server-wide, regardless
// of the step's own max_parallel. Zero removes the cap. Set once at
// startup, before any workflow runs.
func (m *SubAgentManager) SetMaxParallel(n int) {
	if n < 0 {
		n = 0
	}
	m.maxParallel = n
}

// Expand instantiates one task per item. Each task's state is seeded from
// a deep copy of the template's default_state, inputs bound from the task
// context {item, index, total, task_id} with input defaults applied, and
// its own computed-field pass. defaultTimeout is the enclosing workflow's
// timeout_seconds; the template's own value takes precedence.
func (m *SubAgentManager) Expand(workflowID string, step *schema.WorkflowStep, template *schema.SubAgentTaskDef, items []any, defaultTimeout int) (*ParallelExecution, []TaskHandle, error) {
	if template == nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeValidation,
			"parallel_foreach step %q references an undefined sub_agent_task", step.ID).
			WithWorkflow(workflowID).WithStep(step.ID)
	}

	timeoutSecs := template.TimeoutSecs
	if timeoutSecs == 0 {
		timeoutSecs = defaultTimeout
	}

	maxParallel := step.MaxParallel
	if maxParallel <= 0 {
		maxParallel = len(items)
	}
	if m.maxParallel > 0 && maxParallel > m.maxParallel {
		maxParallel = m.maxParallel
	}
	if m.debugSerial {
		// Serial debug mode steps through one task at a time.
		maxParallel = 1
	}

	exec := &ParallelExecution{
		ID:          uuid.New().String(),
		WorkflowID:  workflowID,
		StepID:      step.ID,
		MaxParallel: maxParallel,
	}

	handles := make([]TaskHandle, 0, len(items))
	created := make([]*SubAgentTask, 0, len(items))
	for i, item := range items {
		taskID := fmt.Sprintf("%s.task_%d", step.ID, i)
		taskCtx := map[string]any{
			"item":    item,
			"index":   float64(i),
			"total":   float64(len(items)),
			"task_id": taskID,
		}

		inputs, err := bindTaskInputs(template.Inputs, taskCtx)
		if err != nil {
			m.rollback(workflowID, created)
			return nil, nil, schema.AsWorkflowError(err).WithWorkflow(workflowID).WithStep(step.ID)
		}

		stateID := taskStateID(workflowID, taskID)
		if _, err := m.states.Register(stateID, template.StateSchema, inputs, template.DefaultState); err != nil {
			m.rollback(workflowID, created)
			return nil, nil, schema.AsWorkflowError(err).WithWorkflow(workflowID).WithStep(step.ID)
		}

		task := &SubAgentTask{
			TaskID:      taskID,
			ExecutionID: exec.ID,
			WorkflowID:  workflowID,
			Template:    step.SubAgentTask,
			Item:        item,
			Index:       i,
			Total:       len(items),
			status:      schema.TaskStatusPending,
			queue:       NewQueue(schema.CloneSteps(template.Steps)),
			ectx:        NewExecutionContext(workflowID, taskID),
			stateID:     stateID,
			timeoutSecs: timeoutSecs,
			pending:     make(map[string]*schema.WorkflowStep),
		}
		created = append(created, task)
		exec.TaskIDs = append(exec.TaskIDs, taskID)
		handles = append(handles, TaskHandle{TaskID: taskID, Status: schema.TaskStatusPending, Context: taskCtx})
	}

	m.mu.Lock()
	m.executions[exec.ID] = exec
	for _, task := range created {
		m.tasks[taskKey(workflowID, task.TaskID)] = task
	}
	m.mu.Unlock()

	m.logger.Info("parallel_foreach expanded",
		slog.String("workflow_id", workflowID),
		slog.String("step_id", step.ID),
		slog.Int("tasks", len(items)),
		slog.Int("max_parallel", maxParallel),
	)
	return exec, handles, nil
}

func (m *SubAgentManager) rollback(workflowID string, created []*SubAgentTask) {
	for _, task := range created {
		m.states.Unregister(task.stateID)
	}
}

// NextAvailableTasks admits up to max_parallel tasks: pending tasks are
// returned (and marked running) only while the running count stays under
// the cap. Finished tasks free capacity for the rest.
func (m *SubAgentManager) NextAvailableTasks(executionID string) ([]TaskHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec, ok := m.executions[executionID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "unknown parallel execution %q", executionID)
	}

	running := 0
	for _, taskID := range exec.TaskIDs {
		if t := m.tasks[taskKey(exec.WorkflowID, taskID)]; t != nil && t.Status() == schema.TaskStatusRunning {
			running++
		}
	}

	var admitted []TaskHandle
	for _, taskID := range exec.TaskIDs {
		if running >= exec.MaxParallel {
			break
		}
		t := m.tasks[taskKey(exec.WorkflowID, taskID)]
		if t == nil || t.Status() != schema.TaskStatusPending {
			continue
		}
		t.setStatus(schema.TaskStatusRunning)
		running++
		admitted = append(admitted, TaskHandle{
			TaskID: t.TaskID,
			Status: schema.TaskStatusRunning,
			Context: map[string]any{
				"item":    t.Item,
				"index":   float64(t.Index),
				"total":   float64(t.Total),
				"task_id": t.TaskID,
			},
		})
	}
	return admitted, nil
}

// Execution returns a parallel execution record.
func (m *SubAgentManager) Execution(executionID string) (*ParallelExecution, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[executionID]
	return exec, ok
}

// Task looks up one task by workflow and task ID.
func (m *SubAgentManager) Task(workflowID, taskID string) (*SubAgentTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskKey(workflowID, taskID)]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"unknown task %q for workflow %q", taskID, workflowID).WithWorkflow(workflowID)
	}
	return t, nil
}

// NextStep mirrors the top-level step protocol scoped to one task's
// isolated queue and state. Server-side steps run inline except in debug
// serial mode, where every step (control flow already expanded one at a
// time by the queue) is handed back individually. The returned flag is
// true once the task is terminal; an exhausted queue with an unacknowledged
// client step still in flight returns (nil, false, nil).
func (m *SubAgentManager) NextStep(ctx context.Context, workflowID, taskID string) (*ProcessedStep, bool, error) {
	task, err := m.Task(workflowID, taskID)
	if err != nil {
		return nil, false, err
	}

	task.mu.Lock()
	defer task.mu.Unlock()

	if task.status == schema.TaskStatusCompleted || task.status == schema.TaskStatusFailed {
		return nil, true, nil
	}

	resolver := &scopeResolver{p: m.processor, stateID: task.stateID, ectx: task.ectx}
	for {
		step, err := task.queue.Next(resolver)
		if err != nil {
			return nil, false, schema.AsWorkflowError(err).WithWorkflow(workflowID)
		}
		if step == nil {
			if len(task.pending) > 0 {
				// A handed-out client step has not been acknowledged yet.
				return nil, false, nil
			}
			task.status = schema.TaskStatusCompleted
			m.finishTask(task)
			return nil, true, nil
		}

		loop := task.queue.CurrentLoop()
		scope, err := m.processor.BuildScope(task.stateID, task.ectx, loop)
		if err != nil {
			return nil, false, err
		}
		ps, err := m.processor.Process(step, scope)
		if err != nil {
			return nil, false, schema.AsWorkflowError(err).WithWorkflow(workflowID)
		}

		if ps.Execution == schema.SideServer && !m.debugSerial {
			if _, err := m.processor.ExecuteServerStep(ctx, ps, step, task.stateID, task.ectx, loop, task.timeoutSecs); err != nil {
				task.status = schema.TaskStatusFailed
				return nil, false, schema.AsWorkflowError(err).WithWorkflow(workflowID)
			}
			continue
		}

		task.pending[ps.ID] = step
		return ps, false, nil
	}
}

// CompleteStep reports a step outcome for one task, applying the step's
// declared state updates with the result bound as "result".
func (m *SubAgentManager) CompleteStep(workflowID, taskID, stepID string, result any) error {
	task, err := m.Task(workflowID, taskID)
	if err != nil {
		return err
	}

	task.mu.Lock()
	defer task.mu.Unlock()

	step, ok := task.pending[stepID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound,
			"step %q is not pending for task %q", stepID, taskID).
			WithWorkflow(workflowID).WithStep(stepID)
	}
	delete(task.pending, stepID)

	// Debug serial mode hands server steps back for acknowledgment; run
	// them on completion so their effects still apply in order.
	if info, found := schema.LookupStepType(step.Type); found && info.Execution == schema.SideServer && m.debugSerial {
		scope, err := m.processor.BuildScope(task.stateID, task.ectx, task.queue.CurrentLoop())
		if err != nil {
			return err
		}
		ps, err := m.processor.Process(step, scope)
		if err != nil {
			return err
		}
		_, err = m.processor.ExecuteServerStep(context.Background(), ps, step, task.stateID, task.ectx, task.queue.CurrentLoop(), task.timeoutSecs)
		return err
	}

	return m.processor.ApplyDeclaredUpdates(step, task.stateID, task.ectx, task.queue.CurrentLoop(), result)
}

// CompleteTask marks a task terminal and releases its isolated state.
func (m *SubAgentManager) CompleteTask(workflowID, taskID string, status schema.TaskStatus, result any) error {
	task, err := m.Task(workflowID, taskID)
	if err != nil {
		return err
	}

	task.mu.Lock()
	defer task.mu.Unlock()
	if status != schema.TaskStatusCompleted && status != schema.TaskStatusFailed {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"task completion status must be terminal, got %q", status).WithWorkflow(workflowID)
	}
	task.status = status
	task.result = result
	m.finishTask(task)
	return nil
}

// finishTask releases task-scoped resources. Caller holds task.mu.
func (m *SubAgentManager) finishTask(task *SubAgentTask) {
	m.states.Unregister(task.stateID)
	task.pending = make(map[string]*schema.WorkflowStep)
}

// TaskStates reports each task's status and result for an execution.
func (m *SubAgentManager) TaskStates(executionID string) ([]TaskHandle, error) {
	m.mu.Lock()
	exec, ok := m.executions[executionID]
	if !ok {
		m.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "unknown parallel execution %q", executionID)
	}
	tasks := make([]*SubAgentTask, 0, len(exec.TaskIDs))
	for _, taskID := range exec.TaskIDs {
		if t := m.tasks[taskKey(exec.WorkflowID, taskID)]; t != nil {
			tasks = append(tasks, t)
		}
	}
	m.mu.Unlock()

	handles := make([]TaskHandle, len(tasks))
	for i, t := range tasks {
		handles[i] = TaskHandle{TaskID: t.TaskID, Status: t.Status(), Context: map[string]any{
			"item":    t.Item,
			"index":   float64(t.Index),
			"total":   float64(t.Total),
			"task_id": t.TaskID,
		}}
	}
	return handles, nil
}

// Cleanup drops every execution and task belonging to a workflow.
func (m *SubAgentManager) Cleanup(workflowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, exec := range m.executions {
		if exec.WorkflowID == workflowID {
			delete(m.executions, id)
		}
	}
	for key, task := range m.tasks {
		if task.WorkflowID == workflowID {
			m.states.Unregister(task.stateID)
			delete(m.tasks, key)
		}
	}
}

// Status returns the task's current status.
func (t *SubAgentTask) Status() schema.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *SubAgentTask) setStatus(status schema.TaskStatus) {
	t.mu.Lock()
	t.status = status
	t.mu.Unlock()
}

// StateID exposes the task's isolated state key for status queries.
func (t *SubAgentTask) StateID() string { return t.stateID }

// TaskState reads one task's isolated state.
func (m *SubAgentManager) TaskState(workflowID, taskID string) (*schema.WorkflowState, error) {
	task, err := m.Task(workflowID, taskID)
	if err != nil {
		return nil, err
	}
	return m.states.Read(task.StateID())
}

func taskKey(workflowID, taskID string) string {
	return workflowID + "/" + taskID
}

func taskStateID(workflowID, taskID string) string {
	return workflowID + ":" + taskID
}

// bindTaskInputs binds declared task inputs from the task context,
// applying defaults and enforcing required inputs.
func bindTaskInputs(defs map[string]*schema.InputDef, taskCtx map[string]any) (map[string]any, error) {
	inputs := make(map[string]any, len(defs)+len(taskCtx))
	// Task context keys are always visible as inputs, declared or not.
	for k, v := range taskCtx {
		inputs[k] = v
	}
	for name, def := range defs {
		if def == nil {
			continue
		}
		if _, ok := inputs[name]; ok {
			continue
		}
		if def.Default != nil {
			inputs[name] = def.Default
			continue
		}
		if def.Required {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"sub-agent task input %q is required and has no default", name)
		}
		inputs[name] = nil
	}
	return inputs, nil
}
