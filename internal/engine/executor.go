package engine

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aromcp/workflow-mcp/internal/expr"
	"github.com/aromcp/workflow-mcp/internal/logging"
	"github.com/aromcp/workflow-mcp/internal/state"
	"github.com/aromcp/workflow-mcp/pkg/schema"
)

// Recorder receives workflow lifecycle events for durable history. A nil
// Recorder disables persistence; execution is identical either way.
type Recorder interface {
	RecordStart(ctx context.Context, workflowID, name string, inputs map[string]any) error
	RecordEvent(ctx context.Context, workflowID, eventType string, payload map[string]any) error
	RecordFinish(ctx context.Context, workflowID string, status schema.WorkflowStatus, failure string) error
}

// Executor is the engine façade: it owns running workflow instances and
// drives the pull-based step protocol. Callers poll GetNextStep, perform
// the returned client-side steps, and acknowledge them with StepComplete;
// server-side steps run inline between polls.
type Executor struct {
	evaluator *expr.Evaluator
	states    *state.Manager
	processor *Processor
	subagents *SubAgentManager
	recorder  Recorder
	logger    *slog.Logger

	mu        sync.Mutex
	instances map[string]*Instance
}

// Instance is one running workflow.
type Instance struct {
	ID         string
	Definition *schema.WorkflowDefinition
	StartedAt  time.Time

	mu       sync.Mutex
	status   schema.WorkflowStatus
	failure  string
	queue    *Queue
	ectx     *ExecutionContext
	pending  map[string]*schema.WorkflowStep
	attempts map[string]int
	parallel map[string]string // stepID -> execution ID
}

// NextStepResult is one GetNextStep response: the client-side steps to
// perform now, or Completed when the workflow has nothing left.
type NextStepResult struct {
	WorkflowID string                `json:"workflow_id"`
	Steps      []*ProcessedStep      `json:"steps,omitempty"`
	Completed  bool                  `json:"completed"`
	Status     schema.WorkflowStatus `json:"status"`
}

// StatusResult is one workflow's externally visible status. Tasks carries
// per-task progress for any parallel_foreach still in flight.
type StatusResult struct {
	WorkflowID string                `json:"workflow_id"`
	Name       string                `json:"name"`
	Status     schema.WorkflowStatus `json:"status"`
	StartedAt  time.Time             `json:"started_at"`
	State      *schema.WorkflowState `json:"state,omitempty"`
	Failure    string                `json:"failure,omitempty"`
	Tasks      []TaskHandle          `json:"tasks,omitempty"`
}

// DebugSerialFromEnv reports whether serial sub-agent debug mode is
// requested. Read once at construction; flipping the variable later has
// no effect on a running server.
func DebugSerialFromEnv() bool {
	return os.Getenv("AROMCP_WORKFLOW_DEBUG") == "serial"
}

// NewExecutor wires the engine together around one shared expression
// evaluator and state manager.
func NewExecutor(evaluator *expr.Evaluator, states *state.Manager, recorder Recorder, debugSerial bool, logger *slog.Logger) *Executor {
	processor := NewProcessor(evaluator, states, logger)
	return &Executor{
		evaluator: evaluator,
		states:    states,
		processor: processor,
		subagents: NewSubAgentManager(states, processor, debugSerial, logger),
		recorder:  recorder,
		logger:    logger,
		instances: make(map[string]*Instance),
	}
}

// SubAgents exposes the sub-agent manager for task-scoped tooling.
func (e *Executor) SubAgents() *SubAgentManager { return e.subagents }

// Start instantiates a workflow: inputs bound against the declared input
// schema, default state deep-copied, computed fields evaluated once, and
// the step queue seeded from the top-level steps.
func (e *Executor) Start(ctx context.Context, def *schema.WorkflowDefinition, inputs map[string]any) (*StatusResult, error) {
	bound, err := bindWorkflowInputs(def.Inputs, inputs)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	st, err := e.states.Register(id, def.StateSchema, bound, def.DefaultState)
	if err != nil {
		return nil, schema.AsWorkflowError(err).WithWorkflow(id)
	}

	inst := &Instance{
		ID:         id,
		Definition: def,
		StartedAt:  time.Now().UTC(),
		status:     schema.WorkflowStatusRunning,
		queue:      NewQueue(schema.CloneSteps(def.Steps)),
		ectx:       NewExecutionContext(id, ""),
		pending:    make(map[string]*schema.WorkflowStep),
		attempts:   make(map[string]int),
		parallel:   make(map[string]string),
	}

	e.mu.Lock()
	e.instances[id] = inst
	e.mu.Unlock()

	if e.recorder != nil {
		if err := e.recorder.RecordStart(ctx, id, def.Name, bound); err != nil {
			e.logger.Warn("workflow start not recorded", slog.String("workflow_id", id), slog.Any("error", err))
		}
	}
	logging.LogWith(ctx, e.logger).Info("workflow started",
		slog.String("workflow_id", id), slog.String("workflow", def.Name))

	return &StatusResult{
		WorkflowID: id,
		Name:       def.Name,
		Status:     schema.WorkflowStatusRunning,
		StartedAt:  inst.StartedAt,
		State:      st,
	}, nil
}

func (e *Executor) instance(workflowID string) (*Instance, error) {
	e.mu.Lock()
	inst, ok := e.instances[workflowID]
	e.mu.Unlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "unknown workflow %q", workflowID)
	}
	return inst, nil
}

// GetNextStep advances one workflow. Control steps are consumed by the
// queue, server-side steps execute inline, and the first client-side step
// reached is returned for the caller to perform. An exhausted queue with
// no outstanding client steps completes the workflow.
func (e *Executor) GetNextStep(ctx context.Context, workflowID string) (*NextStepResult, error) {
	inst, err := e.instance(workflowID)
	if err != nil {
		return nil, err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.status != schema.WorkflowStatusRunning {
		return &NextStepResult{WorkflowID: workflowID, Completed: true, Status: inst.status}, nil
	}

	resolver := &scopeResolver{p: e.processor, stateID: workflowID, ectx: inst.ectx}
	for {
		step, err := inst.queue.Next(resolver)
		if err != nil {
			return nil, e.failLocked(ctx, inst, err)
		}
		if step == nil {
			if len(inst.pending) > 0 {
				// Client steps are still in flight; nothing new to hand out.
				return &NextStepResult{WorkflowID: workflowID, Status: inst.status}, nil
			}
			inst.status = schema.WorkflowStatusCompleted
			e.finish(ctx, inst)
			return &NextStepResult{WorkflowID: workflowID, Completed: true, Status: inst.status}, nil
		}

		loop := inst.queue.CurrentLoop()
		scope, err := e.processor.BuildScope(workflowID, inst.ectx, loop)
		if err != nil {
			return nil, e.failLocked(ctx, inst, err)
		}
		ps, err := e.processor.Process(step, scope)
		if err != nil {
			return nil, e.failLocked(ctx, inst, err)
		}

		if step.Type == schema.StepParallelForeach {
			ps, err = e.expandParallel(inst, step, ps, loop)
			if err != nil {
				return nil, e.failLocked(ctx, inst, err)
			}
			inst.pending[ps.ID] = step
			return &NextStepResult{WorkflowID: workflowID, Steps: []*ProcessedStep{ps}, Status: inst.status}, nil
		}

		if ps.Execution == schema.SideServer {
			result, err := e.processor.ExecuteServerStep(ctx, ps, step, workflowID, inst.ectx, loop, inst.Definition.TimeoutSecs)
			if err != nil {
				return nil, e.failLocked(ctx, inst, err)
			}
			e.record(ctx, workflowID, "server_step", map[string]any{"step_id": ps.ID, "type": string(ps.Type), "result": result})
			continue
		}

		inst.pending[ps.ID] = step
		return &NextStepResult{WorkflowID: workflowID, Steps: []*ProcessedStep{ps}, Status: inst.status}, nil
	}
}

// expandParallel fans a parallel_foreach out into sub-agent tasks and
// rewrites the step definition the caller sees: the execution ID plus the
// initial task list replace the raw items expression.
func (e *Executor) expandParallel(inst *Instance, step *schema.WorkflowStep, ps *ProcessedStep, loop *LoopState) (*ProcessedStep, error) {
	scope, err := e.processor.BuildScope(inst.ID, inst.ectx, loop)
	if err != nil {
		return nil, err
	}
	items, err := e.processor.EvaluateItems(step.Items, scope)
	if err != nil {
		return nil, schema.AsWorkflowError(err).WithWorkflow(inst.ID).WithStep(step.ID)
	}

	template := inst.Definition.SubAgentTasks[step.SubAgentTask]
	exec, tasks, err := e.subagents.Expand(inst.ID, step, template, items, inst.Definition.TimeoutSecs)
	if err != nil {
		return nil, err
	}
	inst.parallel[step.ID] = exec.ID

	def := schema.DeepCopyMap(ps.Definition)
	delete(def, "items")
	def["execution_id"] = exec.ID
	def["sub_agent_task"] = step.SubAgentTask
	def["max_parallel"] = exec.MaxParallel
	def["tasks"] = tasks
	return &ProcessedStep{ID: ps.ID, Type: ps.Type, Execution: ps.Execution, Definition: def}, nil
}

// StepComplete acknowledges a client-side step. Success applies the
// step's declared state updates with the result bound as "result";
// failure routes through the step's error handling strategy.
func (e *Executor) StepComplete(ctx context.Context, workflowID, stepID string, ok bool, result any) error {
	inst, err := e.instance(workflowID)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.status != schema.WorkflowStatusRunning {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %q is %s; no steps can be completed", workflowID, inst.status).WithWorkflow(workflowID)
	}
	step, found := inst.pending[stepID]
	if !found {
		return schema.NewErrorf(schema.ErrCodeNotFound,
			"step %q is not pending for workflow %q", stepID, workflowID).
			WithWorkflow(workflowID).WithStep(stepID)
	}

	if !ok {
		return e.handleClientFailure(ctx, inst, step, result)
	}

	delete(inst.pending, stepID)
	delete(inst.attempts, stepID)
	if execID, isParallel := inst.parallel[stepID]; isParallel {
		delete(inst.parallel, stepID)
		e.record(ctx, workflowID, "parallel_step_complete", map[string]any{"step_id": stepID, "execution_id": execID})
	}

	if err := e.processor.ApplyDeclaredUpdates(step, workflowID, inst.ectx, inst.queue.CurrentLoop(), result); err != nil {
		return e.failLocked(ctx, inst, err)
	}
	e.record(ctx, workflowID, "step_complete", map[string]any{"step_id": stepID, "result": result})
	return nil
}

// handleClientFailure applies the failed step's error handling strategy.
// Caller holds inst.mu.
func (e *Executor) handleClientFailure(ctx context.Context, inst *Instance, step *schema.WorkflowStep, result any) error {
	strategy := schema.ErrorStrategyFail
	handling := step.ErrorHandling
	if handling != nil && handling.Strategy != "" {
		strategy = handling.Strategy
	}

	switch strategy {
	case schema.ErrorStrategyRetry:
		attempts := inst.attempts[step.ID] + 1
		if attempts <= handling.MaxRetries {
			inst.attempts[step.ID] = attempts
			delete(inst.pending, step.ID)
			// Requeue at the front so the next poll re-resolves the
			// step's templates and hands it out again.
			loopID := ""
			if l := inst.queue.CurrentLoop(); l != nil {
				loopID = l.ID
			}
			inst.queue.pushFront([]*schema.WorkflowStep{step}, loopID)
			e.logger.Warn("client step retry",
				slog.String("workflow_id", inst.ID), slog.String("step_id", step.ID), slog.Int("attempt", attempts))
			return nil
		}
		fallthrough

	case schema.ErrorStrategyFail:
		delete(inst.pending, step.ID)
		delete(inst.attempts, step.ID)
		return e.failLocked(ctx, inst, schema.NewErrorf(schema.ErrCodeStepFailed,
			"client step %q reported failure", step.ID).WithWorkflow(inst.ID).WithStep(step.ID))

	case schema.ErrorStrategyContinue:
		delete(inst.pending, step.ID)
		delete(inst.attempts, step.ID)
		e.record(ctx, inst.ID, "step_failed_continue", map[string]any{"step_id": step.ID, "result": result})
		return nil

	case schema.ErrorStrategyFallback:
		delete(inst.pending, step.ID)
		delete(inst.attempts, step.ID)
		var fallback any
		if handling != nil {
			fallback = handling.FallbackValue
		}
		if err := e.processor.ApplyDeclaredUpdates(step, inst.ID, inst.ectx, inst.queue.CurrentLoop(), fallback); err != nil {
			return e.failLocked(ctx, inst, err)
		}
		e.record(ctx, inst.ID, "step_failed_fallback", map[string]any{"step_id": step.ID})
		return nil

	default:
		return schema.NewErrorf(schema.ErrCodeValidation,
			"unknown error handling strategy %q", strategy).WithWorkflow(inst.ID).WithStep(step.ID)
	}
}

// UpdateState applies external state updates to a running workflow.
func (e *Executor) UpdateState(workflowID string, updates []schema.StateUpdate) (*schema.WorkflowState, error) {
	inst, err := e.instance(workflowID)
	if err != nil {
		return nil, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.status != schema.WorkflowStatusRunning {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %q is %s; state is frozen", workflowID, inst.status).WithWorkflow(workflowID)
	}
	st, err := e.states.Update(workflowID, updates, inst.ectx)
	if err != nil {
		return nil, schema.AsWorkflowError(err).WithWorkflow(workflowID)
	}
	return st, nil
}

// Status reports a workflow's status and state snapshot. The final state
// of a finished workflow stays readable until Cleanup.
func (e *Executor) Status(workflowID string) (*StatusResult, error) {
	inst, err := e.instance(workflowID)
	if err != nil {
		return nil, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()

	st, err := e.states.Read(workflowID)
	if err != nil {
		st = nil // state already released
	}

	var tasks []TaskHandle
	for _, execID := range inst.parallel {
		handles, err := e.subagents.TaskStates(execID)
		if err != nil {
			continue // execution already cleaned up
		}
		tasks = append(tasks, handles...)
	}

	return &StatusResult{
		WorkflowID: inst.ID,
		Name:       inst.Definition.Name,
		Status:     inst.status,
		StartedAt:  inst.StartedAt,
		State:      st,
		Failure:    inst.failure,
		Tasks:      tasks,
	}, nil
}

// List returns a status summary for every known workflow instance.
func (e *Executor) List() []*StatusResult {
	e.mu.Lock()
	instances := make([]*Instance, 0, len(e.instances))
	for _, inst := range e.instances {
		instances = append(instances, inst)
	}
	e.mu.Unlock()

	out := make([]*StatusResult, 0, len(instances))
	for _, inst := range instances {
		inst.mu.Lock()
		out = append(out, &StatusResult{
			WorkflowID: inst.ID,
			Name:       inst.Definition.Name,
			Status:     inst.status,
			StartedAt:  inst.StartedAt,
			Failure:    inst.failure,
		})
		inst.mu.Unlock()
	}
	return out
}

// Cleanup releases a finished workflow's state and sub-agent records.
func (e *Executor) Cleanup(workflowID string) {
	e.mu.Lock()
	delete(e.instances, workflowID)
	e.mu.Unlock()
	e.states.Unregister(workflowID)
	e.subagents.Cleanup(workflowID)
}

// failLocked marks the instance failed and records the failure. Caller
// holds inst.mu. Always returns the original error for propagation.
func (e *Executor) failLocked(ctx context.Context, inst *Instance, err error) error {
	werr := schema.AsWorkflowError(err).WithWorkflow(inst.ID)
	inst.status = schema.WorkflowStatusFailed
	inst.failure = werr.Message
	e.finish(ctx, inst)
	logging.LogWith(ctx, e.logger).Error("workflow failed",
		slog.String("workflow_id", inst.ID), slog.String("code", string(werr.Code)), slog.String("error", werr.Message))
	return werr
}

// finish records terminal status. Caller holds inst.mu.
func (e *Executor) finish(ctx context.Context, inst *Instance) {
	if e.recorder != nil {
		if err := e.recorder.RecordFinish(ctx, inst.ID, inst.status, inst.failure); err != nil {
			e.logger.Warn("workflow finish not recorded", slog.String("workflow_id", inst.ID), slog.Any("error", err))
		}
	}
}

func (e *Executor) record(ctx context.Context, workflowID, eventType string, payload map[string]any) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordEvent(ctx, workflowID, eventType, payload); err != nil {
		e.logger.Warn("event not recorded",
			slog.String("workflow_id", workflowID), slog.String("event", eventType), slog.Any("error", err))
	}
}

// bindWorkflowInputs validates provided inputs against the declared input
// schema: unknown keys rejected, defaults applied, required enforced,
// declared types checked.
func bindWorkflowInputs(defs map[string]*schema.InputDef, provided map[string]any) (map[string]any, error) {
	bound := make(map[string]any, len(defs))
	for name, value := range provided {
		if _, declared := defs[name]; !declared {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown input %q", name)
		}
		bound[name] = value
	}
	for name, def := range defs {
		if def == nil {
			continue
		}
		value, present := bound[name]
		if !present {
			if def.Default != nil {
				bound[name] = def.Default
				continue
			}
			if def.Required {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "input %q is required", name)
			}
			bound[name] = nil
			continue
		}
		if err := checkInputType(name, def.Type, value); err != nil {
			return nil, err
		}
	}
	return bound, nil
}

func checkInputType(name, declared string, value any) error {
	if declared == "" || value == nil {
		return nil
	}
	ok := true
	switch declared {
	case "string":
		_, ok = value.(string)
	case "number":
		switch value.(type) {
		case float64, int, int64:
		default:
			ok = false
		}
	case "boolean":
		_, ok = value.(bool)
	case "object":
		_, ok = value.(map[string]any)
	case "array":
		_, ok = value.([]any)
	}
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"input %q must be of type %s, got %T", name, declared, value)
	}
	return nil
}
