package engine

import (
	"context"
	"log/slog"
	"strings"

	"github.com/aromcp/workflow-mcp/internal/expr"
	"github.com/aromcp/workflow-mcp/internal/logging"
	"github.com/aromcp/workflow-mcp/internal/state"
	"github.com/aromcp/workflow-mcp/pkg/schema"
)

// ProcessedStep is a step materialized for execution: templates resolved,
// execution side routed from the registry.
type ProcessedStep struct {
	ID         string               `json:"id"`
	Type       schema.StepType      `json:"type"`
	Execution  schema.ExecutionSide `json:"execution"`
	Definition map[string]any       `json:"definition"`
}

// Processor builds scoped variable contexts for dequeued steps, resolves
// {{ expr }} templates, and routes/executes server-side steps.
type Processor struct {
	evaluator *expr.Evaluator
	states    *state.Manager
	shell     *ShellRunner
	logger    *slog.Logger
}

// NewProcessor creates a Processor sharing the engine's evaluator and
// state manager.
func NewProcessor(evaluator *expr.Evaluator, states *state.Manager, logger *slog.Logger) *Processor {
	return &Processor{
		evaluator: evaluator,
		states:    states,
		shell:     NewShellRunner(logger),
		logger:    logger,
	}
}

// BuildScope assembles the scoped variable context for one step. The four
// scopes never fall back into each other: a template must name the scope
// it reads from, which makes name collisions deterministic.
func (p *Processor) BuildScope(stateID string, ectx *ExecutionContext, loop *LoopState) (map[string]any, error) {
	st, err := p.states.Read(stateID)
	if err != nil {
		return nil, err
	}

	this := make(map[string]any, len(st.State)+len(st.Computed))
	for k, v := range st.State {
		this[k] = v
	}
	for k, v := range st.Computed {
		this[k] = v
	}

	var globals map[string]any
	if ectx != nil {
		globals = ectx.Snapshot()
	}
	if globals == nil {
		globals = map[string]any{}
	}

	return map[string]any{
		"inputs":   st.Inputs,
		"global":   globals,
		"this":     this,
		"loop":     loop.Bindings(),
		"state":    st.State,
		"computed": st.Computed,
		"raw":      st.State, // legacy alias
	}, nil
}

// Process materializes a dequeued step: validates its registry entry and
// resolves every template in its definition against the scope.
func (p *Processor) Process(step *schema.WorkflowStep, scope map[string]any) (*ProcessedStep, error) {
	info, ok := schema.LookupStepType(step.Type)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown step type %q", step.Type).WithStep(step.ID)
	}

	def := schema.DeepCopyMap(step.Definition)
	if def == nil {
		def = map[string]any{}
	}

	resolved, err := p.ResolveTemplates(def, scope)
	if err != nil {
		return nil, schema.AsWorkflowError(err).WithStep(step.ID)
	}

	return &ProcessedStep{
		ID:         step.ID,
		Type:       step.Type,
		Execution:  info.Execution,
		Definition: resolved.(map[string]any),
	}, nil
}

// ResolveTemplates walks a value tree replacing {{ expression }} templates.
// A string that is exactly one template keeps the evaluated value's type;
// templates embedded in longer strings are stringified in place.
func (p *Processor) ResolveTemplates(value any, scope map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return p.resolveString(v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := p.ResolveTemplates(item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := p.ResolveTemplates(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

func (p *Processor) resolveString(s string, scope map[string]any) (any, error) {
	open := strings.Index(s, "{{")
	if open == -1 {
		return s, nil
	}

	// Whole-string template: preserve the evaluated type.
	if inner, ok := wholeTemplate(s); ok {
		return p.evaluator.Evaluate(inner, scope)
	}

	var sb strings.Builder
	rest := s
	for {
		idx := strings.Index(rest, "{{")
		if idx == -1 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		sb.WriteString(rest[:idx])
		rest = rest[idx+2:]

		end := strings.Index(rest, "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeExpression,
				"unclosed {{ template in step definition")
		}
		expression := strings.TrimSpace(rest[:end])
		if expression == "" {
			return nil, schema.NewError(schema.ErrCodeExpression,
				"empty {{ }} template in step definition")
		}

		out, err := p.evaluator.Evaluate(expression, scope)
		if err != nil {
			return nil, err
		}
		sb.WriteString(expr.ToString(out))
		rest = rest[end+2:]
	}
}

// wholeTemplate reports whether s is exactly one {{ expr }} and returns
// the inner expression.
func wholeTemplate(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{{") || !strings.HasSuffix(trimmed, "}}") {
		return "", false
	}
	inner := trimmed[2 : len(trimmed)-2]
	// A second opener means multiple templates, not one.
	if strings.Contains(inner, "{{") || strings.Contains(inner, "}}") {
		return "", false
	}
	inner = strings.TrimSpace(inner)
	if inner == "" {
		return "", false
	}
	return inner, true
}

// EvaluateCondition evaluates a step/loop condition by JS truthiness.
// Conditions may be written bare ("state.count < 3") or as a template
// ("{{ computed.can_continue }}"); both forms evaluate identically, always
// against the current state.
func (p *Processor) EvaluateCondition(condition string, scope map[string]any) (bool, error) {
	if strings.TrimSpace(condition) == "" {
		return false, schema.NewError(schema.ErrCodeExpression, "empty condition")
	}
	if inner, ok := wholeTemplate(condition); ok {
		condition = inner
	}
	return p.evaluator.EvaluateBool(condition, scope)
}

// EvaluateItems evaluates an items expression, requiring a list result. A
// non-list value or evaluation failure is an error, never coerced.
func (p *Processor) EvaluateItems(itemsExpr string, scope map[string]any) ([]any, error) {
	expression := itemsExpr
	if inner, ok := wholeTemplate(itemsExpr); ok {
		expression = inner
	}
	out, err := p.evaluator.Evaluate(expression, scope)
	if err != nil {
		return nil, err
	}
	items, ok := out.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"items expression %q must yield a list, got %T", itemsExpr, out)
	}
	return items, nil
}

// globalsOf converts an execution context to the state-layer Globals
// interface without producing a typed nil.
func globalsOf(ectx *ExecutionContext) state.Globals {
	if ectx == nil {
		return nil
	}
	return ectx
}

// scopeResolver binds a Processor to one workflow/task so the queue can
// evaluate conditions against live state on every reach.
type scopeResolver struct {
	p       *Processor
	stateID string
	ectx    *ExecutionContext
}

func (r *scopeResolver) EvaluateCondition(condition string, loop *LoopState) (bool, error) {
	scope, err := r.p.BuildScope(r.stateID, r.ectx, loop)
	if err != nil {
		return false, err
	}
	return r.p.EvaluateCondition(condition, scope)
}

func (r *scopeResolver) EvaluateItems(itemsExpr string, loop *LoopState) ([]any, error) {
	scope, err := r.p.BuildScope(r.stateID, r.ectx, loop)
	if err != nil {
		return nil, err
	}
	return r.p.EvaluateItems(itemsExpr, scope)
}

// ExecuteServerStep runs a server-side step inline and applies its
// declared state updates. Returns the step's result payload.
func (p *Processor) ExecuteServerStep(ctx context.Context, ps *ProcessedStep, step *schema.WorkflowStep, stateID string, ectx *ExecutionContext, loop *LoopState, defaultTimeout int) (map[string]any, error) {
	logger := logging.LogWith(ctx, p.logger)

	var result map[string]any
	switch ps.Type {
	case schema.StepShellCommand:
		timeout := step.TimeoutSecs
		if timeout == 0 {
			timeout = defaultTimeout
		}
		out, err := p.shell.Run(ctx, ps.Definition, timeout, step.ErrorHandling)
		if err != nil {
			return nil, schema.AsWorkflowError(err).WithStep(ps.ID)
		}
		result = out

	case schema.StepStateUpdate:
		update, err := stateUpdateFromDefinition(ps.Definition)
		if err != nil {
			return nil, schema.AsWorkflowError(err).WithStep(ps.ID)
		}
		if _, err := p.states.Update(stateID, []schema.StateUpdate{update}, globalsOf(ectx)); err != nil {
			return nil, schema.AsWorkflowError(err).WithStep(ps.ID)
		}
		result = map[string]any{"path": update.Path, "applied": true}

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"step type %q is not server-executable", ps.Type).WithStep(ps.ID)
	}

	if err := p.ApplyDeclaredUpdates(step, stateID, ectx, loop, result); err != nil {
		return nil, err
	}

	logger.Debug("server step executed", slog.String("step_id", ps.ID), slog.String("type", string(ps.Type)))
	return result, nil
}

// ApplyDeclaredUpdates applies a step's embedded state_update(s) block,
// with the step's result bound as "result" for value templates.
func (p *Processor) ApplyDeclaredUpdates(step *schema.WorkflowStep, stateID string, ectx *ExecutionContext, loop *LoopState, result any) error {
	updates := step.DeclaredUpdates()
	if len(updates) == 0 {
		return nil
	}
	info, _ := schema.LookupStepType(step.Type)
	if !info.SupportsStateUpdate {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"step type %q does not support embedded state updates", step.Type).WithStep(step.ID)
	}

	scope, err := p.BuildScope(stateID, ectx, loop)
	if err != nil {
		return err
	}
	scope["result"] = result

	resolved := make([]schema.StateUpdate, len(updates))
	for i, u := range updates {
		value, err := p.ResolveTemplates(u.Value, scope)
		if err != nil {
			return schema.AsWorkflowError(err).WithStep(step.ID)
		}
		u.Value = value
		resolved[i] = u
	}

	_, err = p.states.Update(stateID, resolved, globalsOf(ectx))
	if err != nil {
		return schema.AsWorkflowError(err).WithStep(step.ID)
	}
	return nil
}

// stateUpdateFromDefinition extracts the update fields of a state_update step.
func stateUpdateFromDefinition(def map[string]any) (schema.StateUpdate, error) {
	path, _ := def["path"].(string)
	if path == "" {
		return schema.StateUpdate{}, schema.NewError(schema.ErrCodeValidation,
			"state_update step requires a 'path' field")
	}
	op, _ := def["operation"].(string)
	return schema.StateUpdate{Path: path, Value: def["value"], Operation: op}, nil
}
