package validation

import (
	"fmt"

	"github.com/aromcp/workflow-mcp/internal/state"
	"github.com/aromcp/workflow-mcp/pkg/schema"
)

// WorkflowValidator runs the full validation pipeline:
//  1. structural (JSON Schema)
//  2. semantic (registry fields, control-flow placement, references)
//  3. computed-field graph (cycles, undefined dependencies)
//
// Structural errors short-circuit the later stages.
type WorkflowValidator struct {
	structural *StructuralValidator
}

// NewWorkflowValidator compiles the structural schema once.
func NewWorkflowValidator() (*WorkflowValidator, error) {
	structural, err := NewStructuralValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{structural: structural}, nil
}

// Validate runs all stages and aggregates semantic violations into one
// error.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) error {
	if err := wv.structural.ValidateDefinition(def); err != nil {
		return err
	}

	var violations []string
	violations = append(violations, checkSteps(def.Steps, def, 0, false)...)
	for name, task := range def.SubAgentTasks {
		if task == nil {
			violations = append(violations, fmt.Sprintf("sub_agent_tasks.%s: task is empty", name))
			continue
		}
		violations = append(violations, checkSteps(task.Steps, def, 0, true)...)
		if task.StateSchema != nil {
			if _, err := state.BuildComputedGraph(task.StateSchema); err != nil {
				violations = append(violations, fmt.Sprintf("sub_agent_tasks.%s: %s", name, schema.AsWorkflowError(err).Message))
			}
		}
	}
	violations = append(violations, checkDuplicateIDs(def.Steps)...)

	if len(violations) > 0 {
		if len(violations) == 1 {
			return schema.NewError(schema.ErrCodeValidation, violations[0]).
				WithDetails(map[string]any{"violations": violations})
		}
		return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
			WithDetails(map[string]any{"violations": violations})
	}

	// Building the graph surfaces cycles and undefined dependencies.
	if _, err := state.BuildComputedGraph(def.StateSchema); err != nil {
		return schema.AsWorkflowError(err)
	}
	return nil
}

// ValidateInputs delegates to the structural validator.
func (wv *WorkflowValidator) ValidateInputs(defs map[string]*schema.InputDef, provided map[string]any) error {
	return wv.structural.ValidateInputs(defs, provided)
}

// checkSteps walks a step tree. loopDepth tracks whether break/continue
// have an enclosing loop; inSubAgent forbids nested fan-out.
func checkSteps(steps []*schema.WorkflowStep, def *schema.WorkflowDefinition, loopDepth int, inSubAgent bool) []string {
	var violations []string
	for _, step := range steps {
		info, known := schema.LookupStepType(step.Type)
		if !known {
			violations = append(violations, fmt.Sprintf("step %q: unknown type %q", step.ID, step.Type))
			continue
		}

		for _, field := range info.RequiredFields {
			if !stepHasField(step, field) {
				violations = append(violations, fmt.Sprintf("step %q: %s step requires field %q", step.ID, step.Type, field))
			}
		}

		if len(step.DeclaredUpdates()) > 0 && !info.SupportsStateUpdate {
			violations = append(violations, fmt.Sprintf("step %q: %s steps do not support embedded state updates", step.ID, step.Type))
		}

		switch step.Type {
		case schema.StepBreak, schema.StepContinue:
			if loopDepth == 0 {
				violations = append(violations, fmt.Sprintf("step %q: %s outside of any loop", step.ID, step.Type))
			}
		case schema.StepWhileLoop, schema.StepForeach:
			violations = append(violations, checkSteps(step.Body, def, loopDepth+1, inSubAgent)...)
		case schema.StepConditional:
			violations = append(violations, checkSteps(step.Then, def, loopDepth, inSubAgent)...)
			violations = append(violations, checkSteps(step.Else, def, loopDepth, inSubAgent)...)
		case schema.StepParallelForeach:
			if inSubAgent {
				violations = append(violations, fmt.Sprintf("step %q: parallel_foreach cannot nest inside a sub-agent task", step.ID))
				continue
			}
			if _, ok := def.SubAgentTasks[step.SubAgentTask]; !ok {
				violations = append(violations, fmt.Sprintf("step %q: references undefined sub_agent_task %q", step.ID, step.SubAgentTask))
			}
		}
	}
	return violations
}

// stepHasField reports whether a registry-required field is present,
// checking the typed control-flow fields first and the inline definition
// bag second.
func stepHasField(step *schema.WorkflowStep, field string) bool {
	switch field {
	case "condition":
		return step.Condition != ""
	case "items":
		return step.Items != ""
	case "body":
		return len(step.Body) > 0
	case "sub_agent_task":
		return step.SubAgentTask != ""
	case "path":
		if step.Definition != nil {
			if s, ok := step.Definition["path"].(string); ok && s != "" {
				return true
			}
		}
		return false
	default:
		if step.Definition == nil {
			return false
		}
		v, ok := step.Definition[field]
		if !ok {
			return false
		}
		if s, isStr := v.(string); isStr {
			return s != ""
		}
		return v != nil
	}
}

// checkDuplicateIDs flags repeated step IDs across the whole tree. Loop
// bodies are included because their steps share the pending-step
// namespace with top-level steps.
func checkDuplicateIDs(steps []*schema.WorkflowStep) []string {
	seen := make(map[string]struct{})
	var violations []string
	var walk func([]*schema.WorkflowStep)
	walk = func(list []*schema.WorkflowStep) {
		for _, s := range list {
			if s.ID != "" {
				if _, dup := seen[s.ID]; dup {
					violations = append(violations, fmt.Sprintf("duplicate step id %q", s.ID))
				}
				seen[s.ID] = struct{}{}
			}
			walk(s.Then)
			walk(s.Else)
			walk(s.Body)
		}
	}
	walk(steps)
	return violations
}
