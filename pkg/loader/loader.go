// Package loader decodes YAML workflow definitions, assigns ids to unnamed
// steps, and runs the validation pipeline before a definition reaches the
// engine.
package loader

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aromcp/workflow-mcp/internal/validation"
	"github.com/aromcp/workflow-mcp/pkg/schema"
)

// Loader parses and validates workflow definitions.
type Loader struct {
	validator *validation.WorkflowValidator
}

// New creates a Loader with a fresh validation pipeline.
func New() (*Loader, error) {
	wv, err := validation.NewWorkflowValidator()
	if err != nil {
		return nil, fmt.Errorf("loader: init validator: %w", err)
	}
	return &Loader{validator: wv}, nil
}

// Parse decodes a workflow definition from YAML bytes without validating it.
// Unnamed steps get sequential ids.
func Parse(data []byte) (*schema.WorkflowDefinition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is empty")
	}
	var def schema.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode workflow definition: %v", err).WithCause(err)
	}
	assignStepIDs(&def)
	return &def, nil
}

// Load parses and validates a workflow definition from YAML bytes.
func (l *Loader) Load(data []byte) (*schema.WorkflowDefinition, error) {
	def, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := l.validator.Validate(def); err != nil {
		return nil, err
	}
	return def, nil
}

// LoadFile loads and validates a workflow definition from a file path.
func (l *Loader) LoadFile(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "read %s: %v", path, err).WithCause(err)
	}
	def, loadErr := l.Load(data)
	if loadErr != nil {
		return nil, schema.AsWorkflowError(loadErr).WithDetails(map[string]any{"path": path})
	}
	return def, nil
}

// ValidateInputs checks provided inputs against a definition's declarations.
func (l *Loader) ValidateInputs(def *schema.WorkflowDefinition, provided map[string]any) error {
	return l.validator.ValidateInputs(def.Inputs, provided)
}

// assignStepIDs gives every unnamed step a sequential id of the form
// "step_N". Ids already present are kept, and generated ids skip past any
// user-chosen id with the same shape.
func assignStepIDs(def *schema.WorkflowDefinition) {
	used := map[string]bool{}
	collectIDs(def.Steps, used)
	for _, task := range def.SubAgentTasks {
		if task != nil {
			collectIDs(task.Steps, used)
		}
	}

	next := 1
	assign := func(step *schema.WorkflowStep) {
		if step.ID != "" {
			return
		}
		for {
			id := fmt.Sprintf("step_%d", next)
			next++
			if !used[id] {
				step.ID = id
				used[id] = true
				return
			}
		}
	}
	walkSteps(def.Steps, assign)
	for _, task := range def.SubAgentTasks {
		if task != nil {
			walkSteps(task.Steps, assign)
		}
	}
}

func collectIDs(steps []*schema.WorkflowStep, used map[string]bool) {
	walkSteps(steps, func(step *schema.WorkflowStep) {
		if step.ID != "" {
			used[step.ID] = true
		}
	})
}

func walkSteps(steps []*schema.WorkflowStep, fn func(*schema.WorkflowStep)) {
	for _, step := range steps {
		if step == nil {
			continue
		}
		fn(step)
		walkSteps(step.Then, fn)
		walkSteps(step.Else, fn)
		walkSteps(step.Body, fn)
	}
}
