package schema

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// WorkflowDefinition is the YAML workflow format. Immutable once loaded.
type WorkflowDefinition struct {
	Name          string                       `yaml:"name" json:"name"`
	Description   string                       `yaml:"description,omitempty" json:"description,omitempty"`
	Version       string                       `yaml:"version,omitempty" json:"version,omitempty"`
	Inputs        map[string]*InputDef         `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	DefaultState  map[string]any               `yaml:"default_state,omitempty" json:"default_state,omitempty"`
	StateSchema   *StateSchema                 `yaml:"state_schema,omitempty" json:"state_schema,omitempty"`
	Steps         []*WorkflowStep              `yaml:"steps" json:"steps"`
	SubAgentTasks map[string]*SubAgentTaskDef  `yaml:"sub_agent_tasks,omitempty" json:"sub_agent_tasks,omitempty"`
	TimeoutSecs   int                          `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// InputDef declares one workflow input parameter.
type InputDef struct {
	Type        string `yaml:"type,omitempty" json:"type,omitempty"` // string|number|boolean|object|array
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Required    bool   `yaml:"required,omitempty" json:"required,omitempty"`
	Default     any    `yaml:"default,omitempty" json:"default,omitempty"`
}

// StateSchema declares derived state. Only computed fields for now.
type StateSchema struct {
	Computed map[string]*ComputedFieldDef `yaml:"computed,omitempty" json:"computed,omitempty"`
}

// Computed-field error policies.
const (
	OnErrorUseFallback = "use_fallback"
	OnErrorPropagate   = "propagate"
	OnErrorIgnore      = "ignore"
)

// ComputedFieldDef derives one state value from one or more source paths.
// The transform expression is evaluated with "input" bound to the source
// value (or the ordered array of values for multi-source fields).
type ComputedFieldDef struct {
	From      StringList `yaml:"from" json:"from"`
	Transform string     `yaml:"transform" json:"transform"`
	OnError   string     `yaml:"on_error,omitempty" json:"on_error,omitempty"` // use_fallback|propagate|ignore
	Fallback  any        `yaml:"fallback,omitempty" json:"fallback,omitempty"`
}

// StringList accepts a scalar string or a sequence of strings.
type StringList []string

func (s *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var single string
		if err := node.Decode(&single); err != nil {
			return err
		}
		*s = StringList{single}
		return nil
	case yaml.SequenceNode:
		var many []string
		if err := node.Decode(&many); err != nil {
			return err
		}
		*s = StringList(many)
		return nil
	default:
		return fmt.Errorf("expected string or list of strings, got yaml kind %d", node.Kind)
	}
}

func (s *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = StringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("expected string or list of strings: %w", err)
	}
	*s = StringList(many)
	return nil
}

// SubAgentTaskDef is the template instantiated once per item in a
// parallel_foreach. Each instantiation gets its own state and queue.
type SubAgentTaskDef struct {
	Name         string               `yaml:"name,omitempty" json:"name,omitempty"`
	Description  string               `yaml:"description,omitempty" json:"description,omitempty"`
	Inputs       map[string]*InputDef `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	DefaultState map[string]any       `yaml:"default_state,omitempty" json:"default_state,omitempty"`
	StateSchema  *StateSchema         `yaml:"state_schema,omitempty" json:"state_schema,omitempty"`
	Steps        []*WorkflowStep      `yaml:"steps" json:"steps"`
	TimeoutSecs  int                  `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// WorkflowStep is a single step. Control-flow fields (condition, body,
// then/else, items) are populated for control steps; everything the engine
// does not recognize lands in Definition and is interpreted per the
// step-type registry entry.
type WorkflowStep struct {
	ID   string   `yaml:"id,omitempty" json:"id,omitempty"`
	Type StepType `yaml:"type" json:"type"`

	// Control flow.
	Condition     string          `yaml:"condition,omitempty" json:"condition,omitempty"`
	Then          []*WorkflowStep `yaml:"then,omitempty" json:"then,omitempty"`
	Else          []*WorkflowStep `yaml:"else,omitempty" json:"else,omitempty"`
	Items         string          `yaml:"items,omitempty" json:"items,omitempty"`
	Body          []*WorkflowStep `yaml:"body,omitempty" json:"body,omitempty"`
	MaxIterations int             `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`

	// parallel_foreach.
	SubAgentTask string `yaml:"sub_agent_task,omitempty" json:"sub_agent_task,omitempty"`
	MaxParallel  int    `yaml:"max_parallel,omitempty" json:"max_parallel,omitempty"`

	// Embedded state updates, applied through the StateManager.
	StateUpdate  *StateUpdate  `yaml:"state_update,omitempty" json:"state_update,omitempty"`
	StateUpdates []StateUpdate `yaml:"state_updates,omitempty" json:"state_updates,omitempty"`

	// Step execution policy.
	TimeoutSecs   int            `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	ErrorHandling *ErrorHandling `yaml:"error_handling,omitempty" json:"error_handling,omitempty"`

	// Type-specific fields (message, command, tool, prompt, ...).
	Definition map[string]any `yaml:",inline" json:"definition,omitempty"`
}

// DeclaredUpdates returns the embedded state updates of a step,
// normalizing the singular and plural forms.
func (s *WorkflowStep) DeclaredUpdates() []StateUpdate {
	if s.StateUpdate != nil {
		return append([]StateUpdate{*s.StateUpdate}, s.StateUpdates...)
	}
	return s.StateUpdates
}

// Clone deep-copies a step tree. Sub-agent expansion clones templates so
// task-local mutation never leaks across tasks.
func (s *WorkflowStep) Clone() *WorkflowStep {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Then = CloneSteps(s.Then)
	cp.Else = CloneSteps(s.Else)
	cp.Body = CloneSteps(s.Body)
	if s.StateUpdate != nil {
		u := *s.StateUpdate
		u.Value = deepCopyValue(s.StateUpdate.Value)
		cp.StateUpdate = &u
	}
	if s.StateUpdates != nil {
		cp.StateUpdates = make([]StateUpdate, len(s.StateUpdates))
		for i, u := range s.StateUpdates {
			u.Value = deepCopyValue(u.Value)
			cp.StateUpdates[i] = u
		}
	}
	if s.ErrorHandling != nil {
		eh := *s.ErrorHandling
		eh.FallbackValue = deepCopyValue(s.ErrorHandling.FallbackValue)
		cp.ErrorHandling = &eh
	}
	if s.Definition != nil {
		cp.Definition = DeepCopyMap(s.Definition)
	}
	return &cp
}

// CloneSteps deep-copies a step list.
func CloneSteps(steps []*WorkflowStep) []*WorkflowStep {
	if steps == nil {
		return nil
	}
	cp := make([]*WorkflowStep, len(steps))
	for i, s := range steps {
		cp[i] = s.Clone()
	}
	return cp
}

// Error-handling strategies for step failures (timeouts, non-zero exits).
const (
	ErrorStrategyFail     = "fail"
	ErrorStrategyRetry    = "retry"
	ErrorStrategyContinue = "continue"
	ErrorStrategyFallback = "fallback"
)

// ErrorHandling configures how a step failure is resolved.
type ErrorHandling struct {
	Strategy      string  `yaml:"strategy" json:"strategy"` // fail|retry|continue|fallback
	MaxRetries    int     `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	RetryDelaySec float64 `yaml:"retry_delay,omitempty" json:"retry_delay,omitempty"`
	FallbackValue any     `yaml:"fallback_value,omitempty" json:"fallback_value,omitempty"`
}
