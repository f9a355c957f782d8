package schema

// WorkflowStatus enumerates workflow lifecycle states.
type WorkflowStatus string

const (
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
)

// TaskStatus enumerates sub-agent task lifecycle states.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// WorkflowState is the three-tier state model. Computed is derived only
// and is always consistent with the latest inputs/state after any
// accepted update.
type WorkflowState struct {
	Inputs   map[string]any `json:"inputs"`
	State    map[string]any `json:"state"`
	Computed map[string]any `json:"computed"`
}

// Clone returns a deep copy of the state, safe for the caller to mutate.
func (s *WorkflowState) Clone() *WorkflowState {
	if s == nil {
		return nil
	}
	return &WorkflowState{
		Inputs:   DeepCopyMap(s.Inputs),
		State:    DeepCopyMap(s.State),
		Computed: DeepCopyMap(s.Computed),
	}
}

// Flat returns the state as one mapping with the three tiers as keys,
// plus the legacy "raw" alias for the state tier.
func (s *WorkflowState) Flat() map[string]any {
	return map[string]any{
		"inputs":   s.Inputs,
		"state":    s.State,
		"computed": s.Computed,
		"raw":      s.State,
	}
}

// State-update operations.
const (
	OpSet       = "set"
	OpIncrement = "increment"
	OpAppend    = "append"
	OpMerge     = "merge"
)

// StateUpdate is one entry in an update batch. Operation defaults to set.
type StateUpdate struct {
	Path      string `yaml:"path" json:"path"`
	Value     any    `yaml:"value" json:"value"`
	Operation string `yaml:"operation,omitempty" json:"operation,omitempty"`
}

// DeepCopyMap creates a deep copy of a map[string]any.
func DeepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyValue(v)
	}
	return cp
}

// deepCopyValue recursively copies maps and slices; primitives are value types.
func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return DeepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyValue(item)
		}
		return cp
	default:
		return v
	}
}
