package state

import (
	"sync"

	"github.com/aromcp/workflow-mcp/internal/expr"
	"github.com/aromcp/workflow-mcp/pkg/schema"
)

// Manager owns WorkflowState instances keyed by workflow ID (or
// "workflowID:taskID" for sub-agent tasks, which gives each task a fully
// isolated state entry). All operations on one entry serialize on a
// per-entry lock.
type Manager struct {
	evaluator *expr.Evaluator

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	mu    sync.Mutex
	state *schema.WorkflowState
	graph *computedGraph
}

// NewManager creates a Manager sharing the given expression evaluator.
func NewManager(evaluator *expr.Evaluator) *Manager {
	return &Manager{
		evaluator: evaluator,
		entries:   make(map[string]*entry),
	}
}

// Register seeds a new state entry: inputs as bound, a deep copy of the
// default state, and an initial computed pass. Registering builds the
// computed dependency graph, so schema cycles fail here.
func (m *Manager) Register(id string, ss *schema.StateSchema, inputs, defaultState map[string]any) (*schema.WorkflowState, error) {
	graph, err := BuildComputedGraph(ss)
	if err != nil {
		return nil, err
	}

	st := &schema.WorkflowState{
		Inputs: schema.DeepCopyMap(inputs),
		State:  schema.DeepCopyMap(defaultState),
	}
	if st.Inputs == nil {
		st.Inputs = map[string]any{}
	}
	if st.State == nil {
		st.State = map[string]any{}
	}
	if err := graph.Recompute(st, m.evaluator); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[id]; exists {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"state for %q is already registered", id)
	}
	m.entries[id] = &entry{state: st, graph: graph}
	return st.Clone(), nil
}

// Unregister drops a state entry. Called on workflow/task termination.
func (m *Manager) Unregister(id string) {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
}

func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no state registered for %q", id)
	}
	return e, nil
}

// Read returns a snapshot of the current state.
func (m *Manager) Read(id string) (*schema.WorkflowState, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone(), nil
}

// Update applies a batch of state updates atomically. Every path is
// validated before anything is applied; any invalid path, failed
// operation, or propagated computed-field error rejects the whole batch
// and leaves the state untouched. On success the returned snapshot already
// reflects recomputed fields, so readers never observe stale computed
// values.
func (m *Manager) Update(id string, updates []schema.StateUpdate, globals Globals) (*schema.WorkflowState, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Validate the whole batch first.
	parsed := make([]parsedPath, len(updates))
	for i, u := range updates {
		p, err := parsePath(u.Path, globals != nil)
		if err != nil {
			return nil, err
		}
		parsed[i] = p
	}

	// Apply to a working copy; swap only on full success.
	working := e.state.Clone()
	var globalUpdates map[string]any
	if globals != nil {
		globalUpdates = schema.DeepCopyMap(globals.Snapshot())
		if globalUpdates == nil {
			globalUpdates = make(map[string]any)
		}
	} else {
		globalUpdates = make(map[string]any)
	}
	for i, u := range updates {
		switch parsed[i].tier {
		case "inputs":
			if err := applyOp(working.Inputs, parsed[i], u); err != nil {
				return nil, err
			}
		case "state":
			if err := applyOp(working.State, parsed[i], u); err != nil {
				return nil, err
			}
		case "global":
			// Staged until the batch commits.
			target := globalUpdates
			p := parsed[i]
			if err := applyOp(target, p, u); err != nil {
				return nil, err
			}
		}
	}

	if err := e.graph.Recompute(working, m.evaluator); err != nil {
		return nil, err
	}

	e.state = working
	if globals != nil {
		for k, v := range globalUpdates {
			globals.SetGlobal(k, v)
		}
	}
	return working.Clone(), nil
}
