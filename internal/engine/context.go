// Package engine contains the queue-based workflow executor: control-flow
// flattening, scoped step processing, sub-agent fan-out, and the
// tool-facing façade.
package engine

import (
	"sync"

	"github.com/aromcp/workflow-mcp/pkg/schema"
)

// ExecutionContext is the per-workflow-instance (or per-task) holder of
// cross-step global variables. It is keyed by (workflow_id[, task_id])
// and passed by reference through the call chain; its lifecycle is tied
// to workflow/task termination.
type ExecutionContext struct {
	WorkflowID string
	TaskID     string

	mu      sync.RWMutex
	globals map[string]any
}

// NewExecutionContext creates an empty context. taskID is "" for the
// top-level workflow.
func NewExecutionContext(workflowID, taskID string) *ExecutionContext {
	return &ExecutionContext{
		WorkflowID: workflowID,
		TaskID:     taskID,
		globals:    make(map[string]any),
	}
}

// SetGlobal stores a cross-step persistent variable.
func (c *ExecutionContext) SetGlobal(key string, value any) {
	c.mu.Lock()
	c.globals[key] = value
	c.mu.Unlock()
}

// Global reads one global variable.
func (c *ExecutionContext) Global(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.globals[key]
	return v, ok
}

// Snapshot returns a deep copy of the global variables, safe to hand to
// expression scopes.
func (c *ExecutionContext) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return schema.DeepCopyMap(c.globals)
}
