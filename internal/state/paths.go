// Package state owns per-workflow three-tier state: inputs, raw state, and
// computed fields recomputed through a dependency graph after every update.
package state

import (
	"strings"

	"github.com/aromcp/workflow-mcp/pkg/schema"
)

// Globals is the slice of an execution context the state layer needs to
// apply global.* updates. Implemented by engine.ExecutionContext.
type Globals interface {
	SetGlobal(key string, value any)
	Snapshot() map[string]any
}

// parsedPath is a validated update path resolved to its target tier.
type parsedPath struct {
	tier     string // inputs|state|global
	segments []string
}

// ValidateUpdatePath checks a single update path. Accepted scopes are
// inputs.*, state.*, this.* and legacy raw.* (both aliases of state), and
// global.* when an execution context is present. computed.* is derived
// only and loop.* is engine-populated; both are rejected.
func ValidateUpdatePath(path string, hasContext bool) error {
	_, err := parsePath(path, hasContext)
	return err
}

func parsePath(path string, hasContext bool) (parsedPath, error) {
	parts := strings.Split(path, ".")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return parsedPath{}, schema.NewErrorf(schema.ErrCodeInvalidPath,
			"invalid update path %q: expected <scope>.<field>", path)
	}

	scope, rest := parts[0], parts[1:]
	for _, seg := range rest {
		if seg == "" {
			return parsedPath{}, schema.NewErrorf(schema.ErrCodeInvalidPath,
				"invalid update path %q: empty path segment", path)
		}
	}

	switch scope {
	case "inputs":
		return parsedPath{tier: "inputs", segments: rest}, nil
	case "state", "raw", "this":
		return parsedPath{tier: "state", segments: rest}, nil
	case "global":
		if !hasContext {
			return parsedPath{}, schema.NewErrorf(schema.ErrCodeInvalidPath,
				"path %q requires an execution context for the global scope", path)
		}
		return parsedPath{tier: "global", segments: rest}, nil
	case "computed":
		return parsedPath{}, schema.NewErrorf(schema.ErrCodeInvalidPath,
			"path %q is not writable: computed fields are derived only", path)
	case "loop":
		return parsedPath{}, schema.NewErrorf(schema.ErrCodeInvalidPath,
			"path %q is not writable: loop scope is read-only", path)
	default:
		return parsedPath{}, schema.NewErrorf(schema.ErrCodeInvalidPath,
			"unknown scope %q in update path %q; valid scopes: inputs, state, this, global", scope, path)
	}
}

// applyOp applies one update operation to a tier mapping, creating
// intermediate objects as needed.
func applyOp(tier map[string]any, p parsedPath, update schema.StateUpdate) error {
	parent, err := containerFor(tier, p)
	if err != nil {
		return err
	}
	leaf := p.segments[len(p.segments)-1]

	op := update.Operation
	if op == "" {
		op = schema.OpSet
	}

	switch op {
	case schema.OpSet:
		parent[leaf] = update.Value

	case schema.OpIncrement:
		delta := 1.0
		if update.Value != nil {
			delta = toFloat(update.Value)
		}
		parent[leaf] = toFloat(parent[leaf]) + delta

	case schema.OpAppend:
		existing := parent[leaf]
		if existing == nil {
			parent[leaf] = []any{update.Value}
			return nil
		}
		list, ok := existing.([]any)
		if !ok {
			return schema.NewErrorf(schema.ErrCodeInvalidPath,
				"cannot append at %q: existing value is not a list", update.Path)
		}
		parent[leaf] = append(list, update.Value)

	case schema.OpMerge:
		incoming, ok := update.Value.(map[string]any)
		if !ok {
			return schema.NewErrorf(schema.ErrCodeInvalidPath,
				"cannot merge at %q: value is not an object", update.Path)
		}
		existing, ok := parent[leaf].(map[string]any)
		if !ok {
			if parent[leaf] != nil {
				return schema.NewErrorf(schema.ErrCodeInvalidPath,
					"cannot merge at %q: existing value is not an object", update.Path)
			}
			existing = make(map[string]any)
		}
		// Shallow merge: incoming keys win, untouched keys survive.
		for k, v := range incoming {
			existing[k] = v
		}
		parent[leaf] = existing

	default:
		return schema.NewErrorf(schema.ErrCodeInvalidPath,
			"unknown operation %q for path %q", op, update.Path)
	}
	return nil
}

// containerFor walks or creates intermediate maps down to the leaf's parent.
func containerFor(tier map[string]any, p parsedPath) (map[string]any, error) {
	current := tier
	for _, seg := range p.segments[:len(p.segments)-1] {
		next, exists := current[seg]
		if !exists || next == nil {
			child := make(map[string]any)
			current[seg] = child
			current = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidPath,
				"cannot traverse into %q: not an object", seg)
		}
		current = child
	}
	return current, nil
}

func toFloat(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case bool:
		if val {
			return 1
		}
		return 0
	default:
		return 0
	}
}

// lookupPath reads a dotted path from the full state, returning nil for
// anything missing. Used by computed-field source resolution.
func lookupPath(st *schema.WorkflowState, path string) any {
	flat := st.Flat()
	parts := strings.Split(path, ".")

	var current any
	if len(parts) > 0 {
		tier, ok := flat[parts[0]]
		if !ok {
			return nil
		}
		current = tier
		parts = parts[1:]
	}

	for _, seg := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[seg]
	}
	return current
}
