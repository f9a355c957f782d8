package state

import (
	"sort"
	"strings"

	"github.com/aromcp/workflow-mcp/internal/expr"
	"github.com/aromcp/workflow-mcp/pkg/schema"
)

// computedGraph holds a workflow's computed fields in dependency order.
// Fields may depend on inputs, raw state, or other computed fields,
// including multi-source diamond shapes. Cycles are a configuration error
// caught at build time.
type computedGraph struct {
	fields map[string]*schema.ComputedFieldDef
	order  []string
}

// BuildComputedGraph validates a state schema's computed fields and
// returns them topologically ordered.
func BuildComputedGraph(ss *schema.StateSchema) (*computedGraph, error) {
	g := &computedGraph{fields: map[string]*schema.ComputedFieldDef{}}
	if ss == nil || len(ss.Computed) == 0 {
		return g, nil
	}

	deps := make(map[string][]string, len(ss.Computed))
	for name, def := range ss.Computed {
		if def == nil || len(def.From) == 0 || def.Transform == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"computed field %q needs both 'from' and 'transform'", name)
		}
		switch def.OnError {
		case "", schema.OnErrorUseFallback, schema.OnErrorPropagate, schema.OnErrorIgnore:
		default:
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"computed field %q has unknown on_error policy %q", name, def.OnError)
		}
		g.fields[name] = def
		for _, from := range def.From {
			if dep, ok := strings.CutPrefix(from, "computed."); ok {
				dep, _, _ = strings.Cut(dep, ".")
				if _, exists := ss.Computed[dep]; !exists {
					return nil, schema.NewErrorf(schema.ErrCodeValidation,
						"computed field %q depends on undefined computed field %q", name, dep)
				}
				deps[name] = append(deps[name], dep)
			}
		}
	}

	order, err := topoSort(g.fields, deps)
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

// topoSort orders fields so dependencies evaluate first, using
// three-color DFS for cycle detection.
func topoSort(fields map[string]*schema.ComputedFieldDef, deps map[string][]string) ([]string, error) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(fields))
	order := make([]string, 0, len(fields))

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic order among independent fields

	var visit func(name string) error
	visit = func(name string) error {
		color[name] = gray
		for _, dep := range deps[name] {
			switch color[dep] {
			case gray:
				return schema.NewErrorf(schema.ErrCodeCycleDetected,
					"computed field dependency cycle: %s -> %s", name, dep)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[name] = black
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if color[name] == white {
			if err := visit(name); err != nil {
				return nil, err
			}
		}
	}
	return order, nil
}

// Recompute re-derives every computed field against the given state, in
// dependency order, writing results into st.Computed. The caller passes a
// working copy, so a propagated failure leaves no observable change.
func (g *computedGraph) Recompute(st *schema.WorkflowState, ev *expr.Evaluator) error {
	if len(g.order) == 0 {
		if st.Computed == nil {
			st.Computed = map[string]any{}
		}
		return nil
	}

	st.Computed = make(map[string]any, len(g.order))
	for _, name := range g.order {
		def := g.fields[name]

		// Bind the source value(s) as "input": single value for one
		// source, ordered array for several.
		var input any
		if len(def.From) == 1 {
			input = lookupPath(st, def.From[0])
		} else {
			values := make([]any, len(def.From))
			for i, from := range def.From {
				values[i] = lookupPath(st, from)
			}
			input = values
		}

		scope := st.Flat()
		scope["input"] = input

		value, err := ev.Evaluate(def.Transform, scope)
		if err != nil {
			switch def.OnError {
			case schema.OnErrorPropagate:
				return schema.NewErrorf(schema.ErrCodeComputedField,
					"computed field %q transform failed: %s", name, err.Error()).WithCause(err)
			case schema.OnErrorIgnore:
				// Field stays absent; siblings still evaluate.
				continue
			default: // use_fallback
				st.Computed[name] = def.Fallback
				continue
			}
		}
		st.Computed[name] = value
	}
	return nil
}
