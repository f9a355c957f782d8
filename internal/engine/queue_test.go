package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aromcp/workflow-mcp/pkg/schema"
)

// fakeResolver scripts condition/items evaluation so queue behavior can be
// tested without the expression engine.
type fakeResolver struct {
	conds     func(condition string, loop *LoopState) (bool, error)
	items     func(itemsExpr string, loop *LoopState) ([]any, error)
	condCalls []string
}

func (r *fakeResolver) EvaluateCondition(condition string, loop *LoopState) (bool, error) {
	r.condCalls = append(r.condCalls, condition)
	if r.conds == nil {
		return false, nil
	}
	return r.conds(condition, loop)
}

func (r *fakeResolver) EvaluateItems(itemsExpr string, loop *LoopState) ([]any, error) {
	if r.items == nil {
		return nil, nil
	}
	return r.items(itemsExpr, loop)
}

func leaf(id string) *schema.WorkflowStep {
	return &schema.WorkflowStep{ID: id, Type: schema.StepUserMessage}
}

func drain(t *testing.T, q *Queue, res Resolver) []string {
	t.Helper()
	var ids []string
	for {
		step, err := q.Next(res)
		require.NoError(t, err)
		if step == nil {
			return ids
		}
		ids = append(ids, step.ID)
	}
}

func TestQueue_FlatSequence(t *testing.T) {
	q := NewQueue([]*schema.WorkflowStep{leaf("a"), leaf("b"), leaf("c")})
	ids := drain(t, q, &fakeResolver{})
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.True(t, q.Empty())
}

func TestQueue_ConditionalBranches(t *testing.T) {
	build := func() *Queue {
		return NewQueue([]*schema.WorkflowStep{
			{
				ID:        "gate",
				Type:      schema.StepConditional,
				Condition: "flag",
				Then:      []*schema.WorkflowStep{leaf("then_1"), leaf("then_2")},
				Else:      []*schema.WorkflowStep{leaf("else_1")},
			},
			leaf("after"),
		})
	}

	t.Run("then branch", func(t *testing.T) {
		res := &fakeResolver{conds: func(string, *LoopState) (bool, error) { return true, nil }}
		assert.Equal(t, []string{"then_1", "then_2", "after"}, drain(t, build(), res))
	})

	t.Run("else branch", func(t *testing.T) {
		res := &fakeResolver{conds: func(string, *LoopState) (bool, error) { return false, nil }}
		assert.Equal(t, []string{"else_1", "after"}, drain(t, build(), res))
	})
}

// Conditions must be checked when execution reaches the step, not when the
// queue is built. A flag flipped after the first step changes the branch.
func TestQueue_ConditionEvaluatedAtReachTime(t *testing.T) {
	flag := false
	res := &fakeResolver{conds: func(string, *LoopState) (bool, error) { return flag, nil }}

	q := NewQueue([]*schema.WorkflowStep{
		leaf("first"),
		{ID: "gate", Type: schema.StepConditional, Condition: "flag", Then: []*schema.WorkflowStep{leaf("guarded")}},
	})

	step, err := q.Next(res)
	require.NoError(t, err)
	require.Equal(t, "first", step.ID)
	assert.Empty(t, res.condCalls, "condition must not be evaluated before the step is reached")

	flag = true
	step, err = q.Next(res)
	require.NoError(t, err)
	require.NotNil(t, step)
	assert.Equal(t, "guarded", step.ID)
}

func TestQueue_WhileLoop(t *testing.T) {
	remaining := 3
	res := &fakeResolver{conds: func(string, *LoopState) (bool, error) {
		return remaining > 0, nil
	}}

	q := NewQueue([]*schema.WorkflowStep{
		{ID: "loop", Type: schema.StepWhileLoop, Condition: "remaining > 0",
			Body: []*schema.WorkflowStep{leaf("work")}},
		leaf("after"),
	})

	var ids []string
	var iterations []int
	for {
		step, err := q.Next(res)
		require.NoError(t, err)
		if step == nil {
			break
		}
		ids = append(ids, step.ID)
		if step.ID == "work" {
			iterations = append(iterations, q.CurrentLoop().Iteration)
			remaining--
		}
	}

	assert.Equal(t, []string{"work", "work", "work", "after"}, ids)
	assert.Equal(t, []int{0, 1, 2}, iterations)
	// Entry check plus one re-check per completed iteration.
	assert.Len(t, res.condCalls, 4)
	assert.Equal(t, 0, q.LoopDepth())
}

func TestQueue_WhileLoopMaxIterations(t *testing.T) {
	res := &fakeResolver{conds: func(string, *LoopState) (bool, error) { return true, nil }}
	q := NewQueue([]*schema.WorkflowStep{
		{ID: "forever", Type: schema.StepWhileLoop, Condition: "true",
			MaxIterations: 5, Body: []*schema.WorkflowStep{leaf("tick")}},
	})
	ids := drain(t, q, res)
	assert.Equal(t, []string{"tick", "tick", "tick", "tick", "tick"}, ids)
}

func TestQueue_Foreach(t *testing.T) {
	res := &fakeResolver{items: func(string, *LoopState) ([]any, error) {
		return []any{"x", "y", "z"}, nil
	}}

	q := NewQueue([]*schema.WorkflowStep{
		{ID: "each", Type: schema.StepForeach, Items: "{{ inputs.files }}",
			Body: []*schema.WorkflowStep{leaf("visit")}},
	})

	type binding struct {
		item  any
		index int
		total int
	}
	var seen []binding
	for {
		step, err := q.Next(res)
		require.NoError(t, err)
		if step == nil {
			break
		}
		loop := q.CurrentLoop()
		seen = append(seen, binding{loop.Item, loop.Index, loop.Total})
	}

	assert.Equal(t, []binding{{"x", 0, 3}, {"y", 1, 3}, {"z", 2, 3}}, seen)
}

func TestQueue_ForeachEmptyItems(t *testing.T) {
	res := &fakeResolver{items: func(string, *LoopState) ([]any, error) { return []any{}, nil }}
	q := NewQueue([]*schema.WorkflowStep{
		{ID: "each", Type: schema.StepForeach, Items: "{{ inputs.none }}",
			Body: []*schema.WorkflowStep{leaf("never")}},
		leaf("after"),
	})
	assert.Equal(t, []string{"after"}, drain(t, q, res))
}

func TestQueue_BreakUnwindsInnermostLoop(t *testing.T) {
	res := &fakeResolver{items: func(_ string, loop *LoopState) ([]any, error) {
		if loop == nil {
			return []any{"outer_1", "outer_2"}, nil
		}
		return []any{"inner_1", "inner_2"}, nil
	}}

	q := NewQueue([]*schema.WorkflowStep{
		{ID: "outer", Type: schema.StepForeach, Items: "outer_items", Body: []*schema.WorkflowStep{
			leaf("before_inner"),
			{ID: "inner", Type: schema.StepForeach, Items: "inner_items", Body: []*schema.WorkflowStep{
				leaf("inner_work"),
				{ID: "stop", Type: schema.StepBreak},
				leaf("skipped"),
			}},
			leaf("after_inner"),
		}},
		leaf("done"),
	})

	// break fires in the first inner iteration, so each outer iteration
	// visits the inner body exactly once and outer iteration continues.
	ids := drain(t, q, res)
	assert.Equal(t, []string{
		"before_inner", "inner_work", "after_inner",
		"before_inner", "inner_work", "after_inner",
		"done",
	}, ids)
}

func TestQueue_ContinueSkipsRestOfIteration(t *testing.T) {
	res := &fakeResolver{items: func(string, *LoopState) ([]any, error) {
		return []any{1.0, 2.0, 3.0}, nil
	}}

	q := NewQueue([]*schema.WorkflowStep{
		{ID: "each", Type: schema.StepForeach, Items: "items", Body: []*schema.WorkflowStep{
			leaf("always"),
			{ID: "skip", Type: schema.StepContinue},
			leaf("never"),
		}},
		leaf("after"),
	})

	ids := drain(t, q, res)
	assert.Equal(t, []string{"always", "always", "always", "after"}, ids)
}

func TestQueue_LoopControlOutsideLoop(t *testing.T) {
	for _, typ := range []schema.StepType{schema.StepBreak, schema.StepContinue} {
		t.Run(string(typ), func(t *testing.T) {
			q := NewQueue([]*schema.WorkflowStep{{ID: "stray", Type: typ}})
			_, err := q.Next(&fakeResolver{})
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeLoopControl, schema.AsWorkflowError(err).Code)
		})
	}
}

func TestQueue_ConditionErrorCarriesStepID(t *testing.T) {
	res := &fakeResolver{conds: func(string, *LoopState) (bool, error) {
		return false, schema.NewError(schema.ErrCodeExpression, "boom")
	}}
	q := NewQueue([]*schema.WorkflowStep{
		{ID: "gate", Type: schema.StepConditional, Condition: "bad"},
	})
	_, err := q.Next(res)
	require.Error(t, err)
	werr := schema.AsWorkflowError(err)
	assert.Equal(t, schema.ErrCodeExpression, werr.Code)
	assert.Equal(t, "gate", werr.StepID)
}
