package engine

import (
	"fmt"

	"github.com/aromcp/workflow-mcp/pkg/schema"
)

// DefaultMaxIterations bounds while_loop/foreach iteration when a
// definition does not set max_iterations.
const DefaultMaxIterations = 100

// LoopState tracks one active loop: its bindings (item/index/total/
// iteration) and what it needs to decide re-entry. The stack of these is
// the loop context consulted for the "loop" scope.
type LoopState struct {
	ID            string
	Type          schema.StepType // while_loop or foreach
	Condition     string          // while_loop re-entry condition, kept verbatim
	Items         []any           // foreach item list, bound once at loop entry
	Item          any
	Index         int
	Total         int
	Iteration     int
	MaxIterations int
	body          []*schema.WorkflowStep
}

// Bindings returns the read-only loop scope for template resolution.
func (l *LoopState) Bindings() map[string]any {
	if l == nil {
		return map[string]any{}
	}
	return map[string]any{
		"item":      l.Item,
		"index":     float64(l.Index),
		"total":     float64(l.Total),
		"iteration": float64(l.Iteration),
	}
}

// Resolver supplies runtime evaluation to the queue. Conditions and item
// expressions are always evaluated against the state current at the moment
// a step is reached, never a value cached at expansion time.
type Resolver interface {
	EvaluateCondition(condition string, loop *LoopState) (bool, error)
	EvaluateItems(itemsExpr string, loop *LoopState) ([]any, error)
}

// queuedEntry is one slot in the flattened pending sequence. A marker
// entry is the boundary of one loop iteration: reaching it triggers the
// loop's re-entry decision.
type queuedEntry struct {
	step   *schema.WorkflowStep
	loopID string // innermost enclosing loop at expansion time
	marker bool
}

// Queue converts a nested step tree into a linear, resumable sequence.
// Control-flow steps are consumed during flattening; expansion is lazy, so
// every condition is checked only when execution actually reaches it.
type Queue struct {
	pending []queuedEntry
	loops   []*LoopState
	seq     int
}

// NewQueue seeds a queue with the workflow's top-level steps.
func NewQueue(steps []*schema.WorkflowStep) *Queue {
	q := &Queue{}
	for _, s := range steps {
		q.pending = append(q.pending, queuedEntry{step: s})
	}
	return q
}

// Empty reports whether no pending work remains.
func (q *Queue) Empty() bool {
	return len(q.pending) == 0
}

// CurrentLoop returns the innermost active loop, or nil outside any loop.
func (q *Queue) CurrentLoop() *LoopState {
	if len(q.loops) == 0 {
		return nil
	}
	return q.loops[len(q.loops)-1]
}

// LoopDepth returns the number of active loops.
func (q *Queue) LoopDepth() int {
	return len(q.loops)
}

// Next advances the queue to the next executable (leaf) step, expanding
// control flow along the way. It returns nil when the queue is exhausted.
func (q *Queue) Next(res Resolver) (*schema.WorkflowStep, error) {
	for len(q.pending) > 0 {
		e := q.pending[0]
		q.pending = q.pending[1:]

		if e.marker {
			if err := q.advanceLoop(e.loopID, res); err != nil {
				return nil, err
			}
			continue
		}

		switch e.step.Type {
		case schema.StepConditional:
			if err := q.expandConditional(e, res); err != nil {
				return nil, err
			}
		case schema.StepWhileLoop:
			if err := q.enterWhile(e, res); err != nil {
				return nil, err
			}
		case schema.StepForeach:
			if err := q.enterForeach(e, res); err != nil {
				return nil, err
			}
		case schema.StepBreak:
			if err := q.breakLoop(e.step); err != nil {
				return nil, err
			}
		case schema.StepContinue:
			if err := q.continueLoop(e.step); err != nil {
				return nil, err
			}
		default:
			return e.step, nil
		}
	}
	return nil, nil
}

// expandConditional evaluates the branch condition at reach time, against
// the context current right now, and splices the chosen branch in front.
// Lazy expansion is what keeps templated conditions (e.g. referencing a
// computed field that does not exist yet at definition time) from being
// collapsed to false prematurely.
func (q *Queue) expandConditional(e queuedEntry, res Resolver) error {
	ok, err := res.EvaluateCondition(e.step.Condition, q.CurrentLoop())
	if err != nil {
		return schema.AsWorkflowError(err).WithStep(e.step.ID)
	}
	branch := e.step.Else
	if ok {
		branch = e.step.Then
	}
	q.pushFront(branch, e.loopID)
	return nil
}

func (q *Queue) enterWhile(e queuedEntry, res Resolver) error {
	loop := &LoopState{
		ID:            q.loopID(e.step),
		Type:          schema.StepWhileLoop,
		Condition:     e.step.Condition,
		MaxIterations: maxIterations(e.step),
		body:          e.step.Body,
	}
	ok, err := res.EvaluateCondition(loop.Condition, q.CurrentLoop())
	if err != nil {
		return schema.AsWorkflowError(err).WithStep(e.step.ID)
	}
	if !ok {
		return nil
	}
	q.loops = append(q.loops, loop)
	q.pushIteration(loop)
	return nil
}

func (q *Queue) enterForeach(e queuedEntry, res Resolver) error {
	items, err := res.EvaluateItems(e.step.Items, q.CurrentLoop())
	if err != nil {
		return schema.AsWorkflowError(err).WithStep(e.step.ID)
	}
	if len(items) == 0 {
		return nil
	}
	loop := &LoopState{
		ID:            q.loopID(e.step),
		Type:          schema.StepForeach,
		Items:         items,
		Item:          items[0],
		Total:         len(items),
		MaxIterations: maxIterations(e.step),
		body:          e.step.Body,
	}
	q.loops = append(q.loops, loop)
	q.pushIteration(loop)
	return nil
}

// advanceLoop is the re-entry decision at an iteration boundary. While
// loops re-evaluate their condition against the state *now*; foreach loops
// advance to the next item.
func (q *Queue) advanceLoop(loopID string, res Resolver) error {
	loop := q.CurrentLoop()
	if loop == nil || loop.ID != loopID {
		// A break already unwound this loop; stale markers are inert.
		return nil
	}

	loop.Iteration++
	switch loop.Type {
	case schema.StepWhileLoop:
		if loop.Iteration >= loop.MaxIterations {
			q.popLoop()
			return nil
		}
		// Condition re-checked against current state, never cached.
		ok, err := res.EvaluateCondition(loop.Condition, loop)
		if err != nil {
			return err
		}
		if !ok {
			q.popLoop()
			return nil
		}
		q.pushIteration(loop)
	case schema.StepForeach:
		loop.Index++
		if loop.Index >= loop.Total || loop.Iteration >= loop.MaxIterations {
			q.popLoop()
			return nil
		}
		loop.Item = loop.Items[loop.Index]
		q.pushIteration(loop)
	}
	return nil
}

// breakLoop unwinds the innermost loop: discards its remaining queued
// entries up to and including its iteration marker, then pops it.
func (q *Queue) breakLoop(step *schema.WorkflowStep) error {
	loop := q.CurrentLoop()
	if loop == nil {
		return schema.NewError(schema.ErrCodeLoopControl,
			"break used outside of any loop").WithStep(step.ID)
	}
	q.discardUntilMarker(loop.ID, true)
	q.popLoop()
	return nil
}

// continueLoop short-circuits the rest of the current iteration: entries
// are dropped up to the iteration marker, which then runs the re-entry
// decision as usual.
func (q *Queue) continueLoop(step *schema.WorkflowStep) error {
	loop := q.CurrentLoop()
	if loop == nil {
		return schema.NewError(schema.ErrCodeLoopControl,
			"continue used outside of any loop").WithStep(step.ID)
	}
	q.discardUntilMarker(loop.ID, false)
	return nil
}

func (q *Queue) pushIteration(loop *LoopState) {
	entries := make([]queuedEntry, 0, len(loop.body)+1)
	for _, s := range loop.body {
		entries = append(entries, queuedEntry{step: s, loopID: loop.ID})
	}
	entries = append(entries, queuedEntry{loopID: loop.ID, marker: true})
	q.pending = append(entries, q.pending...)
}

func (q *Queue) pushFront(steps []*schema.WorkflowStep, loopID string) {
	if len(steps) == 0 {
		return
	}
	entries := make([]queuedEntry, len(steps))
	for i, s := range steps {
		entries[i] = queuedEntry{step: s, loopID: loopID}
	}
	q.pending = append(entries, q.pending...)
}

func (q *Queue) discardUntilMarker(loopID string, inclusive bool) {
	for i, e := range q.pending {
		if e.marker && e.loopID == loopID {
			if inclusive {
				q.pending = q.pending[i+1:]
			} else {
				q.pending = q.pending[i:]
			}
			return
		}
	}
	q.pending = nil
}

func (q *Queue) popLoop() {
	if n := len(q.loops); n > 0 {
		q.loops = q.loops[:n-1]
	}
}

func (q *Queue) loopID(step *schema.WorkflowStep) string {
	if step.ID != "" {
		return step.ID
	}
	q.seq++
	return fmt.Sprintf("loop_%d", q.seq)
}

func maxIterations(step *schema.WorkflowStep) int {
	if step.MaxIterations > 0 {
		return step.MaxIterations
	}
	return DefaultMaxIterations
}
