package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aromcp/workflow-mcp/pkg/schema"
)

func newValidator(t *testing.T) *WorkflowValidator {
	t.Helper()
	wv, err := NewWorkflowValidator()
	require.NoError(t, err)
	return wv
}

func TestValidate_AcceptsCompleteDefinition(t *testing.T) {
	wv := newValidator(t)
	def := validDefinition()
	def.SubAgentTasks = map[string]*schema.SubAgentTaskDef{
		"lint_file": {
			Steps: []*schema.WorkflowStep{
				{ID: "lint", Type: schema.StepMCPCall, Definition: map[string]any{"tool": "lint"}},
			},
		},
	}
	def.Steps = append(def.Steps, &schema.WorkflowStep{
		ID:           "fan",
		Type:         schema.StepParallelForeach,
		Items:        "{{ inputs.files }}",
		SubAgentTask: "lint_file",
	})
	require.NoError(t, wv.Validate(def))
}

func TestValidate_RegistryRequiredFields(t *testing.T) {
	wv := newValidator(t)

	cases := map[string]*schema.WorkflowStep{
		"user_message without message": {ID: "m", Type: schema.StepUserMessage},
		"mcp_call without tool":        {ID: "c", Type: schema.StepMCPCall},
		"shell without command":        {ID: "s", Type: schema.StepShellCommand},
		"conditional without condition": {ID: "g", Type: schema.StepConditional,
			Then: []*schema.WorkflowStep{{ID: "x", Type: schema.StepUserMessage, Definition: map[string]any{"message": "x"}}}},
		"while without body": {ID: "w", Type: schema.StepWhileLoop, Condition: "true"},
	}
	for name, step := range cases {
		t.Run(name, func(t *testing.T) {
			def := validDefinition()
			def.Steps = []*schema.WorkflowStep{step}
			err := wv.Validate(def)
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeValidation, schema.AsWorkflowError(err).Code)
		})
	}
}

func TestValidate_UnknownStepType(t *testing.T) {
	wv := newValidator(t)
	def := validDefinition()
	def.Steps = []*schema.WorkflowStep{{ID: "x", Type: "levitate"}}
	require.Error(t, wv.Validate(def))
}

func TestValidate_LoopControlPlacement(t *testing.T) {
	wv := newValidator(t)

	t.Run("break outside loop", func(t *testing.T) {
		def := validDefinition()
		def.Steps = append(def.Steps, &schema.WorkflowStep{ID: "b", Type: schema.StepBreak})
		require.Error(t, wv.Validate(def))
	})

	t.Run("break inside loop body", func(t *testing.T) {
		def := validDefinition()
		def.Steps = append(def.Steps, &schema.WorkflowStep{
			ID: "w", Type: schema.StepWhileLoop, Condition: "state.count < 3",
			Body: []*schema.WorkflowStep{{ID: "b", Type: schema.StepBreak}},
		})
		require.NoError(t, wv.Validate(def))
	})

	t.Run("continue in conditional outside loop", func(t *testing.T) {
		def := validDefinition()
		def.Steps = append(def.Steps, &schema.WorkflowStep{
			ID: "g", Type: schema.StepConditional, Condition: "true",
			Then: []*schema.WorkflowStep{{ID: "c", Type: schema.StepContinue}},
		})
		require.Error(t, wv.Validate(def))
	})

	t.Run("continue in conditional inside loop", func(t *testing.T) {
		def := validDefinition()
		def.Steps = append(def.Steps, &schema.WorkflowStep{
			ID: "w", Type: schema.StepWhileLoop, Condition: "state.count < 3",
			Body: []*schema.WorkflowStep{{
				ID: "g", Type: schema.StepConditional, Condition: "true",
				Then: []*schema.WorkflowStep{{ID: "c", Type: schema.StepContinue}},
			}},
		})
		require.NoError(t, wv.Validate(def))
	})
}

func TestValidate_SubAgentReferences(t *testing.T) {
	wv := newValidator(t)

	t.Run("undefined task reference", func(t *testing.T) {
		def := validDefinition()
		def.Steps = append(def.Steps, &schema.WorkflowStep{
			ID: "fan", Type: schema.StepParallelForeach,
			Items: "{{ inputs.files }}", SubAgentTask: "ghost",
		})
		err := wv.Validate(def)
		require.Error(t, err)
		assert.Contains(t, schema.AsWorkflowError(err).Message, "ghost")
	})

	t.Run("nested fan-out rejected", func(t *testing.T) {
		def := validDefinition()
		def.SubAgentTasks = map[string]*schema.SubAgentTaskDef{
			"outer": {Steps: []*schema.WorkflowStep{{
				ID: "inner_fan", Type: schema.StepParallelForeach,
				Items: "{{ inputs.files }}", SubAgentTask: "outer",
			}}},
		}
		def.Steps = append(def.Steps, &schema.WorkflowStep{
			ID: "fan", Type: schema.StepParallelForeach,
			Items: "{{ inputs.files }}", SubAgentTask: "outer",
		})
		require.Error(t, wv.Validate(def))
	})
}

func TestValidate_EmbeddedUpdatesOnlyWhereSupported(t *testing.T) {
	wv := newValidator(t)
	def := validDefinition()
	def.Steps = []*schema.WorkflowStep{{
		ID: "m", Type: schema.StepUserMessage,
		Definition:  map[string]any{"message": "hi"},
		StateUpdate: &schema.StateUpdate{Path: "state.count", Value: 1.0},
	}}
	require.Error(t, wv.Validate(def))
}

func TestValidate_DuplicateStepIDs(t *testing.T) {
	wv := newValidator(t)
	def := validDefinition()
	def.Steps = append(def.Steps, &schema.WorkflowStep{
		ID: "hello", Type: schema.StepUserMessage, Definition: map[string]any{"message": "again"},
	})
	err := wv.Validate(def)
	require.Error(t, err)
	assert.Contains(t, schema.AsWorkflowError(err).Message, "duplicate")
}

func TestValidate_ComputedCycle(t *testing.T) {
	wv := newValidator(t)
	def := validDefinition()
	def.StateSchema = &schema.StateSchema{Computed: map[string]*schema.ComputedFieldDef{
		"a": {From: schema.StringList{"computed.b"}, Transform: "input"},
		"b": {From: schema.StringList{"computed.a"}, Transform: "input"},
	}}
	err := wv.Validate(def)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCycleDetected, schema.AsWorkflowError(err).Code)
}
