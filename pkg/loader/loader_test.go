package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aromcp/workflow-mcp/pkg/schema"
)

const reviewYAML = `
name: review
description: review a set of files
inputs:
  files:
    type: array
    required: true
default_state:
  count: 0
state_schema:
  computed:
    remaining:
      from: [inputs.files, state.count]
      transform: "input[1].length - input[0]"
steps:
  - type: user_message
    message: "starting {{ inputs.files.length }} files"
  - id: review_each
    type: foreach
    items: "{{ inputs.files }}"
    body:
      - type: mcp_call
        tool: review
        state_update:
          path: state.count
          operation: increment
          value: 1
  - type: conditional
    condition: "{{ computed.remaining }} <= 0"
    then:
      - id: done
        type: user_message
        message: all done
`

func TestParse_AssignsSequentialIDs(t *testing.T) {
	def, err := Parse([]byte(reviewYAML))
	require.NoError(t, err)

	assert.Equal(t, "review", def.Name)
	assert.Equal(t, "step_1", def.Steps[0].ID)
	assert.Equal(t, "review_each", def.Steps[1].ID)
	assert.Equal(t, "step_2", def.Steps[1].Body[0].ID)
	assert.Equal(t, "step_3", def.Steps[2].ID)
	assert.Equal(t, "done", def.Steps[2].Then[0].ID)
}

func TestParse_GeneratedIDsSkipUserIDs(t *testing.T) {
	src := `
name: clash
steps:
  - id: step_1
    type: user_message
    message: named
  - type: user_message
    message: unnamed
`
	def, err := Parse([]byte(src))
	require.NoError(t, err)
	assert.Equal(t, "step_1", def.Steps[0].ID)
	assert.Equal(t, "step_2", def.Steps[1].ID)
}

func TestParse_Errors(t *testing.T) {
	t.Run("empty payload", func(t *testing.T) {
		_, err := Parse([]byte("  \n\t"))
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeValidation, schema.AsWorkflowError(err).Code)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := Parse([]byte("name: [unclosed"))
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeValidation, schema.AsWorkflowError(err).Code)
	})
}

func TestLoad_RunsValidation(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	t.Run("valid definition", func(t *testing.T) {
		def, err := l.Load([]byte(reviewYAML))
		require.NoError(t, err)
		assert.Len(t, def.Steps, 3)
	})

	t.Run("semantic violation surfaces", func(t *testing.T) {
		src := `
name: bad
steps:
  - type: break
`
		_, err := l.Load([]byte(src))
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeValidation, schema.AsWorkflowError(err).Code)
	})

	t.Run("computed cycle surfaces", func(t *testing.T) {
		src := `
name: cyclic
state_schema:
  computed:
    a:
      from: computed.b
      transform: input
    b:
      from: computed.a
      transform: input
steps:
  - type: user_message
    message: hi
`
		_, err := l.Load([]byte(src))
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeCycleDetected, schema.AsWorkflowError(err).Code)
	})
}

func TestLoadFile(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "review.yaml")
	require.NoError(t, os.WriteFile(path, []byte(reviewYAML), 0o644))

	def, err := l.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "review", def.Name)

	_, err = l.LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
