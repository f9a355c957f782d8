package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aromcp/workflow-mcp/pkg/schema"
)

func TestShellRunner_Success(t *testing.T) {
	r := NewShellRunner(testLogger())

	result, err := r.Run(context.Background(), map[string]any{"command": "echo hello"}, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", result["stdout"])
	assert.Equal(t, float64(0), result["exit_code"])
	assert.Equal(t, true, result["success"])
}

func TestShellRunner_WorkingDirectory(t *testing.T) {
	r := NewShellRunner(testLogger())
	dir := t.TempDir()

	result, err := r.Run(context.Background(), map[string]any{
		"command":           "pwd",
		"working_directory": dir,
	}, 0, nil)
	require.NoError(t, err)
	assert.Contains(t, result["stdout"], dir)
}

func TestShellRunner_MissingCommand(t *testing.T) {
	r := NewShellRunner(testLogger())

	_, err := r.Run(context.Background(), map[string]any{}, 0, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.AsWorkflowError(err).Code)
}

func TestShellRunner_NonZeroExitFails(t *testing.T) {
	r := NewShellRunner(testLogger())

	_, err := r.Run(context.Background(), map[string]any{"command": "exit 3"}, 0, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStepFailed, schema.AsWorkflowError(err).Code)
}

func TestShellRunner_Timeout(t *testing.T) {
	r := NewShellRunner(testLogger())

	start := time.Now()
	_, err := r.Run(context.Background(), map[string]any{"command": "sleep 5"}, 1, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeTimeout, schema.AsWorkflowError(err).Code)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestShellRunner_Strategies(t *testing.T) {
	r := NewShellRunner(testLogger())

	t.Run("continue reports failure as result", func(t *testing.T) {
		result, err := r.Run(context.Background(), map[string]any{"command": "exit 1"}, 0,
			&schema.ErrorHandling{Strategy: schema.ErrorStrategyContinue})
		require.NoError(t, err)
		assert.Equal(t, false, result["success"])
		assert.NotEmpty(t, result["error"])
	})

	t.Run("fallback substitutes value", func(t *testing.T) {
		result, err := r.Run(context.Background(), map[string]any{"command": "exit 1"}, 0,
			&schema.ErrorHandling{Strategy: schema.ErrorStrategyFallback, FallbackValue: "n/a"})
		require.NoError(t, err)
		assert.Equal(t, "n/a", result["result"])
		assert.Equal(t, false, result["success"])
	})

	t.Run("retry eventually succeeds", func(t *testing.T) {
		marker := t.TempDir() + "/ran"
		// Fails on the first attempt, succeeds on the second.
		cmd := "test -f " + marker + " || { touch " + marker + "; exit 1; }"
		result, err := r.Run(context.Background(), map[string]any{"command": cmd}, 0,
			&schema.ErrorHandling{Strategy: schema.ErrorStrategyRetry, MaxRetries: 2})
		require.NoError(t, err)
		assert.Equal(t, true, result["success"])
	})

	t.Run("retry exhausted fails", func(t *testing.T) {
		_, err := r.Run(context.Background(), map[string]any{"command": "exit 1"}, 0,
			&schema.ErrorHandling{Strategy: schema.ErrorStrategyRetry, MaxRetries: 1})
		require.Error(t, err)
	})
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, time.Duration(0), RetryDelay(nil))
	assert.Equal(t, time.Duration(0), RetryDelay(&schema.ErrorHandling{}))
	assert.Equal(t, 500*time.Millisecond, RetryDelay(&schema.ErrorHandling{RetryDelaySec: 0.5}))
}

func TestWaitForRetry_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitForRetry(ctx, time.Second)
	require.Error(t, err)
}
