package engine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"time"

	"github.com/aromcp/workflow-mcp/pkg/schema"
)

// DefaultShellTimeout applies when neither the step nor the workflow sets
// timeout_seconds.
const DefaultShellTimeout = 30 * time.Second

const maxShellOutput = 1 << 20 // 1MB per stream

// ShellRunner executes shell_command steps inline on the server side,
// honoring per-step timeouts and the step's error_handling strategy.
type ShellRunner struct {
	logger *slog.Logger
}

// NewShellRunner creates a ShellRunner.
func NewShellRunner(logger *slog.Logger) *ShellRunner {
	return &ShellRunner{logger: logger}
}

// Run executes the command from a resolved step definition. The returned
// map is the step result: stdout, stderr, exit_code, duration_ms, success.
// Failures (timeout, non-zero exit) are resolved through the error
// handling strategy: fail aborts, retry re-runs with delay up to
// max_retries, fallback substitutes fallback_value, continue reports the
// failure as a non-fatal result.
func (r *ShellRunner) Run(ctx context.Context, def map[string]any, timeoutSecs int, handling *schema.ErrorHandling) (map[string]any, error) {
	command, _ := def["command"].(string)
	if command == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "shell_command step requires a 'command' field")
	}
	workDir, _ := def["working_directory"].(string)

	timeout := DefaultShellTimeout
	if timeoutSecs > 0 {
		timeout = time.Duration(timeoutSecs) * time.Second
	}

	strategy := schema.ErrorStrategyFail
	maxRetries := 0
	if handling != nil {
		strategy = handling.Strategy
		maxRetries = handling.MaxRetries
	}
	if strategy != schema.ErrorStrategyRetry {
		maxRetries = 0
	}

	var result map[string]any
	var runErr error
	for attempt := 0; ; attempt++ {
		result, runErr = r.runOnce(ctx, command, workDir, timeout)
		if runErr == nil {
			return result, nil
		}
		if attempt >= maxRetries {
			break
		}
		r.logger.Warn("shell command failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.Int("max_retries", maxRetries),
			slog.String("error", runErr.Error()),
		)
		if err := WaitForRetry(ctx, RetryDelay(handling)); err != nil {
			return nil, schema.NewError(schema.ErrCodeTimeout, "cancelled while waiting to retry").WithCause(err)
		}
	}

	switch strategy {
	case schema.ErrorStrategyContinue:
		if result == nil {
			result = map[string]any{}
		}
		result["success"] = false
		result["error"] = runErr.Error()
		return result, nil
	case schema.ErrorStrategyFallback:
		var fallback any
		if handling != nil {
			fallback = handling.FallbackValue
		}
		return map[string]any{"success": false, "result": fallback, "error": runErr.Error()}, nil
	default: // fail, or retry exhausted
		return nil, runErr
	}
}

func (r *ShellRunner) runOnce(ctx context.Context, command, workDir string, timeout time.Duration) (map[string]any, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	if workDir != "" {
		cmd.Dir = workDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = limitWriter(&stdout)
	cmd.Stderr = limitWriter(&stderr)

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	result := map[string]any{
		"stdout":      stdout.String(),
		"stderr":      stderr.String(),
		"exit_code":   float64(exitCode),
		"duration_ms": float64(duration.Milliseconds()),
		"success":     err == nil,
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return result, schema.NewErrorf(schema.ErrCodeTimeout,
			"command timed out after %s", timeout)
	}
	if err != nil {
		return result, schema.NewErrorf(schema.ErrCodeStepFailed,
			"command exited with code %d: %s", exitCode, truncate(stderr.String(), 500))
	}
	return result, nil
}

// limitWriter caps a capture buffer so a runaway command cannot exhaust memory.
func limitWriter(buf *bytes.Buffer) *cappedBuffer {
	return &cappedBuffer{buf: buf, limit: maxShellOutput}
}

type cappedBuffer struct {
	buf   *bytes.Buffer
	limit int
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	remaining := c.limit - c.buf.Len()
	if remaining <= 0 {
		return len(p), nil // swallow overflow, report success to keep the pipe open
	}
	if len(p) > remaining {
		c.buf.Write(p[:remaining])
		return len(p), nil
	}
	return c.buf.Write(p)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
