package engine

import (
	"context"
	"time"

	"github.com/aromcp/workflow-mcp/pkg/schema"
)

// RetryDelay computes the wait before the next retry attempt. The delay is
// constant per attempt; retry_delay is expressed in seconds and may be
// fractional.
func RetryDelay(handling *schema.ErrorHandling) time.Duration {
	if handling == nil || handling.RetryDelaySec <= 0 {
		return 0
	}
	return time.Duration(handling.RetryDelaySec * float64(time.Second))
}

// WaitForRetry sleeps for the given delay or returns early if the context
// is cancelled.
func WaitForRetry(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
