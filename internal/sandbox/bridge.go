// internal/sandbox/bridge.go
package sandbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Bridge serializes access to the live browser tab and puts a hard wall-clock
// ceiling on every operation. DevTools dispatches are not safe to interleave
// on a single target, and a wedged call must never stall the whole run.
type Bridge struct {
	sem     *semaphore.Weighted
	timeout time.Duration
	logger  *zap.Logger
}

// NewBridge creates a Bridge enforcing the given per-operation timeout.
// A non-positive timeout falls back to one minute.
func NewBridge(timeout time.Duration, logger *zap.Logger) *Bridge {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		sem:     semaphore.NewWeighted(1),
		timeout: timeout,
		logger:  logger,
	}
}

// Timeout reports the per-operation ceiling the bridge enforces.
func (b *Bridge) Timeout() time.Duration {
	return b.timeout
}

// Do waits for any in-flight operation to finish, then runs op alone under
// the bridge timeout. A deadline hit is reported as an error naming the
// operation; cancellation of the caller's context propagates unchanged.
func (b *Bridge) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for browser bridge: %w", err)
	}
	defer b.sem.Release(1)

	opCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	start := time.Now()
	err := op(opCtx)

	if err != nil && opCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		b.logger.Debug("Bridge operation timed out.",
			zap.String("op", name),
			zap.Duration("timeout", b.timeout))
		return fmt.Errorf("browser operation %q timed out after %v: %w", name, b.timeout, opCtx.Err())
	}
	if err != nil {
		return err
	}

	b.logger.Debug("Bridge operation completed.",
		zap.String("op", name),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}
