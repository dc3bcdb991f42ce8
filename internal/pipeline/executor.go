package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AltairaLabs/nma-pipeline/internal/types"
)

// ErrStageTimeout is returned when a stage exceeds its time budget
var ErrStageTimeout = errors.New("stage timed out")

// Run is one execution of a stage for a trigger version
type Run struct {
	SessionID      string
	Stage          Stage
	TriggerVersion types.Version
}

// Executor computes the outputs of a run from its input snapshot
type Executor interface {
	Execute(ctx context.Context, run Run, inputs map[types.SlotName]types.Value, progress func(types.Progress)) (map[types.SlotName]types.Value, error)
}

// InlineExecutor runs stages on the calling goroutine
type InlineExecutor struct {
	runner  *Runner
	timeout time.Duration
}

// NewInlineExecutor creates an executor with a per-run timeout. A zero
// timeout disables it.
func NewInlineExecutor(runner *Runner, timeout time.Duration) *InlineExecutor {
	return &InlineExecutor{runner: runner, timeout: timeout}
}

// Execute implements Executor
func (e *InlineExecutor) Execute(ctx context.Context, run Run, inputs map[types.SlotName]types.Value, progress func(types.Progress)) (map[types.SlotName]types.Value, error) {
	if e.timeout <= 0 {
		return e.runner.Compute(ctx, run.Stage, inputs, progress)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	out, err := e.runner.Compute(ctx, run.Stage, inputs, progress)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w after %s: %w", ErrStageTimeout, e.timeout, err)
	}
	return out, err
}
