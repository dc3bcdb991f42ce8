package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AltairaLabs/nma-pipeline/internal/taskqueue"
	"github.com/AltairaLabs/nma-pipeline/internal/types"
)

// ErrPollLimit is returned when a task is still unfinished after the
// maximum number of polls
var ErrPollLimit = errors.New("task polling limit reached")

// TaskSubmitter is the part of taskqueue.TaskQueue the async executor uses
type TaskSubmitter interface {
	Submit(ctx context.Context, sessionID string, spec taskqueue.Spec, job taskqueue.Job) (taskqueue.Handle, error)
	Poll(ctx context.Context, h taskqueue.Handle) (taskqueue.Status, error)
	Abandon(ctx context.Context, h taskqueue.Handle) error
}

// AsyncExecutor submits each run to a task queue and polls it to completion
type AsyncExecutor struct {
	queue        TaskSubmitter
	runner       *Runner
	pollInterval time.Duration
	maxPolls     int

	mu       sync.Mutex
	inflight map[string]map[types.StageID]taskqueue.Handle
}

// NewAsyncExecutor creates an executor polling every pollInterval, at most
// maxPolls times per run (0 = unbounded)
func NewAsyncExecutor(queue TaskSubmitter, runner *Runner, pollInterval time.Duration, maxPolls int) *AsyncExecutor {
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	return &AsyncExecutor{
		queue:        queue,
		runner:       runner,
		pollInterval: pollInterval,
		maxPolls:     maxPolls,
		inflight:     make(map[string]map[types.StageID]taskqueue.Handle),
	}
}

// Execute implements Executor. A run whose context ends first abandons its task.
func (e *AsyncExecutor) Execute(ctx context.Context, run Run, inputs map[types.SlotName]types.Value, progress func(types.Progress)) (map[types.SlotName]types.Value, error) {
	job := func(ctx context.Context, report func(types.Progress)) (map[types.SlotName]types.Value, error) {
		return e.runner.Compute(ctx, run.Stage, inputs, report)
	}
	h, err := e.queue.Submit(ctx, run.SessionID, taskqueue.Spec{Stage: run.Stage.ID, TriggerVersion: run.TriggerVersion}, job)
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", run.Stage.ID, err)
	}
	e.track(run, h)
	defer e.untrack(run, h)

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for polls := 0; e.maxPolls == 0 || polls < e.maxPolls; polls++ {
		st, err := e.queue.Poll(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("poll %s: %w", run.Stage.ID, err)
		}
		switch s := st.(type) {
		case taskqueue.Success:
			return s.Outputs, nil
		case taskqueue.Failure:
			return nil, s.Err
		case taskqueue.Started:
			if progress != nil && s.Progress.Total > 0 {
				progress(s.Progress)
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			e.abandon(h)
			return nil, ctx.Err()
		}
	}

	e.abandon(h)
	return nil, fmt.Errorf("%s: %w after %d polls", run.Stage.ID, ErrPollLimit, e.maxPolls)
}

func (e *AsyncExecutor) abandon(h taskqueue.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = e.queue.Abandon(ctx, h)
}

func (e *AsyncExecutor) track(run Run, h taskqueue.Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tasks := e.inflight[run.SessionID]
	if tasks == nil {
		tasks = make(map[types.StageID]taskqueue.Handle)
		e.inflight[run.SessionID] = tasks
	}
	tasks[run.Stage.ID] = h
}

func (e *AsyncExecutor) untrack(run Run, h taskqueue.Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tasks := e.inflight[run.SessionID]
	if tasks[run.Stage.ID] == h {
		delete(tasks, run.Stage.ID)
	}
	if len(tasks) == 0 {
		delete(e.inflight, run.SessionID)
	}
}

// Tasks returns the in-flight task of each running stage of a session
func (e *AsyncExecutor) Tasks(sessionID string) map[types.StageID]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[types.StageID]string, len(e.inflight[sessionID]))
	for stage, h := range e.inflight[sessionID] {
		out[stage] = h.TaskID
	}
	return out
}
