package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AltairaLabs/nma-pipeline/internal/storage"
	"github.com/AltairaLabs/nma-pipeline/internal/taskqueue/cache"
	"github.com/AltairaLabs/nma-pipeline/internal/taskqueue/retry"
	"github.com/AltairaLabs/nma-pipeline/internal/types"
)

// signal asks the dispatch loop for a pass without blocking
func (tq *TaskQueue) signal() {
	select {
	case tq.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop dispatches ready tasks on every tick and whenever signalled
func (tq *TaskQueue) dispatchLoop() {
	defer tq.wg.Done()

	ticker := time.NewTicker(tq.cfg.Queue.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-tq.ctx.Done():
			return
		case <-ticker.C:
		case <-tq.wake:
		}
		tq.dispatchReadyTasks()
	}
}

// dispatchTask runs the job of a single task
func (tq *TaskQueue) dispatchTask(task *storage.QueuedTask) {
	defer tq.wg.Done()

	tq.jobsMu.Lock()
	job, ok := tq.jobs[task.ID]
	tq.jobsMu.Unlock()

	if !ok {
		// Jobs live in process; a task left over from a previous run has none
		tq.logger.WarnContext(tq.ctx, "No job for task", "task_id", task.ID, "stage", task.Stage)
		if err := tq.storage.FailTask(tq.ctx, task.ID, "job lost on restart"); err != nil {
			tq.logger.ErrorContext(tq.ctx, "Failed to fail orphaned task", "task_id", task.ID, "error", err)
		}
		return
	}

	tq.logger.InfoContext(tq.ctx, "Dispatching task",
		"task_id", task.ID,
		"session_id", task.SessionID,
		"stage", task.Stage,
		"sequence", task.Sequence,
		"retry_count", task.RetryCount,
	)

	if err := tq.storage.UpdateTaskState(tq.ctx, task.ID, storage.TaskStateDispatched); err != nil {
		tq.logger.ErrorContext(tq.ctx, "Failed to update task state to dispatched",
			"task_id", task.ID,
			"error", err,
		)
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(tq.ctx, task.Timeout)
	} else {
		ctx, cancel = context.WithCancel(tq.ctx)
	}
	defer cancel()

	tq.jobsMu.Lock()
	tq.cancels[task.ID] = cancel
	tq.jobsMu.Unlock()

	progress := func(p types.Progress) {
		if err := tq.storage.UpdateTaskProgress(tq.ctx, task.ID, p); err != nil {
			tq.logger.DebugContext(tq.ctx, "Failed to record task progress", "task_id", task.ID, "error", err)
		}
	}

	outputs, err := job(ctx, progress)

	if tq.abandoned(task.ID) {
		tq.logger.InfoContext(tq.ctx, "Discarding result of abandoned task", "task_id", task.ID)
		tq.forget(task.ID)
		return
	}
	if err != nil {
		tq.handleTaskError(task, err)
		return
	}
	tq.handleTaskSuccess(task, outputs)
}

func (tq *TaskQueue) abandoned(taskID string) bool {
	current, err := tq.storage.GetTask(tq.ctx, taskID)
	return err == nil && current != nil && current.State == storage.TaskStateAbandoned
}

// handleTaskSuccess caches the outputs before marking the task completed,
// so a poller never sees completed without a result
func (tq *TaskQueue) handleTaskSuccess(task *storage.QueuedTask, outputs map[types.SlotName]types.Value) {
	tq.logger.InfoContext(tq.ctx, "Task completed successfully",
		"task_id", task.ID,
		"session_id", task.SessionID,
		"stage", task.Stage,
	)

	if err := tq.results.Store(task.ID, &cache.Result{Outputs: outputs}); err != nil {
		tq.logger.ErrorContext(tq.ctx, "Failed to cache result", "task_id", task.ID, "error", err)
	}
	if err := tq.storage.UpdateTaskState(tq.ctx, task.ID, storage.TaskStateCompleted); err != nil {
		tq.logger.ErrorContext(tq.ctx, "Failed to update task state to completed",
			"task_id", task.ID,
			"error", err,
		)
	}
	tq.forget(task.ID)
}

// handleTaskError schedules a retry for transport failures and fails the task otherwise
func (tq *TaskQueue) handleTaskError(task *storage.QueuedTask, taskErr error) {
	tq.logger.WarnContext(tq.ctx, "Task execution failed",
		"task_id", task.ID,
		"session_id", task.SessionID,
		"stage", task.Stage,
		"error", taskErr,
		"retry_count", task.RetryCount,
	)

	willRetry, err := tq.scheduleRetry(task, taskErr)
	if err != nil {
		tq.logger.ErrorContext(tq.ctx, "Failed to handle task failure",
			"task_id", task.ID,
			"error", err,
		)
		willRetry = false
	}
	if willRetry {
		tq.logger.InfoContext(tq.ctx, "Task scheduled for retry",
			"task_id", task.ID,
			"retry_count", task.RetryCount+1,
		)
		tq.jobsMu.Lock()
		delete(tq.cancels, task.ID)
		tq.jobsMu.Unlock()
		return
	}

	msg := taskErr.Error()
	if errors.Is(taskErr, context.DeadlineExceeded) && task.Timeout > 0 {
		msg = fmt.Sprintf("timed out after %s: %s", task.Timeout, msg)
	}
	if err := tq.results.Store(task.ID, &cache.Result{Error: msg}); err != nil {
		tq.logger.ErrorContext(tq.ctx, "Failed to cache failure", "task_id", task.ID, "error", err)
	}
	if err := tq.storage.FailTask(tq.ctx, task.ID, msg); err != nil {
		tq.logger.ErrorContext(tq.ctx, "Failed to update task state to failed",
			"task_id", task.ID,
			"error", err,
		)
	}
	tq.forget(task.ID)
}

// scheduleRetry returns true if the task was scheduled for retry
func (tq *TaskQueue) scheduleRetry(task *storage.QueuedTask, taskErr error) (bool, error) {
	if !retry.IsRetriableError(taskErr) {
		return false, nil
	}
	if !tq.cfg.Policy.ShouldRetry(task.RetryCount) || task.RetryCount >= task.MaxRetries {
		return false, nil
	}

	nextRetryAt := time.Now().Add(tq.cfg.Policy.CalculateDelay(task.RetryCount))
	if err := tq.storage.UpdateTaskForRetry(tq.ctx, task.ID, nextRetryAt, taskErr.Error()); err != nil {
		return false, fmt.Errorf("failed to update task for retry: %w", err)
	}
	return true, nil
}
