// Package taskqueue runs stage jobs asynchronously. Task metadata lives in
// a storage.TaskQueueStorage backend; jobs and their results stay in
// process. A dispatch loop starts queued tasks, failed transport calls are
// retried with backoff and pollers collect results from a TTL cache.
package taskqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AltairaLabs/nma-pipeline/internal/config"
	"github.com/AltairaLabs/nma-pipeline/internal/storage"
	"github.com/AltairaLabs/nma-pipeline/internal/taskqueue/cache"
	"github.com/AltairaLabs/nma-pipeline/internal/taskqueue/retry"
)

// Sequencer hands out per-session task sequence numbers
type Sequencer interface {
	GetNextSequence(ctx context.Context, sessionID string) (uint64, error)
}

// Config holds the queue's timing
type Config struct {
	Queue       config.TaskQueueConfig
	Retry       config.RetryConfig
	CacheTTL    time.Duration
	Policy      retry.Policy
	TaskTimeout time.Duration
}

// DefaultConfig returns the default queue configuration
func DefaultConfig() Config {
	return Config{
		Queue:       config.DefaultTaskQueueConfig(),
		Retry:       config.DefaultRetryConfig(),
		CacheTTL:    config.DefaultCacheTTL,
		Policy:      retry.DefaultPolicy(),
		TaskTimeout: config.DefaultStageTimeout,
	}
}

// TaskQueue manages asynchronous task queuing and dispatch
type TaskQueue struct {
	storage   storage.TaskQueueStorage
	sequencer Sequencer
	results   *cache.ResultCache
	scheduler *retry.Scheduler
	logger    *slog.Logger
	cfg       Config

	jobsMu  sync.Mutex
	jobs    map[string]Job
	cancels map[string]context.CancelFunc

	// wake triggers a dispatch pass before the next tick
	wake chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	startMu sync.Mutex
	started bool
}

// NewTaskQueue creates a task queue. sequencer may be nil.
func NewTaskQueue(store storage.TaskQueueStorage, sequencer Sequencer, cfg Config, logger *slog.Logger) *TaskQueue {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Queue.DispatchInterval <= 0 {
		cfg.Queue.DispatchInterval = config.DefaultTaskQueueDispatchInterval
	}
	if cfg.Queue.MaxDispatchBatch <= 0 {
		cfg.Queue.MaxDispatchBatch = config.DefaultMaxDispatchBatch
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = config.DefaultCacheTTL
	}

	ctx, cancel := context.WithCancel(context.Background())
	tq := &TaskQueue{
		storage:   store,
		sequencer: sequencer,
		results:   cache.NewResultCache(cfg.CacheTTL),
		scheduler: retry.NewScheduler(store, cfg.Retry, logger),
		logger:    logger,
		cfg:       cfg,
		jobs:      make(map[string]Job),
		cancels:   make(map[string]context.CancelFunc),
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
	tq.scheduler.OnRequeue(func(string) { tq.signal() })
	return tq
}

// Start begins background dispatch and retry scheduling
func (tq *TaskQueue) Start() {
	tq.startMu.Lock()
	defer tq.startMu.Unlock()
	if tq.started {
		return
	}
	tq.started = true

	tq.logger.Info("Starting task queue background workers")

	tq.wg.Add(2)
	go tq.dispatchLoop()
	go func() {
		defer tq.wg.Done()
		tq.scheduler.Start(tq.ctx)
	}()
}

// Stop cancels running jobs and waits for background workers
func (tq *TaskQueue) Stop() {
	tq.logger.Info("Stopping task queue")
	tq.cancel()
	tq.wg.Wait()
	tq.logger.Info("Task queue stopped")
}

// Submit enqueues job for a stage run and returns immediately
func (tq *TaskQueue) Submit(ctx context.Context, sessionID string, spec Spec, job Job) (Handle, error) {
	if tq.ctx.Err() != nil {
		return Handle{}, ErrQueueStopped
	}

	var sequence uint64
	if tq.sequencer != nil {
		seq, err := tq.sequencer.GetNextSequence(ctx, sessionID)
		if err != nil {
			tq.logger.WarnContext(ctx, "Failed to get task sequence", "session_id", sessionID, "error", err)
		}
		sequence = seq
	}

	task := &storage.QueuedTask{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		Stage:          spec.Stage,
		TriggerVersion: spec.TriggerVersion,
		Sequence:       sequence,
		State:          storage.TaskStateQueued,
		MaxRetries:     tq.cfg.Policy.MaxRetries,
		CreatedAt:      time.Now(),
		Timeout:        tq.cfg.TaskTimeout,
	}

	tq.jobsMu.Lock()
	tq.jobs[task.ID] = job
	tq.jobsMu.Unlock()

	if err := tq.storage.Enqueue(ctx, sessionID, task); err != nil {
		tq.forget(task.ID)
		return Handle{}, fmt.Errorf("failed to enqueue task: %w", err)
	}

	tq.logger.InfoContext(ctx, "Task enqueued",
		"task_id", task.ID,
		"session_id", sessionID,
		"stage", spec.Stage,
		"trigger_version", spec.TriggerVersion,
		"sequence", sequence,
	)
	tq.signal()
	return Handle{TaskID: task.ID, SessionID: sessionID}, nil
}

// Poll returns the current status of a task
func (tq *TaskQueue) Poll(ctx context.Context, h Handle) (Status, error) {
	task, err := tq.storage.GetTask(ctx, h.TaskID)
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	if task == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, h.TaskID)
	}
	return tq.statusOf(task), nil
}

func (tq *TaskQueue) statusOf(task *storage.QueuedTask) Status {
	switch task.State {
	case storage.TaskStateQueued, storage.TaskStateRetrying:
		return Pending{}
	case storage.TaskStateDispatched:
		return Started{Progress: task.Progress}
	case storage.TaskStateAbandoned:
		return Failure{Err: ErrAbandoned}
	case storage.TaskStateCompleted:
		res, err := tq.results.Get(task.ID)
		if err != nil {
			return Failure{Err: &TaskError{TaskID: task.ID, Message: "result expired"}}
		}
		return Success{Outputs: res.Outputs}
	default:
		msg := task.Error
		if res, err := tq.results.Get(task.ID); err == nil && res.Error != "" {
			msg = res.Error
		}
		return Failure{Err: &TaskError{TaskID: task.ID, Message: msg}}
	}
}

// Abandon marks a task superseded, cancels it if running and drops its result
func (tq *TaskQueue) Abandon(ctx context.Context, h Handle) error {
	task, err := tq.storage.GetTask(ctx, h.TaskID)
	if err != nil {
		return fmt.Errorf("failed to get task: %w", err)
	}
	if task == nil {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, h.TaskID)
	}

	if !task.State.Terminal() {
		if err := tq.storage.UpdateTaskState(ctx, h.TaskID, storage.TaskStateAbandoned); err != nil {
			return fmt.Errorf("failed to abandon task: %w", err)
		}
	}

	tq.jobsMu.Lock()
	if cancel, ok := tq.cancels[h.TaskID]; ok {
		cancel()
	}
	tq.jobsMu.Unlock()
	tq.forget(h.TaskID)
	tq.results.Delete(h.TaskID)

	tq.logger.InfoContext(ctx, "Task abandoned", "task_id", h.TaskID, "stage", task.Stage)
	return nil
}

// Task returns the queue's view of a task
func (tq *TaskQueue) Task(ctx context.Context, taskID string) (*TaskInfo, error) {
	task, err := tq.storage.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	if task == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return &TaskInfo{
		Handle: Handle{TaskID: task.ID, SessionID: task.SessionID},
		Task:   task,
		Status: tq.statusOf(task),
	}, nil
}

// Stats returns queue statistics from the storage backend
func (tq *TaskQueue) Stats(ctx context.Context) (*storage.QueueStats, error) {
	return tq.storage.GetQueueStats(ctx)
}

func (tq *TaskQueue) forget(taskID string) {
	tq.jobsMu.Lock()
	defer tq.jobsMu.Unlock()
	delete(tq.jobs, taskID)
	delete(tq.cancels, taskID)
}

// dispatchReadyTasks starts every queued task, per session in FIFO order
func (tq *TaskQueue) dispatchReadyTasks() {
	stats, err := tq.storage.GetQueueStats(tq.ctx)
	if err != nil {
		tq.logger.ErrorContext(tq.ctx, "Failed to get queue stats", "error", err)
		return
	}

	for sessionID, queued := range stats.QueuedBySession {
		if queued == 0 {
			continue
		}
		tasks, err := tq.storage.Dequeue(tq.ctx, sessionID, tq.cfg.Queue.MaxDispatchBatch)
		if err != nil {
			tq.logger.ErrorContext(tq.ctx, "Failed to dequeue tasks",
				"session_id", sessionID,
				"error", err,
			)
			continue
		}

		for _, task := range tasks {
			tq.wg.Add(1)
			go tq.dispatchTask(task)
		}
	}
}
