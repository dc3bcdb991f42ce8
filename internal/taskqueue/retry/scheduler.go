// Package retry moves failed tasks back into the queue after a backoff.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/AltairaLabs/nma-pipeline/internal/config"
	"github.com/AltairaLabs/nma-pipeline/internal/storage"
)

// Scheduler requeues tasks whose retry time has come
type Scheduler struct {
	storage   storage.TaskQueueStorage
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	onRequeue func(sessionID string)
}

// NewScheduler creates a retry scheduler using cfg for timing
func NewScheduler(store storage.TaskQueueStorage, cfg config.RetryConfig, logger *slog.Logger) *Scheduler {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = config.DefaultRetryCheckInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = config.DefaultRetryBatchSize
	}
	return &Scheduler{
		storage:   store,
		logger:    logger,
		interval:  cfg.CheckInterval,
		batchSize: cfg.BatchSize,
		onRequeue: func(string) {},
	}
}

// OnRequeue registers fn to be called once per session that got tasks
// back after a pass. Must be called before Start.
func (rs *Scheduler) OnRequeue(fn func(sessionID string)) {
	if fn != nil {
		rs.onRequeue = fn
	}
}

// Start runs the scheduler until ctx is canceled
func (rs *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	rs.logger.Debug("Retry scheduler started", "check_interval", rs.interval, "batch_size", rs.batchSize)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := rs.ProcessRetries(ctx); err != nil && ctx.Err() == nil {
			rs.logger.Error("Failed to process retries", "error", err)
		}
	}
}

// ProcessRetries requeues every task whose backoff elapsed and returns how
// many were requeued. A task that fails to requeue stays retrying and is
// picked up by the next pass.
func (rs *Scheduler) ProcessRetries(ctx context.Context) (int, error) {
	tasks, err := rs.storage.GetTasksReadyForRetry(ctx, rs.batchSize)
	if err != nil || len(tasks) == 0 {
		return 0, err
	}

	requeued := 0
	sessions := make(map[string]struct{})
	for _, task := range tasks {
		if err := rs.storage.RequeueTaskForRetry(ctx, task.ID); err != nil {
			rs.logger.Warn("Requeue failed", "task_id", task.ID, "error", err)
			continue
		}
		requeued++
		sessions[task.SessionID] = struct{}{}
		rs.logger.Info("Task requeued for retry",
			"task_id", task.ID,
			"session_id", task.SessionID,
			"stage", task.Stage,
			"attempt", task.RetryCount+1,
		)
	}

	for sessionID := range sessions {
		rs.onRequeue(sessionID)
	}
	return requeued, nil
}
