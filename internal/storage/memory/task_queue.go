package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AltairaLabs/nma-pipeline/internal/storage"
	"github.com/AltairaLabs/nma-pipeline/internal/types"
)

var (
	errTaskNil        = errors.New("task cannot be nil")
	errTaskIDEmpty    = errors.New("task ID cannot be empty")
	errSessionIDEmpty = errors.New("session ID cannot be empty")
)

// DefaultFinishedRetention is how long finished tasks stay visible to
// GetTask before Enqueue prunes them
const DefaultFinishedRetention = 10 * time.Minute

// TaskQueueStorage implements storage.TaskQueueStorage using in-memory maps.
// Finished tasks do not count against the queue limits.
type TaskQueueStorage struct {
	mu            sync.RWMutex
	tasks         map[string]*storage.QueuedTask
	sessionQueues map[string][]string // FIFO of task IDs
	maxQueueSize  int
	maxPerSession int
	retention     time.Duration
	now           func() time.Time
}

// NewTaskQueueStorage creates a new in-memory task queue storage
func NewTaskQueueStorage(maxQueueSize, maxPerSession int) *TaskQueueStorage {
	if maxQueueSize <= 0 {
		maxQueueSize = 100000
	}
	if maxPerSession <= 0 {
		maxPerSession = 1000
	}
	return &TaskQueueStorage{
		tasks:         make(map[string]*storage.QueuedTask),
		sessionQueues: make(map[string][]string),
		maxQueueSize:  maxQueueSize,
		maxPerSession: maxPerSession,
		retention:     DefaultFinishedRetention,
		now:           time.Now,
	}
}

func clone(task *storage.QueuedTask) *storage.QueuedTask {
	c := *task
	return &c
}

// update applies fn to the stored task under the write lock
func (s *TaskQueueStorage) update(taskID string, fn func(task *storage.QueuedTask) error) error {
	if taskID == "" {
		return errTaskIDEmpty
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task not found: %s", taskID)
	}
	return fn(task)
}

// pruneLocked drops finished tasks older than the retention and returns the
// number of unfinished tasks
func (s *TaskQueueStorage) pruneLocked() int {
	cutoff := s.now().Add(-s.retention)
	live := 0
	for id, task := range s.tasks {
		if !task.State.Terminal() {
			live++
			continue
		}
		if task.CompletedAt != nil && task.CompletedAt.Before(cutoff) {
			delete(s.tasks, id)
		}
	}
	return live
}

// Enqueue adds a task to the queue for a session
func (s *TaskQueueStorage) Enqueue(ctx context.Context, sessionID string, task *storage.QueuedTask) error {
	switch {
	case task == nil:
		return errTaskNil
	case task.ID == "":
		return errTaskIDEmpty
	case sessionID == "":
		return errSessionIDEmpty
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %s already exists", task.ID)
	}
	if live := s.pruneLocked(); live >= s.maxQueueSize {
		return fmt.Errorf("queue full: %d tasks (max %d)", live, s.maxQueueSize)
	}
	queue := s.sessionQueues[sessionID]
	if len(queue) >= s.maxPerSession {
		return fmt.Errorf("session queue full: %d tasks for session %s (max %d)",
			len(queue), sessionID, s.maxPerSession)
	}

	stored := clone(task)
	stored.SessionID = sessionID
	s.tasks[task.ID] = stored
	s.sessionQueues[sessionID] = append(queue, task.ID)
	return nil
}

// Dequeue removes up to limit entries (0 = all) from the session's queue and
// returns the ones still queued. Abandoned entries are dropped silently.
func (s *TaskQueueStorage) Dequeue(ctx context.Context, sessionID string, limit int) ([]*storage.QueuedTask, error) {
	if sessionID == "" {
		return nil, errSessionIDEmpty
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.sessionQueues[sessionID]
	out := []*storage.QueuedTask{}
	n := 0
	for ; n < len(queue); n++ {
		if limit > 0 && len(out) == limit {
			break
		}
		if task, ok := s.tasks[queue[n]]; ok && task.State == storage.TaskStateQueued {
			out = append(out, clone(task))
		}
	}

	if n == len(queue) {
		delete(s.sessionQueues, sessionID)
	} else {
		s.sessionQueues[sessionID] = append([]string(nil), queue[n:]...)
	}
	return out, nil
}

// UpdateTaskState moves a task to state, stamping dispatch and completion times
func (s *TaskQueueStorage) UpdateTaskState(ctx context.Context, taskID string, state storage.TaskState) error {
	return s.update(taskID, func(task *storage.QueuedTask) error {
		task.State = state
		stampTask(task, state, s.now())
		return nil
	})
}

func stampTask(task *storage.QueuedTask, state storage.TaskState, now time.Time) {
	switch {
	case state == storage.TaskStateDispatched && task.DispatchedAt == nil:
		task.DispatchedAt = &now
	case state.Terminal() && task.CompletedAt == nil:
		task.CompletedAt = &now
	}
}

// UpdateTaskProgress records per-outcome progress of a dispatched task
func (s *TaskQueueStorage) UpdateTaskProgress(ctx context.Context, taskID string, progress types.Progress) error {
	return s.update(taskID, func(task *storage.QueuedTask) error {
		task.Progress = progress
		return nil
	})
}

// FailTask marks a task permanently failed
func (s *TaskQueueStorage) FailTask(ctx context.Context, taskID string, errorMsg string) error {
	return s.update(taskID, func(task *storage.QueuedTask) error {
		task.State = storage.TaskStateFailed
		task.Error = errorMsg
		stampTask(task, storage.TaskStateFailed, s.now())
		return nil
	})
}

// GetTask returns a copy of the task, or nil if it is unknown
func (s *TaskQueueStorage) GetTask(ctx context.Context, taskID string) (*storage.QueuedTask, error) {
	if taskID == "" {
		return nil, errTaskIDEmpty
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if task, ok := s.tasks[taskID]; ok {
		return clone(task), nil
	}
	return nil, nil
}

// PurgeSessionQueue removes all tasks for a session
func (s *TaskQueueStorage) PurgeSessionQueue(ctx context.Context, sessionID string) (int, error) {
	if sessionID == "" {
		return 0, errSessionIDEmpty
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, task := range s.tasks {
		if task.SessionID == sessionID {
			delete(s.tasks, id)
			count++
		}
	}
	delete(s.sessionQueues, sessionID)
	return count, nil
}

// GetQueueStats counts queued and dispatched tasks
func (s *TaskQueueStorage) GetQueueStats(ctx context.Context) (*storage.QueueStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.QueueStats{QueuedBySession: make(map[string]int)}
	var oldest time.Time
	for _, task := range s.tasks {
		switch task.State {
		case storage.TaskStateQueued:
			stats.TotalQueued++
			stats.QueuedBySession[task.SessionID]++
			if oldest.IsZero() || task.CreatedAt.Before(oldest) {
				oldest = task.CreatedAt
			}
		case storage.TaskStateDispatched:
			stats.TotalDispatched++
		}
	}
	if !oldest.IsZero() {
		stats.OldestTaskAge = s.now().Sub(oldest)
	}
	return stats, nil
}

// GetQueuedTasksForSession returns the tasks still referenced by a session's queue
func (s *TaskQueueStorage) GetQueuedTasksForSession(ctx context.Context, sessionID string) ([]*storage.QueuedTask, error) {
	if sessionID == "" {
		return nil, errSessionIDEmpty
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	queue := s.sessionQueues[sessionID]
	out := make([]*storage.QueuedTask, 0, len(queue))
	for _, id := range queue {
		if task, ok := s.tasks[id]; ok {
			out = append(out, clone(task))
		}
	}
	return out, nil
}

// GetTasksReadyForRetry returns retrying tasks whose backoff has elapsed
func (s *TaskQueueStorage) GetTasksReadyForRetry(ctx context.Context, limit int) ([]*storage.QueuedTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	out := []*storage.QueuedTask{}
	for _, task := range s.tasks {
		if limit > 0 && len(out) == limit {
			break
		}
		if task.State == storage.TaskStateRetrying && task.NextRetryAt != nil && !task.NextRetryAt.After(now) {
			out = append(out, clone(task))
		}
	}
	return out, nil
}

// UpdateTaskForRetry schedules another attempt at nextRetryAt
func (s *TaskQueueStorage) UpdateTaskForRetry(ctx context.Context, taskID string, nextRetryAt time.Time, errorMsg string) error {
	return s.update(taskID, func(task *storage.QueuedTask) error {
		if task.RetryCount >= task.MaxRetries {
			return fmt.Errorf("max retries (%d) exceeded for task %s", task.MaxRetries, taskID)
		}
		task.RetryCount++
		task.NextRetryAt = &nextRetryAt
		task.State = storage.TaskStateRetrying
		task.Error = errorMsg
		return nil
	})
}

// RequeueTaskForRetry moves a retrying task back to the end of its session queue
func (s *TaskQueueStorage) RequeueTaskForRetry(ctx context.Context, taskID string) error {
	return s.update(taskID, func(task *storage.QueuedTask) error {
		if task.State != storage.TaskStateRetrying {
			return fmt.Errorf("task %s is not in retrying state (current: %s)", taskID, task.State)
		}
		task.State = storage.TaskStateQueued
		task.NextRetryAt = nil

		queue := s.sessionQueues[task.SessionID]
		for _, id := range queue {
			if id == taskID {
				return nil
			}
		}
		s.sessionQueues[task.SessionID] = append(queue, taskID)
		return nil
	})
}
