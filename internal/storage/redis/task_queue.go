// Package redis implements task queue storage on Redis so task state is
// shared by every coordinator pointed at the same server.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AltairaLabs/nma-pipeline/internal/storage"
	"github.com/AltairaLabs/nma-pipeline/internal/types"
)

// DefaultKeyPrefix namespaces every key written by TaskQueueStorage
const DefaultKeyPrefix = "nma"

// taskTTL bounds how long finished task records are kept
const taskTTL = 24 * time.Hour

var (
	errTaskNil        = errors.New("task cannot be nil")
	errTaskIDEmpty    = errors.New("task ID cannot be empty")
	errSessionIDEmpty = errors.New("session ID cannot be empty")
	errTaskNotFound   = errors.New("task not found")
)

// Connect parses a redis:// URL and verifies the server responds
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	if redisURL == "" {
		redisURL = os.Getenv("REDIS_URL")
	}
	if redisURL == "" {
		return nil, fmt.Errorf("REDIS_URL environment variable is required")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}

	client := redis.NewClient(opts)
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// TaskQueueStorage implements storage.TaskQueueStorage on Redis.
//
// Layout:
//
//	<prefix>:task:<id>        JSON QueuedTask
//	<prefix>:queue:<session>  list of queued task IDs (FIFO)
//	<prefix>:owned:<session>  set of every task ID of the session
//	<prefix>:sessions         set of sessions with queue entries
//	<prefix>:dispatched       set of dispatched task IDs
//	<prefix>:retrying         zset of retrying task IDs scored by NextRetryAt (unix ms)
type TaskQueueStorage struct {
	client *redis.Client
	prefix string
}

// NewTaskQueueStorage wraps a connected client
func NewTaskQueueStorage(client *redis.Client, prefix string) *TaskQueueStorage {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &TaskQueueStorage{client: client, prefix: prefix}
}

func (s *TaskQueueStorage) taskKey(id string) string       { return s.prefix + ":task:" + id }
func (s *TaskQueueStorage) queueKey(session string) string { return s.prefix + ":queue:" + session }
func (s *TaskQueueStorage) ownedKey(session string) string { return s.prefix + ":owned:" + session }
func (s *TaskQueueStorage) sessionsKey() string            { return s.prefix + ":sessions" }
func (s *TaskQueueStorage) dispatchedKey() string          { return s.prefix + ":dispatched" }
func (s *TaskQueueStorage) retryingKey() string            { return s.prefix + ":retrying" }

// Enqueue adds a task to the queue for a session
func (s *TaskQueueStorage) Enqueue(ctx context.Context, sessionID string, task *storage.QueuedTask) error {
	if task == nil {
		return errTaskNil
	}
	if task.ID == "" {
		return errTaskIDEmpty
	}
	if sessionID == "" {
		return errSessionIDEmpty
	}

	stored := *task
	stored.SessionID = sessionID
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	created, err := s.client.SetNX(ctx, s.taskKey(task.ID), data, taskTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to store task: %w", err)
	}
	if !created {
		return fmt.Errorf("task with ID %s already exists", task.ID)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, s.queueKey(sessionID), task.ID)
		pipe.SAdd(ctx, s.ownedKey(sessionID), task.ID)
		pipe.SAdd(ctx, s.sessionsKey(), sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// Dequeue pops up to limit queued tasks of a session (0 = all)
func (s *TaskQueueStorage) Dequeue(ctx context.Context, sessionID string, limit int) ([]*storage.QueuedTask, error) {
	if sessionID == "" {
		return nil, errSessionIDEmpty
	}

	result := make([]*storage.QueuedTask, 0)
	for limit <= 0 || len(result) < limit {
		id, err := s.client.LPop(ctx, s.queueKey(sessionID)).Result()
		if errors.Is(err, redis.Nil) {
			s.client.SRem(ctx, s.sessionsKey(), sessionID)
			break
		}
		if err != nil {
			return result, fmt.Errorf("failed to dequeue task: %w", err)
		}

		task, err := s.GetTask(ctx, id)
		if err != nil {
			return result, err
		}
		if task == nil || task.State != storage.TaskStateQueued {
			continue
		}
		result = append(result, task)
	}
	return result, nil
}

// updateTask applies fn to a task under optimistic locking
func (s *TaskQueueStorage) updateTask(
	ctx context.Context,
	taskID string,
	fn func(task *storage.QueuedTask, pipe redis.Pipeliner) error,
) error {
	if taskID == "" {
		return errTaskIDEmpty
	}
	key := s.taskKey(taskID)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", errTaskNotFound, taskID)
		}
		if err != nil {
			return err
		}

		var task storage.QueuedTask
		if err := json.Unmarshal(data, &task); err != nil {
			return fmt.Errorf("failed to unmarshal task %s: %w", taskID, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := fn(&task, pipe); err != nil {
				return err
			}
			updated, err := json.Marshal(&task)
			if err != nil {
				return err
			}
			pipe.Set(ctx, key, updated, taskTTL)
			if task.State == storage.TaskStateDispatched {
				pipe.SAdd(ctx, s.dispatchedKey(), taskID)
			} else {
				pipe.SRem(ctx, s.dispatchedKey(), taskID)
			}
			if task.State != storage.TaskStateRetrying {
				pipe.ZRem(ctx, s.retryingKey(), taskID)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 5; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("task %s: too many concurrent updates", taskID)
}

// UpdateTaskState updates the state of a task
func (s *TaskQueueStorage) UpdateTaskState(ctx context.Context, taskID string, state storage.TaskState) error {
	return s.updateTask(ctx, taskID, func(task *storage.QueuedTask, _ redis.Pipeliner) error {
		task.State = state
		stampTask(task, state, time.Now())
		return nil
	})
}

func stampTask(task *storage.QueuedTask, state storage.TaskState, now time.Time) {
	switch state {
	case storage.TaskStateDispatched:
		if task.DispatchedAt == nil {
			task.DispatchedAt = &now
		}
	case storage.TaskStateCompleted, storage.TaskStateFailed, storage.TaskStateAbandoned:
		if task.CompletedAt == nil {
			task.CompletedAt = &now
		}
	case storage.TaskStateQueued, storage.TaskStateRetrying:
	}
}

// UpdateTaskProgress records per-outcome progress of a dispatched task
func (s *TaskQueueStorage) UpdateTaskProgress(ctx context.Context, taskID string, progress types.Progress) error {
	return s.updateTask(ctx, taskID, func(task *storage.QueuedTask, _ redis.Pipeliner) error {
		task.Progress = progress
		return nil
	})
}

// FailTask marks a task permanently failed
func (s *TaskQueueStorage) FailTask(ctx context.Context, taskID string, errorMsg string) error {
	return s.updateTask(ctx, taskID, func(task *storage.QueuedTask, _ redis.Pipeliner) error {
		task.State = storage.TaskStateFailed
		task.Error = errorMsg
		stampTask(task, storage.TaskStateFailed, time.Now())
		return nil
	})
}

// GetTask retrieves a specific task by ID, nil if not found
func (s *TaskQueueStorage) GetTask(ctx context.Context, taskID string) (*storage.QueuedTask, error) {
	if taskID == "" {
		return nil, errTaskIDEmpty
	}

	data, err := s.client.Get(ctx, s.taskKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	var task storage.QueuedTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task %s: %w", taskID, err)
	}
	return &task, nil
}

// PurgeSessionQueue removes all tasks for a session
func (s *TaskQueueStorage) PurgeSessionQueue(ctx context.Context, sessionID string) (int, error) {
	if sessionID == "" {
		return 0, errSessionIDEmpty
	}

	ids, err := s.client.SMembers(ctx, s.ownedKey(sessionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list session tasks: %w", err)
	}

	keys := make([]string, 0, len(ids))
	members := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.taskKey(id))
		members = append(members, id)
	}

	var deleted *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(keys) > 0 {
			deleted = pipe.Del(ctx, keys...)
			pipe.SRem(ctx, s.dispatchedKey(), members...)
			pipe.ZRem(ctx, s.retryingKey(), members...)
		}
		pipe.Del(ctx, s.queueKey(sessionID), s.ownedKey(sessionID))
		pipe.SRem(ctx, s.sessionsKey(), sessionID)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge session queue: %w", err)
	}
	if deleted == nil {
		return 0, nil
	}
	return int(deleted.Val()), nil
}

// GetQueueStats returns statistics about queued tasks
func (s *TaskQueueStorage) GetQueueStats(ctx context.Context) (*storage.QueueStats, error) {
	sessions, err := s.client.SMembers(ctx, s.sessionsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	stats := &storage.QueueStats{QueuedBySession: make(map[string]int)}
	var oldest time.Time

	for _, sessionID := range sessions {
		tasks, err := s.GetQueuedTasksForSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		for _, task := range tasks {
			if task.State != storage.TaskStateQueued {
				continue
			}
			stats.TotalQueued++
			stats.QueuedBySession[sessionID]++
			if oldest.IsZero() || task.CreatedAt.Before(oldest) {
				oldest = task.CreatedAt
			}
		}
	}

	dispatched, err := s.client.SCard(ctx, s.dispatchedKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to count dispatched tasks: %w", err)
	}
	stats.TotalDispatched = int(dispatched)

	if !oldest.IsZero() {
		stats.OldestTaskAge = time.Since(oldest)
	}
	return stats, nil
}

// GetQueuedTasksForSession retrieves all tasks still referenced by a session's queue
func (s *TaskQueueStorage) GetQueuedTasksForSession(ctx context.Context, sessionID string) ([]*storage.QueuedTask, error) {
	if sessionID == "" {
		return nil, errSessionIDEmpty
	}

	ids, err := s.client.LRange(ctx, s.queueKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read session queue: %w", err)
	}
	return s.loadTasks(ctx, ids)
}

func (s *TaskQueueStorage) loadTasks(ctx context.Context, ids []string) ([]*storage.QueuedTask, error) {
	result := make([]*storage.QueuedTask, 0, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.taskKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}

	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // expired or purged
		}
		var task storage.QueuedTask
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task %s: %w", ids[i], err)
		}
		result = append(result, &task)
	}
	return result, nil
}

// GetTasksReadyForRetry retrieves tasks whose NextRetryAt has passed
func (s *TaskQueueStorage) GetTasksReadyForRetry(ctx context.Context, limit int) ([]*storage.QueuedTask, error) {
	opt := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}

	ids, err := s.client.ZRangeByScore(ctx, s.retryingKey(), opt).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read retry set: %w", err)
	}

	tasks, err := s.loadTasks(ctx, ids)
	if err != nil {
		return nil, err
	}
	ready := tasks[:0]
	for _, task := range tasks {
		if task.State == storage.TaskStateRetrying {
			ready = append(ready, task)
		}
	}
	return ready, nil
}

// UpdateTaskForRetry updates a task to prepare it for retry
func (s *TaskQueueStorage) UpdateTaskForRetry(ctx context.Context, taskID string, nextRetryAt time.Time, errorMsg string) error {
	return s.updateTask(ctx, taskID, func(task *storage.QueuedTask, pipe redis.Pipeliner) error {
		if task.RetryCount >= task.MaxRetries {
			return fmt.Errorf("max retries (%d) exceeded for task %s", task.MaxRetries, taskID)
		}
		task.RetryCount++
		task.NextRetryAt = &nextRetryAt
		task.State = storage.TaskStateRetrying
		task.Error = errorMsg
		pipe.ZAdd(ctx, s.retryingKey(), redis.Z{Score: float64(nextRetryAt.UnixMilli()), Member: taskID})
		return nil
	})
}

// RequeueTaskForRetry moves a task from retrying state back to queued
func (s *TaskQueueStorage) RequeueTaskForRetry(ctx context.Context, taskID string) error {
	return s.updateTask(ctx, taskID, func(task *storage.QueuedTask, pipe redis.Pipeliner) error {
		if task.State != storage.TaskStateRetrying {
			return fmt.Errorf("task %s is not in retrying state (current: %s)", taskID, task.State)
		}
		task.State = storage.TaskStateQueued
		task.NextRetryAt = nil
		pipe.RPush(ctx, s.queueKey(task.SessionID), taskID)
		pipe.SAdd(ctx, s.sessionsKey(), task.SessionID)
		return nil
	})
}
