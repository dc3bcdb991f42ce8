// Package storage defines the pluggable persistence contracts: slot
// backends for session stores, task queue metadata and session records.
package storage

import (
	"context"
	"time"

	"github.com/AltairaLabs/nma-pipeline/internal/types"
)

// SlotRecord is one persisted slot value with the version it was written at
type SlotRecord struct {
	Name    types.SlotName `json:"name"`
	Value   types.Value    `json:"value"`
	Version types.Version  `json:"version"`
}

// SlotBackend persists the slots of a single session store
type SlotBackend interface {
	// LoadAll returns every persisted slot. Order is unspecified.
	LoadAll(ctx context.Context) ([]SlotRecord, error)

	// WriteBatch persists all records atomically: either every record is
	// durable when it returns nil, or none is.
	WriteBatch(ctx context.Context, records []SlotRecord) error

	// Close releases backend resources
	Close() error
}

// TaskState represents the lifecycle state of a queued task
type TaskState string

const (
	// TaskStateQueued indicates the task is waiting for dispatch
	TaskStateQueued TaskState = "queued"
	// TaskStateDispatched indicates the task's analysis job is running
	TaskStateDispatched TaskState = "dispatched"
	// TaskStateCompleted indicates the task completed successfully
	TaskStateCompleted TaskState = "completed"
	// TaskStateFailed indicates the task failed permanently
	TaskStateFailed TaskState = "failed"
	// TaskStateRetrying indicates the task is waiting for retry
	TaskStateRetrying TaskState = "retrying"
	// TaskStateAbandoned indicates the task was superseded and its result must be discarded
	TaskStateAbandoned TaskState = "abandoned"
)

// Terminal reports whether no further transitions are expected
func (s TaskState) Terminal() bool {
	return s == TaskStateCompleted || s == TaskStateFailed || s == TaskStateAbandoned
}

// QueuedTask represents a stage run submitted to the task queue
type QueuedTask struct {
	ID             string         `json:"id"`
	SessionID      string         `json:"session_id"`
	Stage          types.StageID  `json:"stage"`
	TriggerVersion types.Version  `json:"trigger_version"`
	Sequence       uint64         `json:"sequence"` // Monotonic per session
	State          TaskState      `json:"state"`
	Progress       types.Progress `json:"progress"`
	RetryCount     int            `json:"retry_count"`
	MaxRetries     int            `json:"max_retries"`
	CreatedAt      time.Time      `json:"created_at"`
	DispatchedAt   *time.Time     `json:"dispatched_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	Timeout        time.Duration  `json:"timeout"` // Bound on a single execution attempt
	Error          string         `json:"error,omitempty"`
	NextRetryAt    *time.Time     `json:"next_retry_at,omitempty"`
}

// QueueStats provides statistics about the task queue
type QueueStats struct {
	TotalQueued     int            // Total tasks currently queued
	TotalDispatched int            // Total tasks currently dispatched
	QueuedBySession map[string]int // Tasks queued per session
	OldestTaskAge   time.Duration  // Age of oldest queued task
}

// TaskQueueStorage defines the interface for pluggable task queue backends
type TaskQueueStorage interface {
	// Enqueue adds a task to the queue for a session
	// Returns error if queue is full or task already exists
	Enqueue(ctx context.Context, sessionID string, task *QueuedTask) error

	// Dequeue removes and returns up to limit queued tasks of a session in FIFO order
	// (0 = no limit). Returns empty slice if none are ready.
	Dequeue(ctx context.Context, sessionID string, limit int) ([]*QueuedTask, error)

	// UpdateTaskState updates the state of a task
	// Returns error if task not found
	UpdateTaskState(ctx context.Context, taskID string, state TaskState) error

	// UpdateTaskProgress records how many outcome calls of a dispatched task finished
	UpdateTaskProgress(ctx context.Context, taskID string, progress types.Progress) error

	// FailTask marks a task permanently failed with an error message
	FailTask(ctx context.Context, taskID string, errorMsg string) error

	// GetTask retrieves a specific task by ID
	// Returns nil, nil if task not found
	GetTask(ctx context.Context, taskID string) (*QueuedTask, error)

	// PurgeSessionQueue removes all tasks for a session
	// Returns number of tasks purged
	PurgeSessionQueue(ctx context.Context, sessionID string) (int, error)

	// GetQueueStats returns statistics about queued tasks
	GetQueueStats(ctx context.Context) (*QueueStats, error)

	// GetQueuedTasksForSession retrieves all queued tasks for a session
	GetQueuedTasksForSession(ctx context.Context, sessionID string) ([]*QueuedTask, error)

	// GetTasksReadyForRetry retrieves tasks where NextRetryAt <= now and State == TaskStateRetrying
	// limit parameter controls maximum number of tasks to return (0 = no limit)
	GetTasksReadyForRetry(ctx context.Context, limit int) ([]*QueuedTask, error)

	// UpdateTaskForRetry increments RetryCount, sets NextRetryAt and moves the task to TaskStateRetrying
	// Returns error if task not found or max retries exceeded
	UpdateTaskForRetry(ctx context.Context, taskID string, nextRetryAt time.Time, errorMsg string) error

	// RequeueTaskForRetry moves a task from retrying state back to queued
	// Returns error if task not found or not in retrying state
	RequeueTaskForRetry(ctx context.Context, taskID string) error
}

// SessionRecord is the metadata of one user session
type SessionRecord struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// SessionStateStorage persists session records and per-session task sequencing
type SessionStateStorage interface {
	CreateSession(ctx context.Context, session *SessionRecord) error
	// GetSession returns nil, nil if the session does not exist
	GetSession(ctx context.Context, sessionID string) (*SessionRecord, error)
	DeleteSession(ctx context.Context, sessionID string) error
	ListSessions(ctx context.Context) ([]*SessionRecord, error)
	UpdateSessionActivity(ctx context.Context, sessionID string) error
	// GetNextSequence returns the next task sequence number of a session, starting at 1
	GetNextSequence(ctx context.Context, sessionID string) (uint64, error)
}
