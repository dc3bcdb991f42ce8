package taskqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/AltairaLabs/nma-pipeline/internal/storage"
	"github.com/AltairaLabs/nma-pipeline/internal/types"
)

var (
	// ErrTaskNotFound is returned for handles the queue does not know
	ErrTaskNotFound = errors.New("task not found")
	// ErrQueueStopped is returned by Submit after Stop
	ErrQueueStopped = errors.New("task queue is stopped")
	// ErrAbandoned is the failure of a superseded task
	ErrAbandoned = errors.New("task abandoned")
)

// Job computes a stage's outputs. progress reports finished outcome calls.
type Job func(ctx context.Context, progress func(types.Progress)) (map[types.SlotName]types.Value, error)

// Handle identifies a submitted task
type Handle struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id"`
}

// Spec describes the stage run a task belongs to
type Spec struct {
	Stage          types.StageID
	TriggerVersion types.Version
}

// StatusKind names the variants of Status
type StatusKind string

const (
	StatusPending StatusKind = "pending"
	StatusStarted StatusKind = "started"
	StatusSuccess StatusKind = "success"
	StatusFailure StatusKind = "failure"
)

// Status is the polled state of a task: Pending, Started, Success or Failure
type Status interface {
	Kind() StatusKind
	isStatus()
}

// Pending tasks wait for dispatch, possibly after a failed attempt
type Pending struct{}

// Started tasks are running; Progress counts finished outcome calls
type Started struct {
	Progress types.Progress
}

// Success carries the outputs of a finished task
type Success struct {
	Outputs map[types.SlotName]types.Value
}

// Failure carries the final error of a task
type Failure struct {
	Err error
}

func (Pending) Kind() StatusKind { return StatusPending }
func (Started) Kind() StatusKind { return StatusStarted }
func (Success) Kind() StatusKind { return StatusSuccess }
func (Failure) Kind() StatusKind { return StatusFailure }

func (Pending) isStatus() {}
func (Started) isStatus() {}
func (Success) isStatus() {}
func (Failure) isStatus() {}

// TaskError is the error of a failed task as seen by a poller
type TaskError struct {
	TaskID  string
	Message string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s: %s", e.TaskID, e.Message)
}

// TaskInfo is the queue's view of one task, for status reporting
type TaskInfo struct {
	Handle Handle
	Task   *storage.QueuedTask
	Status Status
}
