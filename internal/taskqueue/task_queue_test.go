package taskqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/AltairaLabs/nma-pipeline/internal/config"
	"github.com/AltairaLabs/nma-pipeline/internal/logging"
	"github.com/AltairaLabs/nma-pipeline/internal/storage"
	"github.com/AltairaLabs/nma-pipeline/internal/storage/memory"
	"github.com/AltairaLabs/nma-pipeline/internal/taskqueue/retry"
	"github.com/AltairaLabs/nma-pipeline/internal/types"
)

const testSessionID = "test-session"

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Queue.DispatchInterval = 5 * time.Millisecond
	cfg.Retry = config.RetryConfig{CheckInterval: 5 * time.Millisecond, BatchSize: 10}
	cfg.Policy = retry.Policy{
		MaxRetries:        2,
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2,
	}
	cfg.TaskTimeout = time.Second
	return cfg
}

func newTestQueue(t *testing.T) (*TaskQueue, *memory.TaskQueueStorage) {
	t.Helper()
	store := memory.NewTaskQueueStorage(0, 0)
	tq := NewTaskQueue(store, nil, testConfig(), logging.Discard())
	tq.Start()
	t.Cleanup(tq.Stop)
	return tq, store
}

// waitFor polls until the task reaches a terminal status or the deadline passes
func waitFor(t *testing.T, tq *TaskQueue, h Handle, want StatusKind) Status {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, err := tq.Poll(context.Background(), h)
		if err != nil {
			t.Fatalf("Poll() error: %v", err)
		}
		if st.Kind() == want {
			return st
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach %s", h.TaskID, want)
	return nil
}

func TestSubmitAndPollSuccess(t *testing.T) {
	tq, _ := newTestQueue(t)

	h, err := tq.Submit(context.Background(), testSessionID, Spec{Stage: "nma", TriggerVersion: 3},
		func(ctx context.Context, progress func(types.Progress)) (map[types.SlotName]types.Value, error) {
			progress(types.Progress{Current: 1, Total: 1})
			return map[types.SlotName]types.Value{"forest_data": types.Value(`[{}]`)}, nil
		})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if h.SessionID != testSessionID || h.TaskID == "" {
		t.Errorf("unexpected handle %+v", h)
	}

	st := waitFor(t, tq, h, StatusSuccess)
	out := st.(Success).Outputs
	if string(out["forest_data"]) != `[{}]` {
		t.Errorf("outputs = %v", out)
	}

	info, err := tq.Task(context.Background(), h.TaskID)
	if err != nil {
		t.Fatalf("Task() error: %v", err)
	}
	if info.Task.Stage != "nma" || info.Task.TriggerVersion != 3 {
		t.Errorf("task metadata = %+v", info.Task)
	}
	if info.Task.Progress.Current != 1 {
		t.Errorf("progress = %+v, want 1/1", info.Task.Progress)
	}
}

func TestStartedReportsProgress(t *testing.T) {
	tq, _ := newTestQueue(t)
	release := make(chan struct{})

	h, err := tq.Submit(context.Background(), testSessionID, Spec{Stage: "nma"},
		func(ctx context.Context, progress func(types.Progress)) (map[types.SlotName]types.Value, error) {
			progress(types.Progress{Current: 1, Total: 3})
			<-release
			return map[types.SlotName]types.Value{}, nil
		})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		st, err := tq.Poll(context.Background(), h)
		if err != nil {
			t.Fatalf("Poll() error: %v", err)
		}
		if s, ok := st.(Started); ok && s.Progress.Current == 1 {
			if s.Progress.Total != 3 {
				t.Errorf("progress total = %d, want 3", s.Progress.Total)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task never reported progress")
		}
		time.Sleep(2 * time.Millisecond)
	}
	close(release)
	waitFor(t, tq, h, StatusSuccess)
}

func TestAnalysisFailureIsNotRetried(t *testing.T) {
	tq, _ := newTestQueue(t)
	var calls atomic.Int32

	h, _ := tq.Submit(context.Background(), testSessionID, Spec{Stage: "nma"},
		func(context.Context, func(types.Progress)) (map[types.SlotName]types.Value, error) {
			calls.Add(1)
			return nil, errors.New("singular matrix")
		})

	st := waitFor(t, tq, h, StatusFailure)
	var taskErr *TaskError
	if !errors.As(st.(Failure).Err, &taskErr) || taskErr.Message != "singular matrix" {
		t.Errorf("failure = %v", st.(Failure).Err)
	}
	if calls.Load() != 1 {
		t.Errorf("job ran %d times, want 1", calls.Load())
	}
}

func TestUnavailableIsRetried(t *testing.T) {
	tq, store := newTestQueue(t)
	var calls atomic.Int32

	h, _ := tq.Submit(context.Background(), testSessionID, Spec{Stage: "nma"},
		func(context.Context, func(types.Progress)) (map[types.SlotName]types.Value, error) {
			if calls.Add(1) < 3 {
				return nil, status.Error(codes.Unavailable, "engine down")
			}
			return map[types.SlotName]types.Value{}, nil
		})

	waitFor(t, tq, h, StatusSuccess)
	if calls.Load() != 3 {
		t.Errorf("job ran %d times, want 3", calls.Load())
	}
	task, _ := store.GetTask(context.Background(), h.TaskID)
	if task.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", task.RetryCount)
	}
}

func TestRetriesExhausted(t *testing.T) {
	tq, _ := newTestQueue(t)
	var calls atomic.Int32

	h, _ := tq.Submit(context.Background(), testSessionID, Spec{Stage: "nma"},
		func(context.Context, func(types.Progress)) (map[types.SlotName]types.Value, error) {
			calls.Add(1)
			return nil, status.Error(codes.Unavailable, "engine down")
		})

	waitFor(t, tq, h, StatusFailure)
	if calls.Load() != 3 {
		t.Errorf("job ran %d times, want 3 (1 + 2 retries)", calls.Load())
	}
}

func TestAbandonDiscardsResult(t *testing.T) {
	tq, store := newTestQueue(t)
	started := make(chan struct{})

	h, _ := tq.Submit(context.Background(), testSessionID, Spec{Stage: "nma"},
		func(ctx context.Context, _ func(types.Progress)) (map[types.SlotName]types.Value, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})

	<-started
	if err := tq.Abandon(context.Background(), h); err != nil {
		t.Fatalf("Abandon() error: %v", err)
	}

	st := waitFor(t, tq, h, StatusFailure)
	if !errors.Is(st.(Failure).Err, ErrAbandoned) {
		t.Errorf("failure = %v, want ErrAbandoned", st.(Failure).Err)
	}
	task, _ := store.GetTask(context.Background(), h.TaskID)
	if task.State != storage.TaskStateAbandoned {
		t.Errorf("state = %s, want abandoned", task.State)
	}
}

func TestPollUnknownTask(t *testing.T) {
	tq, _ := newTestQueue(t)
	_, err := tq.Poll(context.Background(), Handle{TaskID: "missing"})
	if !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Poll() error = %v, want ErrTaskNotFound", err)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	store := memory.NewTaskQueueStorage(0, 0)
	tq := NewTaskQueue(store, nil, testConfig(), logging.Discard())
	tq.Start()
	tq.Stop()

	_, err := tq.Submit(context.Background(), testSessionID, Spec{Stage: "nma"}, nil)
	if !errors.Is(err, ErrQueueStopped) {
		t.Errorf("Submit() error = %v, want ErrQueueStopped", err)
	}
}

func TestOrphanedTaskFails(t *testing.T) {
	ctx := context.Background()
	store := memory.NewTaskQueueStorage(0, 0)
	orphan := &storage.QueuedTask{
		ID:        "orphan",
		SessionID: testSessionID,
		Stage:     "nma",
		State:     storage.TaskStateQueued,
		CreatedAt: time.Now(),
	}
	if err := store.Enqueue(ctx, testSessionID, orphan); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	tq := NewTaskQueue(store, nil, testConfig(), logging.Discard())
	tq.Start()
	defer tq.Stop()

	waitFor(t, tq, Handle{TaskID: "orphan", SessionID: testSessionID}, StatusFailure)
}

func TestSequencesFromSessionStorage(t *testing.T) {
	ctx := context.Background()
	sessions := memory.NewSessionStateStorage()
	if err := sessions.CreateSession(ctx, &storage.SessionRecord{ID: testSessionID, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}
	store := memory.NewTaskQueueStorage(0, 0)
	tq := NewTaskQueue(store, sessions, testConfig(), logging.Discard())
	defer tq.Stop()

	noop := func(context.Context, func(types.Progress)) (map[types.SlotName]types.Value, error) { return nil, nil }
	first, _ := tq.Submit(ctx, testSessionID, Spec{Stage: "nma"}, noop)
	second, _ := tq.Submit(ctx, testSessionID, Spec{Stage: "nma"}, noop)

	a, _ := store.GetTask(ctx, first.TaskID)
	b, _ := store.GetTask(ctx, second.TaskID)
	if b.Sequence != a.Sequence+1 {
		t.Errorf("sequences %d, %d are not consecutive", a.Sequence, b.Sequence)
	}
}
