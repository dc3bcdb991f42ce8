package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AltairaLabs/nma-pipeline/internal/analysis/mock"
	"github.com/AltairaLabs/nma-pipeline/internal/config"
	"github.com/AltairaLabs/nma-pipeline/internal/kvstore"
	"github.com/AltairaLabs/nma-pipeline/internal/logging"
	"github.com/AltairaLabs/nma-pipeline/internal/storage/memory"
	"github.com/AltairaLabs/nma-pipeline/internal/taskqueue"
	"github.com/AltairaLabs/nma-pipeline/internal/types"
)

// stuckQueue accepts tasks that never finish
type stuckQueue struct {
	mu        sync.Mutex
	submitted int
	abandoned []taskqueue.Handle
}

func (q *stuckQueue) Submit(_ context.Context, sessionID string, _ taskqueue.Spec, _ taskqueue.Job) (taskqueue.Handle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.submitted++
	return taskqueue.Handle{TaskID: "t1", SessionID: sessionID}, nil
}

func (q *stuckQueue) Poll(context.Context, taskqueue.Handle) (taskqueue.Status, error) {
	return taskqueue.Started{Progress: types.Progress{Current: 1, Total: 2}}, nil
}

func (q *stuckQueue) Abandon(_ context.Context, h taskqueue.Handle) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.abandoned = append(q.abandoned, h)
	return nil
}

func (q *stuckQueue) abandonCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.abandoned)
}

func TestAsyncExecutorPollLimit(t *testing.T) {
	q := &stuckQueue{}
	exec := NewAsyncExecutor(q, NewRunner(mock.New(), 1), time.Millisecond, 3)
	st := stageByID(t, kvstore.StageNMA)

	var last types.Progress
	_, err := exec.Execute(context.Background(), Run{SessionID: "s", Stage: st, TriggerVersion: 1}, outcomesInput(2), func(p types.Progress) {
		last = p
	})
	if !errors.Is(err, ErrPollLimit) {
		t.Fatalf("Execute() error = %v, want ErrPollLimit", err)
	}
	if q.abandonCount() != 1 {
		t.Errorf("abandoned %d tasks, want 1", q.abandonCount())
	}
	if last.Current != 1 || last.Total != 2 {
		t.Errorf("progress = %+v, want 1/2", last)
	}
	if tasks := exec.Tasks("s"); len(tasks) != 0 {
		t.Errorf("Tasks() = %v after the run ended", tasks)
	}
}

func TestAsyncExecutorTracksInflightTasks(t *testing.T) {
	q := &stuckQueue{}
	exec := NewAsyncExecutor(q, NewRunner(mock.New(), 1), time.Millisecond, 0)
	st := stageByID(t, kvstore.StageNMA)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = exec.Execute(ctx, Run{SessionID: "s", Stage: st, TriggerVersion: 1}, outcomesInput(1), nil)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(exec.Tasks("s")) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := exec.Tasks("s")[kvstore.StageNMA]; got != "t1" {
		t.Errorf("Tasks()[nma] = %q, want t1", got)
	}
	cancel()
	<-done
}

func TestAsyncExecutorAbandonsOnCancel(t *testing.T) {
	q := &stuckQueue{}
	exec := NewAsyncExecutor(q, NewRunner(mock.New(), 1), time.Millisecond, 0)
	st := stageByID(t, kvstore.StageNMA)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := exec.Execute(ctx, Run{SessionID: "s", Stage: st, TriggerVersion: 1}, outcomesInput(1), nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Execute() error = %v, want deadline exceeded", err)
	}
	if q.abandonCount() != 1 {
		t.Errorf("abandoned %d tasks, want 1", q.abandonCount())
	}
}

func newTestQueue(t *testing.T) *taskqueue.TaskQueue {
	t.Helper()
	cfg := taskqueue.DefaultConfig()
	cfg.Queue.DispatchInterval = 2 * time.Millisecond
	cfg.Retry = config.RetryConfig{CheckInterval: 5 * time.Millisecond, BatchSize: 10}
	tq := taskqueue.NewTaskQueue(memory.NewTaskQueueStorage(0, 0), nil, cfg, logging.Discard())
	tq.Start()
	t.Cleanup(tq.Stop)
	return tq
}

func TestAsyncModeHappyPath(t *testing.T) {
	tq := newTestQueue(t)
	engine := mock.New()
	exec := NewAsyncExecutor(tq, NewRunner(engine, 2), 2*time.Millisecond, 0)

	store := openStore(t, memory.NewSlotBackend())
	t.Cleanup(func() { _ = store.Close() })
	p := startPipeline(t, store, exec)

	upload(t, p, 2)
	waitIdle(t, p)

	for _, view := range p.Status().Stages {
		if view.Status != types.StatusDone {
			t.Errorf("stage %s = %s (%s), want done", view.Stage, view.Status, view.Error)
		}
	}
	if n := listLen(t, store, kvstore.SlotLeagueTableData); n != 3 {
		t.Errorf("league_table_data has %d entries, want 3", n)
	}
	if err := p.Commit(context.Background()); err != nil {
		t.Errorf("Commit() error: %v", err)
	}
}

func TestAsyncModeFailure(t *testing.T) {
	tq := newTestQueue(t)
	engine := mock.New()
	engine.FailOn(kvstore.StagePairwise, 1, errors.New("too few studies"))
	exec := NewAsyncExecutor(tq, NewRunner(engine, 2), 2*time.Millisecond, 0)

	store := openStore(t, memory.NewSlotBackend())
	t.Cleanup(func() { _ = store.Close() })
	p := startPipeline(t, store, exec)

	upload(t, p, 2)
	waitIdle(t, p)

	st := p.Status()
	if got := stageStatus(st, kvstore.StagePairwise); got != types.StatusFailed {
		t.Errorf("pairwise = %s, want failed", got)
	}
	if got := stageStatus(st, kvstore.StageFunnel); got != types.StatusBlocked {
		t.Errorf("funnel = %s, want blocked", got)
	}
	if engine.Calls(kvstore.StagePairwise) != 2 {
		t.Errorf("pairwise analyzed %d times, want 2 (analysis errors are not retried)", engine.Calls(kvstore.StagePairwise))
	}
}
