package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AltairaLabs/nma-pipeline/internal/storage"
)

// newTestStorage connects to REDIS_URL and namespaces keys per test.
// Tests are skipped when no server is configured.
func newTestStorage(t *testing.T) *TaskQueueStorage {
	t.Helper()
	if os.Getenv("REDIS_URL") == "" {
		t.Skip("REDIS_URL not set")
	}

	ctx := context.Background()
	client, err := Connect(ctx, "")
	require.NoError(t, err)

	prefix := fmt.Sprintf("nma-test-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		keys, _ := client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		_ = client.Close()
	})
	return NewTaskQueueStorage(client, prefix)
}

func queued(id string) *storage.QueuedTask {
	return &storage.QueuedTask{
		ID:         id,
		Stage:      "pairwise",
		State:      storage.TaskStateQueued,
		MaxRetries: 1,
		CreatedAt:  time.Now(),
	}
}

func TestConnectRequiresURL(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	_, err := Connect(context.Background(), "")
	require.Error(t, err)
}

func TestRedisEnqueueDequeue(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, "s1", queued("t1")))
	require.NoError(t, s.Enqueue(ctx, "s1", queued("t2")))
	require.Error(t, s.Enqueue(ctx, "s1", queued("t1")))

	require.NoError(t, s.UpdateTaskState(ctx, "t1", storage.TaskStateAbandoned))

	tasks, err := s.Dequeue(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t2", tasks[0].ID)
	assert.Equal(t, "s1", tasks[0].SessionID)
}

func TestRedisStateAndRetry(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, "s1", queued("t1")))
	_, err := s.Dequeue(ctx, "s1", 0)
	require.NoError(t, err)
	require.NoError(t, s.UpdateTaskState(ctx, "t1", storage.TaskStateDispatched))

	stats, err := s.GetQueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalDispatched)

	require.NoError(t, s.UpdateTaskForRetry(ctx, "t1", time.Now().Add(-time.Second), "unavailable"))
	ready, err := s.GetTasksReadyForRetry(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, 1, ready[0].RetryCount)

	require.NoError(t, s.RequeueTaskForRetry(ctx, "t1"))
	tasks, err := s.Dequeue(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	require.Error(t, s.UpdateTaskForRetry(ctx, "t1", time.Now(), "again"))

	require.NoError(t, s.FailTask(ctx, "t1", "boom"))
	task, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, storage.TaskStateFailed, task.State)
	assert.Equal(t, "boom", task.Error)
}

func TestRedisPurge(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, "s1", queued("t1")))
	require.NoError(t, s.Enqueue(ctx, "s1", queued("t2")))

	n, err := s.PurgeSessionQueue(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	task, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, task)
}
