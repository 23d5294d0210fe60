package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podushkina/taskrunner/internal/task"
)

func setupTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return New(client, "test-worker"), mr
}

func newTask(id string) *task.Task {
	return &task.Task{ID: id, Kind: "echo", Input: "hello payload", Shots: 1, Attempt: 1}
}

func TestQueue_EnqueueAndDequeue(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newTask("t1")))

	d, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)

	assert.Equal(t, "t1", d.Task.ID)
	assert.Equal(t, "hello payload", d.Task.Input)
	assert.False(t, d.Task.EnqueuedAt.IsZero())

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Pending)
	assert.Equal(t, int64(1), stats.Processing)

	require.NoError(t, q.Ack(ctx, d))
	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Processing)
}

func TestQueue_DequeueEmpty(t *testing.T) {
	q, _ := setupTestQueue(t)

	d, err := q.Dequeue(context.Background(), 100*time.Millisecond)

	assert.NoError(t, err)
	assert.Nil(t, d)
}

func TestQueue_RetryAndPromote(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newTask("t1")))
	d, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)

	require.NoError(t, q.Retry(ctx, d, time.Minute))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Delayed)
	assert.Equal(t, int64(0), stats.Processing)

	n, err := q.PromoteDue(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = q.PromoteDue(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "t1", again.Task.ID)
	assert.Equal(t, 2, again.Task.Attempt)
}

func TestQueue_Kill(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newTask("t1")))
	d, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	require.NoError(t, q.Kill(ctx, d, "exhausted"))

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "t1", dead[0].Task.ID)
	assert.Equal(t, "exhausted", dead[0].Reason)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Processing)
	assert.Equal(t, int64(1), stats.Dead)
}

func TestQueue_MalformedPayloadIsParked(t *testing.T) {
	q, mr := setupTestQueue(t)
	ctx := context.Background()

	_, err := mr.Push(pendingKey, "{not json")
	require.NoError(t, err)

	d, err := q.Dequeue(ctx, time.Second)
	assert.Error(t, err)
	assert.Nil(t, d)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Processing)
	assert.Equal(t, int64(1), stats.Dead)

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestQueue_Recover(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newTask("t1")))
	require.NoError(t, q.Enqueue(ctx, newTask("t2")))
	_, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "t1", d.Task.ID)
}

func TestQueue_ReapRequeuesStaleDeliveries(t *testing.T) {
	q, mr := setupTestQueue(t)
	ctx := context.Background()

	other := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { other.Close() })
	gone := New(other, "gone-worker")

	require.NoError(t, q.Enqueue(ctx, newTask("t1")))
	d, err := gone.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)

	// lease still fresh
	n, err := q.Reap(ctx, time.Now(), time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = q.Reap(ctx, time.Now().Add(2*time.Minute), time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := gone.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Processing)
	assert.Equal(t, int64(1), stats.Pending)
	assert.False(t, mr.Exists(leasesKey))

	again, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "t1", again.Task.ID)

	// the original holder settling late is harmless
	require.NoError(t, gone.Ack(ctx, d))
	require.NoError(t, q.Ack(ctx, again))
	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Pending)
	assert.Equal(t, int64(0), stats.Processing)
}

func TestQueue_SettleReleasesLease(t *testing.T) {
	q, mr := setupTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, q.Enqueue(ctx, newTask(id)))
	}

	d1, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	d2, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	d3, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	members, err := mr.ZMembers(leasesKey)
	require.NoError(t, err)
	assert.Len(t, members, 3)

	require.NoError(t, q.Ack(ctx, d1))
	require.NoError(t, q.Retry(ctx, d2, time.Hour))
	require.NoError(t, q.Kill(ctx, d3, "exhausted"))
	assert.False(t, mr.Exists(leasesKey))

	n, err := q.Reap(ctx, time.Now().Add(24*time.Hour), time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestQueue_RecoverReleasesLease(t *testing.T) {
	q, mr := setupTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newTask("t1")))
	_, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, mr.Exists(leasesKey))

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, mr.Exists(leasesKey))
}
