package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *RedisQueue {
	t.Helper()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisQueue(client, "relay:jobs")
}

func TestRedisQueue_EnqueueDequeue(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	first := NewJob("propagate-events", []int64{1, 2, 3})
	second := NewJob("propagate-events", []int64{4})

	require.NoError(t, q.Enqueue(ctx, first))
	require.NoError(t, q.Enqueue(ctx, second))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, ok, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, []int64{1, 2, 3}, got.EventIDs)

	got, ok, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second.ID, got.ID)
}

func TestRedisQueue_DequeueTimeout(t *testing.T) {
	q := newTestQueue(t)

	_, ok, err := q.Dequeue(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWorker_ProcessesJobsUntilCancelled(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())

	var processed atomic.Int64
	done := make(chan struct{})

	worker := NewWorker(q, func(ctx context.Context, job Job) error {
		if processed.Add(1) == 2 {
			close(done)
		}
		return nil
	})
	worker.popTimeout = 100 * time.Millisecond

	require.NoError(t, q.Enqueue(ctx, NewJob("propagate-events", []int64{1})))
	require.NoError(t, q.Enqueue(ctx, NewJob("propagate-events", []int64{2})))

	errCh := make(chan error, 1)
	go func() { errCh <- worker.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not process jobs in time")
	}

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}

	assert.Equal(t, int64(2), processed.Load())
}

func TestWorker_SurvivesPanickingHandler(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	worker := NewWorker(q, func(ctx context.Context, job Job) error {
		if job.EventIDs[0] == 1 {
			panic("subscriber blew up")
		}
		close(done)
		return nil
	})
	worker.popTimeout = 100 * time.Millisecond

	require.NoError(t, q.Enqueue(ctx, NewJob("propagate-events", []int64{1})))
	require.NoError(t, q.Enqueue(ctx, NewJob("propagate-events", []int64{2})))

	errCh := make(chan error, 1)
	go func() { errCh <- worker.Run(ctx) }()

	// The second job only completes if the first job's panic was contained.
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not survive the panicking job")
	}

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestInline_DispatchesSynchronously(t *testing.T) {
	var got Job
	q := NewInline(func(ctx context.Context, job Job) error {
		got = job
		return nil
	})

	job := NewJob("propagate-events", []int64{7})
	require.NoError(t, q.Enqueue(context.Background(), job))
	assert.Equal(t, job.ID, got.ID)
}
