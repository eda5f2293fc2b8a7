package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPopTimeout = 5 * time.Second

// RedisQueue is a Redis-list job transport: LPUSH on enqueue, BRPOP on
// dequeue, so jobs come off in enqueue order.
type RedisQueue struct {
	client *redis.Client
	key    string
}

func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	return &RedisQueue{client: client, key: key}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, raw).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	slog.Debug("[Queue] Enqueued job", "job_id", job.ID, "name", job.Name, "events", len(job.EventIDs))
	return nil
}

// Dequeue blocks up to timeout for the next job. The second return is false
// when the timeout elapsed with nothing to do.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (Job, bool, error) {
	if timeout <= 0 {
		timeout = defaultPopTimeout
	}

	res, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Job{}, false, nil
		}
		return Job{}, false, fmt.Errorf("failed to dequeue job: %w", err)
	}

	// BRPop returns [key, value].
	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return Job{}, false, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return job, true, nil
}

// Len reports the number of pending jobs.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return n, nil
}

// Worker pulls jobs off a RedisQueue and runs the handler. A handler error
// is logged and the job is dropped; the handler owns retries if it wants
// them.
type Worker struct {
	queue      *RedisQueue
	handler    Handler
	popTimeout time.Duration
}

func NewWorker(queue *RedisQueue, handler Handler) *Worker {
	return &Worker{queue: queue, handler: handler, popTimeout: defaultPopTimeout}
}

// Run loops until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("[Queue] Worker started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("[Queue] Worker stopped")
			return ctx.Err()
		default:
		}

		job, ok, err := w.queue.Dequeue(ctx, w.popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("[Queue] Worker stopped")
				return ctx.Err()
			}
			slog.Error("[Queue] Dequeue failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			continue
		}

		if err := w.handle(ctx, job); err != nil {
			slog.Error("[Queue] Job failed",
				"job_id", job.ID,
				"name", job.Name,
				"events", len(job.EventIDs),
				"error", err)
		}
	}
}

// handle runs one job. A panicking handler must not take the worker loop
// down with it, so panics are converted into job errors.
func (w *Worker) handle(ctx context.Context, job Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return w.handler(ctx, job)
}
