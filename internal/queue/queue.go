// Package queue carries fan-out jobs from the change scope to the
// dispatcher worker. The production transport is a Redis list; tests and
// queueless deployments use the inline queue, which dispatches
// synchronously at enqueue time.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Job is one fan-out unit: the ids of the events captured by a single
// change scope exit. Subscribers receive the whole batch in order.
type Job struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	EventIDs   []int64   `json:"event_ids"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewJob creates a job with a fresh uuid.
func NewJob(name string, eventIDs []int64) Job {
	return Job{
		ID:         uuid.NewString(),
		Name:       name,
		EventIDs:   eventIDs,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Handler processes one job. Delivery is at least once: handlers must be
// idempotent.
type Handler func(ctx context.Context, job Job) error

// Queue enqueues fan-out jobs.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
}

// Inline dispatches jobs synchronously at enqueue time. It backs tests and
// single-process deployments without Redis.
type Inline struct {
	handler Handler
}

func NewInline(handler Handler) *Inline {
	return &Inline{handler: handler}
}

func (q *Inline) Enqueue(ctx context.Context, job Job) error {
	return q.handler(ctx, job)
}
