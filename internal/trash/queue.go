// Package trash reclaims storage of deleted deploys asynchronously. The deploy
// engine enqueues a job once a deploy row is soft-deleted; workers remove the
// deploy's file tree later. Delivery is at-least-once, and deleting an already
// empty prefix is a no-op.
package trash

import (
	"context"
	"errors"
	"time"
)

// ErrQueueFull is returned when an in-process queue has no free slot.
var ErrQueueFull = errors.New("trash: queue full")

// Job asks for every object under Path to be removed.
type Job struct {
	Path       string    `json:"path"`
	Reason     string    `json:"reason"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	Attempts   int       `json:"attempts"`
}

// Queue accepts jobs. Enqueue never waits for the deletion itself.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
}

// Delivery is a received job awaiting acknowledgement.
type Delivery struct {
	Job   Job
	ack   func(ctx context.Context) error
	retry func(ctx context.Context) error
}

// Ack marks the job done.
func (d Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Retry hands the job back to the queue with its attempt count bumped.
func (d Delivery) Retry(ctx context.Context) error {
	if d.retry == nil {
		return nil
	}
	return d.retry(ctx)
}

// Broker is a queue that can also be consumed.
type Broker interface {
	Queue
	// Receive blocks until a job is available or ctx is done.
	Receive(ctx context.Context) (Delivery, error)
}

// MemoryQueue is a buffered in-process broker. Jobs are lost on restart.
type MemoryQueue struct {
	jobs chan Job
}

// NewMemoryQueue returns a queue holding up to size pending jobs.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{jobs: make(chan Job, size)}
}

// Enqueue adds job without blocking.
func (q *MemoryQueue) Enqueue(_ context.Context, job Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Receive waits for the next job.
func (q *MemoryQueue) Receive(ctx context.Context) (Delivery, error) {
	select {
	case job := <-q.jobs:
		return Delivery{
			Job: job,
			retry: func(ctx context.Context) error {
				job.Attempts++
				return q.Enqueue(ctx, job)
			},
		}, nil
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}

// Len reports the number of pending jobs.
func (q *MemoryQueue) Len() int {
	return len(q.jobs)
}
