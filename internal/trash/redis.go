package trash

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisQueue keeps pending jobs in a redis list. Received jobs are parked in
// a processing list until acknowledged, so a crashed worker's jobs can be
// requeued with Recover.
type RedisQueue struct {
	client      redis.UniversalClient
	pending     string
	processing  string
	pollTimeout time.Duration
}

// NewRedisQueue returns a broker using lists under prefix.
func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	return &RedisQueue{
		client:      client,
		pending:     prefix + "jobs",
		processing:  prefix + "processing",
		pollTimeout: 5 * time.Second,
	}
}

// Enqueue pushes job onto the pending list.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode trash job: %w", err)
	}
	return q.client.LPush(ctx, q.pending, payload).Err()
}

// Receive moves the oldest pending job into the processing list.
func (q *RedisQueue) Receive(ctx context.Context) (Delivery, error) {
	for {
		payload, err := q.client.BRPopLPush(ctx, q.pending, q.processing, q.pollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return Delivery{}, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Delivery{}, ctx.Err()
			}
			return Delivery{}, err
		}
		var job Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			_ = q.client.LRem(ctx, q.processing, 1, payload).Err()
			return Delivery{}, fmt.Errorf("decode trash job: %w", err)
		}
		return Delivery{
			Job: job,
			ack: func(ctx context.Context) error {
				return q.client.LRem(ctx, q.processing, 1, payload).Err()
			},
			retry: func(ctx context.Context) error {
				next := job
				next.Attempts++
				if err := q.Enqueue(ctx, next); err != nil {
					return err
				}
				return q.client.LRem(ctx, q.processing, 1, payload).Err()
			},
		}, nil
	}
}

// Recover moves jobs left in the processing list back to pending. Call it
// before starting workers.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.RPopLPush(ctx, q.processing, q.pending).Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, err
		}
		moved++
	}
}
