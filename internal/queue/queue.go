// Package queue implements the at-least-once work queue on Redis. Members of
// a sorted set are task IDs scored by the time they become visible; Dequeue
// pushes the member's visibility into the future instead of removing it, so a
// crashed worker's task reappears once the visibility window lapses. Ack
// removes the member for good. The queue also carries the cooperative
// cancellation flag checked by the orchestrator between iterations.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	queueKey     = "refine_queue"
	cancelPrefix = "refine_cancel:"
)

type Queue struct {
	client     *redis.Client
	visibility time.Duration
}

// NewQueue connects to Redis. visibility bounds how long a dequeued task stays
// invisible before it is considered abandoned and redelivered.
func NewQueue(redisAddr string, visibility time.Duration) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Queue{client: client, visibility: visibility}, nil
}

// Submit makes taskID immediately visible. Submitting an already-queued ID
// just reschedules it, which keeps redelivery idempotent.
func (q *Queue) Submit(ctx context.Context, taskID string) error {
	return q.client.ZAdd(ctx, queueKey, redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: taskID,
	}).Err()
}

// Dequeue returns the next visible task ID, or "" when none is due. The
// member is not removed; its score moves past the visibility window so it
// comes back if the worker never acks. Two workers racing here may both read
// the same member; the per-task lease arbitrates, the queue only promises
// at-least-once.
func (q *Queue) Dequeue(ctx context.Context) (string, error) {
	now := time.Now().UnixMilli()

	results, err := q.client.ZRangeByScore(ctx, queueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now),
		Count: 1,
	}).Result()
	if err != nil || len(results) == 0 {
		return "", err
	}

	taskID := results[0]
	err = q.client.ZAdd(ctx, queueKey, redis.Z{
		Score:  float64(time.Now().Add(q.visibility).UnixMilli()),
		Member: taskID,
	}).Err()
	if err != nil {
		return "", err
	}

	return taskID, nil
}

// Ack removes a finished task from the queue.
func (q *Queue) Ack(ctx context.Context, taskID string) error {
	return q.client.ZRem(ctx, queueKey, taskID).Err()
}

// Delay reschedules taskID to become visible after d, used when a worker
// finds the task leased elsewhere.
func (q *Queue) Delay(ctx context.Context, taskID string, d time.Duration) error {
	return q.client.ZAdd(ctx, queueKey, redis.Z{
		Score:  float64(time.Now().Add(d).UnixMilli()),
		Member: taskID,
	}).Err()
}

// Depth returns the number of queued tasks, visible or not.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, queueKey).Result()
}

// RequestCancel flags taskID for cooperative cancellation. The flag outlives
// the task long enough for a slow loop to notice it.
func (q *Queue) RequestCancel(ctx context.Context, taskID string) error {
	return q.client.Set(ctx, cancelPrefix+taskID, "1", 24*time.Hour).Err()
}

// CancelRequested reports whether a cancellation flag is set for taskID.
func (q *Queue) CancelRequested(ctx context.Context, taskID string) (bool, error) {
	n, err := q.client.Exists(ctx, cancelPrefix+taskID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClearCancel removes the cancellation flag once it has been honored.
func (q *Queue) ClearCancel(ctx context.Context, taskID string) error {
	return q.client.Del(ctx, cancelPrefix+taskID).Err()
}

func (q *Queue) Close() error {
	return q.client.Close()
}
