// Package queue implements the durable FIFO job queue backed by Redis.
// Producers push whole job records; a single blocking pop is the only
// coordination point workers need to agree on who owns which job.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const queueKey = "queue:code-execution"

// Job is one unit of work pushed to the queue.
type Job struct {
	ID         string    `json:"id"`
	Language   string    `json:"language"`
	Code       string    `json:"code"`
	SubmittedAt time.Time `json:"submitted_at"`
	Fingerprint string   `json:"client_fingerprint,omitempty"`
}

// Queue is a Redis-backed FIFO list of Job records.
type Queue struct {
	rdb *redis.Client
	key string
}

// New wraps rdb as a job queue using the default key.
func New(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb, key: queueKey}
}

// Enqueue pushes job onto the head of the list (LPUSH); Dequeue pops from
// the tail, so jobs come out in the order they were enqueued.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job %s: %w", job.ID, err)
	}
	if err := q.rdb.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("queue: enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// Dequeue blocks up to timeout for a job to become available. It returns
// (nil, nil) on a timeout with no job, distinguishing that from an error.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}
	// res is [key, value]; BRPop blocks on a single key here so len == 2.
	if len(res) != 2 {
		return nil, fmt.Errorf("queue: unexpected BRPOP reply shape: %v", res)
	}
	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("queue: unmarshal job: %w", err)
	}
	return &job, nil
}

// Len returns the current queue depth.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: len: %w", err)
	}
	return n, nil
}
