// Package store persists job status and result records in Redis with TTLs,
// and tracks lightweight counters over the statuses it has seen.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status is a job's lifecycle state.
type Status string

const (
	Pending    Status = "pending"
	Processing Status = "processing"
	Completed  Status = "completed"
	Absent     Status = "absent"
)

// ErrNotFound is returned when neither a status nor a result record exists.
var ErrNotFound = errors.New("store: job not found")

// StatusRecord is the value stored under job:status:<id>.
type StatusRecord struct {
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// Result is the terminal outcome of a job.
type Result struct {
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        int    `json:"exit_code"`
	CompileError    bool   `json:"compile_error"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
	Cached          bool   `json:"cached"`
}

// Stats tracks coarse counters over status transitions observed by this
// process, in the vein of the teacher's cache-stats bookkeeping.
type Stats struct {
	pendingSeen    int64
	processingSeen int64
	completedSeen  int64
}

func (s *Stats) recordPending()    { atomic.AddInt64(&s.pendingSeen, 1) }
func (s *Stats) recordProcessing() { atomic.AddInt64(&s.processingSeen, 1) }
func (s *Stats) recordCompleted()  { atomic.AddInt64(&s.completedSeen, 1) }

// Snapshot is a point-in-time read of Stats.
type Snapshot struct {
	PendingSeen    int64
	ProcessingSeen int64
	CompletedSeen  int64
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		PendingSeen:    atomic.LoadInt64(&s.pendingSeen),
		ProcessingSeen: atomic.LoadInt64(&s.processingSeen),
		CompletedSeen:  atomic.LoadInt64(&s.completedSeen),
	}
}

// Store is the Redis-backed status/result store.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
	Stats
}

// New wraps rdb as a status/result store with the given record TTL.
func New(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

func statusKey(id string) string { return "job:status:" + id }
func resultKey(id string) string { return "job:result:" + id }

// SetPending records a freshly enqueued job.
func (s *Store) SetPending(ctx context.Context, id string) error {
	s.recordPending()
	return s.setStatus(ctx, id, StatusRecord{Status: Pending, CreatedAt: time.Now().UTC()})
}

// SetProcessing records that a worker has picked up id.
func (s *Store) SetProcessing(ctx context.Context, id string) error {
	s.recordProcessing()
	return s.setStatus(ctx, id, StatusRecord{Status: Processing, StartedAt: time.Now().UTC()})
}

func (s *Store) setStatus(ctx context.Context, id string, rec StatusRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal status %s: %w", id, err)
	}
	if err := s.rdb.Set(ctx, statusKey(id), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store: set status %s: %w", id, err)
	}
	return nil
}

// SetResult persists the terminal result and clears the status key.
func (s *Store) SetResult(ctx context.Context, id string, result Result) error {
	s.recordCompleted()
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("store: marshal result %s: %w", id, err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, resultKey(id), data, s.ttl)
	pipe.Del(ctx, statusKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: persist result %s: %w", id, err)
	}
	return nil
}

// Lookup reports a job's current status record, its result if completed, or
// ErrNotFound if neither exists.
func (s *Store) Lookup(ctx context.Context, id string) (StatusRecord, *Result, error) {
	resData, err := s.rdb.Get(ctx, resultKey(id)).Bytes()
	if err == nil {
		var result Result
		if err := json.Unmarshal(resData, &result); err != nil {
			return StatusRecord{}, nil, fmt.Errorf("store: unmarshal result %s: %w", id, err)
		}
		return StatusRecord{Status: Completed}, &result, nil
	}
	if err != redis.Nil {
		return StatusRecord{}, nil, fmt.Errorf("store: get result %s: %w", id, err)
	}

	statusData, err := s.rdb.Get(ctx, statusKey(id)).Bytes()
	if err == nil {
		var rec StatusRecord
		if err := json.Unmarshal(statusData, &rec); err != nil {
			return StatusRecord{}, nil, fmt.Errorf("store: unmarshal status %s: %w", id, err)
		}
		return rec, nil, nil
	}
	if err != redis.Nil {
		return StatusRecord{}, nil, fmt.Errorf("store: get status %s: %w", id, err)
	}

	return StatusRecord{Status: Absent}, nil, ErrNotFound
}
