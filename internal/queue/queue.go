package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis keys for the three queue sets. All are sorted sets: ready is scored
// by ready-at time (which is how delayed redelivery works), inflight by
// visibility deadline, dead by dead-letter time.
const (
	ReadyKey    = "mailq:ready"
	InflightKey = "mailq:inflight"
	DeadKey     = "mailq:dead"
)

// Job is the queue entry payload. It references the stored email record;
// the record is always written before the entry is enqueued, so an entry
// never points at a nonexistent email. Token makes each enqueue a distinct
// sorted-set member so re-enqueues of the same email never collapse.
type Job struct {
	EmailID   string `json:"email_id"`
	MessageID string `json:"message_id"`
	Token     string `json:"token"`
}

// Delivery is a reserved queue entry. The raw member is kept so the entry
// can be acknowledged, requeued, or dead-lettered atomically.
type Delivery struct {
	Job
	member string
}

// deadEntry wraps a job with its failure context in the dead set.
type deadEntry struct {
	Job       Job    `json:"job"`
	LastError string `json:"last_error"`
	DeadAt    int64  `json:"dead_at"`
}

// Lua script for atomic reservation: move all due members from the ready
// set to the in-flight set with a visibility deadline, returning them.
// Entries that are reserved but never acknowledged become due for reclaim
// once the deadline passes, which is what makes delivery at-least-once.
var reserveScript = redis.NewScript(`
local ready = KEYS[1]
local inflight = KEYS[2]
local now = ARGV[1]
local deadline = ARGV[2]
local max = tonumber(ARGV[3])

local members = redis.call('ZRANGEBYSCORE', ready, '-inf', now, 'LIMIT', 0, max)
for _, member in ipairs(members) do
    redis.call('ZREM', ready, member)
    redis.call('ZADD', inflight, deadline, member)
end
return members
`)

// Lua script to reclaim in-flight entries whose visibility deadline passed.
var reclaimScript = redis.NewScript(`
local inflight = KEYS[1]
local ready = KEYS[2]
local now = ARGV[1]

local members = redis.call('ZRANGEBYSCORE', inflight, '-inf', now)
for _, member in ipairs(members) do
    redis.call('ZREM', inflight, member)
    redis.call('ZADD', ready, now, member)
end
return #members
`)

// Queue is a durable at-least-once delivery queue backed by Redis sorted
// sets, with native per-entry delay and a dead-letter set.
type Queue struct {
	client *redis.Client
	logger *slog.Logger
}

func New(client *redis.Client, logger *slog.Logger) *Queue {
	return &Queue{client: client, logger: logger}
}

// Enqueue adds a job to the ready set, visible after the given delay.
// A zero delay makes it immediately reservable.
func (q *Queue) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	if job.Token == "" {
		job.Token = uuid.NewString()
	}

	member, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}

	readyAt := time.Now().Add(delay).UnixMilli()
	if err := q.client.ZAdd(ctx, ReadyKey, redis.Z{
		Score:  float64(readyAt),
		Member: string(member),
	}).Err(); err != nil {
		return fmt.Errorf("enqueueing job: %w", err)
	}
	return nil
}

// Reserve atomically moves up to max due entries into the in-flight set
// with the given visibility window and returns them. Each entry is held by
// at most one consumer until it is acked, requeued, dead-lettered, or its
// visibility deadline expires.
func (q *Queue) Reserve(ctx context.Context, max int, visibility time.Duration) ([]Delivery, error) {
	now := time.Now().UnixMilli()
	deadline := time.Now().Add(visibility).UnixMilli()

	members, err := reserveScript.Run(ctx, q.client,
		[]string{ReadyKey, InflightKey},
		now, deadline, max,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("reserving jobs: %w", err)
	}

	deliveries := make([]Delivery, 0, len(members))
	for _, member := range members {
		var job Job
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			// Malformed entry: drop it rather than poison the queue
			q.logger.Error("dropping malformed queue entry", "error", err)
			if err := q.client.ZRem(ctx, InflightKey, member).Err(); err != nil {
				q.logger.Error("failed to remove malformed queue entry", "error", err)
			}
			continue
		}
		deliveries = append(deliveries, Delivery{Job: job, member: member})
	}
	return deliveries, nil
}

// Ack removes a reserved entry permanently.
func (q *Queue) Ack(ctx context.Context, d Delivery) error {
	if err := q.client.ZRem(ctx, InflightKey, d.member).Err(); err != nil {
		return fmt.Errorf("acking job: %w", err)
	}
	return nil
}

// Requeue moves a reserved entry back to the ready set, visible after the
// given delay. Used for retry backoff: the delay is per-entry and never
// blocks other consumption.
func (q *Queue) Requeue(ctx context.Context, d Delivery, delay time.Duration) error {
	readyAt := time.Now().Add(delay).UnixMilli()

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, InflightKey, d.member)
	pipe.ZAdd(ctx, ReadyKey, redis.Z{Score: float64(readyAt), Member: d.member})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeueing job: %w", err)
	}
	return nil
}

// DeadLetter rejects a reserved entry permanently, routing it to the dead
// set with its last known error. Dead entries are never redelivered.
func (q *Queue) DeadLetter(ctx context.Context, d Delivery, lastError string) error {
	entry, err := json.Marshal(deadEntry{
		Job:       d.Job,
		LastError: lastError,
		DeadAt:    time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshaling dead entry: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, InflightKey, d.member)
	pipe.ZAdd(ctx, DeadKey, redis.Z{Score: float64(time.Now().UnixMilli()), Member: string(entry)})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dead-lettering job: %w", err)
	}
	return nil
}

// Reclaim moves expired in-flight entries back to the ready set, making
// work abandoned by crashed consumers visible again. Returns the number of
// entries reclaimed.
func (q *Queue) Reclaim(ctx context.Context) (int, error) {
	now := time.Now().UnixMilli()
	n, err := reclaimScript.Run(ctx, q.client,
		[]string{InflightKey, ReadyKey}, now,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("reclaiming jobs: %w", err)
	}
	return n, nil
}

// PendingEmailIDs returns the set of email IDs currently referenced by any
// ready or in-flight entry. The reconciliation sweep uses this to avoid
// re-enqueueing emails that already have a live entry.
func (q *Queue) PendingEmailIDs(ctx context.Context) (map[string]bool, error) {
	ids := make(map[string]bool)
	for _, key := range []string{ReadyKey, InflightKey} {
		members, err := q.client.ZRange(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("listing %s entries: %w", key, err)
		}
		for _, member := range members {
			var job Job
			if err := json.Unmarshal([]byte(member), &job); err != nil {
				continue
			}
			ids[job.EmailID] = true
		}
	}
	return ids, nil
}

// Depth returns the number of entries waiting in the ready set.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, ReadyKey).Result()
}

// DeadDepth returns the number of entries in the dead set.
func (q *Queue) DeadDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, DeadKey).Result()
}
