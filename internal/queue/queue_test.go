package queue

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(client, logger)
}

func TestQueue_EnqueueReserveAck(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	job := Job{EmailID: "em-1", MessageID: "msg_1"}
	if err := q.Enqueue(ctx, job, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deliveries, err := q.Reserve(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(deliveries))
	}
	if deliveries[0].EmailID != "em-1" || deliveries[0].MessageID != "msg_1" {
		t.Errorf("unexpected job: %+v", deliveries[0].Job)
	}

	// Reserved entries are held by one consumer: a second reserve sees nothing
	again, err := q.Reserve(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("expected no deliveries while entry is in flight, got %d", len(again))
	}

	if err := q.Ack(ctx, deliveries[0]); err != nil {
		t.Fatalf("ack: %v", err)
	}

	depth, _ := q.Depth(ctx)
	if depth != 0 {
		t.Errorf("expected empty ready set after ack, got depth %d", depth)
	}
}

func TestQueue_DelayedEntryNotVisible(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, Job{EmailID: "em-1", MessageID: "msg_1"}, time.Hour); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deliveries, err := q.Reserve(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if len(deliveries) != 0 {
		t.Errorf("delayed entry should not be reservable yet, got %d", len(deliveries))
	}

	depth, _ := q.Depth(ctx)
	if depth != 1 {
		t.Errorf("delayed entry should still be in the ready set, got depth %d", depth)
	}
}

func TestQueue_RequeueWithDelay(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, Job{EmailID: "em-1", MessageID: "msg_1"}, 0)
	deliveries, _ := q.Reserve(ctx, 10, time.Minute)
	if len(deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(deliveries))
	}

	if err := q.Requeue(ctx, deliveries[0], 20*time.Millisecond); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	// Not yet visible
	before, _ := q.Reserve(ctx, 10, time.Minute)
	if len(before) != 0 {
		t.Fatalf("requeued entry should not be visible before its delay, got %d", len(before))
	}

	time.Sleep(30 * time.Millisecond)

	after, err := q.Reserve(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if len(after) != 1 {
		t.Fatalf("requeued entry should be visible after its delay, got %d", len(after))
	}
	if after[0].EmailID != "em-1" {
		t.Errorf("unexpected job after requeue: %+v", after[0].Job)
	}
}

func TestQueue_ReclaimExpiredInflight(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, Job{EmailID: "em-1", MessageID: "msg_1"}, 0)

	// Reserve with a tiny visibility window, then simulate a consumer crash
	// by never acking
	deliveries, _ := q.Reserve(ctx, 10, 10*time.Millisecond)
	if len(deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(deliveries))
	}

	time.Sleep(20 * time.Millisecond)

	n, err := q.Reclaim(ctx)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed entry, got %d", n)
	}

	// The entry is redeliverable: at-least-once, never silently dropped
	again, _ := q.Reserve(ctx, 10, time.Minute)
	if len(again) != 1 {
		t.Errorf("reclaimed entry should be reservable again, got %d", len(again))
	}
}

func TestQueue_ReclaimLeavesLiveInflightAlone(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, Job{EmailID: "em-1", MessageID: "msg_1"}, 0)
	q.Reserve(ctx, 10, time.Minute)

	n, err := q.Reclaim(ctx)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 0 {
		t.Errorf("entries within their visibility window must not be reclaimed, got %d", n)
	}
}

func TestQueue_DeadLetter(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, Job{EmailID: "em-1", MessageID: "msg_1"}, 0)
	deliveries, _ := q.Reserve(ctx, 10, time.Minute)
	if len(deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(deliveries))
	}

	if err := q.DeadLetter(ctx, deliveries[0], "mailbox unavailable"); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	deadDepth, _ := q.DeadDepth(ctx)
	if deadDepth != 1 {
		t.Errorf("expected 1 dead entry, got %d", deadDepth)
	}

	// Dead entries are never redelivered
	again, _ := q.Reserve(ctx, 10, time.Minute)
	if len(again) != 0 {
		t.Errorf("dead-lettered entry must not be redelivered, got %d", len(again))
	}
}

func TestQueue_PendingEmailIDs(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, Job{EmailID: "em-ready", MessageID: "msg_r"}, time.Hour)
	q.Enqueue(ctx, Job{EmailID: "em-inflight", MessageID: "msg_i"}, 0)
	q.Reserve(ctx, 10, time.Minute)

	ids, err := q.PendingEmailIDs(ctx)
	if err != nil {
		t.Fatalf("pending ids: %v", err)
	}

	if !ids["em-ready"] {
		t.Error("ready entry should be reported as pending")
	}
	if !ids["em-inflight"] {
		t.Error("in-flight entry should be reported as pending")
	}
	if ids["em-gone"] {
		t.Error("unknown email should not be reported as pending")
	}
}

func TestQueue_DistinctTokensPerEnqueue(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	// The same email enqueued twice must yield two distinct entries
	q.Enqueue(ctx, Job{EmailID: "em-1", MessageID: "msg_1"}, 0)
	q.Enqueue(ctx, Job{EmailID: "em-1", MessageID: "msg_1"}, 0)

	depth, _ := q.Depth(ctx)
	if depth != 2 {
		t.Errorf("expected 2 entries for double enqueue, got %d", depth)
	}
}

func TestQueue_MalformedEntryDroppedOnReserve(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	if err := q.client.ZAdd(ctx, ReadyKey, redis.Z{
		Score:  float64(time.Now().Add(-time.Second).UnixMilli()),
		Member: "not-json",
	}).Err(); err != nil {
		t.Fatalf("zadd: %v", err)
	}
	if err := q.Enqueue(ctx, Job{EmailID: "em-ok", MessageID: "msg_ok"}, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deliveries, err := q.Reserve(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if len(deliveries) != 1 || deliveries[0].EmailID != "em-ok" {
		t.Fatalf("expected only the valid entry, got %v", deliveries)
	}

	// The malformed member must be fully discarded, not left in-flight
	// where reclaim would resurrect it.
	inflight, _ := q.client.ZCard(ctx, InflightKey).Result()
	if inflight != 1 {
		t.Errorf("inflight count = %d, want 1 (valid entry only)", inflight)
	}
	if n, _ := q.Reclaim(ctx); n != 0 {
		t.Errorf("reclaimed %d entries, want 0", n)
	}
}
