package worker

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/rahulbk/email-delivery-service/internal/domain"
	"github.com/rahulbk/email-delivery-service/internal/queue"
)

func setupReconciler(t *testing.T, grace time.Duration) (*Reconciler, *fakeStore, *queue.Queue) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	q := queue.New(client, logger)
	st := newFakeStore()
	r := NewReconciler(st, q, time.Second, grace, time.Millisecond, logger)
	return r, st, q
}

func TestReconciler_ReenqueuesOrphanedEmail(t *testing.T) {
	r, st, q := setupReconciler(t, 10*time.Millisecond)
	ctx := context.Background()

	// Record persisted but never enqueued: the crash-between-steps shape
	email := queuedEmail("em-orphan", 0, 3)
	old := time.Now().Add(-time.Minute)
	email.QueuedAt = &old
	st.put(email)

	r.Sweep(ctx)

	depth, _ := q.Depth(ctx)
	if depth != 1 {
		t.Fatalf("orphan should be re-enqueued, queue depth = %d", depth)
	}

	events := st.eventTypes("em-orphan")
	if len(events) != 1 || events[0] != domain.EventQueued {
		t.Errorf("events = %v, want [queued]", events)
	}
}

func TestReconciler_SkipsEmailWithLiveQueueEntry(t *testing.T) {
	r, st, q := setupReconciler(t, 10*time.Millisecond)
	ctx := context.Background()

	// Old queued record, but its entry is still in the queue (delayed retry)
	email := queuedEmail("em-1", 1, 3)
	old := time.Now().Add(-time.Minute)
	email.QueuedAt = &old
	st.put(email)
	q.Enqueue(ctx, queue.Job{EmailID: "em-1", MessageID: "msg_em-1"}, time.Hour)

	r.Sweep(ctx)

	depth, _ := q.Depth(ctx)
	if depth != 1 {
		t.Errorf("no duplicate entry should be created, queue depth = %d", depth)
	}
}

func TestReconciler_SkipsRecentQueuedEmail(t *testing.T) {
	r, st, q := setupReconciler(t, time.Hour)
	ctx := context.Background()

	// Fresh record inside the grace period: the publisher may still be
	// about to enqueue it
	st.put(queuedEmail("em-fresh", 0, 3))

	r.Sweep(ctx)

	depth, _ := q.Depth(ctx)
	if depth != 0 {
		t.Errorf("fresh email must not be re-enqueued, queue depth = %d", depth)
	}
}

func TestReconciler_StuckSendingRetried(t *testing.T) {
	r, st, q := setupReconciler(t, 10*time.Millisecond)
	ctx := context.Background()

	// Worker crashed mid-attempt: record stuck in sending, attempt already
	// counted
	email := queuedEmail("em-stuck", 1, 3)
	email.Status = domain.StatusSending
	old := time.Now().Add(-time.Minute)
	email.LastAttemptAt = &old
	st.put(email)

	r.Sweep(ctx)

	got := st.get("em-stuck")
	if got.Status != domain.StatusQueued {
		t.Errorf("status = %q, want %q (retry scheduled)", got.Status, domain.StatusQueued)
	}
	if got.LastError == nil {
		t.Error("last_error should record the abandoned attempt")
	}

	depth, _ := q.Depth(ctx)
	if depth != 1 {
		t.Errorf("retry entry should be enqueued, queue depth = %d", depth)
	}

	events := st.eventTypes("em-stuck")
	if len(events) != 1 || events[0] != domain.EventAttemptFailed {
		t.Errorf("events = %v, want [attempt_failed]", events)
	}
}

func TestReconciler_StuckSendingExhaustedDeadLetters(t *testing.T) {
	r, st, q := setupReconciler(t, 10*time.Millisecond)
	ctx := context.Background()

	email := queuedEmail("em-stuck", 3, 3)
	email.Status = domain.StatusSending
	old := time.Now().Add(-time.Minute)
	email.LastAttemptAt = &old
	st.put(email)

	r.Sweep(ctx)

	got := st.get("em-stuck")
	if got.Status != domain.StatusFailed {
		t.Errorf("status = %q, want %q", got.Status, domain.StatusFailed)
	}
	if got.FailedAt == nil {
		t.Error("failed_at should be set")
	}
	if len(st.deadLetters) != 1 {
		t.Errorf("dead letter records = %d, want 1", len(st.deadLetters))
	}

	depth, _ := q.Depth(ctx)
	if depth != 0 {
		t.Errorf("exhausted email must not be re-enqueued, queue depth = %d", depth)
	}

	events := st.eventTypes("em-stuck")
	want := []string{domain.EventAttemptFailed, domain.EventDeadLettered}
	if len(events) != len(want) || events[0] != want[0] || events[1] != want[1] {
		t.Errorf("events = %v, want %v", events, want)
	}
}

func TestReconciler_ReclaimsExpiredInflight(t *testing.T) {
	r, st, q := setupReconciler(t, time.Hour)
	ctx := context.Background()

	st.put(queuedEmail("em-1", 0, 3))
	q.Enqueue(ctx, queue.Job{EmailID: "em-1", MessageID: "msg_em-1"}, 0)

	// Consumer reserved the entry then crashed without acking
	if _, err := q.Reserve(ctx, 10, time.Millisecond); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	r.Sweep(ctx)

	deliveries, _ := q.Reserve(ctx, 10, time.Minute)
	if len(deliveries) != 1 {
		t.Errorf("expired in-flight entry should be reservable after sweep, got %d", len(deliveries))
	}
}

// staleScanStore returns a fixed stuck-scan snapshot regardless of the
// records' current state, standing in for a worker finishing a send in the
// window between the scan and the takeover.
type staleScanStore struct {
	*fakeStore
	stuck []domain.Email
}

func (s *staleScanStore) FindStuckSending(ctx context.Context, grace time.Duration, limit int) ([]domain.Email, error) {
	return s.stuck, nil
}

func TestReconciler_StuckSweepLosesRaceToFinishedSend(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	q := queue.New(client, logger)
	st := newFakeStore()

	// The email was in sending when the scan ran, but the worker completed
	// the send before the sweep could take over.
	snapshot := *queuedEmail("em-raced", 1, 3)
	snapshot.Status = domain.StatusSending
	finished := snapshot
	finished.Status = domain.StatusSent
	st.put(&finished)

	r := NewReconciler(&staleScanStore{fakeStore: st, stuck: []domain.Email{snapshot}},
		q, time.Second, 10*time.Millisecond, time.Millisecond, logger)
	r.Sweep(context.Background())

	if got := st.get("em-raced").Status; got != domain.StatusSent {
		t.Fatalf("status = %q, want sent", got)
	}
	if events := st.eventTypes("em-raced"); len(events) != 0 {
		t.Errorf("no events should be recorded for a lost takeover, got %v", events)
	}
	depth, _ := q.Depth(context.Background())
	if depth != 0 {
		t.Errorf("queue depth = %d, want 0", depth)
	}
}
