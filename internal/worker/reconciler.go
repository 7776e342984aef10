package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rahulbk/email-delivery-service/internal/domain"
	"github.com/rahulbk/email-delivery-service/internal/metrics"
	"github.com/rahulbk/email-delivery-service/internal/queue"
)

const sweepBatchSize = 100

// Reconciler periodically repairs the gaps the normal pipeline cannot cover
// on its own:
//
//   - queued emails with no live queue entry (the publisher crashed between
//     the record write and the enqueue) are re-enqueued;
//   - emails stuck in sending past the grace period (a worker crashed
//     between the send and the acknowledgment) are treated as a failed
//     attempt and retried or dead-lettered;
//   - queue entries whose visibility deadline expired are made reservable
//     again.
type Reconciler struct {
	store     Store
	queue     *queue.Queue
	logger    *slog.Logger
	interval  time.Duration
	grace     time.Duration
	baseDelay time.Duration
}

func NewReconciler(store Store, q *queue.Queue, interval, grace, baseDelay time.Duration, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:     store,
		queue:     q,
		logger:    logger,
		interval:  interval,
		grace:     grace,
		baseDelay: baseDelay,
	}
}

// Start runs the sweep loop until the context is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	r.logger.Info("reconciler started",
		"interval", r.interval.String(),
		"grace", r.grace.String(),
	)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopping")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one pass of all three recovery mechanisms.
func (r *Reconciler) Sweep(ctx context.Context) {
	if n, err := r.queue.Reclaim(ctx); err != nil {
		r.logger.Error("failed to reclaim expired in-flight entries", "error", err)
	} else if n > 0 {
		r.logger.Info("reclaimed expired in-flight entries", "count", n)
	}

	r.sweepOrphans(ctx)
	r.sweepStuck(ctx)
}

// sweepOrphans re-enqueues queued emails older than the grace period that
// have no matching ready or in-flight queue entry.
func (r *Reconciler) sweepOrphans(ctx context.Context) {
	candidates, err := r.store.FindQueuedOlderThan(ctx, r.grace, sweepBatchSize)
	if err != nil {
		r.logger.Error("failed to find orphaned emails", "error", err)
		return
	}
	if len(candidates) == 0 {
		return
	}

	pending, err := r.queue.PendingEmailIDs(ctx)
	if err != nil {
		r.logger.Error("failed to list pending queue entries", "error", err)
		return
	}

	for _, email := range candidates {
		if pending[email.ID] {
			continue
		}

		job := queue.Job{EmailID: email.ID, MessageID: email.MessageID}
		if err := r.queue.Enqueue(ctx, job, 0); err != nil {
			r.logger.Error("failed to re-enqueue orphaned email",
				"error", err, "message_id", email.MessageID)
			continue
		}
		if err := r.store.AppendEvent(ctx, email.ID, domain.EventQueued,
			json.RawMessage(`{"source":"reconciler"}`)); err != nil {
			r.logger.Error("failed to append queued event", "error", err, "message_id", email.MessageID)
		}
		metrics.OrphansRecovered.Inc()

		r.logger.Info("re-enqueued orphaned email", "message_id", email.MessageID)
	}
}

// appendAbandoned records the lost attempt for an email the sweep just
// took over.
func (r *Reconciler) appendAbandoned(ctx context.Context, email domain.Email, errMsg string) {
	details, _ := json.Marshal(map[string]any{"error": errMsg, "attempt": email.Attempts})
	if err := r.store.AppendEvent(ctx, email.ID, domain.EventAttemptFailed, details); err != nil {
		r.logger.Error("failed to append attempt_failed event", "error", err, "message_id", email.MessageID)
	}
}

// sweepStuck recovers emails left in sending by a crashed worker. The lost
// attempt already counted, so the normal retry/dead-letter transition is
// re-applied here.
func (r *Reconciler) sweepStuck(ctx context.Context) {
	stuck, err := r.store.FindStuckSending(ctx, r.grace, sweepBatchSize)
	if err != nil {
		r.logger.Error("failed to find stuck emails", "error", err)
		return
	}

	for _, email := range stuck {
		const abandonedErr = "attempt abandoned: worker did not report an outcome"

		if email.Attempts < email.MaxAttempts {
			// The conditional update is the ownership check: if a worker
			// finished this email between the scan and here, it fails and
			// no attempt_failed event is recorded.
			if err := r.store.MarkRetry(ctx, email.ID, abandonedErr); err != nil {
				r.logger.Error("failed to mark stuck email for retry",
					"error", err, "message_id", email.MessageID)
				continue
			}
			r.appendAbandoned(ctx, email, abandonedErr)

			job := queue.Job{EmailID: email.ID, MessageID: email.MessageID}
			if err := r.queue.Enqueue(ctx, job, retryDelay(r.baseDelay, email.Attempts)); err != nil {
				r.logger.Error("failed to re-enqueue stuck email",
					"error", err, "message_id", email.MessageID)
				continue
			}
			metrics.StuckRecovered.Inc()

			r.logger.Warn("recovered stuck email, retry scheduled",
				"message_id", email.MessageID,
				"attempt", email.Attempts,
			)
			continue
		}

		if err := r.store.MarkFailed(ctx, email.ID, abandonedErr); err != nil {
			r.logger.Error("failed to mark stuck email failed",
				"error", err, "message_id", email.MessageID)
			continue
		}
		r.appendAbandoned(ctx, email, abandonedErr)

		dlDetails, _ := json.Marshal(map[string]any{"error": abandonedErr, "attempts": email.Attempts})
		if err := r.store.AppendEvent(ctx, email.ID, domain.EventDeadLettered, dlDetails); err != nil {
			r.logger.Error("failed to append dead_lettered event", "error", err, "message_id", email.MessageID)
		}
		if err := r.store.InsertDeadLetter(ctx, email.ID, email.MessageID, email.Attempts, abandonedErr); err != nil {
			r.logger.Error("failed to insert dead letter record", "error", err, "message_id", email.MessageID)
		}
		metrics.StuckRecovered.Inc()
		metrics.DeadLettered.Inc()

		r.logger.Warn("stuck email permanently failed",
			"message_id", email.MessageID,
			"attempts", email.Attempts,
		)
	}
}
