package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rahulbk/email-delivery-service/internal/domain"
	"github.com/rahulbk/email-delivery-service/internal/metrics"
	"github.com/rahulbk/email-delivery-service/internal/queue"
)

// Store is the slice of the record store the worker side needs.
type Store interface {
	GetEmail(ctx context.Context, id string) (*domain.Email, error)
	BeginAttempt(ctx context.Context, id string) (*domain.Email, error)
	MarkSent(ctx context.Context, id string) error
	MarkRetry(ctx context.Context, id, lastError string) error
	MarkFailed(ctx context.Context, id, lastError string) error
	AppendEvent(ctx context.Context, emailID, eventType string, details json.RawMessage) error
	InsertDeadLetter(ctx context.Context, emailID, messageID string, totalAttempts int, lastError string) error
	FindQueuedOlderThan(ctx context.Context, grace time.Duration, limit int) ([]domain.Email, error)
	FindStuckSending(ctx context.Context, grace time.Duration, limit int) ([]domain.Email, error)
}

// Processor drives the per-email state machine for one reserved queue entry:
// idempotency guard, dequeue transition, bounded send, then the resulting
// success/retry/dead-letter transition and queue acknowledgment.
type Processor struct {
	store       Store
	queue       *queue.Queue
	sender      Sender
	logger      *slog.Logger
	baseDelay   time.Duration
	sendTimeout time.Duration
}

func NewProcessor(store Store, q *queue.Queue, sender Sender, baseDelay, sendTimeout time.Duration, logger *slog.Logger) *Processor {
	return &Processor{
		store:       store,
		queue:       q,
		sender:      sender,
		logger:      logger,
		baseDelay:   baseDelay,
		sendTimeout: sendTimeout,
	}
}

// Process handles one reserved entry. Record updates happen before the ack:
// a crash in between leaves the record in sending, which the stuck-in-flight
// sweep recovers. Returning without acking leaves the entry in-flight until
// its visibility deadline, after which it is redelivered.
func (p *Processor) Process(ctx context.Context, d queue.Delivery) {
	email, err := p.store.GetEmail(ctx, d.EmailID)
	if err != nil {
		p.logger.Error("failed to load email, leaving entry for redelivery",
			"error", err, "message_id", d.MessageID)
		return
	}
	if email == nil {
		// Records are written before enqueue, so this entry points at a
		// deleted row. Nothing to do but drop it.
		p.logger.Error("queue entry references missing email", "message_id", d.MessageID)
		p.ack(ctx, d)
		return
	}

	// Idempotency guard: redelivered entries for finished emails are acked
	// without side effects.
	if email.Terminal() {
		p.ack(ctx, d)
		return
	}

	claimed, err := p.store.BeginAttempt(ctx, email.ID)
	if err != nil {
		p.logger.Error("failed to begin attempt, leaving entry for redelivery",
			"error", err, "message_id", d.MessageID)
		return
	}
	if claimed == nil {
		p.resolveUnclaimed(ctx, d)
		return
	}

	if err := p.store.AppendEvent(ctx, claimed.ID, domain.EventAttemptStarted,
		json.RawMessage(fmt.Sprintf(`{"attempt":%d}`, claimed.Attempts))); err != nil {
		p.logger.Error("failed to append attempt_started event", "error", err, "message_id", d.MessageID)
	}
	metrics.AttemptsStarted.Inc()

	sendCtx, cancel := context.WithTimeout(ctx, p.sendTimeout)
	start := time.Now()
	sendErr := p.sender.Send(sendCtx, claimed)
	cancel()
	metrics.SendDuration.Observe(time.Since(start).Seconds())

	if sendErr == nil {
		p.succeed(ctx, d, claimed, time.Since(start))
		return
	}
	p.fail(ctx, d, claimed, sendErr)
}

// resolveUnclaimed decides what to do with an entry whose email could not
// be moved to sending: another worker holds it, it finished in the
// meantime, or it is queued with an exhausted attempt budget.
func (p *Processor) resolveUnclaimed(ctx context.Context, d queue.Delivery) {
	current, err := p.store.GetEmail(ctx, d.EmailID)
	if err != nil {
		p.logger.Error("failed to re-read email, leaving entry for redelivery",
			"error", err, "message_id", d.MessageID)
		return
	}

	switch {
	case current == nil || current.Terminal():
		p.ack(ctx, d)
	case current.Status == domain.StatusSending:
		// Another worker holds the attempt; this is a duplicate entry. If
		// that worker crashed, the stuck-in-flight sweep recovers the email.
		p.ack(ctx, d)
	default:
		if current.Attempts >= current.MaxAttempts {
			// Queued but out of attempts: dead-letter without another send.
			p.deadLetter(ctx, d, current, "max retry attempts exceeded")
			return
		}
		// The email went back to queued between our claim attempt and the
		// re-read (a concurrent recovery sweep). Make the entry immediately
		// reservable again.
		if err := p.queue.Requeue(ctx, d, 0); err != nil {
			p.logger.Error("failed to requeue entry", "error", err, "message_id", d.MessageID)
		}
	}
}

func (p *Processor) succeed(ctx context.Context, d queue.Delivery, email *domain.Email, elapsed time.Duration) {
	if err := p.store.MarkSent(ctx, email.ID); err != nil {
		p.logger.Error("failed to mark email sent, leaving entry for redelivery",
			"error", err, "message_id", email.MessageID)
		return
	}
	if err := p.store.AppendEvent(ctx, email.ID, domain.EventSent,
		json.RawMessage(`{"provider":"smtp"}`)); err != nil {
		p.logger.Error("failed to append sent event", "error", err, "message_id", email.MessageID)
	}
	metrics.Delivered.Inc()
	p.ack(ctx, d)

	p.logger.Info("email sent",
		"message_id", email.MessageID,
		"attempt", email.Attempts,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

func (p *Processor) fail(ctx context.Context, d queue.Delivery, email *domain.Email, sendErr error) {
	errMsg := sendErr.Error()
	metrics.AttemptsFailed.Inc()

	details, _ := json.Marshal(map[string]any{"error": errMsg, "attempt": email.Attempts})
	if err := p.store.AppendEvent(ctx, email.ID, domain.EventAttemptFailed, details); err != nil {
		p.logger.Error("failed to append attempt_failed event", "error", err, "message_id", email.MessageID)
	}

	if email.Attempts < email.MaxAttempts {
		if err := p.store.MarkRetry(ctx, email.ID, errMsg); err != nil {
			p.logger.Error("failed to mark email for retry, leaving entry for redelivery",
				"error", err, "message_id", email.MessageID)
			return
		}

		delay := retryDelay(p.baseDelay, email.Attempts)
		if err := p.queue.Requeue(ctx, d, delay); err != nil {
			// The record is back in queued; the reconciliation sweep will
			// re-enqueue it if this entry never comes back.
			p.logger.Error("failed to requeue entry", "error", err, "message_id", email.MessageID)
			return
		}

		p.logger.Warn("send failed, retry scheduled",
			"message_id", email.MessageID,
			"attempt", email.Attempts,
			"max_attempts", email.MaxAttempts,
			"retry_in", delay.String(),
			"error", errMsg,
		)
		return
	}

	p.deadLetter(ctx, d, email, errMsg)
}

// deadLetter applies the terminal failed transition and routes the entry to
// the dead-letter destination.
func (p *Processor) deadLetter(ctx context.Context, d queue.Delivery, email *domain.Email, errMsg string) {
	if err := p.store.MarkFailed(ctx, email.ID, errMsg); err != nil {
		p.logger.Error("failed to mark email failed, leaving entry for redelivery",
			"error", err, "message_id", email.MessageID)
		return
	}

	details, _ := json.Marshal(map[string]any{"error": errMsg, "attempts": email.Attempts})
	if err := p.store.AppendEvent(ctx, email.ID, domain.EventDeadLettered, details); err != nil {
		p.logger.Error("failed to append dead_lettered event", "error", err, "message_id", email.MessageID)
	}
	if err := p.store.InsertDeadLetter(ctx, email.ID, email.MessageID, email.Attempts, errMsg); err != nil {
		p.logger.Error("failed to insert dead letter record", "error", err, "message_id", email.MessageID)
	}
	if err := p.queue.DeadLetter(ctx, d, errMsg); err != nil {
		p.logger.Error("failed to dead-letter queue entry", "error", err, "message_id", email.MessageID)
	}
	metrics.DeadLettered.Inc()

	p.logger.Warn("email permanently failed",
		"message_id", email.MessageID,
		"attempts", email.Attempts,
		"error", errMsg,
	)
}

func (p *Processor) ack(ctx context.Context, d queue.Delivery) {
	if err := p.queue.Ack(ctx, d); err != nil {
		p.logger.Error("failed to ack queue entry", "error", err, "message_id", d.MessageID)
	}
}

// retryDelay computes the exponential backoff before the next attempt:
// base after the first failure, doubling with each one after that.
func retryDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}
