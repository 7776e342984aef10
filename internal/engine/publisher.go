package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rahulbk/email-delivery-service/internal/domain"
	"github.com/rahulbk/email-delivery-service/internal/metrics"
	"github.com/rahulbk/email-delivery-service/internal/queue"
)

// ErrRateLimited is returned when the caller's rate limit denies admission.
var ErrRateLimited = errors.New("rate limit exceeded")

// EmailStore is the slice of the record store the publisher needs.
type EmailStore interface {
	CreateEmail(ctx context.Context, email *domain.Email) error
	AppendEvent(ctx context.Context, emailID, eventType string, details json.RawMessage) error
}

// Publisher turns an admitted submission into a persisted email record plus
// one durable queue entry. The record is always written before the entry is
// enqueued: a crash in between leaves a recoverable orphan, never a queue
// entry pointing at nothing.
type Publisher struct {
	store       EmailStore
	queue       *queue.Queue
	limiter     *RateLimiter
	logger      *slog.Logger
	maxAttempts int
}

func NewPublisher(store EmailStore, q *queue.Queue, limiter *RateLimiter, maxAttempts int, logger *slog.Logger) *Publisher {
	return &Publisher{
		store:       store,
		queue:       q,
		limiter:     limiter,
		logger:      logger,
		maxAttempts: maxAttempts,
	}
}

// Submit admits, persists, and enqueues a new email. Returns the created
// record with its public message ID. An enqueue failure after the record is
// written is not an error for the caller: the reconciliation sweep will
// re-enqueue the orphaned record.
func (p *Publisher) Submit(ctx context.Context, req *domain.SendRequest, key *domain.APIKey) (*domain.Email, error) {
	if !p.limiter.Allow(ctx, key.KeyPrefix, key.RateLimitPerMinute) {
		metrics.RateLimited.Inc()
		return nil, ErrRateLimited
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}

	email := &domain.Email{
		MessageID:   newMessageID(),
		APIKeyID:    key.ID,
		To:          req.To,
		From:        req.From,
		FromName:    req.FromName,
		Subject:     req.Subject,
		BodyHTML:    req.BodyHTML,
		BodyText:    req.BodyText,
		ReplyTo:     req.ReplyTo,
		Status:      domain.StatusQueued,
		MaxAttempts: p.maxAttempts,
		Metadata:    req.Metadata,
		Tags:        req.Tags,
	}

	if err := p.store.CreateEmail(ctx, email); err != nil {
		return nil, fmt.Errorf("creating email record: %w", err)
	}

	if err := p.store.AppendEvent(ctx, email.ID, domain.EventCreated, json.RawMessage(`{"source":"api"}`)); err != nil {
		p.logger.Error("failed to append created event", "error", err, "message_id", email.MessageID)
	}

	job := queue.Job{EmailID: email.ID, MessageID: email.MessageID}
	if err := p.queue.Enqueue(ctx, job, 0); err != nil {
		// Record exists but no queue entry: an orphan the reconciliation
		// sweep will pick up. The submission still succeeded.
		p.logger.Warn("enqueue failed, leaving orphan for reconciliation",
			"error", err,
			"message_id", email.MessageID,
		)
		metrics.EmailsSubmitted.Inc()
		return email, nil
	}

	if err := p.store.AppendEvent(ctx, email.ID, domain.EventQueued, nil); err != nil {
		p.logger.Error("failed to append queued event", "error", err, "message_id", email.MessageID)
	}

	metrics.EmailsSubmitted.Inc()
	p.logger.Info("email queued",
		"message_id", email.MessageID,
		"to", email.To,
	)

	return email, nil
}

// newMessageID generates the public, unguessable message identifier. It is
// deliberately unrelated to the internal UUID so external IDs leak nothing
// about volume or sequence.
func newMessageID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails if the OS entropy source is broken
		return fmt.Sprintf("msg_%x", time.Now().UnixNano())
	}
	return "msg_" + hex.EncodeToString(buf)
}
