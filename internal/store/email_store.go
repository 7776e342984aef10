package store

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rahulbk/email-delivery-service/internal/domain"
)

const emailColumns = `id, message_id, api_key_id, to_email, from_email, from_name, subject,
	body_html, body_text, reply_to, status, attempts, max_attempts, last_error,
	metadata, tags, created_at, queued_at, last_attempt_at, sent_at, failed_at`

// CreateEmail inserts a new email in queued status and returns it with
// server-assigned fields populated.
func (s *PostgresStore) CreateEmail(ctx context.Context, email *domain.Email) error {
	if email.ID == "" {
		email.ID = uuid.NewString()
	}
	if email.Status == "" {
		email.Status = domain.StatusQueued
	}
	if email.Tags == nil {
		email.Tags = []string{}
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO emails (id, message_id, api_key_id, to_email, from_email, from_name,
			subject, body_html, body_text, reply_to, status, max_attempts, metadata, tags, queued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW())
		RETURNING created_at, queued_at
	`, email.ID, email.MessageID, email.APIKeyID, email.To, email.From, email.FromName,
		email.Subject, email.BodyHTML, email.BodyText, email.ReplyTo, email.Status,
		email.MaxAttempts, email.Metadata, email.Tags,
	).Scan(&email.CreatedAt, &email.QueuedAt)
	if err != nil {
		return fmt.Errorf("inserting email: %w", err)
	}
	return nil
}

// GetEmail returns an email by its internal ID, or nil if not found.
func (s *PostgresStore) GetEmail(ctx context.Context, id string) (*domain.Email, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM emails WHERE id = $1", emailColumns), id)
	email, err := scanEmail(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying email: %w", err)
	}
	return email, nil
}

// GetEmailByMessageID returns an email by its public message ID, scoped to
// the owning API key so callers cannot read each other's emails.
func (s *PostgresStore) GetEmailByMessageID(ctx context.Context, messageID, apiKeyID string) (*domain.Email, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM emails WHERE message_id = $1 AND api_key_id = $2", emailColumns),
		messageID, apiKeyID)
	email, err := scanEmail(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying email by message_id: %w", err)
	}
	return email, nil
}

// BeginAttempt performs the dequeue transition: queued → sending with the
// attempt counter incremented, in a single conditional update. Returns nil
// without error if the email is not in queued status or has exhausted its
// attempts; the caller decides what that means.
func (s *PostgresStore) BeginAttempt(ctx context.Context, id string) (*domain.Email, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE emails
		SET status = $2, attempts = attempts + 1, last_attempt_at = NOW()
		WHERE id = $1 AND status = $3 AND attempts < max_attempts
		RETURNING %s
	`, emailColumns), id, domain.StatusSending, domain.StatusQueued)
	email, err := scanEmail(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("beginning attempt: %w", err)
	}
	return email, nil
}

// MarkSent performs the sending → sent transition.
func (s *PostgresStore) MarkSent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE emails SET status = $2, sent_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, domain.StatusSent, domain.StatusSending)
	if err != nil {
		return fmt.Errorf("marking email sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("email %s not in sending status", id)
	}
	return nil
}

// MarkRetry performs the sending → queued transition after a failed attempt,
// recording the error for diagnostics.
func (s *PostgresStore) MarkRetry(ctx context.Context, id, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE emails SET status = $2, last_error = $3, queued_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, domain.StatusQueued, lastError, domain.StatusSending)
	if err != nil {
		return fmt.Errorf("marking email for retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("email %s not in sending status", id)
	}
	return nil
}

// MarkFailed performs the terminal sending → failed transition.
func (s *PostgresStore) MarkFailed(ctx context.Context, id, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE emails SET status = $2, last_error = $3, failed_at = NOW()
		WHERE id = $1 AND status IN ($4, $5)
	`, id, domain.StatusFailed, lastError, domain.StatusSending, domain.StatusQueued)
	if err != nil {
		return fmt.Errorf("marking email failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("email %s not in a failable status", id)
	}
	return nil
}

// RequeueFailed resets a dead-lettered email for an operator redrive:
// failed → queued with a fresh attempt budget.
func (s *PostgresStore) RequeueFailed(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE emails SET status = $2, attempts = 0, failed_at = NULL, queued_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, domain.StatusQueued, domain.StatusFailed)
	if err != nil {
		return fmt.Errorf("requeueing failed email: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("email %s not in failed status", id)
	}
	return nil
}

// ListEmails returns emails for an API key with optional status filter and
// pagination, newest first, along with the total count for the filter.
func (s *PostgresStore) ListEmails(ctx context.Context, apiKeyID, status string, limit, offset int) ([]domain.Email, int, error) {
	sb := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

	countQ := sb.Select("COUNT(*)").From("emails").Where(sq.Eq{"api_key_id": apiKeyID})
	listQ := sb.Select(emailColumns).From("emails").Where(sq.Eq{"api_key_id": apiKeyID})

	if status != "" {
		countQ = countQ.Where(sq.Eq{"status": status})
		listQ = listQ.Where(sq.Eq{"status": status})
	}

	countSQL, countArgs, err := countQ.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("building count query: %w", err)
	}

	var total int
	if err := s.pool.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting emails: %w", err)
	}

	listQ = listQ.OrderBy("created_at DESC").Limit(uint64(limit)).Offset(uint64(offset))
	listSQL, listArgs, err := listQ.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("building list query: %w", err)
	}

	rows, err := s.pool.Query(ctx, listSQL, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying emails: %w", err)
	}
	defer rows.Close()

	emails, err := collectEmails(rows)
	if err != nil {
		return nil, 0, err
	}
	return emails, total, nil
}

// FindQueuedOlderThan returns queued emails whose last queue transition is
// older than the grace period. Candidates for the orphan reconciliation sweep.
func (s *PostgresStore) FindQueuedOlderThan(ctx context.Context, grace time.Duration, limit int) ([]domain.Email, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM emails
		WHERE status = $1 AND queued_at < NOW() - make_interval(secs => $2)
		ORDER BY queued_at ASC
		LIMIT $3
	`, emailColumns), domain.StatusQueued, grace.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("querying orphaned emails: %w", err)
	}
	defer rows.Close()
	return collectEmails(rows)
}

// FindStuckSending returns emails stuck in sending past the grace period,
// left behind by a worker that crashed between send and acknowledgment.
func (s *PostgresStore) FindStuckSending(ctx context.Context, grace time.Duration, limit int) ([]domain.Email, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM emails
		WHERE status = $1 AND last_attempt_at < NOW() - make_interval(secs => $2)
		ORDER BY last_attempt_at ASC
		LIMIT $3
	`, emailColumns), domain.StatusSending, grace.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("querying stuck emails: %w", err)
	}
	defer rows.Close()
	return collectEmails(rows)
}

func scanEmail(row pgx.Row) (*domain.Email, error) {
	var e domain.Email
	err := row.Scan(
		&e.ID, &e.MessageID, &e.APIKeyID, &e.To, &e.From, &e.FromName, &e.Subject,
		&e.BodyHTML, &e.BodyText, &e.ReplyTo, &e.Status, &e.Attempts, &e.MaxAttempts,
		&e.LastError, &e.Metadata, &e.Tags, &e.CreatedAt, &e.QueuedAt,
		&e.LastAttemptAt, &e.SentAt, &e.FailedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func collectEmails(rows pgx.Rows) ([]domain.Email, error) {
	var emails []domain.Email
	for rows.Next() {
		email, err := scanEmail(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning email: %w", err)
		}
		emails = append(emails, *email)
	}
	if emails == nil {
		emails = []domain.Email{}
	}
	return emails, nil
}
