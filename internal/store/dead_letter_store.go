package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/rahulbk/email-delivery-service/internal/domain"
)

// InsertDeadLetter records a permanently failed delivery for operator review.
func (s *PostgresStore) InsertDeadLetter(ctx context.Context, emailID, messageID string, totalAttempts int, lastError string) error {
	var lastErr *string
	if lastError != "" {
		lastErr = &lastError
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO dead_letters (email_id, message_id, total_attempts, last_error)
		VALUES ($1, $2, $3, $4)
	`, emailID, messageID, totalAttempts, lastErr)
	if err != nil {
		return fmt.Errorf("inserting dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns dead letter entries, optionally including ones
// already requeued by an operator.
func (s *PostgresStore) ListDeadLetters(ctx context.Context, includeRequeued bool, limit int) ([]domain.DeadLetter, error) {
	query := `SELECT id, email_id, message_id, total_attempts, last_error, created_at, requeued_at, requeued_by
		FROM dead_letters`
	if !includeRequeued {
		query += " WHERE requeued_at IS NULL"
	}
	query += " ORDER BY created_at DESC LIMIT $1"

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying dead letters: %w", err)
	}
	defer rows.Close()

	var letters []domain.DeadLetter
	for rows.Next() {
		var dl domain.DeadLetter
		err := rows.Scan(
			&dl.ID, &dl.EmailID, &dl.MessageID, &dl.TotalAttempts,
			&dl.LastError, &dl.CreatedAt, &dl.RequeuedAt, &dl.RequeuedBy,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning dead letter: %w", err)
		}
		letters = append(letters, dl)
	}

	if letters == nil {
		letters = []domain.DeadLetter{}
	}

	return letters, nil
}

// GetDeadLetter returns a single dead letter by ID, or nil if not found.
func (s *PostgresStore) GetDeadLetter(ctx context.Context, id string) (*domain.DeadLetter, error) {
	var dl domain.DeadLetter
	err := s.pool.QueryRow(ctx, `
		SELECT id, email_id, message_id, total_attempts, last_error, created_at, requeued_at, requeued_by
		FROM dead_letters WHERE id = $1
	`, id).Scan(
		&dl.ID, &dl.EmailID, &dl.MessageID, &dl.TotalAttempts,
		&dl.LastError, &dl.CreatedAt, &dl.RequeuedAt, &dl.RequeuedBy,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying dead letter: %w", err)
	}
	return &dl, nil
}

// MarkDeadLetterRequeued records an operator redrive of a dead letter.
func (s *PostgresStore) MarkDeadLetterRequeued(ctx context.Context, id, requeuedBy string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dead_letters SET requeued_at = NOW(), requeued_by = $2
		WHERE id = $1 AND requeued_at IS NULL
	`, id, requeuedBy)
	if err != nil {
		return fmt.Errorf("marking dead letter requeued: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dead letter not found or already requeued")
	}
	return nil
}
