package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rahulbk/email-delivery-service/internal/domain"
)

// AppendEvent writes one row to the append-only email_events log.
func (s *PostgresStore) AppendEvent(ctx context.Context, emailID, eventType string, details json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO email_events (email_id, event_type, details)
		VALUES ($1, $2, $3)
	`, emailID, eventType, details)
	if err != nil {
		return fmt.Errorf("inserting email event: %w", err)
	}
	return nil
}

// ListEvents returns all events for an email in chronological order.
func (s *PostgresStore) ListEvents(ctx context.Context, emailID string) ([]domain.EmailEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, email_id, event_type, details, created_at
		FROM email_events
		WHERE email_id = $1
		ORDER BY created_at ASC, id ASC
	`, emailID)
	if err != nil {
		return nil, fmt.Errorf("querying email events: %w", err)
	}
	defer rows.Close()

	var events []domain.EmailEvent
	for rows.Next() {
		var e domain.EmailEvent
		if err := rows.Scan(&e.ID, &e.EmailID, &e.EventType, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning email event: %w", err)
		}
		events = append(events, e)
	}

	if events == nil {
		events = []domain.EmailEvent{}
	}

	return events, nil
}
