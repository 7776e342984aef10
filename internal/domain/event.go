package domain

import (
	"encoding/json"
	"time"
)

// Event types recorded in the append-only email_events log. One row per
// observed transition; rows are never updated or deleted.
const (
	EventCreated        = "created"
	EventQueued         = "queued"
	EventAttemptStarted = "attempt_started"
	EventSent           = "sent"
	EventAttemptFailed  = "attempt_failed"
	EventDeadLettered   = "dead_lettered"
)

// EmailEvent is an append-only fact about one email's lifecycle.
type EmailEvent struct {
	ID        int64           `json:"-"`
	EmailID   string          `json:"-"`
	EventType string          `json:"event_type"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
