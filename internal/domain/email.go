package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"time"
)

// Email delivery statuses. Transitions are driven by the worker state machine:
// queued → sending → sent, or sending → queued (retry), or sending → failed.
const (
	StatusQueued  = "queued"
	StatusSending = "sending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Email is one unit of delivery work. ID is internal and never exposed;
// MessageID is the public, unguessable identifier callers see.
type Email struct {
	ID        string `json:"-"`
	MessageID string `json:"message_id"`
	APIKeyID  string `json:"-"`

	To       string `json:"to"`
	From     string `json:"from"`
	FromName string `json:"from_name,omitempty"`
	Subject  string `json:"subject"`
	BodyHTML string `json:"body_html,omitempty"`
	BodyText string `json:"body_text,omitempty"`
	ReplyTo  string `json:"reply_to,omitempty"`

	Status      string  `json:"status"`
	Attempts    int     `json:"attempts"`
	MaxAttempts int     `json:"max_attempts"`
	LastError   *string `json:"last_error,omitempty"`

	Metadata json.RawMessage `json:"metadata,omitempty"`
	Tags     []string        `json:"tags,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	QueuedAt      *time.Time `json:"queued_at,omitempty"`
	LastAttemptAt *time.Time `json:"-"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`
}

// Terminal reports whether the email has reached a final status.
// Terminal emails are never attempted again.
func (e *Email) Terminal() bool {
	return e.Status == StatusSent || e.Status == StatusFailed
}

// ErrInvalidRequest wraps all payload validation failures. Validation happens
// once at submission; nothing is persisted for an invalid request.
var ErrInvalidRequest = errors.New("invalid request")

// SendRequest is the submission payload for a new email.
type SendRequest struct {
	To       string          `json:"to"`
	From     string          `json:"from"`
	FromName string          `json:"from_name,omitempty"`
	Subject  string          `json:"subject"`
	BodyHTML string          `json:"body_html,omitempty"`
	BodyText string          `json:"body_text,omitempty"`
	ReplyTo  string          `json:"reply_to,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Tags     []string        `json:"tags,omitempty"`
}

// Validate checks the request before anything is persisted.
func (r *SendRequest) Validate() error {
	if r.To == "" {
		return fmt.Errorf("%w: to is required", ErrInvalidRequest)
	}
	if _, err := mail.ParseAddress(r.To); err != nil {
		return fmt.Errorf("%w: to is not a valid email address", ErrInvalidRequest)
	}
	if r.From == "" {
		return fmt.Errorf("%w: from is required", ErrInvalidRequest)
	}
	if _, err := mail.ParseAddress(r.From); err != nil {
		return fmt.Errorf("%w: from is not a valid email address", ErrInvalidRequest)
	}
	if r.Subject == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidRequest)
	}
	if len(r.Subject) > 500 {
		return fmt.Errorf("%w: subject exceeds 500 characters", ErrInvalidRequest)
	}
	if r.BodyHTML == "" && r.BodyText == "" {
		return fmt.Errorf("%w: at least one of body_html or body_text is required", ErrInvalidRequest)
	}
	if r.ReplyTo != "" {
		if _, err := mail.ParseAddress(r.ReplyTo); err != nil {
			return fmt.Errorf("%w: reply_to is not a valid email address", ErrInvalidRequest)
		}
	}
	if len(r.Metadata) > 0 && !json.Valid(r.Metadata) {
		return fmt.Errorf("%w: metadata must be valid JSON", ErrInvalidRequest)
	}
	return nil
}
