package domain

import "time"

// DeadLetter is the durable record of a permanently failed delivery, kept
// for manual operator review. RequeuedAt is set when an operator redrives
// the email back into the queue.
type DeadLetter struct {
	ID            string     `json:"id"`
	EmailID       string     `json:"-"`
	MessageID     string     `json:"message_id"`
	TotalAttempts int        `json:"total_attempts"`
	LastError     *string    `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	RequeuedAt    *time.Time `json:"requeued_at,omitempty"`
	RequeuedBy    *string    `json:"requeued_by,omitempty"`
}
