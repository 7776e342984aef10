package domain

import "time"

// APIKey identifies a caller. Only a salted hash of the full key is stored;
// the 12-character prefix narrows the lookup. The prefix doubles as the
// caller key for rate limiting.
type APIKey struct {
	ID                 string     `json:"id"`
	KeyPrefix          string     `json:"key_prefix"`
	KeyHash            string     `json:"-"`
	Name               string     `json:"name"`
	RateLimitPerMinute int        `json:"rate_limit_per_minute"`
	IsActive           bool       `json:"is_active"`
	CreatedAt          time.Time  `json:"created_at"`
	LastUsedAt         *time.Time `json:"last_used_at,omitempty"`
}
