package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/rahulbk/email-delivery-service/internal/domain"
)

// GetAPIKeyByHash looks up an API key record by its prefix and salted hash.
// Returns nil if no key matches.
func (s *PostgresStore) GetAPIKeyByHash(ctx context.Context, keyPrefix, keyHash string) (*domain.APIKey, error) {
	var k domain.APIKey
	err := s.pool.QueryRow(ctx, `
		SELECT id, key_prefix, key_hash, name, rate_limit_per_minute, is_active, created_at, last_used_at
		FROM api_keys
		WHERE key_prefix = $1 AND key_hash = $2
	`, keyPrefix, keyHash).Scan(
		&k.ID, &k.KeyPrefix, &k.KeyHash, &k.Name, &k.RateLimitPerMinute,
		&k.IsActive, &k.CreatedAt, &k.LastUsedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying api key: %w", err)
	}
	return &k, nil
}

// TouchAPIKey records that a key was just used.
func (s *PostgresStore) TouchAPIKey(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE api_keys SET last_used_at = NOW() WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("touching api key: %w", err)
	}
	return nil
}
