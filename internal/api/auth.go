package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/rahulbk/email-delivery-service/internal/domain"
	"github.com/rahulbk/email-delivery-service/internal/store"
)

type contextKey string

const apiKeyContextKey contextKey = "api_key"

// keyPrefixLen is how many leading characters of the full key are stored in
// clear for lookup; the rest is only ever compared by salted hash.
const keyPrefixLen = 12

// hashAPIKey computes the salted SHA-256 digest of a full API key.
func hashAPIKey(salt, key string) string {
	sum := sha256.Sum256([]byte(salt + key))
	return hex.EncodeToString(sum[:])
}

// APIKeyFromContext returns the authenticated key attached by the auth
// middleware. The bool is false on routes that skipped authentication.
func APIKeyFromContext(ctx context.Context) (*domain.APIKey, bool) {
	key, ok := ctx.Value(apiKeyContextKey).(*domain.APIKey)
	return key, ok
}

// AuthMiddleware validates the X-API-Key header against the key store and
// attaches the caller's key record to the request context.
func AuthMiddleware(pgStore *store.PostgresStore, salt string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey := r.Header.Get("X-API-Key")
			if rawKey == "" {
				respondError(w, http.StatusUnauthorized, "missing API key, include X-API-Key header")
				return
			}

			prefix := rawKey
			if len(prefix) > keyPrefixLen {
				prefix = prefix[:keyPrefixLen]
			}

			key, err := pgStore.GetAPIKeyByHash(r.Context(), prefix, hashAPIKey(salt, rawKey))
			if err != nil {
				logger.Error("api key lookup failed", "error", err)
				respondError(w, http.StatusInternalServerError, "authentication unavailable")
				return
			}
			if key == nil {
				respondError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
			if !key.IsActive {
				respondError(w, http.StatusForbidden, "API key is inactive")
				return
			}

			if err := pgStore.TouchAPIKey(r.Context(), key.ID); err != nil {
				logger.Error("failed to touch api key", "error", err, "key_prefix", key.KeyPrefix)
			}

			ctx := context.WithValue(r.Context(), apiKeyContextKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
