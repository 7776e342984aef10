package api

import "testing"

func TestHashAPIKey(t *testing.T) {
	h1 := hashAPIKey("salt", "sk_live_abc123")
	h2 := hashAPIKey("salt", "sk_live_abc123")
	if h1 != h2 {
		t.Error("hash should be deterministic for the same salt and key")
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(h1))
	}

	if hashAPIKey("salt", "sk_live_abc123") == hashAPIKey("other-salt", "sk_live_abc123") {
		t.Error("different salts should produce different hashes")
	}
	if hashAPIKey("salt", "sk_live_abc123") == hashAPIKey("salt", "sk_live_xyz789") {
		t.Error("different keys should produce different hashes")
	}
}
