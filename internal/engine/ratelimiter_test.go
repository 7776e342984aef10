package engine

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestRL(t *testing.T, failOpen bool) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	rl := NewRateLimiter(client, time.Minute, failOpen, logger)
	return rl, mr
}

func TestRateLimiter_ExactlyLimitAdmitted(t *testing.T) {
	rl, _ := setupTestRL(t, false)
	ctx := context.Background()

	// With limit L, exactly the first L admissions succeed
	for i := 0; i < 60; i++ {
		if !rl.Allow(ctx, "key-1", 60) {
			t.Errorf("request %d should be allowed (limit=60)", i+1)
		}
	}

	if rl.Allow(ctx, "key-1", 60) {
		t.Error("request 61 should be denied")
	}
}

func TestRateLimiter_WindowExpiryResetsCounter(t *testing.T) {
	rl, mr := setupTestRL(t, false)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rl.Allow(ctx, "key-1", 3)
	}
	if rl.Allow(ctx, "key-1", 3) {
		t.Fatal("should be denied at the limit")
	}

	// Advance past the window; the counter key expires and resets to zero
	mr.FastForward(61 * time.Second)

	if !rl.Allow(ctx, "key-1", 3) {
		t.Error("should be allowed after the window expires")
	}
}

func TestRateLimiter_ZeroLimit_AllowsAll(t *testing.T) {
	rl, _ := setupTestRL(t, false)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		if !rl.Allow(ctx, "key-1", 0) {
			t.Errorf("request %d should be allowed with limit=0 (unlimited)", i+1)
		}
	}
}

func TestRateLimiter_IsolationBetweenCallers(t *testing.T) {
	rl, _ := setupTestRL(t, false)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		rl.Allow(ctx, "key-1", 2)
	}

	if rl.Allow(ctx, "key-1", 2) {
		t.Error("key-1 should be denied")
	}

	if !rl.Allow(ctx, "key-2", 2) {
		t.Error("key-2 should be allowed, limits are per-caller")
	}
}

func TestRateLimiter_FailOpen(t *testing.T) {
	rl, mr := setupTestRL(t, true)
	ctx := context.Background()

	mr.Close()

	if !rl.Allow(ctx, "key-1", 5) {
		t.Error("fail-open limiter should admit when redis is down")
	}
}

func TestRateLimiter_FailClosed(t *testing.T) {
	rl, mr := setupTestRL(t, false)
	ctx := context.Background()

	mr.Close()

	if rl.Allow(ctx, "key-1", 5) {
		t.Error("fail-closed limiter should reject when redis is down")
	}
}
