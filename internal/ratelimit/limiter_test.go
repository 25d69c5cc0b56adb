package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewStore(client, zap.NewNop(), time.Hour)
}

func TestCheckAllowsUnderLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	allowed, err := s.Check(ctx, "15551234567", 5)
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if !allowed {
		t.Error("Check() = false, want true for an unused recipient")
	}
}

func TestIncrementThenCheckBlocksAtLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	recipient := "15551234567"

	for i := 0; i < 3; i++ {
		if err := s.Increment(ctx, recipient); err != nil {
			t.Fatalf("Increment() error: %v", err)
		}
	}

	allowed, err := s.Check(ctx, recipient, 3)
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if allowed {
		t.Error("Check() = true, want false after reaching the limit")
	}

	allowedHigher, err := s.Check(ctx, recipient, 4)
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if !allowedHigher {
		t.Error("Check() = false, want true when the limit exceeds the count")
	}
}

func TestRetryAfterSecondsNilWhenAllowed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	secs, err := s.RetryAfterSeconds(ctx, "15551234567", 5)
	if err != nil {
		t.Fatalf("RetryAfterSeconds() error: %v", err)
	}
	if secs != nil {
		t.Errorf("RetryAfterSeconds() = %v, want nil", secs)
	}
}

func TestRetryAfterSecondsPositiveWhenLimited(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	recipient := "15551234567"

	if err := s.Increment(ctx, recipient); err != nil {
		t.Fatalf("Increment() error: %v", err)
	}

	secs, err := s.RetryAfterSeconds(ctx, recipient, 1)
	if err != nil {
		t.Fatalf("RetryAfterSeconds() error: %v", err)
	}
	if secs == nil {
		t.Fatal("RetryAfterSeconds() = nil, want a positive value once limited")
	}
	if *secs <= 0 || *secs > 3600 {
		t.Errorf("RetryAfterSeconds() = %d, want within (0, 3600]", *secs)
	}
}

func TestCheckTenantPerMinute(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tenantID := "tenant-a"

	allowed, err := s.CheckTenantPerMinute(ctx, tenantID, 2)
	if err != nil {
		t.Fatalf("CheckTenantPerMinute() error: %v", err)
	}
	if !allowed {
		t.Error("CheckTenantPerMinute() = false, want true for an unused tenant")
	}

	if err := s.IncrementTenantPerMinute(ctx, tenantID); err != nil {
		t.Fatalf("IncrementTenantPerMinute() error: %v", err)
	}
	if err := s.IncrementTenantPerMinute(ctx, tenantID); err != nil {
		t.Fatalf("IncrementTenantPerMinute() error: %v", err)
	}

	allowed, err = s.CheckTenantPerMinute(ctx, tenantID, 2)
	if err != nil {
		t.Fatalf("CheckTenantPerMinute() error: %v", err)
	}
	if allowed {
		t.Error("CheckTenantPerMinute() = true, want false after reaching the per-minute limit")
	}
}

func TestPruneRemovesWindowsOlderThanCutoff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	oldWindow := windowKey("15550000001", hourAligned(time.Now().Add(-48*time.Hour)))
	if err := s.redis.Set(ctx, oldWindow, 1, 0).Err(); err != nil {
		t.Fatalf("seed old window: %v", err)
	}

	if err := s.Increment(ctx, "15550000002"); err != nil {
		t.Fatalf("Increment() error: %v", err)
	}

	pruned, err := s.Prune(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune() error: %v", err)
	}
	if pruned != 1 {
		t.Errorf("Prune() pruned = %d, want 1", pruned)
	}

	exists, err := s.redis.Exists(ctx, oldWindow).Result()
	if err != nil {
		t.Fatalf("Exists() error: %v", err)
	}
	if exists != 0 {
		t.Error("old window key still exists after Prune()")
	}
}
