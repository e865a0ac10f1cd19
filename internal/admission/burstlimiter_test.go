package admission_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/vllm-gateway/internal/admission"
)

func newTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, func() {
		client.Close()
		mr.Close()
	}
}

func TestBurstLimiter_AllowsUnderLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 10
	limiter := admission.NewBurstLimiter(rdb, limit, time.Minute)
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		allowed, err := limiter.Allow(ctx, "user-a")
		if err != nil {
			t.Fatalf("unexpected error at iteration %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("expected allowed=true at iteration %d", i)
		}
	}
}

func TestBurstLimiter_BlocksOverLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 3
	limiter := admission.NewBurstLimiter(rdb, limit, time.Minute)
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		allowed, err := limiter.Allow(ctx, "user-b")
		if err != nil {
			t.Fatalf("unexpected error at iteration %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("expected allowed=true at iteration %d", i)
		}
	}

	allowed, err := limiter.Allow(ctx, "user-b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Error("expected allowed=false after limit exceeded")
	}
}

func TestBurstLimiter_TracksUsersIndependently(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	limiter := admission.NewBurstLimiter(rdb, 1, time.Minute)
	ctx := context.Background()

	allowedA, _ := limiter.Allow(ctx, "user-a")
	if !allowedA {
		t.Fatal("expected user-a's first request to be allowed")
	}
	allowedB, _ := limiter.Allow(ctx, "user-b")
	if !allowedB {
		t.Fatal("expected user-b's first request to be allowed despite user-a being at its limit")
	}

	blockedA, _ := limiter.Allow(ctx, "user-a")
	if blockedA {
		t.Error("expected user-a's second request to be blocked")
	}
}

func TestBurstLimiter_DegradedGracefully_WhenRedisDown(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	cleanup()

	limiter := admission.NewBurstLimiter(rdb, 5, time.Minute)
	ctx := context.Background()

	allowed, err := limiter.Allow(ctx, "user-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Error("expected allowed=true when Redis is unavailable (graceful degradation)")
	}
}
