package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/kkvrivishvili/nooble4-sub002/core"
)

// =============================================================================
// Tenant Limit Tests (with miniredis)
// =============================================================================

func setupLimiterTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return mr, client
}

func wrapLimiterClient(client *redis.Client) *core.RedisClient {
	return core.WrapRedisClient(client, "test", &core.NoOpLogger{})
}

func limiterTestPolicy() *core.TierPolicy {
	return &core.TierPolicy{
		MaxInflightPerTenant: map[core.Tier]int{core.TierFree: 1, core.TierEnterprise: 3},
		RateLimitPerSession:  map[core.Tier]int{core.TierFree: 2},
	}
}

// -----------------------------------------------------------------------------
// Session Rate Limiter Tests
// -----------------------------------------------------------------------------

func TestSessionRateLimiter_AllowsUnderLimit(t *testing.T) {
	mr, client := setupLimiterTestRedis(t)
	defer mr.Close()
	defer client.Close()

	limiter := NewSessionRateLimiter(wrapLimiterClient(client), &SessionRateLimiterConfig{
		Policy: limiterTestPolicy(),
		Logger: &core.NoOpLogger{},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, "tenant-1", "session-1", core.TierFree)
		if err != nil {
			t.Fatalf("Allow %d failed: %v", i, err)
		}
		if !ok {
			t.Fatalf("Request %d under the limit was rejected", i)
		}
	}

	ok, err := limiter.Allow(ctx, "tenant-1", "session-1", core.TierFree)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if ok {
		t.Error("Request over the limit was allowed")
	}
}

func TestSessionRateLimiter_WindowSlides(t *testing.T) {
	mr, client := setupLimiterTestRedis(t)
	defer mr.Close()
	defer client.Close()

	policy := limiterTestPolicy()
	policy.RateLimitPerSession[core.TierFree] = 1
	limiter := NewSessionRateLimiter(wrapLimiterClient(client), &SessionRateLimiterConfig{
		Policy: policy,
		Window: 100 * time.Millisecond,
		Logger: &core.NoOpLogger{},
	})
	ctx := context.Background()

	if ok, _ := limiter.Allow(ctx, "tenant-1", "session-1", core.TierFree); !ok {
		t.Fatal("First request was rejected")
	}
	if ok, _ := limiter.Allow(ctx, "tenant-1", "session-1", core.TierFree); ok {
		t.Fatal("Second request inside the window was allowed")
	}

	time.Sleep(150 * time.Millisecond)

	if ok, err := limiter.Allow(ctx, "tenant-1", "session-1", core.TierFree); err != nil || !ok {
		t.Errorf("Request after the window slid was rejected (ok=%v, err=%v)", ok, err)
	}
}

func TestSessionRateLimiter_SessionsAreIndependent(t *testing.T) {
	mr, client := setupLimiterTestRedis(t)
	defer mr.Close()
	defer client.Close()

	policy := limiterTestPolicy()
	policy.RateLimitPerSession[core.TierFree] = 1
	limiter := NewSessionRateLimiter(wrapLimiterClient(client), &SessionRateLimiterConfig{
		Policy: policy,
		Logger: &core.NoOpLogger{},
	})
	ctx := context.Background()

	if ok, _ := limiter.Allow(ctx, "tenant-1", "session-1", core.TierFree); !ok {
		t.Fatal("session-1 first request was rejected")
	}
	if ok, _ := limiter.Allow(ctx, "tenant-1", "session-2", core.TierFree); !ok {
		t.Error("session-2 was throttled by session-1's usage")
	}
}

func TestSessionRateLimiter_UnscopedRequestsPass(t *testing.T) {
	mr, client := setupLimiterTestRedis(t)
	defer mr.Close()
	defer client.Close()

	limiter := NewSessionRateLimiter(wrapLimiterClient(client), &SessionRateLimiterConfig{
		Policy: limiterTestPolicy(),
		Logger: &core.NoOpLogger{},
	})
	ctx := context.Background()

	// Requests without tenant or session context are never throttled.
	for i := 0; i < 10; i++ {
		if ok, err := limiter.Allow(ctx, "", "", core.TierFree); err != nil || !ok {
			t.Fatalf("Unscoped request %d was rejected (ok=%v, err=%v)", i, ok, err)
		}
	}
}

// -----------------------------------------------------------------------------
// Inflight Limiter Tests
// -----------------------------------------------------------------------------

func TestInflightLimiter_BoundsPerTenant(t *testing.T) {
	mr, client := setupLimiterTestRedis(t)
	defer mr.Close()
	defer client.Close()

	limiter := NewInflightLimiter(wrapLimiterClient(client), &InflightLimiterConfig{
		Policy: limiterTestPolicy(),
		Logger: &core.NoOpLogger{},
	})
	ctx := context.Background()

	ok, err := limiter.Acquire(ctx, "tenant-1", core.TierFree)
	if err != nil || !ok {
		t.Fatalf("First acquire rejected (ok=%v, err=%v)", ok, err)
	}

	ok, err = limiter.Acquire(ctx, "tenant-1", core.TierFree)
	if err != nil {
		t.Fatalf("Second acquire errored: %v", err)
	}
	if ok {
		t.Error("Acquire over the free-tier bound succeeded")
	}

	if err := limiter.Release(ctx, "tenant-1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	ok, err = limiter.Acquire(ctx, "tenant-1", core.TierFree)
	if err != nil || !ok {
		t.Errorf("Acquire after release rejected (ok=%v, err=%v)", ok, err)
	}
}

func TestInflightLimiter_TracksCount(t *testing.T) {
	mr, client := setupLimiterTestRedis(t)
	defer mr.Close()
	defer client.Close()

	limiter := NewInflightLimiter(wrapLimiterClient(client), &InflightLimiterConfig{
		Policy: limiterTestPolicy(),
		Logger: &core.NoOpLogger{},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if ok, err := limiter.Acquire(ctx, "tenant-ent", core.TierEnterprise); err != nil || !ok {
			t.Fatalf("Acquire %d rejected (ok=%v, err=%v)", i, ok, err)
		}
	}

	n, err := limiter.Inflight(ctx, "tenant-ent")
	if err != nil {
		t.Fatalf("Inflight failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Inflight = %d, want 2", n)
	}

	if err := limiter.Release(ctx, "tenant-ent"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	n, _ = limiter.Inflight(ctx, "tenant-ent")
	if n != 1 {
		t.Errorf("Inflight after release = %d, want 1", n)
	}
}

func TestInflightLimiter_RecoversFromUnderflow(t *testing.T) {
	mr, client := setupLimiterTestRedis(t)
	defer mr.Close()
	defer client.Close()

	limiter := NewInflightLimiter(wrapLimiterClient(client), &InflightLimiterConfig{
		Policy: limiterTestPolicy(),
		Logger: &core.NoOpLogger{},
	})
	ctx := context.Background()

	// A release without a matching acquire must not poison the counter.
	if err := limiter.Release(ctx, "tenant-1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	n, err := limiter.Inflight(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("Inflight failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Inflight after underflow = %d, want 0", n)
	}

	if ok, err := limiter.Acquire(ctx, "tenant-1", core.TierFree); err != nil || !ok {
		t.Errorf("Acquire after underflow rejected (ok=%v, err=%v)", ok, err)
	}
}
