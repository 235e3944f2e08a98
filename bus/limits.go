package bus

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/kkvrivishvili/nooble4-sub002/core"
)

// defaultRateWindow is the sliding window the per-session budget applies
// to. TierPolicy.RateLimit values are requests per minute.
const defaultRateWindow = time.Minute

// defaultInflightTTL caps how long an in-flight counter can survive
// without activity, so counters orphaned by a crashed worker decay
// instead of throttling a tenant forever.
const defaultInflightTTL = 5 * time.Minute

// SessionRateLimiter enforces the per-session request budget with a
// sliding window sorted set per (tenant, session):
//
//	{namespace}:ratelimit:{tenant}:{session} -> ZSET[member=request id, score=unix ms]
//
// Each Allow prunes entries older than the window, counts the remainder
// against the tier budget, and records the new request only when allowed.
// The check is approximate under concurrency (two racing sends can both
// pass at the boundary), which is acceptable for quota enforcement.
type SessionRateLimiter struct {
	rdb    *core.RedisClient
	policy *core.TierPolicy
	window time.Duration
	logger core.Logger
}

// SessionRateLimiterConfig configures the rate limiter. Zero values get
// defaults.
type SessionRateLimiterConfig struct {
	// Policy supplies per-tier budgets. Defaults to DefaultTierPolicy.
	Policy *core.TierPolicy

	// Window is the sliding window length; the tier budgets are defined
	// per minute, so only tests should change this.
	Window time.Duration

	Logger core.Logger
}

// NewSessionRateLimiter creates a rate limiter on a namespaced Redis
// client. The client's namespace keeps limiter keys out of the queue key
// space; WrapRedisClient or NewRedisClient with Namespace "{prefix}:{env}"
// is the usual setup.
func NewSessionRateLimiter(rdb *core.RedisClient, config *SessionRateLimiterConfig) *SessionRateLimiter {
	if config == nil {
		config = &SessionRateLimiterConfig{}
	}
	policy := config.Policy
	if policy == nil {
		policy = core.DefaultTierPolicy()
	}
	window := config.Window
	if window <= 0 {
		window = defaultRateWindow
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &SessionRateLimiter{
		rdb:    rdb,
		policy: policy,
		window: window,
		logger: core.WithComponent(logger, "bus.rate_limiter"),
	}
}

func rateKey(tenantID, sessionID string) string {
	return "ratelimit:" + core.SanitizeSegment(tenantID) + ":" + core.SanitizeSegment(sessionID)
}

// Allow reports whether one more request fits the session's budget, and
// records it when it does. Sessions without tenant or session identifiers
// are not limited.
func (l *SessionRateLimiter) Allow(ctx context.Context, tenantID, sessionID string, tier core.Tier) (bool, error) {
	if tenantID == "" || sessionID == "" {
		return true, nil
	}
	limit := l.policy.RateLimit(tier)
	if limit <= 0 {
		return true, nil
	}

	key := rateKey(tenantID, sessionID)
	now := time.Now()
	cutoff := now.Add(-l.window).UnixMilli()

	// Prune and count in one round trip.
	pipe := l.rdb.Pipeline()
	full := l.rdb.FormatKey(key)
	pipe.ZRemRangeByScore(ctx, full, "-inf", strconv.FormatInt(cutoff, 10))
	countCmd := pipe.ZCard(ctx, full)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, &core.BusError{Op: "rate_limiter.Allow", Code: core.CodeRedisClientError, Err: err}
	}

	if countCmd.Val() >= int64(limit) {
		EmitRateLimited(tier)
		l.logger.Debug("Session rate limit hit", map[string]interface{}{
			"tenant_id":  tenantID,
			"session_id": sessionID,
			"tier":       tier,
			"limit":      limit,
		})
		return false, nil
	}

	if err := l.rdb.ZAdd(ctx, key, &redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: uuid.NewString(),
	}); err != nil {
		return false, &core.BusError{Op: "rate_limiter.Allow", Code: core.CodeRedisClientError, Err: err}
	}
	// Keep idle sessions from leaking sorted sets.
	if err := l.rdb.Expire(ctx, key, l.window*2); err != nil {
		l.logger.Warn("Failed to set rate limit key TTL", map[string]interface{}{
			"key":   key,
			"error": err,
		})
	}
	return true, nil
}

// InflightLimiter bounds concurrently processing actions per tenant with
// a counter per tenant:
//
//	{namespace}:inflight:{tenant} -> INCR on acquire, DECR on release
//
// The worker acquires before dispatching and releases when the handler
// finishes. A saturated tenant's actions are deferred, not dropped.
type InflightLimiter struct {
	rdb    *core.RedisClient
	policy *core.TierPolicy
	ttl    time.Duration
	logger core.Logger
}

// InflightLimiterConfig configures the in-flight limiter. Zero values get
// defaults.
type InflightLimiterConfig struct {
	// Policy supplies per-tier bounds. Defaults to DefaultTierPolicy.
	Policy *core.TierPolicy

	// TTL is the orphan guard on each counter, refreshed per acquire.
	TTL time.Duration

	Logger core.Logger
}

// NewInflightLimiter creates an in-flight limiter on a namespaced Redis
// client.
func NewInflightLimiter(rdb *core.RedisClient, config *InflightLimiterConfig) *InflightLimiter {
	if config == nil {
		config = &InflightLimiterConfig{}
	}
	policy := config.Policy
	if policy == nil {
		policy = core.DefaultTierPolicy()
	}
	ttl := config.TTL
	if ttl <= 0 {
		ttl = defaultInflightTTL
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &InflightLimiter{
		rdb:    rdb,
		policy: policy,
		ttl:    ttl,
		logger: core.WithComponent(logger, "bus.inflight_limiter"),
	}
}

func inflightKey(tenantID string) string {
	return "inflight:" + core.SanitizeSegment(tenantID)
}

// Acquire takes one in-flight slot for the tenant. It returns false when
// the tenant is at its tier bound; the caller defers the action and must
// not call Release.
func (l *InflightLimiter) Acquire(ctx context.Context, tenantID string, tier core.Tier) (bool, error) {
	if tenantID == "" {
		return true, nil
	}
	limit := l.policy.MaxInflight(tier)
	if limit <= 0 {
		return true, nil
	}

	key := inflightKey(tenantID)
	n, err := l.rdb.Incr(ctx, key)
	if err != nil {
		return false, &core.BusError{Op: "inflight_limiter.Acquire", Code: core.CodeRedisClientError, Err: err}
	}
	if err := l.rdb.Expire(ctx, key, l.ttl); err != nil {
		l.logger.Warn("Failed to set inflight counter TTL", map[string]interface{}{
			"key":   key,
			"error": err,
		})
	}

	if n > int64(limit) {
		// Give the slot back before reporting saturation.
		if _, err := l.rdb.Decr(ctx, key); err != nil {
			l.logger.Warn("Failed to return inflight slot", map[string]interface{}{
				"key":   key,
				"error": err,
			})
		}
		EmitTenantBusy(tier)
		return false, nil
	}
	return true, nil
}

// Release returns a slot taken by Acquire. Counter drift below zero is
// repaired by deleting the key; the next Acquire recreates it.
func (l *InflightLimiter) Release(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return nil
	}

	key := inflightKey(tenantID)
	n, err := l.rdb.Decr(ctx, key)
	if err != nil {
		return &core.BusError{Op: "inflight_limiter.Release", Code: core.CodeRedisClientError, Err: err}
	}
	if n < 0 {
		l.logger.Warn("Inflight counter went negative, resetting", map[string]interface{}{
			"tenant_id": tenantID,
			"count":     n,
		})
		if err := l.rdb.Del(ctx, key); err != nil {
			return &core.BusError{Op: "inflight_limiter.Release", Code: core.CodeRedisClientError, Err: err}
		}
	}
	return nil
}

// Inflight reports the tenant's current in-flight count, for health
// endpoints and tests.
func (l *InflightLimiter) Inflight(ctx context.Context, tenantID string) (int, error) {
	v, err := l.rdb.Get(ctx, inflightKey(tenantID))
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, &core.BusError{Op: "inflight_limiter.Inflight", Code: core.CodeRedisClientError, Err: err}
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("inflight counter for %s is not a number: %w", tenantID, err)
	}
	return n, nil
}
