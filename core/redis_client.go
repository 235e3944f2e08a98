// Package core provides Redis client plumbing for the Nooble action bus.
// This file implements a thin wrapper over go-redis with connection
// management, optional database isolation, and key namespacing for the
// stateful helpers that ride alongside the bus (rate limiting, in-flight
// accounting, task records).
//
// The bus itself (client and worker) operates on raw *redis.Client list
// commands; queue names already carry the global prefix and environment, so
// no extra namespacing applies there. The wrapper's namespaced operations
// exist for the auxiliary key spaces:
//   - Rate limiting: "<prefix>:<env>:ratelimit:*" (sorted sets, sliding window)
//   - In-flight accounting: "<prefix>:<env>:inflight:*" (counters)
//   - Task records: "<prefix>:<env>:tasks:*" (JSON strings)
//
// Database Allocation:
// Deployments sharing a Redis between concerns may isolate them by DB:
//   - DB 0: the bus (queues, task records)
//   - DB 1: rate limiting and in-flight counters
//   - DB 2+: free for services
//
// Usage:
//
//	rc, err := core.NewRedisClient(core.RedisClientOptions{
//	    RedisURL: settings.RedisURL,
//	    Logger:   logger,
//	})
//	worker := bus.NewWorker(rc.Client(), ...)
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Suggested Redis DB allocation for deployments that want isolation.
const (
	// RedisDBBus holds the queues and task records (default).
	RedisDBBus = 0

	// RedisDBRateLimiting holds sliding-window and in-flight counters.
	RedisDBRateLimiting = 1
)

// RedisClient provides a simplified Redis interface with DB isolation and
// key namespacing for the bus's auxiliary state.
type RedisClient struct {
	client    *redis.Client
	dbID      int
	namespace string
	logger    Logger // Optional logger
}

// RedisClientOptions configures the Redis client
type RedisClientOptions struct {
	RedisURL  string
	DB        int    // Redis DB number for isolation (0-15); -1 keeps the URL's DB
	Namespace string // Key namespace for the auxiliary operations
	Logger    Logger // Optional logger
}

// NewRedisClient creates a Redis client, verifies connectivity with a ping,
// and returns the wrapper. Connection failure at this point is fatal for
// the caller: a bus service cannot run without its transport.
func NewRedisClient(opts RedisClientOptions) (*RedisClient, error) {
	if opts.Logger == nil {
		opts.Logger = &NoOpLogger{}
	}

	if opts.RedisURL == "" {
		opts.Logger.Error("Failed to initialize Redis client", map[string]interface{}{
			"error": "Redis URL is required",
		})
		return nil, fmt.Errorf("redis URL is required: %w", ErrInvalidConfiguration)
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		opts.Logger.Error("Failed to parse Redis URL", map[string]interface{}{
			"error":     err,
			"redis_url": opts.RedisURL,
		})
		return nil, fmt.Errorf("invalid Redis URL: %w", ErrInvalidConfiguration)
	}

	if opts.DB > 0 && opts.DB <= 15 {
		redisOpt.DB = opts.DB
	}

	client := redis.NewClient(redisOpt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		opts.Logger.Error("Failed to connect to Redis", map[string]interface{}{
			"error":     err,
			"db":        redisOpt.DB,
			"namespace": opts.Namespace,
		})
		return nil, fmt.Errorf("failed to connect to Redis DB %d: %w", redisOpt.DB, ErrConnectionFailed)
	}

	rc := &RedisClient{
		client:    client,
		dbID:      redisOpt.DB,
		namespace: opts.Namespace,
		logger:    opts.Logger,
	}

	rc.logger.Info("Redis client connected", map[string]interface{}{
		"db":        redisOpt.DB,
		"namespace": opts.Namespace,
	})

	return rc, nil
}

// WrapRedisClient adopts an existing connection, e.g. one backed by
// miniredis in tests.
func WrapRedisClient(client *redis.Client, namespace string, logger Logger) *RedisClient {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &RedisClient{client: client, namespace: namespace, logger: logger}
}

// Client exposes the underlying go-redis client for the list commands the
// bus issues directly (RPUSH, LPOP, BLPOP, LMOVE, EXPIRE).
func (r *RedisClient) Client() *redis.Client {
	return r.client
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	r.logger.Info("Closing Redis client connection", map[string]interface{}{
		"db":        r.dbID,
		"namespace": r.namespace,
	})
	return r.client.Close()
}

// Namespace returns the namespace being used
func (r *RedisClient) Namespace() string {
	return r.namespace
}

// formatKey formats a key with the namespace
func (r *RedisClient) formatKey(key string) string {
	if r.namespace != "" {
		return fmt.Sprintf("%s:%s", r.namespace, key)
	}
	return key
}

// --- Counter Operations (in-flight accounting) ---

// Incr increments a counter
func (r *RedisClient) Incr(ctx context.Context, key string) (int64, error) {
	return r.client.Incr(ctx, r.formatKey(key)).Result()
}

// Decr decrements a counter
func (r *RedisClient) Decr(ctx context.Context, key string) (int64, error) {
	return r.client.Decr(ctx, r.formatKey(key)).Result()
}

// Expire sets a TTL on a key
func (r *RedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, r.formatKey(key), ttl).Err()
}

// Get retrieves a value
func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	return r.client.Get(ctx, r.formatKey(key)).Result()
}

// Set stores a value with optional TTL
func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return r.client.Set(ctx, r.formatKey(key), value, ttl).Err()
}

// SetNX stores a value only if the key does not exist. Used for
// action-id dedupe windows.
func (r *RedisClient) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, r.formatKey(key), value, ttl).Result()
}

// Del deletes keys
func (r *RedisClient) Del(ctx context.Context, keys ...string) error {
	formattedKeys := make([]string, len(keys))
	for i, key := range keys {
		formattedKeys[i] = r.formatKey(key)
	}
	return r.client.Del(ctx, formattedKeys...).Err()
}

// TTL gets the TTL of a key
func (r *RedisClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	return r.client.TTL(ctx, r.formatKey(key)).Result()
}

// --- Sorted Set Operations (sliding-window rate limiting) ---

// ZAdd adds members to a sorted set
func (r *RedisClient) ZAdd(ctx context.Context, key string, members ...*redis.Z) error {
	return r.client.ZAdd(ctx, r.formatKey(key), members...).Err()
}

// ZRemRangeByScore removes members by score range
func (r *RedisClient) ZRemRangeByScore(ctx context.Context, key string, min, max string) error {
	return r.client.ZRemRangeByScore(ctx, r.formatKey(key), min, max).Err()
}

// ZCard gets the cardinality of a sorted set
func (r *RedisClient) ZCard(ctx context.Context, key string) (int64, error) {
	return r.client.ZCard(ctx, r.formatKey(key)).Result()
}

// --- Pipeline Operations (for efficiency) ---

// Pipeline creates a pipeline for batched operations. Keys passed to
// pipeline commands are not namespaced automatically; use FormatKey.
func (r *RedisClient) Pipeline() redis.Pipeliner {
	return r.client.Pipeline()
}

// FormatKey applies the namespace for callers batching through Pipeline.
func (r *RedisClient) FormatKey(key string) string {
	return r.formatKey(key)
}

// --- Health Check ---

// HealthCheck verifies Redis connectivity
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	err := r.client.Ping(ctx).Err()
	if err != nil {
		r.logger.Error("Redis health check failed", map[string]interface{}{
			"error":     err,
			"db":        r.dbID,
			"namespace": r.namespace,
		})
	}
	return err
}
