package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/kkvrivishvili/nooble4-sub002/core"
)

// defaultTaskTTL applies to records without a tier, where no retention
// table entry can be looked up.
const defaultTaskTTL = 24 * time.Hour

// RedisTaskStore persists task records as JSON strings under
// "{prefix}:{env}:tasks:{task_id}", with a TTL from the tenant tier's
// retention table. It implements core.TaskStore.
//
// Updates are read-modify-write without transactions: a task record has a
// single writer (the worker processing the action) plus advisory progress
// updates from the same handler goroutine, so last-write-wins is
// acceptable. Every write re-derives the TTL so a record's retention
// window restarts on activity.
type RedisTaskStore struct {
	client     *redis.Client
	keyPrefix  string
	policy     *core.TierPolicy
	defaultTTL time.Duration
	logger     core.Logger
}

// RedisTaskStoreConfig configures the task store. The zero value works:
// defaults are applied for every field.
type RedisTaskStoreConfig struct {
	// KeyPrefix roots task keys, conventionally "{prefix}:{env}:tasks".
	// TaskKeyPrefix builds it from a QueueNamer.
	KeyPrefix string

	// Policy supplies per-tier retention. Defaults to DefaultTierPolicy.
	Policy *core.TierPolicy

	// DefaultTTL applies to records without a tier.
	DefaultTTL time.Duration

	Logger core.Logger
}

// TaskKeyPrefix returns the conventional task key root for a deployment.
func TaskKeyPrefix(namer core.QueueNamer) string {
	return namer.GlobalPrefix + ":" + namer.Environment + ":tasks"
}

// NewRedisTaskStore creates a task store on an existing Redis connection.
func NewRedisTaskStore(client *redis.Client, config *RedisTaskStoreConfig) *RedisTaskStore {
	if config == nil {
		config = &RedisTaskStoreConfig{}
	}

	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = TaskKeyPrefix(core.NewQueueNamer("", ""))
	}
	policy := config.Policy
	if policy == nil {
		policy = core.DefaultTierPolicy()
	}
	ttl := config.DefaultTTL
	if ttl <= 0 {
		ttl = defaultTaskTTL
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	return &RedisTaskStore{
		client:     client,
		keyPrefix:  keyPrefix,
		policy:     policy,
		defaultTTL: ttl,
		logger:     core.WithComponent(logger, "bus.task_store"),
	}
}

func (s *RedisTaskStore) taskKey(taskID string) string {
	return s.keyPrefix + ":" + core.SanitizeSegment(taskID)
}

// ttlFor derives the record's retention window from its tier.
func (s *RedisTaskStore) ttlFor(record *core.TaskRecord) time.Duration {
	if record.Tier == "" {
		return s.defaultTTL
	}
	return s.policy.Retention(record.Tier)
}

// Create persists a new pending record. Returns ErrTaskAlreadyExists when
// the task id is taken, so double-delivered actions cannot reset an
// existing record's lifecycle.
func (s *RedisTaskStore) Create(ctx context.Context, record *core.TaskRecord) error {
	if record == nil || record.TaskID == "" {
		return fmt.Errorf("task record needs a task id: %w", core.ErrInvalidConfiguration)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal task record: %w", err)
	}

	set, err := s.client.SetNX(ctx, s.taskKey(record.TaskID), data, s.ttlFor(record)).Result()
	if err != nil {
		return &core.BusError{Op: "task_store.Create", Code: core.CodeRedisClientError, Err: err}
	}
	if !set {
		return fmt.Errorf("%w: %s", core.ErrTaskAlreadyExists, record.TaskID)
	}

	s.logger.Debug("Task record created", map[string]interface{}{
		"task_id":     record.TaskID,
		"action_type": record.ActionType,
		"tenant_id":   record.TenantID,
		"tier":        record.Tier,
	})
	return nil
}

// Get retrieves a record by id, or ErrTaskNotFound.
func (s *RedisTaskStore) Get(ctx context.Context, taskID string) (*core.TaskRecord, error) {
	data, err := s.client.Get(ctx, s.taskKey(taskID)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", core.ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, &core.BusError{Op: "task_store.Get", Code: core.CodeRedisClientError, Err: err}
	}

	var record core.TaskRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task record %s: %w", taskID, err)
	}
	return &record, nil
}

// save writes a mutated record back, restarting its retention TTL.
func (s *RedisTaskStore) save(ctx context.Context, record *core.TaskRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal task record: %w", err)
	}
	if err := s.client.Set(ctx, s.taskKey(record.TaskID), data, s.ttlFor(record)).Err(); err != nil {
		return &core.BusError{Op: "task_store.save", Code: core.CodeRedisClientError, Err: err}
	}
	return nil
}

// transition loads a record, applies mutate under the forward-only status
// rules, and saves it.
func (s *RedisTaskStore) transition(ctx context.Context, taskID string, to core.TaskStatus, mutate func(*core.TaskRecord)) error {
	record, err := s.Get(ctx, taskID)
	if err != nil {
		return err
	}

	from := record.Status
	if !core.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s for task %s", core.ErrInvalidTransition, from, to, taskID)
	}

	now := time.Now().UTC()
	record.Status = to
	record.UpdatedAt = now
	if to.IsTerminal() {
		record.CompletedAt = &now
	}
	if mutate != nil {
		mutate(record)
	}

	if err := s.save(ctx, record); err != nil {
		return err
	}

	EmitTaskTransition(from, to)
	s.logger.Debug("Task status changed", map[string]interface{}{
		"task_id": taskID,
		"from":    from,
		"to":      to,
	})
	return nil
}

// UpdateStatus moves a record to a new status, enforcing the forward-only
// lifecycle. Moving to in_progress when the record is already in_progress
// is tolerated so retried actions don't error before their handler runs.
func (s *RedisTaskStore) UpdateStatus(ctx context.Context, taskID string, status core.TaskStatus) error {
	err := s.transition(ctx, taskID, status, nil)
	if errors.Is(err, core.ErrInvalidTransition) && status == core.TaskStatusInProgress {
		if record, getErr := s.Get(ctx, taskID); getErr == nil && record.Status == core.TaskStatusInProgress {
			return nil
		}
	}
	return err
}

// SetProgress updates the processed/total counters and progress message
// without changing status.
func (s *RedisTaskStore) SetProgress(ctx context.Context, taskID string, processed, total int, message string) error {
	record, err := s.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if record.Status.IsTerminal() {
		return fmt.Errorf("%w: progress on terminal task %s", core.ErrInvalidTransition, taskID)
	}

	record.Processed = processed
	record.Total = total
	record.Message = message
	record.UpdatedAt = time.Now().UTC()

	return s.save(ctx, record)
}

// Complete moves a record to completed and stores the handler result.
func (s *RedisTaskStore) Complete(ctx context.Context, taskID string, result json.RawMessage) error {
	return s.transition(ctx, taskID, core.TaskStatusCompleted, func(r *core.TaskRecord) {
		r.Result = result
		if r.Total > 0 {
			r.Processed = r.Total
		}
	})
}

// Fail moves a record to failed with the given message.
func (s *RedisTaskStore) Fail(ctx context.Context, taskID string, errorMessage string) error {
	return s.transition(ctx, taskID, core.TaskStatusFailed, func(r *core.TaskRecord) {
		r.ErrorMessage = errorMessage
	})
}

// Cancel moves a record to cancelled. Terminal records reject the move.
func (s *RedisTaskStore) Cancel(ctx context.Context, taskID string) error {
	return s.transition(ctx, taskID, core.TaskStatusCancelled, nil)
}
