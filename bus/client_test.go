package bus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/kkvrivishvili/nooble4-sub002/core"
	"github.com/kkvrivishvili/nooble4-sub002/resilience"
)

// =============================================================================
// Bus Client Tests (with miniredis)
// =============================================================================

func setupClientTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
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

func clientTestSettings(service string) *core.Settings {
	s := core.DefaultSettings(service)
	s.Environment = "test"
	return s
}

func newTestClient(t *testing.T, rdb *redis.Client, config ClientConfig) *Client {
	t.Helper()

	if config.Settings == nil {
		config.Settings = clientTestSettings("svc_a")
	}
	c, err := NewClient(rdb, config)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

// popOneAction pops the single envelope expected on queue and parses it.
func popOneAction(t *testing.T, rdb *redis.Client, queue string) *core.DomainAction {
	t.Helper()

	entries, err := rdb.LRange(context.Background(), queue, 0, -1).Result()
	if err != nil {
		t.Fatalf("LRange(%s) failed: %v", queue, err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 envelope on %s, got %d", queue, len(entries))
	}
	action, err := core.ParseAction([]byte(entries[0]))
	if err != nil {
		t.Fatalf("Envelope did not parse: %v", err)
	}
	return action
}

func TestSendAsync_EnvelopeContent(t *testing.T) {
	mr, rdb := setupClientTestRedis(t)
	defer mr.Close()
	defer rdb.Close()

	c := newTestClient(t, rdb, ClientConfig{})

	actionID, err := c.SendAsync(context.Background(), SendInput{
		ActionType:    "ingestion.document.process",
		TargetService: "ingestion_service",
		Data:          map[string]interface{}{"document_id": "doc-1"},
		TenantID:      "tenant-1",
		UserID:        "user-1",
		SessionID:     "session-1",
		Metadata:      map[string]interface{}{"source": "upload"},
	})
	if err != nil {
		t.Fatalf("SendAsync failed: %v", err)
	}
	if actionID == "" {
		t.Fatal("SendAsync returned an empty action id")
	}

	namer := core.NewQueueNamer("nooble4", "test")
	action := popOneAction(t, rdb, namer.ActionQueue("ingestion_service", "", "", ""))

	if action.ActionID != actionID {
		t.Errorf("Envelope action_id = %q, want %q", action.ActionID, actionID)
	}
	if action.ActionType != "ingestion.document.process" {
		t.Errorf("action_type = %q", action.ActionType)
	}
	if action.OriginService != "svc_a" || action.TargetService != "ingestion_service" {
		t.Errorf("origin/target = %q/%q, want svc_a/ingestion_service",
			action.OriginService, action.TargetService)
	}
	if action.TenantID != "tenant-1" || action.UserID != "user-1" || action.SessionID != "session-1" {
		t.Errorf("Tenant context not preserved: %q/%q/%q",
			action.TenantID, action.UserID, action.SessionID)
	}
	if action.CorrelationID == "" {
		t.Error("correlation_id was not generated")
	}
	if len(action.TraceID) != 32 {
		t.Errorf("Generated trace_id %q is not 32 hex characters", action.TraceID)
	}
	if action.Metadata["source"] != "upload" {
		t.Errorf("Metadata not carried: %v", action.Metadata)
	}
	if action.ExpectsCallback() {
		t.Error("Fire-and-forget envelope expects a callback")
	}
}

func TestSendAsync_HonorsSuppliedCorrelationAndTrace(t *testing.T) {
	mr, rdb := setupClientTestRedis(t)
	defer mr.Close()
	defer rdb.Close()

	c := newTestClient(t, rdb, ClientConfig{})

	_, err := c.SendAsync(context.Background(), SendInput{
		ActionType:    "echo.message.send",
		TargetService: "echo_service",
		CorrelationID: "corr-supplied",
		TraceID:       "abcdefabcdefabcdefabcdefabcdef12",
	})
	if err != nil {
		t.Fatalf("SendAsync failed: %v", err)
	}

	namer := core.NewQueueNamer("nooble4", "test")
	action := popOneAction(t, rdb, namer.ActionQueue("echo_service", "", "", ""))
	if action.CorrelationID != "corr-supplied" {
		t.Errorf("correlation_id = %q, want corr-supplied", action.CorrelationID)
	}
	if action.TraceID != "abcdefabcdefabcdefabcdefabcdef12" {
		t.Errorf("trace_id = %q, want the supplied one", action.TraceID)
	}
}

func TestSendAsync_TierRoutesToTierQueue(t *testing.T) {
	mr, rdb := setupClientTestRedis(t)
	defer mr.Close()
	defer rdb.Close()

	c := newTestClient(t, rdb, ClientConfig{})

	_, err := c.SendAsync(context.Background(), SendInput{
		ActionType:    "query.rag.search",
		TargetService: "query_service",
		Tier:          core.TierEnterprise,
	})
	if err != nil {
		t.Fatalf("SendAsync failed: %v", err)
	}

	queue := core.NewQueueNamer("nooble4", "test").ActionQueue("query_service", "", "", core.TierEnterprise)
	if !strings.Contains(queue, ":enterprise:") {
		t.Fatalf("Tier queue %q does not embed the tier", queue)
	}
	n, err := rdb.LLen(context.Background(), queue).Result()
	if err != nil || n != 1 {
		t.Errorf("Expected 1 envelope on %s, got %d (err=%v)", queue, n, err)
	}
}

func TestSendAsync_RejectsInvalidActionType(t *testing.T) {
	mr, rdb := setupClientTestRedis(t)
	defer mr.Close()
	defer rdb.Close()

	c := newTestClient(t, rdb, ClientConfig{})

	_, err := c.SendAsync(context.Background(), SendInput{
		ActionType:    "bad",
		TargetService: "echo_service",
	})
	if !errors.Is(err, core.ErrInvalidActionType) {
		t.Errorf("Expected ErrInvalidActionType, got %v", err)
	}
}

func TestSendAsync_RequiresTargetService(t *testing.T) {
	mr, rdb := setupClientTestRedis(t)
	defer mr.Close()
	defer rdb.Close()

	c := newTestClient(t, rdb, ClientConfig{})

	_, err := c.SendAsync(context.Background(), SendInput{
		ActionType: "echo.message.send",
	})
	if !errors.Is(err, core.ErrInvalidEnvelope) {
		t.Errorf("Expected ErrInvalidEnvelope, got %v", err)
	}
}

func TestSendAsyncWithCallback_SetsCallbackPair(t *testing.T) {
	mr, rdb := setupClientTestRedis(t)
	defer mr.Close()
	defer rdb.Close()

	c := newTestClient(t, rdb, ClientConfig{})

	_, err := c.SendAsyncWithCallback(context.Background(),
		SendInput{
			ActionType:    "ingestion.document.process",
			TargetService: "ingestion_service",
			Data:          map[string]interface{}{"document_id": "doc-1"},
		},
		"nooble4:test:svc_a:callbacks:ingested:tenant-1",
		"ingestion.document.processed",
	)
	if err != nil {
		t.Fatalf("SendAsyncWithCallback failed: %v", err)
	}

	namer := core.NewQueueNamer("nooble4", "test")
	action := popOneAction(t, rdb, namer.ActionQueue("ingestion_service", "", "", ""))
	if action.CallbackQueueName != "nooble4:test:svc_a:callbacks:ingested:tenant-1" {
		t.Errorf("callback_queue_name = %q", action.CallbackQueueName)
	}
	if action.CallbackActionType != "ingestion.document.processed" {
		t.Errorf("callback_action_type = %q", action.CallbackActionType)
	}
	if !action.ExpectsCallback() {
		t.Error("Envelope does not expect a callback")
	}
}

func TestSendAsyncWithCallback_RequiresBothFields(t *testing.T) {
	mr, rdb := setupClientTestRedis(t)
	defer mr.Close()
	defer rdb.Close()

	c := newTestClient(t, rdb, ClientConfig{})
	input := SendInput{
		ActionType:    "ingestion.document.process",
		TargetService: "ingestion_service",
	}

	_, err := c.SendAsyncWithCallback(context.Background(), input, "", "ingestion.document.processed")
	if !errors.Is(err, core.ErrInvalidEnvelope) {
		t.Errorf("Missing queue: expected ErrInvalidEnvelope, got %v", err)
	}
	_, err = c.SendAsyncWithCallback(context.Background(), input, "nooble4:test:svc_a:callbacks:x:y", "")
	if !errors.Is(err, core.ErrInvalidEnvelope) {
		t.Errorf("Missing type: expected ErrInvalidEnvelope, got %v", err)
	}
}

// -----------------------------------------------------------------------------
// Pseudo-Sync Tests
// -----------------------------------------------------------------------------

// respondTo polls queue until an action arrives, hands it to reply, and
// pushes whatever reply returns onto the action's reply queue.
func respondTo(t *testing.T, rdb *redis.Client, queue string, reply func(*core.DomainAction) []byte) <-chan *core.DomainAction {
	t.Helper()

	got := make(chan *core.DomainAction, 1)
	go func() {
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			raw, err := rdb.LPop(context.Background(), queue).Bytes()
			if err != nil {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			action, err := core.ParseAction(raw)
			if err != nil {
				return
			}
			got <- action
			if payload := reply(action); payload != nil {
				rdb.RPush(context.Background(), action.CallbackQueueName, payload)
			}
			return
		}
	}()
	return got
}

func TestSendPseudoSync_Success(t *testing.T) {
	mr, rdb := setupClientTestRedis(t)
	defer mr.Close()
	defer rdb.Close()

	c := newTestClient(t, rdb, ClientConfig{})
	queue := core.NewQueueNamer("nooble4", "test").ActionQueue("echo_service", "", "", core.TierFree)

	got := respondTo(t, rdb, queue, func(action *core.DomainAction) []byte {
		resp, err := core.NewSuccessResponse(action, json.RawMessage(`{"text":"hi","echoed":true}`))
		if err != nil {
			t.Errorf("NewSuccessResponse failed: %v", err)
			return nil
		}
		raw, err := resp.Marshal()
		if err != nil {
			t.Errorf("Marshal failed: %v", err)
			return nil
		}
		return raw
	})

	resp, err := c.SendPseudoSync(context.Background(), SendInput{
		ActionType:    "echo.message.send",
		TargetService: "echo_service",
		Data:          map[string]interface{}{"text": "hi"},
		TenantID:      "tenant-1",
		Tier:          core.TierFree,
	}, 2*time.Second)
	if err != nil {
		t.Fatalf("SendPseudoSync failed: %v", err)
	}

	if !resp.Success {
		t.Fatalf("Expected a success reply, got error %+v", resp.Error)
	}

	var sent *core.DomainAction
	select {
	case sent = <-got:
	case <-time.After(time.Second):
		t.Fatal("Responder never saw the request")
	}

	if resp.CorrelationID != sent.CorrelationID {
		t.Errorf("Reply correlation_id = %q, want %q", resp.CorrelationID, sent.CorrelationID)
	}
	if resp.TraceID != sent.TraceID {
		t.Errorf("Reply trace_id = %q, want %q", resp.TraceID, sent.TraceID)
	}
	if !core.IsReplyQueue(sent.CallbackQueueName) {
		t.Errorf("Request reply queue %q is not a reply queue", sent.CallbackQueueName)
	}
	if hint, ok := sent.ReplyTimeout(); !ok || hint != 2*time.Second {
		t.Errorf("Reply timeout hint = %v (ok=%v), want 2s", hint, ok)
	}

	var data struct {
		Text   string `json:"text"`
		Echoed bool   `json:"echoed"`
	}
	if err := resp.DecodeData(&data); err != nil {
		t.Fatalf("DecodeData failed: %v", err)
	}
	if data.Text != "hi" || !data.Echoed {
		t.Errorf("Reply data = %+v, want {hi true}", data)
	}
}

func TestSendPseudoSync_TimeoutProducesClientTimeout(t *testing.T) {
	mr, rdb := setupClientTestRedis(t)
	defer mr.Close()
	defer rdb.Close()

	c := newTestClient(t, rdb, ClientConfig{})

	start := time.Now()
	resp, err := c.SendPseudoSync(context.Background(), SendInput{
		ActionType:    "echo.message.send",
		TargetService: "echo_service",
		Data:          map[string]interface{}{"text": "hi"},
	}, 300*time.Millisecond)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Timeout must come back as a response, got error %v", err)
	}
	if resp.Success {
		t.Fatal("Expected a failure response on timeout")
	}
	if resp.Error == nil || resp.Error.ErrorCode != core.CodeClientTimeout {
		t.Fatalf("Error = %+v, want code %s", resp.Error, core.CodeClientTimeout)
	}
	if resp.Error.Retryable {
		t.Error("Client timeouts must not be marked retryable")
	}
	if resp.CorrelationID == "" {
		t.Error("Timeout response lost the correlation id")
	}
	if elapsed < 250*time.Millisecond || elapsed > 900*time.Millisecond {
		t.Errorf("Timed out after %v, want about 300ms", elapsed)
	}
}

func TestSendPseudoSync_GarbageReplyProducesDecodeError(t *testing.T) {
	mr, rdb := setupClientTestRedis(t)
	defer mr.Close()
	defer rdb.Close()

	c := newTestClient(t, rdb, ClientConfig{})
	queue := core.NewQueueNamer("nooble4", "test").ActionQueue("echo_service", "", "", "")

	respondTo(t, rdb, queue, func(action *core.DomainAction) []byte {
		return []byte("not a response envelope")
	})

	resp, err := c.SendPseudoSync(context.Background(), SendInput{
		ActionType:    "echo.message.send",
		TargetService: "echo_service",
		Data:          map[string]interface{}{"text": "hi"},
	}, 2*time.Second)
	if err != nil {
		t.Fatalf("Decode failure must come back as a response, got error %v", err)
	}
	if resp.Success {
		t.Fatal("Expected a failure response for a garbage reply")
	}
	if resp.Error == nil || resp.Error.ErrorCode != core.CodeResponseDecodeError {
		t.Errorf("Error = %+v, want code %s", resp.Error, core.CodeResponseDecodeError)
	}
}

func TestSendPseudoSync_TransportFailureProducesRedisError(t *testing.T) {
	mr, rdb := setupClientTestRedis(t)
	defer rdb.Close()

	c := newTestClient(t, rdb, ClientConfig{
		Retry: &resilience.RetryConfig{
			MaxAttempts:   1,
			InitialDelay:  time.Millisecond,
			MaxDelay:      time.Millisecond,
			BackoffFactor: 1,
		},
	})

	mr.Close()

	resp, err := c.SendPseudoSync(context.Background(), SendInput{
		ActionType:    "echo.message.send",
		TargetService: "echo_service",
		Data:          map[string]interface{}{"text": "hi"},
	}, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("Transport failure must come back as a response, got error %v", err)
	}
	if resp.Success {
		t.Fatal("Expected a failure response when Redis is down")
	}
	if resp.Error == nil || resp.Error.ErrorCode != core.CodeRedisClientError {
		t.Errorf("Error = %+v, want code %s", resp.Error, core.CodeRedisClientError)
	}
	if !resp.Error.Retryable {
		t.Error("Transport failures should be retryable by the caller")
	}
}

// -----------------------------------------------------------------------------
// Rate Limiting and Construction Tests
// -----------------------------------------------------------------------------

func TestClient_RateLimitedSendRejected(t *testing.T) {
	mr, rdb := setupClientTestRedis(t)
	defer mr.Close()
	defer rdb.Close()

	policy := &core.TierPolicy{
		RateLimitPerSession: map[core.Tier]int{core.TierFree: 1},
	}
	limiter := NewSessionRateLimiter(core.WrapRedisClient(rdb, "test", &core.NoOpLogger{}),
		&SessionRateLimiterConfig{Policy: policy, Logger: &core.NoOpLogger{}})

	c := newTestClient(t, rdb, ClientConfig{RateLimiter: limiter})
	input := SendInput{
		ActionType:    "echo.message.send",
		TargetService: "echo_service",
		TenantID:      "tenant-1",
		SessionID:     "session-1",
		Tier:          core.TierFree,
	}

	if _, err := c.SendAsync(context.Background(), input); err != nil {
		t.Fatalf("First send failed: %v", err)
	}

	_, err := c.SendAsync(context.Background(), input)
	if !errors.Is(err, core.ErrQuotaExceeded) {
		t.Fatalf("Expected ErrQuotaExceeded, got %v", err)
	}
	var busErr *core.BusError
	if !errors.As(err, &busErr) || busErr.Code != core.CodeRateLimited {
		t.Errorf("Expected a BusError with code %s, got %v", core.CodeRateLimited, err)
	}
}

func TestNewClient_Validation(t *testing.T) {
	mr, rdb := setupClientTestRedis(t)
	defer mr.Close()
	defer rdb.Close()

	if _, err := NewClient(nil, ClientConfig{Settings: clientTestSettings("svc_a")}); !errors.Is(err, core.ErrMissingConfiguration) {
		t.Errorf("nil client: expected ErrMissingConfiguration, got %v", err)
	}
	if _, err := NewClient(rdb, ClientConfig{}); !errors.Is(err, core.ErrMissingConfiguration) {
		t.Errorf("nil settings: expected ErrMissingConfiguration, got %v", err)
	}
	if _, err := NewClient(rdb, ClientConfig{Settings: clientTestSettings("")}); !errors.Is(err, core.ErrMissingConfiguration) {
		t.Errorf("empty service: expected ErrMissingConfiguration, got %v", err)
	}
}
