// Package bus implements the Redis-backed action bus: the client that
// enqueues DomainAction envelopes and the worker that consumes, dispatches,
// retries, and answers them.
//
// # Sending
//
// A Client supports three delivery modes:
//
//   - SendAsync: fire-and-forget. The caller learns only that the envelope
//     reached Redis.
//   - SendAsyncWithCallback: fire-and-forget plus a completion callback
//     action emitted by the worker onto a queue the caller names.
//   - SendPseudoSync: request/reply over a private per-request reply queue
//     and a blocking pop, with a client-side timeout.
//
// # Consuming
//
// A Worker polls a fixed, priority-ordered list of queues (enterprise
// before free), pops reliably through a per-worker processing list, and
// dispatches to handlers looked up in a Registry by action type. Payloads
// are validated against the handler's registered JSON Schema before the
// handler runs. Retryable failures re-enqueue the envelope with an
// exponential backoff recorded in queue metadata; exhausted or
// non-retryable envelopes go to the queue's dead letter queue.
//
// # Wiring
//
//	settings, err := core.NewSettings("ingestion")
//	rc, err := core.NewRedisClient(core.RedisClientOptions{RedisURL: settings.RedisURL})
//
//	registry := bus.NewRegistry(logger)
//	registry.Register(bus.Registration{
//	    ActionType:    "ingestion.document.process",
//	    RequestSchema: processSchema,
//	    Handler:       handleProcess,
//	})
//
//	worker, err := bus.NewWorker(rc.Client(), bus.WorkerConfigFromSettings(settings,
//	    settings.QueueNamer().TierQueues("ingestion", "", "")...), registry)
//	err = worker.Start(ctx)
//	defer worker.Stop(ctx)
package bus
