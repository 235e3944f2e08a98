// Package core provides queue naming for the Nooble action bus.
//
// Every queue name is a colon-separated path rooted at the global prefix and
// deployment environment, so multiple deployments can share one Redis
// without collisions and any conforming producer can address any conforming
// consumer bit-exactly:
//
//	nooble4:dev:ingestion:tenant_a:professional:actions      action queue
//	nooble4:dev:svc_a:responses:echo_message_send:{corr}     pseudo-sync reply
//	nooble4:dev:svc_a:callbacks:ingested:T1                  callback queue
//	nooble4:dev:ingestion:actions:dead_letter                DLQ
//
// Segment order within an action queue is fixed: service, tenant, context,
// tier, actions. Interpolated segments are sanitized so user-supplied values
// cannot inject separators.
package core

import (
	"sort"
	"strings"
)

// QueueNamer deterministically constructs queue names. The zero value is
// not usable; use NewQueueNamer to apply defaults.
type QueueNamer struct {
	GlobalPrefix string
	Environment  string
}

// NewQueueNamer returns a namer for the given prefix and environment,
// falling back to the platform defaults when either is empty.
func NewQueueNamer(globalPrefix, environment string) QueueNamer {
	if globalPrefix == "" {
		globalPrefix = DefaultGlobalPrefix
	}
	if environment == "" {
		environment = DefaultEnvironment
	}
	return QueueNamer{
		GlobalPrefix: SanitizeSegment(globalPrefix),
		Environment:  SanitizeSegment(environment),
	}
}

// SanitizeSegment makes a value safe to embed in a queue name by replacing
// colons and whitespace with underscores.
func SanitizeSegment(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ':', ' ', '\t', '\n', '\r', '\v', '\f':
			return '_'
		}
		return r
	}, s)
}

// ActionQueue builds the work queue for a service. Tenant, context, and
// tier are optional discriminators; when present they appear in that fixed
// order before the trailing "actions" segment.
func (n QueueNamer) ActionQueue(service, tenantID, context string, tier Tier) string {
	parts := make([]string, 0, 7)
	parts = append(parts, n.GlobalPrefix, n.Environment, SanitizeSegment(service))
	if tenantID != "" {
		parts = append(parts, SanitizeSegment(tenantID))
	}
	if context != "" {
		parts = append(parts, SanitizeSegment(context))
	}
	if tier != "" {
		parts = append(parts, SanitizeSegment(string(tier)))
	}
	parts = append(parts, "actions")
	return strings.Join(parts, ":")
}

// ReplyQueue builds the private pseudo-sync reply queue for one request.
// shortAction is the compact single-segment form of the action type (see
// DomainAction.ShortType).
func (n QueueNamer) ReplyQueue(clientService, shortAction, correlationID string) string {
	return strings.Join([]string{
		n.GlobalPrefix,
		n.Environment,
		SanitizeSegment(clientService),
		"responses",
		SanitizeSegment(shortAction),
		SanitizeSegment(correlationID),
	}, ":")
}

// CallbackQueue builds a named callback queue for a client. uniqueID is
// optional and distinguishes concurrent flows sharing a context name.
func (n QueueNamer) CallbackQueue(clientService, contextName, uniqueID string) string {
	parts := []string{
		n.GlobalPrefix,
		n.Environment,
		SanitizeSegment(clientService),
		"callbacks",
		SanitizeSegment(contextName),
	}
	if uniqueID != "" {
		parts = append(parts, SanitizeSegment(uniqueID))
	}
	return strings.Join(parts, ":")
}

// DeadLetterQueue returns the DLQ for any queue name.
func DeadLetterQueue(queue string) string {
	return queue + ":" + DeadLetterSuffix
}

// IsReplyQueue reports whether a queue name is a pseudo-sync reply queue.
// Workers use this to emit a DomainActionResponse instead of a callback
// action when answering.
func IsReplyQueue(queue string) bool {
	return strings.Contains(queue, ":responses:")
}

// IsDeadLetterQueue reports whether a queue name is a DLQ.
func IsDeadLetterQueue(queue string) bool {
	return strings.HasSuffix(queue, ":"+DeadLetterSuffix)
}

// TierQueues builds one action queue per tier, ordered by drain priority
// (enterprise first). This is the usual queue set for a multi-tier worker.
func (n QueueNamer) TierQueues(service, tenantID, context string, tiers ...Tier) []string {
	if len(tiers) == 0 {
		tiers = AllTiers
	}
	ordered := make([]Tier, len(tiers))
	copy(ordered, tiers)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority() < ordered[j].Priority()
	})
	queues := make([]string, 0, len(ordered))
	for _, t := range ordered {
		queues = append(queues, n.ActionQueue(service, tenantID, context, t))
	}
	return queues
}

// QueueTier extracts the tier discriminator from an action queue name, if
// present. Used for per-tier metrics labels.
func QueueTier(queue string) (Tier, bool) {
	parts := strings.Split(queue, ":")
	// The tier, when present, is the segment right before "actions".
	for i := len(parts) - 1; i > 0; i-- {
		if parts[i] == "actions" {
			t := Tier(parts[i-1])
			if t.Valid() {
				return t, true
			}
			return "", false
		}
	}
	return "", false
}
