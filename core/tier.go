package core

import "time"

// Tier is the subscription level attached to every tenant-scoped action.
// It drives queue priority, quotas, rate limits, and retention.
type Tier string

const (
	TierFree         Tier = "free"
	TierAdvance      Tier = "advance"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

// AllTiers lists every known tier in ascending priority order (free last).
var AllTiers = []Tier{TierEnterprise, TierProfessional, TierAdvance, TierFree}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierAdvance, TierProfessional, TierEnterprise:
		return true
	}
	return false
}

// Priority returns the drain order for multi-tier consumers: enterprise=1,
// professional=2, advance=3, free=4. Unknown tiers sort last.
func (t Tier) Priority() int {
	switch t {
	case TierEnterprise:
		return 1
	case TierProfessional:
		return 2
	case TierAdvance:
		return 3
	case TierFree:
		return 4
	}
	return 5
}

// TierPolicy holds the per-tier quota, rate limit, feature, and retention
// tables. It is a plain value injected into clients and workers at
// construction; there is no ambient global table.
type TierPolicy struct {
	// MaxInflightPerTenant bounds concurrently processing actions per tenant.
	MaxInflightPerTenant map[Tier]int

	// RateLimitPerSession is the per-session request budget per minute.
	RateLimitPerSession map[Tier]int

	// Features enabled for each tier (e.g. "custom_prompts").
	Features map[Tier][]string

	// RetentionDays applies to persistent artifacts emitted by workers
	// (conversations, analytics, task records).
	RetentionDays map[Tier]int

	// ReplyTTL is the reply-queue TTL floor per tier, used when the
	// envelope carries no client timeout hint.
	ReplyTTL map[Tier]time.Duration
}

// DefaultTierPolicy returns the standard platform tables.
func DefaultTierPolicy() *TierPolicy {
	return &TierPolicy{
		MaxInflightPerTenant: map[Tier]int{
			TierFree:         2,
			TierAdvance:      5,
			TierProfessional: 10,
			TierEnterprise:   25,
		},
		RateLimitPerSession: map[Tier]int{
			TierFree:         30,
			TierAdvance:      60,
			TierProfessional: 120,
			TierEnterprise:   600,
		},
		Features: map[Tier][]string{
			TierFree:         {"basic_chat"},
			TierAdvance:      {"basic_chat", "document_upload"},
			TierProfessional: {"basic_chat", "document_upload", "custom_prompts", "template_types"},
			TierEnterprise:   {"basic_chat", "document_upload", "custom_prompts", "template_types", "priority_support", "custom_models"},
		},
		RetentionDays: map[Tier]int{
			TierFree:         7,
			TierAdvance:      30,
			TierProfessional: 90,
			TierEnterprise:   365,
		},
		ReplyTTL: map[Tier]time.Duration{
			TierFree:         2 * time.Minute,
			TierAdvance:      5 * time.Minute,
			TierProfessional: 5 * time.Minute,
			TierEnterprise:   10 * time.Minute,
		},
	}
}

// MaxInflight returns the per-tenant in-flight bound for tier. Unknown
// tiers get the free allowance.
func (p *TierPolicy) MaxInflight(t Tier) int {
	if n, ok := p.MaxInflightPerTenant[t]; ok {
		return n
	}
	return p.MaxInflightPerTenant[TierFree]
}

// RateLimit returns the per-session requests-per-minute budget for tier.
func (p *TierPolicy) RateLimit(t Tier) int {
	if n, ok := p.RateLimitPerSession[t]; ok {
		return n
	}
	return p.RateLimitPerSession[TierFree]
}

// AllowedFeatures returns the feature flags enabled for tier. The slice
// is shared; callers must not mutate it.
func (p *TierPolicy) AllowedFeatures(t Tier) []string {
	return p.Features[t]
}

// HasFeature reports whether tier includes the named feature flag.
func (p *TierPolicy) HasFeature(t Tier, feature string) bool {
	for _, f := range p.Features[t] {
		if f == feature {
			return true
		}
	}
	return false
}

// Retention returns how long persistent artifacts live for tier.
func (p *TierPolicy) Retention(t Tier) time.Duration {
	days, ok := p.RetentionDays[t]
	if !ok {
		days = p.RetentionDays[TierFree]
	}
	return time.Duration(days) * 24 * time.Hour
}

// ReplyQueueTTL returns the reply-queue TTL floor for tier.
func (p *TierPolicy) ReplyQueueTTL(t Tier) time.Duration {
	if d, ok := p.ReplyTTL[t]; ok {
		return d
	}
	return DefaultReplyQueueTTL
}
