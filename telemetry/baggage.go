package telemetry

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/baggage"
)

// Baggage holds request-scoped telemetry labels that flow through context.
type Baggage map[string]string

// Baggage limits follow the W3C baggage recommendations. Exceeding them
// risks memory growth and propagation overhead, so extra items are
// silently dropped and counted.
const (
	// MaxBaggageItems is the maximum number of key-value pairs allowed.
	MaxBaggageItems = 64

	// MaxBaggageKeyLength is the maximum bytes for a single key.
	MaxBaggageKeyLength = 128

	// MaxBaggageValueLength is the maximum bytes for a single value.
	MaxBaggageValueLength = 512

	// MaxBaggageTotalSize is the maximum total size for all baggage.
	MaxBaggageTotalSize = 8192
)

// Internal counters for baggage usage; useful when hunting down dropped
// labels in production.
var (
	baggageItemsAdded   atomic.Uint64
	baggageItemsDropped atomic.Uint64
	baggageOverLimit    atomic.Uint64
)

// labelPool reuses label slices to reduce GC pressure on the emission
// hot path.
var labelPool = sync.Pool{
	New: func() any {
		s := make([]string, 0, 32)
		return &s
	},
}

// WithBaggage adds labels that flow through all telemetry emitted with
// this context. The bus client stamps tenant_id and tier here so every
// metric recorded while handling an action carries them.
//
// Example:
//
//	ctx = telemetry.WithBaggage(ctx, "tenant_id", tenantID, "tier", string(tier))
//
// Calls are additive; later values override earlier ones with the same
// key. Limits are enforced silently: at most 64 items, 8KB total.
func WithBaggage(ctx context.Context, labels ...string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	bag := baggage.FromContext(ctx)
	members := bag.Members()

	if len(members) >= MaxBaggageItems {
		baggageOverLimit.Add(1)
		return ctx
	}

	totalSize := 0
	for _, m := range members {
		totalSize += len(m.Key()) + len(m.Value())
	}

	newBag := bag
	for i := 0; i < len(labels)-1; i += 2 {
		key := labels[i]
		value := labels[i+1]
		if key == "" {
			continue
		}

		if len(key) > MaxBaggageKeyLength {
			key = key[:MaxBaggageKeyLength]
		}
		if len(value) > MaxBaggageValueLength {
			value = value[:MaxBaggageValueLength]
		}

		itemSize := len(key) + len(value)
		if totalSize+itemSize > MaxBaggageTotalSize {
			baggageItemsDropped.Add(1)
			continue
		}

		member, err := baggage.NewMember(key, value)
		if err != nil {
			baggageItemsDropped.Add(1)
			continue
		}

		updated, err := newBag.SetMember(member)
		if err != nil {
			baggageItemsDropped.Add(1)
			continue
		}
		newBag = updated
		totalSize += itemSize
		baggageItemsAdded.Add(1)
	}

	return baggage.ContextWithBaggage(ctx, newBag)
}

// GetBaggage retrieves the current baggage from context as a map.
// Returns nil if no baggage is set.
func GetBaggage(ctx context.Context) Baggage {
	if ctx == nil {
		return nil
	}

	bag := baggage.FromContext(ctx)
	members := bag.Members()
	if len(members) == 0 {
		return nil
	}

	result := make(Baggage, len(members))
	for _, m := range members {
		result[m.Key()] = m.Value()
	}
	return result
}

// appendBaggageToLabels merges baggage into an explicit label slice with
// deterministic ordering and deduplication, baggage winning on conflicts.
// When pooled is true the result came from labelPool and must go back via
// returnLabelSlice; otherwise the input slice was returned untouched.
func appendBaggageToLabels(ctx context.Context, labels []string) (result []string, pooled bool) {
	if ctx == nil {
		return labels, false
	}

	bag := baggage.FromContext(ctx)
	members := bag.Members()
	if len(members) == 0 {
		return labels, false
	}

	resultPtr := labelPool.Get().(*[]string)
	result = (*resultPtr)[:0]

	labelMap := make(map[string]string, len(labels)/2+len(members))
	for i := 0; i < len(labels)-1; i += 2 {
		labelMap[labels[i]] = labels[i+1]
	}
	for _, m := range members {
		labelMap[m.Key()] = m.Value()
	}

	keys := make([]string, 0, len(labelMap))
	for k := range labelMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		result = append(result, k, labelMap[k])
	}
	return result, true
}

// returnLabelSlice returns a pooled label slice for reuse.
func returnLabelSlice(labels []string) {
	if cap(labels) > 512 { // Don't pool huge slices
		return
	}
	labels = labels[:0]
	labelPool.Put(&labels)
}

// BaggageStats reports baggage usage counters.
type BaggageStats struct {
	ItemsAdded   uint64 `json:"items_added"`
	ItemsDropped uint64 `json:"items_dropped"`
	OverLimit    uint64 `json:"over_limit"`
}

// GetBaggageStats returns statistics about baggage usage.
func GetBaggageStats() BaggageStats {
	return BaggageStats{
		ItemsAdded:   baggageItemsAdded.Load(),
		ItemsDropped: baggageItemsDropped.Load(),
		OverLimit:    baggageOverLimit.Load(),
	}
}

// ResetBaggageStats resets baggage statistics (useful for testing).
func ResetBaggageStats() {
	baggageItemsAdded.Store(0)
	baggageItemsDropped.Store(0)
	baggageOverLimit.Store(0)
}
