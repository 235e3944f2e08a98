package telemetry

import (
	"sync"
	"time"
)

// overflowLabel replaces label values once a label exceeds its budget.
// Dashboards keep a bounded series set; the overflow bucket still shows
// total volume.
const overflowLabel = "other"

// CardinalityLimiter caps the number of distinct values per label so a
// burst of tenants or action types cannot blow up the metric backend.
type CardinalityLimiter struct {
	limits map[string]int
	seen   sync.Map // map[metric+"."+label]*sync.Map (value -> last seen time.Time)

	stopChan chan struct{}
	stopped  sync.Once
}

// NewCardinalityLimiter creates a limiter with per-label value budgets.
// Labels without an entry pass through unlimited.
func NewCardinalityLimiter(limits map[string]int) *CardinalityLimiter {
	c := &CardinalityLimiter{
		limits:   limits,
		stopChan: make(chan struct{}),
	}
	// Periodic cleanup keeps idle values from leaking memory.
	go c.cleanupLoop()
	return c
}

// CheckAndLimit returns the value to use for a metric label: the value
// itself while under budget, the overflow bucket once over.
func (c *CardinalityLimiter) CheckAndLimit(metric, label, value string) string {
	limit, hasLimit := c.limits[label]
	if !hasLimit {
		return value
	}

	key := metric + "." + label
	valMapI, _ := c.seen.LoadOrStore(key, &sync.Map{})
	valMap := valMapI.(*sync.Map)

	count := 0
	valMap.Range(func(k, v interface{}) bool {
		count++
		return count < limit
	})

	if count >= limit {
		if _, exists := valMap.Load(value); !exists {
			return overflowLabel
		}
	}

	// Timestamp for the cleanup loop.
	valMap.Store(value, time.Now())
	return value
}

// CurrentCardinality returns the total number of tracked label values.
func (c *CardinalityLimiter) CurrentCardinality() int {
	total := 0
	c.seen.Range(func(key, valMapI interface{}) bool {
		valMap := valMapI.(*sync.Map)
		valMap.Range(func(k, v interface{}) bool {
			total++
			return true
		})
		return true
	})
	return total
}

// MaxCardinality returns the sum of all per-label budgets.
func (c *CardinalityLimiter) MaxCardinality() int {
	total := 0
	for _, limit := range c.limits {
		total += limit
	}
	return total
}

func (c *CardinalityLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopChan:
			return
		}
	}
}

// cleanup drops values not seen for 10 minutes, freeing budget for
// currently active tenants.
func (c *CardinalityLimiter) cleanup() {
	cutoff := time.Now().Add(-10 * time.Minute)
	c.seen.Range(func(key, valMapI interface{}) bool {
		valMap := valMapI.(*sync.Map)
		valMap.Range(func(val, timeI interface{}) bool {
			if timeI.(time.Time).Before(cutoff) {
				valMap.Delete(val)
			}
			return true
		})
		return true
	})
}

// Stop stops the cleanup goroutine.
func (c *CardinalityLimiter) Stop() {
	c.stopped.Do(func() {
		close(c.stopChan)
	})
}
