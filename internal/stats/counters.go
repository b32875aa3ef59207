package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// Counters is the bridge's statistics record, per spec.md §3 — a small
// set of counters behind atomics, per §9's "separate a small set of
// counters behind atomics" guidance.
type Counters struct {
	PacketsRX       atomic.Int64
	PacketsTX       atomic.Int64
	BytesProcessed  atomic.Int64
	PublishFailures atomic.Int64

	startedAt time.Time

	mu          sync.Mutex
	reconnects  map[string][]time.Time // broker name -> disconnect timestamps, 24h rolling
}

// NewCounters constructs a fresh Counters record, stamped at process
// startup.
func NewCounters() *Counters {
	return &Counters{
		startedAt:  time.Now(),
		reconnects: make(map[string][]time.Time),
	}
}

// Uptime is the service uptime since the Counters were created.
func (c *Counters) Uptime() time.Duration {
	return time.Since(c.startedAt)
}

// RecordDisconnect appends a disconnect timestamp to a broker's 24-hour
// rolling reconnect history, per spec.md §4.8's stats reporter.
func (c *Counters) RecordDisconnect(broker string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnects[broker] = append(c.reconnects[broker], time.Now())
}

// ReconnectsInLast24h reports how many disconnect events are still within
// the rolling window for broker.
func (c *Counters) ReconnectsInLast24h(broker string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reconnects[broker])
}

// PruneReconnectHistory drops timestamps older than 24 hours, per
// spec.md §4.8's stats reporter ("prune reconnect timestamps older than
// 24 hours").
func (c *Counters) PruneReconnectHistory() {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().Add(-24 * time.Hour)
	for broker, timestamps := range c.reconnects {
		kept := timestamps[:0]
		for _, ts := range timestamps {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		c.reconnects[broker] = kept
	}
}
