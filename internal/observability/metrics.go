package observability

import (
	"sort"
	"sync"
	"time"
)

// OutcomeStats is a point-in-time copy of the counters.
type OutcomeStats struct {
	Total     uint64            `json:"total"`
	Outcomes  map[string]uint64 `json:"outcomes"`
	AvgMillis float64           `json:"avg_duration_ms"`
}

// Counters tallies pipeline runs by terminal state.
type Counters struct {
	mu       sync.Mutex
	outcomes map[string]uint64
	total    uint64
	elapsed  time.Duration
}

// NewCounters creates an empty counter set.
func NewCounters() *Counters {
	return &Counters{outcomes: make(map[string]uint64)}
}

// RecordOutcome counts one finished run.
func (c *Counters) RecordOutcome(state string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes[state]++
	c.total++
	c.elapsed += d
}

// Snapshot returns a copy of the counters.
func (c *Counters) Snapshot() OutcomeStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := OutcomeStats{Total: c.total, Outcomes: make(map[string]uint64, len(c.outcomes))}
	for k, v := range c.outcomes {
		out.Outcomes[k] = v
	}
	if c.total > 0 {
		out.AvgMillis = float64(c.elapsed.Milliseconds()) / float64(c.total)
	}
	return out
}

// States lists the states seen so far in sorted order.
func (s OutcomeStats) States() []string {
	keys := make([]string, 0, len(s.Outcomes))
	for k := range s.Outcomes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
