// Package decide wires Decide's five components — episode reconstruction,
// the consensus state machine, the risk governor, the regime classifier,
// and the executor — into the single orchestrator that consumes fills.v1
// and scores.v1 and produces signals.v1/outcomes.v1 (spec.md §4.4).
package decide

import (
	"sync"
	"time"

	"github.com/sigmapilot/sigmapilot/internal/model"
)

// ScoreEntry is the latest scores.v1 payload cached for one address.
type ScoreEntry struct {
	Weight       float64
	SampledMu    float64
	Kappa        float64
	SelectedBool bool
	TS           time.Time
}

// ScoreCache holds Sage's most recent per-address score, the vote-weight
// input consensus needs without Decide querying Sage's posterior store
// directly (spec.md §6: Decide only consumes scores.v1).
type ScoreCache struct {
	mu      sync.RWMutex
	entries map[model.Address]ScoreEntry
}

func NewScoreCache() *ScoreCache {
	return &ScoreCache{entries: make(map[model.Address]ScoreEntry)}
}

// Observe records a scores.v1 message.
func (c *ScoreCache) Observe(addr model.Address, e ScoreEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[addr] = e
}

// Get returns the cached entry for addr, if any.
func (c *ScoreCache) Get(addr model.Address) (ScoreEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[addr]
	return e, ok
}
