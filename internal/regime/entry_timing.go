package regime

import (
	"fmt"
	"sync"

	"github.com/atlas-desktop/trading-pipeline/pkg/types"
)

// EntryTimingConfig configures the reversal confirmation gate.
type EntryTimingConfig struct {
	Enabled           bool    `json:"enabled"`
	ReversalThreshold float64 `json:"reversalThreshold" validate:"gte=0"` // fraction, 0.001 = 0.1%
}

// EntryTimer defers entries until price has moved in the signal's
// direction by at least the threshold since the last observation of the
// same instrument. It keeps the last seen price per instrument.
type EntryTimer struct {
	mu        sync.Mutex
	threshold float64
	lastSeen  map[string]float64
}

// NewEntryTimer creates a gate with the given reversal threshold.
func NewEntryTimer(threshold float64) *EntryTimer {
	return &EntryTimer{
		threshold: threshold,
		lastSeen:  make(map[string]float64),
	}
}

// Observe records a price without evaluating it.
func (t *EntryTimer) Observe(symbol string, price float64) {
	t.mu.Lock()
	t.lastSeen[symbol] = price
	t.mu.Unlock()
}

// Confirm reports whether an entry in the recommended direction is
// confirmed at price, and records price as the latest observation.
func (t *EntryTimer) Confirm(symbol string, price float64, rec types.Recommendation) (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	last, seen := t.lastSeen[symbol]
	t.lastSeen[symbol] = price

	if !seen || last <= 0 {
		return false, "no prior observation to confirm reversal"
	}

	move := (price - last) / last
	switch rec {
	case types.RecommendationBuy:
		if move >= t.threshold {
			return true, fmt.Sprintf("price up %.3f%% since last observation", move*100)
		}
		return false, fmt.Sprintf("awaiting upward reversal: %.3f%% < %.3f%%", move*100, t.threshold*100)
	case types.RecommendationSell:
		if -move >= t.threshold {
			return true, fmt.Sprintf("price down %.3f%% since last observation", -move*100)
		}
		return false, fmt.Sprintf("awaiting downward reversal: %.3f%% < %.3f%%", -move*100, t.threshold*100)
	default:
		return true, "no entry requested"
	}
}

// Reset forgets every observation.
func (t *EntryTimer) Reset() {
	t.mu.Lock()
	t.lastSeen = make(map[string]float64)
	t.mu.Unlock()
}
