package crosschain

import (
	"sync"
	"time"
)

// whaleSignalTTL is how long a whale swap keeps influencing confidence.
const whaleSignalTTL = 60 * time.Second

// WhaleSignal is the direction a large swap pushed a pair's price.
// Direction +1 means the whale bought the base token (price pressure up).
type WhaleSignal struct {
	Direction  int
	SuperWhale bool
	SeenAt     time.Time
}

// WhaleSignalTracker remembers recent whale activity per (chain, pair),
// fed from the whale-alert stream and read by the confidence calculation.
type WhaleSignalTracker struct {
	mu      sync.RWMutex
	signals map[string]WhaleSignal // chain|pairKey
}

func NewWhaleSignalTracker() *WhaleSignalTracker {
	return &WhaleSignalTracker{signals: make(map[string]WhaleSignal)}
}

// Note records a whale swap. The latest signal per slot wins.
func (t *WhaleSignalTracker) Note(chain, pairKey string, direction int, super bool) {
	t.mu.Lock()
	t.signals[chain+"|"+pairKey] = WhaleSignal{Direction: direction, SuperWhale: super, SeenAt: time.Now()}
	if len(t.signals) > 4096 {
		cutoff := time.Now().Add(-whaleSignalTTL)
		for k, s := range t.signals {
			if s.SeenAt.Before(cutoff) {
				delete(t.signals, k)
			}
		}
	}
	t.mu.Unlock()
}

// Lookup returns the live signal for a slot, if any.
func (t *WhaleSignalTracker) Lookup(chain, pairKey string) (WhaleSignal, bool) {
	t.mu.RLock()
	s, ok := t.signals[chain+"|"+pairKey]
	t.mu.RUnlock()
	if !ok || time.Since(s.SeenAt) > whaleSignalTTL {
		return WhaleSignal{}, false
	}
	return s, true
}
