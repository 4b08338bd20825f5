package risk

import (
	"fmt"
	"sync"
	"time"
)

// Tracker defaults.
const (
	trackerMaxPerKey  = 1000
	trackerRelevance  = 7 * 24 * time.Hour
	trackerMinSamples = 10
	defaultWinProb    = 0.5
)

type outcomeRecord struct {
	success bool
	at      time.Time
}

// TrackerKey buckets execution outcomes by the dimensions that move win
// rates: venue, path complexity, time of day, and gas regime.
func TrackerKey(chain, dex string, pathLength, hourUTC int, gasPriceGwei float64) string {
	return fmt.Sprintf("%s|%s|%d|%d|%s", chain, dex, pathLength, hourUTC, gasBucket(gasPriceGwei))
}

func gasBucket(gwei float64) string {
	switch {
	case gwei < 10:
		return "low"
	case gwei < 30:
		return "mid"
	case gwei < 100:
		return "high"
	default:
		return "extreme"
	}
}

// ExecutionProbabilityTracker estimates win probability from historical
// outcomes, bounded per key and aged out after the relevance window.
type ExecutionProbabilityTracker struct {
	mu      sync.Mutex
	records map[string][]outcomeRecord

	maxPerKey  int
	relevance  time.Duration
	minSamples int
}

func NewExecutionProbabilityTracker() *ExecutionProbabilityTracker {
	return &ExecutionProbabilityTracker{
		records:    make(map[string][]outcomeRecord),
		maxPerKey:  trackerMaxPerKey,
		relevance:  trackerRelevance,
		minSamples: trackerMinSamples,
	}
}

// Record appends one outcome under the key, evicting the oldest entry when
// the key is at capacity.
func (t *ExecutionProbabilityTracker) Record(key string, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	recs := append(t.records[key], outcomeRecord{success: success, at: time.Now()})
	if len(recs) > t.maxPerKey {
		recs = recs[len(recs)-t.maxPerKey:]
	}
	t.records[key] = recs
}

// WinProbability returns wins/total over the relevance window, or the neutral
// default below the minimum sample count.
func (t *ExecutionProbabilityTracker) WinProbability(key string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-t.relevance)
	wins, total := 0, 0
	for _, r := range t.records[key] {
		if r.at.Before(cutoff) {
			continue
		}
		total++
		if r.success {
			wins++
		}
	}
	if total < t.minSamples {
		return defaultWinProb
	}
	return float64(wins) / float64(total)
}

// Samples reports the in-window outcome count for a key.
func (t *ExecutionProbabilityTracker) Samples(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-t.relevance)
	n := 0
	for _, r := range t.records[key] {
		if !r.at.Before(cutoff) {
			n++
		}
	}
	return n
}
