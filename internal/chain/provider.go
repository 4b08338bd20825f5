package chain

import (
	"sync"
	"time"
)

// Health score weights: freshness dominates because a silently stale
// provider is worse than a slow one. Weights are normalized to 1.0.
const (
	weightLatency     = 0.3
	weightReliability = 0.4
	weightFreshness   = 0.6
	weightTotal       = weightLatency + weightReliability + weightFreshness
)

// Exclusion cooldown: starts at 30s, doubles per repeat exclusion, caps at
// 5 minutes.
const (
	exclusionBase = 30 * time.Second
	exclusionCap  = 5 * time.Minute
)

// provider tracks one WS endpoint's rolling health. Used for fallback
// selection, not exclusion (exclusion is driven by rate limits only).
type provider struct {
	url string

	mu             sync.Mutex
	latencyEWMA    time.Duration
	messages       int64
	errors         int64
	staleRotations int64
	lastMessageAt  time.Time
	excludedTil    time.Time
	exclusions     int
}

func newProvider(url string) *provider {
	return &provider{url: url}
}

func (p *provider) recordLatency(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latencyEWMA == 0 {
		p.latencyEWMA = d
	} else {
		p.latencyEWMA = (p.latencyEWMA*7 + d*3) / 10
	}
}

func (p *provider) recordMessage() {
	p.mu.Lock()
	p.messages++
	p.lastMessageAt = time.Now()
	p.mu.Unlock()
}

func (p *provider) recordError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}

func (p *provider) recordStale() {
	p.mu.Lock()
	p.staleRotations++
	p.mu.Unlock()
}

// exclude puts the provider in a cooldown window and returns its length.
func (p *provider) exclude() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	cooldown := exclusionCap
	if p.exclusions < 4 {
		cooldown = exclusionBase << p.exclusions
	}
	p.exclusions++
	p.excludedTil = time.Now().Add(cooldown)
	return cooldown
}

func (p *provider) excludedUntil(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return now.Before(p.excludedTil)
}

// healthScore composites latency, reliability and freshness into [0,1].
func (p *provider) healthScore(now time.Time) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Latency: 0ms -> 1.0, 2s+ -> 0.
	latency := 1.0
	if p.latencyEWMA > 0 {
		latency = 1 - float64(p.latencyEWMA)/float64(2*time.Second)
		if latency < 0 {
			latency = 0
		}
	}

	// Reliability: error fraction of observed events.
	reliability := 1.0
	if total := p.messages + p.errors + p.staleRotations; total > 0 {
		reliability = float64(p.messages) / float64(total)
	}

	// Freshness: decays linearly over 30s of silence. A provider never
	// heard from scores a neutral 0.5 so cold fallbacks remain selectable.
	freshness := 0.5
	if !p.lastMessageAt.IsZero() {
		age := now.Sub(p.lastMessageAt)
		freshness = 1 - float64(age)/float64(30*time.Second)
		if freshness < 0 {
			freshness = 0
		}
	}

	return (latency*weightLatency + reliability*weightReliability + freshness*weightFreshness) / weightTotal
}
