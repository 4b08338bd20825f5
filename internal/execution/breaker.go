package execution

import (
	"log"
	"sync"
	"time"

	"github.com/rawblock/arb-engine/internal/bus"
)

// BreakerState is a per-chain circuit breaker position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerConfig is shared by every chain's breaker.
type BreakerConfig struct {
	FailureThreshold    int
	Cooldown            time.Duration
	HalfOpenMaxAttempts int
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:    5,
		Cooldown:            5 * time.Minute,
		HalfOpenMaxAttempts: 1,
	}
}

type chainBreaker struct {
	state            BreakerState
	failures         int
	halfOpenAttempts int
	openedAt         time.Time
	openReason       string
}

// breakerEventSink receives state-transition events; the batching producer in
// production.
type breakerEventSink interface {
	Produce(stream string, values map[string]interface{})
}

// CircuitBreakerManager isolates execution failures per chain: one failing
// RPC or congested chain must not stop the others. Breakers are lazy-created
// on first use.
type CircuitBreakerManager struct {
	cfg  BreakerConfig
	sink breakerEventSink

	mu       sync.Mutex
	breakers map[string]*chainBreaker
}

func NewCircuitBreakerManager(cfg BreakerConfig, sink breakerEventSink) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		cfg:      cfg,
		sink:     sink,
		breakers: make(map[string]*chainBreaker),
	}
}

func (m *CircuitBreakerManager) get(chain string) *chainBreaker {
	b := m.breakers[chain]
	if b == nil {
		b = &chainBreaker{state: BreakerClosed}
		m.breakers[chain] = b
	}
	return b
}

// Allow reports whether an execution may proceed on the chain. An expired
// OPEN cooldown admits exactly one half-open probe.
func (m *CircuitBreakerManager) Allow(chain string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.get(chain)

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if now.Sub(b.openedAt) < m.cfg.Cooldown {
			return false
		}
		m.transitionLocked(chain, b, BreakerHalfOpen, "cooldown expired")
		b.halfOpenAttempts = 1
		return true
	case BreakerHalfOpen:
		if b.halfOpenAttempts >= m.cfg.HalfOpenMaxAttempts {
			return false
		}
		b.halfOpenAttempts++
		return true
	}
	return false
}

// RecordSuccess resets failure accounting; a half-open probe success closes
// the breaker.
func (m *CircuitBreakerManager) RecordSuccess(chain string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.get(chain)
	b.failures = 0
	if b.state == BreakerHalfOpen {
		m.transitionLocked(chain, b, BreakerClosed, "half-open probe succeeded")
	}
}

// RecordFailure counts one failure; a half-open failure or hitting the
// threshold opens the breaker.
func (m *CircuitBreakerManager) RecordFailure(chain string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.get(chain)
	b.failures++
	if b.state == BreakerHalfOpen || (b.state == BreakerClosed && b.failures >= m.cfg.FailureThreshold) {
		b.openedAt = now
		m.transitionLocked(chain, b, BreakerOpen, "failure threshold reached")
	}
}

// ForceOpen is the operator override to stop a chain immediately.
func (m *CircuitBreakerManager) ForceOpen(chain, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.get(chain)
	b.openedAt = time.Now()
	m.transitionLocked(chain, b, BreakerOpen, "forced: "+reason)
}

// ForceClose returns a chain to CLOSED regardless of prior failures.
func (m *CircuitBreakerManager) ForceClose(chain string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.get(chain)
	b.failures = 0
	b.halfOpenAttempts = 0
	m.transitionLocked(chain, b, BreakerClosed, "forced close")
}

// State returns the chain's current breaker state.
func (m *CircuitBreakerManager) State(chain string) BreakerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(chain).state
}

// transitionLocked applies a state change and emits the transition event.
// Caller holds m.mu.
func (m *CircuitBreakerManager) transitionLocked(chain string, b *chainBreaker, to BreakerState, reason string) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.openReason = reason
	log.Printf("[Breaker:%s] %s -> %s (%s)", chain, from, to, reason)
	if m.sink != nil {
		m.sink.Produce(bus.StreamCircuitBreaker, map[string]interface{}{
			"chain":  chain,
			"from":   string(from),
			"to":     string(to),
			"reason": reason,
			"ts":     time.Now().UnixMilli(),
		})
	}
}
