package execution

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"
)

// SimRequest is the provider-agnostic simulation payload.
type SimRequest struct {
	Chain       string
	From        string
	To          string
	ValueWei    string
	Data        []byte
	BlockNumber uint64
}

// SimResult is one provider's verdict.
type SimResult struct {
	Success      bool
	Reverted     bool
	RevertReason string
	GasUsed      uint64
	ReturnData   []byte
}

// SimProvider is one simulation backend: full-EVM, eth_call fallback, or a
// local fork.
type SimProvider interface {
	Name() string
	Simulate(ctx context.Context, req SimRequest) (SimResult, error)
}

type simProviderHealth struct {
	provider SimProvider
	failures int
	calls    int
}

// SimulationService fans one request across providers in health order inside
// a shared latency budget. A provider outage must never block execution:
// when every provider fails, the caller is told to proceed unsimulated.
type SimulationService struct {
	budget time.Duration

	mu        sync.Mutex
	providers []*simProviderHealth

	Bypassed int64
}

func NewSimulationService(budget time.Duration, providers ...SimProvider) *SimulationService {
	if budget <= 0 {
		budget = 500 * time.Millisecond
	}
	s := &SimulationService{budget: budget}
	for _, p := range providers {
		s.providers = append(s.providers, &simProviderHealth{provider: p})
	}
	return s
}

// Simulate runs the request through providers ordered by failure rate. The
// second return is false when no provider produced a verdict and simulation
// should be bypassed.
func (s *SimulationService) Simulate(ctx context.Context, req SimRequest) (SimResult, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.budget)
	defer cancel()

	for _, h := range s.healthOrder() {
		if ctx.Err() != nil {
			break
		}
		res, err := h.provider.Simulate(ctx, req)

		s.mu.Lock()
		h.calls++
		if err != nil {
			h.failures++
		}
		s.mu.Unlock()

		if err != nil {
			log.Printf("[Simulation] %s failed, trying next provider: %v", h.provider.Name(), err)
			continue
		}
		return res, true
	}

	s.mu.Lock()
	s.Bypassed++
	s.mu.Unlock()
	return SimResult{}, false
}

// healthOrder snapshots providers sorted by ascending failure rate, original
// order breaking ties.
func (s *SimulationService) healthOrder() []*simProviderHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*simProviderHealth, len(s.providers))
	copy(out, s.providers)
	sort.SliceStable(out, func(i, j int) bool {
		return failureRate(out[i]) < failureRate(out[j])
	})
	return out
}

func failureRate(h *simProviderHealth) float64 {
	if h.calls == 0 {
		return 0
	}
	return float64(h.failures) / float64(h.calls)
}
