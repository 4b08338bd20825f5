package bus

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rawblock/arb-engine/pkg/models"
)

// producerSink is the slice of Producer the publisher needs.
type producerSink interface {
	Produce(stream string, values map[string]interface{})
}

// OpportunityPublisher is the single gate onto the opportunity stream.
// Duplicate detections inside the dedupe window are answered locally and
// never reach the bus.
type OpportunityPublisher struct {
	producer producerSink
	window   time.Duration

	mu    sync.Mutex
	seen  map[string]time.Time // fingerprint -> first publish
	calls int

	published  atomic.Int64
	duplicates atomic.Int64
	rejected   atomic.Int64
}

func NewOpportunityPublisher(producer producerSink, window time.Duration) *OpportunityPublisher {
	if window <= 0 {
		window = 5 * time.Second
	}
	return &OpportunityPublisher{
		producer: producer,
		window:   window,
		seen:     make(map[string]time.Time),
	}
}

// Publish validates and dedupes one opportunity before appending it. Returns
// false when the opportunity was invalid or a duplicate.
func (p *OpportunityPublisher) Publish(o *models.Opportunity) bool {
	if err := o.Validate(); err != nil {
		p.rejected.Add(1)
		log.Printf("[Opportunities] Rejected invalid opportunity: %v", err)
		return false
	}

	fp := o.Fingerprint()
	now := time.Now()

	p.mu.Lock()
	if first, ok := p.seen[fp]; ok && now.Sub(first) < p.window {
		p.mu.Unlock()
		p.duplicates.Add(1)
		return false
	}
	p.seen[fp] = now
	p.calls++
	if p.calls%512 == 0 {
		for k, t := range p.seen {
			if now.Sub(t) >= p.window {
				delete(p.seen, k)
			}
		}
	}
	p.mu.Unlock()

	raw, err := json.Marshal(o)
	if err != nil {
		p.rejected.Add(1)
		return false
	}
	p.producer.Produce(StreamOpportunities, map[string]interface{}{
		"id":          o.ID,
		"type":        string(o.Type),
		"buyChain":    o.BuyChain,
		"sellChain":   o.SellChain,
		"fingerprint": fp,
		"data":        string(raw),
	})
	p.published.Add(1)
	return true
}

// Stats reports lifetime publish outcomes.
func (p *OpportunityPublisher) Stats() (published, duplicates, rejected int64) {
	return p.published.Load(), p.duplicates.Load(), p.rejected.Load()
}
