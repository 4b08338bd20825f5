package bus

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// appender is the slice of Client the producer needs; tests swap in a fake.
type appender interface {
	AppendBatch(ctx context.Context, stream string, batch []map[string]interface{}) (string, error)
}

// ProducerConfig tunes batching and the retry budget.
type ProducerConfig struct {
	MaxBatch      int           // flush when a stream buffer reaches this size
	MaxWait       time.Duration // flush a partial buffer after this long
	MaxRetries    int           // attempts per flush before dead-lettering
	RetryBase     time.Duration // exponential backoff base
	DeadLetterCap int           // bounded per-stream dead-letter list
}

// DefaultProducerConfig matches the free-tier command budget: 5 ms batching
// keeps stream commands amortized without hurting detection latency.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		MaxBatch:      50,
		MaxWait:       5 * time.Millisecond,
		MaxRetries:    3,
		RetryBase:     50 * time.Millisecond,
		DeadLetterCap: 1000,
	}
}

// Producer accumulates entries per stream and appends them in single
// pipelined round trips. When the retry budget for a flush is exhausted the
// batch is parked on an in-memory dead-letter list, capped at DeadLetterCap,
// and the producer keeps going.
type Producer struct {
	client appender
	cfg    ProducerConfig

	mu      sync.Mutex
	buffers map[string][]map[string]interface{}
	timers  map[string]*time.Timer
	dead    map[string][]map[string]interface{}
	closed  bool

	published atomic.Int64
	dropped   atomic.Int64
}

func NewProducer(client appender, cfg ProducerConfig) *Producer {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 1
	}
	return &Producer{
		client:  client,
		cfg:     cfg,
		buffers: make(map[string][]map[string]interface{}),
		timers:  make(map[string]*time.Timer),
		dead:    make(map[string][]map[string]interface{}),
	}
}

// Produce buffers one entry for the stream. A full buffer flushes
// synchronously; otherwise the flush timer started by the first entry will
// pick it up.
func (p *Producer) Produce(stream string, values map[string]interface{}) {
	p.mu.Lock()
	if p.closed {
		p.parkLocked(stream, []map[string]interface{}{values})
		p.mu.Unlock()
		return
	}
	p.buffers[stream] = append(p.buffers[stream], values)
	full := len(p.buffers[stream]) >= p.cfg.MaxBatch
	if !full && p.timers[stream] == nil {
		p.timers[stream] = time.AfterFunc(p.cfg.MaxWait, func() { p.flush(stream) })
	}
	p.mu.Unlock()

	if full {
		p.flush(stream)
	}
}

// flush drains the stream's buffer and appends it with retries.
func (p *Producer) flush(stream string) {
	p.mu.Lock()
	batch := p.buffers[stream]
	delete(p.buffers, stream)
	if t := p.timers[stream]; t != nil {
		t.Stop()
		delete(p.timers, stream)
	}
	p.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	p.appendWithRetry(stream, batch)
}

func (p *Producer) appendWithRetry(stream string, batch []map[string]interface{}) {
	delay := p.cfg.RetryBase
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err := p.client.AppendBatch(ctx, stream, batch)
		cancel()
		if err == nil {
			p.published.Add(int64(len(batch)))
			return
		}
		if attempt == p.cfg.MaxRetries {
			log.Printf("[Producer] Dropping %d messages for %s after %d attempts: %v",
				len(batch), stream, attempt+1, err)
			break
		}
		time.Sleep(delay)
		delay *= 2
	}

	p.mu.Lock()
	p.parkLocked(stream, batch)
	p.mu.Unlock()
}

// parkLocked appends to the bounded dead-letter list, evicting the oldest
// entries when over capacity. Caller holds p.mu.
func (p *Producer) parkLocked(stream string, batch []map[string]interface{}) {
	key := deadLetterPrefix + stream
	p.dead[key] = append(p.dead[key], batch...)
	if over := len(p.dead[key]) - p.cfg.DeadLetterCap; over > 0 {
		p.dead[key] = p.dead[key][over:]
	}
	p.dropped.Add(int64(len(batch)))
}

// DeadLetters returns a copy of the parked messages for a stream, for
// operator inspection.
func (p *Producer) DeadLetters(stream string) []map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	src := p.dead[deadLetterPrefix+stream]
	out := make([]map[string]interface{}, len(src))
	copy(out, src)
	return out
}

// Stats reports lifetime publish/drop counts.
func (p *Producer) Stats() (published, dropped int64) {
	return p.published.Load(), p.dropped.Load()
}

// Close flushes every pending buffer synchronously. Idempotent.
func (p *Producer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	streams := make([]string, 0, len(p.buffers))
	for s := range p.buffers {
		streams = append(streams, s)
	}
	p.mu.Unlock()

	for _, s := range streams {
		p.flush(s)
	}
}
