package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeAppender records batches and can be told to fail.
type fakeAppender struct {
	mu      sync.Mutex
	batches [][]map[string]interface{}
	fail    bool
}

func (f *fakeAppender) AppendBatch(_ context.Context, _ string, batch []map[string]interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("backend unavailable")
	}
	cp := make([]map[string]interface{}, len(batch))
	copy(cp, batch)
	f.batches = append(f.batches, cp)
	return "1-1", nil
}

func (f *fakeAppender) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func TestProducerFlushesOnBatchSize(t *testing.T) {
	fake := &fakeAppender{}
	p := NewProducer(fake, ProducerConfig{MaxBatch: 3, MaxWait: time.Hour, MaxRetries: 0, RetryBase: time.Millisecond, DeadLetterCap: 10})

	for i := 0; i < 3; i++ {
		p.Produce(StreamPriceUpdates, map[string]interface{}{"seq": i})
	}

	if got := fake.batchCount(); got != 1 {
		t.Fatalf("expected 1 flushed batch, got %d", got)
	}
	if got := len(fake.batches[0]); got != 3 {
		t.Fatalf("expected batch of 3, got %d", got)
	}
}

func TestProducerFlushesOnTimer(t *testing.T) {
	fake := &fakeAppender{}
	p := NewProducer(fake, ProducerConfig{MaxBatch: 100, MaxWait: 10 * time.Millisecond, MaxRetries: 0, RetryBase: time.Millisecond, DeadLetterCap: 10})

	p.Produce(StreamSwapEvents, map[string]interface{}{"v": 1})

	deadline := time.Now().Add(time.Second)
	for fake.batchCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := fake.batchCount(); got != 1 {
		t.Fatalf("expected timer flush, got %d batches", got)
	}
}

func TestProducerDeadLettersAfterRetryBudget(t *testing.T) {
	fake := &fakeAppender{fail: true}
	p := NewProducer(fake, ProducerConfig{MaxBatch: 1, MaxWait: time.Hour, MaxRetries: 1, RetryBase: time.Millisecond, DeadLetterCap: 10})

	p.Produce(StreamOpportunities, map[string]interface{}{"id": "opp-1"})

	dead := p.DeadLetters(StreamOpportunities)
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead-lettered message, got %d", len(dead))
	}
	if _, dropped := p.Stats(); dropped != 1 {
		t.Fatalf("expected dropped=1, got %d", dropped)
	}
}

func TestProducerDeadLetterBounded(t *testing.T) {
	fake := &fakeAppender{fail: true}
	p := NewProducer(fake, ProducerConfig{MaxBatch: 1, MaxWait: time.Hour, MaxRetries: 0, RetryBase: time.Millisecond, DeadLetterCap: 3})

	for i := 0; i < 10; i++ {
		p.Produce(StreamOpportunities, map[string]interface{}{"id": i})
	}

	if got := len(p.DeadLetters(StreamOpportunities)); got != 3 {
		t.Fatalf("expected dead-letter list capped at 3, got %d", got)
	}
}

func TestProducerCloseFlushesPending(t *testing.T) {
	fake := &fakeAppender{}
	p := NewProducer(fake, ProducerConfig{MaxBatch: 100, MaxWait: time.Hour, MaxRetries: 0, RetryBase: time.Millisecond, DeadLetterCap: 10})

	p.Produce(StreamHealth, map[string]interface{}{"status": "healthy"})
	p.Close()
	p.Close() // second close is a no-op

	if got := fake.batchCount(); got != 1 {
		t.Fatalf("expected close to flush pending batch, got %d", got)
	}
}
