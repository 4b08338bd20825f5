package bus

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// reader is the slice of Client the consumer needs; tests swap in a fake.
type reader interface {
	CreateGroup(ctx context.Context, stream, group, startID string) error
	Consume(ctx context.Context, stream, group, consumer string, maxCount int64, blockFor time.Duration) ([]Message, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
}

// Handler processes one message. A nil return acks the message; an error
// leaves it pending for redelivery.
type Handler func(ctx context.Context, msg Message) error

// ConsumerConfig identifies the group membership and read shape.
type ConsumerConfig struct {
	Stream   string
	Group    string
	Consumer string
	MaxCount int64
	BlockFor time.Duration
	StartID  string // "$" = only new messages
}

// StreamConsumer runs a blocking read loop against one stream/group. It can
// be paused: a paused consumer stops issuing blocking reads (the in-flight
// read completes normally) so queue pressure moves back onto the stream
// instead of dropping messages.
type StreamConsumer struct {
	client  reader
	cfg     ConsumerConfig
	handler Handler

	mu     sync.Mutex
	paused bool
	resume chan struct{}

	stopping atomic.Bool
	stopCh   chan struct{}
	done     chan struct{}

	consumed atomic.Int64
	errors   atomic.Int64
}

func NewStreamConsumer(client reader, cfg ConsumerConfig, handler Handler) *StreamConsumer {
	if cfg.MaxCount <= 0 {
		cfg.MaxCount = 10
	}
	if cfg.BlockFor <= 0 {
		cfg.BlockFor = 2 * time.Second
	}
	if cfg.StartID == "" {
		cfg.StartID = "$"
	}
	return &StreamConsumer{
		client:  client,
		cfg:     cfg,
		handler: handler,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start creates the consumer group (idempotent) and launches the read loop.
func (sc *StreamConsumer) Start(ctx context.Context) error {
	if err := sc.client.CreateGroup(ctx, sc.cfg.Stream, sc.cfg.Group, sc.cfg.StartID); err != nil {
		return err
	}
	go sc.loop(ctx)
	return nil
}

func (sc *StreamConsumer) loop(ctx context.Context) {
	defer close(sc.done)
	for {
		if sc.stopping.Load() {
			return
		}

		sc.mu.Lock()
		paused, gate := sc.paused, sc.resume
		sc.mu.Unlock()
		if paused {
			select {
			case <-gate:
			case <-sc.stopCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		msgs, err := sc.client.Consume(ctx, sc.cfg.Stream, sc.cfg.Group, sc.cfg.Consumer, sc.cfg.MaxCount, sc.cfg.BlockFor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sc.errors.Add(1)
			log.Printf("[Consumer:%s] Read error on %s: %v", sc.cfg.Consumer, sc.cfg.Stream, err)
			select {
			case <-time.After(time.Second):
			case <-sc.stopCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, msg := range msgs {
			if err := sc.handler(ctx, msg); err != nil {
				sc.errors.Add(1)
				log.Printf("[Consumer:%s] Handler error for %s id=%s: %v", sc.cfg.Consumer, sc.cfg.Stream, msg.ID, err)
				continue // left pending for redelivery
			}
			if err := sc.client.Ack(ctx, sc.cfg.Stream, sc.cfg.Group, msg.ID); err != nil {
				log.Printf("[Consumer:%s] Ack failed for %s id=%s: %v", sc.cfg.Consumer, sc.cfg.Stream, msg.ID, err)
			}
			sc.consumed.Add(1)
		}
	}
}

// Pause stops the consumer from issuing new blocking reads. Idempotent.
func (sc *StreamConsumer) Pause() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if !sc.paused {
		sc.paused = true
		sc.resume = make(chan struct{})
	}
}

// Resume re-enters the read loop. Idempotent.
func (sc *StreamConsumer) Resume() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.paused {
		sc.paused = false
		close(sc.resume)
	}
}

// IsPaused reports the pause state.
func (sc *StreamConsumer) IsPaused() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.paused
}

// Stop shuts the loop down cooperatively and waits for it, bounded by the
// grace period. A second Stop is a no-op.
func (sc *StreamConsumer) Stop(grace time.Duration) {
	if sc.stopping.Swap(true) {
		return
	}
	close(sc.stopCh)
	select {
	case <-sc.done:
	case <-time.After(grace):
		log.Printf("[Consumer:%s] Loop did not drain within %s, abandoning", sc.cfg.Consumer, grace)
	}
}

// Consumed returns the number of successfully handled messages.
func (sc *StreamConsumer) Consumed() int64 { return sc.consumed.Load() }

// Errors returns the number of read/handler errors observed.
func (sc *StreamConsumer) Errors() int64 { return sc.errors.Load() }
