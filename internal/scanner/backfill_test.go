package scanner

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rawblock/arb-engine/internal/bus"
	"github.com/rawblock/arb-engine/internal/chain"
)

type noRPC struct{}

func (noRPC) Client(string) (*ethclient.Client, bool) { return nil, false }

type countingSink struct{ replayed int }

func (s *countingSink) ReplayLog(ctx context.Context, ev chain.LogEvent) { s.replayed++ }

func TestHandlerIgnoresNonGapNotices(t *testing.T) {
	g := NewGapBackfiller(noRPC{}, map[string]LogSink{})
	err := g.Handler(context.Background(), bus.Message{ID: "1-0", Values: map[string]interface{}{
		"chain": "ethereum", "status": "reconnected",
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.GapsSeen.Load() != 0 {
		t.Fatalf("gaps seen = %d, want 0", g.GapsSeen.Load())
	}
}

func TestHandlerRejectsMalformedGapNotice(t *testing.T) {
	g := NewGapBackfiller(noRPC{}, map[string]LogSink{})
	err := g.Handler(context.Background(), bus.Message{ID: "1-0", Values: map[string]interface{}{
		"chain": "ethereum", "status": "data-gap", "fromBlock": "100",
	}})
	if err == nil {
		t.Fatal("expected error for notice missing toBlock")
	}
}

func TestBackfillSkipsUnknownChain(t *testing.T) {
	g := NewGapBackfiller(noRPC{}, map[string]LogSink{})
	if err := g.Backfill(context.Background(), "ethereum", 100, 110); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.GapsSkipped.Load() != 1 {
		t.Fatalf("skipped = %d, want 1", g.GapsSkipped.Load())
	}
}

func TestBackfillSkipsWithoutRPCClient(t *testing.T) {
	sink := &countingSink{}
	g := NewGapBackfiller(noRPC{}, map[string]LogSink{"ethereum": sink})
	if err := g.Backfill(context.Background(), "ethereum", 100, 110); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.GapsSkipped.Load() != 1 {
		t.Fatalf("skipped = %d, want 1", g.GapsSkipped.Load())
	}
	if sink.replayed != 0 {
		t.Fatalf("replayed = %d, want 0", sink.replayed)
	}
}

func TestHandlerParsesGapBounds(t *testing.T) {
	from, ok := fieldUint(map[string]interface{}{"fromBlock": "1234"}, "fromBlock")
	if !ok || from != 1234 {
		t.Fatalf("fieldUint = %d, %v", from, ok)
	}
	if _, ok := fieldUint(map[string]interface{}{"fromBlock": "0x4d2"}, "fromBlock"); ok {
		t.Fatal("hex strings are not a valid gap bound encoding")
	}
	if _, ok := fieldUint(map[string]interface{}{}, "fromBlock"); ok {
		t.Fatal("missing field must not parse")
	}
}
