package mempool

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rawblock/arb-engine/internal/bus"
	"github.com/rawblock/arb-engine/internal/chain"
)

const (
	// fetchTimeout bounds each TransactionByHash lookup. Pending hashes are
	// plentiful and perishable; a slow lookup is worth less than the next one.
	fetchTimeout = 2 * time.Second

	// seenCap bounds the dedupe set before it resets.
	seenCap = 65536
)

// publisher is the slice of bus.Producer the watcher needs.
type publisher interface {
	Produce(stream string, values map[string]interface{})
}

// clientSource resolves a chain name to its RPC client.
type clientSource interface {
	Client(chain string) (*ethclient.Client, bool)
}

// WatcherStats counts the pending-transaction pipeline's work.
type WatcherStats struct {
	HashesSeen atomic.Int64
	Fetched    atomic.Int64
	Matched    atomic.Int64
	Published  atomic.Int64
}

// PendingWatcher taps the pending-transaction feed for swaps headed at known
// DEX routers and publishes early signals before the trade lands in a block.
// The execution engine reads the pending stream to anticipate price moves.
type PendingWatcher struct {
	chainName string
	ws        *chain.WSManager
	rpc       clientSource
	producer  publisher
	routers   map[common.Address]string // router address -> dex name

	mu   sync.Mutex
	seen map[common.Hash]struct{}

	Stats WatcherStats

	stopping atomic.Bool
	done     chan struct{}
}

func NewPendingWatcher(chainName string, ws *chain.WSManager, rpc clientSource,
	producer publisher, routers map[common.Address]string) *PendingWatcher {
	return &PendingWatcher{
		chainName: chainName,
		ws:        ws,
		rpc:       rpc,
		producer:  producer,
		routers:   routers,
		seen:      make(map[common.Hash]struct{}),
		done:      make(chan struct{}),
	}
}

// Start subscribes to the pending-transaction feed and runs the event loop.
func (w *PendingWatcher) Start(ctx context.Context) error {
	w.ws.Subscribe(chain.Subscription{
		Topic:  "pending-txs",
		Params: []interface{}{"newPendingTransactions"},
	})
	if err := w.ws.Start(ctx); err != nil {
		return err
	}
	go w.loop(ctx)
	log.Printf("[Mempool:%s] Pending transaction watcher started (%d routers)", w.chainName, len(w.routers))
	return nil
}

// Stop shuts the watcher down cooperatively. Idempotent.
func (w *PendingWatcher) Stop() {
	if w.stopping.Swap(true) {
		return
	}
	w.ws.Stop()
	select {
	case <-w.done:
	case <-time.After(5 * time.Second):
		log.Printf("[Mempool:%s] Event loop did not drain, abandoning", w.chainName)
	}
}

func (w *PendingWatcher) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.ws.Events():
			if !ok {
				return
			}
			if ev.Type == chain.EventMessage {
				w.handlePayload(ctx, ev.Payload)
			}
		case <-ctx.Done():
			return
		}
		if w.stopping.Load() {
			return
		}
	}
}

func (w *PendingWatcher) handlePayload(ctx context.Context, payload []byte) {
	hash, ok := parsePendingHash(payload)
	if !ok {
		return
	}
	w.Stats.HashesSeen.Add(1)
	if !w.markSeen(hash) {
		return
	}

	client, ok := w.rpc.Client(w.chainName)
	if !ok {
		return
	}
	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	tx, pending, err := client.TransactionByHash(fetchCtx, hash)
	cancel()
	if err != nil || !pending || tx.To() == nil {
		return
	}
	w.Stats.Fetched.Add(1)

	dex, ok := w.routers[*tx.To()]
	if !ok || len(tx.Data()) < 4 {
		return
	}
	w.Stats.Matched.Add(1)

	gasGwei := 0.0
	if gp := tx.GasPrice(); gp != nil {
		gasGwei = float64(gp.Uint64()) / 1e9
	}
	w.producer.Produce(bus.StreamPendingOpportunities, map[string]interface{}{
		"chain":       w.chainName,
		"txHash":      hash.Hex(),
		"router":      tx.To().Hex(),
		"dex":         dex,
		"selector":    "0x" + hex.EncodeToString(tx.Data()[:4]),
		"gasGwei":     gasGwei,
		"valueWei":    tx.Value().String(),
		"timestampMs": time.Now().UnixMilli(),
	})
	w.Stats.Published.Add(1)
}

// markSeen records the hash, returning false for duplicates. The set resets
// when it hits capacity; a rare duplicate signal is cheaper than an unbounded
// map on a busy chain.
func (w *PendingWatcher) markSeen(hash common.Hash) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, dup := w.seen[hash]; dup {
		return false
	}
	if len(w.seen) >= seenCap {
		w.seen = make(map[common.Hash]struct{})
	}
	w.seen[hash] = struct{}{}
	return true
}

// parsePendingHash lifts the transaction hash out of a newPendingTransactions
// subscription frame. Other frames (confirmations, log events) return
// ok=false.
func parsePendingHash(raw []byte) (common.Hash, bool) {
	var frame struct {
		Method string `json:"method"`
		Params struct {
			Result string `json:"result"`
		} `json:"params"`
	}
	if json.Unmarshal(raw, &frame) != nil || frame.Method != "eth_subscription" {
		return common.Hash{}, false
	}
	if len(frame.Params.Result) != 66 { // "0x" + 64 hex chars
		return common.Hash{}, false
	}
	return common.HexToHash(frame.Params.Result), true
}
