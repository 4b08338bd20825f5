package ingest

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rawblock/arb-engine/internal/bus"
	"github.com/rawblock/arb-engine/internal/chain"
	"github.com/rawblock/arb-engine/internal/config"
	"github.com/rawblock/arb-engine/internal/pricecache"
	"github.com/rawblock/arb-engine/pkg/models"
)

// UpdateHandler receives every accepted price update, synchronously, on the
// ingestion goroutine. The chain detector registers here.
type UpdateHandler func(update *models.PriceUpdate)

// Same-pair update bursts within this window collapse into one stream entry.
// Detection handlers still see every update; only the bus fan-out is batched.
const (
	priceBatchMax  = 32
	priceBatchWait = 5 * time.Millisecond
)

// IngestStats counts the ingestion pipeline's work.
type IngestStats struct {
	MessagesSeen     atomic.Int64
	Decoded          atomic.Int64
	ValidationDrops  atomic.Int64
	UpdatesPublished atomic.Int64
	BatchesPublished atomic.Int64
	PairsRegistered  atomic.Int64
	Reconnects       atomic.Int64
	RateLimits       atomic.Int64
	DataGaps         atomic.Int64
}

// Ingestor runs one chain's ingestion: WS events in, normalized price
// updates and filtered swaps out.
type Ingestor struct {
	cfg       config.ChainConfig
	ws        *chain.WSManager
	index     *PairIndex
	filter    *SwapFilter
	producer  publisher
	cache     *pricecache.HierarchicalCache
	batch     *bus.Batcher
	factories map[common.Address]string // factory address -> dex name

	mu        sync.Mutex
	dexByPair map[common.Address]string
	sequences map[common.Address]*atomic.Uint64

	handlers []UpdateHandler

	Stats IngestStats

	stopping atomic.Bool
	done     chan struct{}
}

func NewIngestor(cfg config.ChainConfig, ws *chain.WSManager, index *PairIndex, filter *SwapFilter,
	producer publisher, cache *pricecache.HierarchicalCache, factories map[common.Address]string) *Ingestor {
	in := &Ingestor{
		cfg:       cfg,
		ws:        ws,
		index:     index,
		filter:    filter,
		producer:  producer,
		cache:     cache,
		factories: factories,
		dexByPair: make(map[common.Address]string),
		sequences: make(map[common.Address]*atomic.Uint64),
		done:      make(chan struct{}),
	}
	in.batch = bus.NewBatcher(priceBatchMax, priceBatchWait, in.flushPriceBatch)
	return in
}

// OnUpdate registers a synchronous price-update handler. Must be called
// before Start.
func (in *Ingestor) OnUpdate(h UpdateHandler) {
	in.handlers = append(in.handlers, h)
}

// SeedPair pre-registers a known pair (bootstrap watchlist) and remembers
// its DEX.
func (in *Ingestor) SeedPair(pair *models.TokenPair) {
	if in.index.Register(pair) {
		in.Stats.PairsRegistered.Add(1)
	}
	in.mu.Lock()
	in.dexByPair[pair.PairAddress] = pair.Dex
	in.mu.Unlock()
}

// Start begins the WS manager and the event loop.
func (in *Ingestor) Start(ctx context.Context) error {
	if err := in.ws.Start(ctx); err != nil {
		return err
	}
	in.filter.Start()
	go in.loop(ctx)
	log.Printf("[Ingest:%s] Started (%d seeded pairs)", in.cfg.Name, in.index.Len())
	return nil
}

// Stop shuts down cooperatively: WS first so the event channel drains, then
// the batcher and the filter so pending batches and open windows flush.
func (in *Ingestor) Stop() {
	if in.stopping.Swap(true) {
		return
	}
	in.ws.Stop()
	select {
	case <-in.done:
	case <-time.After(5 * time.Second):
		log.Printf("[Ingest:%s] Event loop did not drain, abandoning", in.cfg.Name)
	}
	in.batch.Stop()
	in.filter.Stop()
}

func (in *Ingestor) loop(ctx context.Context) {
	defer close(in.done)
	for {
		select {
		case ev, ok := <-in.ws.Events():
			if !ok {
				return
			}
			in.handleEvent(ctx, ev)
		case <-ctx.Done():
			return
		}
		if in.stopping.Load() {
			return
		}
	}
}

func (in *Ingestor) handleEvent(ctx context.Context, ev chain.Event) {
	switch ev.Type {
	case chain.EventMessage:
		in.Stats.MessagesSeen.Add(1)
		logEv, ok := chain.ParseLogNotification(ev.Payload)
		if !ok {
			return
		}
		decoded, ok := chain.Decode(logEv)
		if !ok {
			in.Stats.ValidationDrops.Add(1)
			return
		}
		in.Stats.Decoded.Add(1)
		in.dispatch(ctx, decoded)

	case chain.EventReconnected:
		in.Stats.Reconnects.Add(1)
		in.publishHealth("reconnected", ev.Provider, nil)
	case chain.EventRateLimit:
		in.Stats.RateLimits.Add(1)
		in.publishHealth("rate-limited", ev.Provider, map[string]interface{}{"cooldownMs": ev.CooldownMs})
	case chain.EventDataGap:
		in.Stats.DataGaps.Add(1)
		in.publishHealth("data-gap", ev.Provider, map[string]interface{}{"fromBlock": ev.FromBlock, "toBlock": ev.ToBlock})
	case chain.EventStaleConnection:
		in.publishHealth("stale-connection", ev.Provider, map[string]interface{}{"lastMessageAgeMs": ev.LastMessageAgeMs})
	case chain.EventSubRecoveryPartial:
		in.publishHealth("subscription-recovery-partial", ev.Provider, map[string]interface{}{"failedTopics": ev.FailedTopics})
	}
}

func (in *Ingestor) dispatch(ctx context.Context, d chain.Decoded) {
	now := time.Now()
	switch d.Kind {
	case chain.KindSync:
		pair, ok := in.index.UpdateReserves(d.PairAddress, d.Reserve0, d.Reserve1, d.BlockNumber, now)
		if !ok {
			return // not on the watchlist
		}
		in.publishPriceUpdate(ctx, pair, pair.MidPrice(), d.BlockNumber, now)

	case chain.KindSwapV2:
		in.filter.Process(in.swapEvent(d, now))

	case chain.KindSwapV3:
		in.filter.Process(in.swapEvent(d, now))
		if pair, ok := in.index.ByAddress(d.PairAddress); ok && d.SqrtPriceX96 != nil {
			price := v3Price(d.SqrtPriceX96, pair.Decimals0, pair.Decimals1)
			if price > 0 {
				pair.MarkPriced(d.BlockNumber, now.UnixMilli())
				in.publishPriceUpdate(ctx, pair, price, d.BlockNumber, now)
			}
		}

	case chain.KindPairCreated, chain.KindPoolCreated:
		dexName, known := in.factoryDex(d)
		if !known {
			return
		}
		pair := &models.TokenPair{
			PairAddress: d.NewPair,
			Chain:       in.cfg.Name,
			Dex:         dexName,
			Token0:      d.Token0,
			Token1:      d.Token1,
			Decimals0:   18, // resolved lazily on first pricing RPC
			Decimals1:   18,
			Reserve0:    big.NewInt(0),
			Reserve1:    big.NewInt(0),
		}
		in.SeedPair(pair)
		log.Printf("[Ingest:%s] Registered new %s pair %s", in.cfg.Name, dexName, d.NewPair.Hex())
	}
}

func (in *Ingestor) factoryDex(d chain.Decoded) (string, bool) {
	// Factory events carry the factory as the log address.
	dex, ok := in.factories[d.PairAddress]
	return dex, ok
}

func (in *Ingestor) swapEvent(d chain.Decoded, now time.Time) models.SwapEvent {
	in.mu.Lock()
	dex := in.dexByPair[d.PairAddress]
	in.mu.Unlock()
	return models.SwapEvent{
		Chain:       in.cfg.Name,
		Dex:         dex,
		PairAddress: d.PairAddress,
		Sender:      d.Sender,
		Amount0In:   d.Amount0In,
		Amount1In:   d.Amount1In,
		Amount0Out:  d.Amount0Out,
		Amount1Out:  d.Amount1Out,
		TxHash:      d.TxHash,
		LogIndex:    d.LogIndex,
		BlockNumber: d.BlockNumber,
		TimestampMs: now.UnixMilli(),
	}
}

// publishPriceUpdate pushes the update to the L1 matrix, the batched bus
// fan-out, and every registered handler, with a per-pair monotonic sequence.
func (in *Ingestor) publishPriceUpdate(ctx context.Context, pair *models.TokenPair, price float64, block uint64, now time.Time) {
	in.mu.Lock()
	seq := in.sequences[pair.PairAddress]
	if seq == nil {
		seq = &atomic.Uint64{}
		in.sequences[pair.PairAddress] = seq
	}
	in.mu.Unlock()

	r0, r1 := pair.SnapshotReserves()
	update := &models.PriceUpdate{
		Chain:       pair.Chain,
		Dex:         pair.Dex,
		PairAddress: pair.PairAddress,
		Token0:      pair.Token0,
		Token1:      pair.Token1,
		Reserve0:    r0,
		Reserve1:    r1,
		MidPrice:    price,
		BlockNumber: block,
		TimestampMs: now.UnixMilli(),
		Sequence:    seq.Add(1),
	}

	in.cache.Publish(ctx, pair.MatrixKey(), price, now)

	in.batch.Add(pair.MatrixKey(), update)
	in.Stats.UpdatesPublished.Add(1)

	for _, h := range in.handlers {
		h(update)
	}
}

// flushPriceBatch writes one stream entry per accumulated same-pair batch.
// Every item under one key shares chain, dex, and token pair.
func (in *Ingestor) flushPriceBatch(key string, items []interface{}) {
	updates := make([]*models.PriceUpdate, 0, len(items))
	for _, it := range items {
		if u, ok := it.(*models.PriceUpdate); ok {
			updates = append(updates, u)
		}
	}
	if len(updates) == 0 {
		return
	}
	raw, err := json.Marshal(updates)
	if err != nil {
		in.Stats.ValidationDrops.Add(int64(len(updates)))
		return
	}
	first := updates[0]
	in.producer.Produce(bus.StreamPriceUpdates, map[string]interface{}{
		"chain": first.Chain,
		"dex":   first.Dex,
		"pair":  models.NormalizedTokenKey(first.Token0, first.Token1),
		"count": len(updates),
		"data":  string(raw),
	})
	in.Stats.BatchesPublished.Add(1)
}

// ReplayLog runs one backfilled log through the same decode and dispatch path
// as live WS messages.
func (in *Ingestor) ReplayLog(ctx context.Context, ev chain.LogEvent) {
	decoded, ok := chain.Decode(ev)
	if !ok {
		in.Stats.ValidationDrops.Add(1)
		return
	}
	in.Stats.Decoded.Add(1)
	in.dispatch(ctx, decoded)
}

func (in *Ingestor) publishHealth(status, provider string, extra map[string]interface{}) {
	values := map[string]interface{}{
		"service": "ingest-" + in.cfg.Name,
		"chain":   in.cfg.Name,
		"status":  status,
	}
	if provider != "" {
		values["provider"] = provider
	}
	for k, v := range extra {
		raw, err := json.Marshal(v)
		if err == nil {
			values[k] = string(raw)
		}
	}
	in.producer.Produce(bus.StreamHealth, values)
}

// v3Price converts a Uniswap V3 sqrtPriceX96 into a decimal-adjusted mid
// price.
func v3Price(sqrtPriceX96 *big.Int, decimals0, decimals1 uint8) float64 {
	sqrt, _ := new(big.Float).SetInt(sqrtPriceX96).Float64()
	ratio := sqrt / math.Pow(2, 96)
	price := ratio * ratio
	return price * math.Pow10(int(decimals0)) / math.Pow10(int(decimals1))
}
