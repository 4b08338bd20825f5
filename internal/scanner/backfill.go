package scanner

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"strconv"
	"sync/atomic"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rawblock/arb-engine/internal/bus"
	"github.com/rawblock/arb-engine/internal/chain"
)

// maxGapBlocks caps one backfill pass. A gap wider than this means the chain
// moved on without us; replaying ancient reserves would publish stale prices.
const maxGapBlocks = 1000

// LogSink receives backfilled logs. Satisfied by ingest.Ingestor.
type LogSink interface {
	ReplayLog(ctx context.Context, ev chain.LogEvent)
}

// RPCSource resolves a chain name to its RPC client.
type RPCSource interface {
	Client(chain string) (*ethclient.Client, bool)
}

// GapBackfiller repairs block ranges the WS feed missed during provider
// failover. It listens for data-gap notices on the health stream, fetches the
// missed DEX logs over RPC, and replays them through the owning chain's
// ingestion path so the price caches converge again.
type GapBackfiller struct {
	rpc   RPCSource
	sinks map[string]LogSink

	// Progress tracking (atomic for safe concurrent reads)
	GapsSeen     atomic.Int64
	GapsSkipped  atomic.Int64
	LogsReplayed atomic.Int64
}

func NewGapBackfiller(rpc RPCSource, sinks map[string]LogSink) *GapBackfiller {
	return &GapBackfiller{rpc: rpc, sinks: sinks}
}

// Handler consumes health stream messages and backfills on data-gap notices.
// Other health statuses are acked and ignored.
func (g *GapBackfiller) Handler(ctx context.Context, msg bus.Message) error {
	status, _ := msg.Values["status"].(string)
	if status != "data-gap" {
		return nil
	}
	chainName, _ := msg.Values["chain"].(string)
	from, okFrom := fieldUint(msg.Values, "fromBlock")
	to, okTo := fieldUint(msg.Values, "toBlock")
	if chainName == "" || !okFrom || !okTo {
		return fmt.Errorf("malformed data-gap notice %s", msg.ID)
	}
	return g.Backfill(ctx, chainName, from, to)
}

// Backfill fetches and replays the DEX logs for (fromBlock, toBlock). The
// bounds are exclusive-inclusive: fromBlock was the last block seen live.
func (g *GapBackfiller) Backfill(ctx context.Context, chainName string, fromBlock, toBlock uint64) error {
	g.GapsSeen.Add(1)

	sink, ok := g.sinks[chainName]
	if !ok {
		g.GapsSkipped.Add(1)
		return nil
	}
	client, ok := g.rpc.Client(chainName)
	if !ok {
		g.GapsSkipped.Add(1)
		log.Printf("[Backfill:%s] No RPC client, gap %d-%d not repaired", chainName, fromBlock, toBlock)
		return nil
	}
	if toBlock <= fromBlock+1 {
		return nil
	}
	if toBlock-fromBlock > maxGapBlocks {
		g.GapsSkipped.Add(1)
		log.Printf("[Backfill:%s] Gap %d-%d exceeds %d blocks, skipping replay", chainName, fromBlock, toBlock, maxGapBlocks)
		return nil
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock + 1),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Topics: [][]common.Hash{{
			chain.TopicSyncV2,
			chain.TopicSwapV2,
			chain.TopicSwapV3,
			chain.TopicPairCreated,
			chain.TopicPoolCreated,
		}},
	}
	logs, err := client.FilterLogs(ctx, query)
	if err != nil {
		return fmt.Errorf("backfill %s blocks %d-%d: %w", chainName, fromBlock, toBlock, err)
	}

	for _, l := range logs {
		sink.ReplayLog(ctx, chain.LogEvent{
			Address:     l.Address,
			Topics:      l.Topics,
			Data:        l.Data,
			BlockNumber: l.BlockNumber,
			TxHash:      l.TxHash,
			LogIndex:    l.Index,
		})
	}
	g.LogsReplayed.Add(int64(len(logs)))
	log.Printf("[Backfill:%s] Replayed %d logs for blocks %d-%d", chainName, len(logs), fromBlock+1, toBlock)
	return nil
}

// fieldUint reads a numeric stream field. Redis hands every value back as a
// string; the ingestor JSON-encodes extras, so bare digits are the format.
func fieldUint(values map[string]interface{}, key string) (uint64, bool) {
	raw, ok := values[key].(string)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
