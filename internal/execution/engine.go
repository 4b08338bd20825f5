package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rawblock/arb-engine/internal/bus"
	"github.com/rawblock/arb-engine/internal/config"
	"github.com/rawblock/arb-engine/internal/pricecache"
	"github.com/rawblock/arb-engine/internal/risk"
	"github.com/rawblock/arb-engine/pkg/models"
	"github.com/shopspring/decimal"
)

const (
	queueCapacity      = 1024
	queuePauseAt       = 800
	queueResumeAt      = 200
	simulationFloorUSD = 50.0
	engineWorkers      = 2
)

// Skip reasons attached to per-chain counters and logs.
const (
	SkipExpired          = "EXPIRED"
	SkipDrawdownHalt     = "DRAWDOWN_HALT"
	SkipCircuitOpen      = "CIRCUIT_OPEN"
	SkipEVBelowThreshold = "EV_BELOW_THRESHOLD"
	SkipSizeZero         = "SIZE_ZERO"
	SkipPlanFailed       = "PLAN_FAILED"
	SkipSimulationRevert = "SIMULATION_REVERT"
)

// resultSink receives execution outcomes; the batching producer in production.
type resultSink interface {
	Produce(stream string, values map[string]interface{})
}

// EngineDeps bundles the pipeline's collaborators.
type EngineDeps struct {
	Breakers *CircuitBreakerManager
	Drawdown *risk.DrawdownCircuitBreaker
	Tracker  *risk.ExecutionProbabilityTracker
	EV       *risk.EVCalculator
	Kelly    *risk.KellyPositionSizer
	Gas      *pricecache.GasPriceCache
	Sim      *SimulationService
	Nonces   *NonceManager
	MEV      *MEVProvider
	Router   *StrategyRouter
	Results  resultSink
}

// EngineStats counts pipeline outcomes.
type EngineStats struct {
	Executed                   atomic.Int64
	Succeeded                  atomic.Int64
	Failed                     atomic.Int64
	Skipped                    atomic.Int64
	SimulationPredictedReverts atomic.Int64
	Dropped                    atomic.Int64
}

// ExecutionEngine consumes published opportunities and runs each through the
// full gate sequence: drawdown state, per-chain circuit breaker, EV threshold,
// Kelly sizing, strategy planning, pre-flight simulation, nonce acquisition,
// MEV-aware submission, then outcome recording back into the risk layer.
type ExecutionEngine struct {
	cfg    config.Config
	chains map[string]config.ChainConfig
	wallet common.Address
	deps   EngineDeps

	consumer *bus.StreamConsumer
	queue    chan *models.Opportunity

	skipMu sync.Mutex
	skips  map[string]map[string]int64 // chain -> reason -> count

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	Stats EngineStats
}

func NewExecutionEngine(cfg config.Config, wallet common.Address, deps EngineDeps) *ExecutionEngine {
	chains := make(map[string]config.ChainConfig, len(cfg.Chains))
	for _, c := range cfg.Chains {
		chains[c.Name] = c
	}
	return &ExecutionEngine{
		cfg:    cfg,
		chains: chains,
		wallet: wallet,
		deps:   deps,
		queue:  make(chan *models.Opportunity, queueCapacity),
		skips:  make(map[string]map[string]int64),
		stopCh: make(chan struct{}),
	}
}

// AttachConsumer registers the opportunity-stream consumer so the engine can
// pause it under queue pressure and resume it once drained.
func (e *ExecutionEngine) AttachConsumer(sc *bus.StreamConsumer) {
	e.consumer = sc
}

// Start launches the worker pool.
func (e *ExecutionEngine) Start() {
	for i := 0; i < engineWorkers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	log.Printf("[Engine] Started with %d workers, queue capacity %d", engineWorkers, queueCapacity)
}

// Stop drains the workers. Idempotent.
func (e *ExecutionEngine) Stop() {
	e.once.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

// Handler is the stream-consumer entry point: decode and enqueue. A full
// queue drops the message rather than blocking the read loop; the pause
// threshold exists so it rarely comes to that.
func (e *ExecutionEngine) Handler(ctx context.Context, msg bus.Message) error {
	raw, ok := msg.Values["data"].(string)
	if !ok {
		return fmt.Errorf("opportunity message %s has no data field", msg.ID)
	}
	var o models.Opportunity
	if err := json.Unmarshal([]byte(raw), &o); err != nil {
		return fmt.Errorf("decode opportunity %s: %w", msg.ID, err)
	}

	select {
	case e.queue <- &o:
	default:
		e.Stats.Dropped.Add(1)
		log.Printf("[Engine] Queue full, dropped opportunity %s", o.ID)
	}

	if e.consumer != nil && len(e.queue) >= queuePauseAt && !e.consumer.IsPaused() {
		e.consumer.Pause()
		log.Printf("[Engine] Queue depth %d, paused opportunity consumer", len(e.queue))
	}
	return nil
}

func (e *ExecutionEngine) worker() {
	defer e.wg.Done()
	for {
		select {
		case o := <-e.queue:
			if e.consumer != nil && e.consumer.IsPaused() && len(e.queue) <= queueResumeAt {
				e.consumer.Resume()
				log.Printf("[Engine] Queue drained to %d, resumed opportunity consumer", len(e.queue))
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			e.Execute(ctx, o, time.Now())
			cancel()
		case <-e.stopCh:
			return
		}
	}
}

// Execute runs one opportunity through the pipeline. The returned skip reason
// is empty when the opportunity was submitted; otherwise no transaction was
// sent and, except for recorded outcomes, no state changed.
func (e *ExecutionEngine) Execute(ctx context.Context, o *models.Opportunity, now time.Time) (*models.ExecutionOutcome, string) {
	chain := o.BuyChain

	if o.Expired(now.UnixMilli()) {
		return nil, e.skip(chain, SkipExpired, o.ID)
	}

	sizeMult := e.deps.Drawdown.SizeMultiplier(now)
	if sizeMult == 0 {
		return nil, e.skip(chain, SkipDrawdownHalt, o.ID)
	}

	if !e.deps.Breakers.Allow(chain, now) {
		return nil, e.skip(chain, SkipCircuitOpen, o.ID)
	}

	gasGwei, ok := e.deps.Gas.GasPriceGwei(chain)
	if !ok {
		gasGwei = e.chains[chain].FallbackGasGwei
	}
	nativeUSD := e.deps.Gas.NativeUSD(chain)
	if nativeUSD == 0 {
		nativeUSD = e.chains[chain].FallbackNativeUSD
	}

	key := risk.TrackerKey(chain, o.BuyDex, len(o.Path), now.UTC().Hour(), gasGwei)
	winProb := e.deps.Tracker.WinProbability(key)
	lossUSD := o.GasEstimateUSD

	if _, ok := e.deps.EV.Evaluate(winProb, o.ExpectedProfitUSD, o.GasEstimateUSD, lossUSD, nativeUSD); !ok {
		return nil, e.skip(chain, SkipEVBelowThreshold, o.ID)
	}

	fraction := e.deps.Kelly.Fraction(winProb, o.ExpectedProfitUSD, lossUSD) * sizeMult
	if fraction <= 0 {
		return nil, e.skip(chain, SkipSizeZero, o.ID)
	}

	plan, err := e.deps.Router.Plan(o, e.wallet)
	if err != nil {
		log.Printf("[Engine:%s] Planning failed for %s: %v", chain, o.ID, err)
		return nil, e.skip(chain, SkipPlanFailed, o.ID)
	}

	// Pre-flight simulation for opportunities worth its latency. A predicted
	// revert skips cleanly: no nonce consumed, no outcome recorded, breaker
	// untouched.
	if e.deps.Sim != nil && o.ExpectedProfitUSD >= simulationFloorUSD {
		for _, leg := range plan.Legs {
			res, verdict := e.deps.Sim.Simulate(ctx, SimRequest{
				Chain: leg.Chain,
				From:  leg.From.Hex(),
				To:    leg.To.Hex(),
				Data:  leg.Data,
			})
			if verdict && (res.Reverted || !res.Success) {
				e.Stats.SimulationPredictedReverts.Add(1)
				log.Printf("[Engine:%s] Simulation predicts revert for %s: %s", leg.Chain, o.ID, res.RevertReason)
				return nil, e.skip(chain, SkipSimulationRevert, o.ID)
			}
		}
	}

	analysis := e.deps.MEV.AnalyzeRisk(o)
	start := time.Now()
	var txHash string
	var submitErr error

	for _, leg := range plan.Legs {
		leg.TipGwei = analysis.RecommendedTip

		usesNonce := e.deps.Nonces != nil && !e.chains[leg.Chain].IsSolana
		var nonce uint64
		if usesNonce {
			nonce, err = e.deps.Nonces.Acquire(ctx, leg.Chain, leg.From)
			if err != nil {
				submitErr = fmt.Errorf("acquire nonce on %s: %w", leg.Chain, err)
				break
			}
			leg.Nonce = nonce
		}

		res, err := e.deps.MEV.Submit(ctx, leg)
		if err != nil {
			submitErr = err
			if usesNonce {
				e.deps.Nonces.OnFailed(leg.Chain, leg.From, nonce, false)
			}
			break
		}
		txHash = res.SubmittedHash
		if usesNonce {
			e.deps.Nonces.OnConfirmed(leg.Chain, leg.From, nonce)
		}
	}

	success := submitErr == nil
	outcome := &models.ExecutionOutcome{
		OpportunityID: o.ID,
		Chain:         chain,
		Dex:           o.BuyDex,
		Success:       success,
		GasCostUSD:    o.GasEstimateUSD,
		TxHash:        txHash,
		LatencyMs:     time.Since(start).Milliseconds(),
		PathLength:    len(o.Path),
		GasPriceGwei:  gasGwei,
		TimestampMs:   now.UnixMilli(),
	}
	// Realized profit settles later from receipts; the expected value stands
	// in until then.
	pnlUSD := -o.GasEstimateUSD
	if success {
		outcome.ActualProfitUSD = o.ExpectedProfitUSD
		pnlUSD = o.ExpectedProfitUSD
	} else {
		outcome.Error = submitErr.Error()
		log.Printf("[Engine:%s] Execution failed for %s: %v", chain, o.ID, submitErr)
	}

	e.deps.Tracker.Record(key, success)
	if nativeUSD > 0 {
		e.deps.Drawdown.RecordOutcome(decimal.NewFromFloat(pnlUSD/nativeUSD), success, now)
	}
	if success {
		e.deps.Breakers.RecordSuccess(chain)
		e.Stats.Succeeded.Add(1)
	} else {
		e.deps.Breakers.RecordFailure(chain, now)
		e.Stats.Failed.Add(1)
	}
	e.Stats.Executed.Add(1)
	e.publishOutcome(outcome)
	return outcome, ""
}

func (e *ExecutionEngine) publishOutcome(outcome *models.ExecutionOutcome) {
	if e.deps.Results == nil {
		return
	}
	raw, err := json.Marshal(outcome)
	if err != nil {
		return
	}
	e.deps.Results.Produce(bus.StreamExecutionResults, map[string]interface{}{
		"opportunityId": outcome.OpportunityID,
		"chain":         outcome.Chain,
		"success":       fmt.Sprintf("%t", outcome.Success),
		"data":          string(raw),
	})
}

// skip counts and logs one skipped opportunity, returning the reason.
func (e *ExecutionEngine) skip(chain, reason, id string) string {
	e.Stats.Skipped.Add(1)
	e.skipMu.Lock()
	byReason := e.skips[chain]
	if byReason == nil {
		byReason = make(map[string]int64)
		e.skips[chain] = byReason
	}
	byReason[reason]++
	e.skipMu.Unlock()
	log.Printf("[Engine:%s] Skipped %s: %s", chain, id, reason)
	return reason
}

// SkipCounts snapshots the chain's per-reason skip counters.
func (e *ExecutionEngine) SkipCounts(chain string) map[string]int64 {
	e.skipMu.Lock()
	defer e.skipMu.Unlock()
	out := make(map[string]int64, len(e.skips[chain]))
	for reason, n := range e.skips[chain] {
		out[reason] = n
	}
	return out
}
