package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rawblock/arb-engine/internal/alerts"
	"github.com/rawblock/arb-engine/internal/api"
	"github.com/rawblock/arb-engine/internal/bus"
	"github.com/rawblock/arb-engine/internal/chain"
	"github.com/rawblock/arb-engine/internal/config"
	"github.com/rawblock/arb-engine/internal/crosschain"
	"github.com/rawblock/arb-engine/internal/db"
	"github.com/rawblock/arb-engine/internal/detector"
	"github.com/rawblock/arb-engine/internal/execution"
	"github.com/rawblock/arb-engine/internal/ingest"
	"github.com/rawblock/arb-engine/internal/mempool"
	"github.com/rawblock/arb-engine/internal/metrics"
	"github.com/rawblock/arb-engine/internal/pricecache"
	"github.com/rawblock/arb-engine/internal/risk"
	"github.com/rawblock/arb-engine/internal/scanner"
	"github.com/rawblock/arb-engine/pkg/models"
)

func main() {
	log.Println("Starting RawBlock Arbitrage Engine (Microservice: multi-chain-arb-detector)...")

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ─── Event bus ───────────────────────────────────────────────────────
	client, err := bus.Connect(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("FATAL: Redis connection failed: %v", err)
	}
	defer client.Close()

	producer := bus.NewProducer(client, bus.DefaultProducerConfig())
	defer producer.Close()

	// ─── Chain RPC, gas feed, oracle ─────────────────────────────────────
	rpc := chain.DialRPCPool(ctx, cfg.Chains)
	defer rpc.Close()

	hasRPC := false
	for _, c := range cfg.Chains {
		if _, ok := rpc.Client(c.Name); ok {
			hasRPC = true
			break
		}
	}

	gas := pricecache.NewGasPriceCache(rpc, 30*time.Second)
	for _, c := range cfg.Chains {
		gas.Seed(c.Name, c.FallbackGasGwei, c.FallbackNativeUSD)
	}
	gas.Start(ctx)
	defer gas.Stop()

	oracle := ingest.NewStaticOracle()
	seedOracle(oracle, cfg.Chains)

	reg := metrics.NewRegistry()
	latency := metrics.NewLatencyRing(0)

	// ─── Detection ───────────────────────────────────────────────────────
	oppPub := bus.NewOpportunityPublisher(producer, cfg.Detector.DedupeWindow)

	wallet := common.HexToAddress(os.Getenv("WALLET_ADDRESS"))
	executor := common.HexToAddress(os.Getenv("EXECUTOR_ADDRESS"))
	router := execution.NewStrategyRouter(executor)

	var revenueCheck crosschain.RevenueCheck
	if cfg.PreValidationEnabled && hasRPC {
		// Re-quote the path through the batched quoter when enabled,
		// otherwise plan the opportunity and eth_call the first leg. A
		// revert at detection time means the spread is already gone.
		var quoter *chain.BatchedQuoter
		if cfg.BatchedQuoterEnabled {
			quoter = chain.NewBatchedQuoter(rpc, dexRouters(cfg.Chains))
			log.Println("[Main] Batched quoter enabled for pre-validation rechecks")
		}
		sim := execution.NewEthCallSimProvider(rpc)
		revenueCheck = func(ctx context.Context, o *models.Opportunity) (bool, error) {
			if quoter != nil {
				if ok, err := quoter.RecheckOpportunity(ctx, o); err == nil {
					return ok, nil
				}
				// Unquotable venue or batch failure: fall through to the
				// first-leg simulation.
			}
			plan, err := router.Plan(o, wallet)
			if err != nil {
				return false, nil
			}
			leg := plan.Legs[0]
			res, err := sim.Simulate(ctx, execution.SimRequest{
				Chain: leg.Chain,
				From:  wallet.Hex(),
				To:    leg.To.Hex(),
				Data:  leg.Data,
			})
			if err != nil {
				return true, err
			}
			return !res.Reverted, nil
		}
	}
	preval := crosschain.NewPreValidator(crosschain.PreValidatorConfig{
		SampleRate:    cfg.Detector.PreValidationSampleRate,
		FloorUSD:      cfg.Detector.PreValidationFloorUSD,
		MaxLatency:    cfg.Detector.PreValidationMaxLatency,
		MonthlyBudget: cfg.Detector.MonthlySimBudget,
	}, revenueCheck)

	xdet := crosschain.NewDetector(cfg.Detector, cfg.Chains,
		crosschain.NewPriceDataManager(cfg.Detector.RetentionCutoff),
		crosschain.NewMLCache(nil, cfg.Detector.MLTimeout, cfg.Detector.MLCacheTTL),
		preval, crosschain.NewBridgeCostEstimator(), gas, oppPub)
	xdet.Start(ctx)

	indexes := make(map[string]*ingest.PairIndex)
	ingestorsByChain := make(map[string]*ingest.Ingestor)
	var ingestors []*ingest.Ingestor
	var detectors []*detector.ChainDetector
	var statDetectors []*detector.StatisticalDetector
	for _, c := range cfg.Chains {
		if c.IsSolana {
			log.Printf("[Main] %s: log ingestion is EVM-only, chain participates via configured feeds", c.Name)
			continue
		}
		if c.WSURL == "" {
			log.Printf("[Main] %s: no WS URL configured (%s_WS_URL), chain not ingested", c.Name, envPrefix(c.Name))
			continue
		}

		index := ingest.NewPairIndex(c.Name)
		indexes[c.Name] = index
		filter := ingest.NewSwapFilter(c.Name, cfg.Filter, index, oracle, producer)

		ws := chain.NewWSManager(chain.DefaultWSConfig(c.Name, c.WSURL, c.FallbackWS, c.StalenessThreshold))
		ws.Subscribe(chain.Subscription{Topic: "dex-logs", Params: dexLogParams()})

		cache := pricecache.NewHierarchicalCache(
			pricecache.NewPriceMatrix(0, c.StalenessThreshold), client.Redis(), nil)
		ing := ingest.NewIngestor(c, ws, index, filter, producer, cache, knownFactories(c.Name))

		det := detector.NewChainDetector(c, index, oracle, gas, oppPub)

		var stat *detector.StatisticalDetector
		if cfg.StatisticalArbEnabled {
			stat = detector.NewStatisticalDetector(c, index, oracle, gas, oppPub)
			log.Printf("[Main] %s: statistical spread detection enabled", c.Name)
		}

		ing.OnUpdate(func(u *models.PriceUpdate) {
			started := time.Now()
			det.OnPriceUpdate(u)
			if stat != nil {
				stat.OnPriceUpdate(u)
			}
			xdet.OnPriceUpdate(u)
			elapsed := time.Since(started)
			reg.DetectionLatency.Observe(elapsed.Seconds())
			latency.Observe(float64(elapsed.Microseconds()) / 1000)
			reg.EventsIngested.WithLabelValues(u.Chain, "price-update").Inc()
			if gwei, ok := gas.GasPriceGwei(u.Chain); ok {
				reg.GasPriceGwei.WithLabelValues(u.Chain).Set(gwei)
			}
		})

		if err := ing.Start(ctx); err != nil {
			log.Printf("Warning: ingestion for %s failed to start: %v", c.Name, err)
			continue
		}
		ingestors = append(ingestors, ing)
		ingestorsByChain[c.Name] = ing
		detectors = append(detectors, det)
		if stat != nil {
			statDetectors = append(statDetectors, stat)
		}
	}
	if len(ingestors) == 0 {
		log.Println("Warning: no chains are being ingested; detection is idle until WS URLs are configured")
	}

	// Data-gap notices from provider failover trigger a log backfill so the
	// price caches converge instead of waiting for the next organic update.
	var healthTap *bus.StreamConsumer
	if hasRPC && len(ingestorsByChain) > 0 {
		sinks := make(map[string]scanner.LogSink, len(ingestorsByChain))
		for name, ing := range ingestorsByChain {
			sinks[name] = ing
		}
		backfiller := scanner.NewGapBackfiller(rpc, sinks)
		healthTap = bus.NewStreamConsumer(client, bus.ConsumerConfig{
			Stream:   bus.StreamHealth,
			Group:    bus.GroupAnalytics,
			Consumer: consumerName("backfill"),
			BlockFor: 2 * time.Second,
			StartID:  "$",
		}, backfiller.Handler)
		if err := healthTap.Start(ctx); err != nil {
			log.Printf("Warning: gap backfill consumer failed to start: %v", err)
			healthTap = nil
		}
	}

	// Pending-transaction watcher: early swap signals ahead of inclusion.
	var pendingWatchers []*mempool.PendingWatcher
	if cfg.MempoolWatcherEnabled && hasRPC {
		for _, c := range cfg.Chains {
			if c.IsSolana || c.WSURL == "" {
				continue
			}
			routers := knownRouters(c.Name)
			if len(routers) == 0 {
				continue
			}
			pw := mempool.NewPendingWatcher(c.Name,
				chain.NewWSManager(chain.DefaultWSConfig(c.Name, c.WSURL, c.FallbackWS, c.StalenessThreshold)),
				rpc, producer, routers)
			if err := pw.Start(ctx); err != nil {
				log.Printf("Warning: pending watcher for %s failed to start: %v", c.Name, err)
				continue
			}
			pendingWatchers = append(pendingWatchers, pw)
		}
	}

	// Whale alerts feed the cross-chain confidence model. The pair address is
	// resolved to its token key through the owning chain's index.
	whaleConsumer := bus.NewStreamConsumer(client, bus.ConsumerConfig{
		Stream:   bus.StreamWhaleAlerts,
		Group:    bus.GroupCrossChainDetector,
		Consumer: consumerName("whales"),
		BlockFor: 2 * time.Second,
		StartID:  "$",
	}, func(ctx context.Context, msg bus.Message) error {
		raw, ok := msg.Values["data"].(string)
		if !ok {
			return fmt.Errorf("whale alert %s has no data field", msg.ID)
		}
		var alert models.WhaleAlert
		if err := json.Unmarshal([]byte(raw), &alert); err != nil {
			return err
		}
		index, ok := indexes[alert.Chain]
		if !ok {
			return nil
		}
		pair, ok := index.ByAddress(alert.PairAddress)
		if !ok {
			return nil
		}
		direction := -1
		if alert.Amount0Out != nil && alert.Amount0Out.Sign() > 0 {
			direction = 1
		}
		xdet.OnWhaleSignal(alert.Chain, pair.TokenKey(), direction, alert.SuperWhale)
		return nil
	})
	if err := whaleConsumer.Start(ctx); err != nil {
		log.Printf("Warning: whale alert consumer failed to start: %v", err)
	}

	// ─── Risk and execution ──────────────────────────────────────────────
	breakers := execution.NewCircuitBreakerManager(execution.DefaultBreakerConfig(), producer)
	drawdown := risk.NewDrawdownCircuitBreaker(cfg.Risk)

	var nonces *execution.NonceManager
	if cfg.NoncePool.Enabled && hasRPC {
		nonces = execution.NewNonceManager(cfg.NoncePool, rpc)
	} else if cfg.NoncePool.Enabled {
		log.Println("[Main] No RPC endpoints configured, nonce pool disabled")
	}

	var simService *execution.SimulationService
	if hasRPC {
		simService = execution.NewSimulationService(500*time.Millisecond, execution.NewEthCallSimProvider(rpc))
	} else {
		simService = execution.NewSimulationService(500 * time.Millisecond)
	}

	// Until a signing backend is configured, submissions are accepted locally
	// and marked with synthetic hashes so the full pipeline is observable.
	submitter := execution.NewDryRunSubmitter()
	log.Println("[Main] Execution in dry-run mode: transactions are validated but not broadcast")

	engine := execution.NewExecutionEngine(cfg, wallet, execution.EngineDeps{
		Breakers: breakers,
		Drawdown: drawdown,
		Tracker:  risk.NewExecutionProbabilityTracker(),
		EV:       risk.NewEVCalculator(cfg.Risk),
		Kelly:    risk.NewKellyPositionSizer(cfg.Risk),
		Gas:      gas,
		Sim:      simService,
		Nonces:   nonces,
		MEV:      execution.NewMEVProvider(cfg.Chains, submitter),
		Router:   router,
		Results:  producer,
	})
	oppConsumer := bus.NewStreamConsumer(client, bus.ConsumerConfig{
		Stream:   bus.StreamOpportunities,
		Group:    bus.GroupExecutionEngine,
		Consumer: consumerName("engine"),
		MaxCount: 10,
		BlockFor: 2 * time.Second,
		StartID:  "$",
	}, engine.Handler)
	engine.AttachConsumer(oppConsumer)
	engine.Start()
	if err := oppConsumer.Start(ctx); err != nil {
		log.Fatalf("FATAL: opportunity consumer failed to start: %v", err)
	}

	// ─── Persistence and alerting ────────────────────────────────────────
	var ledger *db.TradeLedger
	if cfg.TradeLedgerEnabled && cfg.DatabaseURL != "" {
		ledger, err = db.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Printf("Warning: Failed to connect to PostgreSQL, continuing without trade history. Error: %v", err)
			ledger = nil
		} else {
			defer ledger.Close()
			if err := ledger.InitSchema(); err != nil {
				log.Printf("Warning: DB schema init failed: %v", err)
			}
		}
	}

	var notifier *alerts.WebhookNotifier
	if cfg.WebhookAlertingEnabled {
		if url := os.Getenv("ALERT_WEBHOOK_URL"); url != "" {
			notifier = alerts.NewWebhookNotifier(url)
			notifier.Start()
			defer notifier.Stop()
		} else {
			log.Println("Warning: FEATURE_WEBHOOK_ALERTS is on but ALERT_WEBHOOK_URL is not set")
		}
	}
	notifyFloorUSD := envFloat("ALERT_MIN_PROFIT_USD", 250)

	hub := api.NewHub()
	go hub.Run()

	// Analytics taps: persistence and dashboard broadcast, plus paging on
	// high-value detections. A separate group so the execution engine's
	// consumption is unaffected.
	oppTap := bus.NewStreamConsumer(client, bus.ConsumerConfig{
		Stream:   bus.StreamOpportunities,
		Group:    bus.GroupAnalytics,
		Consumer: consumerName("analytics-opps"),
		BlockFor: 2 * time.Second,
		StartID:  "$",
	}, func(ctx context.Context, msg bus.Message) error {
		raw, ok := msg.Values["data"].(string)
		if !ok {
			return fmt.Errorf("opportunity %s has no data field", msg.ID)
		}
		var o models.Opportunity
		if err := json.Unmarshal([]byte(raw), &o); err != nil {
			return err
		}
		reg.OpportunitiesDetected.WithLabelValues(string(o.Type), o.BuyChain).Inc()
		hub.Broadcast([]byte(raw))
		if ledger != nil {
			if err := ledger.SaveOpportunity(ctx, &o); err != nil {
				log.Printf("[Main] Opportunity persist failed: %v", err)
			}
		}
		if notifier != nil && o.ExpectedProfitUSD >= notifyFloorUSD {
			notifier.NotifyOpportunity(&o)
		}
		return nil
	})
	if err := oppTap.Start(ctx); err != nil {
		log.Printf("Warning: opportunity analytics consumer failed to start: %v", err)
	}

	resultTap := bus.NewStreamConsumer(client, bus.ConsumerConfig{
		Stream:   bus.StreamExecutionResults,
		Group:    bus.GroupAnalytics,
		Consumer: consumerName("analytics-results"),
		BlockFor: 2 * time.Second,
		StartID:  "$",
	}, func(ctx context.Context, msg bus.Message) error {
		raw, ok := msg.Values["data"].(string)
		if !ok {
			return fmt.Errorf("execution result %s has no data field", msg.ID)
		}
		var out models.ExecutionOutcome
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return err
		}
		result := "failure"
		if out.Success {
			result = "success"
		}
		reg.ExecutionsTotal.WithLabelValues(out.Chain, result).Inc()
		reg.ExecutionLatency.Observe(float64(out.LatencyMs) / 1000)
		hub.Broadcast([]byte(raw))
		if ledger != nil {
			if err := ledger.SaveOutcome(ctx, &out); err != nil {
				log.Printf("[Main] Outcome persist failed: %v", err)
			}
		}
		if notifier != nil {
			if state := drawdown.State(time.Now()); state != risk.DrawdownNormal {
				notifier.NotifyDrawdown(string(state), drawdown.DailyPnL().String())
			}
		}
		return nil
	})
	if err := resultTap.Start(ctx); err != nil {
		log.Printf("Warning: result analytics consumer failed to start: %v", err)
	}

	// ─── API ─────────────────────────────────────────────────────────────
	chainNames := make([]string, 0, len(cfg.Chains))
	for _, c := range cfg.Chains {
		chainNames = append(chainNames, c.Name)
	}

	health := func() api.HealthReport {
		components := map[string]string{}
		status := "healthy"

		pingCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := client.Redis().Ping(pingCtx).Err(); err != nil {
			components["redis"] = "down: " + err.Error()
			status = "unhealthy"
		} else {
			components["redis"] = "up"
		}

		components["ingestion"] = fmt.Sprintf("%d/%d chains", len(ingestors), len(cfg.Chains))
		if len(ingestors) == 0 && status == "healthy" {
			status = "degraded"
		}
		if ledger != nil {
			components["ledger"] = "up"
		} else if cfg.TradeLedgerEnabled {
			components["ledger"] = "down"
			if status == "healthy" {
				status = "degraded"
			}
		} else {
			components["ledger"] = "disabled"
		}
		components["drawdown"] = string(drawdown.State(time.Now()))
		return api.HealthReport{Status: status, Components: components}
	}

	r := api.SetupRouter(api.Deps{
		Ledger:   ledger,
		Hub:      hub,
		Metrics:  reg,
		Latency:  latency,
		Breakers: breakers,
		Drawdown: drawdown,
		Engine:   engine,
		Chains:   chainNames,
		Health:   health,
	})
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		log.Printf("Engine running on :%s (API Node: multi-chain-arb-detector)\n", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("FATAL: API server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("[Main] Shutdown signal received, draining...")

	// Stop intake first, then the pipeline stages in data-flow order.
	oppConsumer.Stop(3 * time.Second)
	whaleConsumer.Stop(2 * time.Second)
	oppTap.Stop(2 * time.Second)
	resultTap.Stop(2 * time.Second)
	if healthTap != nil {
		healthTap.Stop(2 * time.Second)
	}
	for _, pw := range pendingWatchers {
		pw.Stop()
	}
	engine.Stop()
	for _, d := range detectors {
		d.Stop()
	}
	for _, d := range statDetectors {
		d.Stop()
	}
	xdet.Stop()
	for _, ing := range ingestors {
		ing.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Main] API shutdown error: %v", err)
	}
	log.Println("[Main] Shutdown complete")
}

// dexLogParams builds the eth_subscribe filter covering every DEX event the
// decoder understands. One subscription per chain keeps the provider's
// subscription budget flat no matter how many pairs register.
func dexLogParams() []interface{} {
	return []interface{}{"logs", map[string]interface{}{
		"topics": []interface{}{[]interface{}{
			chain.TopicSyncV2.Hex(),
			chain.TopicSwapV2.Hex(),
			chain.TopicSwapV3.Hex(),
			chain.TopicPairCreated.Hex(),
			chain.TopicPoolCreated.Hex(),
		}},
	}}
}

// knownFactories maps factory contract addresses to DEX names so
// PairCreated/PoolCreated logs register pairs under the right venue.
func knownFactories(chainName string) map[common.Address]string {
	switch chainName {
	case "ethereum":
		return map[common.Address]string{
			common.HexToAddress("0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f"): "uniswap_v2",
			common.HexToAddress("0x1F98431c8aD98523631AE4a59f267346ea31F984"): "uniswap_v3",
			common.HexToAddress("0xC0AEe478e3658e2610c5F7A4A2E1777cE9e4f2Ac"): "sushiswap",
		}
	case "arbitrum":
		return map[common.Address]string{
			common.HexToAddress("0x1F98431c8aD98523631AE4a59f267346ea31F984"): "uniswap_v3",
			common.HexToAddress("0xc35DADB65012eC5796536bD9864eD8773aBc74C4"): "sushiswap",
		}
	case "base":
		return map[common.Address]string{
			common.HexToAddress("0x33128a8fC17869897dcE68Ed026d694621f6FDfD"): "uniswap_v3",
			common.HexToAddress("0x420DD381b31aEf6683db6B902084cB0FFECe40Da"): "aerodrome",
		}
	case "polygon":
		return map[common.Address]string{
			common.HexToAddress("0x1F98431c8aD98523631AE4a59f267346ea31F984"): "uniswap_v3",
			common.HexToAddress("0x5757371414417b8C6CAad45bAeF941aBc7d3Ab32"): "quickswap",
		}
	default:
		return map[common.Address]string{}
	}
}

// knownRouters maps router contract addresses to DEX names for the pending
// transaction watcher.
func knownRouters(chainName string) map[common.Address]string {
	switch chainName {
	case "ethereum":
		return map[common.Address]string{
			common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"): "uniswap_v2",
			common.HexToAddress("0xE592427A0AEce92De3Edee1F18E0157C05861564"): "uniswap_v3",
			common.HexToAddress("0x3fC91A3afd70395Cd496C647d5a6CC9D4B2b7FAD"): "uniswap_universal",
			common.HexToAddress("0xd9e1cE17f2641f24aE83637ab66a2cca9C378B9F"): "sushiswap",
		}
	case "arbitrum":
		return map[common.Address]string{
			common.HexToAddress("0xE592427A0AEce92De3Edee1F18E0157C05861564"): "uniswap_v3",
			common.HexToAddress("0x1b02dA8Cb0d097eB8D57A175b88c7D8b47997506"): "sushiswap",
		}
	case "base":
		return map[common.Address]string{
			common.HexToAddress("0x2626664c2603336E57B271c5C0b26F421741e481"): "uniswap_v3",
		}
	case "polygon":
		return map[common.Address]string{
			common.HexToAddress("0xE592427A0AEce92De3Edee1F18E0157C05861564"): "uniswap_v3",
			common.HexToAddress("0xa5E0829CaCEd8fFDD4De3c43696c57F7D7A678ff"): "quickswap",
		}
	default:
		return map[common.Address]string{}
	}
}

// dexRouters inverts the router watchlists into the chain -> dex -> router
// shape the batched quoter keys on.
func dexRouters(chains []config.ChainConfig) map[string]map[string]common.Address {
	out := make(map[string]map[string]common.Address)
	for _, c := range chains {
		byDex := make(map[string]common.Address)
		for addr, dex := range knownRouters(c.Name) {
			byDex[dex] = addr
		}
		if len(byDex) > 0 {
			out[c.Name] = byDex
		}
	}
	return out
}

// seedOracle pins the well-known stables at $1 and wrapped natives at each
// chain's configured reference price. Everything else prices lazily once an
// operator adds it.
func seedOracle(oracle *ingest.StaticOracle, chains []config.ChainConfig) {
	type seed struct {
		addr string
		usd  float64 // 0 means use the chain's native reference price
	}
	wellKnown := map[string][]seed{
		"ethereum": {
			{"0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", 0}, // WETH
			{"0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", 1}, // USDC
			{"0xdAC17F958D2ee523a2206206994597C13D831ec7", 1}, // USDT
			{"0x6B175474E89094C44Da98b954EedeAC495271d0F", 1}, // DAI
		},
		"arbitrum": {
			{"0x82aF49447D8a07e3bd95BD0d56f35241523fBab1", 0}, // WETH
			{"0xaf88d065e77c8cC2239327C5EDb3A432268e5831", 1}, // USDC
			{"0xFd086bC7CD5C481DCC9C85ebE478A1C0b69FCbb9", 1}, // USDT
		},
		"base": {
			{"0x4200000000000000000000000000000000000006", 0}, // WETH
			{"0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", 1}, // USDC
		},
		"polygon": {
			{"0x0d500B1d8E8eF31E21C99d1Db9A6444d3ADf1270", 0},    // WMATIC
			{"0x7ceB23fD6bC0adD59E62ac25578270cFf1b9f619", 3000}, // WETH
			{"0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174", 1},    // USDC
		},
	}
	for _, c := range chains {
		for _, s := range wellKnown[c.Name] {
			usd := s.usd
			if usd == 0 {
				usd = c.FallbackNativeUSD
			}
			oracle.SetPrice(c.Name, common.HexToAddress(s.addr), usd)
		}
	}
}

// consumerName derives a stable per-host consumer id for stream groups.
func consumerName(role string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "engine"
	}
	return host + "-" + role
}

func envPrefix(chainName string) string {
	out := make([]rune, 0, len(chainName))
	for _, r := range chainName {
		if r >= 'a' && r <= 'z' {
			r -= 32
		}
		out = append(out, r)
	}
	return string(out)
}

func envFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		var f float64
		if _, err := fmt.Sscanf(val, "%g", &f); err == nil {
			return f
		}
	}
	return fallback
}
