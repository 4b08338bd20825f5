package detector

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rawblock/arb-engine/internal/pricecache"
	"github.com/rawblock/arb-engine/pkg/models"
)

const (
	hopFee = 0.997 // 0.3% per leg

	// searchExpansionCap bounds one cycle search so a dense token graph
	// cannot stall the detection path.
	searchExpansionCap = 5000
)

// workerPool runs heavy path searches off the update-driven loop.
type workerPool struct {
	mu      sync.RWMutex
	jobs    chan func()
	stopped bool

	wg sync.WaitGroup
}

func newWorkerPool(workers, queue int) *workerPool {
	p := &workerPool{jobs: make(chan func(), queue)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				job()
			}
		}()
	}
	return p
}

// submit enqueues a job without blocking. False means the caller should run
// the job itself. The read lock excludes a concurrent close of the job
// channel.
func (p *workerPool) submit(job func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return false
	}
	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

func (p *workerPool) stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}

// searchMultiLeg looks for profitable cycles through the updated pair's base
// token. Searches of depth 5 and beyond go to the worker pool; shallower
// ones, and pool overflow, run inline.
func (d *ChainDetector) searchMultiLeg(updated *models.TokenPair) {
	if d.maxHops < 3 {
		return
	}
	d.Stats.MultiLegSearches.Add(1)

	job := func() {
		if !d.isStopping.Load() {
			d.runCycleSearch(updated.Token0)
		}
	}
	if d.maxHops >= 5 && d.pool.submit(job) {
		return
	}
	d.Stats.MultiLegInline.Add(1)
	job()
}

// runCycleSearch walks the token graph depth-first from start, compounding
// per-hop mid rates with the swap fee. A cycle whose compounded rate clears
// the chain's percentage threshold becomes an opportunity.
func (d *ChainDetector) runCycleSearch(start common.Address) {
	adj := make(map[common.Address][]*models.TokenPair)
	d.index.Range(func(pair *models.TokenPair) bool {
		adj[pair.Token0] = append(adj[pair.Token0], pair)
		adj[pair.Token1] = append(adj[pair.Token1], pair)
		return true
	})

	expansions := 0
	var path []*models.TokenPair
	var steps []models.SwapStep

	var walk func(token common.Address, rate float64)
	walk = func(token common.Address, rate float64) {
		if expansions >= searchExpansionCap || d.isStopping.Load() {
			return
		}
		if token == start && len(path) >= 3 {
			if rate > 1+d.cfg.MinProfitPct/100 {
				d.emitCycle(steps, path, rate)
			}
			return
		}
		if len(path) >= d.maxHops {
			return
		}
		for _, pair := range adj[token] {
			if onPath(path, pair) {
				continue
			}
			next, hopRate := hop(pair, token)
			if hopRate <= 0 {
				continue
			}
			expansions++
			path = append(path, pair)
			steps = append(steps, models.SwapStep{
				TokenIn: token, TokenOut: next, Dex: pair.Dex, Chain: pair.Chain,
			})
			walk(next, rate*hopRate*hopFee)
			path = path[:len(path)-1]
			steps = steps[:len(steps)-1]
		}
	}
	walk(start, 1)
}

// hop returns the far token and the mid-price exchange rate for entering the
// pair with the given token.
func hop(pair *models.TokenPair, token common.Address) (common.Address, float64) {
	mid := pair.MidPrice()
	if mid <= 0 {
		return common.Address{}, 0
	}
	if token == pair.Token0 {
		return pair.Token1, mid
	}
	if token == pair.Token1 {
		return pair.Token0, 1 / mid
	}
	return common.Address{}, 0
}

func onPath(path []*models.TokenPair, pair *models.TokenPair) bool {
	for _, p := range path {
		if p.PairAddress == pair.PairAddress {
			return true
		}
	}
	return false
}

// emitCycle sizes and publishes one profitable cycle.
func (d *ChainDetector) emitCycle(steps []models.SwapStep, path []*models.TokenPair, rate float64) {
	first := path[0]
	startToken := steps[0].TokenIn

	usd, ok := d.oracle.TokenPriceUSD(d.cfg.Name, startToken)
	if !ok {
		return
	}
	r0, r1 := first.SnapshotReserves()
	var startReserve float64
	if startToken == first.Token0 {
		startReserve = reserveFloat(r0, first.Decimals0)
	} else {
		startReserve = reserveFloat(r1, first.Decimals1)
	}
	amountIn := startReserve * 0.01
	if amountIn <= 0 {
		return
	}

	hops := len(steps)
	gasUnits := pricecache.GasTriangularArb
	oppType := models.OpportunityTriangular
	if hops > 3 {
		gasUnits = pricecache.MultiLegGas(hops)
		oppType = models.OpportunityMultiLeg
	}
	gasUSD := d.gas.EstimateGasCostUSD(d.cfg.Name, gasUnits)

	profitUSD := amountIn*(rate-1)*usd - gasUSD
	if profitUSD < d.cfg.MinProfitUSD {
		d.Stats.BelowThreshold.Add(1)
		return
	}

	decimals := first.Decimals0
	if startToken == first.Token1 {
		decimals = first.Decimals1
	}
	now := time.Now().UnixMilli()
	pathCopy := make([]models.SwapStep, len(steps))
	copy(pathCopy, steps)
	pathCopy[0].AmountIn = amountToRaw(amountIn, decimals)

	opp := &models.Opportunity{
		ID:                uuid.NewString(),
		Type:              oppType,
		BuyChain:          d.cfg.Name,
		SellChain:         d.cfg.Name,
		BuyDex:            pathCopy[0].Dex,
		SellDex:           pathCopy[len(pathCopy)-1].Dex,
		TokenIn:           startToken,
		TokenOut:          startToken,
		Path:              pathCopy,
		AmountIn:          amountToRaw(amountIn, decimals),
		ExpectedAmountOut: amountToRaw(amountIn*rate, decimals),
		ExpectedProfitUSD: profitUSD,
		ProfitPercentage:  (rate - 1) * 100,
		GasEstimateUSD:    gasUSD,
		Confidence:        d.cfg.Confidence,
		DetectedAtMs:      now,
		ExpiresAtMs:       now + d.cfg.ExpiryMs,
	}
	if d.sink.Publish(opp) {
		d.Stats.Detected.Add(1)
	}
}
