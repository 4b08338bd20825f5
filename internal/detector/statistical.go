package detector

import (
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rawblock/arb-engine/internal/config"
	"github.com/rawblock/arb-engine/internal/ingest"
	"github.com/rawblock/arb-engine/internal/pricecache"
	"github.com/rawblock/arb-engine/pkg/models"
)

// Spread-reversion constants. A signal needs an established baseline and a
// deviation wide enough to survive two swap fees.
const (
	statWindow     = 120
	statMinSamples = 30
	statEntryZ     = 2.0

	statFeePerLeg        = 0.003
	statNotionalFraction = 0.005
	statMaxConfidence    = 0.95

	// Reversion plays out over multiple blocks.
	statExpiryFactor = 5
)

// StatArbStats counts the spread-tracking work.
type StatArbStats struct {
	UpdatesScanned atomic.Int64
	SpreadsTracked atomic.Int64
	Signals        atomic.Int64
	Detected       atomic.Int64
	BelowThreshold atomic.Int64
}

// spreadSeries is a fixed-size ring of observed log spreads for one venue
// pair.
type spreadSeries struct {
	buf  []float64
	next int
	n    int
}

func newSpreadSeries(size int) *spreadSeries {
	return &spreadSeries{buf: make([]float64, size)}
}

func (s *spreadSeries) push(v float64) {
	s.buf[s.next] = v
	s.next = (s.next + 1) % len(s.buf)
	if s.n < len(s.buf) {
		s.n++
	}
}

func (s *spreadSeries) stats() (n int, mean, std float64) {
	if s.n == 0 {
		return 0, 0, 0
	}
	var sum float64
	for i := 0; i < s.n; i++ {
		sum += s.buf[i]
	}
	mean = sum / float64(s.n)
	var ss float64
	for i := 0; i < s.n; i++ {
		d := s.buf[i] - mean
		ss += d * d
	}
	return s.n, mean, math.Sqrt(ss / float64(s.n))
}

// StatisticalDetector trades mean reversion of the price spread between two
// venues quoting the same pair. It keys a rolling log-spread series per
// (token pair, venue pair) and signals when the live spread leaves its
// trailing band. Feature-flagged; runs beside the cross-dex detector on the
// same update hook.
type StatisticalDetector struct {
	cfg    config.ChainConfig
	index  *ingest.PairIndex
	oracle ingest.PriceOracle
	gas    *pricecache.GasPriceCache
	sink   opportunitySink

	mu     sync.Mutex
	series map[string]*spreadSeries

	isStopping atomic.Bool

	Stats StatArbStats
}

func NewStatisticalDetector(cfg config.ChainConfig, index *ingest.PairIndex, oracle ingest.PriceOracle,
	gas *pricecache.GasPriceCache, sink opportunitySink) *StatisticalDetector {
	return &StatisticalDetector{
		cfg:    cfg,
		index:  index,
		oracle: oracle,
		gas:    gas,
		sink:   sink,
		series: make(map[string]*spreadSeries),
	}
}

// Stop flips the stopping guard. New updates are ignored from this point on.
func (d *StatisticalDetector) Stop() {
	if d.isStopping.Swap(true) {
		return
	}
	log.Printf("[StatArb:%s] Stopped after %d updates, %d signals, %d opportunities",
		d.cfg.Name, d.Stats.UpdatesScanned.Load(), d.Stats.Signals.Load(), d.Stats.Detected.Load())
}

// OnPriceUpdate is the ingestion hook: refresh the spread series against every
// same-token sibling on a different venue and emit when one dislocates.
func (d *StatisticalDetector) OnPriceUpdate(u *models.PriceUpdate) {
	if d.isStopping.Load() {
		return
	}
	d.Stats.UpdatesScanned.Add(1)

	updated, ok := d.index.ByAddress(u.PairAddress)
	if !ok {
		return
	}
	for _, other := range d.index.ByTokens(updated.TokenKey()) {
		if other.PairAddress == updated.PairAddress || other.Dex == updated.Dex {
			continue
		}
		d.observe(updated, other)
	}
}

// observe folds one venue-pair spread sample into its series and emits an
// opportunity when the deviation clears the entry threshold.
func (d *StatisticalDetector) observe(updated, other *models.TokenPair) {
	ur0, ur1 := updated.SnapshotReserves()
	or0, or1 := other.SnapshotReserves()
	updatedMid := models.MidPriceFromReserves(ur0, ur1, updated.Decimals0, updated.Decimals1)
	otherMid := models.MidPriceFromReserves(or0, or1, other.Decimals0, other.Decimals1)
	if updatedMid <= 0 || otherMid <= 0 {
		return
	}

	// Venue order in the series key is fixed by dex name so both update
	// directions land in the same series with a consistent sign.
	a, b := updated, other
	midA, midB := updatedMid, otherMid
	if b.Dex < a.Dex {
		a, b = b, a
		midA, midB = midB, midA
	}
	spread := math.Log(midA / midB)

	key := a.TokenKey() + "|" + a.Dex + ">" + b.Dex
	d.mu.Lock()
	series := d.series[key]
	if series == nil {
		series = newSpreadSeries(statWindow)
		d.series[key] = series
		d.Stats.SpreadsTracked.Add(1)
	}
	n, mean, std := series.stats()
	series.push(spread)
	d.mu.Unlock()

	if n < statMinSamples || std <= 0 {
		return
	}
	z := (spread - mean) / std
	if math.Abs(z) < statEntryZ {
		return
	}
	d.Stats.Signals.Add(1)

	// Positive z means venue A trades rich against its own baseline: buy on
	// B, sell on A. Negative z is the mirror.
	buy, sell := a, b
	if z > 0 {
		buy, sell = b, a
	}
	if opp := d.buildReversion(buy, sell, z, std); opp != nil {
		if d.sink.Publish(opp) {
			d.Stats.Detected.Add(1)
		}
	}
}

// buildReversion sizes a two-leg position against the expected snap back to
// the trailing mean. Returns nil when fees and gas eat the edge.
func (d *StatisticalDetector) buildReversion(buy, sell *models.TokenPair, z, std float64) *models.Opportunity {
	buyMid := buy.MidPrice()
	if buyMid <= 0 {
		return nil
	}
	quoteUSD, ok := d.quoteTokenUSD(buy, buyMid)
	if !ok {
		return nil
	}

	_, buyR1 := buy.SnapshotReserves()
	buyQuote := reserveFloat(buyR1, buy.Decimals1)
	amountIn := buyQuote * statNotionalFraction
	if amountIn <= 0 {
		return nil
	}
	liquidityUSD := 2 * buyQuote * quoteUSD

	// Expected reversion is the distance back to the mean, in log terms close
	// to a fractional move for small spreads.
	edge := math.Abs(z)*std - 2*statFeePerLeg - baseSlippage - liquidityPenalty(liquidityUSD)
	if edge <= 0 {
		return nil
	}

	gasUSD := d.gas.EstimateGasCostUSD(d.cfg.Name, 2*pricecache.GasSimpleSwap)
	profitUSD := amountIn*edge*quoteUSD - gasUSD
	if profitUSD < d.cfg.MinProfitUSD || edge*100 < d.cfg.MinProfitPct {
		d.Stats.BelowThreshold.Add(1)
		return nil
	}

	now := time.Now().UnixMilli()
	return &models.Opportunity{
		ID:        uuid.NewString(),
		Type:      models.OpportunityStatistical,
		BuyChain:  d.cfg.Name,
		SellChain: d.cfg.Name,
		BuyDex:    buy.Dex,
		SellDex:   sell.Dex,
		TokenIn:   buy.Token1,
		TokenOut:  buy.Token1,
		Path: []models.SwapStep{
			{TokenIn: buy.Token1, TokenOut: buy.Token0, Dex: buy.Dex, Chain: d.cfg.Name,
				AmountIn: amountToRaw(amountIn, buy.Decimals1)},
			{TokenIn: sell.Token0, TokenOut: sell.Token1, Dex: sell.Dex, Chain: d.cfg.Name},
		},
		AmountIn:          amountToRaw(amountIn, buy.Decimals1),
		ExpectedAmountOut: amountToRaw(amountIn*(1+edge), buy.Decimals1),
		ExpectedProfitUSD: profitUSD,
		ProfitPercentage:  edge * 100,
		GasEstimateUSD:    gasUSD,
		Confidence:        math.Min(statMaxConfidence, math.Abs(z)/4),
		DetectedAtMs:      now,
		ExpiresAtMs:       now + d.cfg.ExpiryMs*statExpiryFactor,
	}
}

func (d *StatisticalDetector) quoteTokenUSD(pair *models.TokenPair, mid float64) (float64, bool) {
	if usd, ok := d.oracle.TokenPriceUSD(d.cfg.Name, pair.Token1); ok {
		return usd, true
	}
	if usd, ok := d.oracle.TokenPriceUSD(d.cfg.Name, pair.Token0); ok && mid > 0 {
		return usd / mid, true
	}
	return 0, false
}
