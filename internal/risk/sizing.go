package risk

import "github.com/rawblock/arb-engine/internal/config"

// EVCalculator gates executions on expected value in native-token terms.
type EVCalculator struct {
	minEVETH   float64
	minWinProb float64
}

func NewEVCalculator(cfg config.RiskConfig) *EVCalculator {
	return &EVCalculator{minEVETH: cfg.MinEVThresholdETH, minWinProb: cfg.MinWinProbability}
}

// Evaluate computes EV = p*profit - (1-p)*(gas + loss) and whether it clears
// both the EV floor and the win-probability floor. USD inputs are converted
// at the given native price.
func (c *EVCalculator) Evaluate(winProb, profitUSD, gasUSD, lossUSD, nativeUSD float64) (evETH float64, ok bool) {
	if nativeUSD <= 0 {
		return 0, false
	}
	evUSD := winProb*profitUSD - (1-winProb)*(gasUSD+lossUSD)
	evETH = evUSD / nativeUSD
	return evETH, evETH >= c.minEVETH && winProb >= c.minWinProb
}

// KellyPositionSizer turns a win probability and payoff ratio into the
// fraction of total capital to commit.
type KellyPositionSizer struct {
	multiplier  float64 // fraction of full Kelly, 0.5 = half-Kelly
	maxFraction float64
	minFraction float64
}

func NewKellyPositionSizer(cfg config.RiskConfig) *KellyPositionSizer {
	return &KellyPositionSizer{
		multiplier:  cfg.KellyMultiplier,
		maxFraction: cfg.MaxSingleTradeFraction,
		minFraction: cfg.MinTradeFraction,
	}
}

// Fraction computes f* = (p*b - q) / b scaled by the Kelly multiplier.
// Returns 0 when the position is not worth taking; the cap is always
// enforced.
func (k *KellyPositionSizer) Fraction(winProb, expectedProfit, expectedLoss float64) float64 {
	if expectedLoss <= 0 || expectedProfit <= 0 || winProb <= 0 {
		return 0
	}
	b := expectedProfit / expectedLoss
	f := (winProb*b - (1 - winProb)) / b
	if f <= 0 {
		return 0
	}
	f *= k.multiplier
	if f > k.maxFraction {
		f = k.maxFraction
	}
	if f < k.minFraction {
		return 0
	}
	return f
}
