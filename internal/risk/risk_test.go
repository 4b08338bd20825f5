package risk

import (
	"testing"
	"time"

	"github.com/rawblock/arb-engine/internal/config"
	"github.com/shopspring/decimal"
)

func riskConfig() config.RiskConfig {
	return config.RiskConfig{
		TotalCapitalETH:        10,
		MaxDailyLossFraction:   0.05,
		CautionLossFraction:    0.03,
		MinEVThresholdETH:      0.005,
		KellyMultiplier:        0.5,
		MaxSingleTradeFraction: 0.02,
		MinTradeFraction:       0.001,
		MinWinProbability:      0.55,
		MaxConsecutiveLosses:   5,
		HaltCooldown:           time.Hour,
		RecoveryWinsRequired:   3,
	}
}

func TestTrackerDefaultBelowMinSamples(t *testing.T) {
	tr := NewExecutionProbabilityTracker()
	key := TrackerKey("ethereum", "uniswap_v3", 2, 14, 20)

	for i := 0; i < 9; i++ {
		tr.Record(key, true)
	}
	if got := tr.WinProbability(key); got != defaultWinProb {
		t.Fatalf("below min samples probability = %.2f, want default %.2f", got, defaultWinProb)
	}

	tr.Record(key, false) // tenth sample
	if got := tr.WinProbability(key); got != 0.9 {
		t.Fatalf("probability = %.2f, want 0.9", got)
	}
}

func TestTrackerBounded(t *testing.T) {
	tr := NewExecutionProbabilityTracker()
	key := TrackerKey("ethereum", "uniswap_v3", 2, 14, 20)
	for i := 0; i < trackerMaxPerKey+100; i++ {
		tr.Record(key, true)
	}
	if got := tr.Samples(key); got != trackerMaxPerKey {
		t.Fatalf("samples = %d, want bounded at %d", got, trackerMaxPerKey)
	}
}

func TestGasBuckets(t *testing.T) {
	tests := []struct {
		gwei float64
		want string
	}{
		{5, "low"}, {20, "mid"}, {50, "high"}, {200, "extreme"},
	}
	for _, tt := range tests {
		if got := gasBucket(tt.gwei); got != tt.want {
			t.Errorf("gasBucket(%.0f) = %s, want %s", tt.gwei, got, tt.want)
		}
	}
}

func TestEVCalculator(t *testing.T) {
	ev := NewEVCalculator(riskConfig())

	// p=0.7, profit $100, gas $15, loss $20: EV = 70 - 0.3*35 = $59.5 = ~0.0198 ETH.
	got, ok := ev.Evaluate(0.7, 100, 15, 20, 3000)
	if !ok {
		t.Fatal("clearly positive EV must pass")
	}
	if got < 0.019 || got > 0.021 {
		t.Fatalf("EV = %.4f ETH, want ~0.0198", got)
	}

	// Positive EV but win probability below floor.
	if _, ok := ev.Evaluate(0.5, 1000, 15, 20, 3000); ok {
		t.Fatal("win probability below floor must fail")
	}

	// Tiny EV below the 0.005 ETH threshold.
	if _, ok := ev.Evaluate(0.7, 10, 5, 5, 3000); ok {
		t.Fatal("EV below threshold must fail")
	}
}

func TestKellyHalfAndCap(t *testing.T) {
	k := NewKellyPositionSizer(riskConfig())

	// p=0.7, b=2: full Kelly = (1.4-0.3)/2 = 0.55; half = 0.275; capped at 0.02.
	if got := k.Fraction(0.7, 200, 100); got != 0.02 {
		t.Fatalf("fraction = %.4f, want capped 0.02", got)
	}

	// Negative-edge bet sizes to zero.
	if got := k.Fraction(0.3, 100, 100); got != 0 {
		t.Fatalf("negative edge fraction = %.4f, want 0", got)
	}

	// Tiny positive edge below the min fraction is skipped.
	if got := k.Fraction(0.5005, 100, 100); got != 0 {
		t.Fatalf("sub-minimum fraction = %.6f, want 0", got)
	}
}

func TestDrawdownHaltAtFivePercent(t *testing.T) {
	b := NewDrawdownCircuitBreaker(riskConfig())
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	// -0.6 ETH on 10 ETH capital = 6% daily loss.
	b.RecordOutcome(decimal.NewFromFloat(-0.6), false, now)

	if got := b.State(now); got != DrawdownHalt {
		t.Fatalf("state = %s, want HALT", got)
	}
	if got := b.SizeMultiplier(now); got != 0 {
		t.Fatalf("halt multiplier = %.2f, want 0", got)
	}
}

func TestDrawdownCautionThenRecoverThenNormal(t *testing.T) {
	b := NewDrawdownCircuitBreaker(riskConfig())
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	b.RecordOutcome(decimal.NewFromFloat(-0.35), false, now) // 3.5% loss
	if got := b.State(now); got != DrawdownCaution {
		t.Fatalf("state = %s, want CAUTION", got)
	}
	if got := b.SizeMultiplier(now); got != 0.75 {
		t.Fatalf("caution multiplier = %.2f, want 0.75", got)
	}

	b.RecordOutcome(decimal.NewFromFloat(0.2), true, now) // back above 3%
	if got := b.State(now); got != DrawdownNormal {
		t.Fatalf("state = %s, want NORMAL after recovering the loss", got)
	}
}

func TestDrawdownConsecutiveLossHalt(t *testing.T) {
	b := NewDrawdownCircuitBreaker(riskConfig())
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		b.RecordOutcome(decimal.NewFromFloat(-0.01), false, now)
	}
	if got := b.State(now); got != DrawdownHalt {
		t.Fatalf("state = %s, want HALT after 5 consecutive losses", got)
	}
}

func TestDrawdownCooldownAndRecoveryWins(t *testing.T) {
	b := NewDrawdownCircuitBreaker(riskConfig())
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	b.RecordOutcome(decimal.NewFromFloat(-0.6), false, now)

	// Cooldown not yet elapsed.
	if got := b.State(now.Add(30 * time.Minute)); got != DrawdownHalt {
		t.Fatalf("state = %s, want HALT inside cooldown", got)
	}

	after := now.Add(61 * time.Minute)
	if got := b.State(after); got != DrawdownRecovery {
		t.Fatalf("state = %s, want RECOVERY after cooldown", got)
	}
	if got := b.SizeMultiplier(after); got != 0.5 {
		t.Fatalf("recovery multiplier = %.2f, want 0.5", got)
	}

	for i := 0; i < 3; i++ {
		b.RecordOutcome(decimal.NewFromFloat(0.3), true, after)
	}
	if got := b.State(after); got != DrawdownNormal {
		t.Fatalf("state = %s, want NORMAL after 3 recovery wins", got)
	}
}

func TestDrawdownDailyRollover(t *testing.T) {
	b := NewDrawdownCircuitBreaker(riskConfig())
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	b.RecordOutcome(decimal.NewFromFloat(-0.6), false, now)
	if got := b.State(now); got != DrawdownHalt {
		t.Fatalf("state = %s, want HALT", got)
	}

	tomorrow := now.Add(25 * time.Hour)
	if got := b.State(tomorrow); got != DrawdownNormal {
		t.Fatalf("state = %s, want NORMAL after UTC rollover", got)
	}
	if !b.DailyPnL().IsZero() {
		t.Fatalf("daily PnL = %s, want 0 after rollover", b.DailyPnL())
	}
}
