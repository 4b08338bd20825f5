package risk

import (
	"log"
	"sync"
	"time"

	"github.com/rawblock/arb-engine/internal/config"
	"github.com/shopspring/decimal"
)

// DrawdownState is the capital-protection state machine's position.
type DrawdownState string

const (
	DrawdownNormal   DrawdownState = "NORMAL"
	DrawdownCaution  DrawdownState = "CAUTION"
	DrawdownHalt     DrawdownState = "HALT"
	DrawdownRecovery DrawdownState = "RECOVERY"
)

// sizeMultipliers scale position sizing per state. HALT blocks entirely.
var sizeMultipliers = map[DrawdownState]float64{
	DrawdownNormal:   1.0,
	DrawdownCaution:  0.75,
	DrawdownHalt:     0.0,
	DrawdownRecovery: 0.5,
}

// DrawdownCircuitBreaker tracks daily PnL against total capital and throttles
// or halts trading as losses mount. PnL accounting uses decimals so repeated
// small losses cannot accumulate float error against the thresholds.
type DrawdownCircuitBreaker struct {
	mu sync.Mutex

	capital      decimal.Decimal
	cautionFrac  decimal.Decimal
	haltFrac     decimal.Decimal
	maxLosses    int
	cooldown     time.Duration
	recoveryWins int

	state             DrawdownState
	dailyPnL          decimal.Decimal
	consecutiveLosses int
	winsInRecovery    int
	haltUntil         time.Time
	day               string // UTC date of the current accounting day
}

func NewDrawdownCircuitBreaker(cfg config.RiskConfig) *DrawdownCircuitBreaker {
	return &DrawdownCircuitBreaker{
		capital:      decimal.NewFromFloat(cfg.TotalCapitalETH),
		cautionFrac:  decimal.NewFromFloat(cfg.CautionLossFraction),
		haltFrac:     decimal.NewFromFloat(cfg.MaxDailyLossFraction),
		maxLosses:    cfg.MaxConsecutiveLosses,
		cooldown:     cfg.HaltCooldown,
		recoveryWins: cfg.RecoveryWinsRequired,
		state:        DrawdownNormal,
		day:          time.Now().UTC().Format("2006-01-02"),
	}
}

// RecordOutcome folds one execution result into the day's PnL and advances
// the state machine.
func (b *DrawdownCircuitBreaker) RecordOutcome(pnlETH decimal.Decimal, success bool, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolloverLocked(now)

	b.dailyPnL = b.dailyPnL.Add(pnlETH)
	if success {
		b.consecutiveLosses = 0
		if b.state == DrawdownRecovery {
			b.winsInRecovery++
			if b.winsInRecovery >= b.recoveryWins {
				b.transitionLocked(DrawdownNormal, "recovery wins reached")
			}
		}
	} else {
		b.consecutiveLosses++
		if b.state == DrawdownRecovery {
			b.winsInRecovery = 0
		}
	}

	if b.state == DrawdownHalt || b.state == DrawdownRecovery {
		if b.state == DrawdownRecovery && b.breachLocked(b.haltFrac) {
			b.haltLocked(now, "drawdown re-breached in recovery")
		}
		return
	}

	switch {
	case b.breachLocked(b.haltFrac) || (b.maxLosses > 0 && b.consecutiveLosses >= b.maxLosses):
		b.haltLocked(now, "daily loss or consecutive-loss limit")
	case b.breachLocked(b.cautionFrac):
		b.transitionLocked(DrawdownCaution, "daily loss past caution threshold")
	default:
		if b.state == DrawdownCaution && !b.breachLocked(b.cautionFrac) {
			b.transitionLocked(DrawdownNormal, "loss recovered inside caution")
		}
	}
}

// State reports the current state, applying cooldown expiry and the daily
// reset.
func (b *DrawdownCircuitBreaker) State(now time.Time) DrawdownState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolloverLocked(now)
	if b.state == DrawdownHalt && now.After(b.haltUntil) {
		b.winsInRecovery = 0
		b.transitionLocked(DrawdownRecovery, "halt cooldown expired")
	}
	return b.state
}

// SizeMultiplier is the position scale for the current state.
func (b *DrawdownCircuitBreaker) SizeMultiplier(now time.Time) float64 {
	return sizeMultipliers[b.State(now)]
}

// DailyPnL returns the day's running PnL in ETH.
func (b *DrawdownCircuitBreaker) DailyPnL() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dailyPnL
}

// breachLocked reports whether the day's loss has reached frac of capital.
func (b *DrawdownCircuitBreaker) breachLocked(frac decimal.Decimal) bool {
	if b.dailyPnL.Sign() >= 0 || b.capital.Sign() <= 0 {
		return false
	}
	return b.dailyPnL.Neg().GreaterThanOrEqual(b.capital.Mul(frac))
}

func (b *DrawdownCircuitBreaker) haltLocked(now time.Time, reason string) {
	b.haltUntil = now.Add(b.cooldown)
	b.transitionLocked(DrawdownHalt, reason)
}

func (b *DrawdownCircuitBreaker) transitionLocked(to DrawdownState, reason string) {
	if b.state == to {
		return
	}
	log.Printf("[Drawdown] %s -> %s (%s, dailyPnL=%s)", b.state, to, reason, b.dailyPnL.StringFixed(4))
	b.state = to
}

// rolloverLocked resets all daily accounting at UTC midnight.
func (b *DrawdownCircuitBreaker) rolloverLocked(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if day == b.day {
		return
	}
	b.day = day
	b.dailyPnL = decimal.Zero
	b.consecutiveLosses = 0
	b.winsInRecovery = 0
	b.haltUntil = time.Time{}
	b.transitionLocked(DrawdownNormal, "daily rollover")
}
