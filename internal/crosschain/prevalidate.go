package crosschain

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rawblock/arb-engine/pkg/models"
)

// RevenueCheck verifies an opportunity's revenue against live chain state,
// typically a cheap eth_call simulation. Premium simulation quota is reserved
// for execution time.
type RevenueCheck func(ctx context.Context, o *models.Opportunity) (profitable bool, err error)

// PreValidatorConfig tunes the sampling gate.
type PreValidatorConfig struct {
	SampleRate    float64       // fraction of eligible opportunities checked
	FloorUSD      float64       // skip checks below this expected profit
	MaxLatency    time.Duration // hard cap per check
	MonthlyBudget int           // simulations per calendar month
}

// PreValidator filters opportunities likely to fail execution, at detection
// time. Every failure mode is fail-open: a broken or exhausted validator must
// never block a valid opportunity.
type PreValidator struct {
	cfg   PreValidatorConfig
	check RevenueCheck

	mu        sync.Mutex
	month     string
	usedMonth int
	rng       *rand.Rand

	Checked  atomic.Int64
	Rejected atomic.Int64
	Errors   atomic.Int64
	Skipped  atomic.Int64
}

func NewPreValidator(cfg PreValidatorConfig, check RevenueCheck) *PreValidator {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 0.1
	}
	if cfg.MaxLatency <= 0 {
		cfg.MaxLatency = 100 * time.Millisecond
	}
	return &PreValidator{
		cfg:   cfg,
		check: check,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Validate returns false only when a sampled revenue check affirmatively
// failed. Everything else passes.
func (v *PreValidator) Validate(ctx context.Context, o *models.Opportunity) bool {
	if v.check == nil || o.ExpectedProfitUSD < v.cfg.FloorUSD {
		v.Skipped.Add(1)
		return true
	}

	v.mu.Lock()
	month := time.Now().UTC().Format("2006-01")
	if month != v.month {
		v.month = month
		v.usedMonth = 0
	}
	overBudget := v.cfg.MonthlyBudget > 0 && v.usedMonth >= v.cfg.MonthlyBudget
	sampled := v.rng.Float64() < v.cfg.SampleRate
	if !overBudget && sampled {
		v.usedMonth++
	}
	v.mu.Unlock()

	if overBudget || !sampled {
		v.Skipped.Add(1)
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, v.cfg.MaxLatency)
	defer cancel()

	v.Checked.Add(1)
	profitable, err := v.check(ctx, o)
	if err != nil {
		v.Errors.Add(1)
		return true // fail-open
	}
	if !profitable {
		v.Rejected.Add(1)
		log.Printf("[PreValidation] Rejected %s opportunity %s: revenue check failed", o.Type, o.ID)
		return false
	}
	return true
}

// BudgetRemaining reports the current month's unused simulation quota.
func (v *PreValidator) BudgetRemaining() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cfg.MonthlyBudget <= 0 {
		return -1
	}
	remaining := v.cfg.MonthlyBudget - v.usedMonth
	if remaining < 0 {
		return 0
	}
	return remaining
}
