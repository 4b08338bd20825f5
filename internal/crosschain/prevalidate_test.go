package crosschain

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rawblock/arb-engine/pkg/models"
)

func opp(profitUSD float64) *models.Opportunity {
	return &models.Opportunity{ID: "o1", Type: models.OpportunityCrossChain,
		ExpectedProfitUSD: profitUSD}
}

func TestPreValidationRejectsFailedCheck(t *testing.T) {
	v := NewPreValidator(PreValidatorConfig{SampleRate: 1.0, FloorUSD: 50},
		func(ctx context.Context, o *models.Opportunity) (bool, error) { return false, nil })

	if v.Validate(context.Background(), opp(200)) {
		t.Fatal("affirmatively failed check must reject")
	}
	if v.Rejected.Load() != 1 {
		t.Fatalf("rejected = %d, want 1", v.Rejected.Load())
	}
}

func TestPreValidationFailsOpenOnError(t *testing.T) {
	v := NewPreValidator(PreValidatorConfig{SampleRate: 1.0, FloorUSD: 50},
		func(ctx context.Context, o *models.Opportunity) (bool, error) {
			return false, errors.New("provider down")
		})

	if !v.Validate(context.Background(), opp(200)) {
		t.Fatal("errors must fail open")
	}
	if v.Errors.Load() != 1 {
		t.Fatalf("errors = %d, want 1", v.Errors.Load())
	}
}

func TestPreValidationFailsOpenOnTimeout(t *testing.T) {
	v := NewPreValidator(PreValidatorConfig{SampleRate: 1.0, FloorUSD: 50, MaxLatency: 10 * time.Millisecond},
		func(ctx context.Context, o *models.Opportunity) (bool, error) {
			<-ctx.Done()
			return false, ctx.Err()
		})

	if !v.Validate(context.Background(), opp(200)) {
		t.Fatal("timeout must fail open")
	}
}

func TestPreValidationValueFloor(t *testing.T) {
	var calls atomic.Int64
	v := NewPreValidator(PreValidatorConfig{SampleRate: 1.0, FloorUSD: 50},
		func(ctx context.Context, o *models.Opportunity) (bool, error) {
			calls.Add(1)
			return true, nil
		})

	if !v.Validate(context.Background(), opp(20)) {
		t.Fatal("below-floor opportunities pass without a check")
	}
	if calls.Load() != 0 {
		t.Fatal("below-floor opportunities must not consume budget")
	}
}

func TestPreValidationBudgetExhaustion(t *testing.T) {
	var calls atomic.Int64
	v := NewPreValidator(PreValidatorConfig{SampleRate: 1.0, FloorUSD: 50, MonthlyBudget: 2},
		func(ctx context.Context, o *models.Opportunity) (bool, error) {
			calls.Add(1)
			return true, nil
		})

	for i := 0; i < 5; i++ {
		if !v.Validate(context.Background(), opp(200)) {
			t.Fatal("passing checks must not reject")
		}
	}
	if calls.Load() != 2 {
		t.Fatalf("checks = %d, want exactly the monthly budget of 2", calls.Load())
	}
	if v.BudgetRemaining() != 0 {
		t.Fatalf("budget remaining = %d, want 0", v.BudgetRemaining())
	}
}

func TestMLCacheTimeoutReturnsNil(t *testing.T) {
	slow := predictorFunc(func(ctx context.Context, chain, pair string) (MLPrediction, error) {
		<-ctx.Done()
		return MLPrediction{}, ctx.Err()
	})
	c := NewMLCache(slow, 10*time.Millisecond, time.Second)

	if pred := c.Get(context.Background(), "ethereum", wethUsdcKey); pred != nil {
		t.Fatal("timed-out prediction must be nil")
	}
	if c.timeouts.Load() != 1 {
		t.Fatalf("timeouts = %d, want 1", c.timeouts.Load())
	}
}

func TestMLCacheMemoizes(t *testing.T) {
	var calls atomic.Int64
	fast := predictorFunc(func(ctx context.Context, chain, pair string) (MLPrediction, error) {
		calls.Add(1)
		return MLPrediction{Direction: 1, Confidence: 0.8}, nil
	})
	c := NewMLCache(fast, 50*time.Millisecond, time.Second)

	first := c.Get(context.Background(), "ethereum", wethUsdcKey)
	second := c.Get(context.Background(), "ethereum", wethUsdcKey)
	if first == nil || second == nil || first.Direction != 1 {
		t.Fatal("expected a cached aligned prediction")
	}
	if calls.Load() != 1 {
		t.Fatalf("model calls = %d, want 1", calls.Load())
	}
}

type predictorFunc func(ctx context.Context, chain, pair string) (MLPrediction, error)

func (f predictorFunc) Predict(ctx context.Context, chain, pair string) (MLPrediction, error) {
	return f(ctx, chain, pair)
}

func TestBridgeEstimates(t *testing.T) {
	e := NewBridgeCostEstimator()

	if cost := e.Estimate("ethereum", "arbitrum"); cost.FeeUSD != 8 {
		t.Fatalf("known route fee = %.0f, want 8", cost.FeeUSD)
	}
	if cost := e.Estimate("arbitrum", "ethereum"); cost.FeeUSD != 8 {
		t.Fatal("routes must be symmetric")
	}
	if cost := e.Estimate("ethereum", "ethereum"); cost.FeeUSD != 0 {
		t.Fatal("same chain must be free")
	}
	if cost := e.Estimate("ethereum", "unknownchain"); cost != conservativeBridgeCost {
		t.Fatalf("unknown route must use the conservative default, got %+v", cost)
	}
}
