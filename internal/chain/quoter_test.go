package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rawblock/arb-engine/pkg/models"
)

var (
	quoteTok = common.HexToAddress("0x0101")
	baseTok  = common.HexToAddress("0x0202")
	midTok   = common.HexToAddress("0x0303")

	uniRouter   = common.HexToAddress("0x1001")
	sushiRouter = common.HexToAddress("0x1002")
)

// fakeBatchCaller decodes each eth_call's getAmountsOut arguments and answers
// through the respond hook, mirroring how a V2 router would.
type fakeBatchCaller struct {
	batches int
	respond func(amountIn *big.Int, path []common.Address) ([]*big.Int, error)
}

func (f *fakeBatchCaller) BatchCallContext(ctx context.Context, elems []rpc.BatchElem) error {
	f.batches++
	for i := range elems {
		elem := &elems[i]
		if elem.Method != "eth_call" {
			return errors.New("unexpected method " + elem.Method)
		}
		call := elem.Args[0].(map[string]interface{})
		data := []byte(call["data"].(hexutil.Bytes))
		vals, err := getAmountsOutArgs.Unpack(data[4:])
		if err != nil {
			return err
		}
		amounts, err := f.respond(vals[0].(*big.Int), vals[1].([]common.Address))
		if err != nil {
			elem.Error = err
			continue
		}
		raw, err := amountsOutReturn.Pack(amounts)
		if err != nil {
			return err
		}
		*elem.Result.(*hexutil.Bytes) = raw
	}
	return nil
}

func quoterFixture(respond func(*big.Int, []common.Address) ([]*big.Int, error)) (*BatchedQuoter, *fakeBatchCaller) {
	caller := &fakeBatchCaller{respond: respond}
	src := &fakeBatchSource{callers: map[string]BatchCaller{"ethereum": caller}}
	routers := map[string]map[string]common.Address{
		"ethereum": {
			"uniswap_v2": uniRouter,
			"sushiswap":  sushiRouter,
		},
	}
	return NewBatchedQuoter(src, routers), caller
}

type fakeBatchSource struct {
	callers map[string]BatchCaller
}

func (f *fakeBatchSource) BatchCaller(chain string) (BatchCaller, bool) {
	c, ok := f.callers[chain]
	if !ok {
		return nil, false
	}
	return c, true
}

func TestQuoteBatchOneRoundTrip(t *testing.T) {
	q, caller := quoterFixture(func(in *big.Int, path []common.Address) ([]*big.Int, error) {
		out := new(big.Int).Mul(in, big.NewInt(2))
		return []*big.Int{in, out}, nil
	})

	reqs := []QuoteRequest{
		{Router: uniRouter, AmountIn: big.NewInt(100), Path: []common.Address{quoteTok, baseTok}},
		{Router: sushiRouter, AmountIn: big.NewInt(300), Path: []common.Address{baseTok, quoteTok}},
	}
	results, err := q.QuoteBatch(context.Background(), "ethereum", reqs)
	if err != nil {
		t.Fatalf("QuoteBatch: %v", err)
	}
	if caller.batches != 1 {
		t.Fatalf("rpc round trips = %d, want 1", caller.batches)
	}
	if results[0].AmountOut.Int64() != 200 || results[1].AmountOut.Int64() != 600 {
		t.Fatalf("amounts = %v, %v, want 200, 600", results[0].AmountOut, results[1].AmountOut)
	}
	if q.Stats.Batches.Load() != 1 || q.Stats.Calls.Load() != 2 || q.Stats.Failures.Load() != 0 {
		t.Fatalf("stats = %d/%d/%d, want 1/2/0",
			q.Stats.Batches.Load(), q.Stats.Calls.Load(), q.Stats.Failures.Load())
	}
}

func TestQuoteBatchIsolatesElementErrors(t *testing.T) {
	q, _ := quoterFixture(func(in *big.Int, path []common.Address) ([]*big.Int, error) {
		if path[0] == baseTok {
			return nil, errors.New("execution reverted")
		}
		return []*big.Int{in, new(big.Int).Add(in, big.NewInt(1))}, nil
	})

	results, err := q.QuoteBatch(context.Background(), "ethereum", []QuoteRequest{
		{Router: uniRouter, AmountIn: big.NewInt(10), Path: []common.Address{baseTok, quoteTok}},
		{Router: uniRouter, AmountIn: big.NewInt(10), Path: []common.Address{quoteTok, baseTok}},
	})
	if err != nil {
		t.Fatalf("QuoteBatch: %v", err)
	}
	if results[0].Err == nil {
		t.Fatal("reverted element must carry its error")
	}
	if results[1].Err != nil || results[1].AmountOut.Int64() != 11 {
		t.Fatalf("healthy element = %v / %v, want 11 / nil", results[1].AmountOut, results[1].Err)
	}
	if q.Stats.Failures.Load() != 1 {
		t.Fatalf("failures = %d, want 1", q.Stats.Failures.Load())
	}
}

func TestQuoteBatchUnknownChain(t *testing.T) {
	q, _ := quoterFixture(nil)
	if _, err := q.QuoteBatch(context.Background(), "solana", []QuoteRequest{
		{Router: uniRouter, AmountIn: big.NewInt(1), Path: []common.Address{quoteTok, baseTok}},
	}); err == nil {
		t.Fatal("chain without an rpc client must error")
	}
}

func TestRecheckCompoundsSameRouterHops(t *testing.T) {
	var gotPath []common.Address
	q, caller := quoterFixture(func(in *big.Int, path []common.Address) ([]*big.Int, error) {
		gotPath = path
		// 5% round-trip gain regardless of hops.
		out := new(big.Int).Div(new(big.Int).Mul(in, big.NewInt(105)), big.NewInt(100))
		return []*big.Int{in, out}, nil
	})

	opp := &models.Opportunity{
		AmountIn:          big.NewInt(1_000_000),
		ExpectedAmountOut: big.NewInt(1_040_000),
		Path: []models.SwapStep{
			{TokenIn: quoteTok, TokenOut: baseTok, Dex: "uniswap_v2", Chain: "ethereum"},
			{TokenIn: baseTok, TokenOut: midTok, Dex: "uniswap_v2", Chain: "ethereum"},
			{TokenIn: midTok, TokenOut: quoteTok, Dex: "uniswap_v2", Chain: "ethereum"},
		},
	}
	ok, err := q.RecheckOpportunity(context.Background(), opp)
	if err != nil {
		t.Fatalf("RecheckOpportunity: %v", err)
	}
	if !ok {
		t.Fatal("a 5% quote against a 4% expectation must pass")
	}
	if caller.batches != 1 {
		t.Fatalf("rpc round trips = %d, want 1 for a single-router cycle", caller.batches)
	}
	if len(gotPath) != 4 || gotPath[0] != quoteTok || gotPath[3] != quoteTok {
		t.Fatalf("quoted path = %v, want the full 4-token cycle", gotPath)
	}
}

func TestRecheckChainsCrossRouterSegments(t *testing.T) {
	tests := []struct {
		name    string
		sellOut int64
		want    bool
	}{
		{"spread intact", 10_500, true},
		{"within tolerance", 10_450, true},
		{"spread collapsed", 10_300, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, caller := quoterFixture(func(in *big.Int, path []common.Address) ([]*big.Int, error) {
				if path[0] == quoteTok {
					return []*big.Int{in, big.NewInt(500)}, nil
				}
				// The sell segment must be fed the buy segment's output.
				if in.Int64() != 500 {
					return nil, errors.New("sell leg input mismatch")
				}
				return []*big.Int{in, big.NewInt(tt.sellOut)}, nil
			})

			opp := &models.Opportunity{
				AmountIn:          big.NewInt(10_000),
				ExpectedAmountOut: big.NewInt(10_500),
				Path: []models.SwapStep{
					{TokenIn: quoteTok, TokenOut: baseTok, Dex: "uniswap_v2", Chain: "ethereum"},
					{TokenIn: baseTok, TokenOut: quoteTok, Dex: "sushiswap", Chain: "ethereum"},
				},
			}
			got, err := q.RecheckOpportunity(context.Background(), opp)
			if err != nil {
				t.Fatalf("RecheckOpportunity: %v", err)
			}
			if got != tt.want {
				t.Fatalf("verdict = %v, want %v", got, tt.want)
			}
			if caller.batches != 2 {
				t.Fatalf("rpc round trips = %d, want 2 for two routers", caller.batches)
			}
		})
	}
}

func TestRecheckRejectsRevertedSegment(t *testing.T) {
	q, _ := quoterFixture(func(in *big.Int, path []common.Address) ([]*big.Int, error) {
		return nil, errors.New("execution reverted")
	})
	opp := &models.Opportunity{
		AmountIn:          big.NewInt(10_000),
		ExpectedAmountOut: big.NewInt(10_500),
		Path: []models.SwapStep{
			{TokenIn: quoteTok, TokenOut: baseTok, Dex: "uniswap_v2", Chain: "ethereum"},
		},
	}
	ok, err := q.RecheckOpportunity(context.Background(), opp)
	if err != nil {
		t.Fatalf("RecheckOpportunity: %v", err)
	}
	if ok {
		t.Fatal("a reverting quote means the spread is gone")
	}
}

func TestRecheckUnknownRouterErrors(t *testing.T) {
	q, _ := quoterFixture(func(in *big.Int, path []common.Address) ([]*big.Int, error) {
		return []*big.Int{in, in}, nil
	})
	opp := &models.Opportunity{
		AmountIn:          big.NewInt(10_000),
		ExpectedAmountOut: big.NewInt(10_500),
		Path: []models.SwapStep{
			{TokenIn: quoteTok, TokenOut: baseTok, Dex: "pancakeswap", Chain: "ethereum"},
		},
	}
	if _, err := q.RecheckOpportunity(context.Background(), opp); err == nil {
		t.Fatal("a venue without a known router must error so callers can fall back")
	}
}

func TestRecheckNeedsSizedPath(t *testing.T) {
	q, _ := quoterFixture(nil)
	if _, err := q.RecheckOpportunity(context.Background(), &models.Opportunity{}); err == nil {
		t.Fatal("an unsized opportunity must error")
	}
}

func TestSplitPathSegments(t *testing.T) {
	step := func(in, out common.Address, dex, chain string) models.SwapStep {
		return models.SwapStep{TokenIn: in, TokenOut: out, Dex: dex, Chain: chain}
	}
	tests := []struct {
		name      string
		path      []models.SwapStep
		wantSegs  int
		wantFirst int // token count in the first segment
	}{
		{
			"chained single router",
			[]models.SwapStep{
				step(quoteTok, baseTok, "uniswap_v2", "ethereum"),
				step(baseTok, midTok, "uniswap_v2", "ethereum"),
				step(midTok, quoteTok, "uniswap_v2", "ethereum"),
			},
			1, 4,
		},
		{
			"router switch splits",
			[]models.SwapStep{
				step(quoteTok, baseTok, "uniswap_v2", "ethereum"),
				step(baseTok, quoteTok, "sushiswap", "ethereum"),
			},
			2, 2,
		},
		{
			"chain switch splits",
			[]models.SwapStep{
				step(quoteTok, baseTok, "uniswap_v3", "ethereum"),
				step(baseTok, quoteTok, "uniswap_v3", "arbitrum"),
			},
			2, 2,
		},
		{
			"unchained tokens split",
			[]models.SwapStep{
				step(quoteTok, baseTok, "uniswap_v2", "ethereum"),
				step(midTok, quoteTok, "uniswap_v2", "ethereum"),
			},
			2, 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			segs := splitPath(tt.path)
			if len(segs) != tt.wantSegs {
				t.Fatalf("segments = %d, want %d", len(segs), tt.wantSegs)
			}
			if len(segs[0].tokens) != tt.wantFirst {
				t.Fatalf("first segment tokens = %d, want %d", len(segs[0].tokens), tt.wantFirst)
			}
		})
	}
}
