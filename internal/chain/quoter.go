package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rawblock/arb-engine/pkg/models"
)

// Quoted output may drift this much below the detector's expectation before a
// recheck fails, in basis points.
const quoteToleranceBps = 50

var (
	getAmountsOutSelector = crypto.Keccak256([]byte("getAmountsOut(uint256,address[])"))[:4]

	quoterUint256Ty, _   = abi.NewType("uint256", "", nil)
	quoterAddrSliceTy, _ = abi.NewType("address[]", "", nil)
	quoterUintSliceTy, _ = abi.NewType("uint256[]", "", nil)

	getAmountsOutArgs = abi.Arguments{{Type: quoterUint256Ty}, {Type: quoterAddrSliceTy}}
	amountsOutReturn  = abi.Arguments{{Type: quoterUintSliceTy}}
)

// BatchCaller is the one JSON-RPC capability the quoter uses. Satisfied by
// rpc.Client.
type BatchCaller interface {
	BatchCallContext(ctx context.Context, b []rpc.BatchElem) error
}

// batchSource resolves a chain to its raw JSON-RPC client; the RPC pool in
// production, a fake in tests.
type batchSource interface {
	BatchCaller(chain string) (BatchCaller, bool)
}

// QuoteRequest prices amountIn through a token path on one V2-style router.
type QuoteRequest struct {
	Router   common.Address
	AmountIn *big.Int
	Path     []common.Address
}

// QuoteResult carries the final hop's output. Err is set per element when the
// router rejected the call; the rest of the batch still succeeds.
type QuoteResult struct {
	AmountOut *big.Int
	Err       error
}

// QuoterStats counts batched quote traffic.
type QuoterStats struct {
	Batches  atomic.Int64
	Calls    atomic.Int64
	Failures atomic.Int64
}

// BatchedQuoter packs getAmountsOut calls into single JSON-RPC batch requests
// so an opportunity recheck costs one round trip per chain instead of one per
// quote. Feature-flagged; the pre-validation path falls back to first-leg
// simulation when a venue cannot be quoted this way.
type BatchedQuoter struct {
	source  batchSource
	routers map[string]map[string]common.Address // chain -> dex -> router

	Stats QuoterStats
}

func NewBatchedQuoter(source batchSource, routers map[string]map[string]common.Address) *BatchedQuoter {
	return &BatchedQuoter{source: source, routers: routers}
}

// QuoteBatch sends every request in one batch call against the chain's RPC
// client. The returned slice is positional with reqs.
func (q *BatchedQuoter) QuoteBatch(ctx context.Context, chainName string, reqs []QuoteRequest) ([]QuoteResult, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	caller, ok := q.source.BatchCaller(chainName)
	if !ok {
		return nil, fmt.Errorf("no rpc client for %s", chainName)
	}

	elems := make([]rpc.BatchElem, len(reqs))
	for i, req := range reqs {
		data, err := packGetAmountsOut(req.AmountIn, req.Path)
		if err != nil {
			return nil, fmt.Errorf("pack quote for %s: %w", chainName, err)
		}
		elems[i] = rpc.BatchElem{
			Method: "eth_call",
			Args: []interface{}{
				map[string]interface{}{"to": req.Router, "data": hexutil.Bytes(data)},
				"latest",
			},
			Result: new(hexutil.Bytes),
		}
	}
	if err := caller.BatchCallContext(ctx, elems); err != nil {
		q.Stats.Failures.Add(int64(len(reqs)))
		return nil, err
	}
	q.Stats.Batches.Add(1)
	q.Stats.Calls.Add(int64(len(reqs)))

	out := make([]QuoteResult, len(reqs))
	for i := range elems {
		if elems[i].Error != nil {
			q.Stats.Failures.Add(1)
			out[i] = QuoteResult{Err: elems[i].Error}
			continue
		}
		amounts, err := unpackAmountsOut(*elems[i].Result.(*hexutil.Bytes))
		if err != nil {
			q.Stats.Failures.Add(1)
			out[i] = QuoteResult{Err: err}
			continue
		}
		out[i] = QuoteResult{AmountOut: amounts[len(amounts)-1]}
	}
	return out, nil
}

// RecheckOpportunity re-prices the opportunity's path against live chain
// state. Consecutive same-router hops compound inside one getAmountsOut call;
// a router or chain switch starts the next round with the previous round's
// output. Returns false when the quoted output falls more than the tolerance
// below the detector's expectation.
func (q *BatchedQuoter) RecheckOpportunity(ctx context.Context, o *models.Opportunity) (bool, error) {
	if o.AmountIn == nil || o.AmountIn.Sign() <= 0 || len(o.Path) == 0 {
		return false, errors.New("opportunity has no sized path")
	}

	amount := o.AmountIn
	for _, seg := range splitPath(o.Path) {
		router, ok := q.routerFor(seg.chain, seg.dex)
		if !ok {
			return false, fmt.Errorf("no router for %s on %s", seg.dex, seg.chain)
		}
		results, err := q.QuoteBatch(ctx, seg.chain, []QuoteRequest{
			{Router: router, AmountIn: amount, Path: seg.tokens},
		})
		if err != nil {
			return false, err
		}
		if results[0].Err != nil {
			// The router rejected the path outright: a pool emptied or the
			// pair was delisted since detection.
			return false, nil
		}
		amount = results[0].AmountOut
	}

	floor := o.ExpectedAmountOut
	if floor == nil || floor.Sign() <= 0 {
		floor = o.AmountIn
	}
	need := new(big.Int).Mul(floor, big.NewInt(10000-quoteToleranceBps))
	need.Div(need, big.NewInt(10000))
	return amount.Cmp(need) >= 0, nil
}

func (q *BatchedQuoter) routerFor(chainName, dex string) (common.Address, bool) {
	router, ok := q.routers[chainName][dex]
	return router, ok
}

// pathSegment is a maximal run of chained steps on one router.
type pathSegment struct {
	chain  string
	dex    string
	tokens []common.Address
}

// splitPath groups the swap path into router-sized segments. A step extends
// the open segment only when it stays on the same chain and dex and consumes
// the previous step's output token.
func splitPath(path []models.SwapStep) []pathSegment {
	var segs []pathSegment
	for _, step := range path {
		if n := len(segs); n > 0 {
			last := &segs[n-1]
			if last.chain == step.Chain && last.dex == step.Dex &&
				last.tokens[len(last.tokens)-1] == step.TokenIn {
				last.tokens = append(last.tokens, step.TokenOut)
				continue
			}
		}
		segs = append(segs, pathSegment{
			chain:  step.Chain,
			dex:    step.Dex,
			tokens: []common.Address{step.TokenIn, step.TokenOut},
		})
	}
	return segs
}

func packGetAmountsOut(amountIn *big.Int, path []common.Address) ([]byte, error) {
	if amountIn == nil || len(path) < 2 {
		return nil, errors.New("quote needs an amount and at least two tokens")
	}
	packed, err := getAmountsOutArgs.Pack(amountIn, path)
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, getAmountsOutSelector...), packed...), nil
}

func unpackAmountsOut(data []byte) ([]*big.Int, error) {
	vals, err := amountsOutReturn.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("decode getAmountsOut return: %w", err)
	}
	amounts, ok := vals[0].([]*big.Int)
	if !ok || len(amounts) == 0 {
		return nil, errors.New("empty getAmountsOut return")
	}
	return amounts, nil
}
