package execution

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rawblock/arb-engine/pkg/models"
)

// ExecutionPlan is what a strategy hands the submission pipeline: one
// transaction per involved chain. Single-chain strategies produce one leg;
// cross-chain produces a buy leg and a sell leg that settle independently.
type ExecutionPlan struct {
	Legs      []TxRequest
	FlashLoan bool
}

// Strategy turns a detected opportunity into submittable transactions.
type Strategy interface {
	Name() string
	Plan(o *models.Opportunity, wallet common.Address) (ExecutionPlan, error)
}

// StrategyRouter dispatches opportunities to the strategy registered for
// their type.
type StrategyRouter struct {
	byType map[models.OpportunityType]Strategy
}

// NewStrategyRouter wires the default strategy set against the on-chain
// executor contract. Statistical opportunities ride the direct-swap path; the
// signal differs but the settlement does not.
func NewStrategyRouter(executor common.Address) *StrategyRouter {
	direct := &directSwapStrategy{executor: executor}
	flash := &flashLoanStrategy{executor: executor}
	cross := &crossChainStrategy{executor: executor}
	return &StrategyRouter{byType: map[models.OpportunityType]Strategy{
		models.OpportunityIntraDex:    direct,
		models.OpportunityCrossDex:    direct,
		models.OpportunityTriangular:  direct,
		models.OpportunityMultiLeg:    direct,
		models.OpportunityStatistical: direct,
		models.OpportunityFlashLoan:   flash,
		models.OpportunityCrossChain:  cross,
	}}
}

// Register overrides or adds the strategy for one opportunity type.
func (r *StrategyRouter) Register(t models.OpportunityType, s Strategy) {
	r.byType[t] = s
}

// Plan routes the opportunity to its strategy.
func (r *StrategyRouter) Plan(o *models.Opportunity, wallet common.Address) (ExecutionPlan, error) {
	s, ok := r.byType[o.Type]
	if !ok {
		return ExecutionPlan{}, fmt.Errorf("no strategy for opportunity type %q", o.Type)
	}
	return s.Plan(o, wallet)
}

var (
	addressSliceTy, _ = abi.NewType("address[]", "", nil)

	executeArbSelector = crypto.Keccak256([]byte("executeArbitrage(address[],address[],uint256)"))[:4]
	executeArbArgs     = abi.Arguments{
		{Type: addressSliceTy}, {Type: addressSliceTy}, {Type: uint256Ty},
	}
)

// encodeSwapPath flattens the path into the executor contract's
// (routers, tokens, amountIn) shape. tokens has one more entry than routers:
// the chained token list.
func encodeSwapPath(path []models.SwapStep, amountIn *big.Int) ([]byte, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("empty swap path")
	}
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, fmt.Errorf("swap path needs a positive amountIn")
	}
	routers := make([]common.Address, 0, len(path))
	tokens := make([]common.Address, 0, len(path)+1)
	tokens = append(tokens, path[0].TokenIn)
	for i, step := range path {
		if step.TokenIn != tokens[len(tokens)-1] {
			return nil, fmt.Errorf("path step %d tokenIn does not chain from previous step", i)
		}
		routers = append(routers, step.Router)
		tokens = append(tokens, step.TokenOut)
	}
	packed, err := executeArbArgs.Pack(routers, tokens, amountIn)
	if err != nil {
		return nil, fmt.Errorf("pack swap path: %w", err)
	}
	return append(append([]byte{}, executeArbSelector...), packed...), nil
}

// directSwapStrategy settles same-chain paths of any length as one atomic
// executor call funded from the wallet's own inventory.
type directSwapStrategy struct {
	executor common.Address
}

func (s *directSwapStrategy) Name() string { return "direct-swap" }

func (s *directSwapStrategy) Plan(o *models.Opportunity, wallet common.Address) (ExecutionPlan, error) {
	if o.BuyChain != o.SellChain {
		return ExecutionPlan{}, fmt.Errorf("direct swap cannot span chains %s and %s", o.BuyChain, o.SellChain)
	}
	data, err := encodeSwapPath(o.Path, o.AmountIn)
	if err != nil {
		return ExecutionPlan{}, err
	}
	return ExecutionPlan{Legs: []TxRequest{{
		Chain: o.BuyChain,
		From:  wallet,
		To:    s.executor,
		Data:  data,
	}}}, nil
}

// flashLoanStrategy borrows the input amount and runs the path inside the
// protocol callback, repaying within the same transaction. No inventory
// needed.
type flashLoanStrategy struct {
	executor common.Address
}

func (s *flashLoanStrategy) Name() string { return "flash-loan" }

func (s *flashLoanStrategy) Plan(o *models.Opportunity, wallet common.Address) (ExecutionPlan, error) {
	if o.FlashProtocol == models.FlashProtocolNone {
		return ExecutionPlan{}, fmt.Errorf("flash-loan opportunity missing protocol tag")
	}
	data, err := BuildFlashLoanCalldata(o)
	if err != nil {
		return ExecutionPlan{}, err
	}
	return ExecutionPlan{
		FlashLoan: true,
		Legs: []TxRequest{{
			Chain: o.BuyChain,
			From:  wallet,
			To:    s.executor,
			Data:  data,
		}},
	}, nil
}

// crossChainStrategy splits the path at the chain boundary into two legs that
// submit independently. There is no atomicity across chains; the risk layer
// prices that in before the plan is ever built.
type crossChainStrategy struct {
	executor common.Address
}

func (s *crossChainStrategy) Name() string { return "cross-chain" }

func (s *crossChainStrategy) Plan(o *models.Opportunity, wallet common.Address) (ExecutionPlan, error) {
	if o.BuyChain == o.SellChain {
		return ExecutionPlan{}, fmt.Errorf("cross-chain opportunity on single chain %s", o.BuyChain)
	}
	var buySteps, sellSteps []models.SwapStep
	for _, step := range o.Path {
		if step.Chain == o.SellChain {
			sellSteps = append(sellSteps, step)
		} else {
			buySteps = append(buySteps, step)
		}
	}
	if len(buySteps) == 0 || len(sellSteps) == 0 {
		return ExecutionPlan{}, fmt.Errorf("cross-chain path missing a %s or %s leg", o.BuyChain, o.SellChain)
	}

	buyData, err := encodeSwapPath(buySteps, o.AmountIn)
	if err != nil {
		return ExecutionPlan{}, fmt.Errorf("buy leg: %w", err)
	}
	sellAmount := o.AmountIn
	if len(sellSteps) > 0 && sellSteps[0].AmountIn != nil {
		sellAmount = sellSteps[0].AmountIn
	}
	sellData, err := encodeSwapPath(sellSteps, sellAmount)
	if err != nil {
		return ExecutionPlan{}, fmt.Errorf("sell leg: %w", err)
	}
	return ExecutionPlan{Legs: []TxRequest{
		{Chain: o.BuyChain, From: wallet, To: s.executor, Data: buyData},
		{Chain: o.SellChain, From: wallet, To: s.executor, Data: sellData},
	}}, nil
}
