package execution

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rawblock/arb-engine/pkg/models"
)

// Executor-contract flash entrypoints. An Aave V3 borrow is keyed by asset
// alone; a Uniswap-V3-style flash swap also names the pool and carries a
// deadline. The builder dispatches on the opportunity's protocol tag; the
// protocol callback (executeOperation, uniswapV3FlashCallback) lives in the
// contract, not here.
var (
	aaveArbSelector  = crypto.Keccak256([]byte("executeArbitrage(address,uint256,(address,address,address,uint256,bytes)[],uint256)"))[:4]
	univ3ArbSelector = crypto.Keccak256([]byte("executeArbitrage(address,address,uint256,(address,address,address,uint256,bytes)[],uint256,uint256)"))[:4]

	addressTy, _ = abi.NewType("address", "", nil)
	uint256Ty, _ = abi.NewType("uint256", "", nil)

	swapStepsTy, _ = abi.NewType("tuple[]", "", []abi.ArgumentMarshaling{
		{Name: "router", Type: "address"},
		{Name: "tokenIn", Type: "address"},
		{Name: "tokenOut", Type: "address"},
		{Name: "amountIn", Type: "uint256"},
		{Name: "data", Type: "bytes"},
	})

	aaveArbArgs = abi.Arguments{
		{Type: addressTy}, {Type: uint256Ty}, {Type: swapStepsTy}, {Type: uint256Ty},
	}
	univ3ArbArgs = abi.Arguments{
		{Type: addressTy}, {Type: addressTy}, {Type: uint256Ty}, {Type: swapStepsTy}, {Type: uint256Ty}, {Type: uint256Ty},
	}
)

// abiSwapStep is the on-chain tuple shape of one path leg. An amountIn of
// zero tells the contract to consume the full output of the previous leg, or
// the borrowed amount for the first.
type abiSwapStep struct {
	Router   common.Address
	TokenIn  common.Address
	TokenOut common.Address
	AmountIn *big.Int
	Data     []byte
}

// BuildFlashLoanCalldata encodes the executor call for the opportunity's
// tagged protocol. The contract borrows AmountIn of TokenIn and runs the path
// inside its flash callback; it reverts unless at least minProfit of the
// asset is left after repayment.
func BuildFlashLoanCalldata(o *models.Opportunity) ([]byte, error) {
	if o.AmountIn == nil || o.AmountIn.Sign() <= 0 {
		return nil, fmt.Errorf("flash loan needs a positive amountIn")
	}
	if len(o.Path) == 0 {
		return nil, fmt.Errorf("flash loan needs a swap path")
	}
	for i := 1; i < len(o.Path); i++ {
		if o.Path[i].TokenIn != o.Path[i-1].TokenOut {
			return nil, fmt.Errorf("path step %d tokenIn does not chain from previous step", i)
		}
	}
	steps := abiSteps(o.Path)
	minProfit := flashMinProfit(o)

	switch o.FlashProtocol {
	case models.FlashProtocolAaveV3:
		packed, err := aaveArbArgs.Pack(o.TokenIn, o.AmountIn, steps, minProfit)
		if err != nil {
			return nil, fmt.Errorf("pack aave arbitrage: %w", err)
		}
		return append(append([]byte{}, aaveArbSelector...), packed...), nil

	case models.FlashProtocolUniswapV3:
		if o.FlashPool == (common.Address{}) {
			return nil, fmt.Errorf("uniswap v3 flash needs a pool address")
		}
		deadline := big.NewInt((o.ExpiresAtMs + 999) / 1000)
		packed, err := univ3ArbArgs.Pack(o.FlashPool, o.TokenIn, o.AmountIn, steps, minProfit, deadline)
		if err != nil {
			return nil, fmt.Errorf("pack uniswap v3 arbitrage: %w", err)
		}
		return append(append([]byte{}, univ3ArbSelector...), packed...), nil

	default:
		return nil, fmt.Errorf("unsupported flash protocol %q", o.FlashProtocol)
	}
}

func abiSteps(path []models.SwapStep) []abiSwapStep {
	steps := make([]abiSwapStep, len(path))
	for i, s := range path {
		amount := s.AmountIn
		if amount == nil {
			amount = new(big.Int)
		}
		steps[i] = abiSwapStep{
			Router:   s.Router,
			TokenIn:  s.TokenIn,
			TokenOut: s.TokenOut,
			AmountIn: amount,
			Data:     s.Data,
		}
	}
	return steps
}

// flashMinProfit floors the contract-side profit check at half the expected
// edge, leaving room for quoted reserves to drift between detection and
// inclusion. Opportunities without a sized expected output fall back to a
// break-even floor.
func flashMinProfit(o *models.Opportunity) *big.Int {
	if o.ExpectedAmountOut == nil {
		return new(big.Int)
	}
	profit := new(big.Int).Sub(o.ExpectedAmountOut, o.AmountIn)
	if profit.Sign() <= 0 {
		return new(big.Int)
	}
	return profit.Rsh(profit, 1)
}
