package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// OpportunityType discriminates the arbitrage strategies the engine knows.
type OpportunityType string

const (
	OpportunityIntraDex    OpportunityType = "intra-dex"
	OpportunityCrossDex    OpportunityType = "cross-dex"
	OpportunityCrossChain  OpportunityType = "cross-chain"
	OpportunityFlashLoan   OpportunityType = "flash-loan"
	OpportunityStatistical OpportunityType = "statistical"
	OpportunityTriangular  OpportunityType = "triangular"
	OpportunityMultiLeg    OpportunityType = "multi-leg"
)

// FlashProtocol tags which flash-loan provider an opportunity targets.
// Aave V3 and Uniswap-V3-style callbacks have incompatible signatures, so the
// calldata builder dispatches on this tag instead of a shared interface.
type FlashProtocol string

const (
	FlashProtocolNone      FlashProtocol = ""
	FlashProtocolAaveV3    FlashProtocol = "aave-v3"
	FlashProtocolUniswapV3 FlashProtocol = "uniswap-v3"
)

// SwapStep is one leg of an arbitrage path. AmountIn of nil or zero means the
// step consumes the full output of the previous step (chained).
type SwapStep struct {
	Router   common.Address `json:"router"`
	TokenIn  common.Address `json:"tokenIn"`
	TokenOut common.Address `json:"tokenOut"`
	AmountIn *big.Int       `json:"amountIn,omitempty"`
	Dex      string         `json:"dex"`
	Chain    string         `json:"chain"`
	Data     []byte         `json:"data,omitempty"`
}

// Opportunity is a detected, potentially profitable arbitrage. Produced once,
// consumed at most once within the execution consumer group.
type Opportunity struct {
	ID                string          `json:"id"`
	Type              OpportunityType `json:"type"`
	BuyChain          string          `json:"buyChain"`
	SellChain         string          `json:"sellChain"`
	BuyDex            string          `json:"buyDex"`
	SellDex           string          `json:"sellDex"`
	TokenIn           common.Address  `json:"tokenIn"`
	TokenOut          common.Address  `json:"tokenOut"`
	Path              []SwapStep      `json:"path"`
	AmountIn          *big.Int        `json:"amountIn"`
	ExpectedAmountOut *big.Int        `json:"expectedAmountOut"`
	ExpectedProfitUSD float64         `json:"expectedProfitUsd"`
	ProfitPercentage  float64         `json:"profitPercentage"`
	GasEstimateUSD    float64         `json:"gasEstimateUsd"`
	Confidence        float64         `json:"confidence"`
	WhaleTriggered    bool            `json:"whaleTriggered"`
	MLConfidenceBoost float64         `json:"mlConfidenceBoost"`
	FlashProtocol     FlashProtocol   `json:"flashProtocol,omitempty"`
	FlashPool         common.Address  `json:"flashPool,omitempty"`
	DetectedAtMs      int64           `json:"detectedAtMs"`
	ExpiresAtMs       int64           `json:"expiresAtMs"`
}

// Fingerprint derives the dedupe identity of an opportunity: normalized path,
// amounts rounded to whole USD, bucketed to the minute. Two detections of the
// same price discrepancy within the same minute collapse to one fingerprint.
func (o *Opportunity) Fingerprint() string {
	var sb strings.Builder
	sb.WriteString(string(o.Type))
	sb.WriteByte('|')
	sb.WriteString(o.BuyChain)
	sb.WriteByte('>')
	sb.WriteString(o.SellChain)
	sb.WriteByte('|')
	sb.WriteString(o.BuyDex)
	sb.WriteByte('>')
	sb.WriteString(o.SellDex)
	for _, step := range o.Path {
		sb.WriteByte('|')
		sb.WriteString(strings.ToLower(step.TokenIn.Hex()))
		sb.WriteByte('>')
		sb.WriteString(strings.ToLower(step.TokenOut.Hex()))
	}
	fmt.Fprintf(&sb, "|%.0f|%d", o.ExpectedProfitUSD, o.DetectedAtMs/60000)
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:16])
}

// Expired reports whether the opportunity is past its expiry at nowMs.
func (o *Opportunity) Expired(nowMs int64) bool {
	return nowMs >= o.ExpiresAtMs
}

// Validate checks the published-opportunity invariants.
func (o *Opportunity) Validate() error {
	if o.Confidence < 0 || o.Confidence > 1 {
		return fmt.Errorf("confidence %f outside [0,1]", o.Confidence)
	}
	if o.ExpiresAtMs <= o.DetectedAtMs {
		return fmt.Errorf("expiresAtMs %d not after detectedAtMs %d", o.ExpiresAtMs, o.DetectedAtMs)
	}
	if len(o.Path) == 0 {
		return fmt.Errorf("empty swap path")
	}
	return nil
}

// ExecutionOutcome is the terminal result of attempting an opportunity. Fed
// back into the execution probability tracker and the drawdown breaker.
type ExecutionOutcome struct {
	OpportunityID   string  `json:"opportunityId"`
	Chain           string  `json:"chain"`
	Dex             string  `json:"dex"`
	Success         bool    `json:"success"`
	ActualProfitUSD float64 `json:"actualProfitUsd"`
	GasCostUSD      float64 `json:"gasCostUsd"`
	Error           string  `json:"error,omitempty"`
	TxHash          string  `json:"txHash,omitempty"`
	LatencyMs       int64   `json:"latencyMs"`
	PathLength      int     `json:"pathLength"`
	GasPriceGwei    float64 `json:"gasPriceGwei"`
	TimestampMs     int64   `json:"timestampMs"`
}
