package execution

import (
	"context"
	"errors"
	"log"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rawblock/arb-engine/internal/config"
	"github.com/rawblock/arb-engine/pkg/models"
)

// SubmissionRoute is how a transaction reaches the chain.
type SubmissionRoute string

const (
	RouteMEVShare SubmissionRoute = "mev-share"
	RoutePrivate  SubmissionRoute = "private"
	RoutePublic   SubmissionRoute = "public"
	RouteBundle   SubmissionRoute = "bundle"   // Solana Jito
	RoutePriority SubmissionRoute = "priority" // sequencer L2s
)

// SandwichRisk grades how attractive a transaction is to sandwich bots.
type SandwichRisk string

const (
	SandwichRiskLow    SandwichRisk = "low"
	SandwichRiskMedium SandwichRisk = "medium"
	SandwichRiskHigh   SandwichRisk = "high"
)

// TxRequest is a chain-agnostic signed-transaction submission.
type TxRequest struct {
	Chain    string
	From     common.Address
	To       common.Address
	Nonce    uint64
	ValueWei string
	Data     []byte
	TipGwei  float64
}

// SubmitResult is the shared contract across every submission backend.
type SubmitResult struct {
	SubmittedHash string
	Accepted      bool
	Route         SubmissionRoute
	RebateWei     string
}

// RiskAnalysis is the pre-submission MEV exposure report.
type RiskAnalysis struct {
	SandwichRiskLevel SandwichRisk
	RecommendedTip    float64 // gwei
	Recommendation    SubmissionRoute
}

// RouteSubmitter sends one transaction over one specific route.
type RouteSubmitter interface {
	Submit(ctx context.Context, route SubmissionRoute, tx TxRequest) (SubmitResult, error)
}

// MEVProvider picks the safest submission route per chain and degrades
// through the fallback chain on failure: MEV-Share, then private mempool,
// then public.
type MEVProvider struct {
	chains    map[string]config.ChainConfig
	submitter RouteSubmitter
}

func NewMEVProvider(chains []config.ChainConfig, submitter RouteSubmitter) *MEVProvider {
	byName := make(map[string]config.ChainConfig, len(chains))
	for _, c := range chains {
		byName[c.Name] = c
	}
	return &MEVProvider{chains: byName, submitter: submitter}
}

// AnalyzeRisk grades sandwich exposure from value at risk and path shape and
// recommends a route and tip.
func (p *MEVProvider) AnalyzeRisk(o *models.Opportunity) RiskAnalysis {
	risk := SandwichRiskLow
	switch {
	case o.ExpectedProfitUSD >= 1000 || len(o.Path) >= 4:
		risk = SandwichRiskHigh
	case o.ExpectedProfitUSD >= 100 || len(o.Path) >= 3:
		risk = SandwichRiskMedium
	}

	analysis := RiskAnalysis{SandwichRiskLevel: risk}
	switch risk {
	case SandwichRiskHigh:
		analysis.RecommendedTip = 3.0
		analysis.Recommendation = RouteBundle
	case SandwichRiskMedium:
		analysis.RecommendedTip = 1.5
		analysis.Recommendation = RoutePrivate
	default:
		analysis.RecommendedTip = 0.5
		analysis.Recommendation = RoutePublic
	}
	if cfg, ok := p.chains[o.BuyChain]; ok && cfg.EVMChainID == 1 && risk != SandwichRiskLow {
		analysis.Recommendation = RouteMEVShare
	}
	return analysis
}

// routesFor is the chain-aware preference order.
func (p *MEVProvider) routesFor(chain string) []SubmissionRoute {
	cfg, ok := p.chains[chain]
	switch {
	case ok && cfg.IsSolana:
		return []SubmissionRoute{RouteBundle, RoutePublic}
	case ok && cfg.EVMChainID == 1:
		return []SubmissionRoute{RouteMEVShare, RoutePrivate, RoutePublic}
	case ok && cfg.HasSequencer:
		return []SubmissionRoute{RoutePriority}
	default:
		return []SubmissionRoute{RoutePublic}
	}
}

// Submit walks the chain's route preference until one backend accepts.
func (p *MEVProvider) Submit(ctx context.Context, tx TxRequest) (SubmitResult, error) {
	var lastErr error
	for _, route := range p.routesFor(tx.Chain) {
		res, err := p.submitter.Submit(ctx, route, tx)
		if err == nil && res.Accepted {
			res.Route = route
			return res, nil
		}
		if err != nil {
			lastErr = err
			log.Printf("[MEV:%s] %s submission failed, falling back: %v", tx.Chain, route, err)
		} else {
			lastErr = errors.New("submission not accepted via " + string(route))
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no submission route configured")
	}
	return SubmitResult{}, lastErr
}
