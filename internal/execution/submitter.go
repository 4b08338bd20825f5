package execution

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// DryRunSubmitter accepts every transaction without touching a chain. It is
// the default submitter until live execution is configured, so the whole
// pipeline (risk gates, sizing, nonces, MEV routing) runs end to end and the
// outcomes land in the ledger marked by their synthetic hashes.
type DryRunSubmitter struct {
	Submitted atomic.Int64
}

func NewDryRunSubmitter() *DryRunSubmitter {
	return &DryRunSubmitter{}
}

func (d *DryRunSubmitter) Submit(ctx context.Context, route SubmissionRoute, tx TxRequest) (SubmitResult, error) {
	d.Submitted.Add(1)
	return SubmitResult{
		SubmittedHash: dryRunHash(tx),
		Accepted:      true,
		Route:         route,
	}, nil
}

// dryRunHash derives a stable synthetic hash so dry-run outcomes are
// distinguishable in the ledger. The 0xd0 prefix marks it as not a real tx.
func dryRunHash(tx TxRequest) string {
	buf := make([]byte, 8, 8+len(tx.Chain)+len(tx.Data))
	binary.BigEndian.PutUint64(buf, tx.Nonce)
	buf = append(buf, tx.Chain...)
	buf = append(buf, tx.Data...)
	h := crypto.Keccak256Hash(buf)
	return "0xd0" + common.Bytes2Hex(h.Bytes()[1:])
}

// clientSource resolves a chain name to its RPC client.
type clientSource interface {
	Client(chain string) (*ethclient.Client, bool)
}

// EthCallSimProvider is the eth_call simulation backend. It cannot see state
// written by earlier transactions in the same block, but it catches the
// common reverts (stale reserves, slippage guards, allowance gaps) cheaply.
type EthCallSimProvider struct {
	clients clientSource
}

func NewEthCallSimProvider(clients clientSource) *EthCallSimProvider {
	return &EthCallSimProvider{clients: clients}
}

func (p *EthCallSimProvider) Name() string { return "eth_call" }

func (p *EthCallSimProvider) Simulate(ctx context.Context, req SimRequest) (SimResult, error) {
	client, ok := p.clients.Client(req.Chain)
	if !ok {
		return SimResult{}, fmt.Errorf("no rpc client for %s", req.Chain)
	}

	to := common.HexToAddress(req.To)
	msg := ethereum.CallMsg{
		From: common.HexToAddress(req.From),
		To:   &to,
		Data: req.Data,
	}
	if req.ValueWei != "" {
		if v, ok := new(big.Int).SetString(req.ValueWei, 10); ok {
			msg.Value = v
		}
	}

	ret, err := client.CallContract(ctx, msg, nil)
	if err != nil {
		if strings.Contains(err.Error(), "execution reverted") {
			return SimResult{Reverted: true, RevertReason: err.Error()}, nil
		}
		return SimResult{}, err
	}
	return SimResult{Success: true, ReturnData: ret}, nil
}
