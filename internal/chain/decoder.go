package chain

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Topic hashes for the DEX events the engine decodes. Factory-level
// subscriptions keep the WS budget flat: PairCreated/PoolCreated register
// new pairs lazily instead of one subscription per pool.
var (
	TopicSyncV2      = crypto.Keccak256Hash([]byte("Sync(uint112,uint112)"))
	TopicSwapV2      = crypto.Keccak256Hash([]byte("Swap(address,uint256,uint256,uint256,uint256,address)"))
	TopicSwapV3      = crypto.Keccak256Hash([]byte("Swap(address,address,int256,int256,uint160,uint128,int24)"))
	TopicPairCreated = crypto.Keccak256Hash([]byte("PairCreated(address,address,address,uint256)"))
	TopicPoolCreated = crypto.Keccak256Hash([]byte("PoolCreated(address,address,uint24,int24,address)"))
)

// LogEvent is one raw EVM log lifted out of a subscription frame.
type LogEvent struct {
	Address     common.Address
	Topics      []common.Hash
	Data        []byte
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
}

// DecodedKind discriminates what a log turned out to be.
type DecodedKind int

const (
	KindUnknown DecodedKind = iota
	KindSync
	KindSwapV2
	KindSwapV3
	KindPairCreated
	KindPoolCreated
)

// Decoded carries the union of fields the ingestion layer consumes. Only the
// fields relevant to Kind are populated.
type Decoded struct {
	Kind        DecodedKind
	PairAddress common.Address
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint

	// KindSync
	Reserve0 *big.Int
	Reserve1 *big.Int

	// KindSwapV2 / KindSwapV3
	Sender     common.Address
	Amount0In  *big.Int
	Amount1In  *big.Int
	Amount0Out *big.Int
	Amount1Out *big.Int

	// KindSwapV3
	SqrtPriceX96 *big.Int
	Liquidity    *big.Int

	// KindPairCreated / KindPoolCreated
	Token0  common.Address
	Token1  common.Address
	NewPair common.Address
	FeeTier *big.Int // V3 only
}

// ParseLogNotification lifts a LogEvent out of an eth_subscription frame.
// Non-log frames (subscription confirmations, heads) return ok=false.
func ParseLogNotification(raw []byte) (LogEvent, bool) {
	var frame struct {
		Method string `json:"method"`
		Params struct {
			Result struct {
				Address     string   `json:"address"`
				Topics      []string `json:"topics"`
				Data        string   `json:"data"`
				BlockNumber string   `json:"blockNumber"`
				TxHash      string   `json:"transactionHash"`
				LogIndex    string   `json:"logIndex"`
			} `json:"result"`
		} `json:"params"`
	}
	if json.Unmarshal(raw, &frame) != nil || frame.Method != "eth_subscription" {
		return LogEvent{}, false
	}
	res := frame.Params.Result
	if res.Address == "" || len(res.Topics) == 0 {
		return LogEvent{}, false
	}
	ev := LogEvent{
		Address: common.HexToAddress(res.Address),
		Data:    common.FromHex(res.Data),
		TxHash:  common.HexToHash(res.TxHash),
	}
	for _, t := range res.Topics {
		ev.Topics = append(ev.Topics, common.HexToHash(t))
	}
	if n, ok := parseHexUint(res.BlockNumber); ok {
		ev.BlockNumber = n
	}
	if n, ok := parseHexUint(res.LogIndex); ok {
		ev.LogIndex = uint(n)
	}
	return ev, true
}

// Decode classifies and unpacks a log. Malformed payloads for a known topic
// return ok=false and are counted by the caller as validation drops.
func Decode(ev LogEvent) (Decoded, bool) {
	if len(ev.Topics) == 0 {
		return Decoded{}, false
	}
	d := Decoded{
		PairAddress: ev.Address,
		BlockNumber: ev.BlockNumber,
		TxHash:      ev.TxHash,
		LogIndex:    ev.LogIndex,
	}
	switch ev.Topics[0] {
	case TopicSyncV2:
		if len(ev.Data) < 64 {
			return Decoded{}, false
		}
		d.Kind = KindSync
		d.Reserve0 = word(ev.Data, 0)
		d.Reserve1 = word(ev.Data, 1)
		return d, true

	case TopicSwapV2:
		if len(ev.Topics) < 3 || len(ev.Data) < 128 {
			return Decoded{}, false
		}
		d.Kind = KindSwapV2
		d.Sender = common.BytesToAddress(ev.Topics[1].Bytes())
		d.Amount0In = word(ev.Data, 0)
		d.Amount1In = word(ev.Data, 1)
		d.Amount0Out = word(ev.Data, 2)
		d.Amount1Out = word(ev.Data, 3)
		return d, true

	case TopicSwapV3:
		if len(ev.Topics) < 3 || len(ev.Data) < 160 {
			return Decoded{}, false
		}
		d.Kind = KindSwapV3
		d.Sender = common.BytesToAddress(ev.Topics[1].Bytes())
		amount0 := signedWord(ev.Data, 0)
		amount1 := signedWord(ev.Data, 1)
		d.SqrtPriceX96 = word(ev.Data, 2)
		d.Liquidity = word(ev.Data, 3)
		// Positive amounts flow into the pool, negative out.
		d.Amount0In, d.Amount0Out = splitSigned(amount0)
		d.Amount1In, d.Amount1Out = splitSigned(amount1)
		return d, true

	case TopicPairCreated:
		if len(ev.Topics) < 3 || len(ev.Data) < 32 {
			return Decoded{}, false
		}
		d.Kind = KindPairCreated
		d.Token0 = common.BytesToAddress(ev.Topics[1].Bytes())
		d.Token1 = common.BytesToAddress(ev.Topics[2].Bytes())
		d.NewPair = common.BytesToAddress(word(ev.Data, 0).Bytes())
		return d, true

	case TopicPoolCreated:
		if len(ev.Topics) < 4 || len(ev.Data) < 64 {
			return Decoded{}, false
		}
		d.Kind = KindPoolCreated
		d.Token0 = common.BytesToAddress(ev.Topics[1].Bytes())
		d.Token1 = common.BytesToAddress(ev.Topics[2].Bytes())
		d.FeeTier = new(big.Int).SetBytes(ev.Topics[3].Bytes())
		d.NewPair = common.BytesToAddress(word(ev.Data, 1).Bytes())
		return d, true
	}
	return Decoded{}, false
}

// word extracts the i-th 32-byte word as an unsigned big.Int.
func word(data []byte, i int) *big.Int {
	return new(big.Int).SetBytes(data[i*32 : (i+1)*32])
}

// signedWord extracts the i-th word as a two's-complement int256.
func signedWord(data []byte, i int) *big.Int {
	v := word(data, i)
	if v.Bit(255) == 1 {
		max := new(big.Int).Lsh(big.NewInt(1), 256)
		v.Sub(v, max)
	}
	return v
}

// splitSigned maps a signed pool delta to (in, out) flows.
func splitSigned(v *big.Int) (in, out *big.Int) {
	if v.Sign() >= 0 {
		return v, big.NewInt(0)
	}
	return big.NewInt(0), new(big.Int).Neg(v)
}
