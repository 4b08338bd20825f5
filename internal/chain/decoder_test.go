package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func padWord(v *big.Int) []byte {
	b := v.Bytes()
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

func TestDecodeSync(t *testing.T) {
	r0 := big.NewInt(100e9)
	r1 := big.NewInt(200e9)
	ev := LogEvent{
		Address:     common.HexToAddress("0x1111"),
		Topics:      []common.Hash{TopicSyncV2},
		Data:        append(padWord(r0), padWord(r1)...),
		BlockNumber: 123,
	}

	d, ok := Decode(ev)
	if !ok || d.Kind != KindSync {
		t.Fatalf("expected Sync decode, got kind=%v ok=%v", d.Kind, ok)
	}
	if d.Reserve0.Cmp(r0) != 0 || d.Reserve1.Cmp(r1) != 0 {
		t.Fatalf("reserves = %v/%v, want %v/%v", d.Reserve0, d.Reserve1, r0, r1)
	}
	if d.BlockNumber != 123 {
		t.Fatalf("block = %d, want 123", d.BlockNumber)
	}
}

func TestDecodeSwapV2(t *testing.T) {
	sender := common.HexToAddress("0xabcd")
	data := append(padWord(big.NewInt(1000)), padWord(big.NewInt(0))...)
	data = append(data, padWord(big.NewInt(0))...)
	data = append(data, padWord(big.NewInt(990))...)
	ev := LogEvent{
		Address: common.HexToAddress("0x2222"),
		Topics:  []common.Hash{TopicSwapV2, common.BytesToHash(sender.Bytes()), common.BytesToHash(common.HexToAddress("0xdead").Bytes())},
		Data:    data,
	}

	d, ok := Decode(ev)
	if !ok || d.Kind != KindSwapV2 {
		t.Fatalf("expected SwapV2 decode, got %v/%v", d.Kind, ok)
	}
	if d.Sender != sender {
		t.Fatalf("sender = %s, want %s", d.Sender, sender)
	}
	if d.Amount0In.Int64() != 1000 || d.Amount1Out.Int64() != 990 {
		t.Fatalf("amounts = in0 %v out1 %v, want 1000/990", d.Amount0In, d.Amount1Out)
	}
}

func TestDecodeSwapV3SignedAmounts(t *testing.T) {
	sender := common.HexToAddress("0xabcd")
	// amount0 = +500 (into pool), amount1 = -480 (out of pool)
	neg := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(480))
	data := padWord(big.NewInt(500))
	data = append(data, padWord(neg)...)
	data = append(data, padWord(big.NewInt(1<<40))...) // sqrtPriceX96
	data = append(data, padWord(big.NewInt(7))...)     // liquidity
	data = append(data, padWord(big.NewInt(0))...)     // tick

	ev := LogEvent{
		Topics: []common.Hash{TopicSwapV3, common.BytesToHash(sender.Bytes()), common.BytesToHash(sender.Bytes())},
		Data:   data,
	}

	d, ok := Decode(ev)
	if !ok || d.Kind != KindSwapV3 {
		t.Fatalf("expected SwapV3 decode, got %v/%v", d.Kind, ok)
	}
	if d.Amount0In.Int64() != 500 || d.Amount0Out.Sign() != 0 {
		t.Fatalf("amount0 split wrong: in=%v out=%v", d.Amount0In, d.Amount0Out)
	}
	if d.Amount1In.Sign() != 0 || d.Amount1Out.Int64() != 480 {
		t.Fatalf("amount1 split wrong: in=%v out=%v", d.Amount1In, d.Amount1Out)
	}
}

func TestDecodePairCreated(t *testing.T) {
	t0 := common.HexToAddress("0xaaaa")
	t1 := common.HexToAddress("0xbbbb")
	pair := common.HexToAddress("0xcccc")
	data := append(padWord(new(big.Int).SetBytes(pair.Bytes())), padWord(big.NewInt(42))...)

	ev := LogEvent{
		Topics: []common.Hash{TopicPairCreated, common.BytesToHash(t0.Bytes()), common.BytesToHash(t1.Bytes())},
		Data:   data,
	}

	d, ok := Decode(ev)
	if !ok || d.Kind != KindPairCreated {
		t.Fatalf("expected PairCreated decode, got %v/%v", d.Kind, ok)
	}
	if d.Token0 != t0 || d.Token1 != t1 || d.NewPair != pair {
		t.Fatalf("decoded %s/%s pair %s", d.Token0, d.Token1, d.NewPair)
	}
}

func TestDecodeMalformedData(t *testing.T) {
	tests := []struct {
		name string
		ev   LogEvent
	}{
		{"sync short data", LogEvent{Topics: []common.Hash{TopicSyncV2}, Data: make([]byte, 31)}},
		{"swap missing topics", LogEvent{Topics: []common.Hash{TopicSwapV2}, Data: make([]byte, 128)}},
		{"unknown topic", LogEvent{Topics: []common.Hash{common.HexToHash("0x01")}, Data: make([]byte, 64)}},
		{"no topics", LogEvent{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := Decode(tt.ev); ok {
				t.Fatal("expected decode failure")
			}
		})
	}
}

func TestParseLogNotification(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"0x1","result":{"address":"0x1f98431c8ad98523631ae4a59f267346ea31f984","topics":["0x1c411e9a96e071241c2f21f7726b17ae89e3cab4c78be50e062b03a9fffbbad1"],"data":"0x00","blockNumber":"0x10","transactionHash":"0xff","logIndex":"0x2"}}}`)

	ev, ok := ParseLogNotification(raw)
	if !ok {
		t.Fatal("expected log frame to parse")
	}
	if ev.BlockNumber != 16 || ev.LogIndex != 2 {
		t.Fatalf("block=%d logIndex=%d, want 16/2", ev.BlockNumber, ev.LogIndex)
	}

	if _, ok := ParseLogNotification([]byte(`{"jsonrpc":"2.0","id":1,"result":"0xsub"}`)); ok {
		t.Fatal("subscription confirmation must not parse as log")
	}
}
