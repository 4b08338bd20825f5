package mempool

import (
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestParsePendingHash(t *testing.T) {
	hash := "0xab12345678901234567890123456789012345678901234567890123456789012"
	frame := []byte(`{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"0xcd","result":"` + hash + `"}}`)
	got, ok := parsePendingHash(frame)
	if !ok {
		t.Fatal("valid pending frame did not parse")
	}
	if got != common.HexToHash(hash) {
		t.Fatalf("hash = %s, want %s", got.Hex(), hash)
	}
}

func TestParsePendingHashRejectsOtherFrames(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"subscription confirmation", `{"jsonrpc":"2.0","id":1,"result":"0xcd"}`},
		{"log event", `{"method":"eth_subscription","params":{"result":{"address":"0x1"}}}`},
		{"short hash", `{"method":"eth_subscription","params":{"result":"0x1234"}}`},
		{"garbage", `not json`},
	}
	for _, tc := range cases {
		if _, ok := parsePendingHash([]byte(tc.raw)); ok {
			t.Errorf("%s: frame parsed as pending hash", tc.name)
		}
	}
}

func TestMarkSeenDeduplicates(t *testing.T) {
	w := NewPendingWatcher("ethereum", nil, nil, nil, nil)
	h := common.HexToHash("0x01")
	if !w.markSeen(h) {
		t.Fatal("first sighting rejected")
	}
	if w.markSeen(h) {
		t.Fatal("duplicate accepted")
	}
}

func TestMarkSeenResetsAtCapacity(t *testing.T) {
	w := NewPendingWatcher("ethereum", nil, nil, nil, nil)
	for i := 0; i < seenCap; i++ {
		w.markSeen(common.HexToHash(fmt.Sprintf("0x%x", i)))
	}
	h := common.HexToHash("0xfffffff1")
	if !w.markSeen(h) {
		t.Fatal("insert at capacity rejected")
	}
	if len(w.seen) > seenCap {
		t.Fatalf("seen set grew past capacity: %d", len(w.seen))
	}
}
