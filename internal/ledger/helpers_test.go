package ledger

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

var testParams = &chaincfg.RegressionNetParams

// testAddress returns a distinct regtest P2WPKH address per seed.
func testAddress(t *testing.T, seed byte) string {
	t.Helper()
	hash := make([]byte, 20)
	for i := range hash {
		hash[i] = seed
	}
	addr, err := btcutil.NewAddressWitnessPubKeyHash(hash, testParams)
	if err != nil {
		t.Fatalf("NewAddressWitnessPubKeyHash() error = %v", err)
	}
	return addr.EncodeAddress()
}

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	return reopenTestStore(t, path), path
}

func reopenTestStore(t *testing.T, path string) *Store {
	t.Helper()
	kv, err := OpenBolt(path, time.Second)
	if err != nil {
		t.Fatalf("OpenBolt() error = %v", err)
	}
	s, err := Open(kv, testParams, 16)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s
}

func testShare(height uint32, contrib map[string]float64) *Share {
	s := &Share{
		Version: ShareVersion,
		Network: "regtest",
		Height:  height,
		Block:   fmt.Sprintf("%064x", height),
		Ts:      1700000000 + height,
		Time:    1700000100 + height,
		TxID:    "1111111111111111111111111111111111111111111111111111111111111111",
		Address: "bcrt1qpool",
		Reward:  5000000000,
		Fee:     1,
	}
	s.SetContributions(contrib)
	return s
}
