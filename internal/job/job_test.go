package job

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/tos-network/stratum-pool/internal/chain"
	"github.com/tos-network/stratum-pool/internal/util"
)

func testAttempt(t *testing.T) *chain.TemplateAttempt {
	t.Helper()
	addr, err := btcutil.NewAddressWitnessPubKeyHash(bytes.Repeat([]byte{3}, 20), &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatal(err)
	}
	script, err := chain.ScriptForAddress(addr.EncodeAddress(), &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatal(err)
	}
	a, err := chain.NewTemplateAttempt(&chain.Template{
		Bits:          "207fffff",
		CurTime:       1700000000,
		Height:        100,
		Version:       0x20000000,
		Previous:      "00000000000000000000000000000000000000000000000000000000000000ff",
		CoinbaseValue: 5000000000,
	}, script, "job test")
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestJobInsert(t *testing.T) {
	j := New("1700000000:1", testAttempt(t))

	a := chainhash.Hash{1}
	b := chainhash.Hash{2}
	if !j.Insert(a) {
		t.Error("first Insert(a) = false, want true")
	}
	if j.Insert(a) {
		t.Error("second Insert(a) = true, want false")
	}
	if !j.Insert(b) {
		t.Error("Insert(b) = false, want true")
	}
}

func TestJobCheckAndCommit(t *testing.T) {
	j := New("1700000000:2", testAttempt(t))
	if j.Height() != 100 {
		t.Errorf("Height = %d, want 100", j.Height())
	}
	if j.Difficulty <= 0 {
		t.Errorf("Difficulty = %v, want > 0", j.Difficulty)
	}

	var proof *chain.Proof
	for nonce := uint32(0); nonce < 1000 && proof == nil; nonce++ {
		p := j.Check(0xabcdef01, &Submission{Nonce2: 1, Time: 1700000000, Nonce: nonce})
		if p.Verify(j.Target) {
			proof = p
		}
	}
	if proof == nil {
		t.Fatal("no solution found")
	}

	block, err := j.Commit(proof)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if block.BlockHash() != proof.Hash {
		t.Errorf("block hash = %s, want %s", block.BlockHash(), proof.Hash)
	}
	if !j.Committed() {
		t.Error("Committed = false after Commit")
	}
	if _, err := j.Commit(proof); !errors.Is(err, ErrCommitted) {
		t.Errorf("second Commit error = %v, want %v", err, ErrCommitted)
	}
}

func TestIDSource(t *testing.T) {
	src := NewIDSource(time.Unix(1700000000, 0))
	pattern := regexp.MustCompile(`^\d+:\d+$`)

	first := src.Next()
	second := src.Next()
	if first != "1700000000:1" || second != "1700000000:2" {
		t.Errorf("ids = %s, %s", first, second)
	}
	if !pattern.MatchString(first) || !util.IsJobID(first) {
		t.Errorf("id %s is not a valid job id", first)
	}
}

func TestRing(t *testing.T) {
	a := testAttempt(t)
	r := NewRing(3)

	var evicted []string
	for i := 1; i <= 5; i++ {
		if old := r.Push(New(fmt.Sprintf("1700000000:%d", i), a)); old != nil {
			evicted = append(evicted, old.ID)
		}
	}

	if r.Len() != 3 {
		t.Errorf("Len = %d, want 3", r.Len())
	}
	if len(evicted) != 2 || evicted[0] != "1700000000:1" || evicted[1] != "1700000000:2" {
		t.Errorf("evicted = %v", evicted)
	}
	if r.Get("1700000000:1") != nil {
		t.Error("evicted job still indexed")
	}
	if r.Get("1700000000:4") == nil {
		t.Error("job 4 missing")
	}
	if latest := r.Latest(); latest == nil || latest.ID != "1700000000:5" {
		t.Errorf("Latest = %v", latest)
	}
}

func TestRingDefaultCapacity(t *testing.T) {
	r := NewRing(0)
	if r.Latest() != nil {
		t.Error("Latest on empty ring")
	}
	a := testAttempt(t)
	for i := 0; i < 10; i++ {
		r.Push(New(fmt.Sprintf("1700000000:%d", i), a))
	}
	if r.Len() != DefaultCapacity {
		t.Errorf("Len = %d, want %d", r.Len(), DefaultCapacity)
	}
}

func TestParseSubmission(t *testing.T) {
	valid := []interface{}{"miner", "1700000000:1", "00000001", "6553f100", "deadbeef"}

	sub, err := ParseSubmission(valid)
	if err != nil {
		t.Fatalf("ParseSubmission: %v", err)
	}
	if sub.Username != "miner" || sub.JobID != "1700000000:1" {
		t.Errorf("sub = %+v", sub)
	}
	if sub.Nonce2 != 1 || sub.Time != 1700000000 || sub.Nonce != 0xdeadbeef {
		t.Errorf("nonces = %x %x %x", sub.Nonce2, sub.Time, sub.Nonce)
	}

	with := func(i int, v interface{}) []interface{} {
		p := append([]interface{}(nil), valid...)
		p[i] = v
		return p
	}
	tests := []struct {
		name   string
		params []interface{}
	}{
		{"too few", valid[:4]},
		{"empty username", with(0, "")},
		{"long username", with(0, string(bytes.Repeat([]byte{'a'}, 101)))},
		{"short job id", with(1, "1:1")},
		{"long job id", with(1, "1700000000:12345678901")},
		{"short nonce2", with(2, "0001")},
		{"non-hex time", with(3, "zzzzzzzz")},
		{"numeric nonce", with(4, 42.0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseSubmission(tt.params); !errors.Is(err, ErrInvalidSubmission) {
				t.Errorf("error = %v, want %v", err, ErrInvalidSubmission)
			}
		})
	}
}
