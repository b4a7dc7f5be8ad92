package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var regtest = &chaincfg.RegressionNetParams

func testPayout(t *testing.T) (string, []byte) {
	t.Helper()
	addr, err := btcutil.NewAddressWitnessPubKeyHash(bytes.Repeat([]byte{7}, 20), regtest)
	if err != nil {
		t.Fatal(err)
	}
	script, err := ScriptForAddress(addr.EncodeAddress(), regtest)
	if err != nil {
		t.Fatalf("ScriptForAddress: %v", err)
	}
	return addr.EncodeAddress(), script
}

func testTx(t *testing.T, seed byte) TemplateTx {
	t.Helper()
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{seed}, 0), []byte{0x51}, nil))
	tx.AddTxOut(wire.NewTxOut(int64(seed)*1000, []byte{0x51}))
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		t.Fatal(err)
	}
	return TemplateTx{Data: hex.EncodeToString(buf.Bytes()), Txid: tx.TxHash().String()}
}

func testTemplate(t *testing.T, ntx int) *Template {
	t.Helper()
	tpl := &Template{
		Bits:                     "207fffff",
		CurTime:                  1700000000,
		Height:                   1234,
		MinTime:                  1699999000,
		Version:                  0x20000000,
		Previous:                 "0000000000000000000000000000000000000000000000000000000000000abc",
		CoinbaseValue:            5000000000,
		DefaultWitnessCommitment: "6a24aa21a9ed" + hex.EncodeToString(bytes.Repeat([]byte{1}, 32)),
	}
	for i := 0; i < ntx; i++ {
		tpl.Transactions = append(tpl.Transactions, testTx(t, byte(i+1)))
	}
	return tpl
}

// naiveMerkleRoot builds the full tree level by level.
func naiveMerkleRoot(hashes []chainhash.Hash) chainhash.Hash {
	for len(hashes) > 1 {
		if len(hashes)%2 == 1 {
			hashes = append(hashes, hashes[len(hashes)-1])
		}
		var next []chainhash.Hash
		for i := 0; i < len(hashes); i += 2 {
			next = append(next, chainhash.DoubleHashH(append(hashes[i][:], hashes[i+1][:]...)))
		}
		hashes = next
	}
	return hashes[0]
}

func TestMerkleBranches(t *testing.T) {
	for n := 0; n <= 7; n++ {
		cb := chainhash.Hash{0xcb}
		txids := make([]chainhash.Hash, n)
		for i := range txids {
			txids[i] = chainhash.Hash{byte(i + 1)}
		}
		got := merkleRootFromBranches(cb, merkleBranches(txids))
		want := naiveMerkleRoot(append([]chainhash.Hash{cb}, txids...))
		if got != want {
			t.Errorf("%d txs: root = %s, want %s", n, got, want)
		}
	}
}

func TestSerializeNumberScript(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{1, "51"},
		{16, "60"},
		{17, "0111"},
		{127, "017f"},
		{128, "028000"},
		{1234, "02d204"},
		{840000, "0340d10c"},
	}
	for _, tt := range tests {
		if got := hex.EncodeToString(serializeNumberScript(tt.n)); got != tt.want {
			t.Errorf("serializeNumberScript(%d) = %s, want %s", tt.n, got, tt.want)
		}
	}
}

func TestNormalizeCoinbaseMessage(t *testing.T) {
	tests := map[string]string{
		"":           defaultTag,
		"  ":         defaultTag,
		"pool":       "/pool/",
		"/pool/":     "/pool/",
		" /my pool ": "/my pool/",
	}
	for in, want := range tests {
		if got := normalizeCoinbaseMessage(in); got != want {
			t.Errorf("normalizeCoinbaseMessage(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestScriptForAddress(t *testing.T) {
	addr, _ := testPayout(t)
	if _, err := ScriptForAddress("", regtest); err != ErrNoAddress {
		t.Errorf("empty address error = %v, want %v", err, ErrNoAddress)
	}
	if _, err := ScriptForAddress(addr, &chaincfg.MainNetParams); err == nil {
		t.Error("regtest address accepted for mainnet")
	}
	if _, err := ScriptForAddress("not-an-address", regtest); err == nil {
		t.Error("garbage address accepted")
	}
}

func TestNewTemplateAttempt(t *testing.T) {
	_, payout := testPayout(t)
	tpl := testTemplate(t, 3)

	a, err := NewTemplateAttempt(tpl, payout, "test pool")
	if err != nil {
		t.Fatalf("NewTemplateAttempt: %v", err)
	}
	if a.Height != 1234 {
		t.Errorf("Height = %d, want 1234", a.Height)
	}
	if a.Time != 1700000000 {
		t.Errorf("Time = %d, want curtime", a.Time)
	}
	if a.Bits != 0x207fffff {
		t.Errorf("Bits = %x", a.Bits)
	}
	if len(a.TxIDs()) != 3 || a.TxIDs()[0] != tpl.Transactions[0].Txid {
		t.Errorf("TxIDs = %v", a.TxIDs())
	}
	if len(a.Branches) != 2 {
		t.Errorf("len(Branches) = %d, want 2", len(a.Branches))
	}

	cb := wire.NewMsgTx(1)
	if err := cb.DeserializeNoWitness(bytes.NewReader(a.coinbase(0xdeadbeef, 7))); err != nil {
		t.Fatalf("coinbase does not parse: %v", err)
	}
	script := cb.TxIn[0].SignatureScript
	if len(script) > maxScriptSigSize {
		t.Errorf("scriptSig is %d bytes", len(script))
	}
	if !bytes.Contains(script, []byte{0xde, 0xad, 0xbe, 0xef, 0, 0, 0, 7}) {
		t.Errorf("extra nonce missing from scriptSig %x", script)
	}
	if !bytes.Contains(script, []byte("/test pool/")) {
		t.Errorf("tag missing from scriptSig %x", script)
	}
	if len(cb.TxOut) != 2 || cb.TxOut[0].Value != 5000000000 || !bytes.Equal(cb.TxOut[0].PkScript, payout) {
		t.Errorf("unexpected coinbase outputs %+v", cb.TxOut)
	}
}

func TestTemplateAttemptMinTime(t *testing.T) {
	_, payout := testPayout(t)
	tpl := testTemplate(t, 0)
	tpl.MinTime = tpl.CurTime + 30

	a, err := NewTemplateAttempt(tpl, payout, "")
	if err != nil {
		t.Fatal(err)
	}
	if a.Time != uint32(tpl.MinTime) {
		t.Errorf("Time = %d, want mintime %d", a.Time, tpl.MinTime)
	}
	if a.Branches != nil {
		t.Errorf("Branches = %v, want none", a.Branches)
	}
}

func TestNewTemplateAttemptErrors(t *testing.T) {
	_, payout := testPayout(t)
	if _, err := NewTemplateAttempt(testTemplate(t, 0), nil, ""); err != ErrNoAddress {
		t.Errorf("nil payout error = %v, want %v", err, ErrNoAddress)
	}
	bad := testTemplate(t, 0)
	bad.Previous = "xyz"
	if _, err := NewTemplateAttempt(bad, payout, ""); err == nil {
		t.Error("bad previousblockhash accepted")
	}
	bad = testTemplate(t, 1)
	bad.Transactions[0].Data = "00"
	if _, err := NewTemplateAttempt(bad, payout, ""); err == nil {
		t.Error("bad transaction accepted")
	}
}

func TestProveAndCommit(t *testing.T) {
	_, payout := testPayout(t)
	a, err := NewTemplateAttempt(testTemplate(t, 4), payout, "")
	if err != nil {
		t.Fatal(err)
	}

	var proof *Proof
	for nonce := uint32(0); nonce < 1000; nonce++ {
		p := a.Prove(0x01020304, 9, a.Time, nonce)
		if p.Verify(a.Target) {
			proof = p
			break
		}
	}
	if proof == nil {
		t.Fatal("no nonce met the regtest target")
	}
	if proof.Difficulty() < a.Difficulty() {
		t.Errorf("proof difficulty %v below network %v", proof.Difficulty(), a.Difficulty())
	}

	block, err := a.Commit(proof)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got := block.BlockHash(); got != proof.Hash {
		t.Errorf("block hash = %s, want %s", got, proof.Hash)
	}
	if len(block.Transactions) != 5 {
		t.Fatalf("len(Transactions) = %d, want 5", len(block.Transactions))
	}
	var ids []chainhash.Hash
	for _, tx := range block.Transactions {
		ids = append(ids, tx.TxHash())
	}
	if root := naiveMerkleRoot(ids); root != block.Header.MerkleRoot {
		t.Errorf("merkle root = %s, want %s", block.Header.MerkleRoot, root)
	}
	if w := block.Transactions[0].TxIn[0].Witness; len(w) != 1 || len(w[0]) != 32 {
		t.Errorf("coinbase witness = %x, want one 32-byte item", w)
	}
}

func TestNotifyParams(t *testing.T) {
	_, payout := testPayout(t)
	a, err := NewTemplateAttempt(testTemplate(t, 1), payout, "")
	if err != nil {
		t.Fatal(err)
	}
	params := a.NotifyParams("1700000000:1", true)
	if len(params) != 9 {
		t.Fatalf("len(params) = %d, want 9", len(params))
	}
	if params[0] != "1700000000:1" || params[8] != true {
		t.Errorf("params = %v", params)
	}
	if params[5] != "20000000" || params[6] != "207fffff" || params[7] != "6553f100" {
		t.Errorf("version/bits/time = %v %v %v", params[5], params[6], params[7])
	}
	if branches := params[4].([]string); len(branches) != 1 {
		t.Errorf("branches = %v", branches)
	}
}

func TestBus(t *testing.T) {
	bus := NewBus()
	var got []string
	bus.Subscribe(func(_ context.Context, ev Event) { got = append(got, "a:"+ev.Kind.String()) })
	bus.Subscribe(func(_ context.Context, ev Event) { got = append(got, "b:"+ev.Kind.String()) })

	bus.Publish(context.Background(), Event{Kind: EventConnect})
	bus.Publish(context.Background(), Event{Kind: EventTransaction})

	want := []string{"a:connect", "b:connect", "a:transaction", "b:transaction"}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}
