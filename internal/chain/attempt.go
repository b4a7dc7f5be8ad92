package chain

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/tos-network/stratum-pool/internal/util"
)

const (
	// Nonce1Size is the session id part of the extra nonce.
	Nonce1Size = 4
	// Nonce2Size is the miner-chosen part of the extra nonce.
	Nonce2Size = 4

	extraNonceSize   = Nonce1Size + Nonce2Size
	maxScriptSigSize = 100
	defaultTag       = "/stratum-pool/"
)

var errPlaceholder = errors.New("chain: extra nonce placeholder not found")

// TemplateAttempt is one block template prepared for mining: the coinbase is
// split around an 8-byte extra nonce so each session can grind its own
// header space.
type TemplateAttempt struct {
	Height        uint32
	Version       int32
	PrevBlock     chainhash.Hash
	Bits          uint32
	Time          uint32
	Target        *big.Int
	CoinbaseValue int64
	Left          []byte
	Right         []byte
	Branches      []chainhash.Hash

	witness bool
	txs     []*wire.MsgTx
	txids   []chainhash.Hash
}

// Proof is a miner's solution hashed against an attempt.
type Proof struct {
	Header wire.BlockHeader
	Hash   chainhash.Hash
	Nonce1 uint32
	Nonce2 uint32
}

// Difficulty is the share difficulty the proof hash satisfies.
func (p *Proof) Difficulty() float64 {
	return util.HashToDifficulty(p.Hash[:])
}

// Verify reports whether the proof meets target.
func (p *Proof) Verify(target *big.Int) bool {
	return util.HashMeetsTarget(p.Hash[:], target)
}

// ScriptForAddress returns the output script paying addr on params.
func ScriptForAddress(addr string, params *chaincfg.Params) ([]byte, error) {
	if addr == "" {
		return nil, ErrNoAddress
	}
	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return nil, fmt.Errorf("decode address %q: %w", addr, err)
	}
	if !decoded.IsForNet(params) {
		return nil, fmt.Errorf("address %q is not for %s", addr, params.Name)
	}
	return txscript.PayToAddrScript(decoded)
}

// NewTemplateAttempt prepares tpl for mining, paying the full coinbase value
// to payout. tag is written into the coinbase script.
func NewTemplateAttempt(tpl *Template, payout []byte, tag string) (*TemplateAttempt, error) {
	if len(payout) == 0 {
		return nil, ErrNoAddress
	}
	if tpl.Height <= 0 || tpl.Height > int64(^uint32(0)) {
		return nil, fmt.Errorf("template height %d out of range", tpl.Height)
	}
	prev, err := chainhash.NewHashFromStr(tpl.Previous)
	if err != nil {
		return nil, fmt.Errorf("template previousblockhash: %w", err)
	}
	bits, err := strconv.ParseUint(tpl.Bits, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("template bits: %w", err)
	}

	a := &TemplateAttempt{
		Height:        uint32(tpl.Height),
		Version:       tpl.Version,
		PrevBlock:     *prev,
		Bits:          uint32(bits),
		Time:          uint32(max(tpl.CurTime, tpl.MinTime)),
		CoinbaseValue: tpl.CoinbaseValue,
		witness:       tpl.DefaultWitnessCommitment != "",
	}

	a.Target = util.CompactToTarget(a.Bits)
	if tpl.Target != "" {
		if t, ok := new(big.Int).SetString(tpl.Target, 16); ok {
			a.Target = t
		}
	}

	for i, tx := range tpl.Transactions {
		raw, err := hex.DecodeString(tx.Data)
		if err != nil {
			return nil, fmt.Errorf("template tx %d: %w", i, err)
		}
		msg := wire.NewMsgTx(wire.TxVersion)
		if err := msg.Deserialize(bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("template tx %d: %w", i, err)
		}
		a.txs = append(a.txs, msg)
		a.txids = append(a.txids, msg.TxHash())
	}
	a.Branches = merkleBranches(a.txids)

	var flags []byte
	if tpl.CoinbaseAux.Flags != "" {
		if flags, err = hex.DecodeString(tpl.CoinbaseAux.Flags); err != nil {
			return nil, fmt.Errorf("template coinbase flags: %w", err)
		}
	}
	var commitment []byte
	if a.witness {
		if commitment, err = hex.DecodeString(tpl.DefaultWitnessCommitment); err != nil {
			return nil, fmt.Errorf("template witness commitment: %w", err)
		}
	}

	if err := a.buildCoinbase(payout, flags, commitment, tag, tpl.CurTime); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *TemplateAttempt) buildCoinbase(payout, flags, commitment []byte, tag string, now int64) error {
	head := bytes.Join([][]byte{
		serializeNumberScript(int64(a.Height)),
		flags,
		serializeNumberScript(now),
		{byte(extraNonceSize)},
	}, nil)

	room := maxScriptSigSize - len(head) - extraNonceSize - 1
	if room < 2 {
		return fmt.Errorf("coinbase script too large (%d bytes before tag)", len(head))
	}
	msg := normalizeCoinbaseMessage(tag)
	if len(msg) > room {
		msg = msg[:room]
	}

	placeholder := bytes.Repeat([]byte{0xff}, extraNonceSize)
	script := make([]byte, 0, maxScriptSigSize)
	script = append(script, head...)
	script = append(script, placeholder...)
	script = append(script, serializeStringScript(msg)...)

	tx := wire.NewMsgTx(1)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
		SignatureScript:  script,
		Sequence:         0,
	})
	tx.AddTxOut(wire.NewTxOut(a.CoinbaseValue, payout))
	if len(commitment) > 0 {
		tx.AddTxOut(wire.NewTxOut(0, commitment))
	}

	var buf bytes.Buffer
	if err := tx.SerializeNoWitness(&buf); err != nil {
		return fmt.Errorf("serialize coinbase: %w", err)
	}
	raw := buf.Bytes()

	// version, input count, prevout, script length, script head
	offset := 4 + 1 + 36 + wire.VarIntSerializeSize(uint64(len(script))) + len(head)
	if offset+extraNonceSize > len(raw) || !bytes.Equal(raw[offset:offset+extraNonceSize], placeholder) {
		return errPlaceholder
	}
	a.Left = append([]byte(nil), raw[:offset]...)
	a.Right = append([]byte(nil), raw[offset+extraNonceSize:]...)
	return nil
}

// Difficulty is the network difficulty of the attempt's target.
func (a *TemplateAttempt) Difficulty() float64 {
	return util.TargetToDifficulty(a.Target)
}

// TxIDs returns the template transaction ids in display order.
func (a *TemplateAttempt) TxIDs() []string {
	out := make([]string, len(a.txids))
	for i, id := range a.txids {
		out[i] = id.String()
	}
	return out
}

func (a *TemplateAttempt) coinbase(nonce1, nonce2 uint32) []byte {
	raw := make([]byte, 0, len(a.Left)+extraNonceSize+len(a.Right))
	raw = append(raw, a.Left...)
	raw = append(raw, util.Uint32BE(nonce1)...)
	raw = append(raw, util.Uint32BE(nonce2)...)
	return append(raw, a.Right...)
}

// Prove hashes a solution. nonce1 is the session id, the rest come from the
// miner's submission.
func (a *TemplateAttempt) Prove(nonce1, nonce2, ts, nonce uint32) *Proof {
	root := merkleRootFromBranches(doubleSHA256(a.coinbase(nonce1, nonce2)), a.Branches)
	p := &Proof{
		Header: wire.BlockHeader{
			Version:    a.Version,
			PrevBlock:  a.PrevBlock,
			MerkleRoot: root,
			Timestamp:  time.Unix(int64(ts), 0),
			Bits:       a.Bits,
			Nonce:      nonce,
		},
		Nonce1: nonce1,
		Nonce2: nonce2,
	}
	var buf bytes.Buffer
	buf.Grow(wire.MaxBlockHeaderPayload)
	// Writing to a bytes.Buffer cannot fail.
	_ = p.Header.Serialize(&buf)
	p.Hash = doubleSHA256(buf.Bytes())
	return p
}

// Commit assembles the full block for a proof.
func (a *TemplateAttempt) Commit(p *Proof) (*wire.MsgBlock, error) {
	cb := wire.NewMsgTx(1)
	if err := cb.DeserializeNoWitness(bytes.NewReader(a.coinbase(p.Nonce1, p.Nonce2))); err != nil {
		return nil, fmt.Errorf("rebuild coinbase: %w", err)
	}
	if a.witness {
		cb.TxIn[0].Witness = wire.TxWitness{make([]byte, 32)}
	}

	block := wire.NewMsgBlock(&p.Header)
	if err := block.AddTransaction(cb); err != nil {
		return nil, err
	}
	for _, tx := range a.txs {
		if err := block.AddTransaction(tx); err != nil {
			return nil, err
		}
	}
	return block, nil
}

// NotifyParams returns the mining.notify parameter list for the attempt.
func (a *TemplateAttempt) NotifyParams(id string, clean bool) []interface{} {
	branches := make([]string, len(a.Branches))
	for i, b := range a.Branches {
		branches[i] = hex.EncodeToString(b[:])
	}
	return []interface{}{
		id,
		util.Swap32Hex(a.PrevBlock[:]),
		hex.EncodeToString(a.Left),
		hex.EncodeToString(a.Right),
		branches,
		util.Hex32(uint32(a.Version)),
		util.Hex32(a.Bits),
		util.Hex32(a.Time),
		clean,
	}
}

func serializeNumberScript(n int64) []byte {
	if n >= 1 && n <= 16 {
		return []byte{byte(0x50 + n)}
	}
	l := 1
	buf := make([]byte, 9)
	for n > 0x7f {
		buf[l] = byte(n & 0xff)
		l++
		n >>= 8
	}
	buf[0] = byte(l)
	buf[l] = byte(n)
	return buf[:l+1]
}

func serializeStringScript(s string) []byte {
	return append([]byte{byte(len(s))}, s...)
}

// normalizeCoinbaseMessage wraps msg in slashes.
func normalizeCoinbaseMessage(msg string) string {
	msg = strings.Trim(strings.TrimSpace(msg), "/")
	if msg == "" {
		return defaultTag
	}
	return "/" + msg + "/"
}
