package ledger

import (
	"encoding/hex"
	"fmt"
)

const PayoutVersion = 1

// PayoutUser is one output of a payout transaction.
type PayoutUser struct {
	Username string
	Heights  []uint32
	Total    uint64
}

// Payout is a batch of unpaid records settled by one transaction. Users is
// only populated while the batch is being built.
type Payout struct {
	Version uint32 `json:"version"`
	Time    uint32 `json:"time"`
	Hash    string `json:"hash"`
	Total   uint64 `json:"total"`
	Miner   uint32 `json:"miner"`
	Height  uint64 `json:"height"`

	Users []PayoutUser `json:"-"`
}

func NewPayout() *Payout {
	return &Payout{Version: PayoutVersion}
}

// Add appends one user and keeps Total and Miner in step.
func (p *Payout) Add(username string, heights []uint32, total uint64) {
	p.Users = append(p.Users, PayoutUser{Username: username, Heights: heights, Total: total})
	p.Total += total
	p.Miner++
}

// SetTX records the paying transaction and the chain height it was sent at.
func (p *Payout) SetTX(hash string, height uint32, now uint32) {
	p.Hash = hash
	p.Height = uint64(height)
	p.Time = now
}

func (p *Payout) Key() ([]byte, error) {
	h, err := hashFromHex(p.Hash)
	if err != nil {
		return nil, err
	}
	return PayoutKey(p.Time, h), nil
}

func EncodePayout(p *Payout) []byte {
	w := newWriter(4 + 8 + 4 + 8)
	w.u32(p.Version)
	w.u64(p.Total)
	w.u32(p.Miner)
	w.u64(p.Height)
	return w.buf
}

// DecodePayout reads a p record; time and hash come from its key.
func DecodePayout(key, raw []byte) (*Payout, error) {
	k, err := DecodeKey(key)
	if err != nil {
		return nil, err
	}
	if k.Tag != TagPayout {
		return nil, fmt.Errorf("%w: tag %q is not a payout", ErrInvalidKey, k.Tag)
	}

	r := newReader(raw)
	p := &Payout{Time: k.Time, Hash: hex.EncodeToString(k.Hash[:])}
	p.Version = r.u32()
	p.Total = r.u64()
	p.Miner = r.u32()
	p.Height = r.u64()

	if r.err != nil {
		return nil, fmt.Errorf("decode payout: %w", r.err)
	}
	return p, nil
}
