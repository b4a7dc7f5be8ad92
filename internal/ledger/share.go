package ledger

import (
	"encoding/hex"
	"fmt"
	"math"
	"sort"
)

const ShareVersion = 1

// Share is the snapshot written when the pool finds a block: the block's
// coinbase details and every user's diff1 contribution toward it.
type Share struct {
	Version        uint32            `json:"version"`
	Network        string            `json:"network"`
	Height         uint32            `json:"height"`
	Block          string            `json:"block"`
	Ts             uint32            `json:"ts"`
	Time           uint32            `json:"time"`
	TxID           string            `json:"txid"`
	Address        string            `json:"address"`
	Reward         uint64            `json:"reward"`
	FounderReward  float32           `json:"founderReward"`
	FounderAddress string            `json:"founderAddress"`
	Fee            float32           `json:"fee"`
	Size           uint32            `json:"size"`
	Total          uint64            `json:"total"`
	Shares         map[string]uint64 `json:"shares"`

	// Merged is the valid height a stale share rolled into. It lives in the
	// S key, not the value.
	Merged uint32 `json:"merged,omitempty"`
}

// SetContributions fills Shares, Size and Total from a live contribution
// map. Values are floored; Total is the floor of the exact sum.
func (s *Share) SetContributions(contrib map[string]float64) {
	s.Shares = make(map[string]uint64, len(contrib))

	var total float64
	for user, v := range contrib {
		s.Shares[user] = uint64(math.Floor(v))
		total += v
	}

	s.Size = uint32(len(contrib))
	s.Total = uint64(math.Floor(total))
}

// Usernames returns the contributing users in byte order.
func (s *Share) Usernames() []string {
	users := make([]string, 0, len(s.Shares))
	for u := range s.Shares {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

func hashFromHex(s string) ([HashSize]byte, error) {
	var h [HashSize]byte
	if s == "" {
		return h, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("hash %q is %d bytes", s, len(b))
	}
	copy(h[:], b)
	return h, nil
}

func checkLen(field, s string) error {
	if len(s) > math.MaxUint8 {
		return fmt.Errorf("ledger: %s too long (%d bytes)", field, len(s))
	}
	return nil
}

// EncodeShare serializes s. Users are written in byte order so equal shares
// encode identically.
func EncodeShare(s *Share) ([]byte, error) {
	block, err := hashFromHex(s.Block)
	if err != nil {
		return nil, fmt.Errorf("share block: %w", err)
	}
	txid, err := hashFromHex(s.TxID)
	if err != nil {
		return nil, fmt.Errorf("share txid: %w", err)
	}
	for field, v := range map[string]string{
		"network":        s.Network,
		"address":        s.Address,
		"founderAddress": s.FounderAddress,
	} {
		if err := checkLen(field, v); err != nil {
			return nil, err
		}
	}

	users := s.Usernames()
	size := 4 + 1 + len(s.Network) + 4 + 32 + 4 + 4 + 32 + 1 + len(s.Address) +
		8 + 4 + 1 + len(s.FounderAddress) + 4 + 4 + 8
	for _, u := range users {
		if err := checkLen("username", u); err != nil {
			return nil, err
		}
		size += 1 + len(u) + 8
	}

	w := newWriter(size)
	w.u32(s.Version)
	w.str(s.Network)
	w.u32(s.Height)
	w.bytes(block[:])
	w.u32(s.Ts)
	w.u32(s.Time)
	w.bytes(txid[:])
	w.str(s.Address)
	w.u64(s.Reward)
	w.f32(s.FounderReward)
	w.str(s.FounderAddress)
	w.f32(s.Fee)
	w.u32(s.Size)
	w.u64(s.Total)

	for _, u := range users {
		w.str(u)
		w.u64(s.Shares[u])
	}

	return w.buf, nil
}

func DecodeShare(raw []byte) (*Share, error) {
	r := newReader(raw)
	s := &Share{}

	s.Version = r.u32()
	s.Network = r.str()
	s.Height = r.u32()
	block := r.hash()
	s.Ts = r.u32()
	s.Time = r.u32()
	txid := r.hash()
	s.Address = r.str()
	s.Reward = r.u64()
	s.FounderReward = r.f32()
	s.FounderAddress = r.str()
	s.Fee = r.f32()
	s.Size = r.u32()
	s.Total = r.u64()

	s.Shares = make(map[string]uint64)
	for r.err == nil && r.left() > 0 {
		user := r.str()
		s.Shares[user] = r.u64()
	}

	if r.err != nil {
		return nil, fmt.Errorf("decode share: %w", r.err)
	}

	s.Block = hex.EncodeToString(block[:])
	s.TxID = hex.EncodeToString(txid[:])

	return s, nil
}
