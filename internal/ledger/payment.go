package ledger

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
)

const PaymentVersion = 1

// PaymentIDOffset is where the paying transaction hash starts in an
// encoded Payment.
const PaymentIDOffset = 4 + 4 + 8 + 8 + 8 + 1 + 4 + 4 + 32

const paymentSize = PaymentIDOffset + 32

// Payment is one user's entitlement from one settled block. It is stored
// under U until paid and under P afterwards.
type Payment struct {
	Version       uint32  `json:"version"`
	Time          uint32  `json:"time"`
	Total         uint64  `json:"total"`
	Value         uint64  `json:"value"`
	Reward        uint64  `json:"reward"`
	Founder       bool    `json:"founder"`
	FounderReward float32 `json:"founderReward"`
	Fee           float32 `json:"fee"`
	Block         string  `json:"block"`
	PaymentID     string  `json:"paymentID"`
	Amount        uint64  `json:"amount"`
}

// NewPayment derives username's entitlement from a valid share record.
func NewPayment(username string, value uint64, s *Share, now uint32) *Payment {
	p := &Payment{
		Version:       PaymentVersion,
		Time:          now,
		Total:         s.Total,
		Value:         value,
		Reward:        s.Reward,
		Founder:       username == s.FounderAddress,
		FounderReward: s.FounderReward,
		Fee:           s.Fee,
		Block:         s.Block,
	}
	p.Amount = p.computeAmount()
	return p
}

// computeAmount is the user's proportional reward after pool fee and
// founder cut; the founder also receives the founder cut.
func (p *Payment) computeAmount() uint64 {
	if p.Total == 0 {
		return 0
	}

	reward := float64(p.Reward)
	founderReward := float64(p.FounderReward)
	misc := (float64(p.Fee) + founderReward) / 100

	var luck float64
	if p.Founder {
		luck = reward * (founderReward / 100)
	}

	amount := math.Floor(float64(p.Value)/float64(p.Total)*(reward-reward*misc) + luck)
	if amount < 0 {
		return 0
	}
	return uint64(amount)
}

func EncodePayment(p *Payment) ([]byte, error) {
	block, err := hashFromHex(p.Block)
	if err != nil {
		return nil, fmt.Errorf("payment block: %w", err)
	}
	id, err := hashFromHex(p.PaymentID)
	if err != nil {
		return nil, fmt.Errorf("payment id: %w", err)
	}

	w := newWriter(paymentSize)
	w.u32(p.Version)
	w.u32(p.Time)
	w.u64(p.Total)
	w.u64(p.Value)
	w.u64(p.Reward)
	if p.Founder {
		w.u8(1)
	} else {
		w.u8(0)
	}
	w.f32(p.FounderReward)
	w.f32(p.Fee)
	w.bytes(block[:])
	w.bytes(id[:])

	return w.buf, nil
}

func DecodePayment(raw []byte) (*Payment, error) {
	r := newReader(raw)
	p := &Payment{}

	p.Version = r.u32()
	p.Time = r.u32()
	p.Total = r.u64()
	p.Value = r.u64()
	p.Reward = r.u64()
	p.Founder = r.u8() == 1
	p.FounderReward = r.f32()
	p.Fee = r.f32()
	block := r.hash()
	id := r.hash()

	if r.err != nil {
		return nil, fmt.Errorf("decode payment: %w", r.err)
	}

	p.Block = hex.EncodeToString(block[:])
	p.PaymentID = hex.EncodeToString(id[:])
	p.Amount = p.computeAmount()

	return p, nil
}

// MarkPaid rewrites the payment time and transaction hash of an encoded
// unpaid record, leaving every other field untouched.
func MarkPaid(raw []byte, paymentID [HashSize]byte, now uint32) ([]byte, error) {
	if len(raw) < paymentSize {
		return nil, fmt.Errorf("mark paid: %w", ErrShortRecord)
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	binary.LittleEndian.PutUint32(out[4:], now)
	copy(out[PaymentIDOffset:], paymentID[:])
	return out, nil
}
