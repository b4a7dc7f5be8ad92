package ledger

import "fmt"

const SummaryVersion = 1

// UserSummary caches a user's payment totals. It can always be recomputed
// from the user's U and P records.
type UserSummary struct {
	Txn     uint32 `json:"txn"`
	Amount  uint64 `json:"amount"`
	Pending uint64 `json:"pending"`
	Share   uint64 `json:"share"`
}

// AddUnpaid accounts for a newly written unpaid record.
func (s *UserSummary) AddUnpaid(amount, share uint64) {
	s.Pending += amount
	s.Share += share
}

// AddPaid accounts for one payout transaction of amount.
func (s *UserSummary) AddPaid(amount uint64) {
	s.Txn++
	s.Amount += amount
	if amount > s.Pending {
		s.Pending = 0
	} else {
		s.Pending -= amount
	}
}

func EncodeUserSummary(s *UserSummary) []byte {
	w := newWriter(28)
	w.u32(s.Txn)
	w.u64(s.Amount)
	w.u64(s.Pending)
	w.u64(s.Share)
	return w.buf
}

func DecodeUserSummary(raw []byte) (*UserSummary, error) {
	r := newReader(raw)
	s := &UserSummary{
		Txn:     r.u32(),
		Amount:  r.u64(),
		Pending: r.u64(),
		Share:   r.u64(),
	}
	if r.err != nil {
		return nil, fmt.Errorf("decode user summary: %w", r.err)
	}
	return s, nil
}

// PoolSummary aggregates every payout the pool has made. Next is the height
// at which the oldest unsettled share becomes payable.
type PoolSummary struct {
	Version uint32 `json:"-"`
	Height  uint64 `json:"height"`
	Miner   uint32 `json:"miner"`
	Amount  uint64 `json:"amount"`
	Txn     uint64 `json:"txn"`
	Next    uint64 `json:"next"`
}

// Apply folds one payout into the summary.
func (s *PoolSummary) Apply(p *Payout) {
	s.Height = p.Height
	s.Miner += p.Miner
	s.Amount += p.Total
	s.Txn++
}

func EncodePoolSummary(s *PoolSummary) []byte {
	w := newWriter(40)
	w.u32(SummaryVersion)
	w.u64(s.Height)
	w.u32(s.Miner)
	w.u64(s.Amount)
	w.u64(s.Txn)
	w.u64(s.Next)
	return w.buf
}

func DecodePoolSummary(raw []byte) (*PoolSummary, error) {
	r := newReader(raw)
	s := &PoolSummary{
		Version: r.u32(),
		Height:  r.u64(),
		Miner:   r.u32(),
		Amount:  r.u64(),
		Txn:     r.u64(),
		Next:    r.u64(),
	}
	if r.err != nil {
		return nil, fmt.Errorf("decode pool summary: %w", r.err)
	}
	return s, nil
}
