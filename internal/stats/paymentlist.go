package stats

import (
	"fmt"
	"sync"

	"github.com/tos-network/stratum-pool/internal/ledger"
)

// PaymentCacheSize is how many payout batches are kept in memory.
const PaymentCacheSize = 1000

// PayoutPage is one page of payout batches and the total batch count.
type PayoutPage struct {
	Payouts []*ledger.Payout `json:"payouts"`
	Size    int              `json:"size"`
}

// PaymentList caches the newest payout batches.
type PaymentList struct {
	store *ledger.Store

	mu      sync.RWMutex
	payouts []*ledger.Payout
	size    int
}

func NewPaymentList(store *ledger.Store) *PaymentList {
	return &PaymentList{store: store}
}

func (l *PaymentList) Load() error {
	n, err := l.store.PayoutCount()
	if err != nil {
		return fmt.Errorf("count payouts: %w", err)
	}
	payouts, err := l.store.Payouts(PaymentCacheSize, 0, false)
	if err != nil {
		return fmt.Errorf("load payouts: %w", err)
	}

	l.mu.Lock()
	l.payouts = payouts
	l.size = n
	l.mu.Unlock()
	return nil
}

// Add records a committed payout batch.
func (l *PaymentList) Add(p *ledger.Payout) {
	l.mu.Lock()
	defer l.mu.Unlock()

	list := append([]*ledger.Payout{p}, l.payouts...)
	if len(list) > PaymentCacheSize {
		list = list[:PaymentCacheSize]
	}
	l.payouts = list
	l.size++
}

func (l *PaymentList) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Get returns payout batches newest first.
func (l *PaymentList) Get(limit, offset int) (*PayoutPage, error) {
	if limit < 0 || offset < 0 {
		return nil, fmt.Errorf("invalid page %d+%d", offset, limit)
	}

	end := limit + offset
	l.mu.RLock()
	size := l.size
	if end <= PaymentCacheSize {
		page := &PayoutPage{Payouts: []*ledger.Payout{}, Size: size}
		if offset < len(l.payouts) {
			if end > len(l.payouts) {
				end = len(l.payouts)
			}
			page.Payouts = append(page.Payouts, l.payouts[offset:end]...)
		}
		l.mu.RUnlock()
		return page, nil
	}
	l.mu.RUnlock()

	payouts, err := l.store.Payouts(limit, offset, false)
	if err != nil {
		return nil, err
	}
	if payouts == nil {
		payouts = []*ledger.Payout{}
	}
	return &PayoutPage{Payouts: payouts, Size: size}, nil
}
