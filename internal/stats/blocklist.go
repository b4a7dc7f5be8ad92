package stats

import (
	"fmt"
	"sync"
	"time"

	"github.com/tos-network/stratum-pool/internal/ledger"
)

// BlockCacheSize is how many records of each kind are kept in memory.
const BlockCacheSize = 300

// Kind is a share record kind as listed by the block list.
type Kind int

const (
	KindUnsettled Kind = iota
	KindValid
	KindStale
	kindCount
)

var kindTags = [kindCount]byte{ledger.TagUnsettled, ledger.TagValid, ledger.TagStale}

var kindNames = [kindCount]string{"unsettled", "valid", "stale"}

// Tag returns the ledger tag for k.
func (k Kind) Tag() byte {
	return kindTags[k]
}

func (k Kind) String() string {
	if k < 0 || k >= kindCount {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind maps "unsettled", "valid" or "stale" to a Kind.
func ParseKind(s string) (Kind, bool) {
	for i, name := range kindNames {
		if name == s {
			return Kind(i), true
		}
	}
	return 0, false
}

// BlockTime summarizes when blocks were found.
type BlockTime struct {
	Last    uint32 `json:"last"`
	Average uint32 `json:"average"`
	Lookup  int    `json:"lookup"`
}

// BlockPage is one page of a block listing and the total for its kind.
type BlockPage struct {
	Shares []*ledger.Share `json:"shares"`
	Size   int             `json:"size"`
}

// BlockList caches the newest share records of each kind.
type BlockList struct {
	store *ledger.Store

	mu     sync.RWMutex
	shares [kindCount][]*ledger.Share
	sizes  [kindCount]int
}

func NewBlockList(store *ledger.Store) *BlockList {
	return &BlockList{store: store}
}

// Load fills the cache and counters from the ledger.
func (b *BlockList) Load() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for k := Kind(0); k < kindCount; k++ {
		shares, err := b.store.SharesByKind(k.Tag(), BlockCacheSize, 0)
		if err != nil {
			return fmt.Errorf("load %s blocks: %w", k, err)
		}
		n, err := b.store.KindCount(k.Tag())
		if err != nil {
			return fmt.Errorf("count %s blocks: %w", k, err)
		}
		b.shares[k] = shares
		b.sizes[k] = n
	}
	return nil
}

// Add puts sh at the head of kind's list.
func (b *BlockList) Add(k Kind, sh *ledger.Share) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(k, sh)
}

func (b *BlockList) add(k Kind, sh *ledger.Share) {
	list := append([]*ledger.Share{sh}, b.shares[k]...)
	if len(list) > BlockCacheSize {
		list = list[:BlockCacheSize]
	}
	b.shares[k] = list
	b.sizes[k]++
}

// Update moves sh from one kind to another after settlement.
func (b *BlockList) Update(sh *ledger.Share, from, to Kind) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.add(to, sh)

	list := b.shares[from]
	for i, e := range list {
		if e.Block == sh.Block {
			b.shares[from] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if b.sizes[from] > 0 {
		b.sizes[from]--
	}
}

// Size sums the record counts of kinds.
func (b *BlockList) Size(kinds ...Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, k := range kinds {
		n += b.sizes[k]
	}
	return n
}

// Get returns one page of kind's records, newest first. Pages past the
// cache are read from the ledger.
func (b *BlockList) Get(k Kind, limit, offset int) (*BlockPage, error) {
	if k < 0 || k >= kindCount {
		return nil, fmt.Errorf("unknown block kind %d", int(k))
	}
	if limit < 0 || offset < 0 {
		return nil, fmt.Errorf("invalid page %d+%d", offset, limit)
	}

	b.mu.RLock()
	size := b.sizes[k]
	end := limit + offset
	if end <= BlockCacheSize {
		list := b.shares[k]
		page := &BlockPage{Shares: []*ledger.Share{}, Size: size}
		if offset < len(list) {
			if end > len(list) {
				end = len(list)
			}
			page.Shares = append(page.Shares, list[offset:end]...)
		}
		b.mu.RUnlock()
		return page, nil
	}
	b.mu.RUnlock()

	shares, err := b.store.SharesByKind(k.Tag(), limit, offset)
	if err != nil {
		return nil, err
	}
	if shares == nil {
		shares = []*ledger.Share{}
	}
	return &BlockPage{Shares: shares, Size: size}, nil
}

// Time walks the cached records of kinds and reports the newest found
// time and the mean gap between finds, measured back from now.
func (b *BlockList) Time(now time.Time, kinds ...Kind) BlockTime {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var (
		t     BlockTime
		diff  int64
		count int64
		next  = now.Unix()
	)

	for _, k := range kinds {
		list := b.shares[k]
		for _, sh := range list {
			diff += next - int64(sh.Ts)
			next = int64(sh.Ts)
			count++
		}
		t.Lookup += len(list)

		if t.Last == 0 && len(list) > 0 {
			t.Last = list[0].Ts
		}
	}

	if count > 0 && diff > 0 {
		t.Average = uint32(diff / count)
	}
	return t
}
