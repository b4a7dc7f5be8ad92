package ledger

import (
	"fmt"
	"math"
	"sort"
)

// Backup is a snapshot of the live contribution map so a restart does not
// lose shares submitted since the last found block.
type Backup struct {
	Time   uint32
	Shares map[string]uint64
}

func NewBackup(contrib map[string]float64, now uint32) *Backup {
	b := &Backup{Time: now, Shares: make(map[string]uint64, len(contrib))}
	for user, v := range contrib {
		b.Shares[user] = uint64(math.Floor(v))
	}
	return b
}

func EncodeBackup(b *Backup) ([]byte, error) {
	users := make([]string, 0, len(b.Shares))
	size := 4
	for u := range b.Shares {
		if err := checkLen("username", u); err != nil {
			return nil, err
		}
		users = append(users, u)
		size += 1 + len(u) + 8
	}
	sort.Strings(users)

	w := newWriter(size)
	w.u32(b.Time)
	for _, u := range users {
		w.str(u)
		w.u64(b.Shares[u])
	}
	return w.buf, nil
}

func DecodeBackup(raw []byte) (*Backup, error) {
	r := newReader(raw)
	b := &Backup{Time: r.u32(), Shares: make(map[string]uint64)}
	for r.err == nil && r.left() > 0 {
		user := r.str()
		b.Shares[user] = r.u64()
	}
	if r.err != nil {
		return nil, fmt.Errorf("decode backup: %w", r.err)
	}
	return b, nil
}
