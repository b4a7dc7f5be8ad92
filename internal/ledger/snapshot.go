package ledger

import "fmt"

const SnapshotVersion = 1

// Snapshot is one stats interval: accepted diff1 shares over Seconds.
type Snapshot struct {
	Time    uint32 `json:"time"`
	Version uint32 `json:"version"`
	Shares  uint32 `json:"shares"`
	Seconds uint32 `json:"seconds"`
}

func EncodeSnapshot(s *Snapshot) []byte {
	w := newWriter(12)
	w.u32(SnapshotVersion)
	w.u32(s.Shares)
	w.u32(s.Seconds)
	return w.buf
}

// DecodeSnapshot reads an m record; time comes from its key.
func DecodeSnapshot(time uint32, raw []byte) (*Snapshot, error) {
	r := newReader(raw)
	s := &Snapshot{Time: time, Version: r.u32(), Shares: r.u32(), Seconds: r.u32()}
	if r.err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", r.err)
	}
	return s, nil
}
