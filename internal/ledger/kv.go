package ledger

import "errors"

var ErrNotFound = errors.New("ledger: not found")

// KV is the sorted key-value engine under the ledger. Iteration is in byte
// order over inclusive ranges.
type KV interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	// Write commits every operation in b or none of them.
	Write(b *Batch) error
	// Iterate calls fn for each pair in r until fn returns false or an
	// error. Slices passed to fn are owned by the caller.
	Iterate(r Range, reverse bool, fn func(k, v []byte) (bool, error)) error
	Count(r Range) (int, error)
	Close() error
}

type batchOp struct {
	key    []byte
	value  []byte
	delete bool
}

// Batch accumulates puts and deletes for an atomic write. Later operations
// on the same key win.
type Batch struct {
	ops []batchOp
}

func NewBatch() *Batch {
	return &Batch{}
}

func (b *Batch) Put(key, value []byte) {
	b.ops = append(b.ops, batchOp{key: key, value: value})
}

func (b *Batch) Delete(key []byte) {
	b.ops = append(b.ops, batchOp{key: key, delete: true})
}

func (b *Batch) Len() int {
	return len(b.ops)
}

func (b *Batch) Reset() {
	b.ops = b.ops[:0]
}
