package ledger

import (
	"encoding/binary"
	"errors"
	"math"
)

var ErrShortRecord = errors.New("ledger: short record")

// Record values are little-endian.

type writer struct {
	buf []byte
}

func newWriter(size int) *writer {
	return &writer{buf: make([]byte, 0, size)}
}

func (w *writer) u8(v uint8) { w.buf = append(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *writer) f32(v float32) { w.u32(math.Float32bits(v)) }
func (w *writer) bytes(b []byte) { w.buf = append(w.buf, b...) }

// str writes a u8 length prefix; callers keep strings under 256 bytes.
func (w *writer) str(s string) {
	w.u8(uint8(len(s)))
	w.buf = append(w.buf, s...)
}

type reader struct {
	buf []byte
	off int
	err error
}

func newReader(b []byte) *reader {
	return &reader{buf: b}
}

func (r *reader) left() int {
	return len(r.buf) - r.off
}

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.left() < n {
		r.err = ErrShortRecord
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	if b := r.next(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.next(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.next(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *reader) f32() float32 {
	return math.Float32frombits(r.u32())
}

func (r *reader) hash() (h [HashSize]byte) {
	if b := r.next(HashSize); b != nil {
		copy(h[:], b)
	}
	return h
}

func (r *reader) str() string {
	n := int(r.u8())
	if b := r.next(n); b != nil {
		return string(b)
	}
	return ""
}
