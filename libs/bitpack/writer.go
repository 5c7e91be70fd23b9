// Package bitpack implements the bit-granular writer and reader used for
// packet and bunch framing. Bits are packed least-significant first within
// each byte.
package bitpack

import (
	"math"
	"math/bits"
)

// BitsFor returns the number of bits needed to hold any value in [0, max).
func BitsFor(max uint32) int {
	if max <= 1 {
		return 0
	}
	return bits.Len32(max - 1)
}

// Writer accumulates bits into a growing byte buffer. Writes past the
// configured limit set a sticky overflow flag and are discarded.
type Writer struct {
	buf      []byte
	nbits    int
	max      int
	overflow bool
}

// NewWriter creates a writer limited to maxBits bits. A limit of zero or
// less means unlimited.
func NewWriter(maxBits int) *Writer {
	w := &Writer{max: maxBits}
	if maxBits > 0 {
		w.buf = make([]byte, 0, (maxBits+7)/8)
	}
	return w
}

func (w *Writer) room(n int) bool {
	if w.overflow {
		return false
	}
	if w.max > 0 && w.nbits+n > w.max {
		w.overflow = true
		return false
	}
	for len(w.buf)*8 < w.nbits+n {
		w.buf = append(w.buf, 0)
	}
	return true
}

// WriteBit writes a single bit.
func (w *Writer) WriteBit(b bool) {
	if !w.room(1) {
		return
	}
	if b {
		w.buf[w.nbits>>3] |= 1 << uint(w.nbits&7)
	}
	w.nbits++
}

// WriteBits writes the low n bits of v, n <= 64.
func (w *Writer) WriteBits(v uint64, n int) {
	if !w.room(n) {
		return
	}
	for i := 0; i < n; i++ {
		if v&(1<<uint(i)) != 0 {
			w.buf[w.nbits>>3] |= 1 << uint(w.nbits&7)
		}
		w.nbits++
	}
}

// WriteInt writes v as a bounded integer in BitsFor(max) bits. Values at or
// above max are clamped to max-1.
func (w *Writer) WriteInt(v, max uint32) {
	if max > 0 && v >= max {
		v = max - 1
	}
	w.WriteBits(uint64(v), BitsFor(max))
}

// WriteUint8 writes one byte.
func (w *Writer) WriteUint8(v uint8) { w.WriteBits(uint64(v), 8) }

// WriteUint16 writes v in 16 bits.
func (w *Writer) WriteUint16(v uint16) { w.WriteBits(uint64(v), 16) }

// WriteUint32 writes v in 32 bits.
func (w *Writer) WriteUint32(v uint32) { w.WriteBits(uint64(v), 32) }

// WriteUint64 writes v in 64 bits.
func (w *Writer) WriteUint64(v uint64) { w.WriteBits(v, 64) }

// WriteFloat32 writes the IEEE-754 bits of f.
func (w *Writer) WriteFloat32(f float32) { w.WriteUint32(math.Float32bits(f)) }

// WriteBytes writes every byte of p.
func (w *Writer) WriteBytes(p []byte) {
	if !w.room(len(p) * 8) {
		return
	}
	if w.nbits&7 == 0 {
		copy(w.buf[w.nbits>>3:], p)
		w.nbits += len(p) * 8
		return
	}
	copyBits(w.buf, w.nbits, p, 0, len(p)*8)
	w.nbits += len(p) * 8
}

// WriteString writes a 16-bit length followed by the bytes of s.
func (w *Writer) WriteString(s string) {
	if len(s) > math.MaxUint16 {
		s = s[:math.MaxUint16]
	}
	w.WriteUint16(uint16(len(s)))
	w.WriteBytes([]byte(s))
}

// WriteBitsFrom appends the first n bits of src.
func (w *Writer) WriteBitsFrom(src []byte, n int) {
	if n == 0 || !w.room(n) {
		return
	}
	copyBits(w.buf, w.nbits, src, 0, n)
	w.nbits += n
}

// NumBits returns the number of bits written.
func (w *Writer) NumBits() int { return w.nbits }

// NumBytes returns the number of bytes needed to hold the written bits.
func (w *Writer) NumBytes() int { return (w.nbits + 7) / 8 }

// Overflowed reports whether a write was discarded for lack of room.
func (w *Writer) Overflowed() bool { return w.overflow }

// Truncate discards every bit at or after position n.
func (w *Writer) Truncate(n int) {
	if n >= w.nbits {
		return
	}
	if n < 0 {
		n = 0
	}
	nb := (n + 7) / 8
	for i := nb; i < len(w.buf); i++ {
		w.buf[i] = 0
	}
	if n&7 != 0 {
		w.buf[n>>3] &= byte(1<<uint(n&7)) - 1
	}
	w.buf = w.buf[:nb]
	w.nbits = n
	w.overflow = false
}

// Bytes returns the written bits padded with zeros to a byte boundary. The
// slice aliases the writer's buffer.
func (w *Writer) Bytes() []byte { return w.buf[:w.NumBytes()] }

// Reset empties the writer, keeping its limit.
func (w *Writer) Reset() {
	for i := range w.buf {
		w.buf[i] = 0
	}
	w.buf = w.buf[:0]
	w.nbits = 0
	w.overflow = false
}

// copyBits copies n bits from src at bit offset so into dst at bit offset do.
// dst must already be large enough and zeroed over the destination range.
func copyBits(dst []byte, do int, src []byte, so int, n int) {
	for i := 0; i < n; i++ {
		s := so + i
		if src[s>>3]&(1<<uint(s&7)) != 0 {
			d := do + i
			dst[d>>3] |= 1 << uint(d&7)
		}
	}
}
