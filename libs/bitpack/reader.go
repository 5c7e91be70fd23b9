package bitpack

import "math"

// Reader consumes bits from a byte slice. Reading past the end sets a
// sticky error flag; every read after that returns zero values.
type Reader struct {
	data []byte
	pos  int
	end  int
	err  bool
}

// NewReader reads the first nbits bits of data.
func NewReader(data []byte, nbits int) *Reader {
	if nbits > len(data)*8 {
		nbits = len(data) * 8
	}
	return &Reader{data: data, end: nbits}
}

func (r *Reader) need(n int) bool {
	if r.err {
		return false
	}
	if n < 0 || r.pos+n > r.end {
		r.err = true
		return false
	}
	return true
}

// ReadBit reads a single bit.
func (r *Reader) ReadBit() bool {
	if !r.need(1) {
		return false
	}
	b := r.data[r.pos>>3]&(1<<uint(r.pos&7)) != 0
	r.pos++
	return b
}

// ReadBits reads n bits, n <= 64.
func (r *Reader) ReadBits(n int) uint64 {
	if !r.need(n) {
		return 0
	}
	var v uint64
	for i := 0; i < n; i++ {
		if r.data[r.pos>>3]&(1<<uint(r.pos&7)) != 0 {
			v |= 1 << uint(i)
		}
		r.pos++
	}
	return v
}

// ReadInt reads a bounded integer written by Writer.WriteInt. Values at or
// above max flag an error.
func (r *Reader) ReadInt(max uint32) uint32 {
	v := uint32(r.ReadBits(BitsFor(max)))
	if max > 0 && v >= max {
		r.err = true
		return 0
	}
	return v
}

// ReadUint8 reads one byte.
func (r *Reader) ReadUint8() uint8 { return uint8(r.ReadBits(8)) }

// ReadUint16 reads 16 bits.
func (r *Reader) ReadUint16() uint16 { return uint16(r.ReadBits(16)) }

// ReadUint32 reads 32 bits.
func (r *Reader) ReadUint32() uint32 { return uint32(r.ReadBits(32)) }

// ReadUint64 reads 64 bits.
func (r *Reader) ReadUint64() uint64 { return r.ReadBits(64) }

// ReadFloat32 reads an IEEE-754 single.
func (r *Reader) ReadFloat32() float32 { return math.Float32frombits(r.ReadUint32()) }

// ReadBytes reads n whole bytes into a fresh slice.
func (r *Reader) ReadBytes(n int) []byte {
	if !r.need(n * 8) {
		return nil
	}
	out := make([]byte, n)
	if r.pos&7 == 0 {
		copy(out, r.data[r.pos>>3:])
	} else {
		copyBits(out, 0, r.data, r.pos, n*8)
	}
	r.pos += n * 8
	return out
}

// ReadString reads a string written by Writer.WriteString.
func (r *Reader) ReadString() string {
	n := int(r.ReadUint16())
	return string(r.ReadBytes(n))
}

// ReadRaw reads n bits into a fresh, zero-padded byte slice.
func (r *Reader) ReadRaw(n int) []byte {
	if !r.need(n) {
		return nil
	}
	out := make([]byte, (n+7)/8)
	copyBits(out, 0, r.data, r.pos, n)
	r.pos += n
	return out
}

// BitsLeft returns the number of unread bits.
func (r *Reader) BitsLeft() int {
	if r.err {
		return 0
	}
	return r.end - r.pos
}

// AtEnd reports whether every bit has been consumed or an error occurred.
func (r *Reader) AtEnd() bool { return r.err || r.pos >= r.end }

// Pos returns the current bit position.
func (r *Reader) Pos() int { return r.pos }

// IsError reports whether a read ran past the end or hit an out of range value.
func (r *Reader) IsError() bool { return r.err }

// SetError marks the reader as failed.
func (r *Reader) SetError() { r.err = true }
