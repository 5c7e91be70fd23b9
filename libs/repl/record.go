package repl

import (
	"encoding/binary"
	"math"
)

// State is live value storage for a replicated object. Values are exchanged
// as the fixed-size byte encoding of one field element.
type State interface {
	Class() *Class
	Field(field, elem int) []byte
	SetField(field, elem int, v []byte)
}

// Record is the standard State: one contiguous byte block laid out by the class.
type Record struct {
	class *Class
	data  []byte
}

// NewRecord creates a zero-valued record.
func NewRecord(c *Class) *Record {
	return &Record{class: c, data: make([]byte, c.Size())}
}

// Class returns the record's class.
func (r *Record) Class() *Class { return r.class }

// Field returns the bytes of one element. The slice aliases the record.
func (r *Record) Field(field, elem int) []byte {
	lo, hi := r.class.span(r.class.element(field, elem))
	return r.data[lo:hi]
}

// SetField overwrites one element, truncating or zero-padding v to size.
func (r *Record) SetField(field, elem int, v []byte) {
	dst := r.Field(field, elem)
	n := copy(dst, v)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

// Int32 reads a 4-byte little-endian field element.
func (r *Record) Int32(field, elem int) int32 {
	return int32(binary.LittleEndian.Uint32(r.Field(field, elem)))
}

// SetInt32 writes a 4-byte little-endian field element.
func (r *Record) SetInt32(field, elem int, v int32) {
	binary.LittleEndian.PutUint32(r.Field(field, elem), uint32(v))
}

// Float32 reads a 4-byte IEEE-754 field element.
func (r *Record) Float32(field, elem int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(r.Field(field, elem)))
}

// SetFloat32 writes a 4-byte IEEE-754 field element.
func (r *Record) SetFloat32(field, elem int, v float32) {
	binary.LittleEndian.PutUint32(r.Field(field, elem), math.Float32bits(v))
}

// String reads a fixed-size field as a zero-terminated string.
func (r *Record) String(field int) string {
	b := r.Field(field, 0)
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// SetString writes s into a fixed-size field, truncating if needed.
func (r *Record) SetString(field int, s string) {
	r.SetField(field, 0, []byte(s))
}
