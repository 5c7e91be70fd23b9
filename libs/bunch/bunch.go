// Package bunch defines the bunch, the framed message unit multiplexed inside
// a packet, and the bit-exact packet layout that carries bunches and ack
// records.
package bunch

import (
	"fmt"

	"github.com/geph-official/bunchnet/libs/bitpack"
	"github.com/pkg/errors"
)

const (
	// MaxPacketID bounds packet ids on the wire; ids wrap modulo this value.
	MaxPacketID = 16384
	// MaxChSequence bounds reliable channel sequence numbers on the wire.
	MaxChSequence = 1024
	// ChTypeMax bounds the channel type tag.
	ChTypeMax = 8
)

// Type tags the kind of channel a bunch belongs to.
type Type uint8

// Channel types.
const (
	TypeNone Type = iota
	TypeControl
	TypeObject
	TypeFile
	TypeVoice
	TypeMessage
)

func (t Type) String() string {
	switch t {
	case TypeControl:
		return "control"
	case TypeObject:
		return "object"
	case TypeFile:
		return "file"
	case TypeVoice:
		return "voice"
	case TypeMessage:
		return "message"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Valid reports whether t names a known channel type.
func (t Type) Valid() bool { return t > TypeNone && t <= TypeMessage }

// ErrOverflow is returned when a bunch declares more payload than the packet holds.
var ErrOverflow = errors.New("bunch length exceeds packet")

// ErrBadIndex is returned for a channel index outside the channel table.
var ErrBadIndex = errors.New("channel index out of range")

// Bunch is one framed message: header fields and a payload bit-stream.
type Bunch struct {
	ChIndex    int
	ChType     Type
	ChSequence int
	Open       bool
	Close      bool
	Reliable   bool

	// PacketID is the packet the bunch was last written into or read from.
	PacketID int
	// Acked is set once PacketID is positively acknowledged.
	Acked bool

	Data    []byte
	NumBits int
}

// New creates a bunch whose payload is the contents of w.
func New(w *bitpack.Writer) *Bunch {
	b := &Bunch{}
	if w != nil {
		b.NumBits = w.NumBits()
		b.Data = append([]byte(nil), w.Bytes()...)
	}
	return b
}

// Reader returns a reader over the payload.
func (b *Bunch) Reader() *bitpack.Reader {
	return bitpack.NewReader(b.Data, b.NumBits)
}

// Append concatenates the payload of o onto b.
func (b *Bunch) Append(o *Bunch) {
	w := bitpack.NewWriter(0)
	w.WriteBitsFrom(b.Data, b.NumBits)
	w.WriteBitsFrom(o.Data, o.NumBits)
	b.Data = append(b.Data[:0], w.Bytes()...)
	b.NumBits = w.NumBits()
}

// Clone returns a deep copy.
func (b *Bunch) Clone() *Bunch {
	nb := *b
	nb.Data = append([]byte(nil), b.Data...)
	return &nb
}

func (b *Bunch) String() string {
	return fmt.Sprintf("bunch{ch=%d %v seq=%d rel=%v open=%v close=%v bits=%d pkt=%d}",
		b.ChIndex, b.ChType, b.ChSequence, b.Reliable, b.Open, b.Close, b.NumBits, b.PacketID)
}

// BestSignedDifference returns the signed distance from reference to value in
// a sequence space of size max, a power of two.
func BestSignedDifference(value, reference, max int) int {
	return ((value - reference + max/2) & (max - 1)) - max/2
}

// MakeRelative expands a wire value modulo max into the full-width number
// closest to reference.
func MakeRelative(value, reference, max int) int {
	return reference + BestSignedDifference(value, reference, max)
}

// Framing carries the limits that size the bunch header fields.
type Framing struct {
	MaxChannels    int
	MaxPayloadBits int
}

// MaxHeaderBits is the largest header any bunch can have.
func (f Framing) MaxHeaderBits() int {
	return 4 + bitpack.BitsFor(uint32(f.MaxChannels)) + bitpack.BitsFor(MaxChSequence) +
		bitpack.BitsFor(ChTypeMax) + bitpack.BitsFor(uint32(f.MaxPayloadBits+1))
}

// HeaderBits is the exact header size of b.
func (f Framing) HeaderBits(b *Bunch) int {
	n := 2 + bitpack.BitsFor(uint32(f.MaxChannels)) + bitpack.BitsFor(uint32(f.MaxPayloadBits+1))
	if b.Open || b.Close {
		n += 2
	}
	if b.Reliable {
		n += bitpack.BitsFor(MaxChSequence)
	}
	if b.Reliable || b.Open {
		n += bitpack.BitsFor(ChTypeMax)
	}
	return n
}

// Write appends the header and payload of b.
func (f Framing) Write(w *bitpack.Writer, b *Bunch) {
	ctl := b.Open || b.Close
	w.WriteBit(ctl)
	if ctl {
		w.WriteBit(b.Open)
		w.WriteBit(b.Close)
	}
	w.WriteBit(b.Reliable)
	w.WriteInt(uint32(b.ChIndex), uint32(f.MaxChannels))
	if b.Reliable {
		w.WriteInt(uint32(b.ChSequence&(MaxChSequence-1)), MaxChSequence)
	}
	if b.Reliable || b.Open {
		w.WriteInt(uint32(b.ChType), ChTypeMax)
	}
	w.WriteInt(uint32(b.NumBits), uint32(f.MaxPayloadBits+1))
	w.WriteBitsFrom(b.Data, b.NumBits)
}

// Read parses one bunch. inReliable returns the last delivered sequence of a
// channel, used to expand the wire sequence number.
func (f Framing) Read(r *bitpack.Reader, inReliable func(index int) int) (*Bunch, error) {
	b := &Bunch{}
	if r.ReadBit() {
		b.Open = r.ReadBit()
		b.Close = r.ReadBit()
	}
	b.Reliable = r.ReadBit()
	b.ChIndex = int(r.ReadInt(uint32(f.MaxChannels)))
	if r.IsError() {
		return nil, errors.Wrap(ErrBadIndex, "reading bunch header")
	}
	if b.Reliable {
		wire := int(r.ReadInt(MaxChSequence))
		b.ChSequence = MakeRelative(wire, inReliable(b.ChIndex), MaxChSequence)
	}
	if b.Reliable || b.Open {
		b.ChType = Type(r.ReadInt(ChTypeMax))
	}
	b.NumBits = int(r.ReadInt(uint32(f.MaxPayloadBits + 1)))
	if r.IsError() {
		return nil, errors.New("truncated bunch header")
	}
	if b.NumBits > r.BitsLeft() {
		return nil, errors.Wrapf(ErrOverflow, "declared %v bits, %v left", b.NumBits, r.BitsLeft())
	}
	b.Data = r.ReadRaw(b.NumBits)
	return b, nil
}
