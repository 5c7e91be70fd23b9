package bunch

import (
	"github.com/geph-official/bunchnet/libs/bitpack"
	"github.com/pkg/errors"
)

// Packet layout:
//
//	packetID            BitsFor(MaxPacketID) bits
//	repeated:
//	  1, ackPacketID    ack record
//	  0, bunch          bunch header and payload
//	1                   terminator
//	0...                padding to a byte boundary

// PacketHeaderBits is the size of the packet id prefix.
var PacketHeaderBits = bitpack.BitsFor(MaxPacketID)

// AckRecordBits is the size of one ack record including its marker bit.
var AckRecordBits = 1 + bitpack.BitsFor(MaxPacketID)

// MinPacketBytes is the smallest well-formed packet: a header and terminator.
var MinPacketBytes = (PacketHeaderBits + 1 + 7) / 8

// ErrNoTerminator marks a packet whose last byte carries no terminator bit.
var ErrNoTerminator = errors.New("packet has no terminator")

// WritePacketHeader starts a packet.
func WritePacketHeader(w *bitpack.Writer, packetID int) {
	w.WriteInt(uint32(packetID&(MaxPacketID-1)), MaxPacketID)
}

// WriteAck appends an ack record.
func WriteAck(w *bitpack.Writer, packetID int) {
	w.WriteBit(true)
	w.WriteInt(uint32(packetID&(MaxPacketID-1)), MaxPacketID)
}

// WriteBunchMarker appends the bit that introduces a bunch.
func WriteBunchMarker(w *bitpack.Writer) { w.WriteBit(false) }

// Terminate appends the terminator bit. The caller sends w.Bytes().
func Terminate(w *bitpack.Writer) { w.WriteBit(true) }

// PacketBits returns the number of meaningful bits in a packet, excluding
// the terminator and padding.
func PacketBits(data []byte) (int, error) {
	if len(data) < MinPacketBytes {
		return 0, errors.Errorf("packet of %v bytes is too short", len(data))
	}
	last := data[len(data)-1]
	if last == 0 {
		return 0, ErrNoTerminator
	}
	hi := 7
	for last&(1<<uint(hi)) == 0 {
		hi--
	}
	return (len(data)-1)*8 + hi, nil
}

// Packet is a fully decoded packet, used by tools and tests. Connections
// parse incrementally instead.
type Packet struct {
	ID      int
	Acks    []int
	Bunches []*Bunch
}

// Decode parses a whole packet. Packet ids and sequence numbers are reported
// as their raw wire values.
func Decode(data []byte, f Framing) (*Packet, error) {
	n, err := PacketBits(data)
	if err != nil {
		return nil, err
	}
	r := bitpack.NewReader(data, n)
	p := &Packet{ID: int(r.ReadInt(MaxPacketID))}
	raw := func(int) int { return MaxChSequence / 2 }
	for !r.AtEnd() {
		if r.ReadBit() {
			p.Acks = append(p.Acks, int(r.ReadInt(MaxPacketID)))
			continue
		}
		b, err := f.Read(r, raw)
		if err != nil {
			return p, err
		}
		b.PacketID = p.ID
		p.Bunches = append(p.Bunches, b)
	}
	if r.IsError() {
		return p, errors.New("truncated packet")
	}
	return p, nil
}
