package bunchnet

import (
	"math/bits"

	"github.com/geph-official/bunchnet/libs/bitpack"
	"github.com/geph-official/bunchnet/libs/bunch"
	"github.com/pkg/errors"
)

// Capabilities advertised in the probe.
const (
	CapObjects uint32 = 1 << iota
	CapFiles
	CapVoice
)

// LocalCapabilities is the capability mask this implementation sends.
const LocalCapabilities = CapObjects | CapFiles | CapVoice

const (
	bomBigEndian    = 0
	bomLittleEndian = 1
	probeBits       = 8 + 16 + 32
)

type controlChannel struct {
	ch           *Channel
	probeSent    bool
	probeChecked bool
	queue        []ControlMessage

	// valid once probeChecked
	peerCaps uint32
}

func writeProbe(w *bitpack.Writer) {
	w.WriteUint8(bomLittleEndian)
	w.WriteUint16(ProtocolVersion)
	w.WriteUint32(LocalCapabilities)
}

func readProbe(r *bitpack.Reader) (uint32, error) {
	bom := r.ReadUint8()
	version := r.ReadUint16()
	caps := r.ReadUint32()
	if r.IsError() {
		return 0, errors.Wrap(ErrBadProbe, "truncated")
	}
	switch bom {
	case bomLittleEndian:
	case bomBigEndian:
		version = bits.ReverseBytes16(version)
		caps = bits.ReverseBytes32(caps)
	default:
		return 0, errors.Wrapf(ErrBadProbe, "byte order mark %v", bom)
	}
	if version != ProtocolVersion {
		return 0, errors.Wrapf(ErrBadProbe, "version %v, want %v", version, ProtocolVersion)
	}
	return caps, nil
}

// send transmits msg, or queues it behind earlier messages when the reliable
// window is full.
func (k *controlChannel) send(msg ControlMessage) error {
	if k.ch.dead || k.ch.closing {
		return ErrChannelClosing
	}
	if len(k.queue) > 0 || k.ch.reliableSpace() <= 0 {
		k.queue = append(k.queue, msg)
		return nil
	}
	return k.sendNow(msg)
}

func (k *controlChannel) sendNow(msg ControlMessage) error {
	w := bitpack.NewWriter(0)
	if !k.probeSent {
		writeProbe(w)
	}
	if err := EncodeControl(w, msg); err != nil {
		return err
	}
	b := bunch.New(w)
	b.Reliable = true
	if _, err := k.ch.SendBunch(b, true); err != nil {
		return err
	}
	k.probeSent = true
	return nil
}

// Queued is the number of control messages waiting for window space.
func (ch *Channel) Queued() int {
	if k, ok := ch.kind.(*controlChannel); ok {
		return len(k.queue)
	}
	return 0
}

// PeerCapabilities returns the peer's capability mask once its probe arrived.
func (ch *Channel) PeerCapabilities() (uint32, bool) {
	if k, ok := ch.kind.(*controlChannel); ok {
		return k.peerCaps, k.probeChecked
	}
	return 0, false
}

func (k *controlChannel) tick() {
	if len(k.queue) == 0 || k.ch.reliableSpace() <= 0 {
		return
	}
	msg := k.queue[0]
	if err := k.sendNow(msg); err != nil {
		k.ch.conn.log.WithError(err).Warnln("control message", msg.Type(), "dropped")
	}
	k.queue = k.queue[1:]
}

func (k *controlChannel) receivedBunch(b *bunch.Bunch) {
	c := k.ch.conn
	if b.NumBits == 0 {
		return
	}
	r := b.Reader()
	if !k.probeChecked {
		caps, err := readProbe(r)
		if err != nil {
			c.closeWith(err)
			return
		}
		k.peerCaps = caps
		k.probeChecked = true
	}
	for !r.AtEnd() && c.state != stateClosed {
		msg, err := DecodeControl(r)
		if err != nil {
			c.Stats.Malformed++
			c.log.WithError(err).Warnln("bad control message")
			return
		}
		c.handleControl(msg)
	}
}
