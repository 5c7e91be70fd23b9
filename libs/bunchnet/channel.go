package bunchnet

import (
	"sort"

	"github.com/geph-official/bunchnet/libs/bitpack"
	"github.com/geph-official/bunchnet/libs/bunch"
	"github.com/pkg/errors"
)

// channelKind is the per-type behaviour of a channel.
type channelKind interface {
	// receivedBunch handles a bunch delivered in order.
	receivedBunch(b *bunch.Bunch)
	tick()
}

type acker interface {
	acked(packetID int)
}

type naker interface {
	nakked(packetID int)
}

type cleaner interface {
	cleanup(cause error)
}

// Channel is one logical, independently sequenced stream of a connection.
type Channel struct {
	conn *Connection

	Index         int
	Type          bunch.Type
	OpenedLocally bool

	openSent     bool
	openPacketID int
	openAcked    bool
	closing      bool
	dead         bool
	broken       bool
	temporary    bool

	outRec []*bunch.Bunch
	inRec  []*bunch.Bunch

	kind channelKind
}

func (c *Connection) createChannel(index int, t bunch.Type, local bool) *Channel {
	ch := &Channel{
		conn:          c,
		Index:         index,
		Type:          t,
		OpenedLocally: local,
	}
	switch t {
	case bunch.TypeControl:
		ch.kind = &controlChannel{ch: ch}
	case bunch.TypeObject:
		ch.kind = &objectChannel{ch: ch}
	case bunch.TypeFile:
		ch.kind = &fileChannel{ch: ch}
	case bunch.TypeVoice:
		ch.kind = &voiceChannel{ch: ch}
	default:
		ch.kind = &messageChannel{ch: ch}
	}
	c.channels[index] = ch
	if doLogging {
		c.log.WithField("channel", index).Debugln("created", t, "channel, local =", local)
	}
	return ch
}

// Conn returns the owning connection.
func (ch *Channel) Conn() *Connection { return ch.conn }

// IsClosing reports whether a close was sent or received.
func (ch *Channel) IsClosing() bool { return ch.closing }

// IsDead reports whether the channel was cleaned up.
func (ch *Channel) IsDead() bool { return ch.dead }

// IsBroken reports whether the channel stopped processing incoming data.
func (ch *Channel) IsBroken() bool { return ch.broken }

// OpenAcked reports whether the peer acknowledged the open bunch.
func (ch *Channel) OpenAcked() bool { return ch.openAcked }

// NumOutRec is the number of un-acked reliable bunches.
func (ch *Channel) NumOutRec() int { return len(ch.outRec) }

// NumInRec is the number of reliable bunches waiting for a gap to fill.
func (ch *Channel) NumInRec() int { return len(ch.inRec) }

func (ch *Channel) reliableSpace() int {
	return ch.conn.cfg.ReliableBuffer - 1 - len(ch.outRec)
}

func (ch *Channel) canMerge(b *bunch.Bunch) bool {
	c := ch.conn
	prev := c.lastOut
	if prev == nil || c.lastOutCh != ch || c.lastEnd != c.out.NumBits() {
		return false
	}
	if b.Open || b.Close || prev.Close || prev.Reliable != b.Reliable {
		return false
	}
	if prev.Reliable && (len(ch.outRec) == 0 || ch.outRec[len(ch.outRec)-1] != prev) {
		return false
	}
	return true
}

// SendBunch sends b on the channel and takes ownership of it. When merge is
// set, b may be folded into the previous bunch of the same channel if that
// bunch is still the last thing in the outgoing packet. It returns the id of
// the packet carrying b.
func (ch *Channel) SendBunch(b *bunch.Bunch, merge bool) (int, error) {
	c := ch.conn
	if c.state == stateClosed {
		return 0, ErrConnectionClosed
	}
	if ch.dead || ch.closing {
		return 0, ErrChannelClosing
	}
	if ch.temporary && ch.openSent {
		return 0, ErrTemporaryChannel
	}
	b.ChIndex, b.ChType = ch.Index, ch.Type
	if ch.OpenedLocally && !ch.openSent {
		b.Open = true
		if ch.temporary {
			b.Reliable, b.Close = false, true
		} else {
			b.Reliable = true
		}
	}
	if b.Reliable {
		limit := c.cfg.ReliableBuffer - 1
		if b.Close {
			limit++
		}
		if len(ch.outRec) >= limit {
			return 0, ErrReliableBufferFull
		}
	}
	if merge && ch.canMerge(b) && c.mergeInto(b) {
		b.ChSequence, b.PacketID = c.lastOut.ChSequence, c.lastOut.PacketID
		return b.PacketID, nil
	}
	if b.Reliable {
		b.ChSequence = c.outReliable[ch.Index] + 1
	}
	pid, err := c.SendRawBunch(b, ch)
	if err != nil {
		return 0, err
	}
	if b.Reliable {
		c.outReliable[ch.Index] = b.ChSequence
		ch.outRec = append(ch.outRec, b)
	}
	c.lastOut, c.lastOutCh = b, ch
	if b.Open {
		ch.openSent = true
		ch.openPacketID = pid
	}
	if b.Close {
		ch.closing = true
		if !b.Reliable {
			ch.cleanup(nil)
		}
	}
	return pid, nil
}

// SendMessage sends an application message on a message channel.
func (ch *Channel) SendMessage(msg []byte, reliable bool) error {
	if ch.Type != bunch.TypeMessage {
		return errors.Wrapf(ErrWrongChannelType, "%v", ch.Type)
	}
	w := bitpack.NewWriter(0)
	writeDelimited(w, msg)
	if w.NumBits() > ch.conn.cfg.maxBunchPayload() {
		return errors.Wrapf(ErrBunchTooLarge, "%v byte message", len(msg))
	}
	b := bunch.New(w)
	b.Reliable = reliable
	_, err := ch.SendBunch(b, true)
	return err
}

// Close starts closing the channel. The channel is cleaned up when the peer
// acknowledges the close. Closing twice does nothing, and a local channel
// that never sent anything is cleaned up at once.
func (ch *Channel) Close() {
	ch.closeWith(nil)
}

func (ch *Channel) closeWith(payload *bitpack.Writer) {
	if ch.dead || ch.closing {
		return
	}
	if ch.OpenedLocally && !ch.openSent {
		ch.cleanup(nil)
		return
	}
	b := bunch.New(payload)
	b.Close, b.Reliable = true, true
	if _, err := ch.SendBunch(b, false); err != nil {
		ch.conn.log.WithField("channel", ch.Index).WithError(err).Debugln("close not sent, cleaning up")
		ch.cleanup(nil)
	}
}

// receivedAck marks the bunches sent in packetID as acknowledged and
// releases the acknowledged prefix of the reliable queue.
func (ch *Channel) receivedAck(packetID int) {
	for _, b := range ch.outRec {
		if b.PacketID == packetID && !b.Acked {
			b.Acked = true
			if b.Open {
				ch.openAcked = true
			}
		}
	}
	if a, ok := ch.kind.(acker); ok {
		a.acked(packetID)
	}
	closeAcked := false
	i := 0
	for i < len(ch.outRec) && ch.outRec[i].Acked {
		closeAcked = closeAcked || ch.outRec[i].Close
		i++
	}
	ch.outRec = ch.outRec[i:]
	if closeAcked {
		ch.cleanup(nil)
	}
}

// receivedNak resends every outstanding reliable bunch sent in packetID,
// verbatim, in a new packet.
func (ch *Channel) receivedNak(packetID int) {
	c := ch.conn
	for _, b := range ch.outRec {
		if b.PacketID != packetID || b.Acked {
			continue
		}
		if _, err := c.SendRawBunch(b, ch); err != nil {
			c.log.WithField("channel", ch.Index).WithError(err).Warnln("resend failed")
			continue
		}
		c.Stats.Resent++
	}
	if n, ok := ch.kind.(naker); ok {
		n.nakked(packetID)
	}
}

// relocate finds the packet currently carrying a reliable sequence number.
func (ch *Channel) relocate(sequence int) (int, bool) {
	for _, b := range ch.outRec {
		if b.ChSequence == sequence && !b.Acked {
			return b.PacketID, true
		}
	}
	return 0, false
}

// receivedRawBunch sequences an incoming bunch. It reports false if the
// bunch broke the protocol.
func (ch *Channel) receivedRawBunch(b *bunch.Bunch) bool {
	c := ch.conn
	if !b.Reliable {
		ch.receivedSequencedBunch(b)
		return true
	}
	next := c.inReliable[ch.Index] + 1
	if b.ChSequence != next {
		if b.ChSequence >= next+c.cfg.ReliableBuffer {
			c.log.WithField("channel", ch.Index).Warnln("reliable sequence", b.ChSequence, "too far ahead of", next)
			return false
		}
		i := sort.Search(len(ch.inRec), func(i int) bool { return ch.inRec[i].ChSequence >= b.ChSequence })
		if i < len(ch.inRec) && ch.inRec[i].ChSequence == b.ChSequence {
			return true
		}
		ch.inRec = append(ch.inRec, nil)
		copy(ch.inRec[i+1:], ch.inRec[i:])
		ch.inRec[i] = b
		return true
	}
	ch.receivedSequencedBunch(b)
	for len(ch.inRec) > 0 && !ch.dead && ch.inRec[0].ChSequence == c.inReliable[ch.Index]+1 {
		nb := ch.inRec[0]
		ch.inRec = ch.inRec[1:]
		ch.receivedSequencedBunch(nb)
	}
	return true
}

func (ch *Channel) receivedSequencedBunch(b *bunch.Bunch) {
	c := ch.conn
	if b.Reliable {
		c.inReliable[ch.Index] = b.ChSequence
	}
	if ch.dead {
		return
	}
	if !ch.broken {
		ch.kind.receivedBunch(b)
	}
	if b.Close && !ch.dead {
		ch.closing = true
		ch.cleanup(ErrPeerClosed)
	}
}

// cleanup removes the channel from its connection. A cleaned up control
// channel takes the connection down with it.
func (ch *Channel) cleanup(cause error) {
	if ch.dead {
		return
	}
	ch.dead = true
	c := ch.conn
	if cl, ok := ch.kind.(cleaner); ok {
		cl.cleanup(cause)
	}
	if c.channels[ch.Index] == ch {
		c.channels[ch.Index] = nil
	}
	ch.outRec, ch.inRec = nil, nil
	if doLogging {
		c.log.WithField("channel", ch.Index).Debugln("cleaned up")
	}
	if c.cb.ChannelClosed != nil {
		c.cb.ChannelClosed(ch)
	}
	if ch.Index == 0 {
		c.closeWith(cause)
	}
}

func writeDelimited(w *bitpack.Writer, p []byte) {
	w.WriteUint16(uint16(len(p)))
	w.WriteBytes(p)
}

func readDelimited(r *bitpack.Reader) []byte {
	return r.ReadBytes(int(r.ReadUint16()))
}
