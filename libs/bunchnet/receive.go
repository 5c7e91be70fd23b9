package bunchnet

import (
	"github.com/geph-official/bunchnet/libs/bitpack"
	"github.com/geph-official/bunchnet/libs/bunch"
	"github.com/pkg/errors"
)

// ReceivedPacket processes one datagram from the peer.
func (c *Connection) ReceivedPacket(data []byte) {
	if c.state == stateClosed {
		return
	}
	c.Stats.InPackets++
	c.Stats.InBytes += len(data)
	nbits, err := bunch.PacketBits(data)
	if err != nil {
		c.Stats.Malformed++
		if doLogging {
			c.log.WithError(err).Debugln("dropping packet")
		}
		return
	}
	r := bitpack.NewReader(data, nbits)
	packetID := bunch.MakeRelative(int(r.ReadInt(bunch.MaxPacketID)), c.inPacketID, bunch.MaxPacketID)
	if r.IsError() {
		c.Stats.Malformed++
		return
	}
	c.lastReceive = c.svc.Now()

	fresh := c.window.check(packetID)
	switch {
	case !fresh:
		c.Stats.Duplicates++
	case packetID > c.inPacketID:
		if gap := packetID - c.inPacketID - 1; gap > 0 {
			c.Stats.InLoss += gap
		}
		c.inPacketID = packetID
	default:
		c.Stats.OutOfOrder++
	}

	for !r.AtEnd() && c.state != stateClosed {
		if r.ReadBit() {
			wire := int(r.ReadInt(bunch.MaxPacketID))
			if r.IsError() {
				c.Stats.Malformed++
				break
			}
			c.receivedAckRecord(bunch.MakeRelative(wire, c.outAckPacketID, bunch.MaxPacketID))
			continue
		}
		b, err := c.framing.Read(r, func(i int) int { return c.inReliable[i] })
		if err != nil {
			c.Stats.Malformed++
			c.log.WithField("packet", packetID).WithError(err).Warnln("malformed bunch")
			break
		}
		if !fresh {
			continue
		}
		b.PacketID = packetID
		if !c.receivedBunch(b) {
			break
		}
	}

	if c.state == stateClosed {
		return
	}
	c.writeAck(packetID)
	c.correctMissedNaks()
}

// receivedAckRecord handles the peer's ack of one of our packets. Every
// outstanding packet between the old frontier and this one is treated as
// lost.
func (c *Connection) receivedAckRecord(ackID int) {
	if ackID < 0 || ackID >= c.outPacketID {
		return
	}
	if ackID > c.outAckPacketID {
		for id := c.outAckPacketID + 1; id < ackID && c.state != stateClosed; id++ {
			c.nakPacket(id)
		}
		c.outAckPacketID = ackID
	}
	sp, ok := c.sent[ackID]
	if !ok {
		return
	}
	delete(c.sent, ackID)
	c.Stats.sampleLag(c.svc.Now().Sub(sp.at))
	for _, ch := range sp.channels {
		if !ch.dead {
			ch.receivedAck(ackID)
		}
	}
}

func (c *Connection) nakPacket(id int) {
	sp, ok := c.sent[id]
	if !ok {
		return
	}
	delete(c.sent, id)
	c.Stats.OutLoss++
	if doLogging {
		c.log.WithField("packet", id).Debugln("nak")
	}
	for _, ch := range sp.channels {
		if !ch.dead {
			ch.receivedNak(id)
		}
	}
}

// correctMissedNaks resends reliable bunches whose packet is at or below the
// ack frontier but which were neither acked nor nakked.
func (c *Connection) correctMissedNaks() {
	for _, ch := range c.channels {
		if ch == nil || ch.dead {
			continue
		}
		var missed []int
		for _, b := range ch.outRec {
			if b.Acked || b.PacketID > c.outAckPacketID || b.PacketID >= c.outPacketID {
				continue
			}
			if _, pending := c.sent[b.PacketID]; pending {
				continue
			}
			if len(missed) == 0 || missed[len(missed)-1] != b.PacketID {
				missed = append(missed, b.PacketID)
			}
		}
		for _, id := range missed {
			c.log.WithField("channel", ch.Index).WithField("packet", id).Debugln("correcting missed nak")
			ch.receivedNak(id)
		}
	}
}

// receivedBunch routes one incoming bunch to its channel, creating the
// channel when the bunch opens it. It reports false when parsing of the
// packet must stop.
func (c *Connection) receivedBunch(b *bunch.Bunch) bool {
	if b.Reliable && b.ChSequence <= c.inReliable[b.ChIndex] {
		return true
	}
	ch := c.channels[b.ChIndex]
	if ch == nil {
		if c.channels[0] == nil && b.ChIndex != 0 {
			c.closeWith(errors.Wrapf(ErrProtocolViolation, "traffic on channel %v before control", b.ChIndex))
			return false
		}
		if !b.Reliable && !b.Open {
			if b.Close {
				c.closeWith(errors.Wrapf(ErrProtocolViolation, "close on unopened channel %v", b.ChIndex))
				return false
			}
			return true
		}
		if !b.Reliable && !b.Close {
			return true
		}
		if !b.ChType.Valid() || (b.ChIndex == 0) != (b.ChType == bunch.TypeControl) ||
			(b.ChIndex == c.cfg.VoiceIndex()) != (b.ChType == bunch.TypeVoice) {
			c.Stats.Malformed++
			c.log.WithField("channel", b.ChIndex).Warnln("bad channel type", b.ChType)
			return false
		}
		ch = c.createChannel(b.ChIndex, b.ChType, false)
		if c.cb.ChannelOpened != nil {
			c.cb.ChannelOpened(ch)
		}
	} else if (b.Reliable || b.Open) && b.ChType != ch.Type {
		c.Stats.Malformed++
		c.log.WithField("channel", b.ChIndex).Warnln("bunch of", b.ChType, "on", ch.Type, "channel")
		return false
	}
	if !ch.receivedRawBunch(b) {
		c.closeWith(errors.Wrapf(ErrProtocolViolation, "bad sequence on channel %v", b.ChIndex))
		return false
	}
	return true
}
