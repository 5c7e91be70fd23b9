package bunchnet

import "github.com/geph-official/bunchnet/libs/bunch"

// messageChannel carries application byte messages. Each message is length
// prefixed so merged bunches split back apart.
type messageChannel struct {
	ch *Channel
}

func (k *messageChannel) tick() {}

func (k *messageChannel) receivedBunch(b *bunch.Bunch) {
	c := k.ch.conn
	r := b.Reader()
	for !r.AtEnd() {
		msg := readDelimited(r)
		if r.IsError() {
			c.Stats.Malformed++
			c.log.WithField("channel", k.ch.Index).Warnln("truncated message")
			return
		}
		if c.cb.MessageReceived != nil {
			c.cb.MessageReceived(k.ch, msg)
		}
	}
}
