package bunchnet

import (
	"github.com/geph-official/bunchnet/libs/bitpack"
	"github.com/geph-official/bunchnet/libs/bunch"
	"github.com/pkg/errors"
)

// voiceChannel sends voice packets unreliably, once per tick. When the
// application produces faster than ticks drain, the oldest packets go.
type voiceChannel struct {
	ch      *Channel
	pending [][]byte
	dropped int
}

func (k *voiceChannel) queue(data []byte) error {
	if k.ch.dead || k.ch.closing {
		return ErrChannelClosing
	}
	if 16+len(data)*8 > k.ch.conn.cfg.maxBunchPayload() {
		return errors.Wrapf(ErrBunchTooLarge, "%v byte voice packet", len(data))
	}
	k.pending = append(k.pending, append([]byte(nil), data...))
	if over := len(k.pending) - k.ch.conn.cfg.MaxQueuedVoicePackets; over > 0 {
		k.pending = k.pending[over:]
		k.dropped += over
	}
	return nil
}

func (k *voiceChannel) tick() {
	if len(k.pending) == 0 || !k.ch.conn.IsNetReady() {
		return
	}
	for _, p := range k.pending {
		w := bitpack.NewWriter(0)
		writeDelimited(w, p)
		if _, err := k.ch.SendBunch(bunch.New(w), true); err != nil {
			k.ch.conn.log.WithError(err).Debugln("voice packet dropped")
		}
	}
	k.pending = nil
}

func (k *voiceChannel) receivedBunch(b *bunch.Bunch) {
	c := k.ch.conn
	r := b.Reader()
	for !r.AtEnd() {
		p := readDelimited(r)
		if r.IsError() {
			c.Stats.Malformed++
			return
		}
		if c.cb.MessageReceived != nil {
			c.cb.MessageReceived(k.ch, p)
		}
	}
}
