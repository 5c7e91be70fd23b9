package bunchnet

import (
	"github.com/geph-official/bunchnet/libs/bitpack"
	"github.com/geph-official/bunchnet/libs/bunch"
	"github.com/minio/highwayhash"
	"github.com/pkg/errors"
)

// MaxFileSize bounds a received file.
const MaxFileSize = 64 << 20

var fileHashKey = make([]byte, 32)

func fileChecksum(data []byte) uint64 {
	return highwayhash.Sum64(data, fileHashKey)
}

// fileChannel transfers one named blob: a reliable header, reliable chunks
// paced by window space and byte budget, then a close.
type fileChannel struct {
	ch *Channel

	name       string
	data       []byte
	offset     int
	headerSent bool

	gotHeader bool
	rName     string
	rSize     int
	rSum      uint64
	rBuf      []byte
	delivered bool
}

func (k *fileChannel) start(name string, data []byte) {
	k.name = name
	k.data = data
}

func (k *fileChannel) tick() {
	ch := k.ch
	c := ch.conn
	if !ch.OpenedLocally || ch.closing || ch.dead {
		return
	}
	if !k.headerSent {
		w := bitpack.NewWriter(0)
		w.WriteString(k.name)
		w.WriteUint32(uint32(len(k.data)))
		w.WriteUint64(fileChecksum(k.data))
		b := bunch.New(w)
		b.Reliable = true
		if _, err := ch.SendBunch(b, false); err != nil {
			c.log.WithError(err).Warnln("file header not sent")
			return
		}
		k.headerSent = true
	}
	for k.offset < len(k.data) && len(ch.outRec) < c.cfg.ReliableBuffer/2 && c.IsNetReady() {
		n := c.cfg.FileChunkSize
		if rest := len(k.data) - k.offset; n > rest {
			n = rest
		}
		w := bitpack.NewWriter(0)
		writeDelimited(w, k.data[k.offset:k.offset+n])
		b := bunch.New(w)
		b.Reliable = true
		if _, err := ch.SendBunch(b, false); err != nil {
			c.log.WithError(err).Warnln("file chunk not sent")
			return
		}
		k.offset += n
	}
	if k.offset == len(k.data) {
		ch.Close()
	}
}

// Progress reports how many bytes of a file transfer were handed to the
// connection, and the total.
func (ch *Channel) Progress() (int, int) {
	if k, ok := ch.kind.(*fileChannel); ok {
		if ch.OpenedLocally {
			return k.offset, len(k.data)
		}
		return len(k.rBuf), k.rSize
	}
	return 0, 0
}

func (k *fileChannel) receivedBunch(b *bunch.Bunch) {
	if k.ch.OpenedLocally || b.NumBits == 0 {
		return
	}
	c := k.ch.conn
	r := b.Reader()
	if !k.gotHeader {
		k.rName = r.ReadString()
		k.rSize = int(r.ReadUint32())
		k.rSum = r.ReadUint64()
		if r.IsError() || k.rSize > MaxFileSize {
			c.Stats.Malformed++
			k.ch.broken = true
			return
		}
		k.gotHeader = true
		k.rBuf = make([]byte, 0, k.rSize)
		return
	}
	chunk := readDelimited(r)
	if r.IsError() || len(k.rBuf)+len(chunk) > k.rSize {
		c.Stats.Malformed++
		k.ch.broken = true
		return
	}
	k.rBuf = append(k.rBuf, chunk...)
}

func (k *fileChannel) cleanup(cause error) {
	ch := k.ch
	c := ch.conn
	if ch.OpenedLocally || k.delivered || c.cb.FileReceived == nil {
		return
	}
	k.delivered = true
	var err error
	switch {
	case !k.gotHeader:
		err = errors.New("file transfer ended before its header")
	case ch.broken:
		err = errors.Errorf("file %v was malformed", k.rName)
	case !ch.closing:
		err = errors.Wrapf(ErrConnectionClosed, "file %v interrupted", k.rName)
	case len(k.rBuf) != k.rSize:
		err = errors.Errorf("file %v has %v of %v bytes", k.rName, len(k.rBuf), k.rSize)
	case fileChecksum(k.rBuf) != k.rSum:
		err = errors.Errorf("file %v failed its checksum", k.rName)
	}
	if err != nil && cause != nil && cause != ErrPeerClosed {
		err = errors.Wrap(err, cause.Error())
	}
	c.cb.FileReceived(ch, k.rName, k.rBuf, err)
}
