package bunchnet

import (
	"net"
	"time"

	"github.com/geph-official/bunchnet/libs/bitpack"
	"github.com/geph-official/bunchnet/libs/bunch"
	"github.com/geph-official/bunchnet/libs/repl"
	pool "github.com/libp2p/go-buffer-pool"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Callbacks deliver connection events to the application. Any may be nil.
type Callbacks struct {
	ChannelOpened    func(ch *Channel)
	MessageReceived  func(ch *Channel, msg []byte)
	ChannelClosed    func(ch *Channel)
	ObjectSpawned    func(ch *Channel, rp *repl.Replica)
	ObjectUpdated    func(ch *Channel, rp *repl.Replica, fields []int)
	ObjectClosed     func(ch *Channel, rp *repl.Replica, tornOff bool)
	RemoteCall       func(c *Connection, objectID uint32, method int, args [][]byte)
	ControlMessage   func(c *Connection, msg ControlMessage)
	FileReceived     func(ch *Channel, name string, data []byte, err error)
	ConnectionClosed func(c *Connection, err error)
}

// Setup is everything needed to create a connection.
type Setup struct {
	Config    Config
	Services  Services
	Callbacks Callbacks
	// Classes resolves object classes announced by the peer.
	Classes *repl.Registry
}

type connState int

const (
	stateOpen connState = iota
	stateClosed
)

type sentPacket struct {
	channels []*Channel
	at       time.Time
}

// Connection is one peer session: packet sequencing, ack bookkeeping and the
// channel table. It is not safe for concurrent use.
type Connection struct {
	cfg     Config
	svc     Services
	cb      Callbacks
	classes *repl.Registry
	framing bunch.Framing
	log     logrus.FieldLogger

	addr      net.Addr
	send      func([]byte)
	initiator bool
	state     connState
	closing   bool
	closeErr  error

	channels    []*Channel
	outReliable []int
	inReliable  []int

	outPacketID    int
	inPacketID     int
	outAckPacketID int
	window         replayWindow
	sent           map[int]*sentPacket

	out         *bitpack.Writer
	outChannels []*Channel
	lastStart   int
	lastEnd     int
	lastOut     *bunch.Bunch
	lastOutCh   *Channel

	budget      *rate.Limiter
	readyAt     time.Time
	lastReceive time.Time
	lastSend    time.Time

	sim      *simulator
	bound    map[uint32]*Channel
	replicas map[uint32]*Channel

	// Stats are updated as packets flow.
	Stats Stats
}

// NewConnection creates an open connection to addr. Outgoing datagrams are
// handed to send, which must not retain the slice. The initiator of a
// connection allocates channel indices from the bottom of the table and the
// other side from the top.
func NewConnection(setup Setup, addr net.Addr, initiator bool, send func([]byte)) *Connection {
	cfg := setup.Config.fixup()
	svc := setup.Services.fixup()
	now := svc.Now()
	burst := cfg.NetSpeed / 10
	if burst < cfg.MaxPacket {
		burst = cfg.MaxPacket
	}
	c := &Connection{
		cfg:            cfg,
		svc:            svc,
		cb:             setup.Callbacks,
		classes:        setup.Classes,
		framing:        cfg.framing(),
		addr:           addr,
		send:           send,
		initiator:      initiator,
		channels:       make([]*Channel, cfg.MaxChannels),
		outReliable:    make([]int, cfg.MaxChannels),
		inReliable:     make([]int, cfg.MaxChannels),
		inPacketID:     -1,
		outAckPacketID: -1,
		sent:           make(map[int]*sentPacket),
		out:            bitpack.NewWriter(cfg.MaxPacket * 8),
		lastStart:      -1,
		budget:         rate.NewLimiter(rate.Limit(cfg.NetSpeed), burst),
		readyAt:        now,
		lastReceive:    now,
		lastSend:       now,
		bound:          make(map[uint32]*Channel),
		replicas:       make(map[uint32]*Channel),
	}
	c.log = svc.Log.WithField("remote", addrString(addr))
	if cfg.Simulation.active() {
		c.sim = newSimulator(cfg.Simulation, svc.Rand)
	}
	return c
}

func addrString(a net.Addr) string {
	if a == nil {
		return "<nil>"
	}
	return a.String()
}

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr { return c.addr }

// Config returns the effective configuration.
func (c *Connection) Config() Config { return c.cfg }

// IsClosed reports whether the connection is closed.
func (c *Connection) IsClosed() bool { return c.state == stateClosed }

// Err returns why the connection closed, nil for a clean local close.
func (c *Connection) Err() error { return c.closeErr }

// Channel returns the live channel at index, or nil.
func (c *Connection) Channel(index int) *Channel {
	if index < 0 || index >= len(c.channels) {
		return nil
	}
	return c.channels[index]
}

// OutPacketID is the id the next flushed packet will carry.
func (c *Connection) OutPacketID() int { return c.outPacketID }

// IsNetReady reports whether the byte budget allows sending now.
func (c *Connection) IsNetReady() bool {
	return !c.svc.Now().Before(c.readyAt)
}

func (c *Connection) maxBits() int { return c.cfg.MaxPacket * 8 }

func (c *Connection) ensureHeader() {
	if c.out.NumBits() == 0 {
		bunch.WritePacketHeader(c.out, c.outPacketID)
	}
}

// SendRawBunch writes b into the outgoing packet, flushing first when it does
// not fit. It assigns no sequence number; resends go through here unchanged.
// It returns the id of the packet b was written into.
func (c *Connection) SendRawBunch(b *bunch.Bunch, ch *Channel) (int, error) {
	need := 1 + c.framing.HeaderBits(b) + b.NumBits
	if bunch.PacketHeaderBits+need+1 > c.maxBits() {
		return 0, errors.Wrapf(ErrBunchTooLarge, "%v bits", b.NumBits)
	}
	if c.out.NumBits() > 0 && c.out.NumBits()+need+1 > c.maxBits() {
		c.FlushNet()
	}
	c.ensureHeader()
	c.lastStart = c.out.NumBits()
	bunch.WriteBunchMarker(c.out)
	c.framing.Write(c.out, b)
	c.lastEnd = c.out.NumBits()
	c.lastOut, c.lastOutCh = nil, nil
	b.PacketID = c.outPacketID
	b.Acked = false
	c.noteChannel(ch)
	if doLogging {
		c.log.WithField("packet", c.outPacketID).Debugln("wrote", b)
	}
	return c.outPacketID, nil
}

func (c *Connection) noteChannel(ch *Channel) {
	if ch == nil {
		return
	}
	for _, o := range c.outChannels {
		if o == ch {
			return
		}
	}
	c.outChannels = append(c.outChannels, ch)
}

// mergeInto rewrites the last bunch of the outgoing packet with b's payload
// appended. It reports false, leaving everything untouched, when the merged
// bunch would not fit.
func (c *Connection) mergeInto(b *bunch.Bunch) bool {
	prev := c.lastOut
	merged := prev.NumBits + b.NumBits
	if merged > c.cfg.maxBunchPayload() {
		return false
	}
	hdr := c.framing.HeaderBits(prev)
	if c.lastStart+1+hdr+merged+1 > c.maxBits() {
		return false
	}
	prev.Append(b)
	c.out.Truncate(c.lastStart)
	bunch.WriteBunchMarker(c.out)
	c.framing.Write(c.out, prev)
	c.lastEnd = c.out.NumBits()
	return true
}

func (c *Connection) writeAck(packetID int) {
	if c.out.NumBits() > 0 && c.out.NumBits()+bunch.AckRecordBits+1 > c.maxBits() {
		c.FlushNet()
	}
	c.ensureHeader()
	bunch.WriteAck(c.out, packetID)
}

// FlushNet terminates and sends the outgoing packet. With nothing buffered it
// sends a header-only keepalive.
func (c *Connection) FlushNet() {
	if c.state == stateClosed {
		return
	}
	now := c.svc.Now()
	c.ensureHeader()
	bunch.Terminate(c.out)
	n := c.out.NumBytes()
	buf := pool.Get(n)
	copy(buf, c.out.Bytes())

	c.sent[c.outPacketID] = &sentPacket{channels: c.outChannels, at: now}
	c.outChannels = nil
	c.outPacketID++
	c.out.Reset()
	c.lastStart, c.lastEnd = -1, 0
	c.lastOut, c.lastOutCh = nil, nil

	c.Stats.OutPackets++
	c.Stats.OutBytes += n
	c.lastSend = now
	if r := c.budget.ReserveN(now, n); r.OK() {
		c.readyAt = now.Add(r.DelayFrom(now))
	}

	if c.sim != nil {
		c.sim.push(buf, now, c.send)
	} else {
		c.send(buf)
	}
	pool.Put(buf)
}

// Tick runs timeouts and channel ticks, then flushes.
func (c *Connection) Tick() {
	if c.state == stateClosed {
		return
	}
	now := c.svc.Now()
	if now.Sub(c.lastReceive) > c.cfg.ConnectionTimeout {
		c.log.WithField("idle", now.Sub(c.lastReceive)).Warnln("timing out")
		c.closeWith(ErrTimedOut)
		return
	}
	if c.sim != nil {
		c.sim.release(now, c.send)
	}
	for _, ch := range append([]*Channel(nil), c.channels...) {
		if ch != nil && !ch.dead && c.state != stateClosed {
			ch.kind.tick()
		}
	}
	if c.state == stateClosed {
		return
	}
	if c.out.NumBits() > 0 || now.Sub(c.lastSend) >= c.cfg.KeepAliveInterval {
		c.FlushNet()
	}
}

// Close closes the connection, telling the peer through the control channel.
// Closing twice does nothing.
func (c *Connection) Close() {
	c.closeWith(nil)
}

func (c *Connection) closeWith(cause error) {
	if c.closing {
		return
	}
	c.closing = true
	c.closeErr = cause
	if ctl := c.channels[0]; ctl != nil && !ctl.dead && cause != ErrTimedOut {
		ctl.Close()
	}
	if c.out.NumBits() > 0 {
		c.FlushNet()
	}
	c.state = stateClosed
	for _, ch := range c.channels {
		if ch != nil {
			ch.cleanup(cause)
		}
	}
	c.sent = nil
	if cause != nil {
		c.log.WithError(cause).Infoln("connection closed")
	} else {
		c.log.Debugln("connection closed")
	}
	if c.cb.ConnectionClosed != nil {
		c.cb.ConnectionClosed(c, cause)
	}
}

// allocIndex finds a free channel index for a locally opened channel.
func (c *Connection) allocIndex() (int, error) {
	lo, hi := 1, c.cfg.VoiceIndex()-1
	if c.initiator {
		for i := lo; i <= hi; i++ {
			if c.channels[i] == nil {
				return i, nil
			}
		}
	} else {
		for i := hi; i >= lo; i-- {
			if c.channels[i] == nil {
				return i, nil
			}
		}
	}
	return 0, ErrNoFreeChannel
}

// OpenChannel opens a channel of the given type. An unreliable open creates
// a temporary channel whose single bunch both opens and closes it.
func (c *Connection) OpenChannel(t bunch.Type, reliable bool) (*Channel, error) {
	if c.state == stateClosed || c.closing {
		return nil, ErrConnectionClosed
	}
	var idx int
	switch t {
	case bunch.TypeControl:
		idx = 0
	case bunch.TypeVoice:
		idx = c.cfg.VoiceIndex()
	default:
		if !t.Valid() {
			return nil, errors.Errorf("cannot open channel of %v", t)
		}
		var err error
		if idx, err = c.allocIndex(); err != nil {
			return nil, err
		}
	}
	if c.channels[idx] != nil {
		return nil, errors.Errorf("%v channel already open", t)
	}
	ch := c.createChannel(idx, t, true)
	ch.temporary = !reliable && t != bunch.TypeControl && t != bunch.TypeVoice
	return ch, nil
}

// Control returns the control channel, opening it if needed.
func (c *Connection) Control() (*Channel, error) {
	if ch := c.channels[0]; ch != nil {
		return ch, nil
	}
	return c.OpenChannel(bunch.TypeControl, true)
}

// SendControl sends a control message, queueing it if the control channel
// is backed up.
func (c *Connection) SendControl(msg ControlMessage) error {
	ch, err := c.Control()
	if err != nil {
		return err
	}
	return ch.kind.(*controlChannel).send(msg)
}

func (c *Connection) handleControl(msg ControlMessage) {
	if doLogging {
		c.log.WithField("type", msg.Type()).Debugln("control message")
	}
	switch m := msg.(type) {
	case Netspeed:
		if m.Rate > 0 {
			c.budget.SetLimitAt(c.svc.Now(), rate.Limit(m.Rate))
		}
	case ObjectChannelFailure:
		if ch := c.Channel(int(m.Index)); ch != nil && ch.Type == bunch.TypeObject && ch.OpenedLocally {
			c.log.WithField("channel", m.Index).Warnln("peer could not resolve object class")
			ch.Close()
		}
	}
	if c.cb.ControlMessage != nil {
		c.cb.ControlMessage(c, msg)
	}
	if f, ok := msg.(Failure); ok {
		c.closeWith(errors.Wrap(ErrPeerClosed, f.Reason))
	}
}

// SetNetSpeed changes the local byte budget and asks the peer to match it.
func (c *Connection) SetNetSpeed(bytesPerSec int) error {
	c.budget.SetLimitAt(c.svc.Now(), rate.Limit(bytesPerSec))
	return c.SendControl(Netspeed{Rate: uint32(bytesPerSec)})
}

// BindObject starts replicating state to the peer on a new object channel.
func (c *Connection) BindObject(objectID uint32, state repl.State, spawn repl.SpawnInfo, isOwner bool) (*Channel, error) {
	if _, ok := c.bound[objectID]; ok {
		return nil, errors.Errorf("object %v already bound", objectID)
	}
	ch, err := c.OpenChannel(bunch.TypeObject, true)
	if err != nil {
		return nil, err
	}
	spawn.ObjectID = objectID
	spawn.ClassID = state.Class().ID
	ch.kind.(*objectChannel).bind(state, spawn, isOwner)
	c.bound[objectID] = ch
	return ch, nil
}

func (c *Connection) object(objectID uint32) (*objectChannel, error) {
	ch, ok := c.bound[objectID]
	if !ok {
		ch, ok = c.replicas[objectID]
	}
	if !ok || ch.dead {
		return nil, errors.Wrapf(ErrUnknownObject, "object %v", objectID)
	}
	return ch.kind.(*objectChannel), nil
}

// MarkFieldDirty forces a field of a bound object into the next update.
func (c *Connection) MarkFieldDirty(objectID uint32, field int) error {
	ch, ok := c.bound[objectID]
	if !ok || ch.dead {
		return errors.Wrapf(ErrUnknownObject, "object %v", objectID)
	}
	ch.kind.(*objectChannel).sender.MarkDirty(field)
	return nil
}

// CallRemote invokes a method on the peer's copy of an object. Calls on a
// bound object reach its replica; calls on a replica reach the owner.
func (c *Connection) CallRemote(objectID uint32, method int, args [][]byte) error {
	oc, err := c.object(objectID)
	if err != nil {
		return err
	}
	return oc.call(method, args)
}

// SendFile transfers data on a new file channel.
func (c *Connection) SendFile(name string, data []byte) (*Channel, error) {
	ch, err := c.OpenChannel(bunch.TypeFile, true)
	if err != nil {
		return nil, err
	}
	ch.kind.(*fileChannel).start(name, data)
	return ch, nil
}

// SendVoice queues a voice packet on the voice channel, opening it if needed.
func (c *Connection) SendVoice(data []byte) error {
	ch := c.channels[c.cfg.VoiceIndex()]
	if ch == nil {
		var err error
		if ch, err = c.OpenChannel(bunch.TypeVoice, true); err != nil {
			return err
		}
	}
	return ch.kind.(*voiceChannel).queue(data)
}
