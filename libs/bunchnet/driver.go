package bunchnet

import (
	"net"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
	pool "github.com/libp2p/go-buffer-pool"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Transport is a non-blocking datagram socket.
type Transport interface {
	// Send transmits b to addr, best effort. It must not retain b.
	Send(addr net.Addr, b []byte)
	// Receive polls for one datagram. The buffer comes from the shared
	// buffer pool and is returned to it by the caller.
	Receive() (net.Addr, []byte, bool)
}

// DriverOptions configure a Driver.
type DriverOptions struct {
	// Listen accepts connections from unknown addresses.
	Listen bool
	// MaxConnections bounds the connection table; the least recently active
	// connection is closed to make room.
	MaxConnections int
	// BanDuration is how long an address that broke the protocol is ignored.
	BanDuration time.Duration
	// OnAccept is called for every accepted connection.
	OnAccept func(c *Connection)
}

// Driver runs many connections over one transport.
type Driver struct {
	setup     Setup
	opts      DriverOptions
	transport Transport
	conns     *simplelru.LRU
	banned    *cache.Cache
	log       logrus.FieldLogger
}

// NewDriver creates a driver. Connections it creates share setup.
func NewDriver(setup Setup, transport Transport, opts DriverOptions) (*Driver, error) {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 1024
	}
	if opts.BanDuration <= 0 {
		opts.BanDuration = 5 * time.Minute
	}
	setup.Services = setup.Services.fixup()
	d := &Driver{
		setup:     setup,
		opts:      opts,
		transport: transport,
		banned:    cache.New(opts.BanDuration, opts.BanDuration),
		log:       setup.Services.Log,
	}
	conns, err := simplelru.NewLRU(opts.MaxConnections, d.onEvict)
	if err != nil {
		return nil, errors.Wrap(err, "creating connection table")
	}
	d.conns = conns
	userClosed := setup.Callbacks.ConnectionClosed
	d.setup.Callbacks.ConnectionClosed = func(c *Connection, err error) {
		switch errors.Cause(err) {
		case ErrProtocolViolation, ErrBadProbe:
			d.log.WithField("remote", addrString(c.addr)).WithError(err).Warnln("banning peer")
			d.banned.SetDefault(c.addr.String(), true)
		}
		if userClosed != nil {
			userClosed(c, err)
		}
	}
	return d, nil
}

func (d *Driver) onEvict(key interface{}, value interface{}) {
	c := value.(*Connection)
	if !c.IsClosed() {
		c.closeWith(ErrEvicted)
	}
}

func (d *Driver) newConnection(addr net.Addr, initiator bool) *Connection {
	return NewConnection(d.setup, addr, initiator, func(b []byte) {
		d.transport.Send(addr, b)
	})
}

// Connect opens a connection to addr and sends Hello on its control channel.
func (d *Driver) Connect(addr net.Addr) (*Connection, error) {
	if v, ok := d.conns.Get(addr.String()); ok {
		return v.(*Connection), nil
	}
	c := d.newConnection(addr, true)
	if err := c.SendControl(Hello{Version: ProtocolVersion}); err != nil {
		return nil, err
	}
	d.conns.Add(addr.String(), c)
	return c, nil
}

// Get returns the live connection to addr.
func (d *Driver) Get(addr net.Addr) (*Connection, bool) {
	v, ok := d.conns.Peek(addr.String())
	if !ok {
		return nil, false
	}
	return v.(*Connection), true
}

// Connections lists the live connections, least recently active first.
func (d *Driver) Connections() []*Connection {
	var out []*Connection
	for _, k := range d.conns.Keys() {
		if v, ok := d.conns.Peek(k); ok {
			out = append(out, v.(*Connection))
		}
	}
	return out
}

// IsBanned reports whether packets from addr are being ignored.
func (d *Driver) IsBanned(addr net.Addr) bool {
	_, ok := d.banned.Get(addr.String())
	return ok
}

func (d *Driver) dispatch(addr net.Addr, data []byte) {
	key := addr.String()
	if _, banned := d.banned.Get(key); banned {
		return
	}
	if v, ok := d.conns.Get(key); ok {
		v.(*Connection).ReceivedPacket(data)
		return
	}
	if !d.opts.Listen {
		return
	}
	c := d.newConnection(addr, false)
	c.ReceivedPacket(data)
	if c.IsClosed() || c.Channel(0) == nil {
		if doLogging {
			d.log.WithField("remote", key).Debugln("ignoring stray packet")
		}
		return
	}
	d.conns.Add(key, c)
	d.log.WithField("remote", key).Infoln("accepted connection")
	if d.opts.OnAccept != nil {
		d.opts.OnAccept(c)
	}
}

// Tick drains the transport, ticks every connection and forgets closed ones.
func (d *Driver) Tick() {
	for {
		addr, data, ok := d.transport.Receive()
		if !ok {
			break
		}
		d.dispatch(addr, data)
		pool.Put(data)
	}
	for _, c := range d.Connections() {
		c.Tick()
	}
	for _, k := range d.conns.Keys() {
		if v, ok := d.conns.Peek(k); ok && v.(*Connection).IsClosed() {
			d.conns.Remove(k)
		}
	}
}

// Close closes every connection.
func (d *Driver) Close() {
	for _, c := range d.Connections() {
		c.Close()
	}
	d.conns.Purge()
}
