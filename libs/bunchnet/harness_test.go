package bunchnet

import (
	"io/ioutil"
	"math/rand"
	"testing"
	"time"

	"github.com/geph-official/bunchnet/libs/bunch"
	"github.com/geph-official/bunchnet/libs/memwire"
	"github.com/geph-official/bunchnet/libs/repl"
	pool "github.com/libp2p/go-buffer-pool"
	"github.com/sirupsen/logrus"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fileResult struct {
	name string
	data []byte
	err  error
}

type call struct {
	objectID uint32
	method   int
	args     [][]byte
}

type peer struct {
	t    *testing.T
	conn *Connection
	ep   *memwire.Endpoint

	opened   []*Channel
	closed   []*Channel
	messages []string
	controls []ControlMessage
	spawned  []*repl.Replica
	updates  int
	gone     []*repl.Replica
	tornOff  bool
	calls    []call
	files    []fileResult
	closeErr error
	closes   int
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.Out = ioutil.Discard
	return l
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.NetSpeed = 1 << 24
	cfg.ConnectionTimeout = time.Hour
	return cfg
}

func (p *peer) callbacks() Callbacks {
	return Callbacks{
		ChannelOpened: func(ch *Channel) { p.opened = append(p.opened, ch) },
		ChannelClosed: func(ch *Channel) { p.closed = append(p.closed, ch) },
		MessageReceived: func(ch *Channel, msg []byte) {
			p.messages = append(p.messages, string(msg))
		},
		ControlMessage: func(c *Connection, msg ControlMessage) {
			p.controls = append(p.controls, msg)
		},
		ObjectSpawned: func(ch *Channel, rp *repl.Replica) { p.spawned = append(p.spawned, rp) },
		ObjectUpdated: func(ch *Channel, rp *repl.Replica, fields []int) { p.updates++ },
		ObjectClosed: func(ch *Channel, rp *repl.Replica, tornOff bool) {
			p.gone = append(p.gone, rp)
			p.tornOff = tornOff
		},
		RemoteCall: func(c *Connection, objectID uint32, method int, args [][]byte) {
			p.calls = append(p.calls, call{objectID, method, args})
		},
		FileReceived: func(ch *Channel, name string, data []byte, err error) {
			p.files = append(p.files, fileResult{name, data, err})
		},
		ConnectionClosed: func(c *Connection, err error) {
			p.closeErr = err
			p.closes++
		},
	}
}

// pump feeds every delivered packet to the connection.
func (p *peer) pump() int {
	n := 0
	for {
		_, data, ok := p.ep.Receive()
		if !ok {
			return n
		}
		p.conn.ReceivedPacket(data)
		pool.Put(data)
		n++
	}
}

type world struct {
	t      *testing.T
	clk    *clock
	net    *memwire.Network
	client *peer
	server *peer
}

func newWorld(t *testing.T, cfg Config, classes *repl.Registry) *world {
	w := &world{
		t:   t,
		clk: &clock{t: time.Unix(1000000, 0)},
		net: memwire.NewNetwork(true),
	}
	mk := func(name, other string, initiator bool) *peer {
		p := &peer{t: t, ep: w.net.Endpoint(name)}
		setup := Setup{
			Config:    cfg,
			Services:  Services{Now: w.clk.now, Log: quietLogger(), Rand: rand.New(rand.NewSource(1))},
			Callbacks: p.callbacks(),
			Classes:   classes,
		}
		dst := memwire.Addr(other)
		p.conn = NewConnection(setup, dst, initiator, func(b []byte) { p.ep.Send(dst, b) })
		return p
	}
	w.client = mk("client", "server", true)
	w.server = mk("server", "client", false)
	return w
}

// handshake opens the control channel from the client and settles it.
func (w *world) handshake() {
	if err := w.client.conn.SendControl(Hello{Version: ProtocolVersion}); err != nil {
		w.t.Fatal(err)
	}
	w.roundTrip()
	if w.server.conn.Channel(0) == nil {
		w.t.Fatal("server has no control channel")
	}
	if err := w.server.conn.SendControl(Welcome{World: "test", NetSpeed: 10000}); err != nil {
		w.t.Fatal(err)
	}
	w.roundTrip()
	w.roundTrip()
}

// roundTrip flushes both sides and delivers everything, client first.
func (w *world) roundTrip() {
	w.client.conn.Tick()
	w.net.DeliverAll()
	w.server.pump()
	w.server.conn.Tick()
	w.net.DeliverAll()
	w.client.pump()
}

// lossyRound is roundTrip with shuffling and random loss in both directions.
func (w *world) lossyRound(rng *rand.Rand, lossPct int) {
	w.clk.advance(250 * time.Millisecond)
	deliver := func() {
		w.net.Shuffle(rng)
		for i := w.net.Pending() - 1; i >= 0; i-- {
			if rng.Intn(100) < lossPct {
				w.net.Drop(i)
			}
		}
		w.net.DeliverAll()
	}
	w.client.conn.Tick()
	deliver()
	w.server.pump()
	w.server.conn.Tick()
	deliver()
	w.client.pump()
}

func newTestRand(seed int64) *rand.Rand { return rand.New(rand.NewSource(seed)) }

func decodePending(t *testing.T, w *world, i int) *bunch.Packet {
	t.Helper()
	p, err := bunch.Decode(w.net.Peek(i).Data, w.client.conn.framing)
	if err != nil {
		t.Fatal(err)
	}
	return p
}
