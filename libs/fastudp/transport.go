// Package fastudp is a UDP datagram transport with batched reads and writes
// in background goroutines, exposing a non-blocking poll.
package fastudp

import (
	"io"
	"net"

	pool "github.com/libp2p/go-buffer-pool"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/time/rate"
	"gopkg.in/tomb.v1"
)

const (
	sendQuantum = 16
	maxDatagram = 2048
	queueSize   = 1024
)

var spamLimiter = rate.NewLimiter(1, 10)

type received struct {
	addr net.Addr
	data []byte
}

// Transport wraps a UDPConn and batches reads and writes to it.
type Transport struct {
	sock  *net.UDPConn
	pconn *ipv4.PacketConn
	death *tomb.Tomb

	writeBuf  chan ipv4.Message
	readQueue chan received
}

// Listen opens a UDP socket on addr, such as ":5000" or "localhost:0".
func Listen(addr string) (*Transport, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	sock, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, err
	}
	return New(sock), nil
}

// New takes over conn.
func New(conn *net.UDPConn) *Transport {
	if err := conn.SetWriteBuffer(262144); err != nil {
		log.WithError(err).Warnln("cannot set UDP write buffer")
	}
	if err := conn.SetReadBuffer(262144); err != nil {
		log.WithError(err).Warnln("cannot set UDP read buffer")
	}
	t := &Transport{
		sock:      conn,
		pconn:     ipv4.NewPacketConn(conn),
		death:     new(tomb.Tomb),
		writeBuf:  make(chan ipv4.Message, sendQuantum*2),
		readQueue: make(chan received, queueSize),
	}
	go t.bkgWrite()
	go t.bkgRead()
	go func() {
		<-t.death.Dying()
		t.sock.Close()
	}()
	return t
}

func (t *Transport) bkgWrite() {
	var towrite []ipv4.Message
	for {
		select {
		case first := <-t.writeBuf:
			towrite = append(towrite, first)
			for len(towrite) < sendQuantum {
				select {
				case next := <-t.writeBuf:
					towrite = append(towrite, next)
				default:
					goto out
				}
			}
		out:
			ptr := towrite
			for len(ptr) > 0 {
				n, err := t.pconn.WriteBatch(ptr, 0)
				if err != nil {
					t.death.Kill(err)
					return
				}
				for i := 0; i < n; i++ {
					pool.Put(ptr[i].Buffers[0])
					ptr[i].Buffers = nil
				}
				ptr = ptr[n:]
			}
			towrite = towrite[:0]
		case <-t.death.Dying():
			return
		}
	}
}

func (t *Transport) bkgRead() {
	defer t.death.Done()
	readBuf := make([]ipv4.Message, sendQuantum)
	for i := range readBuf {
		readBuf[i].Buffers = [][]byte{make([]byte, maxDatagram)}
	}
	for {
		n, err := t.pconn.ReadBatch(readBuf, 0)
		if err != nil {
			select {
			case <-t.death.Dying():
			default:
				t.death.Kill(err)
			}
			return
		}
		for _, msg := range readBuf[:n] {
			data := pool.Get(msg.N)
			copy(data, msg.Buffers[0][:msg.N])
			select {
			case t.readQueue <- received{addr: msg.Addr, data: data}:
			default:
				pool.Put(data)
				if spamLimiter.Allow() {
					log.Warnln("fastudp: read queue full, dropping from", msg.Addr)
				}
			}
		}
	}
}

// Send queues b for addr. The datagram is dropped when the write queue is full.
func (t *Transport) Send(addr net.Addr, b []byte) {
	cp := pool.Get(len(b))
	copy(cp, b)
	select {
	case t.writeBuf <- ipv4.Message{Buffers: [][]byte{cp}, Addr: addr}:
	default:
		pool.Put(cp)
	}
}

// Receive polls for one datagram without blocking.
func (t *Transport) Receive() (net.Addr, []byte, bool) {
	select {
	case r := <-t.readQueue:
		return r.addr, r.data, true
	default:
		return nil, nil, false
	}
}

// LocalAddr returns the bound address.
func (t *Transport) LocalAddr() net.Addr { return t.sock.LocalAddr() }

// Err reports why the transport died, if it did.
func (t *Transport) Err() error {
	select {
	case <-t.death.Dying():
		return t.death.Err()
	default:
		return nil
	}
}

// Close shuts the socket and the background goroutines down. It may be
// called more than once.
func (t *Transport) Close() error {
	t.death.Kill(io.ErrClosedPipe)
	return nil
}
