// Package memwire is an in-memory datagram network. In manual mode sent
// packets wait in a pending list until the caller delivers, drops,
// duplicates or reorders them.
package memwire

import (
	"math/rand"
	"net"
	"sync"

	pool "github.com/libp2p/go-buffer-pool"
)

// Addr names an endpoint.
type Addr string

// Network implements net.Addr.
func (a Addr) Network() string { return "mem" }

func (a Addr) String() string { return string(a) }

// Packet is a datagram in flight.
type Packet struct {
	From Addr
	To   Addr
	Data []byte
}

// Network connects endpoints.
type Network struct {
	mu        sync.Mutex
	endpoints map[Addr]*Endpoint
	manual    bool
	pending   []Packet
}

// NewNetwork creates a network. A manual network holds every packet until
// told what to do with it.
func NewNetwork(manual bool) *Network {
	return &Network{endpoints: make(map[Addr]*Endpoint), manual: manual}
}

// Endpoint returns the endpoint called name, creating it if needed.
func (n *Network) Endpoint(name string) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	a := Addr(name)
	if e, ok := n.endpoints[a]; ok {
		return e
	}
	e := &Endpoint{net: n, addr: a}
	n.endpoints[a] = e
	return e
}

func (n *Network) deliverLocked(p Packet) {
	e, ok := n.endpoints[p.To]
	if !ok {
		pool.Put(p.Data)
		return
	}
	e.inbox = append(e.inbox, p)
}

// Pending is the number of held packets.
func (n *Network) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// Peek returns a copy of held packet i.
func (n *Network) Peek(i int) Packet {
	n.mu.Lock()
	defer n.mu.Unlock()
	p := n.pending[i]
	p.Data = append([]byte(nil), p.Data...)
	return p
}

func (n *Network) take(i int) Packet {
	p := n.pending[i]
	n.pending = append(n.pending[:i], n.pending[i+1:]...)
	return p
}

// Deliver hands held packet i to its destination.
func (n *Network) Deliver(i int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deliverLocked(n.take(i))
}

// DeliverAll hands every held packet over, in order.
func (n *Network) DeliverAll() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	k := len(n.pending)
	for _, p := range n.pending {
		n.deliverLocked(p)
	}
	n.pending = nil
	return k
}

// Drop discards held packet i.
func (n *Network) Drop(i int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	pool.Put(n.take(i).Data)
}

// DropAll discards every held packet.
func (n *Network) DropAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.pending {
		pool.Put(p.Data)
	}
	n.pending = nil
}

// Duplicate inserts a copy of held packet i right after it.
func (n *Network) Duplicate(i int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p := n.pending[i]
	cp := p
	cp.Data = pool.Get(len(p.Data))
	copy(cp.Data, p.Data)
	n.pending = append(n.pending, Packet{})
	copy(n.pending[i+2:], n.pending[i+1:])
	n.pending[i+1] = cp
}

// Shuffle reorders the held packets.
func (n *Network) Shuffle(rng *rand.Rand) {
	n.mu.Lock()
	defer n.mu.Unlock()
	rng.Shuffle(len(n.pending), func(i, j int) {
		n.pending[i], n.pending[j] = n.pending[j], n.pending[i]
	})
}

// Endpoint is one attachment point. It satisfies the bunchnet Transport.
type Endpoint struct {
	net   *Network
	addr  Addr
	inbox []Packet
}

// Addr returns the endpoint address.
func (e *Endpoint) Addr() Addr { return e.addr }

// Send copies b toward addr.
func (e *Endpoint) Send(addr net.Addr, b []byte) {
	p := Packet{From: e.addr, To: Addr(addr.String()), Data: pool.Get(len(b))}
	copy(p.Data, b)
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.manual {
		n.pending = append(n.pending, p)
		return
	}
	n.deliverLocked(p)
}

// Receive pops the next delivered packet.
func (e *Endpoint) Receive() (net.Addr, []byte, bool) {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(e.inbox) == 0 {
		return nil, nil, false
	}
	p := e.inbox[0]
	e.inbox = e.inbox[1:]
	return p.From, p.Data, true
}
