package bunchnet

import (
	"github.com/geph-official/bunchnet/libs/bitpack"
	"github.com/geph-official/bunchnet/libs/bunch"
	"github.com/geph-official/bunchnet/libs/repl"
	"github.com/pkg/errors"
)

// ObjectState is the replication state of an object channel.
type ObjectState int

// Object channel states.
const (
	ObjectUnbound ObjectState = iota
	ObjectInitial
	ObjectSteady
	ObjectTornOff
)

func (s ObjectState) String() string {
	switch s {
	case ObjectInitial:
		return "initial"
	case ObjectSteady:
		return "steady"
	case ObjectTornOff:
		return "torn-off"
	}
	return "unbound"
}

// objectChannel replicates one object. The side that opened the channel owns
// a repl.Sender; the other side keeps a repl.Replica. Method calls flow both
// ways.
type objectChannel struct {
	ch    *Channel
	state ObjectState

	sender     *repl.Sender
	spawn      repl.SpawnInfo
	spawnSent  bool
	spawnAcked bool
	calls      []*bunch.Bunch

	replica *repl.Replica
	// parses calls arriving from the replica side
	inbound *repl.Replica
}

func (k *objectChannel) bind(state repl.State, spawn repl.SpawnInfo, isOwner bool) {
	k.sender = repl.NewSender(state, isOwner)
	k.spawn = spawn
	k.state = ObjectInitial
	k.inbound = repl.NewReplica(state.Class(), spawn)
}

func (k *objectChannel) class() *repl.Class {
	if k.sender != nil {
		return k.sender.Class()
	}
	if k.replica != nil {
		return k.replica.Class
	}
	return nil
}

func (k *objectChannel) objectID() uint32 {
	if k.sender != nil {
		return k.spawn.ObjectID
	}
	if k.replica != nil {
		return k.replica.ObjectID()
	}
	return 0
}

// ObjectState returns the replication state of an object channel.
func (ch *Channel) ObjectState() ObjectState {
	if k, ok := ch.kind.(*objectChannel); ok {
		return k.state
	}
	return ObjectUnbound
}

// Sender returns the diff engine of a locally bound object channel.
func (ch *Channel) Sender() *repl.Sender {
	if k, ok := ch.kind.(*objectChannel); ok {
		return k.sender
	}
	return nil
}

// Replica returns the replica of a remotely opened object channel.
func (ch *Channel) Replica() *repl.Replica {
	if k, ok := ch.kind.(*objectChannel); ok {
		return k.replica
	}
	return nil
}

func (k *objectChannel) tick() {
	ch := k.ch
	c := ch.conn
	if k.sender == nil || ch.closing || ch.dead || k.state == ObjectTornOff {
		return
	}
	if !c.IsNetReady() {
		return
	}
	k.replicate()
	if k.state == ObjectInitial && k.spawnSent && !k.sender.Initial() {
		k.state = ObjectSteady
	}
	if k.state == ObjectSteady {
		k.flushCalls()
	}
}

// replicate sends the spawn record on the first tick and field updates
// afterwards.
func (k *objectChannel) replicate() {
	ch := k.ch
	maxBits := ch.conn.cfg.maxBunchPayload()
	w := bitpack.NewWriter(0)
	first := !k.spawnSent
	if first {
		k.spawn.Write(w)
	} else if !k.sender.Pending() {
		return
	}
	written := k.sender.WriteUpdates(w, maxBits)
	if !first && len(written) == 0 {
		return
	}
	b := bunch.New(w)
	b.Reliable = first
	pid, err := ch.SendBunch(b, !first)
	if err != nil {
		k.sender.Abort(written)
		ch.conn.log.WithField("channel", ch.Index).WithError(err).Debugln("update deferred")
		return
	}
	k.sender.Commit(written, pid, b.Reliable, b.ChSequence)
	k.spawnSent = true
}

func (k *objectChannel) flushCalls() {
	for len(k.calls) > 0 {
		if _, err := k.ch.SendBunch(k.calls[0], true); err != nil {
			return
		}
		k.calls = k.calls[1:]
	}
}

func (k *objectChannel) call(method int, args [][]byte) error {
	ch := k.ch
	cls := k.class()
	if cls == nil || ch.broken {
		return errors.Wrapf(ErrUnknownObject, "channel %v", ch.Index)
	}
	if ch.closing || ch.dead {
		return ErrChannelClosing
	}
	w := bitpack.NewWriter(0)
	if err := repl.WriteCall(w, cls, method, args); err != nil {
		return err
	}
	if w.NumBits() > ch.conn.cfg.maxBunchPayload() {
		return errors.Wrapf(ErrBunchTooLarge, "call to %v", cls.Methods[method].Name)
	}
	b := bunch.New(w)
	b.Reliable = cls.Methods[method].Reliable
	if k.sender != nil && (k.state != ObjectSteady || len(k.calls) > 0) {
		k.calls = append(k.calls, b)
		return nil
	}
	_, err := ch.SendBunch(b, true)
	return err
}

// TearOff sends the object's final state and closes the channel, telling the
// peer to keep its replica instead of destroying it.
func (ch *Channel) TearOff() error {
	k, ok := ch.kind.(*objectChannel)
	if !ok || k.sender == nil {
		return errors.Wrapf(ErrWrongChannelType, "%v", ch.Type)
	}
	if ch.closing || ch.dead {
		return ErrChannelClosing
	}
	if k.sender.Pending() || !k.spawnSent {
		k.replicate()
	}
	k.flushCalls()
	k.state = ObjectTornOff
	w := bitpack.NewWriter(0)
	w.WriteBit(true)
	ch.closeWith(w)
	return nil
}

func (k *objectChannel) acked(packetID int) {
	if k.sender == nil {
		return
	}
	k.sender.Acked(packetID)
	if k.ch.openAcked && !k.spawnAcked {
		k.spawnAcked = true
		k.sender.SpawnAcked()
	}
}

func (k *objectChannel) nakked(packetID int) {
	if k.sender != nil {
		k.sender.Nakked(packetID, k.ch.relocate)
	}
}

func (k *objectChannel) receivedBunch(b *bunch.Bunch) {
	ch := k.ch
	c := ch.conn
	r := b.Reader()
	if k.sender != nil {
		k.receivedCalls(r)
		return
	}
	if b.Close {
		if k.replica != nil && b.NumBits > 0 {
			k.replica.TornOff = r.ReadBit()
		}
		return
	}
	spawned := false
	if k.replica == nil {
		if !b.Open {
			k.fail(errors.New("object channel without spawn"))
			return
		}
		spawn, err := repl.ReadSpawnInfo(r)
		if err != nil {
			k.fail(err)
			return
		}
		cls, ok := c.classes.Lookup(spawn.ClassID)
		if !ok {
			k.fail(errors.Errorf("unknown class %v", spawn.ClassID))
			return
		}
		k.replica = repl.NewReplica(cls, spawn)
		k.state = ObjectInitial
		c.replicas[spawn.ObjectID] = ch
		spawned = true
	}
	updated, calls, err := k.replica.ApplyItems(r, b.PacketID, b.Reliable)
	if err != nil {
		c.Stats.Malformed++
		c.log.WithField("channel", ch.Index).WithError(err).Warnln("bad object update")
	}
	if spawned {
		if c.cb.ObjectSpawned != nil {
			c.cb.ObjectSpawned(ch, k.replica)
		}
	} else {
		k.state = ObjectSteady
		if len(updated) > 0 && c.cb.ObjectUpdated != nil {
			c.cb.ObjectUpdated(ch, k.replica, updated)
		}
	}
	k.dispatch(calls)
}

func (k *objectChannel) receivedCalls(r *bitpack.Reader) {
	c := k.ch.conn
	_, calls, err := k.inbound.ReadItems(r)
	if err != nil {
		c.Stats.Malformed++
		c.log.WithField("channel", k.ch.Index).WithError(err).Warnln("bad call from replica")
	}
	k.dispatch(calls)
}

func (k *objectChannel) dispatch(calls []repl.Call) {
	c := k.ch.conn
	if c.cb.RemoteCall == nil {
		return
	}
	for _, call := range calls {
		c.cb.RemoteCall(c, k.objectID(), call.Method, call.Args)
	}
}

// fail marks the channel broken and tells the owner, which closes it.
func (k *objectChannel) fail(err error) {
	ch := k.ch
	c := ch.conn
	ch.broken = true
	c.log.WithField("channel", ch.Index).WithError(err).Warnln("object channel broken")
	if err := c.SendControl(ObjectChannelFailure{Index: uint32(ch.Index)}); err != nil {
		c.log.WithError(err).Warnln("could not report object failure")
	}
}

func (k *objectChannel) cleanup(cause error) {
	c := k.ch.conn
	if k.sender != nil {
		if c.bound[k.spawn.ObjectID] == k.ch {
			delete(c.bound, k.spawn.ObjectID)
		}
		return
	}
	if k.replica == nil {
		return
	}
	if c.replicas[k.replica.ObjectID()] == k.ch {
		delete(c.replicas, k.replica.ObjectID())
	}
	if k.state != ObjectTornOff && k.replica.TornOff {
		k.state = ObjectTornOff
	}
	if c.cb.ObjectClosed != nil {
		c.cb.ObjectClosed(k.ch, k.replica, k.replica.TornOff)
	}
}

// UnbindObject stops replicating an object and destroys the peer's replica.
func (c *Connection) UnbindObject(objectID uint32) error {
	ch, ok := c.bound[objectID]
	if !ok {
		return errors.Wrapf(ErrUnknownObject, "object %v", objectID)
	}
	ch.Close()
	return nil
}
