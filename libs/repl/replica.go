package repl

import (
	"github.com/geph-official/bunchnet/libs/bitpack"
	"github.com/pkg/errors"
)

// Transform is the uncompressed spawn location and rotation of a dynamic object.
type Transform struct {
	Location [3]float32
	Rotation [3]float32
}

// SpawnInfo is what the receiving side needs to instantiate an object.
// Persistent objects already exist on both sides and are found by id, so
// only dynamic objects carry a transform.
type SpawnInfo struct {
	ClassID    uint32
	ObjectID   uint32
	Persistent bool
	Transform  Transform
}

// SpawnBits is the encoded size of s.
func (s SpawnInfo) SpawnBits() int {
	if s.Persistent {
		return 65
	}
	return 65 + 6*32
}

// Write appends the spawn record.
func (s SpawnInfo) Write(w *bitpack.Writer) {
	w.WriteUint32(s.ClassID)
	w.WriteUint32(s.ObjectID)
	w.WriteBit(s.Persistent)
	if s.Persistent {
		return
	}
	for _, v := range s.Transform.Location {
		w.WriteFloat32(v)
	}
	for _, v := range s.Transform.Rotation {
		w.WriteFloat32(v)
	}
}

// ReadSpawnInfo parses a spawn record.
func ReadSpawnInfo(r *bitpack.Reader) (SpawnInfo, error) {
	var s SpawnInfo
	s.ClassID = r.ReadUint32()
	s.ObjectID = r.ReadUint32()
	s.Persistent = r.ReadBit()
	if !s.Persistent {
		for i := range s.Transform.Location {
			s.Transform.Location[i] = r.ReadFloat32()
		}
		for i := range s.Transform.Rotation {
			s.Transform.Rotation[i] = r.ReadFloat32()
		}
	}
	if r.IsError() {
		return s, errors.New("truncated spawn record")
	}
	return s, nil
}

// Replica is the receiving half of an object channel.
type Replica struct {
	Class   *Class
	Spawn   SpawnInfo
	State   *Record
	TornOff bool

	// newest packet id applied per element
	newest []int
}

// NewReplica creates a zero-valued replica.
func NewReplica(c *Class, spawn SpawnInfo) *Replica {
	rp := &Replica{Class: c, Spawn: spawn, State: NewRecord(c), newest: make([]int, c.NumElements())}
	for i := range rp.newest {
		rp.newest[i] = -1
	}
	return rp
}

// ObjectID returns the replicated object's id.
func (rp *Replica) ObjectID() uint32 { return rp.Spawn.ObjectID }

// ReadItems applies every field update in r to the replica and collects the
// method calls. It returns the updated fields in arrival order, without
// repeats. Items parsed before an error are kept.
func (rp *Replica) ReadItems(r *bitpack.Reader) (updated []int, calls []Call, err error) {
	return rp.ApplyItems(r, -1, true)
}

// ApplyItems is ReadItems for items that arrived in packetID. An unreliable
// field value is skipped when the element already holds a value from a newer
// packet. Calls are always collected.
func (rp *Replica) ApplyItems(r *bitpack.Reader, packetID int, reliable bool) (updated []int, calls []Call, err error) {
	c := rp.Class
	seen := make(map[int]bool)
	for !r.AtEnd() {
		id := int(r.ReadInt(uint32(c.NumItems())))
		if r.IsError() {
			return updated, calls, errors.Errorf("bad item id in %v", c.Name)
		}
		if id >= len(c.Fields) {
			m := id - len(c.Fields)
			args := readArgs(r, c.Methods[m])
			if r.IsError() {
				return updated, calls, errors.Errorf("truncated call %v.%v", c.Name, c.Methods[m].Name)
			}
			calls = append(calls, Call{Method: m, Args: args})
			continue
		}
		f := c.Fields[id]
		elem := 0
		if f.dim() > 1 {
			elem = int(r.ReadUint8())
			if elem >= f.dim() {
				return updated, calls, errors.Errorf("%v.%v[%v] out of range", c.Name, f.Name, elem)
			}
		}
		v := r.ReadBytes(f.Size)
		if r.IsError() {
			return updated, calls, errors.Errorf("truncated field %v.%v", c.Name, f.Name)
		}
		idx := c.element(id, elem)
		if !reliable && packetID <= rp.newest[idx] {
			continue
		}
		if packetID > rp.newest[idx] {
			rp.newest[idx] = packetID
		}
		rp.State.SetField(id, elem, v)
		if !seen[id] {
			seen[id] = true
			updated = append(updated, id)
		}
	}
	return updated, calls, nil
}
