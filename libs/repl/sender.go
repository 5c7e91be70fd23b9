package repl

import (
	"bytes"

	"github.com/geph-official/bunchnet/libs/bitpack"
)

// Retirement ties a field element to the send that last carried it.
type Retirement struct {
	PacketID int
	Reliable bool
	Sequence int
}

type elemState struct {
	ret       Retirement
	needsSend bool
	inFlight  bool
	// last carrier was an unreliable update
	unreliable bool
}

// Sender is the sending half of an object channel. It keeps a shadow copy of
// the last value written for every field element and decides, each tick,
// which elements go into the next update bunch.
//
// An element is dirty from the moment it changes until the packet carrying
// its latest value is acknowledged. Dirty elements are either waiting to be
// sent or in flight.
type Sender struct {
	state   State
	class   *Class
	isOwner bool

	initial bool
	spilled bool
	shadow  *Record
	elems   []elemState

	verdicts []Verdict
	cached   []bool
}

// NewSender starts replication of state. The first update is a full snapshot.
func NewSender(state State, isOwner bool) *Sender {
	c := state.Class()
	s := &Sender{
		state:    state,
		class:    c,
		isOwner:  isOwner,
		initial:  true,
		shadow:   NewRecord(c),
		elems:    make([]elemState, c.NumElements()),
		verdicts: make([]Verdict, len(c.Fields)),
		cached:   make([]bool, len(c.Fields)),
	}
	for i := range s.elems {
		s.elems[i].needsSend = true
	}
	return s
}

// Class returns the replicated class.
func (s *Sender) Class() *Class { return s.class }

// State returns the live state being replicated.
func (s *Sender) State() State { return s.state }

// Initial reports whether the full initial snapshot is still being sent.
func (s *Sender) Initial() bool { return s.initial }

func (s *Sender) verdict(field int) Verdict {
	if s.cached[field] {
		return s.verdicts[field]
	}
	v := Replicate
	if cond := s.class.Fields[field].Cond; cond != nil {
		v = cond(&CondContext{Initial: s.initial, IsOwner: s.isOwner, State: s.state})
	}
	s.verdicts[field], s.cached[field] = v, true
	return v
}

func (s *Sender) resetVerdicts() {
	for i := range s.cached {
		s.cached[i] = false
	}
}

func (s *Sender) changed(idx int) bool {
	f, e := s.class.fieldOf(idx)
	return !bytes.Equal(s.state.Field(f, e), s.shadow.Field(f, e))
}

// MarkDirty forces every element of field into the next update.
func (s *Sender) MarkDirty(field int) {
	if field < 0 || field >= len(s.class.Fields) {
		return
	}
	base := s.class.element(field, 0)
	for e := 0; e < s.class.Fields[field].dim(); e++ {
		s.elems[base+e].needsSend = true
	}
}

// IsDirty reports whether any element of field is not known to be
// acknowledged at its current value.
func (s *Sender) IsDirty(field int) bool {
	s.resetVerdicts()
	skip := s.verdict(field) == Skip
	base := s.class.element(field, 0)
	for e := 0; e < s.class.Fields[field].dim(); e++ {
		st := s.elems[base+e]
		if st.inFlight {
			return true
		}
		if !skip && (st.needsSend || s.changed(base+e)) {
			return true
		}
	}
	return false
}

// DirtyFields lists every dirty field in canonical order.
func (s *Sender) DirtyFields() []int {
	var out []int
	for f := range s.class.Fields {
		if s.IsDirty(f) {
			out = append(out, f)
		}
	}
	return out
}

// Pending reports whether the next WriteUpdates would write anything.
func (s *Sender) Pending() bool {
	s.resetVerdicts()
	for idx := range s.elems {
		if s.candidate(idx) {
			return true
		}
	}
	return false
}

func (s *Sender) candidate(idx int) bool {
	f, _ := s.class.fieldOf(idx)
	switch s.verdict(f) {
	case Skip:
		return false
	case Force:
		if !s.initial {
			return true
		}
	}
	return s.elems[idx].needsSend || s.changed(idx)
}

func (s *Sender) itemSize(field int) int {
	f := s.class.Fields[field]
	n := s.class.itemBits() + f.Size*8
	if f.dim() > 1 {
		n += 8
	}
	return n
}

// WriteUpdates appends update items for every candidate element to w, in
// canonical order, without letting w grow past maxBits. Elements that do not
// fit stay pending for the next tick. It returns the flat indices of the
// elements written, which the caller must pass to Commit or Abort.
func (s *Sender) WriteUpdates(w *bitpack.Writer, maxBits int) []int {
	s.resetVerdicts()
	s.spilled = false
	var written []int
	for idx := range s.elems {
		if !s.candidate(idx) {
			continue
		}
		f, e := s.class.fieldOf(idx)
		if s.spilled || w.NumBits()+s.itemSize(f) > maxBits {
			s.spilled = true
			s.elems[idx].needsSend = true
			continue
		}
		w.WriteInt(uint32(f), uint32(s.class.NumItems()))
		if s.class.Fields[f].dim() > 1 {
			w.WriteUint8(uint8(e))
		}
		cur := s.state.Field(f, e)
		w.WriteBytes(cur)
		s.shadow.SetField(f, e, cur)
		s.elems[idx].needsSend = false
		written = append(written, idx)
	}
	return written
}

// Commit records that the written elements went out in the given send.
func (s *Sender) Commit(written []int, packetID int, reliable bool, sequence int) {
	for _, idx := range written {
		st := &s.elems[idx]
		st.ret = Retirement{PacketID: packetID, Reliable: reliable, Sequence: sequence}
		st.inFlight = true
		st.unreliable = !reliable
	}
	if !s.spilled {
		s.initial = false
	}
}

// Abort returns written elements to the pending set after a failed send.
func (s *Sender) Abort(written []int) {
	for _, idx := range written {
		s.elems[idx].needsSend = true
	}
}

// Acked retires every element whose latest value went out in packetID. It
// returns how many elements became clean.
func (s *Sender) Acked(packetID int) int {
	n := 0
	for i := range s.elems {
		st := &s.elems[i]
		if st.inFlight && st.ret.PacketID == packetID {
			st.inFlight = false
			n++
		}
	}
	return n
}

// SpawnAcked must be called once, when the bunch that opened the channel is
// first acknowledged. Unreliable updates sent before that may have reached a
// peer that had no replica to apply them to, so every element last carried
// unreliably is sent again.
func (s *Sender) SpawnAcked() {
	for i := range s.elems {
		if s.elems[i].unreliable {
			s.elems[i].needsSend = true
		}
	}
}

// Nakked handles the loss of packetID. Elements carried unreliably are sent
// again. Elements carried reliably follow their bunch: relocate maps the
// reliable sequence to the packet holding its resend, or reports false when
// the bunch is no longer outstanding.
func (s *Sender) Nakked(packetID int, relocate func(sequence int) (int, bool)) {
	for i := range s.elems {
		st := &s.elems[i]
		if !st.inFlight || st.ret.PacketID != packetID {
			continue
		}
		if !st.ret.Reliable {
			st.inFlight = false
			st.needsSend = true
			continue
		}
		if pid, ok := relocate(st.ret.Sequence); ok {
			st.ret.PacketID = pid
		} else {
			st.inFlight = false
		}
	}
}

// RetirementOf returns the retirement of one field element.
func (s *Sender) RetirementOf(field, elem int) (Retirement, bool) {
	st := s.elems[s.class.element(field, elem)]
	return st.ret, st.inFlight
}
