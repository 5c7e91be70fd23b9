package bunchnet

import (
	"math/rand"
	"time"

	pq "github.com/jupp0r/go-priority-queue"
)

type delayedPacket struct {
	data []byte
	due  time.Time
}

// simulator damages outgoing packets according to a PacketSimulation.
type simulator struct {
	cfg    PacketSimulation
	rng    *rand.Rand
	queue  pq.PriorityQueue
	held   []byte
	heldAt time.Time
}

func newSimulator(cfg PacketSimulation, rng *rand.Rand) *simulator {
	return &simulator{cfg: cfg, rng: rng, queue: pq.New()}
}

func (s *simulator) chance(pct int) bool {
	return pct > 0 && s.rng.Intn(100) < pct
}

func (s *simulator) lag() time.Duration {
	lag := s.cfg.Lag
	if v := s.cfg.LagVariance; v > 0 {
		lag += time.Duration(s.rng.Int63n(int64(2*v))) - v
	}
	if lag < 0 {
		lag = 0
	}
	return lag
}

func (s *simulator) dispatch(data []byte, now time.Time, send func([]byte)) {
	lag := s.lag()
	if lag == 0 {
		send(data)
		return
	}
	d := &delayedPacket{data: append([]byte(nil), data...), due: now.Add(lag)}
	s.queue.Insert(d, float64(d.due.UnixNano()))
}

// push decides the fate of one outgoing packet. A packet held for reordering
// goes out right after the next one, or on the next release if nothing else
// was sent by then.
func (s *simulator) push(data []byte, now time.Time, send func([]byte)) {
	if s.chance(s.cfg.Loss) {
		return
	}
	copies := 1
	if s.chance(s.cfg.Dup) {
		copies = 2
	}
	for i := 0; i < copies; i++ {
		if s.held == nil && s.chance(s.cfg.OutOfOrder) {
			s.held = append([]byte(nil), data...)
			s.heldAt = now
			continue
		}
		s.dispatch(data, now, send)
		if s.held != nil {
			held := s.held
			s.held = nil
			s.dispatch(held, now.Add(time.Nanosecond), send)
		}
	}
}

// release sends every delayed packet that is due.
func (s *simulator) release(now time.Time, send func([]byte)) {
	if s.held != nil && now.After(s.heldAt) {
		held := s.held
		s.held = nil
		s.dispatch(held, now, send)
	}
	for s.queue.Len() > 0 {
		v, err := s.queue.Pop()
		if err != nil {
			return
		}
		d := v.(*delayedPacket)
		if d.due.After(now) {
			s.queue.Insert(d, float64(d.due.UnixNano()))
			return
		}
		send(d.data)
	}
}
