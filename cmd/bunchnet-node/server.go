package main

import (
	"encoding/binary"
	"io/ioutil"
	"math"
	"math/rand"

	"github.com/geph-official/bunchnet/libs/bunchnet"
	"github.com/geph-official/bunchnet/libs/fastudp"
	"github.com/geph-official/bunchnet/libs/repl"
	log "github.com/sirupsen/logrus"
)

type player struct {
	conn     *bunchnet.Connection
	name     string
	objectID uint32
	pawn     *repl.Record
}

type server struct {
	drv     *bunchnet.Driver
	players map[*bunchnet.Connection]*player
	nextID  uint32
	motd    []byte
	ticks   int
}

func runServer(cfg bunchnet.Config, transport *fastudp.Transport) {
	s := &server{
		players: make(map[*bunchnet.Connection]*player),
		nextID:  1,
	}
	if motdFile != "" {
		motd, err := ioutil.ReadFile(motdFile)
		if err != nil {
			log.WithError(err).Fatalln("cannot read motd")
		}
		s.motd = motd
	}
	setup := bunchnet.Setup{
		Config:   cfg,
		Services: bunchnet.Services{Log: log.WithField("mode", "server")},
		Classes:  classes,
		Callbacks: bunchnet.Callbacks{
			ControlMessage:   s.onControl,
			RemoteCall:       s.onCall,
			ConnectionClosed: s.onClosed,
		},
	}
	drv, err := bunchnet.NewDriver(setup, transport, bunchnet.DriverOptions{
		Listen:   true,
		OnAccept: s.onAccept,
	})
	if err != nil {
		log.WithError(err).Fatalln("cannot start driver")
	}
	s.drv = drv
	log.Infoln("serving world", worldName)
	tickLoop(drv, transport, s.step)
}

func (s *server) onAccept(c *bunchnet.Connection) {
	s.players[c] = &player{conn: c}
	statEvent("accept")
}

func (s *server) onControl(c *bunchnet.Connection, msg bunchnet.ControlMessage) {
	p, ok := s.players[c]
	if !ok {
		p = &player{conn: c}
		s.players[c] = p
	}
	switch m := msg.(type) {
	case bunchnet.Hello:
		if m.Version != bunchnet.ProtocolVersion {
			c.SendControl(bunchnet.Failure{Reason: "protocol version mismatch"})
			return
		}
		c.SendControl(bunchnet.Welcome{World: worldName, NetSpeed: uint32(c.Config().NetSpeed)})
	case bunchnet.Login:
		p.name = m.Name
		log.WithField("remote", c.RemoteAddr()).Infoln("login from", m.Name)
	case bunchnet.Join:
		if p.pawn != nil {
			return
		}
		s.spawn(p)
	case bunchnet.DebugText:
		log.WithField("remote", c.RemoteAddr()).Debugln("debug text:", m.Text)
	}
}

func (s *server) spawn(p *player) {
	rec := repl.NewRecord(pawnClass)
	rec.SetInt32(fHealth, 0, 100)
	rec.SetInt32(fAmmo, 0, 30)
	rec.SetString(fName, p.name)
	id := s.nextID
	if _, err := p.conn.BindObject(id, rec, repl.SpawnInfo{Persistent: true}, true); err != nil {
		log.WithError(err).Warnln("cannot spawn pawn for", p.name)
		return
	}
	s.nextID++
	p.objectID, p.pawn = id, rec
	log.Infoln("spawned pawn", id, "for", p.name)
	if len(s.motd) > 0 {
		if _, err := p.conn.SendFile("motd.txt", s.motd); err != nil {
			log.WithError(err).Warnln("cannot send motd")
		}
	}
}

func (s *server) onCall(c *bunchnet.Connection, objectID uint32, method int, args [][]byte) {
	p, ok := s.players[c]
	if !ok || p.objectID != objectID {
		return
	}
	switch method {
	case mSay:
		text := string(args[0])
		log.Infof("<%v> %v", p.name, text)
		for _, other := range s.players {
			if other != p && other.pawn != nil {
				other.conn.SendControl(bunchnet.DebugText{Text: p.name + ": " + text})
			}
		}
	case mJump:
		height := math.Float32frombits(binary.LittleEndian.Uint32(args[0]))
		loc := p.pawn.Float32(fLocation, 2)
		p.pawn.SetFloat32(fLocation, 2, loc+height)
	}
}

func (s *server) onClosed(c *bunchnet.Connection, err error) {
	p, ok := s.players[c]
	if !ok {
		return
	}
	delete(s.players, c)
	statEvent("close")
	log.WithField("remote", c.RemoteAddr()).WithError(err).Infoln("player", p.name, "left")
}

// step moves every pawn a little and slowly drains health.
func (s *server) step() bool {
	s.ticks++
	for _, p := range s.players {
		if p.pawn == nil {
			continue
		}
		for e := 0; e < 2; e++ {
			p.pawn.SetFloat32(fLocation, e, p.pawn.Float32(fLocation, e)+rand.Float32()-0.5)
		}
		if z := p.pawn.Float32(fLocation, 2); z > 0 {
			p.pawn.SetFloat32(fLocation, 2, float32(math.Max(0, float64(z)-0.5)))
		}
		if s.ticks%tickRate == 0 {
			health := p.pawn.Int32(fHealth, 0) - 1
			if health <= 0 {
				health = 100
			}
			p.pawn.SetInt32(fHealth, 0, health)
		}
	}
	return true
}
