package main

import (
	"encoding/binary"
	"math"
	"math/rand"
	"net"

	"github.com/geph-official/bunchnet/libs/bunchnet"
	"github.com/geph-official/bunchnet/libs/fastudp"
	"github.com/geph-official/bunchnet/libs/repl"
	log "github.com/sirupsen/logrus"
)

type client struct {
	conn   *bunchnet.Connection
	pawnID uint32
	pawn   *repl.Replica
	ticks  int
	done   bool
}

func runClient(cfg bunchnet.Config, transport *fastudp.Transport) {
	addr, err := net.ResolveUDPAddr("udp", connectAddr)
	if err != nil {
		log.WithError(err).Fatalln("cannot resolve", connectAddr)
	}
	cl := &client{}
	setup := bunchnet.Setup{
		Config:   cfg,
		Services: bunchnet.Services{Log: log.WithField("mode", "client")},
		Classes:  classes,
		Callbacks: bunchnet.Callbacks{
			ControlMessage: cl.onControl,
			ObjectSpawned:  cl.onSpawned,
			ObjectUpdated:  cl.onUpdated,
			ObjectClosed:   cl.onObjectClosed,
			FileReceived:   cl.onFile,
			MessageReceived: func(ch *bunchnet.Channel, msg []byte) {
				log.Debugln("got", len(msg), "bytes on channel", ch.Index)
			},
			ConnectionClosed: func(c *bunchnet.Connection, err error) {
				log.WithError(err).Infoln("disconnected")
				cl.done = true
			},
		},
	}
	drv, err := bunchnet.NewDriver(setup, transport, bunchnet.DriverOptions{})
	if err != nil {
		log.WithError(err).Fatalln("cannot start driver")
	}
	cl.conn, err = drv.Connect(addr)
	if err != nil {
		log.WithError(err).Fatalln("cannot connect")
	}
	log.Infoln("connecting to", addr)
	tickLoop(drv, transport, cl.step)
	drv.Close()
}

func (cl *client) onControl(c *bunchnet.Connection, msg bunchnet.ControlMessage) {
	switch m := msg.(type) {
	case bunchnet.Welcome:
		log.Infoln("welcome to", m.World)
		c.SendControl(bunchnet.Login{Name: playerName})
		c.SendControl(bunchnet.Join{})
	case bunchnet.DebugText:
		log.Infoln(m.Text)
	case bunchnet.Failure:
		log.Warnln("server refused us:", m.Reason)
	}
}

func (cl *client) onSpawned(ch *bunchnet.Channel, rp *repl.Replica) {
	log.Infof("pawn %v spawned as %q, health %v", rp.ObjectID(), rp.State.String(fName), rp.State.Int32(fHealth, 0))
	cl.pawnID, cl.pawn = rp.ObjectID(), rp
}

func (cl *client) onUpdated(ch *bunchnet.Channel, rp *repl.Replica, fields []int) {
	for _, f := range fields {
		switch f {
		case fHealth:
			log.Debugln("health", rp.State.Int32(fHealth, 0))
		case fAmmo:
			log.Debugln("ammo", rp.State.Int32(fAmmo, 0))
		}
	}
}

func (cl *client) onObjectClosed(ch *bunchnet.Channel, rp *repl.Replica, tornOff bool) {
	log.Infoln("pawn", rp.ObjectID(), "gone, torn off:", tornOff)
	if rp == cl.pawn {
		cl.pawn = nil
	}
}

func (cl *client) onFile(ch *bunchnet.Channel, name string, data []byte, err error) {
	if err != nil {
		log.WithError(err).Warnln("file", name, "failed")
		return
	}
	log.Infof("received %v (%v bytes)", name, len(data))
}

func (cl *client) step() bool {
	if cl.done {
		return false
	}
	cl.ticks++
	if sendVoice && cl.conn.IsNetReady() {
		frame := make([]byte, 40)
		rand.Read(frame)
		if err := cl.conn.SendVoice(frame); err != nil {
			log.WithError(err).Debugln("voice frame dropped")
		}
	}
	if cl.pawn == nil {
		return true
	}
	if cl.ticks%(tickRate*5) == 0 {
		cl.conn.CallRemote(cl.pawnID, mSay, [][]byte{[]byte("hello from " + playerName)})
	}
	if cl.ticks%(tickRate*3) == 0 {
		height := make([]byte, 4)
		binary.LittleEndian.PutUint32(height, math.Float32bits(2))
		cl.conn.CallRemote(cl.pawnID, mJump, [][]byte{height})
	}
	return true
}
