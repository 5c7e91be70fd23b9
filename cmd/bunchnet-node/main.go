package main

import (
	"flag"
	"math/rand"
	"time"

	"github.com/geph-official/bunchnet/libs/bunchnet"
	"github.com/geph-official/bunchnet/libs/fastudp"
	"github.com/google/gops/agent"
	log "github.com/sirupsen/logrus"
	"github.com/vharitonsky/iniflags"
)

var listenAddr string
var connectAddr string
var playerName string
var worldName string
var motdFile string
var gopsAddr string

var tickRate int
var netSpeed int
var simLoss int
var simLag time.Duration
var sendVoice bool

func main() {
	rand.Seed(time.Now().UnixNano())
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	log.SetLevel(log.DebugLevel)

	iniflags.SetAllowMissingConfigFile(true)
	flag.StringVar(&listenAddr, "listen", ":7777", "UDP address to bind")
	flag.StringVar(&connectAddr, "connect", "", "if set, run as a client connecting to this server address")
	flag.StringVar(&playerName, "name", "player", "player name sent at login")
	flag.StringVar(&worldName, "world", "lobby", "world name announced to clients")
	flag.StringVar(&motdFile, "motd", "", "file sent to every client that joins")
	flag.StringVar(&gopsAddr, "gops", "", "if set, start a gops agent on this address")
	flag.StringVar(&statsdAddr, "statsdAddr", "", "address of StatsD for gathering statistics")
	flag.IntVar(&tickRate, "tickRate", 30, "ticks per second")
	flag.IntVar(&netSpeed, "netSpeed", 10000, "outgoing bytes per second per connection")
	flag.IntVar(&simLoss, "simLoss", 0, "percentage of outgoing packets to drop, for testing")
	flag.DurationVar(&simLag, "simLag", 0, "artificial lag on outgoing packets, for testing")
	flag.BoolVar(&sendVoice, "voice", false, "send a synthetic voice stream")
	iniflags.Parse()

	if gopsAddr != "" {
		if err := agent.Listen(agent.Options{Addr: gopsAddr}); err != nil {
			log.WithError(err).Warnln("gops agent not started")
		}
	}
	startStats()
	if tickRate <= 0 {
		tickRate = 30
	}

	cfg := bunchnet.DefaultConfig()
	cfg.NetSpeed = netSpeed
	cfg.Simulation.Loss = simLoss
	cfg.Simulation.Lag = simLag

	transport, err := fastudp.Listen(listenAddr)
	if err != nil {
		log.WithError(err).Fatalln("cannot bind", listenAddr)
	}
	defer transport.Close()
	log.Infoln("bound to", transport.LocalAddr())

	if connectAddr == "" {
		runServer(cfg, transport)
	} else {
		runClient(cfg, transport)
	}
}

// tickLoop drives the driver until step reports false or the transport dies.
func tickLoop(drv *bunchnet.Driver, transport *fastudp.Transport, step func() bool) {
	ticker := time.NewTicker(time.Second / time.Duration(tickRate))
	defer ticker.Stop()
	for range ticker.C {
		if err := transport.Err(); err != nil {
			log.WithError(err).Errorln("transport died")
			return
		}
		if !step() {
			return
		}
		drv.Tick()
		reportStats(drv.Connections())
	}
}
