package main

import (
	"net"
	"os"
	"time"

	statsd "github.com/etsy/statsd/examples/go"
	"github.com/geph-official/bunchnet/libs/bunchnet"
	log "github.com/sirupsen/logrus"
)

var statsdAddr string
var statClient *statsd.StatsdClient
var statPrefix = "bunchnet"
var lastReport time.Time

func startStats() {
	if statsdAddr == "" {
		return
	}
	z, err := net.ResolveUDPAddr("udp", statsdAddr)
	if err != nil {
		log.WithError(err).Warnln("statsd disabled")
		return
	}
	if hostname, err := os.Hostname(); err == nil {
		statPrefix = hostname + ".bunchnet"
	}
	statClient = statsd.New(z.IP.String(), z.Port)
	log.Infoln("reporting to statsd at", z)
}

func statEvent(name string) {
	if statClient != nil {
		statClient.Increment(statPrefix + "." + name)
	}
}

// reportStats samples every connection once a second.
func reportStats(conns []*bunchnet.Connection) {
	if statClient == nil || time.Since(lastReport) < time.Second {
		return
	}
	lastReport = time.Now()
	for _, c := range conns {
		statClient.Timing(statPrefix+".lag", c.Stats.AvgLag.Milliseconds())
		if c.Stats.OutLoss > 0 {
			statClient.Timing(statPrefix+".outLossPermille", int64(c.Stats.OutLoss*1000/(c.Stats.OutPackets+1)))
		}
	}
}
