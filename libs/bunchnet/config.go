// Package bunchnet implements connections that frame, sequence, acknowledge
// and retransmit bunches over an unreliable datagram transport, multiplexed
// across a fixed table of channels. Everything is driven by explicit ticks;
// the package starts no goroutines.
package bunchnet

import (
	"time"

	"github.com/geph-official/bunchnet/libs/bunch"
)

// Config sizes a connection.
type Config struct {
	// MaxPacket is the largest datagram sent, in bytes.
	MaxPacket int
	// MaxChannels is the size of the channel table. Index 0 is the control
	// channel, the last index is the voice channel.
	MaxChannels int
	// ReliableBuffer bounds the un-acked and out-of-order queues per channel.
	ReliableBuffer int

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration

	// NetSpeed is the outgoing byte budget per second.
	NetSpeed int

	MaxQueuedVoicePackets int
	FileChunkSize         int

	// Simulation degrades outgoing packets, for tests.
	Simulation PacketSimulation
}

// PacketSimulation describes artificial network damage applied on send.
// Loss, Dup and OutOfOrder are percentages.
type PacketSimulation struct {
	Loss        int
	Dup         int
	OutOfOrder  int
	Lag         time.Duration
	LagVariance time.Duration
}

func (ps PacketSimulation) active() bool {
	return ps.Loss > 0 || ps.Dup > 0 || ps.OutOfOrder > 0 || ps.Lag > 0 || ps.LagVariance > 0
}

// DefaultConfig returns the usual limits.
func DefaultConfig() Config {
	return Config{
		MaxPacket:             512,
		MaxChannels:           64,
		ReliableBuffer:        128,
		ConnectionTimeout:     15 * time.Second,
		KeepAliveInterval:     200 * time.Millisecond,
		NetSpeed:              10000,
		MaxQueuedVoicePackets: 16,
		FileChunkSize:         256,
	}
}

// VoiceIndex is the reserved voice channel index.
func (c Config) VoiceIndex() int { return c.MaxChannels - 1 }

func (c Config) framing() bunch.Framing {
	return bunch.Framing{MaxChannels: c.MaxChannels, MaxPayloadBits: c.MaxPacket * 8}
}

// maxBunchPayload is the largest payload that fits a packet alongside its
// packet header, one ack record, the bunch header and the terminator.
func (c Config) maxBunchPayload() int {
	return c.MaxPacket*8 - bunch.PacketHeaderBits - bunch.AckRecordBits - 1 -
		c.framing().MaxHeaderBits() - 1
}

func (c Config) fixup() Config {
	d := DefaultConfig()
	if c.MaxPacket <= 0 {
		c.MaxPacket = d.MaxPacket
	}
	if c.MaxChannels < 3 {
		c.MaxChannels = d.MaxChannels
	}
	if c.ReliableBuffer < 2 {
		c.ReliableBuffer = d.ReliableBuffer
	}
	if c.ReliableBuffer > bunch.MaxChSequence/2 {
		c.ReliableBuffer = bunch.MaxChSequence / 2
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = d.ConnectionTimeout
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = d.KeepAliveInterval
	}
	if c.NetSpeed <= 0 {
		c.NetSpeed = d.NetSpeed
	}
	if c.MaxQueuedVoicePackets <= 0 {
		c.MaxQueuedVoicePackets = d.MaxQueuedVoicePackets
	}
	if c.FileChunkSize <= 0 {
		c.FileChunkSize = d.FileChunkSize
	}
	return c
}
