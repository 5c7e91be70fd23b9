package bunchnet

import "github.com/pkg/errors"

var (
	// ErrConnectionClosed is returned by operations on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrChannelClosing is returned when sending on a channel that sent or received its close.
	ErrChannelClosing = errors.New("channel is closing")
	// ErrTemporaryChannel is returned when sending twice on a one-shot channel.
	ErrTemporaryChannel = errors.New("temporary channel already used")
	// ErrReliableBufferFull is returned when a channel has too many un-acked reliable bunches.
	ErrReliableBufferFull = errors.New("reliable buffer full")
	// ErrBunchTooLarge is returned for a bunch that can never fit in a packet.
	ErrBunchTooLarge = errors.New("bunch too large for a packet")
	// ErrNoFreeChannel is returned when every channel index is in use.
	ErrNoFreeChannel = errors.New("no free channel")
	// ErrTimedOut closes a connection that received nothing for too long.
	ErrTimedOut = errors.New("connection timed out")
	// ErrProtocolViolation closes a connection whose peer broke the protocol.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrBadProbe closes a connection whose control probe did not validate.
	ErrBadProbe = errors.New("bad control probe")
	// ErrPeerClosed closes a connection whose peer closed it.
	ErrPeerClosed = errors.New("closed by peer")
	// ErrEvicted closes a connection dropped from a full connection table.
	ErrEvicted = errors.New("evicted from connection table")
	// ErrWrongChannelType is returned for an operation the channel type does not support.
	ErrWrongChannelType = errors.New("wrong channel type")
	// ErrUnknownObject is returned for an object id with no bound channel.
	ErrUnknownObject = errors.New("unknown object")
)
