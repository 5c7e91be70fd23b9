package bunchnet

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/geph-official/bunchnet/libs/bitpack"
	"github.com/pkg/errors"
)

// ProtocolVersion is carried in the control probe and in Hello.
const ProtocolVersion = 3

// MessageType tags a control message.
type MessageType uint8

// Control message types.
const (
	MsgHello MessageType = iota + 1
	MsgWelcome
	MsgLogin
	MsgJoin
	MsgFailure
	MsgNetspeed
	MsgObjectChannelFailure
	MsgDebugText
)

func (t MessageType) String() string {
	switch t {
	case MsgHello:
		return "Hello"
	case MsgWelcome:
		return "Welcome"
	case MsgLogin:
		return "Login"
	case MsgJoin:
		return "Join"
	case MsgFailure:
		return "Failure"
	case MsgNetspeed:
		return "Netspeed"
	case MsgObjectChannelFailure:
		return "ObjectChannelFailure"
	case MsgDebugText:
		return "DebugText"
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

// ControlMessage is any message carried on the control channel.
type ControlMessage interface {
	Type() MessageType
}

// Hello is the client's first message.
type Hello struct {
	Version uint32
}

// Welcome answers Hello.
type Welcome struct {
	World    string
	NetSpeed uint32
}

// Login identifies the client.
type Login struct {
	Name    string
	Options string
}

// Join asks the server to start replicating.
type Join struct{}

// Failure reports a fatal error. The receiver closes the connection.
type Failure struct {
	Reason string
}

// Netspeed asks the peer to change its outgoing byte budget.
type Netspeed struct {
	Rate uint32
}

// ObjectChannelFailure reports an object channel whose class could not be resolved.
type ObjectChannelFailure struct {
	Index uint32
}

// DebugText carries free text.
type DebugText struct {
	Text string
}

// Type implements ControlMessage.
func (Hello) Type() MessageType { return MsgHello }

// Type implements ControlMessage.
func (Welcome) Type() MessageType { return MsgWelcome }

// Type implements ControlMessage.
func (Login) Type() MessageType { return MsgLogin }

// Type implements ControlMessage.
func (Join) Type() MessageType { return MsgJoin }

// Type implements ControlMessage.
func (Failure) Type() MessageType { return MsgFailure }

// Type implements ControlMessage.
func (Netspeed) Type() MessageType { return MsgNetspeed }

// Type implements ControlMessage.
func (ObjectChannelFailure) Type() MessageType { return MsgObjectChannelFailure }

// Type implements ControlMessage.
func (DebugText) Type() MessageType { return MsgDebugText }

// EncodeControl writes a message as a type byte, a 16-bit body length and
// the RLP body.
func EncodeControl(w *bitpack.Writer, msg ControlMessage) error {
	body, err := rlp.EncodeToBytes(msg)
	if err != nil {
		return errors.Wrapf(err, "encoding %v", msg.Type())
	}
	if len(body) > 0xffff {
		return errors.Errorf("%v body too long", msg.Type())
	}
	w.WriteUint8(uint8(msg.Type()))
	w.WriteUint16(uint16(len(body)))
	w.WriteBytes(body)
	return nil
}

// DecodeControl reads one message written by EncodeControl.
func DecodeControl(r *bitpack.Reader) (ControlMessage, error) {
	t := MessageType(r.ReadUint8())
	body := r.ReadBytes(int(r.ReadUint16()))
	if r.IsError() {
		return nil, errors.New("truncated control message")
	}
	var msg ControlMessage
	var err error
	switch t {
	case MsgHello:
		var m Hello
		err = rlp.DecodeBytes(body, &m)
		msg = m
	case MsgWelcome:
		var m Welcome
		err = rlp.DecodeBytes(body, &m)
		msg = m
	case MsgLogin:
		var m Login
		err = rlp.DecodeBytes(body, &m)
		msg = m
	case MsgJoin:
		var m Join
		err = rlp.DecodeBytes(body, &m)
		msg = m
	case MsgFailure:
		var m Failure
		err = rlp.DecodeBytes(body, &m)
		msg = m
	case MsgNetspeed:
		var m Netspeed
		err = rlp.DecodeBytes(body, &m)
		msg = m
	case MsgObjectChannelFailure:
		var m ObjectChannelFailure
		err = rlp.DecodeBytes(body, &m)
		msg = m
	case MsgDebugText:
		var m DebugText
		err = rlp.DecodeBytes(body, &m)
		msg = m
	default:
		return nil, errors.Errorf("unknown control message %v", t)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %v", t)
	}
	return msg, nil
}
