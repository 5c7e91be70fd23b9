package bunchnet

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/geph-official/bunchnet/libs/bitpack"
	"github.com/geph-official/bunchnet/libs/bunch"
	"github.com/pkg/errors"
)

func TestHandshake(t *testing.T) {
	w := newWorld(t, testConfig(), nil)
	w.handshake()
	if len(w.server.controls) != 1 || w.server.controls[0] != (Hello{Version: ProtocolVersion}) {
		t.Fatal("server controls", w.server.controls)
	}
	if len(w.client.controls) != 1 || w.client.controls[0].Type() != MsgWelcome {
		t.Fatal("client controls", w.client.controls)
	}
	ctl := w.client.conn.Channel(0)
	if !ctl.OpenAcked() || ctl.NumOutRec() != 0 {
		t.Fatal("control open not settled")
	}
	if caps, ok := w.server.conn.Channel(0).PeerCapabilities(); !ok || caps != LocalCapabilities {
		t.Fatal("probe not recorded", caps, ok)
	}
}

func TestReliableOrderUnderShuffle(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		t.Run(fmt.Sprint("seed", seed), func(t *testing.T) {
			w := newWorld(t, testConfig(), nil)
			w.handshake()
			ch, err := w.client.conn.OpenChannel(bunch.TypeMessage, true)
			if err != nil {
				t.Fatal(err)
			}
			var want []string
			for i := 0; i < 50; i++ {
				msg := fmt.Sprint("m", i)
				want = append(want, msg)
				if err := ch.SendMessage([]byte(msg), true); err != nil {
					t.Fatal(err)
				}
				w.client.conn.FlushNet()
			}
			rng := rand.New(rand.NewSource(seed))
			w.net.Shuffle(rng)
			w.net.DeliverAll()
			w.server.pump()
			for round := 0; round < 200 && len(w.server.messages) < len(want); round++ {
				w.lossyRound(rng, 20)
			}
			if len(w.server.messages) != len(want) {
				t.Fatal("delivered", len(w.server.messages), "of", len(want))
			}
			for i := range want {
				if w.server.messages[i] != want[i] {
					t.Fatal("out of order at", i, w.server.messages[i])
				}
			}
		})
	}
}

func TestUnreliableAtMostOnce(t *testing.T) {
	w := newWorld(t, testConfig(), nil)
	w.handshake()
	ch, _ := w.client.conn.OpenChannel(bunch.TypeMessage, true)
	ch.SendMessage([]byte("open"), true)
	w.roundTrip()
	w.roundTrip()

	ch.SendMessage([]byte("once"), false)
	w.client.conn.FlushNet()
	if w.net.Pending() != 1 {
		t.Fatal("expected one packet")
	}
	w.net.Duplicate(0)
	w.net.Duplicate(0)
	w.net.DeliverAll()
	w.server.pump()
	count := 0
	for _, m := range w.server.messages {
		if m == "once" {
			count++
		}
	}
	if count != 1 {
		t.Fatal("unreliable message delivered", count, "times")
	}
	if w.server.conn.Stats.Duplicates != 2 {
		t.Fatal("duplicates", w.server.conn.Stats.Duplicates)
	}
}

func TestNakResendsExactlyOnce(t *testing.T) {
	w := newWorld(t, testConfig(), nil)
	w.handshake()
	ch, _ := w.client.conn.OpenChannel(bunch.TypeMessage, true)
	ch.SendMessage([]byte("a"), true)
	w.client.conn.FlushNet()
	w.net.Drop(0)

	ch.SendMessage([]byte("b"), true)
	w.client.conn.FlushNet()
	w.net.DeliverAll()
	w.server.pump()
	if len(w.server.messages) != 0 || ch.NumOutRec() != 2 {
		t.Fatal("b must wait for a", w.server.messages)
	}
	if w.server.conn.Channel(ch.Index).NumInRec() != 1 {
		t.Fatal("b not buffered")
	}

	w.server.conn.Tick()
	w.net.DeliverAll()
	w.client.pump()
	if w.client.conn.Stats.Resent != 1 {
		t.Fatal("resent", w.client.conn.Stats.Resent)
	}
	if ch.NumOutRec() != 2 {
		t.Fatal("acked b must stay queued behind a", ch.NumOutRec())
	}

	for i := 0; i < 3; i++ {
		w.roundTrip()
	}
	if len(w.server.messages) != 2 || w.server.messages[0] != "a" || w.server.messages[1] != "b" {
		t.Fatal("messages", w.server.messages)
	}
	if w.client.conn.Stats.Resent != 1 || ch.NumOutRec() != 0 {
		t.Fatal("resend after ack", w.client.conn.Stats.Resent, ch.NumOutRec())
	}
}

func TestMergeCorrectness(t *testing.T) {
	w := newWorld(t, testConfig(), nil)
	w.handshake()
	ch, _ := w.client.conn.OpenChannel(bunch.TypeMessage, true)
	ch.SendMessage([]byte("open"), true)
	w.roundTrip()
	w.roundTrip()

	ch.SendMessage([]byte("first"), true)
	ch.SendMessage([]byte("second"), true)
	if ch.NumOutRec() != 1 {
		t.Fatal("merged bunch should be one reliable entry", ch.NumOutRec())
	}
	w.client.conn.FlushNet()
	p := decodePending(t, w, 0)
	if len(p.Bunches) != 1 {
		t.Fatal("expected one merged bunch, got", len(p.Bunches))
	}
	r := p.Bunches[0].Reader()
	if string(readDelimited(r)) != "first" || string(readDelimited(r)) != "second" || !r.AtEnd() {
		t.Fatal("merged payload mismatch")
	}
	w.net.DeliverAll()
	w.server.pump()
	got := w.server.messages[len(w.server.messages)-2:]
	if got[0] != "first" || got[1] != "second" {
		t.Fatal("receiver saw", got)
	}
}

func TestNoMergeAcrossReliability(t *testing.T) {
	w := newWorld(t, testConfig(), nil)
	w.handshake()
	ch, _ := w.client.conn.OpenChannel(bunch.TypeMessage, true)
	ch.SendMessage([]byte("open"), true)
	ch.SendMessage([]byte("loose"), false)
	w.client.conn.FlushNet()
	if p := decodePending(t, w, 0); len(p.Bunches) != 2 || !p.Bunches[0].Open || p.Bunches[1].Reliable {
		t.Fatal("reliable open and unreliable message were merged")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	w := newWorld(t, testConfig(), nil)
	w.handshake()
	ch, _ := w.client.conn.OpenChannel(bunch.TypeMessage, true)
	ch.SendMessage([]byte("hi"), true)
	w.roundTrip()
	ch.Close()
	ch.Close()
	if !ch.IsClosing() || ch.NumOutRec() != 1 {
		t.Fatal("expected a single pending close", ch.NumOutRec())
	}
	if err := ch.SendMessage([]byte("late"), true); errors.Cause(err) != ErrChannelClosing {
		t.Fatal("send after close", err)
	}
	w.roundTrip()
	w.roundTrip()
	if !ch.IsDead() || w.client.conn.Channel(ch.Index) != nil {
		t.Fatal("channel not cleaned up after close acked")
	}
	ch.Close()
	if len(w.client.closed) != 1 || len(w.server.closed) != 1 {
		t.Fatal("close callbacks", len(w.client.closed), len(w.server.closed))
	}
}

func TestUnsentLocalChannelClosesSilently(t *testing.T) {
	w := newWorld(t, testConfig(), nil)
	w.handshake()
	ch, _ := w.client.conn.OpenChannel(bunch.TypeMessage, true)
	ch.Close()
	if !ch.IsDead() {
		t.Fatal("unsent channel not cleaned up")
	}
	w.client.conn.FlushNet()
	if p := decodePending(t, w, 0); len(p.Bunches) != 0 {
		t.Fatal("close of an unsent channel hit the wire")
	}
}

func TestTemporaryChannel(t *testing.T) {
	w := newWorld(t, testConfig(), nil)
	w.handshake()
	ch, _ := w.client.conn.OpenChannel(bunch.TypeMessage, false)
	if err := ch.SendMessage([]byte("one-shot"), true); err != nil {
		t.Fatal(err)
	}
	if !ch.IsDead() || ch.NumOutRec() != 0 {
		t.Fatal("temporary channel should be gone after its only bunch")
	}
	if err := ch.SendMessage([]byte("again"), true); err == nil {
		t.Fatal("second send on a temporary channel accepted")
	}
	w.roundTrip()
	if len(w.server.messages) != 1 || w.server.messages[0] != "one-shot" {
		t.Fatal("server messages", w.server.messages)
	}
	if len(w.server.opened) != 2 || len(w.server.closed) != 1 {
		t.Fatal("temporary channel lifecycle on server", len(w.server.opened), len(w.server.closed))
	}
}

func TestTemporaryChannelLossIsSilent(t *testing.T) {
	w := newWorld(t, testConfig(), nil)
	w.handshake()
	ch, _ := w.client.conn.OpenChannel(bunch.TypeMessage, false)
	ch.SendMessage([]byte("lost"), true)
	w.client.conn.FlushNet()
	w.net.DropAll()
	for i := 0; i < 3; i++ {
		w.clk.advance(time.Second)
		w.roundTrip()
	}
	if w.client.conn.Stats.Resent != 0 || len(w.server.messages) != 0 {
		t.Fatal("temporary channel content was resent")
	}
}

func TestControlQueueDrainsInOrder(t *testing.T) {
	cfg := testConfig()
	cfg.ReliableBuffer = 4
	w := newWorld(t, cfg, nil)
	c := w.client.conn
	for i := 0; i < 6; i++ {
		if err := c.SendControl(DebugText{Text: fmt.Sprint("t", i)}); err != nil {
			t.Fatal(err)
		}
		c.FlushNet()
	}
	ctl := c.Channel(0)
	if ctl.NumOutRec() != 3 || ctl.Queued() != 3 {
		t.Fatal("expected three in flight and three queued", ctl.NumOutRec(), ctl.Queued())
	}
	for i := 0; i < 10 && len(w.server.controls) < 6; i++ {
		w.roundTrip()
	}
	if len(w.server.controls) != 6 {
		t.Fatal("server got", len(w.server.controls))
	}
	for i, m := range w.server.controls {
		if m.(DebugText).Text != fmt.Sprint("t", i) {
			t.Fatal("control order broken at", i, m)
		}
	}
}

func rawPacket(f bunch.Framing, id int, bunches ...*bunch.Bunch) []byte {
	w := bitpack.NewWriter(0)
	bunch.WritePacketHeader(w, id)
	for _, b := range bunches {
		bunch.WriteBunchMarker(w)
		f.Write(w, b)
	}
	bunch.Terminate(w)
	return append([]byte(nil), w.Bytes()...)
}

func TestBadProbeClosesConnection(t *testing.T) {
	w := newWorld(t, testConfig(), nil)
	pw := bitpack.NewWriter(0)
	pw.WriteUint8(7)
	pw.WriteUint16(ProtocolVersion)
	pw.WriteUint32(0)
	EncodeControl(pw, Hello{Version: ProtocolVersion})
	b := bunch.New(pw)
	b.Open, b.Reliable, b.ChSequence, b.ChType = true, true, 1, bunch.TypeControl
	w.server.conn.ReceivedPacket(rawPacket(w.server.conn.framing, 0, b))
	if !w.server.conn.IsClosed() || errors.Cause(w.server.closeErr) != ErrBadProbe {
		t.Fatal("bad probe accepted", w.server.closeErr)
	}
	if len(w.server.controls) != 0 {
		t.Fatal("control traffic trusted before the probe")
	}
}

func TestTrafficBeforeControlIsViolation(t *testing.T) {
	w := newWorld(t, testConfig(), nil)
	pw := bitpack.NewWriter(0)
	writeDelimited(pw, []byte("sneaky"))
	b := bunch.New(pw)
	b.ChIndex, b.Open, b.Reliable, b.ChSequence, b.ChType = 5, true, true, 1, bunch.TypeMessage
	w.server.conn.ReceivedPacket(rawPacket(w.server.conn.framing, 0, b))
	if errors.Cause(w.server.closeErr) != ErrProtocolViolation {
		t.Fatal("expected violation", w.server.closeErr)
	}
	if len(w.server.messages) != 0 {
		t.Fatal("message delivered before control")
	}
}

func TestCloseOnUnopenedChannelIsViolation(t *testing.T) {
	w := newWorld(t, testConfig(), nil)
	w.handshake()
	b := &bunch.Bunch{ChIndex: 9, Close: true}
	w.server.conn.ReceivedPacket(rawPacket(w.server.conn.framing, 5, b))
	if errors.Cause(w.server.closeErr) != ErrProtocolViolation {
		t.Fatal("expected violation", w.server.closeErr)
	}
}

func TestMalformedBunchStopsParsingButAcks(t *testing.T) {
	w := newWorld(t, testConfig(), nil)
	w.handshake()
	s := w.server.conn
	f := s.framing
	good := bunch.New(nil)
	good.ChIndex, good.Open, good.Close, good.ChType = 7, true, true, bunch.TypeMessage
	pw := bitpack.NewWriter(0)
	writeDelimited(pw, []byte("ok"))
	good.Data, good.NumBits = append([]byte(nil), pw.Bytes()...), pw.NumBits()

	bw := bitpack.NewWriter(0)
	bunch.WritePacketHeader(bw, 5)
	bunch.WriteBunchMarker(bw)
	f.Write(bw, good)
	bunch.WriteBunchMarker(bw)
	bw.WriteBit(false)
	bw.WriteBit(false)
	bw.WriteInt(3, uint32(f.MaxChannels))
	bw.WriteInt(900, uint32(f.MaxPayloadBits+1))
	bw.WriteBits(0x3, 4)
	bunch.Terminate(bw)

	before := s.Stats.Malformed
	s.ReceivedPacket(append([]byte(nil), bw.Bytes()...))
	if s.IsClosed() {
		t.Fatal("malformed bunch closed the connection")
	}
	if s.Stats.Malformed != before+1 {
		t.Fatal("malformed not counted")
	}
	if len(w.server.messages) != 1 || w.server.messages[0] != "ok" {
		t.Fatal("bunch before the corrupt one was lost", w.server.messages)
	}
	s.FlushNet()
	p := decodePending(t, w, w.net.Pending()-1)
	if len(p.Acks) == 0 || p.Acks[len(p.Acks)-1] != 5 {
		t.Fatal("malformed packet was not acked", p.Acks)
	}
}

func TestShortAndUnterminatedPacketsDropped(t *testing.T) {
	w := newWorld(t, testConfig(), nil)
	s := w.server.conn
	s.ReceivedPacket([]byte{0x01})
	s.ReceivedPacket([]byte{0xff, 0x00})
	if s.Stats.Malformed != 2 || s.IsClosed() {
		t.Fatal("bad packets not dropped", s.Stats.Malformed)
	}
}

func TestTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectionTimeout = 2 * time.Second
	w := newWorld(t, cfg, nil)
	w.handshake()
	w.clk.advance(3 * time.Second)
	w.client.conn.Tick()
	if !w.client.conn.IsClosed() || w.client.closeErr != ErrTimedOut || w.client.closes != 1 {
		t.Fatal("connection did not time out", w.client.closeErr)
	}
	w.client.conn.Close()
	if w.client.closes != 1 {
		t.Fatal("close after timeout ran twice")
	}
}

func TestConnectionCloseReachesPeer(t *testing.T) {
	w := newWorld(t, testConfig(), nil)
	w.handshake()
	ch, _ := w.client.conn.OpenChannel(bunch.TypeMessage, true)
	ch.SendMessage([]byte("x"), true)
	w.roundTrip()
	w.client.conn.Close()
	w.client.conn.Close()
	if w.client.closes != 1 || !ch.IsDead() {
		t.Fatal("local close did not tear channels down")
	}
	w.net.DeliverAll()
	w.server.pump()
	if !w.server.conn.IsClosed() || w.server.closeErr != ErrPeerClosed {
		t.Fatal("server did not see the close", w.server.closeErr)
	}
	if len(w.server.closed) != 2 {
		t.Fatal("server channels not torn down", len(w.server.closed))
	}
}

func TestFailureMessageClosesConnection(t *testing.T) {
	w := newWorld(t, testConfig(), nil)
	w.handshake()
	w.server.conn.SendControl(Failure{Reason: "banned"})
	w.roundTrip()
	if !w.client.conn.IsClosed() || errors.Cause(w.client.closeErr) != ErrPeerClosed {
		t.Fatal("failure did not close", w.client.closeErr)
	}
}

func TestNetspeedAdjustsBudget(t *testing.T) {
	cfg := testConfig()
	cfg.NetSpeed = 100000
	w := newWorld(t, cfg, nil)
	w.handshake()
	if err := w.client.conn.SetNetSpeed(2000); err != nil {
		t.Fatal(err)
	}
	w.roundTrip()
	if got := int(w.server.conn.budget.Limit()); got != 2000 {
		t.Fatal("server budget", got)
	}
}

func TestByteBudgetGatesReadiness(t *testing.T) {
	cfg := testConfig()
	cfg.NetSpeed = 1000
	cfg.MaxPacket = 512
	w := newWorld(t, cfg, nil)
	w.handshake()
	c := w.client.conn
	ch, _ := c.OpenChannel(bunch.TypeMessage, true)
	big := make([]byte, 400)
	for i := 0; i < 4 && c.IsNetReady(); i++ {
		ch.SendMessage(big, false)
		c.FlushNet()
	}
	if c.IsNetReady() {
		t.Fatal("budget never ran out")
	}
	w.clk.advance(5 * time.Second)
	if !c.IsNetReady() {
		t.Fatal("budget did not refill")
	}
}

func TestFileTransfer(t *testing.T) {
	w := newWorld(t, testConfig(), nil)
	w.handshake()
	data := make([]byte, 5000)
	rand.New(rand.NewSource(3)).Read(data)
	ch, err := w.client.conn.SendFile("map.bin", data)
	if err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewSource(4))
	for i := 0; i < 300 && len(w.server.files) == 0; i++ {
		w.lossyRound(rng, 10)
	}
	if len(w.server.files) != 1 {
		t.Fatal("file never arrived")
	}
	f := w.server.files[0]
	if f.err != nil || f.name != "map.bin" || string(f.data) != string(data) {
		t.Fatal("file mismatch", f.err, f.name, len(f.data))
	}
	if sent, total := ch.Progress(); sent != total {
		t.Fatal("progress", sent, total)
	}
}

func TestInterruptedFileReportsError(t *testing.T) {
	w := newWorld(t, testConfig(), nil)
	w.handshake()
	w.client.conn.SendFile("big.bin", make([]byte, 20000))
	w.roundTrip()
	w.server.conn.Close()
	if len(w.server.files) != 1 || w.server.files[0].err == nil {
		t.Fatal("interrupted transfer not reported", w.server.files)
	}
}

func TestVoiceDropsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueuedVoicePackets = 3
	w := newWorld(t, cfg, nil)
	w.handshake()
	for i := 0; i < 5; i++ {
		if err := w.client.conn.SendVoice([]byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	v := w.client.conn.Channel(cfg.VoiceIndex())
	if v == nil || v.Type != bunch.TypeVoice {
		t.Fatal("voice channel not at the reserved index")
	}
	w.roundTrip()
	if len(w.server.messages) != 3 {
		t.Fatal("voice packets", len(w.server.messages))
	}
	for i, m := range w.server.messages {
		if m != string([]byte{byte(i + 2)}) {
			t.Fatal("oldest packets should have been dropped", w.server.messages)
		}
	}
}

func TestPacketSimulation(t *testing.T) {
	cfg := testConfig()
	cfg.Simulation = PacketSimulation{Loss: 100}
	w := newWorld(t, cfg, nil)
	w.client.conn.SendControl(Hello{Version: ProtocolVersion})
	w.client.conn.FlushNet()
	if w.net.Pending() != 0 {
		t.Fatal("total loss still sent a packet")
	}

	cfg.Simulation = PacketSimulation{Dup: 100}
	w = newWorld(t, cfg, nil)
	w.client.conn.FlushNet()
	if w.net.Pending() != 2 {
		t.Fatal("duplication sent", w.net.Pending())
	}

	cfg.Simulation = PacketSimulation{Lag: time.Second}
	w = newWorld(t, cfg, nil)
	w.client.conn.FlushNet()
	if w.net.Pending() != 0 {
		t.Fatal("lagged packet sent early")
	}
	w.clk.advance(2 * time.Second)
	w.client.conn.Tick()
	if w.net.Pending() != 1 {
		t.Fatal("lagged packet not released", w.net.Pending())
	}

	cfg.Simulation = PacketSimulation{OutOfOrder: 100}
	w = newWorld(t, cfg, nil)
	w.client.conn.FlushNet()
	if w.net.Pending() != 0 {
		t.Fatal("reordered packet sent immediately")
	}
	w.clk.advance(time.Millisecond)
	w.client.conn.Tick()
	if w.net.Pending() != 1 {
		t.Fatal("held packet stranded", w.net.Pending())
	}
}

func TestAllocationSidesDoNotCollide(t *testing.T) {
	w := newWorld(t, testConfig(), nil)
	w.handshake()
	a, _ := w.client.conn.OpenChannel(bunch.TypeMessage, true)
	b, _ := w.server.conn.OpenChannel(bunch.TypeMessage, true)
	if a.Index == b.Index {
		t.Fatal("both sides picked index", a.Index)
	}
	if a.Index != 1 || b.Index != w.server.conn.cfg.VoiceIndex()-1 {
		t.Fatal("unexpected indices", a.Index, b.Index)
	}
}

func TestReplayWindow(t *testing.T) {
	var rw replayWindow
	for _, v := range []int{0, 1, 3, 2} {
		if !rw.check(v) {
			t.Fatal("fresh id rejected", v)
		}
	}
	if rw.check(2) || rw.check(3) {
		t.Fatal("replay accepted")
	}
	if !rw.check(500) || rw.check(10) {
		t.Fatal("ids far behind the window must be rejected")
	}
}

func TestControlCodec(t *testing.T) {
	msgs := []ControlMessage{
		Hello{Version: 3},
		Welcome{World: "w", NetSpeed: 5},
		Login{Name: "n", Options: "?x=1"},
		Join{},
		Failure{Reason: "r"},
		Netspeed{Rate: 9},
		ObjectChannelFailure{Index: 4},
		DebugText{Text: "t"},
	}
	w := bitpack.NewWriter(0)
	for _, m := range msgs {
		if err := EncodeControl(w, m); err != nil {
			t.Fatal(err)
		}
	}
	r := bitpack.NewReader(w.Bytes(), w.NumBits())
	for _, m := range msgs {
		got, err := DecodeControl(r)
		if err != nil || got != m {
			t.Fatal("decoded", got, err, "want", m)
		}
	}
	if !r.AtEnd() {
		t.Fatal("trailing bits")
	}
}
