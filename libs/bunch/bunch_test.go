package bunch

import (
	"bytes"
	"testing"

	"github.com/geph-official/bunchnet/libs/bitpack"
	"github.com/pkg/errors"
)

var testFraming = Framing{MaxChannels: 64, MaxPayloadBits: 512 * 8}

func payload(s string) *Bunch {
	w := bitpack.NewWriter(0)
	w.WriteBytes([]byte(s))
	return New(w)
}

func TestMakeRelative(t *testing.T) {
	cases := []struct {
		value, ref, max, want int
	}{
		{5, 3, 16, 5},
		{1, 14, 16, 17},
		{14, 17, 16, 14},
		{0, -1, 16384, 0},
		{16383, 16384, 16384, 16383},
		{2, 16384 + 1, 16384, 16384 + 2},
	}
	for _, c := range cases {
		if got := MakeRelative(c.value, c.ref, c.max); got != c.want {
			t.Errorf("MakeRelative(%v,%v,%v) = %v, want %v", c.value, c.ref, c.max, got, c.want)
		}
	}
}

func TestHeaderBitsMatchesWrite(t *testing.T) {
	variants := []*Bunch{
		{ChIndex: 3, ChType: TypeMessage},
		{ChIndex: 3, ChType: TypeMessage, Reliable: true, ChSequence: 7},
		{ChIndex: 63, ChType: TypeObject, Reliable: true, Open: true, ChSequence: 1},
		{ChIndex: 9, ChType: TypeMessage, Open: true, Close: true},
	}
	for _, b := range variants {
		w := bitpack.NewWriter(0)
		testFraming.Write(w, b)
		if w.NumBits() != testFraming.HeaderBits(b) {
			t.Errorf("%v: wrote %v header bits, HeaderBits says %v", b, w.NumBits(), testFraming.HeaderBits(b))
		}
		if w.NumBits() > testFraming.MaxHeaderBits() {
			t.Errorf("%v exceeds MaxHeaderBits", b)
		}
	}
}

func TestBunchRoundTrip(t *testing.T) {
	b := payload("hello")
	b.ChIndex, b.ChType, b.Reliable, b.ChSequence, b.Open = 5, TypeMessage, true, 1030, true
	w := bitpack.NewWriter(0)
	testFraming.Write(w, b)
	r := bitpack.NewReader(w.Bytes(), w.NumBits())
	got, err := testFraming.Read(r, func(int) int { return 1024 })
	if err != nil {
		t.Fatal(err)
	}
	if got.ChIndex != 5 || got.ChType != TypeMessage || !got.Reliable || !got.Open || got.Close {
		t.Fatal("header mismatch", got)
	}
	if got.ChSequence != 1030 {
		t.Fatal("sequence not expanded", got.ChSequence)
	}
	if !bytes.Equal(got.Data, []byte("hello")) || got.NumBits != 40 {
		t.Fatal("payload mismatch", got.Data)
	}
}

func TestReadRejectsOverlongPayload(t *testing.T) {
	w := bitpack.NewWriter(0)
	w.WriteBit(false)
	w.WriteBit(false)
	w.WriteInt(1, 64)
	w.WriteInt(200, uint32(testFraming.MaxPayloadBits+1))
	w.WriteBytes([]byte("short"))
	r := bitpack.NewReader(w.Bytes(), w.NumBits())
	_, err := testFraming.Read(r, func(int) int { return 0 })
	if errors.Cause(err) != ErrOverflow {
		t.Fatal("expected overflow, got", err)
	}
}

func TestAppendConcatenatesBits(t *testing.T) {
	a := &Bunch{}
	w := bitpack.NewWriter(0)
	w.WriteBits(0x5, 3)
	a.Data, a.NumBits = append([]byte(nil), w.Bytes()...), w.NumBits()
	a.Append(payload("xy"))
	r := a.Reader()
	if r.ReadBits(3) != 0x5 || string(r.ReadBytes(2)) != "xy" || !r.AtEnd() {
		t.Fatal("append mismatch")
	}
}

func TestPacketDecode(t *testing.T) {
	w := bitpack.NewWriter(0)
	WritePacketHeader(w, 16384+9)
	WriteAck(w, 4)
	first := payload("one")
	first.ChIndex, first.ChType = 2, TypeMessage
	second := payload("two")
	second.ChIndex, second.ChType, second.Reliable, second.ChSequence = 0, TypeControl, true, 3
	WriteBunchMarker(w)
	testFraming.Write(w, first)
	WriteAck(w, 5)
	WriteBunchMarker(w)
	testFraming.Write(w, second)
	Terminate(w)

	p, err := Decode(w.Bytes(), testFraming)
	if err != nil {
		t.Fatal(err)
	}
	if p.ID != 9 {
		t.Fatal("packet id", p.ID)
	}
	if len(p.Acks) != 2 || p.Acks[0] != 4 || p.Acks[1] != 5 {
		t.Fatal("acks", p.Acks)
	}
	if len(p.Bunches) != 2 || string(p.Bunches[0].Data) != "one" || string(p.Bunches[1].Data) != "two" {
		t.Fatal("bunches", p.Bunches)
	}
	if p.Bunches[1].ChSequence != 3 {
		t.Fatal("raw sequence", p.Bunches[1].ChSequence)
	}
}

func TestPacketBits(t *testing.T) {
	if _, err := PacketBits([]byte{0x12, 0x00}); err != ErrNoTerminator {
		t.Fatal("zero last byte must be rejected", err)
	}
	if _, err := PacketBits([]byte{0x01}); err == nil {
		t.Fatal("one byte is below the minimum")
	}
	n, err := PacketBits([]byte{0xff, 0x05})
	if err != nil || n != 10 {
		t.Fatal("expected 10 bits, got", n, err)
	}
}
