package repl

import (
	"math"

	"github.com/geph-official/bunchnet/libs/bitpack"
	"github.com/pkg/errors"
)

// Call is one decoded remote procedure invocation.
type Call struct {
	Method int
	Args   [][]byte
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func checkCall(c *Class, method int, args [][]byte) error {
	if method < 0 || method >= len(c.Methods) {
		return errors.Errorf("class %v has no method %v", c.Name, method)
	}
	m := c.Methods[method]
	if len(args) > len(m.Params) {
		return errors.Errorf("%v.%v takes %v arguments, got %v", c.Name, m.Name, len(m.Params), len(args))
	}
	for i, a := range args {
		if m.Params[i].Size == 0 && len(a) > math.MaxUint16 {
			return errors.Errorf("%v.%v argument %v too long", c.Name, m.Name, m.Params[i].Name)
		}
	}
	return nil
}

// CallBits returns the encoded size of a call in bits.
func CallBits(c *Class, method int, args [][]byte) int {
	n := c.itemBits()
	for i, p := range c.Methods[method].Params {
		n++
		var a []byte
		if i < len(args) {
			a = args[i]
		}
		if allZero(a) {
			continue
		}
		if p.Size > 0 {
			n += p.Size * 8
		} else {
			n += 16 + len(a)*8
		}
	}
	return n
}

// WriteCall appends a method item. Each argument is a presence bit followed,
// when the argument is not all zero, by its bytes: exactly Size bytes for
// fixed parameters, a 16-bit length and the bytes otherwise.
func WriteCall(w *bitpack.Writer, c *Class, method int, args [][]byte) error {
	if err := checkCall(c, method, args); err != nil {
		return err
	}
	w.WriteInt(uint32(len(c.Fields)+method), uint32(c.NumItems()))
	for i, p := range c.Methods[method].Params {
		var a []byte
		if i < len(args) {
			a = args[i]
		}
		if allZero(a) {
			w.WriteBit(false)
			continue
		}
		w.WriteBit(true)
		if p.Size > 0 {
			fixed := make([]byte, p.Size)
			copy(fixed, a)
			w.WriteBytes(fixed)
		} else {
			w.WriteUint16(uint16(len(a)))
			w.WriteBytes(a)
		}
	}
	if w.Overflowed() {
		return errors.New("call does not fit")
	}
	return nil
}

func readArgs(r *bitpack.Reader, m Method) [][]byte {
	args := make([][]byte, len(m.Params))
	for i, p := range m.Params {
		present := r.ReadBit()
		switch {
		case p.Size > 0 && present:
			args[i] = r.ReadBytes(p.Size)
		case p.Size > 0:
			args[i] = make([]byte, p.Size)
		case present:
			args[i] = r.ReadBytes(int(r.ReadUint16()))
		}
	}
	return args
}
