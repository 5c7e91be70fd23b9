// Package repl implements state replication for object channels: class
// descriptions, value records, the sender-side diff engine (shadow state,
// retirement and dirty tracking) and the receiver-side replica.
package repl

import (
	"github.com/geph-official/bunchnet/libs/bitpack"
	"github.com/pkg/errors"
)

// Verdict is the outcome of a replication condition for one tick.
type Verdict int

const (
	// Replicate sends the field when its value changed.
	Replicate Verdict = iota
	// Force sends the field this tick whether or not it changed.
	Force
	// Skip never sends the field this tick.
	Skip
)

// CondContext is what conditions see when they are evaluated.
type CondContext struct {
	Initial bool
	IsOwner bool
	State   State
}

// Condition decides how a field takes part in one replication tick. A nil
// condition always replicates.
type Condition func(ctx *CondContext) Verdict

// InitialOnly sends the field with the first replication and never again.
func InitialOnly(ctx *CondContext) Verdict {
	if ctx.Initial {
		return Force
	}
	return Skip
}

// OwnerOnly replicates only to the connection that owns the object.
func OwnerOnly(ctx *CondContext) Verdict {
	if ctx.IsOwner {
		return Replicate
	}
	return Skip
}

// SkipOwner replicates to everybody except the owner.
func SkipOwner(ctx *CondContext) Verdict {
	if ctx.IsOwner {
		return Skip
	}
	return Replicate
}

// Custom wraps a predicate over the live state.
func Custom(pred func(State) bool) Condition {
	return func(ctx *CondContext) Verdict {
		if pred(ctx.State) {
			return Replicate
		}
		return Skip
	}
}

// Field describes one replicated property.
type Field struct {
	Name     string
	Size     int // bytes per element
	ArrayDim int // elements; 0 and 1 both mean scalar
	Cond     Condition
}

func (f Field) dim() int {
	if f.ArrayDim < 1 {
		return 1
	}
	return f.ArrayDim
}

// Param describes one remote procedure argument. Size 0 means variable length.
type Param struct {
	Name string
	Size int
}

// Method describes a remote procedure.
type Method struct {
	Name     string
	Params   []Param
	Reliable bool
}

// Class is the per-type table of named items: fields first, then methods.
type Class struct {
	ID      uint32
	Name    string
	Fields  []Field
	Methods []Method

	elemBase []int
	offsets  []int
	elemSize []int
	size     int
}

// NewClass validates the item table and computes the value layout.
func NewClass(id uint32, name string, fields []Field, methods []Method) (*Class, error) {
	c := &Class{ID: id, Name: name, Fields: fields, Methods: methods}
	seen := make(map[string]bool)
	for _, f := range fields {
		if f.Size <= 0 {
			return nil, errors.Errorf("field %v.%v has no size", name, f.Name)
		}
		if f.dim() > 256 {
			return nil, errors.Errorf("field %v.%v has more than 256 elements", name, f.Name)
		}
		if seen[f.Name] {
			return nil, errors.Errorf("duplicate item %v.%v", name, f.Name)
		}
		seen[f.Name] = true
		c.elemBase = append(c.elemBase, len(c.offsets))
		for e := 0; e < f.dim(); e++ {
			c.offsets = append(c.offsets, c.size)
			c.elemSize = append(c.elemSize, f.Size)
			c.size += f.Size
		}
	}
	for _, m := range methods {
		if seen[m.Name] {
			return nil, errors.Errorf("duplicate item %v.%v", name, m.Name)
		}
		seen[m.Name] = true
	}
	return c, nil
}

// MustClass is NewClass that panics on error, for static class tables.
func MustClass(id uint32, name string, fields []Field, methods []Method) *Class {
	c, err := NewClass(id, name, fields, methods)
	if err != nil {
		panic(err)
	}
	return c
}

// NumItems is the size of the shared field/method id space.
func (c *Class) NumItems() int { return len(c.Fields) + len(c.Methods) }

// NumElements is the number of field elements across all fields.
func (c *Class) NumElements() int { return len(c.offsets) }

// Size is the byte size of a full value record.
func (c *Class) Size() int { return c.size }

// FieldIndex looks a field up by name, returning -1 if absent.
func (c *Class) FieldIndex(name string) int {
	for i, f := range c.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// MethodIndex looks a method up by name, returning -1 if absent.
func (c *Class) MethodIndex(name string) int {
	for i, m := range c.Methods {
		if m.Name == name {
			return i
		}
	}
	return -1
}

// element maps a field element to its flat element index.
func (c *Class) element(field, elem int) int { return c.elemBase[field] + elem }

// fieldOf maps a flat element index back to field and element.
func (c *Class) fieldOf(idx int) (field, elem int) {
	for f := len(c.elemBase) - 1; f >= 0; f-- {
		if c.elemBase[f] <= idx {
			return f, idx - c.elemBase[f]
		}
	}
	return 0, idx
}

func (c *Class) span(idx int) (int, int) {
	return c.offsets[idx], c.offsets[idx] + c.elemSize[idx]
}

// itemBits is the width of an item id on the wire.
func (c *Class) itemBits() int { return bitpack.BitsFor(uint32(c.NumItems())) }

// Registry resolves class ids received on fresh object channels.
type Registry struct {
	byID map[uint32]*Class
}

// NewRegistry creates a registry holding the given classes.
func NewRegistry(classes ...*Class) *Registry {
	r := &Registry{byID: make(map[uint32]*Class)}
	for _, c := range classes {
		r.Register(c)
	}
	return r
}

// Register adds or replaces a class.
func (r *Registry) Register(c *Class) { r.byID[c.ID] = c }

// Lookup resolves a class id.
func (r *Registry) Lookup(id uint32) (*Class, bool) {
	if r == nil {
		return nil, false
	}
	c, ok := r.byID[id]
	return c, ok
}
