package rffickle

import (
	"fmt"
	"math/big"
)

// special marker
type mark struct{}

// None is a representation of Python's None.
type None struct{}

// Tuple is a representation of Python's tuple.
type Tuple []any

// Bytes represents Python's bytes.
type Bytes string

// ByteString represents str from Python2 in StrictUnicode mode.
//
// In Python2 str can hold both text and binary data. With StrictUnicode the
// firewall returns it as ByteString so callers can tell it from unicode.
type ByteString string

func (v Bytes) GoString() string      { return fmt.Sprintf("%T(%q)", v, string(v)) }
func (v ByteString) GoString() string { return fmt.Sprintf("%T(%q)", v, string(v)) }

// Class is a module-qualified Python name.
//
// Load returns Class for a stream that pickles a class or function object
// itself; nothing is imported or called.
type Class struct {
	Module, Name string
}

func (c Class) String() string {
	return c.Module + "." + c.Name
}

// Call is an inert record of a Python call.
//
// Only the symbolic policy produces it; the firewall never does.
type Call struct {
	Callable Class
	Args     Tuple
}

// Stateful is an inert record of BUILD applied to an object.
//
// Only the symbolic policy produces it.
type Stateful struct {
	Object any
	State  any
}

// Ref is a representation of a Python persistent reference.
//
// Only the symbolic policy produces it; persistent ids are denied otherwise.
type Ref struct {
	// persistent ID of referenced object.
	//
	// used to be string for protocol 0, but "upgraded" to be arbitrary
	// object for later protocols.
	Pid any
}

// Ext is an inert record of an extension registry lookup.
//
// Only the symbolic policy produces it.
type Ext struct {
	Code int64
}

// bigIntFloat64 converts b to float64 reporting whether the conversion was exact.
func bigIntFloat64(b *big.Int) (float64, big.Accuracy) {
	return new(big.Float).SetInt(b).Float64()
}
