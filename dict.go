package rffickle

// Python-like Dict that handles keys by Python-like equality on access.
//
// For example Dict.Get() will access the same element for all keys int(1), float64(1.0) and big.Int(1).

import (
	"encoding/binary"
	"fmt"
	"hash/maphash"
	"math"
	"math/big"
	"reflect"
	"sort"
	"strings"

	"github.com/aristanetworks/gomap"
	"github.com/cockroachdb/apd/v3"
)

// Dict represents dict from Python in PyDict mode.
//
// It mirrors Python with respect to which types are allowed to be used as
// keys, and with respect to keys equality. For example Tuple is allowed to be
// used as key, and all int(1), float64(1.0) and big.Int(1) are considered to be
// equal.
//
// For strings, similarly to Python3, [Bytes] and string are considered to be not
// equal, even if their underlying content is the same. However with same
// underlying content [ByteString], because it represents str type from Python2,
// is treated equal to both [Bytes] and string.
//
// Note: similarly to builtin map Dict is pointer-like type: its zero-value
// represents nil dictionary that is empty and invalid to use Set on.
type Dict struct {
	m *gomap.Map[any, any]
}

// NewDict returns new empty dictionary.
func NewDict() Dict {
	return NewDictWithSizeHint(0)
}

// NewDictWithSizeHint returns new empty dictionary with preallocated space for size items.
func NewDictWithSizeHint(size int) Dict {
	return Dict{m: gomap.NewHint[any, any](size, equal, hash)}
}

// NewDictWithData returns new dictionary with preset data.
//
// kv should be key₁, value₁, key₂, value₂, ...
func NewDictWithData(kv ...any) Dict {
	l := len(kv)
	if l%2 != 0 {
		panic("odd number of arguments")
	}
	l /= 2
	d := NewDictWithSizeHint(l)
	for i := 0; i < l; i++ {
		d.Set(kv[2*i], kv[2*i+1])
	}
	return d
}

// Get returns value associated with equal key.
//
// nil is returned if no matching key is present in the dictionary.
//
// Get panics if key's type is not allowed to be used as Dict key.
func (d Dict) Get(key any) any {
	value, _ := d.Get_(key)
	return value
}

// Get_ is comma-ok version of Get.
func (d Dict) Get_(key any) (value any, ok bool) {
	return d.m.Get(key)
}

// Set sets key to be associated with value.
//
// Any previous keys, equal to the new key, are removed from the dictionary
// before the assignment.
//
// Set panics if key's type is not allowed to be used as Dict key.
func (d Dict) Set(key, value any) {
	// ByteString and container(with ByteString) are non-transitive equal types
	// so  Set(ByteString)       should first remove Bytes and string,
	// and Set(Tuple{ByteString) should first remove Tuple{Bytes} and Tuple{string}
	d.Del(key)
	d.m.Set(key, value)
}

// Del removes equal keys from the dictionary.
//
// Del panics if key's type is not allowed to be used as Dict key.
func (d Dict) Del(key any) {
	// see comment in Set about ByteString and container(with ByteString)
	for {
		d.m.Delete(key)
		if _, have := d.Get_(key); !have {
			break
		}
	}
}

// Len returns the number of items in the dictionary.
func (d Dict) Len() int {
	if d.m == nil {
		return 0
	}
	return d.m.Len()
}

// Iter returns iterator over all elements in the dictionary.
//
// The order to visit entries is arbitrary.
func (d Dict) Iter() func(yield func(any, any) bool) {
	return func(yield func(any, any) bool) {
		if d.m == nil {
			return
		}
		it := d.m.Iter()
		for it.Next() {
			if !yield(it.Key(), it.Elem()) {
				break
			}
		}
	}
}

// String returns human-readable representation of the dictionary.
func (d Dict) String() string {
	return d.sprintf("%v")
}

// GoString returns detailed human-readable representation of the dictionary.
func (d Dict) GoString() string {
	return fmt.Sprintf("%T%s", d, d.sprintf("%#v"))
}

func (d Dict) sprintf(format string) string {
	type KV struct{ k, v string }
	vkv := make([]KV, 0, d.Len())
	d.Iter()(func(k, v any) bool {
		vkv = append(vkv, KV{
			k: fmt.Sprintf(format, k),
			v: fmt.Sprintf(format, v),
		})
		return true
	})

	sort.Slice(vkv, func(i, j int) bool {
		return vkv[i].k < vkv[j].k
	})

	var b strings.Builder
	b.WriteString("{")
	for i, kv := range vkv {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(kv.k + ": " + kv.v)
	}
	b.WriteString("}")
	return b.String()
}

// ---- equal ----

// kind represents to which category a type belongs.
//
// It primarily classifies bool, numbers, slices, structs and maps, and puts
// everything else into "other" category.
type kind uint

const (
	kBool    kind = iota
	kInt          // int + intX
	kUint         // uint + uintX
	kFloat        // floatX
	kComplex      // complexX
	kBigInt       // *big.Int

	kSlice   // slice + array
	kMap     // map
	kStruct  // struct
	kPointer // pointer
	kOther   // everything else
)

// kindOf returns kind of x.
func kindOf(x any) kind {
	r := reflect.ValueOf(x)

	switch r.Kind() {
	case reflect.Bool:
		return kBool
	case reflect.Int, reflect.Int64, reflect.Int32, reflect.Int16, reflect.Int8:
		return kInt
	case reflect.Uint, reflect.Uint64, reflect.Uint32, reflect.Uint16, reflect.Uint8:
		return kUint
	case reflect.Float64, reflect.Float32:
		return kFloat
	case reflect.Complex128, reflect.Complex64:
		return kComplex
	case reflect.Slice, reflect.Array:
		return kSlice
	case reflect.Map:
		return kMap
	case reflect.Struct:
		return kStruct
	}

	if _, ok := x.(*big.Int); ok {
		return kBigInt
	}
	if r.Kind() == reflect.Pointer {
		return kPointer
	}
	return kOther
}

// equal implements equality matching what Python would return for a == b.
//
// Equality properties:
//
// 1) equality is extension of Go ==
//
//	(a == b) ⇒ equal(a,b)
//
// 2) self equal:
//
//	equal(a,a) = y
//
// 3) equality is symmetrical:
//
//	equal(a,b) = equal(b,a)
//
// 4) equality is mostly transitive:
//
//	EqTransitive = all \ {ByteString + containers with ByteString}
func equal(xa, xb any) bool {
	// strings/bytes
	switch a := xa.(type) {
	case string:
		switch b := xb.(type) {
		case string:
			return a == b
		case ByteString:
			return a == string(b)
		}
		return false

	case ByteString:
		switch b := xb.(type) {
		case string:
			return a == ByteString(b)
		case ByteString:
			return a == b
		case Bytes:
			return a == ByteString(b)
		}
		return false

	case Bytes:
		switch b := xb.(type) {
		case ByteString:
			return a == Bytes(b)
		case Bytes:
			return a == b
		}
		return false
	}

	// sets compare by membership, set and frozenset alike
	if ea, ok := setElems(xa); ok {
		if eb, ok := setElems(xb); ok {
			return eqSetSet(ea, eb)
		}
		return false
	}
	if _, ok := setElems(xb); ok {
		return false
	}

	a := reflect.ValueOf(xa)
	b := reflect.ValueOf(xb)

	ak := kindOf(xa)
	bk := kindOf(xb)

	// since equality is symmetric, we can implement only half of comparison matrix
	if ak > bk {
		a, b = b, a
		ak, bk = bk, ak
		xa, xb = xb, xa
	}
	// ak ≤ bk

	handled := true
	switch ak {
	default:
		handled = false

	// numbers
	case kBool:
		// bool compares to numbers as 1 or 0: 1.0 == True, {1: 'abc'}[True] == 'abc'
		abint := bint(a.Bool())
		switch bk {
		case kBool:
			return abint == bint(b.Bool())
		case kInt:
			return abint == b.Int()
		case kUint:
			return eqIntUint(abint, b.Uint())
		case kFloat:
			return float64(abint) == b.Float()
		case kComplex:
			return complex(float64(abint), 0) == b.Complex()
		case kBigInt:
			return eqIntBigInt(abint, xb.(*big.Int))
		}

	case kInt:
		aint := a.Int()
		switch bk {
		case kInt:
			return aint == b.Int()
		case kUint:
			return eqIntUint(aint, b.Uint())
		case kFloat:
			return float64(aint) == b.Float()
		case kComplex:
			return complex(float64(aint), 0) == b.Complex()
		case kBigInt:
			return eqIntBigInt(aint, xb.(*big.Int))
		}

	case kUint:
		auint := a.Uint()
		switch bk {
		case kUint:
			return auint == b.Uint()
		case kFloat:
			return float64(auint) == b.Float()
		case kComplex:
			return complex(float64(auint), 0) == b.Complex()
		case kBigInt:
			return eqUintBigInt(auint, xb.(*big.Int))
		}

	case kFloat:
		afloat := a.Float()
		switch bk {
		case kFloat:
			return afloat == b.Float()
		case kComplex:
			return complex(afloat, 0) == b.Complex()
		case kBigInt:
			return eqFloatBigInt(afloat, xb.(*big.Int))
		}

	case kComplex:
		acomplex := a.Complex()
		switch bk {
		case kComplex:
			return acomplex == b.Complex()
		case kBigInt:
			return imag(acomplex) == 0 && eqFloatBigInt(real(acomplex), xb.(*big.Int))
		}

	case kBigInt:
		if bk == kBigInt {
			return xa.(*big.Int).Cmp(xb.(*big.Int)) == 0
		}

	case kSlice:
		if bk == kSlice {
			return eqSliceSlice(a, b)
		}

	case kMap:
		if bk == kMap {
			return eqMapMap(a, b)
		}
		if b, ok := xb.(Dict); ok {
			return eqMapDict(a, b)
		}
	}

	if handled {
		return false
	}

	// our types that need special handling
	if a, ok := xa.(*apd.Decimal); ok {
		if b, ok := xb.(*apd.Decimal); ok {
			return a.Cmp(b) == 0
		}
		return false
	}
	if a, ok := xa.(Dict); ok {
		if b, ok := xb.(Dict); ok {
			return eqDictDict(a, b)
		}
		return false
	}

	// structs  (also covers None, Class etc...)
	if ak == kStruct {
		if bk == kStruct {
			return eqStructStruct(a, b)
		}
		return false
	}

	return xa == xb // fallback to builtin equality
}

// equality matrix. nontrivial elements

func eqIntUint(a int64, b uint64) bool {
	return a >= 0 && uint64(a) == b
}

func eqIntBigInt(a int64, b *big.Int) bool {
	return b.IsInt64() && a == b.Int64()
}

func eqUintBigInt(a uint64, b *big.Int) bool {
	return b.IsUint64() && a == b.Uint64()
}

func eqFloatBigInt(a float64, b *big.Int) bool {
	bf, accuracy := bigIntFloat64(b)
	return accuracy == big.Exact && a == bf
}

func eqSliceSlice(a, b reflect.Value) bool {
	al := a.Len()
	if al != b.Len() {
		return false
	}
	// a tuple is equal to itself without a walk, as in Python
	if al > 0 && a.Kind() == reflect.Slice && b.Kind() == reflect.Slice && a.Pointer() == b.Pointer() {
		return true
	}
	for i := 0; i < al; i++ {
		if !equal(a.Index(i).Interface(), b.Index(i).Interface()) {
			return false
		}
	}
	return true
}

func eqStructStruct(a, b reflect.Value) bool {
	if a.Type() != b.Type() {
		return false
	}

	typ := a.Type()
	for i := 0; i < typ.NumField(); i++ {
		af := a.Field(i)
		bf := b.Field(i)

		// .Interface() is not allowed if the field is private.
		// Work around the protection via unsafe. We may need to switch
		// to struct copy if it is not addressable because Addr() is
		// used in the workaround.
		ftyp := typ.Field(i)
		if !ftyp.IsExported() {
			if !af.CanAddr() {
				a_ := reflect.New(typ).Elem()
				a_.Set(a)
				a = a_
				af = a.Field(i)
			}
			if !bf.CanAddr() {
				b_ := reflect.New(typ).Elem()
				b_.Set(b)
				b = b_
				bf = b.Field(i)
			}
			af = reflect.NewAt(ftyp.Type, af.Addr().UnsafePointer()).Elem()
			bf = reflect.NewAt(ftyp.Type, bf.Addr().UnsafePointer()).Elem()
		}

		if !equal(af.Interface(), bf.Interface()) {
			return false
		}
	}
	return true
}

func eqDictDict(a Dict, b Dict) bool {
	// dicts D₁ and D₂ are considered equal if the following is true:
	//
	//     - len(D₁) = len(D₂)
	//     - ∀ k ∈ D₁  equal(D₁[k], D₂[k]) = y
	//     - ∀ k ∈ D₂  equal(D₁[k], D₂[k]) = y
	if a.Len() != b.Len() {
		return false
	}
	return dictSubset(a, b) && dictSubset(b, a)
}

// dictSubset reports whether every item of a is present with equal value in b.
func dictSubset(a, b Dict) bool {
	eq := true
	a.Iter()(func(k, va any) bool {
		vb, ok := b.Get_(k)
		if !ok || !equal(va, vb) {
			eq = false
			return false
		}
		return true
	})
	return eq
}

// equal(Map, Dict) and equal(Map, Map) follow semantic of equal(Dict, Dict)

func eqMapDict(a reflect.Value, b Dict) bool {
	if a.Len() != b.Len() {
		return false
	}

	ai := a.MapRange()
	for ai.Next() {
		vb, ok := b.Get_(ai.Key().Interface())
		if !ok || !equal(ai.Value().Interface(), vb) {
			return false
		}
	}

	aKeyType := a.Type().Key()
	eq := true
	b.Iter()(func(k, vb any) bool {
		xk := reflect.ValueOf(k)
		if !xk.Type().AssignableTo(aKeyType) {
			eq = false
			return false
		}
		xva := a.MapIndex(xk)
		if !(xva.IsValid() && equal(xva.Interface(), vb)) {
			eq = false
			return false
		}
		return true
	})
	return eq
}

func eqMapMap(a reflect.Value, b reflect.Value) bool {
	if a.Len() != b.Len() {
		return false
	}
	return mapSubset(a, b) && mapSubset(b, a)
}

func mapSubset(a, b reflect.Value) bool {
	bKeyType := b.Type().Key()
	ai := a.MapRange()
	for ai.Next() {
		// NOTE xk != ai.Key() because that might have type any
		// while xk has type of particular contained value
		xk := reflect.ValueOf(ai.Key().Interface())
		if !xk.Type().AssignableTo(bKeyType) {
			return false
		}
		xvb := b.MapIndex(xk)
		if !(xvb.IsValid() && equal(ai.Value().Interface(), xvb.Interface())) {
			return false
		}
	}
	return true
}

func eqSetSet(a, b *gomap.Map[any, struct{}]) bool {
	if a.Len() != b.Len() {
		return false
	}
	it := a.Iter()
	for it.Next() {
		if _, ok := b.Get(it.Key()); !ok {
			return false
		}
	}
	return true
}

// ---- hash ----

// hash returns hash of x consistent with equality implemented by equal.
//
//	equal(a,b)  ⇒  hash(a) = hash(b)
//
// hash panics with "unhashable type: ..." if x is not allowed to be used as Dict key.
func hash(seed maphash.Seed, x any) uint64 {
	// strings/bytes use standard hash of string
	switch v := x.(type) {
	case string:
		return maphash.String(seed, v)
	case ByteString:
		return maphash.String(seed, string(v))
	case Bytes:
		return maphash.String(seed, string(v))
	}

	// for everything else we implement custom hashing ourselves to match equal
	var h maphash.Hash
	h.SetSeed(seed)

	hashUint := func(u uint64) {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], u)
		h.Write(b[:])
	}
	hashInt := func(i int64) {
		hashUint(uint64(i))
	}
	hashFloat := func(f float64) {
		// if float is in int range and is integer number - hash it as integer
		i := int64(f)
		if float64(i) == f {
			hashInt(i)
		} else {
			hashUint(math.Float64bits(f))
		}
	}

	switch v := x.(type) {
	case Tuple:
		h.WriteString("tuple")
		for _, item := range v {
			hashUint(hash(seed, item))
		}
		return h.Sum64()

	case FrozenSet:
		// order independent, and equal to hash of any equal frozenset
		var sum uint64
		it := v.m.Iter()
		for it.Next() {
			sum += hash(seed, it.Key())
		}
		h.WriteString("frozenset")
		hashUint(sum)
		return h.Sum64()

	case *apd.Decimal:
		// Decimal('1.0') == Decimal('1')
		var d apd.Decimal
		d.Reduce(v)
		h.WriteString("decimal")
		h.WriteString(d.String())
		return h.Sum64()

	case Dict, Set, *pyList, *pyDict, *instance, *Symbol, mark:
		panic(fmt.Sprintf("unhashable type: %T", x))
	}

	r := reflect.ValueOf(x)
	k := kindOf(x)

	switch k {
	case kBool:
		hashInt(bint(r.Bool()))
		return h.Sum64()
	case kInt:
		hashInt(r.Int())
		return h.Sum64()
	case kUint:
		hashUint(r.Uint())
		return h.Sum64()
	case kFloat:
		hashFloat(r.Float())
		return h.Sum64()

	case kComplex:
		c := r.Complex()
		hashFloat(real(c))
		if imag(c) != 0 {
			hashFloat(imag(c))
		}
		return h.Sum64()

	case kBigInt:
		b := x.(*big.Int)
		switch {
		case b.IsInt64():
			hashInt(b.Int64())
		case b.IsUint64():
			hashUint(b.Uint64())
		default:
			f, accuracy := bigIntFloat64(b)
			if accuracy == big.Exact {
				hashFloat(f)
			} else {
				h.WriteString("bigInt")
				h.Write(b.Bytes())
			}
		}
		return h.Sum64()

	case kSlice:
		// only arrays, e.g. uuid.UUID; slices are mutable
		if r.Kind() == reflect.Array {
			h.WriteString("array")
			for i := 0; i < r.Len(); i++ {
				hashUint(hash(seed, r.Index(i).Interface()))
			}
			return h.Sum64()
		}

	case kPointer:
		hashUint(uint64(r.Pointer()))
		return h.Sum64()

	case kStruct:
		// structs  (also covers None, Class etc)
		typ := r.Type()
		h.WriteString(typ.Name())
		for i := 0; i < typ.NumField(); i++ {
			f := r.Field(i)

			// .Interface() is not allowed if the field is private.
			// Work it around via unsafe. See eqStructStruct for details.
			ftyp := typ.Field(i)
			if !ftyp.IsExported() {
				if !f.CanAddr() {
					r_ := reflect.New(typ).Elem()
					r_.Set(r)
					r = r_
					f = r.Field(i)
				}
				f = reflect.NewAt(ftyp.Type, f.Addr().UnsafePointer()).Elem()
			}

			hashUint(hash(seed, f.Interface()))
		}
		return h.Sum64()
	}

	panic(fmt.Sprintf("unhashable type: %T", x))
}

// hashable reports whether x may be used as a key of Dict or element of a set.
func hashable(x any) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	hash(hashableSeed, x)
	return true
}

var hashableSeed = maphash.MakeSeed()

// ---- misc ----

// bint returns int corresponding to bool.
//
// true  -> 1
// false -> 0
func bint(x bool) int64 {
	if x {
		return 1
	}
	return 0
}
