package rffickle

import (
	"encoding/binary"
	"io"
	"math"
	"math/big"
	"reflect"
	"strconv"

	"github.com/pkg/errors"
)

var errInvalidUTF8 = errors.New("invalid UTF-8")

// Values that cannot be expressed with permitted opcodes at the requested protocol.
var (
	errEncodeBytesProto     = errors.New("bytes need protocol >= 3")
	errEncodeByteArrayProto = errors.New("bytearray needs protocol 5")
	errEncodeSetProto       = errors.New("sets need protocol >= 4")
	errEncodeGated          = errors.New("value needs a gated opcode")
	errEncodeTooDeep        = errors.New("value nested too deep")
)

// maxEncodeDepth bounds nesting of encoded values; deeper input is most
// likely a cycle.
const maxEncodeDepth = 1000

// An Encoder encodes Go data structures into pickle byte stream.
//
// It emits only opcodes the firewall permits unconditionally, so whatever it
// produces loads with any policy. A list, tuple or mapping reached more than
// once is written once and then referenced through the memo.
type Encoder struct {
	w      io.Writer
	config *EncoderConfig
	depth  int

	refs map[memoKey]int    // how often each container is reached
	memo map[memoKey]uint32 // containers already written
}

// memoKey identifies a container by its backing storage.
type memoKey struct {
	p uintptr
	n int
	t reflect.Type
}

var dictType = reflect.TypeOf(Dict{})

// memoKeyOf returns the key of rv if it is a non-empty list, tuple or mapping.
func memoKeyOf(rv reflect.Value) (memoKey, bool) {
	switch rv.Kind() {
	case reflect.Slice:
		if rv.Len() > 0 && rv.Type().Elem().Kind() != reflect.Uint8 {
			return memoKey{p: uintptr(rv.UnsafePointer()), n: rv.Len(), t: rv.Type()}, true
		}
	case reflect.Map:
		if rv.Len() > 0 {
			return memoKey{p: uintptr(rv.UnsafePointer()), t: rv.Type()}, true
		}
	case reflect.Struct:
		if rv.Type() == dictType && rv.CanInterface() {
			if d := rv.Interface().(Dict); d.Len() > 0 {
				return memoKey{p: uintptr(reflect.ValueOf(d.m).UnsafePointer()), t: dictType}, true
			}
		}
	}
	return memoKey{}, false
}

// EncoderConfig allows to tune Encoder.
type EncoderConfig struct {
	// Protocol specifies which pickle protocol version should be used.
	// Default is 2. Sets need protocol 4 and bytearray needs protocol 5.
	Protocol int

	// StrictUnicode, when true, requests to always encode Go string
	// objects as Python unicode independently of used pickle protocol.
	// ByteString is then the way to emit py2 str.
	StrictUnicode bool
}

// NewEncoder returns a new Encoder with the default configuration.
func NewEncoder(w io.Writer) *Encoder {
	return NewEncoderWithConfig(w, &EncoderConfig{Protocol: 2})
}

// NewEncoderWithConfig is similar to NewEncoder, but returns the encoder with
// the specified configuration.
//
// config must not be nil.
func NewEncoderWithConfig(w io.Writer, config *EncoderConfig) *Encoder {
	c := *config
	return &Encoder{w: w, config: &c}
}

// Encode writes the pickle encoding of v to w, the encoder's writer.
func (e *Encoder) Encode(v any) error {
	proto := e.config.Protocol
	if proto < 0 || proto > highestProtocol {
		return errors.Errorf("pickle: encode: invalid protocol %d", proto)
	}

	// protocol >= 2  -> emit PROTO <protocol>
	if proto >= 2 {
		if err := e.emit(byte(opProto), byte(proto)); err != nil {
			return err
		}
	}

	e.depth = 0
	e.refs = make(map[memoKey]int)
	e.memo = make(map[memoKey]uint32)
	rv := reflectValueOf(v)
	e.share(rv, 0)
	if err := e.encode(rv); err != nil {
		return err
	}
	return e.emit(byte(opStop))
}

// share counts how often each container of rv is reached. A container is
// descended into only the first time.
func (e *Encoder) share(rv reflect.Value, depth int) {
	if rv.Kind() == reflect.Interface && !rv.IsNil() {
		rv = rv.Elem()
	}
	if !rv.IsValid() || !rv.CanInterface() || depth > maxEncodeDepth {
		return
	}
	if k, ok := memoKeyOf(rv); ok {
		e.refs[k]++
		if e.refs[k] > 1 {
			return
		}
	}

	each := func(items []any) {
		for _, x := range items {
			e.share(reflectValueOf(x), depth+1)
		}
	}
	switch v := rv.Interface().(type) {
	case Dict:
		v.Iter()(func(k, x any) bool {
			each([]any{k, x})
			return true
		})
		return
	case Set:
		each(v.Items())
		return
	case FrozenSet:
		each(v.Items())
		return
	case *big.Int:
		return
	}

	switch rv.Kind() {
	case reflect.Array, reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return
		}
		for i := 0; i < rv.Len(); i++ {
			e.share(rv.Index(i), depth+1)
		}
	case reflect.Map:
		iter := rv.MapRange()
		for iter.Next() {
			e.share(iter.Key(), depth+1)
			e.share(iter.Value(), depth+1)
		}
	case reflect.Struct:
		for i := 0; i < rv.NumField(); i++ {
			e.share(rv.Field(i), depth+1)
		}
	case reflect.Interface, reflect.Ptr:
		if !rv.IsNil() {
			e.share(rv.Elem(), depth+1)
		}
	}
}

// emitPut stores the value on top of the stack into memo[idx].
func (e *Encoder) emitPut(idx uint32) error {
	switch {
	case e.config.Protocol == 0:
		return e.emits("p" + strconv.FormatUint(uint64(idx), 10) + "\n")
	case idx <= math.MaxUint8:
		return e.emit(byte(opBinput), byte(idx))
	}
	return e.emitSized(opLongBinput, uint64(idx), 4)
}

// emitGet pushes memo[idx].
func (e *Encoder) emitGet(idx uint32) error {
	switch {
	case e.config.Protocol == 0:
		return e.emits("g" + strconv.FormatUint(uint64(idx), 10) + "\n")
	case idx <= math.MaxUint8:
		return e.emit(byte(opBinget), byte(idx))
	}
	return e.emitSized(opLongBinget, uint64(idx), 4)
}

// emit writes raw bytes into the output stream.
func (e *Encoder) emit(bv ...byte) error {
	_, err := e.w.Write(bv)
	return err
}

// emits writes s into the output stream.
func (e *Encoder) emits(s string) error {
	_, err := io.WriteString(e.w, s)
	return err
}

// emitSized writes op followed by n as little-endian uint of the given size.
func (e *Encoder) emitSized(op Opcode, n uint64, size int) error {
	var b [9]byte
	b[0] = byte(op)
	switch size {
	case 1:
		b[1] = byte(n)
	case 4:
		binary.LittleEndian.PutUint32(b[1:], uint32(n))
	case 8:
		binary.LittleEndian.PutUint64(b[1:], n)
	}
	return e.emit(b[:1+size]...)
}

func (e *Encoder) encode(rv reflect.Value) error {
	e.depth++
	defer func() { e.depth-- }()
	if e.depth > maxEncodeDepth {
		return errors.Wrapf(errEncodeTooDeep, "pickle: encode: depth > %d (cyclic value?)", maxEncodeDepth)
	}

	if !rv.IsValid() {
		return e.emit(byte(opNone))
	}
	if rv.Kind() == reflect.Interface && !rv.IsNil() {
		rv = rv.Elem()
	}
	if !rv.CanInterface() {
		return errors.Errorf("pickle: encode: unexported %s", rv.Type())
	}

	k, shared := memoKeyOf(rv)
	shared = shared && e.refs[k] > 1
	if shared {
		if idx, ok := e.memo[k]; ok {
			return e.emitGet(idx)
		}
	}
	if err := e.encodeValue(rv); err != nil {
		return err
	}
	if shared {
		idx := uint32(len(e.memo))
		e.memo[k] = idx
		return e.emitPut(idx)
	}
	return nil
}

func (e *Encoder) encodeValue(rv reflect.Value) error {
	// types of our own and from math/big first
	switch v := rv.Interface().(type) {
	case None:
		return e.emit(byte(opNone))
	case Tuple:
		return e.encodeTuple(v)
	case Bytes:
		return e.encodeBytes(v)
	case ByteString:
		return e.encodeStr(string(v))
	case Dict:
		return e.encodeDict(v)
	case Set:
		return e.encodeSet(v.Items(), false)
	case FrozenSet:
		return e.encodeSet(v.Items(), true)
	case *big.Int:
		if v == nil {
			return e.emit(byte(opNone))
		}
		return e.encodeLong(v)
	case Class, Call, Ref, Stateful, Ext:
		return errors.Wrapf(errEncodeGated, "pickle: encode: %T", v)
	}

	switch rk := rv.Kind(); rk {
	case reflect.Bool:
		return e.encodeBool(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int64, reflect.Int32, reflect.Int16:
		return e.encodeInt(rv.Int())
	case reflect.Uint8, reflect.Uint64, reflect.Uint, reflect.Uint32, reflect.Uint16, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			// decodes back as long
			return e.emits("I" + strconv.FormatUint(u, 10) + "\n")
		}
		return e.encodeInt(int64(u))
	case reflect.Float32, reflect.Float64:
		return e.encodeFloat(rv.Float())
	case reflect.String:
		return e.encodeString(rv.String())

	case reflect.Array, reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			data := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(data), rv)
			return e.encodeByteArray(data)
		}
		if rk == reflect.Slice && rv.IsNil() {
			return e.emit(byte(opNone))
		}
		return e.encodeArray(rv)

	case reflect.Map:
		return e.encodeMap(rv)

	case reflect.Struct:
		return e.encodeStruct(rv)

	case reflect.Interface, reflect.Ptr:
		if rv.IsNil() {
			return e.emit(byte(opNone))
		}
		return e.encode(rv.Elem())
	}

	return errors.Errorf("pickle: encode: unsupported type %s", rv.Type())
}

func (e *Encoder) encodeArray(arr reflect.Value) error {
	l := arr.Len()

	// protocol >= 1: []  ->  EMPTY_LIST
	if e.config.Protocol >= 1 && l == 0 {
		return e.emit(byte(opEmptyList))
	}

	if err := e.emit(byte(opMark)); err != nil {
		return err
	}
	for i := 0; i < l; i++ {
		if err := e.encode(arr.Index(i)); err != nil {
			return err
		}
	}
	return e.emit(byte(opList))
}

func (e *Encoder) encodeTuple(t Tuple) error {
	l := len(t)

	switch {
	case e.config.Protocol >= 1 && l == 0:
		return e.emit(byte(opEmptyTuple))

	case e.config.Protocol >= 2 && l <= 3:
		for _, x := range t {
			if err := e.encode(reflectValueOf(x)); err != nil {
				return err
			}
		}
		return e.emit(byte([]Opcode{opTuple1, opTuple2, opTuple3}[l-1]))
	}

	if err := e.emit(byte(opMark)); err != nil {
		return err
	}
	for _, x := range t {
		if err := e.encode(reflectValueOf(x)); err != nil {
			return err
		}
	}
	return e.emit(byte(opTuple))
}

func (e *Encoder) encodeBool(b bool) error {
	// protocol >= 2  ->  NEWTRUE/NEWFALSE
	if e.config.Protocol >= 2 {
		if b {
			return e.emit(byte(opNewtrue))
		}
		return e.emit(byte(opNewfalse))
	}
	// INT 01 / 00
	if b {
		return e.emits("I01\n")
	}
	return e.emits("I00\n")
}

func (e *Encoder) encodeInt(i int64) error {
	// protocol >= 1: BININT*
	if e.config.Protocol >= 1 {
		switch {
		case i >= 0 && i <= math.MaxUint8:
			return e.emit(byte(opBinint1), byte(i))
		case i >= 0 && i <= math.MaxUint16:
			return e.emit(byte(opBinint2), byte(i), byte(i>>8))
		case i >= math.MinInt32 && i <= math.MaxInt32:
			return e.emitSized(opBinint, uint64(uint32(i)), 4)
		}
	}
	// int64, but as a string :/
	return e.emits("I" + strconv.FormatInt(i, 10) + "\n")
}

func (e *Encoder) encodeLong(b *big.Int) error {
	// protocol >= 2  -> LONG1 or LONG4
	if e.config.Protocol >= 2 {
		data := encodeLong(b)
		if len(data) < 256 {
			if err := e.emit(byte(opLong1), byte(len(data))); err != nil {
				return err
			}
		} else {
			if len(data) > math.MaxInt32 {
				return errors.New("pickle: encode: long too big")
			}
			if err := e.emitSized(opLong4, uint64(len(data)), 4); err != nil {
				return err
			}
		}
		return e.emit(data...)
	}
	return e.emits("L" + b.String() + "L\n")
}

// encodeLong is the inverse of decodeLong: two's complement little endian
// with the minimal number of bytes.
func encodeLong(b *big.Int) []byte {
	if b.Sign() == 0 {
		return nil
	}
	n := b.BitLen()/8 + 1 // room for the sign bit
	v := new(big.Int).Set(b)
	if b.Sign() < 0 {
		v.Add(v, new(big.Int).Lsh(big.NewInt(1), uint(8*n)))
	}
	be := v.FillBytes(make([]byte, n))
	data := make([]byte, n)
	for i, x := range be {
		data[n-1-i] = x
	}
	// drop redundant sign bytes
	for len(data) > 1 {
		last, prev := data[len(data)-1], data[len(data)-2]
		if (last == 0x00 && prev < 0x80) || (last == 0xff && prev >= 0x80) {
			data = data[:len(data)-1]
			continue
		}
		break
	}
	return data
}

func (e *Encoder) encodeFloat(f float64) error {
	// protocol >= 1: BINFLOAT
	if e.config.Protocol >= 1 {
		var b [9]byte
		b[0] = byte(opBinfloat)
		binary.BigEndian.PutUint64(b[1:], math.Float64bits(f))
		return e.emit(b[:]...)
	}
	return e.emits("F" + strconv.FormatFloat(f, 'g', -1, 64) + "\n")
}

// encodeString encodes Go string as Python unicode for protocol >= 3 or
// with StrictUnicode, and as py2 str otherwise.
func (e *Encoder) encodeString(s string) error {
	if e.config.Protocol >= 3 || e.config.StrictUnicode {
		return e.encodeUnicode(s)
	}
	return e.encodeStr(s)
}

// encodeStr emits py2 str.
func (e *Encoder) encodeStr(s string) error {
	l := len(s)

	// protocol >= 1 -> BINSTRING*
	if e.config.Protocol >= 1 {
		if l < 256 {
			if err := e.emit(byte(opShortBinstring), byte(l)); err != nil {
				return err
			}
		} else {
			if l > math.MaxInt32 {
				return errors.New("pickle: encode: str too big")
			}
			if err := e.emitSized(opBinstring, uint64(l), 4); err != nil {
				return err
			}
		}
		return e.emits(s)
	}

	// protocol 0: STRING
	return e.emits("S" + pyquote(s) + "\n")
}

func (e *Encoder) encodeUnicode(s string) error {
	// protocol >= 1 -> BINUNICODE*
	if e.config.Protocol >= 1 {
		l := uint64(len(s))
		var err error
		switch {
		case l < 256 && e.config.Protocol >= 4:
			err = e.emit(byte(opShortBinUnicode), byte(l))
		case l <= math.MaxUint32:
			err = e.emitSized(opBinunicode, l, 4)
		case e.config.Protocol >= 4:
			err = e.emitSized(opBinunicode8, l, 8)
		default:
			err = errors.New("pickle: encode: unicode too big")
		}
		if err != nil {
			return err
		}
		return e.emits(s)
	}

	// protocol 0: UNICODE
	uesc, err := pyencodeRawUnicodeEscape(s)
	if err != nil {
		return errors.Wrapf(err, "pickle: encode: unicode %q", s)
	}
	return e.emits("V" + uesc + "\n")
}

func (e *Encoder) encodeBytes(b Bytes) error {
	if e.config.Protocol < 3 {
		return errors.Wrapf(errEncodeBytesProto, "pickle: encode: protocol %d", e.config.Protocol)
	}
	l := uint64(len(b))
	var err error
	switch {
	case l < 256:
		err = e.emit(byte(opShortBinbytes), byte(l))
	case l <= math.MaxUint32:
		err = e.emitSized(opBinbytes, l, 4)
	case e.config.Protocol >= 4:
		err = e.emitSized(opBinbytes8, l, 8)
	default:
		err = errors.New("pickle: encode: bytes too big")
	}
	if err != nil {
		return err
	}
	return e.emits(string(b))
}

// encodeByteArray emits BYTEARRAY8. Earlier protocols need a call to
// builtins.bytearray for it.
func (e *Encoder) encodeByteArray(data []byte) error {
	if e.config.Protocol < 5 {
		return errors.Wrapf(errEncodeByteArrayProto, "pickle: encode: protocol %d", e.config.Protocol)
	}
	if err := e.emitSized(opBytearray8, uint64(len(data)), 8); err != nil {
		return err
	}
	return e.emit(data...)
}

// encodeItems emits a mapping with n items as MARK k v ... DICT.
func (e *Encoder) encodeItems(n int, items func(yield func(k, v reflect.Value) error) error) error {
	// protocol >= 1: {}  ->  EMPTY_DICT
	if e.config.Protocol >= 1 && n == 0 {
		return e.emit(byte(opEmptyDict))
	}

	if err := e.emit(byte(opMark)); err != nil {
		return err
	}
	if err := items(e.encodeItem); err != nil {
		return err
	}
	return e.emit(byte(opDict))
}

func (e *Encoder) encodeItem(k, v reflect.Value) error {
	if err := e.encode(k); err != nil {
		return err
	}
	return e.encode(v)
}

func (e *Encoder) encodeMap(m reflect.Value) error {
	return e.encodeItems(m.Len(), func(yield func(k, v reflect.Value) error) error {
		iter := m.MapRange()
		for iter.Next() {
			if err := yield(iter.Key(), iter.Value()); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *Encoder) encodeDict(d Dict) error {
	return e.encodeItems(d.Len(), func(yield func(k, v reflect.Value) error) error {
		var err error
		d.Iter()(func(k, v any) bool {
			err = yield(reflectValueOf(k), reflectValueOf(v))
			return err == nil
		})
		return err
	})
}

// set is EMPTY_SET MARK items ADDITEMS and frozenset MARK items FROZENSET.
func (e *Encoder) encodeSet(items []any, frozen bool) error {
	if e.config.Protocol < 4 {
		return errors.Wrapf(errEncodeSetProto, "pickle: encode: protocol %d", e.config.Protocol)
	}
	if !frozen {
		if err := e.emit(byte(opEmptySet)); err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
	}
	if err := e.emit(byte(opMark)); err != nil {
		return err
	}
	for _, x := range items {
		if err := e.encode(reflectValueOf(x)); err != nil {
			return err
		}
	}
	if frozen {
		return e.emit(byte(opFrozenSet))
	}
	return e.emit(byte(opAddItems))
}

// encodeStruct encodes exported fields as a dict keyed by field name, or by
// the `pickle` tag when any field has one.
func (e *Encoder) encodeStruct(st reflect.Value) error {
	typ := st.Type()
	structTags := getStructTags(st)

	type field struct {
		name string
		i    int
	}
	var fields []field
	if structTags != nil {
		for i := 0; i < typ.NumField(); i++ {
			if name := typ.Field(i).Tag.Get("pickle"); name != "" && name != "-" {
				fields = append(fields, field{name, i})
			}
		}
	} else {
		for i := 0; i < typ.NumField(); i++ {
			fty := typ.Field(i)
			if fty.PkgPath != "" {
				continue // skip unexported names
			}
			fields = append(fields, field{fty.Name, i})
		}
	}

	return e.encodeItems(len(fields), func(yield func(k, v reflect.Value) error) error {
		for _, f := range fields {
			if err := yield(reflect.ValueOf(f.name), st.Field(f.i)); err != nil {
				return err
			}
		}
		return nil
	})
}

func reflectValueOf(v any) reflect.Value {
	rv, ok := v.(reflect.Value)
	if !ok {
		rv = reflect.ValueOf(v)
	}
	return rv
}

func getStructTags(ptr reflect.Value) map[string]int {
	if ptr.Kind() != reflect.Struct {
		return nil
	}

	m := make(map[string]int)

	t := ptr.Type()

	l := t.NumField()
	numTags := 0
	for i := 0; i < l; i++ {
		field := t.Field(i).Tag.Get("pickle")
		if field != "" {
			m[field] = i
			numTags++
		}
	}

	if numTags == 0 {
		return nil
	}

	return m
}
