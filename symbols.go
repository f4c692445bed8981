package rffickle

// Audited reconstruction functions for the standard allow-list.
//
// Every function here builds a plain data value from the exact argument
// shapes it documents. Anything else is a PolicyViolation: the stream asked
// for a reconstruction that nobody reviewed.

import (
	"fmt"
	"math"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// StandardSymbols returns the audited catalog.
//
// The returned slice is a fresh copy; pass it, or a subset, to NewPolicy.
func StandardSymbols() []Symbol {
	var v []Symbol
	for _, module := range []string{"builtins", "__builtin__"} {
		v = append(v,
			Symbol{Module: module, Name: "bytearray", Reduce: reduceBytearray},
			Symbol{Module: module, Name: "set", Reduce: reduceSet},
			Symbol{Module: module, Name: "frozenset", Reduce: reduceFrozenSet},
			Symbol{Module: module, Name: "complex", Reduce: reduceComplex},
		)
	}
	v = append(v,
		Symbol{Module: "builtins", Name: "bytes", Reduce: reduceBytes},
		Symbol{Module: "_codecs", Name: "encode", Reduce: reduceCodecsEncode},
		Symbol{Module: "collections", Name: "OrderedDict", Reduce: reduceOrderedDict},
		Symbol{Module: "decimal", Name: "Decimal", Reduce: reduceDecimal},
		Symbol{Module: "datetime", Name: "date", Reduce: reduceDate},
		Symbol{Module: "datetime", Name: "datetime", Reduce: reduceDatetime},
		Symbol{Module: "datetime", Name: "timedelta", Reduce: reduceTimedelta},
		Symbol{Module: "datetime", Name: "timezone", Reduce: reduceTimezone},
		Symbol{Module: "uuid", Name: "UUID", New: newUUID, Build: buildUUID, NeedsState: true},
	)
	return v
}

// SymbolsByName selects catalog entries by qualified name, e.g. "datetime.date".
//
// An unknown name is an error.
func SymbolsByName(names ...string) ([]Symbol, error) {
	catalog := make(map[string]Symbol)
	for _, sym := range StandardSymbols() {
		catalog[sym.String()] = sym
	}

	v := make([]Symbol, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		sym, ok := catalog[name]
		if !ok {
			return nil, errors.Errorf("symbol %q is not in the audited catalog", name)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		v = append(v, sym)
	}
	return v, nil
}

// CatalogNames returns the qualified names of the audited catalog, sorted.
func CatalogNames() []string {
	var names []string
	for _, sym := range StandardSymbols() {
		names = append(names, sym.String())
	}
	sort.Strings(names)
	return names
}

// StandardPolicy returns a policy admitting the whole audited catalog.
func StandardPolicy() *Policy {
	return MustPolicy(StandardSymbols()...)
}

// badArgs rejects an argument shape the reconstruction function does not accept.
func badArgs(symbol string, args Tuple) error {
	return violation(symbol, "unsupported arguments "+argShape(args))
}

func argShape(args Tuple) string {
	var b strings.Builder
	b.WriteString("(")
	for i, arg := range args {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%T", arg)
	}
	b.WriteString(")")
	return b.String()
}

// sequence returns the items of a list or tuple argument.
func sequence(x any) ([]any, bool) {
	items, err := AsList(x)
	return items, err == nil
}

// byteData returns the raw content of bytes, py2 str or bytearray.
func byteData(x any) ([]byte, bool) {
	switch x := x.(type) {
	case Bytes:
		return []byte(x), true
	case ByteString:
		return []byte(x), true
	case []byte:
		return x, true
	case string:
		// py2 str outside of StrictUnicode mode
		return []byte(x), true
	}
	return nil, false
}

// decodeLatin1Bytes tries to decode bytes from arg assuming it is latin1-encoded unicode.
//
// Python uses such representation of bytes for protocols <= 2 - where there is
// no BYTES* opcodes.
func decodeLatin1Bytes(arg any) ([]byte, error) {
	ulatin1, err := AsString(arg)
	if err != nil {
		return nil, errors.Wrap(err, "latin1")
	}

	data := make([]byte, 0, len(ulatin1))
	for _, r := range ulatin1 {
		if r >= 0x100 {
			return nil, errors.Errorf("latin1: cannot encode %q", r)
		}
		data = append(data, byte(r))
	}
	return data, nil
}

func isLatin1(x any) bool {
	return stringEQ(x, "latin1") || stringEQ(x, "latin-1")
}

// _codecs.encode(text, "latin1") is how protocols <= 2 carry bytes.
func reduceCodecsEncode(args Tuple) (any, error) {
	if len(args) != 2 || !isLatin1(args[1]) {
		return nil, badArgs("_codecs.encode", args)
	}
	data, err := decodeLatin1Bytes(args[0])
	if err != nil {
		return nil, violation("_codecs.encode", err.Error())
	}
	return Bytes(data), nil
}

func reduceBytes(args Tuple) (any, error) {
	switch len(args) {
	case 0:
		return Bytes(""), nil
	case 1:
		switch x := args[0].(type) {
		case Bytes:
			return x, nil
		case ByteString:
			return Bytes(x), nil
		case []byte:
			return Bytes(x), nil
		}
		if items, ok := sequence(args[0]); ok {
			data, err := byteItems(items)
			if err != nil {
				return nil, violation("builtins.bytes", err.Error())
			}
			return Bytes(data), nil
		}
	}
	return nil, badArgs("builtins.bytes", args)
}

// byteItems converts a list of small ints into bytes.
func byteItems(items []any) ([]byte, error) {
	data := make([]byte, len(items))
	for i, x := range items {
		v, err := AsInt64(x)
		if err != nil {
			return nil, err
		}
		if v < 0 || v > 0xff {
			return nil, errors.Errorf("byte must be in range(0, 256): %d", v)
		}
		data[i] = byte(v)
	}
	return data, nil
}

func reduceBytearray(args Tuple) (any, error) {
	switch len(args) {
	case 0:
		return []byte{}, nil

	case 1:
		// bytearray(bytes(...))
		switch x := args[0].(type) {
		case Bytes:
			return []byte(x), nil
		case ByteString:
			return []byte(x), nil
		case []any:
			data, err := byteItems(x)
			if err != nil {
				return nil, violation("builtins.bytearray", err.Error())
			}
			return data, nil
		}

	case 2:
		// bytearray(unicode, encoding)
		if isLatin1(args[1]) {
			data, err := decodeLatin1Bytes(args[0])
			if err != nil {
				return nil, violation("builtins.bytearray", err.Error())
			}
			return data, nil
		}
	}
	return nil, badArgs("builtins.bytearray", args)
}

// setItems validates set elements: each must be hashable.
func setItems(symbol string, args Tuple) ([]any, error) {
	switch len(args) {
	case 0:
		return nil, nil
	case 1:
		items, ok := sequence(args[0])
		if !ok {
			if s, isSet := setElems(args[0]); isSet {
				items = elemsItems(s)
				ok = true
			}
		}
		if !ok {
			break
		}
		for _, x := range items {
			if !hashable(x) {
				return nil, violation(symbol, fmt.Sprintf("unhashable element %T", x))
			}
		}
		return items, nil
	}
	return nil, badArgs(symbol, args)
}

func reduceSet(args Tuple) (any, error) {
	items, err := setItems("builtins.set", args)
	if err != nil {
		return nil, err
	}
	return NewSet(items...), nil
}

func reduceFrozenSet(args Tuple) (any, error) {
	items, err := setItems("builtins.frozenset", args)
	if err != nil {
		return nil, err
	}
	return NewFrozenSet(items...), nil
}

// realPart returns a float for int, long, float or bool arguments.
func realPart(x any) (float64, bool) {
	switch x := x.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case bool:
		return float64(bint(x)), true
	case *big.Int:
		f, _ := bigIntFloat64(x)
		return f, !math.IsInf(f, 0)
	}
	return 0, false
}

func reduceComplex(args Tuple) (any, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, badArgs("builtins.complex", args)
	}
	re, ok := realPart(args[0])
	if !ok {
		return nil, badArgs("builtins.complex", args)
	}
	var im float64
	if len(args) == 2 {
		im, ok = realPart(args[1])
		if !ok {
			return nil, badArgs("builtins.complex", args)
		}
	}
	return complex(re, im), nil
}

// collections.OrderedDict(), optionally with a list of [key, value] pairs.
// Further items usually arrive with SETITEMS.
func reduceOrderedDict(args Tuple) (any, error) {
	d := NewDict()
	switch len(args) {
	case 0:
		return d, nil
	case 1:
		pairs, ok := sequence(args[0])
		if !ok {
			break
		}
		for _, xpair := range pairs {
			pair, ok := sequence(xpair)
			if !ok || len(pair) != 2 {
				return nil, violation("collections.OrderedDict", fmt.Sprintf("item is not a pair: %T", xpair))
			}
			if !hashable(pair[0]) {
				return nil, violation("collections.OrderedDict", fmt.Sprintf("invalid key type %T", pair[0]))
			}
			d.Set(pair[0], pair[1])
		}
		return d, nil
	}
	return nil, badArgs("collections.OrderedDict", args)
}

func reduceDecimal(args Tuple) (any, error) {
	if len(args) != 1 {
		return nil, badArgs("decimal.Decimal", args)
	}
	s, err := AsString(args[0])
	if err != nil {
		return nil, badArgs("decimal.Decimal", args)
	}
	if len(s) > maxIntDigits {
		return nil, exceeded(fmt.Sprintf("decimal literal longer than %d characters", maxIntDigits))
	}
	d, _, err := apd.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, violation("decimal.Decimal", err.Error())
	}
	return d, nil
}

// dateFields decodes year, month and day from the first 4 bytes of a date state.
func dateFields(symbol string, state []byte) (year int, month time.Month, day int, err error) {
	year = int(state[0])<<8 | int(state[1])
	month = time.Month(state[2] & 0x7f) // high bit is fold
	day = int(state[3])
	if year < 1 || year > 9999 || month < 1 || month > 12 || day < 1 ||
		day > daysIn(month, year) {
		return 0, 0, 0, violation(symbol, "date out of range")
	}
	return year, month, day, nil
}

func daysIn(month time.Month, year int) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// datetime.date(state) with 4 bytes of state.
func reduceDate(args Tuple) (any, error) {
	if len(args) != 1 {
		return nil, badArgs("datetime.date", args)
	}
	state, ok := byteData(args[0])
	if !ok || len(state) != 4 {
		return nil, badArgs("datetime.date", args)
	}
	year, month, day, err := dateFields("datetime.date", state)
	if err != nil {
		return nil, err
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC), nil
}

// datetime.datetime(state[, tzinfo]) with 10 bytes of state.
//
// A naive datetime is returned in UTC.
func reduceDatetime(args Tuple) (any, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, badArgs("datetime.datetime", args)
	}
	state, ok := byteData(args[0])
	if !ok || len(state) != 10 {
		return nil, badArgs("datetime.datetime", args)
	}
	loc := time.UTC
	if len(args) == 2 {
		switch tz := args[1].(type) {
		case None:
		case *time.Location:
			loc = tz
		default:
			return nil, badArgs("datetime.datetime", args)
		}
	}

	year, month, day, err := dateFields("datetime.datetime", state)
	if err != nil {
		return nil, err
	}
	hour, minute, sec := int(state[4]), int(state[5]), int(state[6])
	usec := int(state[7])<<16 | int(state[8])<<8 | int(state[9])
	if hour > 23 || minute > 59 || sec > 59 || usec > 999999 {
		return nil, violation("datetime.datetime", "time out of range")
	}
	return time.Date(year, month, day, hour, minute, sec, usec*1000, loc), nil
}

// datetime.timedelta(days, seconds, microseconds)
func reduceTimedelta(args Tuple) (any, error) {
	if len(args) != 3 {
		return nil, badArgs("datetime.timedelta", args)
	}
	var parts [3]int64
	for i, x := range args {
		v, err := AsInt64(x)
		if err != nil {
			return nil, badArgs("datetime.timedelta", args)
		}
		parts[i] = v
	}

	// Python keeps days within ±999999999; time.Duration spans ±292 years.
	const maxDays = math.MaxInt64 / int64(24*time.Hour)
	days, secs, usecs := parts[0], parts[1], parts[2]
	if days < -maxDays || days > maxDays || secs < 0 || secs >= 86400 || usecs < 0 || usecs >= 1000000 {
		return nil, violation("datetime.timedelta", "duration out of range")
	}
	d := time.Duration(days) * 24 * time.Hour
	rest := time.Duration(secs)*time.Second + time.Duration(usecs)*time.Microsecond
	if d > 0 && d > math.MaxInt64-rest {
		return nil, violation("datetime.timedelta", "duration out of range")
	}
	return d + rest, nil
}

// datetime.timezone(offset[, name])
func reduceTimezone(args Tuple) (any, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, badArgs("datetime.timezone", args)
	}
	offset, ok := args[0].(time.Duration)
	if !ok || offset <= -24*time.Hour || offset >= 24*time.Hour {
		return nil, badArgs("datetime.timezone", args)
	}
	if offset%time.Second != 0 {
		return nil, violation("datetime.timezone", "offset is not a whole number of seconds")
	}

	var name string
	if len(args) == 2 {
		s, err := AsString(args[1])
		if err != nil {
			return nil, badArgs("datetime.timezone", args)
		}
		name = s
	}
	if name == "" {
		name = tzName(offset)
	}
	return time.FixedZone(name, int(offset/time.Second)), nil
}

// tzName mimics datetime.timezone's default name, e.g. "UTC+05:30".
func tzName(offset time.Duration) string {
	if offset == 0 {
		return "UTC"
	}
	sign := '+'
	if offset < 0 {
		sign = '-'
		offset = -offset
	}
	h := int(offset / time.Hour)
	m := int(offset % time.Hour / time.Minute)
	return fmt.Sprintf("UTC%c%02d:%02d", sign, h, m)
}

// uuid.UUID is pickled as NEWOBJ with no arguments followed by BUILD {"int": n}.
func newUUID(args Tuple) (any, error) {
	if len(args) != 0 {
		return nil, badArgs("uuid.UUID", args)
	}
	return uuid.UUID{}, nil
}

var maxUUID = new(big.Int).Lsh(big.NewInt(1), 128)

func buildUUID(obj, state any) (any, error) {
	fields, err := stateFields("uuid.UUID", state)
	if err != nil {
		return nil, err
	}
	for k := range fields {
		if k != "int" && k != "is_safe" {
			return nil, violation("uuid.UUID", fmt.Sprintf("unexpected state field %q", k))
		}
	}

	n, err := AsBigInt(fields["int"])
	if err != nil {
		return nil, violation("uuid.UUID", "int: "+err.Error())
	}
	if n.Sign() < 0 || n.Cmp(maxUUID) >= 0 {
		return nil, violation("uuid.UUID", "int is out of range (need a 128-bit value)")
	}

	var u uuid.UUID
	n.FillBytes(u[:])
	return u, nil
}

// stateFields returns the string-keyed items of a BUILD state mapping.
func stateFields(symbol string, state any) (map[string]any, error) {
	items, err := AsMapping(state)
	if err != nil {
		return nil, violation(symbol, fmt.Sprintf("state must be a dict, not %T", state))
	}
	fields := make(map[string]any)
	ok := true
	items(func(k, v any) bool {
		var s string
		if s, err = AsString(k); err != nil {
			ok = false
			return false
		}
		fields[s] = v
		return true
	})
	if !ok {
		return nil, violation(symbol, "state keys must be strings")
	}
	return fields, nil
}
