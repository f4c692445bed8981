package main

import (
	"fmt"
	"math/big"
	"reflect"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/kisielk/rffickle"
)

// CBOR tags for values without a native CBOR type.
const (
	tagDecimalFraction = 4
	tagUUID            = 37
	tagSet             = 258
)

var cborMode cbor.EncMode

func init() {
	var err error
	cborMode, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		Time:          cbor.TimeRFC3339Nano,
		TimeTag:       cbor.EncTagRequired,
		BigIntConvert: cbor.BigIntConvertShortest,
	}.EncMode()
	if err != nil {
		panic(err)
	}
}

// maxConvertItems bounds how many values a conversion produces. CBOR has no
// references, so structure shared in the pickle is written out every time it
// is reached.
const maxConvertItems = 1 << 20

// marshalCBOR encodes a loaded value as CBOR.
func marshalCBOR(v any) ([]byte, error) {
	c := &converter{active: make(map[uintptr]bool), left: maxConvertItems}
	x, err := c.value(v)
	if err != nil {
		return nil, err
	}
	return cborMode.Marshal(x)
}

// converter maps loaded values onto types the CBOR encoder understands.
// CBOR has no references, so a cyclic value is an error.
type converter struct {
	active map[uintptr]bool
	left   int // values that may still be produced
}

func (c *converter) enter(x any) (uintptr, error) {
	rv := reflect.ValueOf(x)
	if rv.Kind() == reflect.Slice && rv.Len() == 0 {
		return 0, nil
	}
	p := uintptr(rv.UnsafePointer())
	if c.active[p] {
		return 0, fmt.Errorf("cbor: cyclic %T", x)
	}
	c.active[p] = true
	return p, nil
}

func (c *converter) leave(p uintptr) {
	if p != 0 {
		delete(c.active, p)
	}
}

func (c *converter) value(x any) (_ any, err error) {
	c.left--
	if c.left < 0 {
		return nil, fmt.Errorf("cbor: value expands to more than %d items", maxConvertItems)
	}
	switch v := x.(type) {
	case nil, rffickle.None:
		return nil, nil
	case bool, int64, float64, string, time.Time:
		return v, nil
	case *big.Int:
		return v, nil
	case rffickle.Bytes:
		return []byte(v), nil
	case rffickle.ByteString:
		return []byte(v), nil
	case []byte:
		return v, nil
	case complex128:
		return []any{real(v), imag(v)}, nil
	case time.Duration:
		return v.Seconds(), nil
	case *time.Location:
		return v.String(), nil
	case uuid.UUID:
		return cbor.Tag{Number: tagUUID, Content: v[:]}, nil
	case *apd.Decimal:
		if v.Form != apd.Finite {
			return v.String(), nil
		}
		m := v.Coeff.MathBigInt()
		if v.Negative {
			m.Neg(m)
		}
		return cbor.Tag{Number: tagDecimalFraction, Content: []any{int64(v.Exponent), m}}, nil
	case rffickle.Class:
		return v.String(), nil

	case []any:
		p, err := c.enter(v)
		if err != nil {
			return nil, err
		}
		defer c.leave(p)
		return c.items(v)
	case rffickle.Tuple:
		return c.items(v)
	case rffickle.Set:
		items, err := c.items(v.Items())
		return cbor.Tag{Number: tagSet, Content: items}, err
	case rffickle.FrozenSet:
		items, err := c.items(v.Items())
		return cbor.Tag{Number: tagSet, Content: items}, err

	case map[any]any:
		p, err := c.enter(v)
		if err != nil {
			return nil, err
		}
		defer c.leave(p)
		out := make(map[any]any, len(v))
		for k, item := range v {
			if err := c.put(out, k, item); err != nil {
				return nil, err
			}
		}
		return out, nil
	case rffickle.Dict:
		out := make(map[any]any, v.Len())
		v.Iter()(func(k, item any) bool {
			err = c.put(out, k, item)
			return err == nil
		})
		return out, err
	}
	return nil, fmt.Errorf("cbor: cannot convert %T", x)
}

func (c *converter) items(v []any) ([]any, error) {
	out := make([]any, len(v))
	for i, x := range v {
		var err error
		if out[i], err = c.value(x); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// put stores item under k. Keys that convert to unhashable Go values, such
// as tuples, are stored as their Python text.
func (c *converter) put(out map[any]any, k, item any) error {
	key, err := c.value(k)
	if err != nil {
		return err
	}
	switch key.(type) {
	case []any, []byte, cbor.Tag:
		key = rffickle.Format(k)
	}
	x, err := c.value(item)
	if err != nil {
		return err
	}
	out[key] = x
	return nil
}
