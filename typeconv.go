package rffickle

// Accessors that read loaded values independently of how the pickle encoded
// them. Reconstruction functions of allow-listed symbols use them to check
// their arguments.

import (
	"fmt"
	"math/big"
)

// AsInt64 returns x as int64.
//
// A pickle carries a Python int either as int64 or, when it is written with
// LONG opcodes, as *big.Int. AsInt64 accepts both as long as the value fits.
func AsInt64(x any) (int64, error) {
	switch x := x.(type) {
	case int64:
		return x, nil
	case *big.Int:
		if !x.IsInt64() {
			return 0, fmt.Errorf("long outside of int64 range")
		}
		return x.Int64(), nil
	}
	return 0, fmt.Errorf("expect int64|long; got %T", x)
}

// AsBigInt returns x as *big.Int. An int64 is converted into a new value,
// a *big.Int is returned as is.
func AsBigInt(x any) (*big.Int, error) {
	switch x := x.(type) {
	case int64:
		return big.NewInt(x), nil
	case *big.Int:
		return x, nil
	}
	return nil, fmt.Errorf("expect int64|long; got %T", x)
}

// AsBytes returns x as Bytes.
//
// Both [Bytes] and py2 str decoded as [ByteString] are accepted; unicode
// strings are not.
func AsBytes(x any) (Bytes, error) {
	switch x := x.(type) {
	case Bytes:
		return x, nil
	case ByteString:
		return Bytes(x), nil
	}
	return "", fmt.Errorf("expect bytes|bytestr; got %T", x)
}

// AsString returns x as string.
//
// Both unicode strings and py2 str decoded as [ByteString] are accepted;
// [Bytes] is not.
func AsString(x any) (string, error) {
	switch x := x.(type) {
	case string:
		return x, nil
	case ByteString:
		return string(x), nil
	}
	return "", fmt.Errorf("expect unicode|bytestr; got %T", x)
}

// AsList returns the items of a list or a tuple. The result aliases x.
func AsList(x any) ([]any, error) {
	switch x := x.(type) {
	case []any:
		return x, nil
	case Tuple:
		return x, nil
	}
	return nil, fmt.Errorf("expect list|tuple; got %T", x)
}

// AsMapping returns an iterator over the items of a dict, whether it was
// decoded as map[any]any or as Dict.
func AsMapping(x any) (func(yield func(k, v any) bool), error) {
	switch x := x.(type) {
	case map[any]any:
		return func(yield func(k, v any) bool) {
			for k, v := range x {
				if !yield(k, v) {
					return
				}
			}
		}, nil
	case Dict:
		return x.Iter(), nil
	}
	return nil, fmt.Errorf("expect dict; got %T", x)
}

// stringEQ reports whether x is a string, unicode or py2, equal to y.
func stringEQ(x any, y string) bool {
	s, err := AsString(x)
	return err == nil && s == y
}
