package rffickle
// Utilities that complement std reflect package.

import (
	"math/big"
	"reflect"
)

// deepEqual is like reflect.DeepEqual but also supports Dict, Set, FrozenSet
// and compares *big.Int by value.
//
// It is needed because reflect.DeepEqual considers two Dicts not-equal because
// each Dict is made with its own seed. Lists, tuples and maps are walked so
// that such values nested inside them compare too.
//
// deepEqual does not terminate on cyclic values.
func deepEqual(a, b any) bool {
	switch a := a.(type) {
	case Dict:
		db, ok := b.(Dict)
		return ok && eqDictExact(a, db)

	case Set:
		sb, ok := b.(Set)
		return ok && eqItemsExact(a.Items(), sb.Items())

	case FrozenSet:
		sb, ok := b.(FrozenSet)
		return ok && eqItemsExact(a.Items(), sb.Items())

	case []any:
		lb, ok := b.([]any)
		return ok && (a == nil) == (lb == nil) && eqSeq(a, lb)

	case Tuple:
		tb, ok := b.(Tuple)
		return ok && eqSeq(a, tb)

	case *big.Int:
		bb, ok := b.(*big.Int)
		return ok && (a == nil) == (bb == nil) && (a == nil || a.Cmp(bb) == 0)

	case map[any]any:
		mb, ok := b.(map[any]any)
		if !ok || len(a) != len(mb) {
			return false
		}
		for k, va := range a {
			vb, ok := mb[k]
			if !ok || !deepEqual(va, vb) {
				return false
			}
		}
		return true
	}

	return reflect.DeepEqual(a, b)
}

func eqSeq(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !deepEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

// eqDictExact compares Dicts requiring keys of the same type.
//
// XXX O(n^2) because we want to compare keys exactly and so cannot use
// db.Get(ka) because Dict.Get uses general equality that would match e.g. int == int64
func eqDictExact(da, db Dict) bool {
	if da.Len() != db.Len() {
		return false
	}

	eq := true
	da.Iter()(func(ka, va any) bool {
		keq := false
		db.Iter()(func(kb, vb any) bool {
			// NOTE don't use reflect.Equal(ka,kb) because it does not handle e.g. big.Int
			if reflect.TypeOf(ka) == reflect.TypeOf(kb) && equal(ka, kb) {
				keq = deepEqual(va, vb)
				return false
			}
			return true
		})
		if !keq {
			eq = false
			return false
		}
		return true
	})

	return eq
}

// eqItemsExact compares set elements requiring the same types.
func eqItemsExact(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for _, x := range a {
		found := false
		for _, y := range b {
			if reflect.TypeOf(x) == reflect.TypeOf(y) && equal(x, y) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
