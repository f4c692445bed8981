package rffickle

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aristanetworks/gomap"
)

// Set represents Python's set.
//
// Elements are compared with the same Python-like equality Dict uses for
// its keys. Like Dict, Set is a pointer-like type.
type Set struct {
	m *gomap.Map[any, struct{}]
}

// FrozenSet represents Python's frozenset.
//
// Unlike Set it is hashable and may be used as Dict key or set element.
type FrozenSet struct {
	m *gomap.Map[any, struct{}]
}

func newElems(size int) *gomap.Map[any, struct{}] {
	return gomap.NewHint[any, struct{}](size, equal, hash)
}

// NewSet returns a set holding items.
//
// NewSet panics if an item is not hashable.
func NewSet(items ...any) Set {
	s := Set{m: newElems(len(items))}
	for _, x := range items {
		s.Add(x)
	}
	return s
}

// NewFrozenSet returns a frozenset holding items.
//
// NewFrozenSet panics if an item is not hashable.
func NewFrozenSet(items ...any) FrozenSet {
	return FrozenSet{m: NewSet(items...).m}
}

// Add inserts x unless an equal element is already present.
func (s Set) Add(x any) {
	if _, ok := s.m.Get(x); !ok {
		s.m.Set(x, struct{}{})
	}
}

// Has reports whether an element equal to x is present.
func (s Set) Has(x any) bool { return elemsHas(s.m, x) }

// Has reports whether an element equal to x is present.
func (s FrozenSet) Has(x any) bool { return elemsHas(s.m, x) }

// Len returns the number of elements.
func (s Set) Len() int { return elemsLen(s.m) }

// Len returns the number of elements.
func (s FrozenSet) Len() int { return elemsLen(s.m) }

// Items returns the elements in arbitrary order.
func (s Set) Items() []any { return elemsItems(s.m) }

// Items returns the elements in arbitrary order.
func (s FrozenSet) Items() []any { return elemsItems(s.m) }

func (s Set) String() string         { return "set(" + elemsString(s.m, "%v") + ")" }
func (s FrozenSet) String() string   { return "frozenset(" + elemsString(s.m, "%v") + ")" }
func (s Set) GoString() string       { return fmt.Sprintf("%T%s", s, elemsString(s.m, "%#v")) }
func (s FrozenSet) GoString() string { return fmt.Sprintf("%T%s", s, elemsString(s.m, "%#v")) }

// setElems returns the element map of a Set or FrozenSet.
func setElems(x any) (*gomap.Map[any, struct{}], bool) {
	switch s := x.(type) {
	case Set:
		return s.m, s.m != nil
	case FrozenSet:
		return s.m, s.m != nil
	}
	return nil, false
}

func elemsHas(m *gomap.Map[any, struct{}], x any) bool {
	if m == nil {
		return false
	}
	_, ok := m.Get(x)
	return ok
}

func elemsLen(m *gomap.Map[any, struct{}]) int {
	if m == nil {
		return 0
	}
	return m.Len()
}

func elemsItems(m *gomap.Map[any, struct{}]) []any {
	items := make([]any, 0, elemsLen(m))
	if m == nil {
		return items
	}
	it := m.Iter()
	for it.Next() {
		items = append(items, it.Key())
	}
	return items
}

func elemsString(m *gomap.Map[any, struct{}], format string) string {
	items := elemsItems(m)
	sv := make([]string, len(items))
	for i, x := range items {
		sv[i] = fmt.Sprintf(format, x)
	}
	sort.Strings(sv)
	return "{" + strings.Join(sv, ", ") + "}"
}
