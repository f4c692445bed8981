package rffickle

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/pkg/errors"
)

// pyList is a list under construction.
//
// Memo aliases share the cell, so an APPEND is visible through every
// reference. finish turns cells into []any.
type pyList struct {
	items []any
}

// pyDict is a dict under construction.
//
// Keys follow Python equality from the first assignment on; finish decides
// whether the dict is delivered as map[any]any or as Dict.
type pyDict struct {
	d Dict
}

// instance is an object made by an allow-listed New that BUILD may still
// complete. finish unwraps it.
type instance struct {
	sym   *Symbol
	v     any
	built bool
}

// settled reports whether no further BUILD can change o.
func (o *instance) settled() bool {
	return o.built || o.sym.Build == nil
}

// settle replaces a settled instance by its value.
func settle(x any) any {
	if o, ok := x.(*instance); ok && o.settled() {
		return o.v
	}
	return x
}

// typeName names x the way Python would for error messages.
func typeName(x any) string {
	switch x := x.(type) {
	case *pyList:
		return "list"
	case *pyDict, map[any]any, Dict:
		return "dict"
	case Tuple:
		return "tuple"
	case Set:
		return "set"
	case FrozenSet:
		return "frozenset"
	case *instance:
		return x.sym.String() + " object"
	case *Symbol:
		return "global " + x.String()
	case mark:
		return "mark"
	}
	return fmt.Sprintf("%T", x)
}

// userOK tells whether it is ok to return all objects to user.
//
// for example it is not ok to return the mark object.
func userOK(objv ...any) error {
	for _, obj := range objv {
		switch obj.(type) {
		case mark:
			return errNoMarkUse
		}
	}
	return nil
}

// maxDepth returns the deepest slot in items.
func maxDepth(items []slot) int {
	d := 0
	for _, s := range items {
		if s.depth > d {
			d = s.depth
		}
	}
	return d
}

// ---- structural construction ----

func (m *machine) newMap(sizeHint int) *pyDict {
	return &pyDict{d: NewDictWithSizeHint(sizeHint)}
}

func (m *machine) list(items []slot) slot {
	l := &pyList{items: make([]any, len(items))}
	for i, s := range items {
		l.items[i] = s.v
	}
	return slot{v: l, depth: maxDepth(items) + 1}
}

func (m *machine) tuple(items []slot) slot {
	t := make(Tuple, len(items))
	for i, s := range items {
		t[i] = settle(s.v)
	}
	return slot{v: t, depth: maxDepth(items) + 1}
}

// assign does `mapping[key] = value`.
func (m *machine) assign(mapping, key, value any) error {
	d, ok := mapping.(*pyDict)
	if !ok {
		return malformed("expected a dict, got "+typeName(mapping), nil)
	}
	key = settle(key)
	if err := m.charge(key); err != nil {
		return err
	}
	if !hashable(key) {
		return malformed("unhashable key type "+typeName(key), nil)
	}
	d.d.Set(key, value)
	return nil
}

// assignItems assigns key, value pairs taken from items to mapping.
func (m *machine) assignItems(mapping any, items []slot) error {
	if len(items)%2 != 0 {
		return malformed("odd number of dict items", nil)
	}
	for i := 0; i < len(items); i += 2 {
		if err := m.assign(mapping, items[i].v, items[i+1].v); err != nil {
			return err
		}
	}
	return nil
}

// setElement validates x as an element of a set.
func (m *machine) setElement(x any) (any, error) {
	x = settle(x)
	if err := m.charge(x); err != nil {
		return nil, err
	}
	if !hashable(x) {
		return nil, malformed("unhashable set element "+typeName(x), nil)
	}
	return x, nil
}

// mapTryAssign tries to do `m[key] = value`.
//
// It checks whether key is of appropriate type, and if yes - succeeds.
// If key is not appropriate - the map stays unchanged and false is returned.
func mapTryAssign(m map[any]any, key, value any) (ok bool) {
	// use panic/recover to detect inappropriate keys.
	//
	// We could try to use reflect.TypeOf(key).Comparable() instead, but that
	// is not generally enough: with Comparable, key type structure has to
	// be manually walked recursively and each subfield checked for
	// comparability. -> panic/recover is simpler to use instead.
	defer func() {
		// on invalid dynamic key type runtime panics like below:
		//
		//	`panic: runtime error: hash of unhashable type []interface {}`
		if r := recover(); r != nil {
			ok = false
		}
	}()

	m[key] = value
	ok = true
	return
}

// charge accounts the work of hashing x against the instruction budget.
//
// Tuples and frozensets count on every path that reaches them, the way
// hashing visits them. Mutable containers count once.
func (m *machine) charge(x any) error {
	c := charger{m: m}
	return c.walk(x, 0)
}

type charger struct {
	m    *machine
	seen map[any]bool
}

func (c *charger) walk(x any, depth int) error {
	m := c.m
	m.work++
	if m.work > m.config.MaxInstructions {
		return exceeded("hashing more than " + strconv.Itoa(m.config.MaxInstructions) + " values")
	}
	if depth > m.config.MaxNestingDepth {
		return exceeded("nesting depth exceeds " + strconv.Itoa(m.config.MaxNestingDepth))
	}

	var items []any
	switch v := x.(type) {
	case Tuple:
		items = v
	case FrozenSet:
		items = v.Items()
	case *pyList:
		if !c.once(v) {
			return nil
		}
		items = v.items
	case *pyDict:
		if !c.once(v) {
			return nil
		}
		v.d.Iter()(func(k, item any) bool {
			items = append(items, k, item)
			return true
		})
	case Set:
		if v.m == nil || !c.once(v.m) {
			return nil
		}
		items = v.Items()
	case *instance:
		items = []any{v.v}
	case Call:
		items = v.Args
	case Stateful:
		items = []any{v.Object, v.State}
	case Ref:
		items = []any{v.Pid}
	}
	for _, item := range items {
		if err := c.walk(item, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// once reports whether the mutable container p is seen for the first time.
func (c *charger) once(p any) bool {
	if c.seen == nil {
		c.seen = make(map[any]bool)
	}
	if c.seen[p] {
		return false
	}
	c.seen[p] = true
	return true
}

// ---- reconstruction through the allow-list ----

// hookArgs prepares arguments handed to a reconstruction function: list
// cells are exposed as []any, dict cells as Dict and settled objects as
// their value. The memoized tuple itself is left untouched.
func hookArgs(args Tuple) Tuple {
	out := make(Tuple, len(args))
	for i, x := range args {
		out[i] = hookArg(x)
	}
	return out
}

func hookArg(x any) any {
	switch x := x.(type) {
	case *pyList:
		return x.items
	case *pyDict:
		return x.d
	case *instance:
		return settle(x)
	}
	return x
}

// reconstruct runs one allow-listed reconstruction function on input.
//
// PolicyViolation and ResourceLimitExceeded reported by the function are
// kept; every other failure, panics included, is MalformedStream. The
// function's own *Error is never modified: it may be shared between loads.
func (m *machine) reconstruct(sym *Symbol, input any, call func() (any, error)) (v any, err error) {
	if err := m.charge(input); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			v, err = nil, errors.Errorf("panic: %v", r)
		}
		if err == nil {
			return
		}
		var e *Error
		if errors.As(err, &e) && (e.Kind == PolicyViolation || e.Kind == ResourceLimitExceeded) {
			ne := *e
			if ne.Symbol == "" {
				ne.Symbol = sym.String()
			}
			err = &ne
			return
		}
		e = malformed("reconstruction failed", err)
		e.Symbol = sym.String()
		err = e
	}()

	m.calls++
	return call()
}

// adopt turns a mapping returned by a reconstruction function into a dict
// cell so that SETITEM(S) may follow. It wraps calls inside reconstruct.
func adopt(v any, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	switch v := v.(type) {
	case map[any]any:
		d := NewDictWithSizeHint(len(v))
		for k, x := range v {
			d.Set(k, x)
		}
		return &pyDict{d: d}, nil
	case Dict:
		if v.m != nil {
			return &pyDict{d: v}, nil
		}
	}
	return v, nil
}


// ---- finishing ----

// finisher converts the machine's result into plain values: list cells
// become []any, dict cells become map[any]any or Dict, objects are unwrapped
// and globals become Class. Shared and cyclic structure is preserved.
//
// Every container is walked once and its height is remembered, so the
// nesting depth of the result is measured exactly even when the memo handed
// out a container before it grew.
type finisher struct {
	maxDepth int
	pyDict   bool
	done     map[any]*finished
}

// finished is a container already converted, or being converted when busy.
type finished struct {
	out    any
	height int
	busy   bool
}

// tupleKey identifies a tuple or a list by its backing array.
type tupleKey struct {
	p uintptr
	n int
}

func (m *machine) finish(v any) (any, error) {
	f := &finisher{
		maxDepth: m.config.MaxNestingDepth,
		pyDict:   m.config.PyDict,
		done:     make(map[any]*finished),
	}
	out, height, err := f.value(v, 0)
	if err != nil {
		return nil, err
	}
	if height > f.maxDepth {
		return nil, f.tooDeep()
	}
	return out, nil
}

func (f *finisher) tooDeep() *Error {
	return exceeded("nesting depth exceeds " + strconv.Itoa(f.maxDepth))
}

// enter returns the record for the container identified by key. A container
// met for the first time gets a busy record with out preset, and fresh is
// true.
func (f *finisher) enter(key, out any) (r *finished, fresh bool) {
	if r, ok := f.done[key]; ok {
		return r, false
	}
	r = &finished{out: out, busy: true}
	f.done[key] = r
	return r, true
}

// seen returns what is known about an entered container. A container
// still being walked is part of a cycle and adds no height.
func (r *finished) seen() (any, int, error) {
	if r.busy {
		return r.out, 0, nil
	}
	return r.out, r.height, nil
}

// items converts xv in place and returns the height they add to their
// container.
func (f *finisher) items(xv []any, depth int) (int, error) {
	height := 0
	for i := range xv {
		out, h, err := f.value(xv[i], depth+1)
		if err != nil {
			return 0, err
		}
		xv[i] = out
		height = max(height, h)
	}
	return height + 1, nil
}

func (f *finisher) value(x any, depth int) (out any, height int, err error) {
	if depth > f.maxDepth {
		return nil, 0, f.tooDeep()
	}

	switch v := x.(type) {
	case *pyList:
		items := v.items
		if items == nil {
			items = []any{}
		}
		r, fresh := f.enter(v, items)
		if !fresh {
			return r.seen()
		}
		return f.complete(r, func() (int, error) { return f.items(items, depth) })

	case []any:
		if len(v) == 0 {
			return v, 1, nil
		}
		r, fresh := f.enter(sliceKey(v), v)
		if !fresh {
			return r.seen()
		}
		return f.complete(r, func() (int, error) { return f.items(v, depth) })

	case Tuple:
		if len(v) == 0 {
			return v, 1, nil
		}
		r, fresh := f.enter(sliceKey(v), v)
		if !fresh {
			return r.seen()
		}
		return f.complete(r, func() (int, error) { return f.items(v, depth) })

	case *pyDict:
		r, fresh := f.enter(v, nil)
		if !fresh {
			return r.seen()
		}
		r.out = f.deliver(v.d)
		return f.complete(r, func() (int, error) { return f.mapping(v.d, r.out, depth) })

	case map[any]any, Dict:
		p := reflect.ValueOf(v)
		if d, ok := v.(Dict); ok {
			if d.m == nil {
				return v, 1, nil
			}
			p = reflect.ValueOf(d.m)
		}
		r, fresh := f.enter(p.UnsafePointer(), v)
		if !fresh {
			return r.seen()
		}
		return f.complete(r, func() (int, error) { return f.mapping(v, v, depth) })

	case Set:
		h, err := f.elemHeight(v.Items(), depth)
		return v, h, err

	case FrozenSet:
		h, err := f.elemHeight(v.Items(), depth)
		return v, h, err

	case *instance:
		if v.sym.NeedsState && !v.built {
			e := malformed("object was never given its state", nil)
			e.Symbol = v.sym.String()
			return nil, 0, e
		}
		return f.value(v.v, depth)

	case *Symbol:
		return v.Class(), 0, nil

	case Call:
		args, h, err := f.value(v.Args, depth+1)
		if err != nil {
			return nil, 0, err
		}
		v.Args = args.(Tuple)
		return v, h + 1, nil

	case Stateful:
		var h1, h2 int
		if v.Object, h1, err = f.value(v.Object, depth+1); err != nil {
			return nil, 0, err
		}
		if v.State, h2, err = f.value(v.State, depth+1); err != nil {
			return nil, 0, err
		}
		return v, max(h1, h2) + 1, nil

	case Ref:
		var h int
		if v.Pid, h, err = f.value(v.Pid, depth+1); err != nil {
			return nil, 0, err
		}
		return v, h + 1, nil
	}

	return x, 0, nil
}

// complete walks the children of the container recorded in r and records
// its height.
func (f *finisher) complete(r *finished, walk func() (int, error)) (any, int, error) {
	h, err := walk()
	if err != nil {
		return nil, 0, err
	}
	r.height = h
	r.busy = false
	return r.out, h, nil
}

// deliver chooses the Go type of a decoded dict. Keys are already unique
// under Python equality; map[any]any is used unless Config.PyDict is set or
// some key, a tuple for example, cannot be a Go map key.
func (f *finisher) deliver(d Dict) any {
	if f.pyDict {
		return d
	}
	m := make(map[any]any, d.Len())
	ok := true
	d.Iter()(func(k, _ any) bool {
		ok = mapTryAssign(m, k, nil)
		return ok
	})
	if !ok {
		return d
	}
	return m
}

// mapping converts the values of src, a map[any]any or Dict, and stores
// them under the same keys in dst. Keys are hashable and so already final.
func (f *finisher) mapping(src, dst any, depth int) (int, error) {
	type kv struct{ k, v any }
	var items []kv
	switch x := src.(type) {
	case map[any]any:
		for k, item := range x {
			items = append(items, kv{k, item})
		}
	case Dict:
		x.Iter()(func(k, item any) bool {
			items = append(items, kv{k, item})
			return true
		})
	}

	height := 0
	for _, it := range items {
		item, h, err := f.value(it.v, depth+1)
		if err != nil {
			return 0, err
		}
		height = max(height, h)
		switch x := dst.(type) {
		case map[any]any:
			x[it.k] = item
		case Dict:
			x.m.Set(it.k, item)
		}
	}
	return height + 1, nil
}

// elemHeight returns the height of a set. Elements are hashable, so they
// are final and only measured.
func (f *finisher) elemHeight(elems []any, depth int) (int, error) {
	height := 0
	for _, x := range elems {
		_, h, err := f.value(x, depth+1)
		if err != nil {
			return 0, err
		}
		height = max(height, h)
	}
	return height + 1, nil
}

func sliceKey(x []any) tupleKey {
	return tupleKey{p: uintptr(reflect.ValueOf(x).UnsafePointer()), n: len(x)}
}
