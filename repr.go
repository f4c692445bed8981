package rffickle

import (
	"fmt"
	"math"
	"math/big"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// FormatLimit bounds the length of what Format returns. A value that shares
// structure may render exponentially longer than the pickle it came from.
const FormatLimit = 1 << 20

// Format renders a loaded value in Python notation.
//
// Unlike fmt, Format terminates on cyclic values: a list or mapping that
// contains itself is printed as [...] or {...} at the point of recursion.
// Mapping items and set elements are sorted to keep the output stable.
// Output longer than FormatLimit is cut and ends with "...".
func Format(v any) string {
	left := FormatLimit
	p := &printer{active: make(map[uintptr]bool), left: &left}
	p.value(v)
	if left < 0 {
		p.b.WriteString("...")
	}
	return p.b.String()
}

type printer struct {
	b      strings.Builder
	active map[uintptr]bool // containers being printed
	left   *int             // output budget shared with sub printers
}

// write appends s and charges it to the budget.
func (p *printer) write(s string) {
	*p.left -= len(s)
	p.b.WriteString(s)
}

// enter marks the container at ptr as being printed. It returns false when
// ptr is already on the path, i.e. on a cycle.
func (p *printer) enter(ptr uintptr) bool {
	if ptr == 0 {
		return true
	}
	if p.active[ptr] {
		return false
	}
	p.active[ptr] = true
	return true
}

func (p *printer) leave(ptr uintptr) {
	delete(p.active, ptr)
}

func pointerOf(x any) uintptr {
	rv := reflect.ValueOf(x)
	switch rv.Kind() {
	case reflect.Slice:
		if rv.Len() == 0 {
			return 0
		}
		return uintptr(rv.UnsafePointer())
	case reflect.Map, reflect.Ptr:
		return uintptr(rv.UnsafePointer())
	}
	return 0
}

func (p *printer) value(x any) {
	if *p.left < 0 {
		return
	}
	if *p.left == 0 {
		*p.left = -1
		return
	}
	switch v := x.(type) {
	case nil, None:
		p.write("None")
	case bool:
		if v {
			p.write("True")
		} else {
			p.write("False")
		}
	case int64:
		p.write(strconv.FormatInt(v, 10))
	case *big.Int:
		p.write(v.String())
	case float64:
		p.write(formatFloat(v))
	case complex128:
		p.write(fmt.Sprintf("(%s%+gj)", formatFloat(real(v)), imag(v)))
	case string:
		p.write(pyquote(v))
	case ByteString:
		p.write(pyquote(string(v)))
	case Bytes:
		p.write("b" + pyquote(string(v)))
	case []byte:
		p.write("bytearray(b" + pyquote(string(v)) + ")")

	case []any:
		ptr := pointerOf(v)
		if !p.enter(ptr) {
			p.write("[...]")
			return
		}
		defer p.leave(ptr)
		p.write("[")
		p.items(v)
		p.write("]")

	case Tuple:
		ptr := pointerOf(v)
		if !p.enter(ptr) {
			p.write("(...)")
			return
		}
		defer p.leave(ptr)
		p.write("(")
		p.items(v)
		if len(v) == 1 {
			p.write(",")
		}
		p.write(")")

	case map[any]any:
		ptr := pointerOf(v)
		if !p.enter(ptr) {
			p.write("{...}")
			return
		}
		defer p.leave(ptr)
		kv := make([][2]any, 0, len(v))
		for k, item := range v {
			kv = append(kv, [2]any{k, item})
		}
		p.mapping(kv)

	case Dict:
		ptr := pointerOf(v.m)
		if !p.enter(ptr) {
			p.write("{...}")
			return
		}
		defer p.leave(ptr)
		kv := make([][2]any, 0, v.Len())
		v.Iter()(func(k, item any) bool {
			kv = append(kv, [2]any{k, item})
			return true
		})
		p.mapping(kv)

	case Set:
		if v.Len() == 0 {
			p.write("set()")
			return
		}
		p.write("{")
		p.sorted(v.Items())
		p.write("}")
	case FrozenSet:
		p.write("frozenset(")
		if v.Len() > 0 {
			p.write("{")
			p.sorted(v.Items())
			p.write("}")
		}
		p.write(")")

	case Class:
		p.write(v.String())
	case Call:
		p.write(v.Callable.String())
		p.write("(")
		p.items(v.Args)
		p.write(")")
	case Stateful:
		p.write("<")
		p.value(v.Object)
		p.write(" with state ")
		p.value(v.State)
		p.write(">")
	case Ref:
		p.write("persistent(")
		p.value(v.Pid)
		p.write(")")
	case Ext:
		p.write(fmt.Sprintf("extension(%d)", v.Code))

	case fmt.Stringer:
		p.write(v.String())
	default:
		p.write(fmt.Sprintf("%v", v))
	}
}

func (p *printer) items(v []any) {
	for i, x := range v {
		if *p.left < 0 {
			return
		}
		if i > 0 {
			p.write(", ")
		}
		p.value(x)
	}
}

// sorted prints elements ordered by their rendering.
func (p *printer) sorted(v []any) {
	sv := make([]string, 0, len(v))
	for _, x := range v {
		if *p.left < 0 {
			break
		}
		sv = append(sv, p.sub(x))
	}
	sort.Strings(sv)
	p.b.WriteString(strings.Join(sv, ", ")) // already charged by sub
}

func (p *printer) mapping(kv [][2]any) {
	sv := make([]string, 0, len(kv))
	for _, it := range kv {
		if *p.left < 0 {
			break
		}
		sv = append(sv, p.sub(it[0])+": "+p.sub(it[1]))
	}
	sort.Strings(sv)
	p.write("{")
	p.b.WriteString(strings.Join(sv, ", ")) // already charged by sub
	p.write("}")
}

// sub renders x separately, sharing the cycle state and budget of p.
func (p *printer) sub(x any) string {
	q := &printer{active: p.active, left: p.left}
	q.value(x)
	return q.b.String()
}

// formatFloat renders f the way Python's repr does for common values.
func formatFloat(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		return "nan"
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".en") {
		s += ".0"
	}
	return s
}
