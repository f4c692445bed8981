package rffickle

import (
	"sort"

	"github.com/pkg/errors"
)

// Symbol binds one module-qualified name to its audited reconstruction functions.
//
// Reduce serves REDUCE, INST and OBJ. New serves NEWOBJ and NEWOBJ_EX and
// produces an object that a later BUILD may complete with Build. A symbol
// with NeedsState set is only valid once BUILD ran on it.
//
// Reconstruction functions receive finished argument values, with dicts as
// Dict, use AsMapping to read them, and must not
// perform I/O or keep references to their arguments beyond the returned value.
type Symbol struct {
	Module, Name string

	Reduce func(args Tuple) (any, error)
	New    func(args Tuple) (any, error)
	Build  func(obj, state any) (any, error)

	NeedsState bool
}

// Class returns the qualified name of s.
func (s *Symbol) Class() Class {
	return Class{Module: s.Module, Name: s.Name}
}

func (s *Symbol) String() string {
	return s.Module + "." + s.Name
}

// Decision is the outcome of consulting a Policy. The zero value denies.
type Decision uint8

const (
	Deny Decision = iota
	Admit
)

func (d Decision) String() string {
	if d == Admit {
		return "admit"
	}
	return "deny"
}

// OpcodeRule is one row of the opcode table.
type OpcodeRule struct {
	Op    Opcode
	Name  string
	Proto int
	Class OpcodeClass
}

// Policy is the immutable table the firewall consults before every gated
// instruction: a classification of every opcode plus the allow-listed symbols.
//
// A Policy is safe for concurrent use. The zero value is not usable: Load
// with it fails with DependencyUnavailable.
type Policy struct {
	sealed   bool
	symbolic bool
	symbols  map[Class]*Symbol
	names    []Class
}

// NewPolicy builds a policy that admits exactly the given symbols.
//
// NewPolicy() with no symbols denies every gated opcode. A symbol with an
// empty module or name, without any reconstruction function, or appearing
// twice is an error.
func NewPolicy(symbols ...Symbol) (*Policy, error) {
	p := &Policy{
		sealed:  true,
		symbols: make(map[Class]*Symbol, len(symbols)),
	}
	for i := range symbols {
		sym := symbols[i] // copy: the table must not alias caller memory
		if sym.Module == "" || sym.Name == "" {
			return nil, errors.Errorf("policy: symbol %q: empty module or name", sym.String())
		}
		if sym.Reduce == nil && sym.New == nil {
			return nil, errors.Errorf("policy: symbol %s: no reconstruction function", sym.String())
		}
		if sym.Build != nil && sym.New == nil {
			return nil, errors.Errorf("policy: symbol %s: Build without New", sym.String())
		}
		if sym.NeedsState && sym.Build == nil {
			return nil, errors.Errorf("policy: symbol %s: NeedsState without Build", sym.String())
		}
		c := sym.Class()
		if _, dup := p.symbols[c]; dup {
			return nil, errors.Errorf("policy: symbol %s: duplicate", c)
		}
		p.symbols[c] = &sym
		p.names = append(p.names, c)
	}
	sort.Slice(p.names, func(i, j int) bool {
		return p.names[i].String() < p.names[j].String()
	})
	return p, nil
}

// MustPolicy is like NewPolicy but panics on error.
func MustPolicy(symbols ...Symbol) *Policy {
	p, err := NewPolicy(symbols...)
	if err != nil {
		panic(err)
	}
	return p
}

// SymbolicPolicy returns a policy for inspecting streams from trusted sources.
//
// It admits gated, persistent-id and extension opcodes but executes nothing:
// globals load as Class, calls as Call, BUILD as Stateful, persistent ids as
// Ref and extension codes as Ext. Out-of-band buffers stay rejected.
func SymbolicPolicy() *Policy {
	return &Policy{sealed: true, symbolic: true}
}

// available reports whether p was built by a constructor.
func (p *Policy) available() bool {
	return p != nil && p.sealed
}

// Symbolic reports whether p is the inspection policy.
func (p *Policy) Symbolic() bool {
	return p.available() && p.symbolic
}

// lookup returns the allow-listed symbol for name, or nil.
func (p *Policy) lookup(name Class) *Symbol {
	if !p.available() {
		return nil
	}
	return p.symbols[name]
}

// Decide tells whether op may run when it refers to the symbol name.
// name is ignored for opcodes that do not refer to a symbol.
//
// Decide is a pure function of its arguments and the table.
func (p *Policy) Decide(op Opcode, name Class) Decision {
	if !p.available() {
		return Deny
	}

	switch opcodeTable[op].class {
	case Permitted:
		return Admit

	case Denied:
		if p.symbolic && op != opNextBuffer && op != opReadOnlyBuffer {
			return Admit
		}
		return Deny

	case Gated:
		if p.symbolic {
			return Admit
		}
		sym := p.symbols[name]
		if sym == nil {
			return Deny
		}
		var ok bool
		switch op {
		case opGlobal, opStackGlobal:
			ok = true
		case opReduce, opInst, opObj:
			ok = sym.Reduce != nil
		case opNewobj, opNewobjEx:
			ok = sym.New != nil
		case opBuild:
			ok = sym.Build != nil
		}
		if ok {
			return Admit
		}
	}

	return Deny
}

// Opcodes enumerates the opcode table in byte order.
func (p *Policy) Opcodes() []OpcodeRule {
	var rules []OpcodeRule
	for i := range opcodeTable {
		info := &opcodeTable[i]
		if info.class == Unknown {
			continue
		}
		rules = append(rules, OpcodeRule{Op: Opcode(i), Name: info.name, Proto: info.proto, Class: info.class})
	}
	return rules
}

// Symbols enumerates the allow-listed symbols sorted by qualified name.
func (p *Policy) Symbols() []Class {
	if !p.available() {
		return nil
	}
	return append([]Class(nil), p.names...)
}
