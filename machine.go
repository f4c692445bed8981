package rffickle

import (
	"fmt"
	"strconv"
)

// MachineState is the state of one run of the stack machine.
type MachineState uint8

const (
	Running MachineState = iota
	HaltedSuccess
	HaltedRejected
)

func (s MachineState) String() string {
	switch s {
	case Running:
		return "running"
	case HaltedSuccess:
		return "halted(success)"
	case HaltedRejected:
		return "halted(rejected)"
	}
	return "MachineState(" + strconv.Itoa(int(s)) + ")"
}

// slot is one stack or memo entry: a value and the nesting depth of the
// structure it heads.
type slot struct {
	v     any
	depth int
}

// machine executes one pickle. It is used for a single Load and discarded.
type machine struct {
	policy *Policy
	config Config

	stack []slot
	marks []int // stack positions of open marks
	memo  map[uint32]slot

	state  MachineState
	result any
	err    *Error

	insns int // instructions executed
	work  int // values visited to hash keys and set elements
	calls int // reconstruction functions invoked
	proto int // protocol seen in last PROTO opcode; 0 by default
}

func newMachine(policy *Policy, config Config) *machine {
	return &machine{
		policy: policy,
		config: config,
		memo:   make(map[uint32]slot),
	}
}

// step executes one instruction. Once the machine halted, step does nothing.
func (m *machine) step(insn Instruction) {
	if m.state != Running {
		return
	}
	m.insns++
	if m.insns > m.config.MaxInstructions {
		m.reject(insn, exceeded("more than "+strconv.Itoa(m.config.MaxInstructions)+" instructions"))
		return
	}
	if err := m.exec(insn); err != nil {
		m.reject(insn, err)
	}
}

func (m *machine) reject(insn Instruction, err error) {
	m.err = locate(err, insn)
	m.result = nil
	m.state = HaltedRejected
}

func (m *machine) exec(insn Instruction) error {
	op := insn.Op
	if opcodeTable[op].class == Denied && m.policy.Decide(op, Class{}) != Admit {
		return violation("", "opcode is denied")
	}

	switch op {
	case opProto:
		m.proto = int(insn.Arg.(int64))
		return nil
	case opFrame:
		// the reader already checked the frame fits; nothing to do
		return nil
	case opStop:
		return m.stop()

	case opMark:
		return m.mark()
	case opPop:
		return m.popTop()
	case opPopMark:
		_, err := m.popToMark()
		return err
	case opDup:
		return m.dup()

	case opInt, opBinint, opBinint1, opBinint2, opLong, opLong1, opLong4, opFloat, opBinfloat:
		return m.push(insn.Arg, 0)
	case opNone:
		return m.push(None{}, 0)
	case opNewtrue:
		return m.push(true, 0)
	case opNewfalse:
		return m.push(false, 0)

	case opString, opBinstring, opShortBinstring:
		s := insn.Arg.(string)
		if m.config.StrictUnicode {
			return m.push(ByteString(s), 0)
		}
		return m.push(s, 0)
	case opUnicode, opBinunicode, opShortBinUnicode, opBinunicode8,
		opBinbytes, opShortBinbytes, opBinbytes8, opBytearray8:
		return m.push(insn.Arg, 0)

	case opEmptyList:
		return m.push(&pyList{}, 1)
	case opEmptyTuple:
		return m.push(Tuple{}, 1)
	case opEmptyDict:
		return m.push(m.newMap(0), 1)
	case opEmptySet:
		return m.push(NewSet(), 1)

	case opList:
		return m.loadList()
	case opTuple:
		return m.loadTuple()
	case opTuple1:
		return m.tupleN(1)
	case opTuple2:
		return m.tupleN(2)
	case opTuple3:
		return m.tupleN(3)
	case opDict:
		return m.loadDict()
	case opFrozenSet:
		return m.loadFrozenSet()

	case opAppend:
		return m.loadAppend()
	case opAppends:
		return m.loadAppends()
	case opSetitem:
		return m.loadSetItem()
	case opSetitems:
		return m.loadSetItems()
	case opAddItems:
		return m.loadAddItems()

	case opPut, opBinput, opLongBinput:
		return m.memoTop(uint32(insn.Arg.(int64)))
	case opMemoize:
		return m.memoTop(uint32(len(m.memo)))
	case opGet, opBinget, opLongBinget:
		return m.get(uint32(insn.Arg.(int64)))

	case opGlobal:
		return m.global(op, insn.Arg.(Class))
	case opStackGlobal:
		return m.stackGlobal()
	case opReduce:
		return m.reduce()
	case opBuild:
		return m.build()
	case opInst:
		return m.inst(insn.Arg.(Class))
	case opObj:
		return m.obj()
	case opNewobj:
		return m.newobj()
	case opNewobjEx:
		return m.newobjEx()

	case opPersid:
		return m.push(Ref{Pid: insn.Arg.(string)}, 0)
	case opBinpersid:
		return m.binPersid()
	case opExt1, opExt2, opExt4:
		return m.push(Ext{Code: insn.Arg.(int64)}, 0)
	}

	return violation("", "opcode is not supported")
}

// ---- stack ----

func (m *machine) push(v any, depth int) error {
	if len(m.stack) >= m.config.MaxStackDepth {
		return exceeded("stack depth exceeds " + strconv.Itoa(m.config.MaxStackDepth))
	}
	if depth > m.config.MaxNestingDepth {
		return exceeded("nesting depth exceeds " + strconv.Itoa(m.config.MaxNestingDepth))
	}
	m.stack = append(m.stack, slot{v: v, depth: depth})
	return nil
}

func (m *machine) pushSlot(s slot) error {
	return m.push(s.v, s.depth)
}

// pop removes the top slot. The returned error is errStackUnderflow if the
// stack is empty.
func (m *machine) pop() (slot, error) {
	n := len(m.stack) - 1
	if n < 0 {
		return slot{}, errStackUnderflow
	}
	s := m.stack[n]
	m.stack[n] = slot{}
	m.stack = m.stack[:n]
	return s, nil
}

// popUser pops a slot that is not a mark.
func (m *machine) popUser() (slot, error) {
	if n := len(m.stack); n > 0 {
		if err := userOK(m.stack[n-1].v); err != nil {
			return slot{}, err
		}
	}
	return m.pop()
}

// deepen records that s now heads a structure of the given depth.
func (m *machine) deepen(s *slot, depth int) error {
	if depth <= s.depth {
		return nil
	}
	s.depth = depth
	if depth > m.config.MaxNestingDepth {
		return exceeded("nesting depth exceeds " + strconv.Itoa(m.config.MaxNestingDepth))
	}
	return nil
}

// top returns the top slot for in-place update.
func (m *machine) top() *slot {
	return &m.stack[len(m.stack)-1]
}

func (m *machine) mark() error {
	if len(m.marks) >= m.config.MaxNestingDepth {
		return exceeded("more than " + strconv.Itoa(m.config.MaxNestingDepth) + " open marks")
	}
	if err := m.push(mark{}, 0); err != nil {
		return err
	}
	m.marks = append(m.marks, len(m.stack)-1)
	return nil
}

// popToMark removes the topmost mark and everything above it, and returns
// what was above. The result aliases the stack and is valid until the next push.
func (m *machine) popToMark() ([]slot, error) {
	n := len(m.marks)
	if n == 0 {
		return nil, errNoMarker
	}
	k := m.marks[n-1]
	m.marks = m.marks[:n-1]
	items := m.stack[k+1:]
	m.stack = m.stack[:k]
	return items, nil
}

// popTop discards the top value; a mark on top is closed.
func (m *machine) popTop() error {
	s, err := m.pop()
	if err != nil {
		return err
	}
	if _, isMark := s.v.(mark); isMark {
		m.marks = m.marks[:len(m.marks)-1]
	}
	return nil
}

// Duplicate the top stack item
func (m *machine) dup() error {
	if len(m.stack) < 1 {
		return errStackUnderflow
	}
	s := *m.top()
	if err := userOK(s.v); err != nil {
		return err
	}
	return m.pushSlot(s)
}

func (m *machine) stop() error {
	switch len(m.stack) {
	case 0:
		return errStackUnderflow
	case 1:
	default:
		return malformed(fmt.Sprintf("STOP with %d values on the stack", len(m.stack)), nil)
	}
	s, err := m.popUser()
	if err != nil {
		return err
	}
	v, err := m.finish(s.v)
	if err != nil {
		return err
	}
	m.result = v
	m.state = HaltedSuccess
	return nil
}

// ---- memo ----

// memoTop puts top of the stack into memo[idx]; the stack is not changed.
//
// Every memo index is written at most once.
func (m *machine) memoTop(idx uint32) error {
	if len(m.stack) < 1 {
		return errStackUnderflow
	}
	s := *m.top()
	if err := userOK(s.v); err != nil {
		return err
	}
	if _, dup := m.memo[idx]; dup {
		return malformed("memo index "+strconv.FormatUint(uint64(idx), 10)+" written twice", nil)
	}
	m.memo[idx] = s
	return nil
}

func (m *machine) get(idx uint32) error {
	s, ok := m.memo[idx]
	if !ok {
		return malformed("memo index "+strconv.FormatUint(uint64(idx), 10)+" is not set", nil)
	}
	return m.pushSlot(s)
}

// ---- containers ----

func (m *machine) loadList() error {
	items, err := m.popToMark()
	if err != nil {
		return err
	}
	return m.pushSlot(m.list(items))
}

func (m *machine) loadTuple() error {
	items, err := m.popToMark()
	if err != nil {
		return err
	}
	return m.pushSlot(m.tuple(items))
}

// tupleN creates tuple from top n stack objects.
// it serves TUPLE{1,2,3} opcode handlers.
func (m *machine) tupleN(n int) error {
	if len(m.stack) < n {
		return errStackUnderflow
	}
	k := len(m.stack) - n
	for _, s := range m.stack[k:] {
		if err := userOK(s.v); err != nil {
			return err
		}
	}
	t := m.tuple(m.stack[k:])
	m.stack = m.stack[:k]
	return m.pushSlot(t)
}

func (m *machine) loadDict() error {
	items, err := m.popToMark()
	if err != nil {
		return err
	}
	d := m.newMap(len(items) / 2)
	if err := m.assignItems(d, items); err != nil {
		return err
	}
	return m.push(d, maxDepth(items)+1)
}

func (m *machine) loadFrozenSet() error {
	items, err := m.popToMark()
	if err != nil {
		return err
	}
	elems := make([]any, len(items))
	for i, s := range items {
		if elems[i], err = m.setElement(s.v); err != nil {
			return err
		}
	}
	return m.push(NewFrozenSet(elems...), maxDepth(items)+1)
}

func (m *machine) loadAppend() error {
	if len(m.stack) < 2 {
		return errStackUnderflow
	}
	v, err := m.popUser()
	if err != nil {
		return err
	}
	ls := m.top()
	l, ok := ls.v.(*pyList)
	if !ok {
		return malformed("APPEND to "+typeName(ls.v), nil)
	}
	l.items = append(l.items, v.v)
	return m.deepen(ls, v.depth+1)
}

// containerBelowMark closes the topmost mark and returns the items above it
// together with the slot just below the mark.
func (m *machine) containerBelowMark() (*slot, []slot, error) {
	if n := len(m.marks); n == 0 || m.marks[n-1] < 1 {
		if n == 0 {
			return nil, nil, errNoMarker
		}
		return nil, nil, errStackUnderflow
	}
	items, err := m.popToMark()
	if err != nil {
		return nil, nil, err
	}
	target := m.top()
	if err := userOK(target.v); err != nil {
		return nil, nil, err
	}
	return target, items, nil
}

func (m *machine) loadAppends() error {
	ls, items, err := m.containerBelowMark()
	if err != nil {
		return err
	}
	l, ok := ls.v.(*pyList)
	if !ok {
		return malformed("APPENDS to "+typeName(ls.v), nil)
	}
	for _, s := range items {
		l.items = append(l.items, s.v)
	}
	return m.deepen(ls, maxDepth(items)+1)
}

func (m *machine) loadSetItem() error {
	if len(m.stack) < 3 {
		return errStackUnderflow
	}
	v, err := m.popUser()
	if err != nil {
		return err
	}
	k, err := m.popUser()
	if err != nil {
		return err
	}
	ds := m.top()
	if err := m.assign(ds.v, k.v, v.v); err != nil {
		return err
	}
	return m.deepen(ds, max(k.depth, v.depth)+1)
}

func (m *machine) loadSetItems() error {
	ds, items, err := m.containerBelowMark()
	if err != nil {
		return err
	}
	if err := m.assignItems(ds.v, items); err != nil {
		return err
	}
	return m.deepen(ds, maxDepth(items)+1)
}

func (m *machine) loadAddItems() error {
	ss, items, err := m.containerBelowMark()
	if err != nil {
		return err
	}
	set, ok := ss.v.(Set)
	if !ok || set.m == nil {
		return malformed("ADDITEMS to "+typeName(ss.v), nil)
	}
	for _, s := range items {
		x, err := m.setElement(s.v)
		if err != nil {
			return err
		}
		set.Add(x)
	}
	return m.deepen(ss, maxDepth(items)+1)
}

// ---- gated opcodes ----

// resolve looks name up in the allow-list on behalf of op.
func (m *machine) resolve(op Opcode, name Class) (*Symbol, error) {
	if m.policy.Decide(op, name) != Admit {
		if m.policy.lookup(name) == nil {
			return nil, violation(name.String(), "symbol is not allow-listed")
		}
		return nil, violation(name.String(), "symbol has no reconstruction for "+op.String())
	}
	return m.policy.lookup(name), nil
}

// callable checks that x, the callable operand of op, is an allow-listed
// global admitted for op.
func (m *machine) callable(op Opcode, x any) (*Symbol, error) {
	sym, ok := x.(*Symbol)
	if !ok {
		return nil, malformed(op.String()+": callable is "+typeName(x)+", not a global", nil)
	}
	return m.resolve(op, sym.Class())
}

// symbolicCallable returns the Class a symbolic run pushed for a global.
func symbolicCallable(op Opcode, x any) (Class, error) {
	class, ok := x.(Class)
	if !ok {
		return Class{}, malformed(op.String()+": callable is "+typeName(x)+", not a global", nil)
	}
	return class, nil
}

func (m *machine) global(op Opcode, name Class) error {
	if m.policy.symbolic {
		return m.push(name, 0)
	}
	sym, err := m.resolve(op, name)
	if err != nil {
		return err
	}
	return m.push(sym, 0)
}

func (m *machine) stackGlobal() error {
	if len(m.stack) < 2 {
		return errStackUnderflow
	}
	xname, err := m.popUser()
	if err != nil {
		return err
	}
	xmodule, err := m.popUser()
	if err != nil {
		return err
	}

	name, ok := xname.v.(string)
	if !ok {
		return malformed("STACK_GLOBAL: invalid name: "+typeName(xname.v), nil)
	}
	module, ok := xmodule.v.(string)
	if !ok {
		return malformed("STACK_GLOBAL: invalid module: "+typeName(xmodule.v), nil)
	}
	return m.global(opStackGlobal, Class{Module: module, Name: name})
}

// popArgs pops the argument tuple of REDUCE or NEWOBJ.
func (m *machine) popArgs(op Opcode) (slot, error) {
	as, err := m.popUser()
	if err != nil {
		return slot{}, err
	}
	if _, ok := as.v.(Tuple); !ok {
		return slot{}, malformed(op.String()+": args is "+typeName(as.v)+", not a tuple", nil)
	}
	return as, nil
}

func (m *machine) reduce() error {
	if len(m.stack) < 2 {
		return errStackUnderflow
	}
	as, err := m.popArgs(opReduce)
	if err != nil {
		return err
	}
	cs, err := m.popUser()
	if err != nil {
		return err
	}
	args := as.v.(Tuple)

	if m.policy.symbolic {
		class, err := symbolicCallable(opReduce, cs.v)
		if err != nil {
			return err
		}
		return m.push(Call{Callable: class, Args: args}, as.depth+1)
	}

	sym, err := m.callable(opReduce, cs.v)
	if err != nil {
		return err
	}
	v, err := m.reconstruct(sym, args, func() (any, error) { return adopt(sym.Reduce(hookArgs(args))) })
	if err != nil {
		return err
	}
	return m.push(v, as.depth)
}

// callMarked reconstructs sym from mark-delimited arguments; it serves INST and OBJ.
func (m *machine) callMarked(op Opcode, class Class, sym *Symbol, items []slot) error {
	args := m.tuple(items)
	if m.policy.symbolic {
		return m.push(Call{Callable: class, Args: args.v.(Tuple)}, args.depth)
	}
	v, err := m.reconstruct(sym, args.v, func() (any, error) { return adopt(sym.Reduce(hookArgs(args.v.(Tuple)))) })
	if err != nil {
		return err
	}
	return m.push(v, args.depth-1)
}

func (m *machine) inst(class Class) error {
	var sym *Symbol
	if !m.policy.symbolic {
		var err error
		if sym, err = m.resolve(opInst, class); err != nil {
			return err
		}
	}
	items, err := m.popToMark()
	if err != nil {
		return err
	}
	return m.callMarked(opInst, class, sym, items)
}

func (m *machine) obj() error {
	items, err := m.popToMark()
	if err != nil {
		return err
	}
	if len(items) < 1 {
		return errStackUnderflow
	}
	cls := items[0].v

	if m.policy.symbolic {
		class, err := symbolicCallable(opObj, cls)
		if err != nil {
			return err
		}
		return m.callMarked(opObj, class, nil, items[1:])
	}
	sym, err := m.callable(opObj, cls)
	if err != nil {
		return err
	}
	return m.callMarked(opObj, sym.Class(), sym, items[1:])
}

// construct runs sym.New and pushes the object, wrapped when BUILD may follow.
// Only an object that is not wrapped is adopted: Build sees what New made.
func (m *machine) construct(op Opcode, sym *Symbol, args slot) error {
	if sym.Build != nil {
		v, err := m.reconstruct(sym, args.v, func() (any, error) { return sym.New(hookArgs(args.v.(Tuple))) })
		if err != nil {
			return err
		}
		return m.push(&instance{sym: sym, v: v}, args.depth)
	}
	v, err := m.reconstruct(sym, args.v, func() (any, error) { return adopt(sym.New(hookArgs(args.v.(Tuple)))) })
	if err != nil {
		return err
	}
	return m.push(v, args.depth)
}

func (m *machine) newobj() error {
	if len(m.stack) < 2 {
		return errStackUnderflow
	}
	as, err := m.popArgs(opNewobj)
	if err != nil {
		return err
	}
	cs, err := m.popUser()
	if err != nil {
		return err
	}

	if m.policy.symbolic {
		class, err := symbolicCallable(opNewobj, cs.v)
		if err != nil {
			return err
		}
		return m.push(Call{Callable: class, Args: as.v.(Tuple)}, as.depth+1)
	}
	sym, err := m.callable(opNewobj, cs.v)
	if err != nil {
		return err
	}
	return m.construct(opNewobj, sym, as)
}

// kwargsLen returns the number of keyword arguments of NEWOBJ_EX.
func kwargsLen(x any) (int, bool) {
	if d, ok := x.(*pyDict); ok {
		return d.d.Len(), true
	}
	return 0, false
}

func (m *machine) newobjEx() error {
	if len(m.stack) < 3 {
		return errStackUnderflow
	}
	kws, err := m.popUser()
	if err != nil {
		return err
	}
	as, err := m.popArgs(opNewobjEx)
	if err != nil {
		return err
	}
	cs, err := m.popUser()
	if err != nil {
		return err
	}
	nkw, ok := kwargsLen(kws.v)
	if !ok {
		return malformed("NEWOBJ_EX: kwargs is "+typeName(kws.v)+", not a dict", nil)
	}

	if m.policy.symbolic {
		class, err := symbolicCallable(opNewobjEx, cs.v)
		if err != nil {
			return err
		}
		args := as.v.(Tuple)
		if nkw > 0 {
			args = append(append(Tuple{}, args...), kws.v)
		}
		return m.push(Call{Callable: class, Args: args}, max(as.depth, kws.depth)+1)
	}
	sym, err := m.callable(opNewobjEx, cs.v)
	if err != nil {
		return err
	}
	if nkw > 0 {
		return violation(sym.String(), "keyword arguments are not supported")
	}
	return m.construct(opNewobjEx, sym, as)
}

func (m *machine) build() error {
	if len(m.stack) < 2 {
		return errStackUnderflow
	}
	ss, err := m.popUser()
	if err != nil {
		return err
	}
	obj := m.top()
	if err := userOK(obj.v); err != nil {
		return err
	}

	if m.policy.symbolic {
		obj.v = Stateful{Object: obj.v, State: ss.v}
		return m.deepen(obj, max(obj.depth, ss.depth)+1)
	}

	o, ok := obj.v.(*instance)
	if !ok {
		// only objects made by an allow-listed New accept state
		if sym, isSym := obj.v.(*Symbol); isSym {
			return violation(sym.String(), "BUILD on a global")
		}
		return violation("", "BUILD on "+typeName(obj.v))
	}
	sym, err := m.resolve(opBuild, o.sym.Class())
	if err != nil {
		return err
	}
	state := hookArg(ss.v)
	v, err := m.reconstruct(sym, ss.v, func() (any, error) { return sym.Build(o.v, state) })
	if err != nil {
		return err
	}
	o.v = v
	o.built = true
	return m.deepen(obj, ss.depth+1)
}

func (m *machine) binPersid() error {
	pid, err := m.popUser()
	if err != nil {
		return err
	}
	return m.push(Ref{Pid: pid.v}, pid.depth+1)
}
