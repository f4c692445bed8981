package rffickle

import (
	"io"
	"strconv"

	"github.com/pkg/errors"
)

// Default resource bounds.
const (
	DefaultMaxStackDepth   = 10000
	DefaultMaxNestingDepth = 1000
	DefaultMaxInstructions = 10_000_000
	DefaultMaxInputBytes   = 256 << 20
)

// Config tunes a Firewall. Zero limits take the defaults.
type Config struct {
	// MaxStackDepth bounds the number of values on the operand stack.
	MaxStackDepth int

	// MaxNestingDepth bounds container nesting and the number of open marks.
	MaxNestingDepth int

	// MaxInstructions bounds the number of executed opcodes.
	MaxInstructions int

	// MaxInputBytes bounds what LoadReader reads. Load does not consult it:
	// its caller already holds the whole buffer.
	MaxInputBytes int64

	// PyDict, when true, makes every mapping decode as Dict instead of
	// map[any]any. Keys collide as in Python either way; a mapping with a key
	// Go cannot compare, such as a tuple, is a Dict regardless.
	PyDict bool

	// StrictUnicode, when true, makes Python2 str decode as ByteString
	// instead of string.
	StrictUnicode bool

	// Reporter, if !nil, receives one Event per load.
	Reporter Reporter
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() *Config {
	c := Config{}.withDefaults()
	return &c
}

func (c Config) withDefaults() Config {
	if c.MaxStackDepth <= 0 {
		c.MaxStackDepth = DefaultMaxStackDepth
	}
	if c.MaxNestingDepth <= 0 {
		c.MaxNestingDepth = DefaultMaxNestingDepth
	}
	if c.MaxInstructions <= 0 {
		c.MaxInstructions = DefaultMaxInstructions
	}
	if c.MaxInputBytes <= 0 {
		c.MaxInputBytes = DefaultMaxInputBytes
	}
	return c
}

// Event describes the outcome of one load for the Reporter.
type Event struct {
	Kind         Kind // 0 if the load succeeded
	Bytes        int  // input size
	Instructions int  // opcodes executed
	Calls        int  // reconstruction functions invoked
	Symbolic     bool // the inspection policy was used

	// Op, Pos and Symbol locate a rejection.
	Op     Opcode
	Pos    int
	Symbol string
	Err    error
}

// OK reports whether the load succeeded.
func (ev Event) OK() bool {
	return ev.Kind == 0
}

// Reporter receives load outcomes. The firewall itself logs nothing.
//
// Report is called synchronously from Load and must be safe for concurrent use.
type Reporter interface {
	Report(Event)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Event)

func (f ReporterFunc) Report(ev Event) { f(ev) }

// Firewall decodes pickles reconstructing only what its Policy admits.
//
// A Firewall is immutable and safe for concurrent use: every Load owns its
// own stack and memo.
type Firewall struct {
	policy *Policy
	config Config
}

// New returns a firewall enforcing policy.
//
// A nil policy, or a Policy not built by NewPolicy or SymbolicPolicy, makes
// every load fail with DependencyUnavailable.
func New(policy *Policy, config *Config) *Firewall {
	var c Config
	if config != nil {
		c = *config
	}
	return &Firewall{policy: policy, config: c.withDefaults()}
}

// Policy returns the policy fw enforces.
func (fw *Firewall) Policy() *Policy {
	if fw == nil {
		return nil
	}
	return fw.policy
}

// Config returns the effective configuration of fw.
func (fw *Firewall) Config() Config {
	if fw == nil {
		return Config{}.withDefaults()
	}
	return fw.config
}

var denyAll = New(MustPolicy(), nil)

// Load decodes data with the deny-all policy and default limits: only
// scalars, strings, bytes, lists, tuples, dicts and sets are reconstructed.
func Load(data []byte) (any, error) {
	return denyAll.Load(data)
}

// Load decodes one pickle that must span all of data.
//
// It returns either the reconstructed value or an *Error; never both.
func (fw *Firewall) Load(data []byte) (any, error) {
	v, ev := fw.run(data)
	fw.report(ev)
	if ev.Err != nil {
		return nil, ev.Err
	}
	return v, nil
}

// LoadReader reads r to its end and decodes the content as Load does.
//
// Input larger than MaxInputBytes is rejected with ResourceLimitExceeded
// without reading further.
func (fw *Firewall) LoadReader(r io.Reader) (any, error) {
	limit := fw.Config().MaxInputBytes
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err == nil && int64(len(data)) > limit {
		err = exceeded("input larger than " + strconv.FormatInt(limit, 10) + " bytes")
	} else if err != nil {
		err = malformed("read", errors.WithStack(err))
	}
	if err != nil {
		ev := Event{Kind: KindOf(err), Bytes: len(data), Pos: -1, Err: err}
		fw.report(ev)
		return nil, err
	}
	return fw.Load(data)
}

func (fw *Firewall) report(ev Event) {
	if fw != nil && fw.config.Reporter != nil {
		fw.config.Reporter.Report(ev)
	}
}

// run drives the reader and the machine to completion.
func (fw *Firewall) run(data []byte) (any, Event) {
	ev := Event{Bytes: len(data), Pos: -1}

	if fw == nil || !fw.policy.available() {
		err := &Error{Kind: DependencyUnavailable, Pos: -1, Reason: "no firewall policy loaded"}
		ev.Kind, ev.Err = err.Kind, err
		return nil, ev
	}
	ev.Symbolic = fw.policy.symbolic

	m := newMachine(fw.policy, fw.config)
	r := NewReader(data)
	for m.state == Running {
		insn, err := r.Next()
		if err == io.EOF {
			err = malformed("missing STOP", io.ErrUnexpectedEOF)
			err.(*Error).Pos = r.Offset()
		}
		if err != nil {
			m.reject(insn, err)
			break
		}
		m.step(insn)
	}

	if m.state == HaltedSuccess && r.Remaining() > 0 {
		off := r.Offset()
		m.reject(Instruction{Op: Opcode(data[off]), Pos: off}, malformed("trailing data after STOP", nil))
	}

	ev.Instructions, ev.Calls = m.insns, m.calls
	if m.state != HaltedSuccess {
		e := m.err
		ev.Kind, ev.Op, ev.Pos, ev.Symbol, ev.Err = e.Kind, e.Op, e.Pos, e.Symbol, e
		return nil, ev
	}
	return m.result, ev
}
