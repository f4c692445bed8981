package rffickle

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Kind classifies why Load rejected a stream.
type Kind int

const (
	// MalformedStream: truncated, out-of-range or structurally invalid bytecode.
	MalformedStream Kind = iota + 1
	// PolicyViolation: a well-formed instruction that the policy does not admit.
	PolicyViolation
	// ResourceLimitExceeded: stack depth, nesting depth or instruction count bound exceeded.
	ResourceLimitExceeded
	// DependencyUnavailable: no usable policy, so nothing may be decoded.
	DependencyUnavailable
)

func (k Kind) String() string {
	switch k {
	case MalformedStream:
		return "MalformedStream"
	case PolicyViolation:
		return "PolicyViolation"
	case ResourceLimitExceeded:
		return "ResourceLimitExceeded"
	case DependencyUnavailable:
		return "DependencyUnavailable"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Sentinels to match an *Error by kind with errors.Is.
var (
	ErrMalformedStream       = errors.New("pickle: malformed stream")
	ErrPolicyViolation       = errors.New("pickle: policy violation")
	ErrResourceLimit         = errors.New("pickle: resource limit exceeded")
	ErrDependencyUnavailable = errors.New("pickle: firewall policy unavailable")
)

// ErrInvalidPickleVersion is the cause of a rejection for PROTO > 5.
var ErrInvalidPickleVersion = errors.New("invalid pickle version")

var (
	errNoMarker       = errors.New("no marker in stack")
	errNoMarkUse      = errors.New("MARK object cannot be exposed")
	errStackUnderflow = errors.New("stack underflow")
)

func (k Kind) sentinel() error {
	switch k {
	case MalformedStream:
		return ErrMalformedStream
	case PolicyViolation:
		return ErrPolicyViolation
	case ResourceLimitExceeded:
		return ErrResourceLimit
	case DependencyUnavailable:
		return ErrDependencyUnavailable
	}
	return nil
}

// Error is the rejection returned by Load.
//
// Op and Pos locate the offending instruction; Symbol is set when the
// instruction referenced a module-qualified name.
type Error struct {
	Kind   Kind
	Op     Opcode
	Pos    int // -1 if the rejection is not tied to an instruction
	Symbol string
	Reason string
	Err    error // underlying cause, if any
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("pickle: ")
	b.WriteString(e.Kind.String())
	if e.Pos >= 0 {
		fmt.Fprintf(&b, " at %d (%s)", e.Pos, e.Op)
	}
	if e.Symbol != "" {
		fmt.Fprintf(&b, " symbol %s", e.Symbol)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel of e's kind.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// KindOf returns the Kind of a rejection, or 0 if err is not one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func malformed(reason string, cause error) *Error {
	return &Error{Kind: MalformedStream, Pos: -1, Reason: reason, Err: cause}
}

func violation(symbol, reason string) *Error {
	return &Error{Kind: PolicyViolation, Pos: -1, Symbol: symbol, Reason: reason}
}

func exceeded(reason string) *Error {
	return &Error{Kind: ResourceLimitExceeded, Pos: -1, Reason: reason}
}

// locate returns err with the instruction position filled in unless it
// already has one. err itself is not modified. Errors that are not *Error
// become MalformedStream.
func locate(err error, insn Instruction) *Error {
	var e *Error
	if !errors.As(err, &e) {
		e = malformed("", err)
	}
	ne := *e
	if ne.Pos < 0 {
		ne.Pos = insn.Pos
		ne.Op = insn.Op
	}
	return &ne
}
