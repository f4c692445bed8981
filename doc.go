// Package rffickle is a deserialization firewall for Python's pickle format.
//
// A pickle is a program for a small stack machine, and some of its opcodes
// import and call arbitrary Python callables. rffickle runs that program
// without ever doing so: opcodes that only shuffle data run directly, while
// opcodes that name a symbol run only if the symbol is in an explicit
// allow-list, and then through the reconstruction function registered for it.
//
// Use a Firewall to load a pickle received from an untrusted party:
//
//	fw := rffickle.New(rffickle.StandardPolicy(), nil)
//	obj, err := fw.Load(data) // obj is any representing the Python object
//
// Load never returns a partially decoded value: it returns either the value
// or an *Error whose Kind tells why the stream was rejected:
//
//	MalformedStream        truncated or structurally invalid bytecode
//	PolicyViolation        a denied opcode, or a symbol that is not allow-listed
//	ResourceLimitExceeded  stack depth, nesting depth or instruction count exceeded
//	DependencyUnavailable  there is no policy; nothing is decoded at all
//
// The following table summarizes mapping of basic types in between Python and Go:
//
//	Python	   Go
//	------	   --
//
//	None	↔  rffickle.None
//	bool	↔  bool
//	int	↔  int64
//	int	←  int, intX, uintX
//	long	↔  *big.Int
//	float	↔  float64
//	float	←  floatX
//	list	↔  []any
//	tuple	↔  rffickle.Tuple
//	dict	↔  map[any]any, or rffickle.Dict (*)
//	set	↔  rffickle.Set
//	frozenset  ↔  rffickle.FrozenSet
//
//	str        ↔  string         (+)
//	bytes      ↔  rffickle.Bytes
//	bytearray  ↔  []byte
//
//
// # Policy
//
// A Policy classifies every opcode as permitted, gated or denied and holds the
// allow-listed symbols. NewPolicy() with no symbols admits nothing gated;
// StandardPolicy admits the audited catalog of StandardSymbols, for example:
//
//	datetime.datetime  →  time.Time
//	decimal.Decimal    →  *apd.Decimal
//	uuid.UUID          →  uuid.UUID
//
// Application types are admitted by registering a Symbol with the functions
// that rebuild them from plain data:
//
//	p, err := rffickle.NewPolicy(append(rffickle.StandardSymbols(), rffickle.Symbol{
//		Module: "myapp.models",
//		Name:   "Point",
//		Reduce: func(args rffickle.Tuple) (any, error) { ... },
//	})...)
//
// SymbolicPolicy is for streams from trusted sources that need to be looked
// at, not reconstructed: it admits everything except out-of-band buffers and
// represents classes and calls with the inert Class, Call and Stateful values.
//
// Package config builds a Policy and a Config from rffickle.toml, and package
// dispatch decides per call whether a payload goes through the firewall.
//
//
// # Pickle protocol versions
//
// Over the time the pickle stream format was evolving. The original protocol
// version 0 is human-readable with versions 1 and 2 extending the protocol in
// backward-compatible way with binary encodings for efficiency. Protocol
// version 2 is the highest protocol version that is understood by standard
// pickle module of Python2. Protocol version 3 added ways to represent Python
// bytes objects from Python3. Protocol version 4 further enhances on
// version 3 and completely switches to binary-only encoding. Protocol
// version 5 added support for out-of-band data(%). Please see
// https://docs.python.org/3/library/pickle.html#data-stream-format for details.
//
// On loading rffickle detects which protocol is being used and automatically
// handles all necessary details.
//
// The Encoder produces pickles using only permitted opcodes, so what it writes
// loads with any policy:
//
//	e := rffickle.NewEncoderWithConfig(w, &rffickle.EncoderConfig{
//		Protocol: 4,
//	})
//	err := e.Encode(obj)
//
//
// --------
//
// (+) for Python2 both str and unicode are decoded into string with Python
// str being considered as UTF-8 encoded. With Config.StrictUnicode py2 str is
// decoded into ByteString instead.
//
// (*) a dict decodes as rffickle.Dict with Config.PyDict, or when one of its
// keys, like a tuple, cannot be a Go map key.
//
// (%) out-of-band buffers are always rejected.
package rffickle
