package rffickle

import "fmt"

// Opcode is one pickle instruction byte.
type Opcode byte

// Opcodes
const (
	// Protocol 0

	opMark    Opcode = '(' // push special markobject on stack
	opStop    Opcode = '.' // every pickle ends with STOP
	opPop     Opcode = '0' // discard topmost stack item
	opDup     Opcode = '2' // duplicate top stack item
	opFloat   Opcode = 'F' // push float object; decimal string argument
	opInt     Opcode = 'I' // push integer or bool; decimal string argument
	opLong    Opcode = 'L' // push long; decimal string argument
	opNone    Opcode = 'N' // push None
	opPersid  Opcode = 'P' // push persistent object; id is taken from string arg
	opReduce  Opcode = 'R' // apply callable to argtuple, both on stack
	opString  Opcode = 'S' // push string; NL-terminated string argument
	opUnicode Opcode = 'V' // push Unicode string; raw-unicode-escaped argument
	opAppend  Opcode = 'a' // append stack top to list below it
	opBuild   Opcode = 'b' // call __setstate__ or __dict__.update()
	opGlobal  Opcode = 'c' // push self.find_class(modname, name); 2 string args
	opDict    Opcode = 'd' // build a dict from stack items
	opGet     Opcode = 'g' // push item from memo on stack; index is string arg
	opInst    Opcode = 'i' // build & push class instance
	opList    Opcode = 'l' // build list from topmost stack items
	opPut     Opcode = 'p' // store stack top in memo; index is string arg
	opSetitem Opcode = 's' // add key+value pair to dict
	opTuple   Opcode = 't' // build tuple from topmost stack items

	// Protocol 1

	opPopMark        Opcode = '1' // discard stack top through topmost markobject
	opBinint         Opcode = 'J' // push four-byte signed int
	opBinint1        Opcode = 'K' // push 1-byte unsigned int
	opBinint2        Opcode = 'M' // push 2-byte unsigned int
	opBinpersid      Opcode = 'Q' // push persistent object; id is taken from stack
	opBinstring      Opcode = 'T' // push string; counted binary string argument
	opShortBinstring Opcode = 'U' //  "     "   ;    "      "       "      " < 256 bytes
	opBinunicode     Opcode = 'X' // push Unicode string; counted UTF-8 string argument
	opAppends        Opcode = 'e' // extend list on stack by topmost stack slice
	opBinget         Opcode = 'h' // push item from memo on stack; index is 1-byte arg
	opLongBinget     Opcode = 'j' //  "    "    "    "    "   "  ;   "    " 4-byte arg
	opEmptyList      Opcode = ']' // push empty list
	opEmptyTuple     Opcode = ')' // push empty tuple
	opEmptyDict      Opcode = '}' // push empty dict
	opObj            Opcode = 'o' // build & push class instance
	opBinput         Opcode = 'q' // store stack top in memo; index is 1-byte arg
	opLongBinput     Opcode = 'r' //   "     "    "   "   " ;   "    " 4-byte arg
	opSetitems       Opcode = 'u' // modify dict by adding topmost key+value pairs
	opBinfloat       Opcode = 'G' // push float; arg is 8-byte float encoding

	// Protocol 2

	opProto    Opcode = '\x80' // identify pickle protocol
	opNewobj   Opcode = '\x81' // build object by applying cls.__new__ to argtuple
	opExt1     Opcode = '\x82' // push object from extension registry; 1-byte index
	opExt2     Opcode = '\x83' // ditto, but 2-byte index
	opExt4     Opcode = '\x84' // ditto, but 4-byte index
	opTuple1   Opcode = '\x85' // build 1-tuple from stack top
	opTuple2   Opcode = '\x86' // build 2-tuple from two topmost stack items
	opTuple3   Opcode = '\x87' // build 3-tuple from three topmost stack items
	opNewtrue  Opcode = '\x88' // push True
	opNewfalse Opcode = '\x89' // push False
	opLong1    Opcode = '\x8a' // push long from < 256 bytes
	opLong4    Opcode = '\x8b' // push really big long

	// Protocol 3

	opBinbytes      Opcode = 'B' // push a Python bytes object (len ule32; [len]data)
	opShortBinbytes Opcode = 'C' //  "     "      "      "     (len ule8; [len]data)

	// Protocol 4

	opShortBinUnicode Opcode = '\x8c' // push short string; UTF-8 length < 256 bytes
	opBinunicode8     Opcode = '\x8d' // push Unicode string (len ule64; [len]data)
	opBinbytes8       Opcode = '\x8e' // push a Python bytes object (len ule64; [len]data)
	opEmptySet        Opcode = '\x8f' // push empty set
	opAddItems        Opcode = '\x90' // add items to existing set
	opFrozenSet       Opcode = '\x91' // build a frozenset out of mark..top
	opNewobjEx        Opcode = '\x92' // build object: cls argv kw -> cls.__new__(*argv, **kw)
	opStackGlobal     Opcode = '\x93' // same as GLOBAL but using names on the stacks
	opMemoize         Opcode = '\x94' // store top of the stack in memo
	opFrame           Opcode = '\x95' // indicate the beginning of a new frame

	// Protocol 5

	opBytearray8     Opcode = '\x96' // push a Python bytearray object (len ule64; [len]data)
	opNextBuffer     Opcode = '\x97' // push next out-of-band buffer
	opReadOnlyBuffer Opcode = '\x98' // turn out-of-band buffer at stack top to be read-only
)

const highestProtocol = 5

// argKind says how the operand of an opcode is laid out in the stream.
type argKind uint8

const (
	argNone        argKind = iota
	argUint1               // 1 byte
	argUint2               // 2 bytes little endian
	argInt4                // 4 bytes little endian, signed
	argUint4               // 4 bytes little endian
	argUint8               // 8 bytes little endian
	argFloat8              // 8 bytes big endian IEEE 754
	argDecimalInt          // decimal line; 00/01 are bools
	argDecimalLong         // decimal line with trailing L
	argFloatLine           // float line
	argMemoLine            // decimal memo index line
	argQuoted              // quoted string-escape line
	argRawUnicode          // raw-unicode-escape line
	argLine                // raw line
	argTwoLines            // module line + name line
	argLong1               // uint1 length + two's complement bytes
	argLong4               // int4 length + two's complement bytes
	argString1             // uint1 length + data
	argString4             // int4 length + data
	argBytes4              // uint4 length + data
	argBytes8              // uint8 length + data
)

// OpcodeClass is the policy treatment of an opcode.
type OpcodeClass uint8

const (
	// Unknown bytes are not opcodes at all.
	Unknown OpcodeClass = iota
	// Permitted opcodes only manipulate stack, memo and containers.
	Permitted
	// Gated opcodes reference or invoke a symbol; they run only for allow-listed symbols.
	Gated
	// Denied opcodes never run.
	Denied
)

func (c OpcodeClass) String() string {
	switch c {
	case Permitted:
		return "permitted"
	case Gated:
		return "gated"
	case Denied:
		return "denied"
	}
	return "unknown"
}

type opcodeInfo struct {
	name  string
	proto int
	arg   argKind
	class OpcodeClass
}

// opcodeTable is indexed by opcode byte; zero entries are unknown opcodes.
var opcodeTable = [256]opcodeInfo{
	opMark:    {"MARK", 0, argNone, Permitted},
	opStop:    {"STOP", 0, argNone, Permitted},
	opPop:     {"POP", 0, argNone, Permitted},
	opDup:     {"DUP", 0, argNone, Permitted},
	opFloat:   {"FLOAT", 0, argFloatLine, Permitted},
	opInt:     {"INT", 0, argDecimalInt, Permitted},
	opLong:    {"LONG", 0, argDecimalLong, Permitted},
	opNone:    {"NONE", 0, argNone, Permitted},
	opPersid:  {"PERSID", 0, argLine, Denied},
	opReduce:  {"REDUCE", 0, argNone, Gated},
	opString:  {"STRING", 0, argQuoted, Permitted},
	opUnicode: {"UNICODE", 0, argRawUnicode, Permitted},
	opAppend:  {"APPEND", 0, argNone, Permitted},
	opBuild:   {"BUILD", 0, argNone, Gated},
	opGlobal:  {"GLOBAL", 0, argTwoLines, Gated},
	opDict:    {"DICT", 0, argNone, Permitted},
	opGet:     {"GET", 0, argMemoLine, Permitted},
	opInst:    {"INST", 0, argTwoLines, Gated},
	opList:    {"LIST", 0, argNone, Permitted},
	opPut:     {"PUT", 0, argMemoLine, Permitted},
	opSetitem: {"SETITEM", 0, argNone, Permitted},
	opTuple:   {"TUPLE", 0, argNone, Permitted},

	opPopMark:        {"POP_MARK", 1, argNone, Permitted},
	opBinint:         {"BININT", 1, argInt4, Permitted},
	opBinint1:        {"BININT1", 1, argUint1, Permitted},
	opBinint2:        {"BININT2", 1, argUint2, Permitted},
	opBinpersid:      {"BINPERSID", 1, argNone, Denied},
	opBinstring:      {"BINSTRING", 1, argString4, Permitted},
	opShortBinstring: {"SHORT_BINSTRING", 1, argString1, Permitted},
	opBinunicode:     {"BINUNICODE", 1, argBytes4, Permitted},
	opAppends:        {"APPENDS", 1, argNone, Permitted},
	opBinget:         {"BINGET", 1, argUint1, Permitted},
	opLongBinget:     {"LONG_BINGET", 1, argUint4, Permitted},
	opEmptyList:      {"EMPTY_LIST", 1, argNone, Permitted},
	opEmptyTuple:     {"EMPTY_TUPLE", 1, argNone, Permitted},
	opEmptyDict:      {"EMPTY_DICT", 1, argNone, Permitted},
	opObj:            {"OBJ", 1, argNone, Gated},
	opBinput:         {"BINPUT", 1, argUint1, Permitted},
	opLongBinput:     {"LONG_BINPUT", 1, argUint4, Permitted},
	opSetitems:       {"SETITEMS", 1, argNone, Permitted},
	opBinfloat:       {"BINFLOAT", 1, argFloat8, Permitted},

	opProto:    {"PROTO", 2, argUint1, Permitted},
	opNewobj:   {"NEWOBJ", 2, argNone, Gated},
	opExt1:     {"EXT1", 2, argUint1, Denied},
	opExt2:     {"EXT2", 2, argUint2, Denied},
	opExt4:     {"EXT4", 2, argInt4, Denied},
	opTuple1:   {"TUPLE1", 2, argNone, Permitted},
	opTuple2:   {"TUPLE2", 2, argNone, Permitted},
	opTuple3:   {"TUPLE3", 2, argNone, Permitted},
	opNewtrue:  {"NEWTRUE", 2, argNone, Permitted},
	opNewfalse: {"NEWFALSE", 2, argNone, Permitted},
	opLong1:    {"LONG1", 2, argLong1, Permitted},
	opLong4:    {"LONG4", 2, argLong4, Permitted},

	opBinbytes:      {"BINBYTES", 3, argBytes4, Permitted},
	opShortBinbytes: {"SHORT_BINBYTES", 3, argString1, Permitted},

	opShortBinUnicode: {"SHORT_BINUNICODE", 4, argString1, Permitted},
	opBinunicode8:     {"BINUNICODE8", 4, argBytes8, Permitted},
	opBinbytes8:       {"BINBYTES8", 4, argBytes8, Permitted},
	opEmptySet:        {"EMPTY_SET", 4, argNone, Permitted},
	opAddItems:        {"ADDITEMS", 4, argNone, Permitted},
	opFrozenSet:       {"FROZENSET", 4, argNone, Permitted},
	opNewobjEx:        {"NEWOBJ_EX", 4, argNone, Gated},
	opStackGlobal:     {"STACK_GLOBAL", 4, argNone, Gated},
	opMemoize:         {"MEMOIZE", 4, argNone, Permitted},
	opFrame:           {"FRAME", 4, argUint8, Permitted},

	opBytearray8:     {"BYTEARRAY8", 5, argBytes8, Permitted},
	opNextBuffer:     {"NEXT_BUFFER", 5, argNone, Denied},
	opReadOnlyBuffer: {"READONLY_BUFFER", 5, argNone, Denied},
}

// String returns the pickletools name of op.
func (op Opcode) String() string {
	if name := opcodeTable[op].name; name != "" {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", byte(op))
}

// Valid reports whether op is a known pickle opcode.
func (op Opcode) Valid() bool {
	return opcodeTable[op].class != Unknown
}
