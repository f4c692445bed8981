package rffickle

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"math/big"
	"strconv"

	"github.com/pkg/errors"
)

// maxIntDigits bounds decimal integer operands; text to big.Int conversion is
// quadratic in the number of digits.
const maxIntDigits = 4300

// Instruction is one decoded opcode with its operand.
//
// Arg holds, depending on the opcode: nil, int64, bool, *big.Int, float64,
// string, Bytes, []byte or Class (for GLOBAL and INST).
type Instruction struct {
	Op  Opcode
	Pos int // offset of the opcode byte
	Arg any
}

// Reader splits a pickle into instructions.
//
// It never reads past the end of its buffer: an operand that does not fit is
// reported as a MalformedStream error wrapping io.ErrUnexpectedEOF.
type Reader struct {
	data []byte
	pos  int
}

// NewReader returns a Reader positioned at the start of data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Offset returns the position of the next opcode byte.
func (r *Reader) Offset() int {
	return r.pos
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.pos
}

// Next decodes the next instruction.
//
// It returns io.EOF only when the buffer is exhausted exactly at an opcode
// boundary.
func (r *Reader) Next() (Instruction, error) {
	if r.pos >= len(r.data) {
		return Instruction{}, io.EOF
	}

	insn := Instruction{Op: Opcode(r.data[r.pos]), Pos: r.pos}
	info := &opcodeTable[insn.Op]
	if info.class == Unknown {
		err := malformed("unknown opcode", nil)
		err.Op, err.Pos = insn.Op, insn.Pos
		return insn, err
	}
	r.pos++

	arg, err := r.operand(insn.Op, info.arg)
	if err != nil {
		return insn, locate(err, insn)
	}
	insn.Arg = arg
	return insn, nil
}

func (r *Reader) operand(op Opcode, kind argKind) (any, error) {
	switch kind {
	case argNone:
		return nil, nil

	case argUint1:
		b, err := r.fixed(1)
		if err != nil {
			return nil, err
		}
		v := int64(b[0])
		if op == opProto && v > highestProtocol {
			// CPython also loads PROTO 0 and 1, so accept every version we know.
			return nil, malformed("", ErrInvalidPickleVersion)
		}
		return v, nil

	case argUint2:
		b, err := r.fixed(2)
		if err != nil {
			return nil, err
		}
		return int64(binary.LittleEndian.Uint16(b)), nil

	case argInt4:
		b, err := r.fixed(4)
		if err != nil {
			return nil, err
		}
		// NOTE signed: uint32 -> int32, and only then -> int64
		return int64(int32(binary.LittleEndian.Uint32(b))), nil

	case argUint4:
		b, err := r.fixed(4)
		if err != nil {
			return nil, err
		}
		return int64(binary.LittleEndian.Uint32(b)), nil

	case argUint8:
		// only FRAME; its payload must be present in full
		b, err := r.fixed(8)
		if err != nil {
			return nil, err
		}
		n := binary.LittleEndian.Uint64(b)
		if err := r.fits(n); err != nil {
			return nil, err
		}
		return int64(n), nil

	case argFloat8:
		b, err := r.fixed(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b)), nil

	case argDecimalInt:
		line, err := r.line()
		if err != nil {
			return nil, err
		}
		switch string(line) {
		case "00":
			return false, nil
		case "01":
			return true, nil
		}
		return parseInt(line)

	case argDecimalLong:
		line, err := r.line()
		if err != nil {
			return nil, err
		}
		l := len(line)
		if l < 1 || line[l-1] != 'L' {
			return nil, malformed("LONG without L suffix", io.ErrUnexpectedEOF)
		}
		return parseBigInt(line[:l-1])

	case argFloatLine:
		line, err := r.line()
		if err != nil {
			return nil, err
		}
		v, err := strconv.ParseFloat(string(line), 64)
		if err != nil {
			return nil, malformed("invalid float", err)
		}
		return v, nil

	case argMemoLine:
		line, err := r.line()
		if err != nil {
			return nil, err
		}
		v, err := strconv.ParseUint(string(line), 10, 32)
		if err != nil {
			return nil, malformed("invalid memo index", err)
		}
		return int64(v), nil

	case argQuoted:
		line, err := r.line()
		if err != nil {
			return nil, err
		}
		return unquoteString(line)

	case argRawUnicode:
		line, err := r.line()
		if err != nil {
			return nil, err
		}
		return pydecodeRawUnicodeEscape(string(line))

	case argLine:
		line, err := r.line()
		if err != nil {
			return nil, err
		}
		return string(line), nil

	case argTwoLines:
		module, err := r.line()
		if err != nil {
			return nil, err
		}
		name, err := r.line()
		if err != nil {
			return nil, err
		}
		return Class{Module: string(module), Name: string(name)}, nil

	case argLong1:
		b, err := r.fixed(1)
		if err != nil {
			return nil, err
		}
		data, err := r.payload(uint64(b[0]))
		if err != nil {
			return nil, err
		}
		return decodeLong(data), nil

	case argLong4:
		b, err := r.fixed(4)
		if err != nil {
			return nil, err
		}
		n := int32(binary.LittleEndian.Uint32(b))
		if n < 0 {
			return nil, malformed("negative length", nil)
		}
		data, err := r.payload(uint64(n))
		if err != nil {
			return nil, err
		}
		return decodeLong(data), nil

	case argString1:
		b, err := r.fixed(1)
		if err != nil {
			return nil, err
		}
		data, err := r.payload(uint64(b[0]))
		if err != nil {
			return nil, err
		}
		return payloadValue(op, data), nil

	case argString4:
		b, err := r.fixed(4)
		if err != nil {
			return nil, err
		}
		n := int32(binary.LittleEndian.Uint32(b))
		if n < 0 {
			return nil, malformed("negative length", nil)
		}
		data, err := r.payload(uint64(n))
		if err != nil {
			return nil, err
		}
		return payloadValue(op, data), nil

	case argBytes4:
		b, err := r.fixed(4)
		if err != nil {
			return nil, err
		}
		data, err := r.payload(uint64(binary.LittleEndian.Uint32(b)))
		if err != nil {
			return nil, err
		}
		return payloadValue(op, data), nil

	case argBytes8:
		b, err := r.fixed(8)
		if err != nil {
			return nil, err
		}
		data, err := r.payload(binary.LittleEndian.Uint64(b))
		if err != nil {
			return nil, err
		}
		return payloadValue(op, data), nil
	}

	return nil, errors.Errorf("no operand decoder for %s", op)
}

// payloadValue converts length-prefixed data into the value the opcode pushes.
func payloadValue(op Opcode, data []byte) any {
	switch op {
	case opShortBinbytes, opBinbytes, opBinbytes8:
		return Bytes(data)
	case opBytearray8:
		return append([]byte(nil), data...)
	}
	// str-ish: BINSTRING, SHORT_BINSTRING, BINUNICODE*, SHORT_BINUNICODE
	return string(data)
}

// fixed returns the next n bytes of a fixed-size operand.
func (r *Reader) fixed(n int) ([]byte, error) {
	if r.Remaining() < n {
		r.pos = len(r.data)
		return nil, malformed("truncated operand", io.ErrUnexpectedEOF)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// fits checks that a declared length does not run past the end of input.
func (r *Reader) fits(n uint64) error {
	if rem := uint64(r.Remaining()); n > rem {
		return malformed("declared length "+strconv.FormatUint(n, 10)+
			" exceeds remaining "+strconv.FormatUint(rem, 10), io.ErrUnexpectedEOF)
	}
	return nil
}

// payload returns the next n bytes of a length-prefixed operand.
func (r *Reader) payload(n uint64) ([]byte, error) {
	if err := r.fits(n); err != nil {
		return nil, err
	}
	b := r.data[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

// line returns the bytes up to the next \n, which is consumed but not returned.
//
// \r\n is not treated as a combined end of line.
func (r *Reader) line() ([]byte, error) {
	i := bytes.IndexByte(r.data[r.pos:], '\n')
	if i < 0 {
		r.pos = len(r.data)
		return nil, malformed("missing newline", io.ErrUnexpectedEOF)
	}
	line := r.data[r.pos : r.pos+i]
	r.pos += i + 1
	return line, nil
}

func parseInt(line []byte) (any, error) {
	i, err := strconv.ParseInt(string(line), 10, 64)
	if err == nil {
		return i, nil
	}
	if errors.Is(err, strconv.ErrRange) {
		return parseBigInt(line)
	}
	return nil, malformed("invalid int", err)
}

func parseBigInt(digits []byte) (any, error) {
	if len(digits) > maxIntDigits {
		return nil, exceeded("integer literal longer than " + strconv.Itoa(maxIntDigits) + " digits")
	}
	v, ok := new(big.Int).SetString(string(digits), 10)
	if !ok {
		return nil, malformed("invalid long", strconv.ErrSyntax)
	}
	return v, nil
}

// unquoteString decodes the operand of STRING: a quoted string-escape literal.
func unquoteString(line []byte) (string, error) {
	if len(line) < 2 {
		return "", malformed("short string literal", io.ErrUnexpectedEOF)
	}

	delim := line[0]
	if delim != '\'' && delim != '"' {
		return "", malformed("invalid string delimiter "+strconv.QuoteRune(rune(delim)), nil)
	}
	if line[len(line)-1] != delim {
		return "", malformed("unterminated string literal", io.ErrUnexpectedEOF)
	}

	s, err := pydecodeStringEscape(string(line[1 : len(line)-1]))
	if err != nil {
		return "", malformed("invalid string escape", err)
	}
	return s, nil
}

// decodeLong decodes two's complement little-endian bytes into a big integer.
func decodeLong(data []byte) *big.Int {
	n := len(data)
	be := make([]byte, n)
	for i, b := range data {
		be[n-1-i] = b
	}
	v := new(big.Int).SetBytes(be)
	if n > 0 && data[n-1] >= 0x80 {
		// negative: v - 2^(8n)
		v.Sub(v, new(big.Int).Lsh(big.NewInt(1), uint(8*n)))
	}
	return v
}
