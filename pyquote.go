package rffickle

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// pyquote, similarly to strconv.Quote, quotes s with " but does not use "\u" and "\U" inside.
//
// We need to avoid \u and friends, since for regular strings Python translates
// \u to \\u, not an UTF-8 character.
//
// We must use Python - not Go - quoting, when emitting text strings with
// STRING opcode.
//
// Dumping strings in a way that is possible to copy/paste into Python and use
// pickletools.dis and pickle.loads there to verify a pickle is also handy.
func pyquote(s string) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 0, len(s))

	for {
		r, width := utf8.DecodeRuneInString(s)
		if width == 0 {
			break
		}

		emitRaw := false

		switch {
		// invalid & everything else goes in numeric byte escapes
		case r == utf8.RuneError:
			fallthrough
		default:
			emitRaw = true

		case r == '\\' || r == '"':
			out = append(out, '\\', byte(r))

		case strconv.IsPrint(r):
			out = append(out, s[:width]...)

		case r < ' ':
			rq := strconv.QuoteRune(r) // e.g. "'\n'"
			rq = rq[1 : len(rq)-1]     // ->   `\n`
			out = append(out, rq...)
		}

		if emitRaw {
			for i := 0; i < width; i++ {
				out = append(out, '\\', 'x', hexdigits[s[i]>>4], hexdigits[s[i]&0xf])
			}
		}

		s = s[width:]
	}

	return "\"" + string(out) + "\""
}

// pydecodeStringEscape decodes input according to "string-escape" Python codec.
//
// The codec is essentially defined here:
// https://github.com/python/cpython/blob/v2.7.15-198-g69d0bc1430d/Objects/stringobject.c#L600
func pydecodeStringEscape(s string) (string, error) {
	out := make([]byte, 0, len(s))

loop:
	for {
		r, width := utf8.DecodeRuneInString(s)
		if width == 0 {
			break
		}

		// regular UTF-8 character
		if r != '\\' {
			out = append(out, s[:width]...)
			s = s[width:]
			continue
		}

		if len(s) < 2 {
			return "", strconv.ErrSyntax
		}

		switch c := s[1]; c {
		// \ LF -> just skip
		case '\n':
			s = s[2:]
			continue loop

		// \\ -> \
		case '\\':
			out = append(out, '\\')
			s = s[2:]
			continue loop

		// \' \"  (yes, both quotes are allowed to be escaped).
		//
		// also: both quotes are allowed to be _unescaped_ - e.g. Python
		// unpickles "S'hel'lo'\n." as "hel'lo".
		case '\'', '"':
			out = append(out, c)
			s = s[2:]
			continue loop

		// \c (any character without special meaning) -> \ and proceed with C
		default:
			out = append(out, '\\')
			s = s[1:] // not skipping c
			continue loop

		// escapes we handle (NOTE no \u \U for strings)
		case 'b', 'f', 't', 'n', 'r', 'v', 'a': // control characters
		case '0', '1', '2', '3', '4', '5', '6', '7': // octals
		case 'x': // hex
		}

		// s starts with a good/known string escape prefix -> reuse unquoteChar.
		r, _, tail, err := strconv.UnquoteChar(s, 0)
		if err != nil {
			return "", err
		}

		// all above escapes must produce single byte. This way we can
		// append it directly, not play rune -> string UTF-8 encoding
		// games (which break on e.g. "\x80" -> "\u0080" (= "\xc2x80").
		c := byte(r)
		if r != rune(c) {
			// e.g. \777
			return "", strconv.ErrSyntax
		}

		out = append(out, c)
		s = tail
	}

	return string(out), nil
}

// pydecodeRawUnicodeEscape decodes input according to "raw-unicode-escape" Python codec.
//
// Every input byte is taken as latin1 character, except for \uXXXX and
// \UXXXXXXXX escapes started by an odd number of backslashes.
func pydecodeRawUnicodeEscape(s string) (string, error) {
	var out strings.Builder
	out.Grow(len(s))

	for i := 0; i < len(s); {
		c := s[i]
		if c != '\\' {
			out.WriteRune(rune(c))
			i++
			continue
		}

		// run of backslashes
		j := i
		for j < len(s) && s[j] == '\\' {
			j++
		}
		nbs := j - i
		if nbs%2 == 0 || j == len(s) || (s[j] != 'u' && s[j] != 'U') {
			out.WriteString(s[i:j])
			i = j
			continue
		}

		out.WriteString(s[i : j-1])
		ndigit := 4
		if s[j] == 'U' {
			ndigit = 8
		}
		hex := s[j+1:]
		if len(hex) < ndigit {
			return "", strconv.ErrSyntax
		}
		v, err := strconv.ParseUint(hex[:ndigit], 16, 32)
		if err != nil || v > 0x10ffff {
			return "", strconv.ErrSyntax
		}
		out.WriteRune(rune(v))
		i = j + 1 + ndigit
	}

	return out.String(), nil
}

// pyencodeRawUnicodeEscape encodes text according to "raw-unicode-escape" Python codec.
//
// It returns an error if text is not valid UTF-8.
func pyencodeRawUnicodeEscape(text string) (string, error) {
	if !utf8.ValidString(text) {
		return "", errInvalidUTF8
	}

	var out strings.Builder
	out.Grow(len(text))
	for _, r := range text {
		switch {
		case r >= 0x10000:
			out.WriteString(`\U`)
			writeHex(&out, uint32(r), 8)
		case r >= 0x100 || r == '\\' || r == 0 || r == '\n' || r == '\r' || r == 0x1a:
			// the same characters pickle.py escapes before encoding UNICODE
			out.WriteString(`\u`)
			writeHex(&out, uint32(r), 4)
		default:
			out.WriteByte(byte(r))
		}
	}
	return out.String(), nil
}

func writeHex(b *strings.Builder, v uint32, ndigit int) {
	const hexdigits = "0123456789abcdef"
	for k := ndigit - 1; k >= 0; k-- {
		b.WriteByte(hexdigits[(v>>(4*uint(k)))&0xf])
	}
}
