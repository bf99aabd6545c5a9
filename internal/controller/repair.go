// File: internal/controller/repair.go
package controller

import (
	"fmt"
	"strings"
)

// Models embedding code or shell text in JSON arguments routinely emit raw
// newlines inside string literals or lone backslashes that are not legal
// escapes. Both repairs below are deterministic and cheap, and neither can
// turn invalid JSON into differently-valid JSON: they only touch byte
// sequences that would fail to decode as-is.

// EscapeControlChars rewrites raw control characters that appear inside JSON
// string literals into their escape sequences. Text outside string literals
// is left untouched. Named escapes are used for \n \r \t \b \f; any other
// C0 control character becomes a \u escape.
func EscapeControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inString := false
	escapeNext := false

	for i := 0; i < len(s); i++ {
		c := s[i]

		switch {
		case escapeNext:
			b.WriteByte(c)
			escapeNext = false
		case c == '\\':
			b.WriteByte(c)
			escapeNext = true
		case c == '"':
			b.WriteByte(c)
			inString = !inString
		case inString:
			switch {
			case c == '\n':
				b.WriteString(`\n`)
			case c == '\r':
				b.WriteString(`\r`)
			case c == '\t':
				b.WriteString(`\t`)
			case c == '\b':
				b.WriteString(`\b`)
			case c == '\f':
				b.WriteString(`\f`)
			case c < 0x20:
				fmt.Fprintf(&b, `\u%04x`, c)
			default:
				b.WriteByte(c)
			}
		default:
			b.WriteByte(c)
		}
	}

	return b.String()
}

// escapeStarters is the set of characters allowed to follow a backslash in a
// JSON escape sequence.
const escapeStarters = `"\/bfnrtu`

// RepairInvalidEscapes doubles every backslash that does not begin a valid
// JSON escape sequence, which is the usual damage when a model pastes regex
// or Windows paths into a JSON string. Each backslash is judged on the
// single character after it, including the trailing position.
func RepairInvalidEscapes(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i+1 < len(s) && strings.IndexByte(escapeStarters, s[i+1]) >= 0 {
			b.WriteByte(c)
			continue
		}
		b.WriteString(`\\`)
	}

	return b.String()
}
