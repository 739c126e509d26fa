package serialization

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf16"
)

// unescape expands the _xHHHH_ escapes PowerShell writes into CLIXML
// strings and property names. Each escape is one UTF-16 code unit; a high
// surrogate escape followed by a low surrogate escape becomes a single rune.
// A lone surrogate decodes to U+FFFD.
//
//	"_x000D__x000A_"  -> "\r\n"
//	"_xD83D__xDE00_"  -> "\U0001F600"
//	"_x005F_x000D_"   -> "_x000D_" (escaped underscore)
func unescape(s string) string {
	if !strings.Contains(s, "_x") && !strings.Contains(s, "_X") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); {
		unit, ok := escapeAt(s, i)
		if !ok {
			b.WriteByte(s[i])
			i++
			continue
		}
		i += escapeLen

		if utf16.IsSurrogate(rune(unit)) {
			if low, ok := escapeAt(s, i); ok {
				if r := utf16.DecodeRune(rune(unit), rune(low)); r != unicode.ReplacementChar {
					b.WriteRune(r)
					i += escapeLen
					continue
				}
			}
		}
		b.WriteRune(rune(unit))
	}

	return b.String()
}

// escapeLen is the length of one "_xHHHH_" escape.
const escapeLen = 7

// escapeAt decodes the escape starting at s[i], if there is one.
func escapeAt(s string, i int) (uint16, bool) {
	if i+escapeLen > len(s) || s[i] != '_' || s[i+6] != '_' {
		return 0, false
	}
	if s[i+1] != 'x' && s[i+1] != 'X' {
		return 0, false
	}
	v, err := strconv.ParseUint(s[i+2:i+6], 16, 16)
	if err != nil {
		return 0, false
	}
	return uint16(v), true
}
