package logutil

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// maxLogFieldLen caps a single user-supplied field in a log line.
const maxLogFieldLen = 256

// SanitizeForLog prepares a client-supplied string (query parameter, origin)
// for a log line. Line breaks and tabs become spaces, other control
// characters are dropped, and long values are truncated.
func SanitizeForLog(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t':
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	if len(s) > maxLogFieldLen {
		// Cut on a rune boundary.
		cut := maxLogFieldLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	return s
}
