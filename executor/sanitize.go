package executor

import (
	"html"
	"strings"
	"unicode/utf8"
)

// TruncationMarker is appended to output cut at the size ceiling.
const TruncationMarker = "\n... [output truncated]"

var lineEndings = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// SanitizeInput strips NUL bytes and normalizes line endings to \n.
func SanitizeInput(code string) string {
	code = strings.ReplaceAll(code, "\x00", "")
	return lineEndings.Replace(code)
}

// SanitizeOutput escapes HTML metacharacters and truncates s to max
// characters. A max of zero or less disables truncation.
func SanitizeOutput(s string, max int) string {
	truncated := false
	if max > 0 && utf8.RuneCountInString(s) > max {
		s = truncateRunes(s, max)
		truncated = true
	}
	s = html.EscapeString(s)
	if truncated {
		s += TruncationMarker
	}
	return s
}

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
