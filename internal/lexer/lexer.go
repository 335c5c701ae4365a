// Package lexer is a small source scanner shared by the validator and the
// JavaScript instrumentation. It knows comments and string literals for
// ECMAScript and Python, nothing more.
package lexer

import "strings"

// Mode selects the comment and string syntax.
type Mode int

const (
	ECMAScript Mode = iota
	Python
)

// Scan is the result of masking a source file.
type Scan struct {
	// Masked has the same byte length as the input. Comment bodies and string
	// literal contents are replaced by spaces; quotes and newlines are kept.
	Masked string

	// Open names the construct still open at end of input ("string",
	// "template", "comment"), or is empty.
	Open string
	// OpenLine is the 1-based line where the open construct started.
	OpenLine int
}

type state int

const (
	stCode state = iota
	stLineComment
	stBlockComment
	stSingle
	stDouble
	stTemplate
	stTripleSingle
	stTripleDouble
)

// Mask scans code and blanks out comments and string literal contents.
func Mask(code string, mode Mode) Scan {
	out := []byte(code)
	st := stCode
	line := 1
	openLine := 0
	// Brace depths at which a template literal resumes, for ${...} nesting.
	var templates []int
	depth := 0

	blank := func(i int) {
		if out[i] != '\n' {
			out[i] = ' '
		}
	}

	for i := 0; i < len(code); i++ {
		c := code[i]
		if c == '\n' {
			line++
		}

		switch st {
		case stCode:
			switch {
			case mode == ECMAScript && c == '/' && i+1 < len(code) && code[i+1] == '/':
				st, openLine = stLineComment, line
				blank(i)
			case mode == ECMAScript && c == '/' && i+1 < len(code) && code[i+1] == '*':
				st, openLine = stBlockComment, line
				blank(i)
				i++
				blank(i)
			case mode == Python && c == '#':
				st, openLine = stLineComment, line
				blank(i)
			case mode == Python && (c == '\'' || c == '"') && strings.HasPrefix(code[i:], strings.Repeat(string(c), 3)):
				if c == '\'' {
					st = stTripleSingle
				} else {
					st = stTripleDouble
				}
				openLine = line
				i += 2
			case c == '\'':
				st, openLine = stSingle, line
			case c == '"':
				st, openLine = stDouble, line
			case mode == ECMAScript && c == '`':
				st, openLine = stTemplate, line
			case mode == ECMAScript && c == '{':
				depth++
			case mode == ECMAScript && c == '}':
				if n := len(templates); n > 0 && templates[n-1] == depth {
					templates = templates[:n-1]
					st = stTemplate
					continue
				}
				depth--
			}

		case stLineComment:
			if c == '\n' {
				st = stCode
				continue
			}
			blank(i)

		case stBlockComment:
			if c == '*' && i+1 < len(code) && code[i+1] == '/' {
				blank(i)
				i++
				blank(i)
				st = stCode
				continue
			}
			blank(i)

		case stSingle, stDouble:
			quote := byte('\'')
			if st == stDouble {
				quote = '"'
			}
			switch {
			case c == '\\' && i+1 < len(code):
				blank(i)
				i++
				if code[i] == '\n' {
					line++
				}
				blank(i)
			case c == quote:
				st = stCode
			case c == '\n':
				// Unterminated single-line string; resync at the newline.
				st = stCode
			default:
				blank(i)
			}

		case stTemplate:
			switch {
			case c == '\\' && i+1 < len(code):
				blank(i)
				i++
				if code[i] == '\n' {
					line++
				}
				blank(i)
			case c == '`':
				st = stCode
			case c == '$' && i+1 < len(code) && code[i+1] == '{':
				templates = append(templates, depth)
				st = stCode
				i++
			default:
				blank(i)
			}

		case stTripleSingle, stTripleDouble:
			quote := "'''"
			if st == stTripleDouble {
				quote = `"""`
			}
			switch {
			case c == '\\' && i+1 < len(code):
				blank(i)
				i++
				if code[i] == '\n' {
					line++
				}
				blank(i)
			case strings.HasPrefix(code[i:], quote):
				st = stCode
				i += 2
			default:
				blank(i)
			}
		}
	}

	s := Scan{Masked: string(out)}
	switch st {
	case stBlockComment:
		s.Open, s.OpenLine = "comment", openLine
	case stSingle, stDouble, stTripleSingle, stTripleDouble:
		s.Open, s.OpenLine = "string", openLine
	case stTemplate:
		s.Open, s.OpenLine = "template", openLine
	}
	return s
}

// LineAt returns the 1-based line of byte offset off in s.
func LineAt(s string, off int) int {
	if off > len(s) {
		off = len(s)
	}
	return strings.Count(s[:off], "\n") + 1
}
