package lexer

import "fmt"

// Issue is a problem found by a heuristic check.
type Issue struct {
	Line    int
	Message string
}

var closers = map[byte]byte{')': '(', ']': '[', '}': '{'}

// CheckBrackets reports bracket imbalance outside strings and comments, and
// strings or comments left open at end of input.
func CheckBrackets(code string, mode Mode) []Issue {
	scan := Mask(code, mode)

	type open struct {
		ch   byte
		line int
	}
	var (
		stack  []open
		issues []Issue
		line   = 1
	)

	src := scan.Masked
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch c {
		case '\n':
			line++
		case '(', '[', '{':
			stack = append(stack, open{c, line})
		case ')', ']', '}':
			want := closers[c]
			if len(stack) == 0 {
				issues = append(issues, Issue{line, fmt.Sprintf("Unexpected '%c'", c)})
				continue
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if top.ch != want {
				issues = append(issues, Issue{line, fmt.Sprintf("Mismatched '%c', expected closer for '%c' opened on line %d", c, top.ch, top.line)})
			}
		}
	}

	for _, o := range stack {
		issues = append(issues, Issue{o.line, fmt.Sprintf("Unclosed '%c'", o.ch)})
	}
	if scan.Open != "" {
		issues = append(issues, Issue{scan.OpenLine, "Unterminated " + scan.Open})
	}
	return issues
}

// CheckIndentation reports Python lines whose leading whitespace mixes tabs
// and spaces, or a file that indents with both.
func CheckIndentation(code string) []Issue {
	var (
		issues    []Issue
		tabLine   int
		spaceLine int
		line      int
	)
	start := 0
	for start <= len(code) {
		line++
		end := start
		for end < len(code) && code[end] != '\n' {
			end++
		}
		tabs, spaces := false, false
		for i := start; i < end; i++ {
			if code[i] == '\t' {
				tabs = true
			} else if code[i] == ' ' {
				spaces = true
			} else {
				break
			}
		}
		switch {
		case tabs && spaces:
			issues = append(issues, Issue{line, "Indentation mixes tabs and spaces"})
		case tabs && tabLine == 0:
			tabLine = line
		case spaces && spaceLine == 0:
			spaceLine = line
		}
		start = end + 1
	}
	if tabLine > 0 && spaceLine > 0 {
		l := tabLine
		if spaceLine > l {
			l = spaceLine
		}
		issues = append(issues, Issue{l, "Inconsistent use of tabs and spaces for indentation"})
	}
	return issues
}
