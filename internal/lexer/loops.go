package lexer

import "strings"

// InstrumentLoops inserts stmt at the start of every braced for, while and
// do loop body. Loops without braces are left alone.
func InstrumentLoops(code, stmt string) string {
	src := Mask(code, ECMAScript).Masked

	var inserts []int
	for i := 0; i < len(src); i++ {
		kw := keywordAt(src, i)
		if kw == "" {
			continue
		}
		j := skipSpace(src, i+len(kw))
		if kw == "for" && strings.HasPrefix(src[j:], "await") {
			j = skipSpace(src, j+len("await"))
		}
		if kw != "do" {
			if j >= len(src) || src[j] != '(' {
				continue
			}
			j = matchParen(src, j)
			if j < 0 {
				continue
			}
			j = skipSpace(src, j+1)
		}
		if j < len(src) && src[j] == '{' {
			inserts = append(inserts, j+1)
		}
		i += len(kw) - 1
	}
	if len(inserts) == 0 {
		return code
	}

	var b strings.Builder
	b.Grow(len(code) + len(inserts)*len(stmt))
	prev := 0
	for _, at := range inserts {
		b.WriteString(code[prev:at])
		b.WriteString(stmt)
		prev = at
	}
	b.WriteString(code[prev:])
	return b.String()
}

func keywordAt(src string, i int) string {
	if i > 0 && (isIdent(src[i-1]) || src[i-1] == '.') {
		return ""
	}
	for _, kw := range []string{"for", "while", "do"} {
		end := i + len(kw)
		if strings.HasPrefix(src[i:], kw) && (end == len(src) || !isIdent(src[end])) {
			return kw
		}
	}
	return ""
}

func isIdent(c byte) bool {
	return c == '_' || c == '$' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= 0x80
}

func skipSpace(src string, i int) int {
	for i < len(src) && (src[i] == ' ' || src[i] == '\t' || src[i] == '\n' || src[i] == '\r') {
		i++
	}
	return i
}

// matchParen returns the index of the ')' closing the '(' at i, or -1.
func matchParen(src string, i int) int {
	depth := 0
	for ; i < len(src); i++ {
		switch src[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
