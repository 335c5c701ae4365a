package python

import "strings"

// UserFilename is the filename user code is compiled under.
const UserFilename = "<exec>"

const tracebackHeader = "Traceback (most recent call last):"

// FormatTraceback drops every frame that is not user code. Exception lines
// and chained-exception separators are kept; a header is kept only when at
// least one user frame follows it.
func FormatTraceback(tb string) string {
	var (
		out     []string
		header  bool
		keeping bool
	)
	for _, line := range strings.Split(strings.TrimRight(tb, "\n"), "\n") {
		switch {
		case strings.HasPrefix(line, tracebackHeader):
			header = true
			keeping = false
		case strings.HasPrefix(line, `  File "`):
			keeping = strings.HasPrefix(line, `  File "`+UserFilename+`"`)
			if keeping {
				if header {
					out = append(out, tracebackHeader)
					header = false
				}
				out = append(out, line)
			}
		case strings.HasPrefix(line, " "):
			if keeping {
				out = append(out, line)
			}
		default:
			header = false
			keeping = false
			out = append(out, line)
		}
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
