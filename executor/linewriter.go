package executor

import (
	"bytes"
	"sync"
)

// LineWriter batches a byte stream into lines and hands each complete line,
// without its trailing newline, to fn.
type LineWriter struct {
	fn  func(string)
	buf bytes.Buffer
	mu  sync.Mutex
}

func NewLineWriter(fn func(string)) *LineWriter {
	return &LineWriter{fn: fn}
}

func (w *LineWriter) Write(data []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(data)
	for {
		idx := bytes.IndexByte(w.buf.Bytes(), '\n')
		if idx == -1 {
			break
		}
		line := string(w.buf.Next(idx + 1))
		w.fn(line[:len(line)-1])
	}
	return len(data), nil
}

// WriteString is a convenience for string producers.
func (w *LineWriter) WriteString(s string) {
	w.Write([]byte(s))
}

// Flush emits a trailing partial line, if any.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		rest := w.buf.String()
		w.buf.Reset()
		w.fn(rest)
	}
}
