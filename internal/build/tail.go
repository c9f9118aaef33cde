package build

import (
	"bytes"
	"strings"
	"sync"
)

// DefaultTailLines is the amount of build output kept for failed jobs.
const DefaultTailLines = 40

// TailBuffer is an io.Writer keeping only the last Limit complete lines.
type TailBuffer struct {
	Limit int

	mu      sync.Mutex
	lines   []string
	partial []byte
}

// NewTailBuffer returns a TailBuffer holding at most limit lines.
func NewTailBuffer(limit int) *TailBuffer {
	if limit < 1 {
		limit = DefaultTailLines
	}
	return &TailBuffer{Limit: limit}
}

func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	data := append(t.partial, p...)
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		t.push(strings.TrimRight(string(data[:idx]), "\r"))
		data = data[idx+1:]
	}
	t.partial = append([]byte(nil), data...)
	return len(p), nil
}

func (t *TailBuffer) push(line string) {
	t.lines = append(t.lines, line)
	if over := len(t.lines) - t.limit(); over > 0 {
		t.lines = append([]string(nil), t.lines[over:]...)
	}
}

func (t *TailBuffer) limit() int {
	if t.Limit < 1 {
		return DefaultTailLines
	}
	return t.Limit
}

// Lines returns the retained lines including an unterminated last line.
func (t *TailBuffer) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := append([]string(nil), t.lines...)
	if len(t.partial) > 0 {
		out = append(out, string(t.partial))
		if over := len(out) - t.limit(); over > 0 {
			out = out[over:]
		}
	}
	return out
}

// Tail returns the last n lines of text.
func Tail(text string, n int) []string {
	buf := NewTailBuffer(n)
	_, _ = buf.Write([]byte(text))
	return buf.Lines()
}
