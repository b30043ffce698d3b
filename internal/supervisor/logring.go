package supervisor

import (
	"bytes"
	"sync"
)

// logRing keeps the most recent output lines of a broadcast process. It
// implements io.Writer, splitting writes on newlines the way ffmpeg emits
// progress and error text.
type logRing struct {
	mu      sync.Mutex
	lines   []string
	next    int
	full    bool
	partial bytes.Buffer
}

func newLogRing(capacity int) *logRing {
	if capacity <= 0 {
		capacity = 200
	}
	return &logRing{lines: make([]string, capacity)}
}

func (r *logRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexAny(p, "\r\n")
		if idx == -1 {
			r.partial.Write(p)
			break
		}
		r.partial.Write(p[:idx])
		p = p[idx+1:]
		r.appendLocked(r.partial.String())
		r.partial.Reset()
	}
	return total, nil
}

func (r *logRing) appendLocked(line string) {
	line = string(bytes.TrimSpace([]byte(line)))
	if line == "" {
		return
	}
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

// Tail returns up to n of the most recent lines, oldest first. n <= 0 returns
// everything retained.
func (r *logRing) Tail(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	if r.full {
		out = append(out, r.lines[r.next:]...)
		out = append(out, r.lines[:r.next]...)
	} else {
		out = append(out, r.lines[:r.next]...)
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}
