package domain

import "sync"

// DefaultLogTailBytes is the default cap of a task's log tail.
const DefaultLogTailBytes = 10 * 1024

// LogTail is a bounded byte ring keeping the most recent output.
// It is safe for concurrent use and implements io.Writer.
type LogTail struct {
	buf  []byte
	max  int
	mu   sync.Mutex
	full bool
	next int
}

// NewLogTail creates a LogTail holding at most maxBytes.
func NewLogTail(maxBytes int) *LogTail {
	if maxBytes <= 0 {
		maxBytes = DefaultLogTailBytes
	}
	return &LogTail{buf: make([]byte, maxBytes), max: maxBytes}
}

// Write appends p, discarding the oldest bytes once the cap is reached.
func (l *LogTail) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(p)
	if n >= l.max {
		copy(l.buf, p[n-l.max:])
		l.next = 0
		l.full = true
		return n, nil
	}
	for len(p) > 0 {
		c := copy(l.buf[l.next:], p)
		p = p[c:]
		l.next += c
		if l.next == l.max {
			l.next = 0
			l.full = true
		}
	}
	return n, nil
}

// String returns the retained bytes in write order.
func (l *LogTail) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		return string(l.buf[:l.next])
	}
	out := make([]byte, 0, l.max)
	out = append(out, l.buf[l.next:]...)
	out = append(out, l.buf[:l.next]...)
	return string(out)
}

// TailString returns the last maxBytes of s.
func TailString(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	return s[len(s)-maxBytes:]
}
