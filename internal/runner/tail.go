package runner

import "sync"

// DefaultTailBytes is the amount of raw output kept for diagnostics.
const DefaultTailBytes = 16 * 1024

// outputTail keeps the most recent bytes written to it. Older bytes are
// overwritten once the buffer is full.
type outputTail struct {
	mu   sync.Mutex
	buf  []byte
	next int  // index of the next byte to write
	full bool // buf has wrapped at least once
}

func newOutputTail(size int) *outputTail {
	if size <= 0 {
		size = DefaultTailBytes
	}
	return &outputTail{buf: make([]byte, size)}
}

// Write implements io.Writer. It never fails.
func (t *outputTail) Write(p []byte) (int, error) {
	n := len(p)
	if n == 0 {
		return 0, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	size := len(t.buf)
	if n >= size {
		copy(t.buf, p[n-size:])
		t.next = 0
		t.full = true
		return n, nil
	}

	copied := copy(t.buf[t.next:], p)
	if copied < n {
		copy(t.buf, p[copied:])
		t.full = true
	}
	t.next = (t.next + n) % size
	if t.next == 0 {
		t.full = true
	}
	return n, nil
}

// Bytes returns a copy of the retained output, oldest first.
func (t *outputTail) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.full {
		return append([]byte(nil), t.buf[:t.next]...)
	}
	out := make([]byte, 0, len(t.buf))
	out = append(out, t.buf[t.next:]...)
	return append(out, t.buf[:t.next]...)
}
