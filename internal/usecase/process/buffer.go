package process

import (
	"sync"
)

// outputBuffer accumulates process output and is safe for concurrent
// readers and writers. With a positive limit only the newest limit bytes are
// kept; a zero limit keeps everything.
type outputBuffer struct {
	mu      sync.Mutex
	data    []byte
	limit   int
	written int64 // total bytes ever written, including dropped ones
}

func newOutputBuffer(limit int) *outputBuffer {
	return &outputBuffer{limit: limit}
}

// Write implements io.Writer.
func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = append(b.data, p...)
	b.written += int64(len(p))
	if b.limit > 0 && len(b.data) > b.limit {
		b.data = append(b.data[:0:0], b.data[len(b.data)-b.limit:]...)
	}
	return len(p), nil
}

// WriteString appends s.
func (b *outputBuffer) WriteString(s string) (int, error) {
	return b.Write([]byte(s))
}

// String returns a snapshot of the retained content.
func (b *outputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

// TotalWritten returns the number of bytes ever written.
func (b *outputBuffer) TotalWritten() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written
}

// ReadFrom returns content from the given absolute offset onward. Offsets
// that point into dropped data read from the oldest retained byte.
func (b *outputBuffer) ReadFrom(offset int64) (string, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := b.written - int64(len(b.data))
	local := max(offset-dropped, 0)
	if local >= int64(len(b.data)) {
		return "", b.written
	}
	return string(b.data[local:]), b.written
}
