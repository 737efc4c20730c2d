package runner

import (
	"bytes"
	"sync"
)

// LineBuffer reassembles a byte stream into lines regardless of how the
// stream was chunked. Complete lines are emitted immediately in arrival
// order; the trailing partial segment is retained until the next write or
// the final Flush. It implements io.Writer so it can sit directly on a
// subprocess stdout or stderr.
type LineBuffer struct {
	mu       sync.Mutex
	residual []byte
	emit     func(line string)
}

// NewLineBuffer creates a line reassembler that calls emit once per
// complete line, without the terminator.
func NewLineBuffer(emit func(line string)) *LineBuffer {
	if emit == nil {
		emit = func(string) {}
	}
	return &LineBuffer{emit: emit}
}

// Write appends one chunk and emits every line it completes.
func (b *LineBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.residual = append(b.residual, p...)
	start := 0
	for {
		idx := bytes.IndexByte(b.residual[start:], '\n')
		if idx < 0 {
			break
		}
		b.emit(string(b.residual[start : start+idx]))
		start += idx + 1
	}
	if start > 0 {
		b.residual = append(b.residual[:0], b.residual[start:]...)
	}
	return len(p), nil
}

// Flush emits the residual partial segment as one final line. Called once
// after the producing process has exited; a stream that ended on a line
// terminator emits nothing extra.
func (b *LineBuffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.residual) == 0 {
		return
	}
	line := string(b.residual)
	b.residual = nil
	b.emit(line)
}
