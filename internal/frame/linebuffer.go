// Package frame tokenizes the surface instrument's ASCII byte stream into
// lines and parses readings, configuration dumps and banner metadata.
package frame

import "bytes"

const (
	// DefaultMaxBuffer caps the bytes held while waiting for a terminator.
	DefaultMaxBuffer = 4096
	// DefaultKeepOnOverflow is how many of the most recent bytes survive an
	// overflow trim.
	DefaultKeepOnOverflow = 512
)

// LineBuffer accumulates raw bytes and splits them into complete lines.
//
// When no terminator arrives before the buffer reaches its cap, the buffer is
// trimmed to its most recent bytes. This is a lossy recovery policy for a
// stream that has lost framing; it is not reported as an error.
type LineBuffer struct {
	buf       []byte
	max       int
	keep      int
	overflows uint64
}

// NewLineBuffer returns a LineBuffer with the given cap. Non-positive values
// select the defaults; keep is clamped to max.
func NewLineBuffer(max, keep int) *LineBuffer {
	if max <= 0 {
		max = DefaultMaxBuffer
	}
	if keep <= 0 {
		keep = DefaultKeepOnOverflow
	}
	if keep > max {
		keep = max
	}
	return &LineBuffer{
		buf:  make([]byte, 0, max),
		max:  max,
		keep: keep,
	}
}

// Feed appends p and returns every complete line now available. A trailing
// carriage return is removed from each line and empty lines are skipped. Any
// incomplete tail stays buffered for the next call.
func (b *LineBuffer) Feed(p []byte) []string {
	b.buf = append(b.buf, p...)

	var lines []string
	for {
		i := bytes.IndexByte(b.buf, '\n')
		if i < 0 {
			break
		}
		line := b.buf[:i]
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(line) > 0 {
			lines = append(lines, string(line))
		}
		b.buf = b.buf[i+1:]
	}

	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.keep:]
		b.overflows++
	}

	// compact so the backing array does not creep forward forever
	if cap(b.buf) > 2*b.max {
		compacted := make([]byte, len(b.buf), b.max)
		copy(compacted, b.buf)
		b.buf = compacted
	}
	return lines
}

// Pending returns the buffered partial line without consuming it.
func (b *LineBuffer) Pending() string {
	return string(bytes.TrimSuffix(b.buf, []byte{'\r'}))
}

// Drain returns the buffered partial line and clears it.
func (b *LineBuffer) Drain() string {
	tail := b.Pending()
	b.buf = b.buf[:0]
	return tail
}

// Reset discards everything buffered.
func (b *LineBuffer) Reset() {
	b.buf = b.buf[:0]
}

// Len reports the number of buffered bytes.
func (b *LineBuffer) Len() int { return len(b.buf) }

// Cap reports the configured cap.
func (b *LineBuffer) Cap() int { return b.max }

// Overflows reports how many times the buffer was trimmed.
func (b *LineBuffer) Overflows() uint64 { return b.overflows }
