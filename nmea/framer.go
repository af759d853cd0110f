package nmea

import (
	"fmt"

	"github.com/markmerz/nmea0183-repeater-raspberry/errors"
)

// Framer accumulates bytes from one input source and yields complete lines.
// A Framer is not safe for concurrent use; each reader owns its own.
type Framer struct {
	buf    []byte
	maxLen int

	// discarding is set after an over-long line until its terminator
	discarding bool
}

// NewFramer creates a framer. maxLen <= 0 disables the line length limit.
func NewFramer(maxLen int) *Framer {
	if maxLen < 0 {
		maxLen = 0
	}
	return &Framer{
		buf:    make([]byte, 0, 128),
		maxLen: maxLen,
	}
}

// Feed adds one byte. When b is a line feed the buffered line, terminator
// included, is returned and the buffer is cleared. If the line grows past
// the limit it is discarded up to and including its terminator, and
// ErrLineTooLong is returned once for that line.
func (f *Framer) Feed(b byte) (Message, bool, error) {
	if f.discarding {
		if b == '\n' {
			f.discarding = false
		}
		return nil, false, nil
	}

	f.buf = append(f.buf, b)

	if b == '\n' {
		line := make(Message, len(f.buf))
		copy(line, f.buf)
		f.buf = f.buf[:0]
		return line, true, nil
	}

	if f.maxLen > 0 && len(f.buf) > f.maxLen {
		n := len(f.buf)
		f.buf = f.buf[:0]
		f.discarding = true
		return nil, false, errors.WrapInvalid(
			fmt.Errorf("%w: more than %d bytes without terminator", errors.ErrLineTooLong, n-1),
			"Framer", "Feed", "frame line")
	}

	return nil, false, nil
}

// Write feeds every byte of p and calls emit for each completed line. Framing
// continues past an over-long line; the first such error is returned after
// all of p has been consumed.
func (f *Framer) Write(p []byte, emit func(Message)) error {
	var firstErr error
	for _, b := range p {
		line, ok, err := f.Feed(b)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if ok {
			emit(line)
		}
	}
	return firstErr
}

// End closes a self-contained unit of input such as a datagram. A pending
// partial line is emitted with a line feed appended, and a line being
// discarded ends with the unit.
func (f *Framer) End(emit func(Message)) {
	if f.discarding {
		f.discarding = false
		return
	}
	if len(f.buf) == 0 {
		return
	}
	if line, ok, _ := f.Feed('\n'); ok {
		emit(line)
	}
}

// Pending returns the number of buffered bytes of an incomplete line.
func (f *Framer) Pending() int {
	return len(f.buf)
}

// Reset discards any partial line.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.discarding = false
}
