// framing/framing.go
package framing

import (
	"bytes"
	"errors"
	"strings"
	"unicode/utf8"
)

// Default bounds on accumulated bytes and single-record length.
const (
	DefaultMaxBuffer = 10 * 1024 * 1024
	DefaultMaxLine   = 1 * 1024 * 1024
)

var (
	// ErrBufferOverflow means too many bytes accumulated without a
	// newline. Fatal to the connection that produced them.
	ErrBufferOverflow = errors.New("framing: buffer size limit exceeded")

	// ErrLineTooLong means a single record exceeded the line limit.
	// Fatal to the connection that produced it.
	ErrLineTooLong = errors.New("framing: line length limit exceeded")

	// ErrInvalidUTF8 means a complete record failed UTF-8 decoding.
	// Recoverable: the record is dropped and framing continues.
	ErrInvalidUTF8 = errors.New("framing: record is not valid UTF-8")
)

// LineBuffer splits an append-only byte stream into newline-delimited
// records. It operates on raw bytes so multi-byte sequences split
// across reads reassemble correctly; decoding happens only once a
// complete record has been extracted.
type LineBuffer struct {
	buf       []byte
	maxBuffer int
	maxLine   int
}

func NewLineBuffer(maxBuffer, maxLine int) *LineBuffer {
	if maxBuffer <= 0 {
		maxBuffer = DefaultMaxBuffer
	}
	if maxLine <= 0 {
		maxLine = DefaultMaxLine
	}
	return &LineBuffer{maxBuffer: maxBuffer, maxLine: maxLine}
}

// Append adds raw bytes to the buffer. Returns ErrBufferOverflow when
// the accumulated unframed bytes would exceed the buffer limit.
func (b *LineBuffer) Append(p []byte) error {
	if len(b.buf)+len(p) > b.maxBuffer {
		return ErrBufferOverflow
	}
	b.buf = append(b.buf, p...)
	return nil
}

// Next extracts the next complete record. It returns ok=false when no
// complete record is buffered. ErrLineTooLong is fatal; ErrInvalidUTF8
// reports a dropped record and the caller may keep calling Next.
func (b *LineBuffer) Next() (line string, ok bool, err error) {
	i := bytes.IndexByte(b.buf, '\n')
	if i < 0 {
		// No newline yet; the pending bytes must still fit a line.
		if len(b.buf) > b.maxLine {
			return "", false, ErrLineTooLong
		}
		return "", false, nil
	}
	if i > b.maxLine {
		return "", false, ErrLineTooLong
	}

	record := b.buf[:i]
	b.buf = b.buf[i+1:]

	if !utf8.Valid(record) {
		return "", false, ErrInvalidUTF8
	}
	return strings.TrimRight(string(record), "\r"), true, nil
}

// Pending reports how many unframed bytes are buffered.
func (b *LineBuffer) Pending() int {
	return len(b.buf)
}

// Reset discards all buffered bytes.
func (b *LineBuffer) Reset() {
	b.buf = nil
}
